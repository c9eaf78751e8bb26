package api

import (
	"errors"
	"net/http"

	"github.com/okian/cardrank/internal/domain/model"
)

// Sentinel kinds for API errors.
var (
	ErrBadRequest = errors.New("bad request")
	ErrBadBody    = errors.New("malformed request body")
)

// OpError ties an error to the handler operation that produced it.
type OpError struct {
	Op   string
	Kind error
	Err  error
}

func (e *OpError) Error() string {
	switch {
	case e.Err == nil:
		return e.Op + ": " + e.Kind.Error()
	case e.Kind == nil:
		return e.Op + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Kind.Error() + ": " + e.Err.Error()
}

func (e *OpError) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// NewKind returns an error of the given kind raised by op.
func NewKind(op string, kind error) error {
	return &OpError{Op: op, Kind: kind}
}

// WrapKind wraps err with op and kind. Both stay reachable through errors.Is.
func WrapKind(op string, kind, err error) error {
	return &OpError{Op: op, Kind: kind, Err: err}
}

// Wrap annotates err with op and keeps its classification.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Err: err}
}

// statusFor maps an error kind to the HTTP status and the code reported in
// the body.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrSessionNotFound),
		errors.Is(err, model.ErrHierarchyNotFound),
		errors.Is(err, model.ErrRatingNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrBadRequest), errors.Is(err, ErrBadBody):
		return http.StatusBadRequest, "bad_request"
	}
	switch model.KindOf(err) {
	case model.KindValidation:
		return http.StatusBadRequest, "validation"
	case model.KindStateConflict:
		return http.StatusConflict, "state_conflict"
	case model.KindIntegrity:
		return http.StatusUnprocessableEntity, "integrity"
	}
	return http.StatusServiceUnavailable, "unavailable"
}
