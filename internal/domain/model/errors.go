package model

import (
	"errors"
	"fmt"
)

// Error kinds. Every error surfaced by the core wraps exactly one of these so
// callers can choose between refetch-and-retry and fail-and-report.
var (
	// ErrValidation marks malformed requests or unknown references. No state
	// was mutated.
	ErrValidation = errors.New("validation")
	// ErrStateConflict marks stale versions and invalid transitions. The caller
	// must reload the current state and resubmit its intent.
	ErrStateConflict = errors.New("state conflict")
	// ErrIntegrity marks events that contradict the session's own data, such as
	// a winner outside the compared pair.
	ErrIntegrity = errors.New("data integrity")
	// ErrSystem marks storage or infrastructure failures.
	ErrSystem = errors.New("system")
)

// Concrete errors.
var (
	ErrSessionNotFound    = fmt.Errorf("%w: session not found", ErrValidation)
	ErrHierarchyNotFound  = fmt.Errorf("%w: hierarchy not found", ErrValidation)
	ErrRatingNotFound     = fmt.Errorf("%w: rating not found", ErrValidation)
	ErrUnknownItem        = fmt.Errorf("%w: unknown item", ErrValidation)
	ErrUnknownFamily      = fmt.Errorf("%w: unknown family", ErrValidation)
	ErrUnknownMode        = fmt.Errorf("%w: unknown play mode", ErrValidation)
	ErrUnknownDecision    = fmt.Errorf("%w: unknown decision", ErrValidation)
	ErrRejectNotAllowed   = fmt.Errorf("%w: reject is not allowed in this mode", ErrValidation)
	ErrVersionConflict    = fmt.Errorf("%w: stale version", ErrStateConflict)
	ErrInvalidTransition  = fmt.Errorf("%w: invalid transition", ErrStateConflict)
	ErrConflictingOutcome = fmt.Errorf("%w: conflicts with a recorded outcome", ErrStateConflict)
	ErrAlreadyExists      = fmt.Errorf("%w: already exists", ErrStateConflict)
	ErrAlreadyProcessed   = fmt.Errorf("%w: session already folded", ErrStateConflict)
	ErrSessionNotDone     = fmt.Errorf("%w: session is not done", ErrStateConflict)
	ErrPairNotPending     = fmt.Errorf("%w: pair is not the pending comparison", ErrIntegrity)
	ErrWinnerNotInPair    = fmt.Errorf("%w: winner is not one of the compared items", ErrIntegrity)
	ErrSelfComparison     = fmt.Errorf("%w: item compared with itself", ErrIntegrity)
	ErrStoreUnavailable   = fmt.Errorf("%w: store unavailable", ErrSystem)
	ErrQueueClosed        = fmt.Errorf("%w: fold queue closed", ErrSystem)
)

// Kind names returned by KindOf.
const (
	KindValidation    = "validation"
	KindStateConflict = "state_conflict"
	KindIntegrity     = "integrity"
	KindSystem        = "system"
)

// KindOf classifies err. Unclassified errors are reported as system errors.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrStateConflict):
		return KindStateConflict
	case errors.Is(err, ErrIntegrity):
		return KindIntegrity
	default:
		return KindSystem
	}
}

// SystemError wraps an infrastructure failure so it classifies as ErrSystem
// while keeping the original cause reachable through errors.Is.
func SystemError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &systemError{op: op, err: err}
}

type systemError struct {
	op  string
	err error
}

func (e *systemError) Error() string { return e.op + ": " + e.err.Error() }

func (e *systemError) Unwrap() []error { return []error{ErrSystem, e.err} }
