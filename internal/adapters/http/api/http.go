// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	service "github.com/okian/cardrank/internal/app"
	"github.com/okian/cardrank/internal/domain/model"
	"github.com/okian/cardrank/pkg/logger"
)

const (
	maxBodyBytes        = 1 << 20
	defaultLeaderboardN = 10
)

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to the service implementation.
type Dependencies interface {
	SessionDependencies
	LeaderboardDependencies
	AdminDependencies
	StatsProvider
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Server wires HTTP routes for the business API.
type Server struct {
	sessions    *SessionsHandler
	leaderboard *LeaderboardHandler
	admin       *AdminHandler
	health      *HealthHandler
	stats       *StatsHandler
	logger      logger.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the logger used for request failures.
func WithLogger(l logger.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, opts ...ServerOption) *Server {
	s := &Server{
		sessions:    NewSessionsHandler(deps),
		leaderboard: NewLeaderboardHandler(deps),
		admin:       NewAdminHandler(deps),
		health:      NewHealthHandler(),
		stats:       NewStatsHandler(deps),
		logger:      logger.Get().Named("api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the chi router serving every endpoint.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.failureLogger)

	r.Get("/healthz", MetricsMiddleware(s.health.HandleHealth, "healthz"))
	r.Get("/stats", MetricsMiddleware(s.stats.HandleStats, "stats"))

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", MetricsMiddleware(s.sessions.HandleStart, "sessions_start"))
		r.Get("/{id}", MetricsMiddleware(s.sessions.HandleGet, "sessions_get"))
		r.Post("/{id}/intake", MetricsMiddleware(s.sessions.HandleIntake, "sessions_intake"))
		r.Post("/{id}/comparisons", MetricsMiddleware(s.sessions.HandleComparison, "sessions_comparison"))
		r.Get("/{id}/results", MetricsMiddleware(s.sessions.HandleResults, "sessions_results"))
		r.Post("/{id}/resume", MetricsMiddleware(s.sessions.HandleResume, "sessions_resume"))
	})

	r.Get("/leaderboard", MetricsMiddleware(s.leaderboard.HandleGetLeaderboard, "leaderboard"))
	r.Get("/items/{id}/rating", MetricsMiddleware(s.leaderboard.HandleGetRating, "item_rating"))
	r.Post("/items", MetricsMiddleware(s.leaderboard.HandleRegisterItem, "items_register"))

	r.Route("/admin", func(r chi.Router) {
		r.Post("/recompute", MetricsMiddleware(s.admin.HandleRecompute, "admin_recompute"))
		r.Post("/fold-pending", MetricsMiddleware(s.admin.HandleFoldPending, "admin_fold_pending"))
	})
	return r
}

// failureLogger logs requests answered with a server-side status.
func (s *Server) failureLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if ww.Status() >= http.StatusInternalServerError {
			s.logger.Warn(r.Context(), "request failed",
				logger.String("method", r.Method),
				logger.String("path", r.URL.Path),
				logger.Int("status", ww.Status()),
				logger.String("request_id", chimiddleware.GetReqID(r.Context())),
			)
		}
	})
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError answers with the status matching the error's kind.
func writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	writeJSON(w, status, errorResponse{Code: code, Message: err.Error()})
}

// decode reads a JSON body into dst and validates it.
func decode(w http.ResponseWriter, r *http.Request, op string, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return NewKind(op, ErrBadBody)
		}
		return WrapKind(op, ErrBadBody, err)
	}
	if err := validate.Struct(dst); err != nil {
		return WrapKind(op, model.ErrValidation, describe(err))
	}
	return nil
}

// describe flattens validator errors into one message naming the fields.
func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	if len(verrs) > 1 {
		return fmt.Errorf("field %s failed %q (and %d more)", fe.Field(), fe.Tag(), len(verrs)-1)
	}
	return fmt.Errorf("field %s failed %q", fe.Field(), fe.Tag())
}

// pathID returns the {id} URL parameter.
func pathID(r *http.Request) string {
	return chi.URLParam(r, "id")
}

var _ Dependencies = (*service.Service)(nil)
