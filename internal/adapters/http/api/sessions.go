package api

import (
	"context"
	"net/http"

	service "github.com/okian/cardrank/internal/app"
	"github.com/okian/cardrank/internal/domain/model"
	"github.com/okian/cardrank/internal/domain/session"
)

// SessionDependencies defines the session operations used by the handlers.
type SessionDependencies interface {
	StartSession(ctx context.Context, familyID, mode string) (service.SessionView, error)
	GetSession(ctx context.Context, id string) (service.SessionView, error)
	SubmitIntake(ctx context.Context, id string, version int64, itemID, decision string) (service.StepResult, error)
	SubmitComparison(ctx context.Context, id string, version int64, itemA, itemB, winner string) (service.StepResult, error)
	GetResults(ctx context.Context, id string) (service.Results, error)
	Resume(ctx context.Context, rootID string) (*model.Hierarchy, error)
}

// SessionsHandler handles session requests.
type SessionsHandler struct {
	deps SessionDependencies
}

// NewSessionsHandler creates a new sessions handler.
func NewSessionsHandler(deps SessionDependencies) *SessionsHandler {
	return &SessionsHandler{deps: deps}
}

type startRequest struct {
	FamilyID string `json:"family_id" validate:"required"`
	Mode     string `json:"mode" validate:"omitempty,oneof=rank swipe vote hierarchical"`
}

// intakeRequest carries a pointer version so a missing field is told apart
// from version zero.
type intakeRequest struct {
	Version  *int64 `json:"version" validate:"required,min=0"`
	ItemID   string `json:"item_id" validate:"required"`
	Decision string `json:"decision" validate:"required,oneof=accept reject"`
}

type comparisonRequest struct {
	Version *int64 `json:"version" validate:"required,min=0"`
	ItemA   string `json:"item_a" validate:"required"`
	ItemB   string `json:"item_b" validate:"required"`
	Winner  string `json:"winner" validate:"required"`
}

type sessionResponse struct {
	SessionID string       `json:"session_id"`
	FamilyID  string       `json:"family_id"`
	Mode      model.Mode   `json:"mode"`
	Status    model.Status `json:"status"`
	Version   int64        `json:"version"`
	Deck      []string     `json:"deck"`
	Ranking   []string     `json:"ranking"`
	Next      session.Next `json:"next"`
	RootID    string       `json:"root_id,omitempty"`
	Depth     int          `json:"depth"`
}

type stepResponse struct {
	SessionID    string       `json:"session_id"`
	Status       model.Status `json:"status"`
	Version      int64        `json:"version"`
	Next         session.Next `json:"next"`
	Completed    bool         `json:"completed"`
	Duplicate    bool         `json:"duplicate"`
	ChildSession string       `json:"child_session,omitempty"`
}

type resultsResponse struct {
	SessionID           string                `json:"session_id"`
	Status              model.Status          `json:"status"`
	PersonalRanking     []string              `json:"personal_ranking"`
	HierarchicalRanking []model.ResultEntry   `json:"hierarchical_ranking,omitempty"`
	HierarchyStatus     model.HierarchyStatus `json:"hierarchy_status,omitempty"`
	ActiveSession       string                `json:"active_session,omitempty"`
}

type resumeResponse struct {
	RootID        string                `json:"root_id"`
	Status        model.HierarchyStatus `json:"status"`
	Version       int64                 `json:"version"`
	ActiveSession string                `json:"active_session,omitempty"`
	Results       []model.ResultEntry   `json:"results"`
}

func toSessionResponse(v service.SessionView) sessionResponse {
	s := v.Session
	return sessionResponse{
		SessionID: s.ID,
		FamilyID:  s.FamilyID,
		Mode:      s.Mode,
		Status:    s.Status,
		Version:   s.Version,
		Deck:      nonNil(s.Deck),
		Ranking:   nonNil(s.Ranking),
		Next:      v.Next,
		RootID:    s.RootID,
		Depth:     s.Depth,
	}
}

func toStepResponse(res service.StepResult) stepResponse {
	return stepResponse{
		SessionID:    res.SessionID,
		Status:       res.Status,
		Version:      res.Version,
		Next:         res.Next,
		Completed:    res.Completed,
		Duplicate:    res.Duplicate,
		ChildSession: res.ChildSession,
	}
}

// HandleStart handles POST /sessions requests.
func (h *SessionsHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	const op = "api.start_session"
	var req startRequest
	if err := decode(w, r, op, &req); err != nil {
		writeError(w, err)
		return
	}
	view, err := h.deps.StartSession(r.Context(), req.FamilyID, req.Mode)
	if err != nil {
		writeError(w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusCreated, toSessionResponse(view))
}

// HandleGet handles GET /sessions/{id} requests.
func (h *SessionsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_session"
	view, err := h.deps.GetSession(r.Context(), pathID(r))
	if err != nil {
		writeError(w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(view))
}

// HandleIntake handles POST /sessions/{id}/intake requests.
func (h *SessionsHandler) HandleIntake(w http.ResponseWriter, r *http.Request) {
	const op = "api.submit_intake"
	var req intakeRequest
	if err := decode(w, r, op, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.deps.SubmitIntake(r.Context(), pathID(r), *req.Version, req.ItemID, req.Decision)
	if err != nil {
		writeError(w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, toStepResponse(res))
}

// HandleComparison handles POST /sessions/{id}/comparisons requests.
func (h *SessionsHandler) HandleComparison(w http.ResponseWriter, r *http.Request) {
	const op = "api.submit_comparison"
	var req comparisonRequest
	if err := decode(w, r, op, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.deps.SubmitComparison(r.Context(), pathID(r), *req.Version, req.ItemA, req.ItemB, req.Winner)
	if err != nil {
		writeError(w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, toStepResponse(res))
}

// HandleResults handles GET /sessions/{id}/results requests.
func (h *SessionsHandler) HandleResults(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_results"
	res, err := h.deps.GetResults(r.Context(), pathID(r))
	if err != nil {
		writeError(w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, resultsResponse{
		SessionID:           res.SessionID,
		Status:              res.Status,
		PersonalRanking:     nonNil(res.Ranking),
		HierarchicalRanking: res.Hierarchical,
		HierarchyStatus:     res.HierarchyStatus,
		ActiveSession:       res.ActiveSession,
	})
}

// HandleResume handles POST /sessions/{id}/resume requests for hierarchy
// roots.
func (h *SessionsHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	const op = "api.resume_hierarchy"
	hier, err := h.deps.Resume(r.Context(), pathID(r))
	if err != nil {
		writeError(w, Wrap(op, err))
		return
	}
	resp := resumeResponse{
		RootID:  hier.ID,
		Status:  hier.Status,
		Version: hier.Version,
		Results: hier.Results,
	}
	if resp.Results == nil {
		resp.Results = []model.ResultEntry{}
	}
	if n, ok := hier.ActiveNode(); ok && !hier.Done() {
		resp.ActiveSession = n.SessionID
	}
	writeJSON(w, http.StatusOK, resp)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
