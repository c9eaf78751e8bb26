package api

import (
	"context"
	"net/http"

	service "github.com/okian/cardrank/internal/app"
)

// AdminDependencies defines the maintenance operations.
type AdminDependencies interface {
	Recompute(ctx context.Context) (service.RecomputeReport, error)
	FoldPending(ctx context.Context) (int, error)
}

// AdminHandler handles maintenance requests.
type AdminHandler struct {
	deps AdminDependencies
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(deps AdminDependencies) *AdminHandler {
	return &AdminHandler{deps: deps}
}

type foldPendingResponse struct {
	Folded int `json:"folded"`
}

// HandleRecompute handles POST /admin/recompute requests.
func (h *AdminHandler) HandleRecompute(w http.ResponseWriter, r *http.Request) {
	const op = "api.recompute"
	rep, err := h.deps.Recompute(r.Context())
	if err != nil {
		writeError(w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// HandleFoldPending handles POST /admin/fold-pending requests.
func (h *AdminHandler) HandleFoldPending(w http.ResponseWriter, r *http.Request) {
	const op = "api.fold_pending"
	n, err := h.deps.FoldPending(r.Context())
	if err != nil {
		writeError(w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, foldPendingResponse{Folded: n})
}
