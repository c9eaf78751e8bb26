package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/okian/cardrank/internal/domain/model"
)

// LeaderboardDependencies defines the rating reads and item registration
// used by the handlers.
type LeaderboardDependencies interface {
	GetLeaderboard(ctx context.Context, familyID string, limit, minGames int) ([]model.Standing, error)
	GetRating(ctx context.Context, itemID string) (model.Standing, error)
	RegisterItem(ctx context.Context, it model.Item) (model.Item, error)
}

// LeaderboardHandler handles leaderboard and item requests.
type LeaderboardHandler struct {
	deps LeaderboardDependencies
}

// NewLeaderboardHandler creates a new leaderboard handler.
func NewLeaderboardHandler(deps LeaderboardDependencies) *LeaderboardHandler {
	return &LeaderboardHandler{deps: deps}
}

type registerItemRequest struct {
	ID            string `json:"id" validate:"required,max=128"`
	FamilyID      string `json:"family_id" validate:"required,max=128"`
	ChildFamilyID string `json:"child_family_id" validate:"omitempty,max=128,nefield=FamilyID"`
	Title         string `json:"title" validate:"max=512"`
}

// HandleGetLeaderboard handles GET /leaderboard?limit=N&family=F&min_games=M
// requests. The service enforces the limit bounds.
func (h *LeaderboardHandler) HandleGetLeaderboard(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_leaderboard"
	q := r.URL.Query()

	limit, err := intParam(q.Get("limit"), defaultLeaderboardN)
	if err != nil {
		writeError(w, WrapKind(op, ErrBadRequest, err))
		return
	}
	minGames, err := intParam(q.Get("min_games"), 0)
	if err != nil {
		writeError(w, WrapKind(op, ErrBadRequest, err))
		return
	}
	rows, err := h.deps.GetLeaderboard(r.Context(), q.Get("family"), limit, minGames)
	if err != nil {
		writeError(w, Wrap(op, err))
		return
	}
	if rows == nil {
		rows = []model.Standing{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// HandleGetRating handles GET /items/{id}/rating requests.
func (h *LeaderboardHandler) HandleGetRating(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_rating"
	st, err := h.deps.GetRating(r.Context(), pathID(r))
	if err != nil {
		writeError(w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// HandleRegisterItem handles POST /items requests. Registered items are
// active.
func (h *LeaderboardHandler) HandleRegisterItem(w http.ResponseWriter, r *http.Request) {
	const op = "api.register_item"
	var req registerItemRequest
	if err := decode(w, r, op, &req); err != nil {
		writeError(w, err)
		return
	}
	it, err := h.deps.RegisterItem(r.Context(), model.Item{
		ID:            req.ID,
		FamilyID:      req.FamilyID,
		ChildFamilyID: req.ChildFamilyID,
		Title:         req.Title,
		Active:        true,
	})
	if err != nil {
		writeError(w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusCreated, it)
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
