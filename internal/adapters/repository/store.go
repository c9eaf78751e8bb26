// Package repository persists sessions, hierarchy records and global ratings.
//
// Two implementations share the interfaces below: an in-memory store with a
// treap leaderboard index, and a BadgerDB store for durable deployments.
// Session and hierarchy writes are compare-and-swap on the version counter;
// a rating fold and its processed-session marker commit as one unit.
package repository

import (
	"context"
	"time"

	"github.com/okian/cardrank/internal/domain/model"
)

// SessionStore persists sessions.
type SessionStore interface {
	// CreateSession stores a new session. Returns model.ErrAlreadyExists if
	// the id is taken.
	CreateSession(ctx context.Context, s *model.Session) error
	// GetSession returns a copy of the session or model.ErrSessionNotFound.
	GetSession(ctx context.Context, id string) (*model.Session, error)
	// UpdateSession replaces the session if the stored version still equals
	// expected. On success s.Version becomes expected+1; otherwise
	// model.ErrVersionConflict is returned and nothing changes.
	UpdateSession(ctx context.Context, s *model.Session, expected int64) error
	// ListSessions returns sessions with status, or all when status is empty.
	ListSessions(ctx context.Context, status model.Status) ([]*model.Session, error)
	// DeleteExpired removes sessions that are not done and were last updated
	// before cutoff, returning their ids.
	DeleteExpired(ctx context.Context, cutoff time.Time) ([]string, error)
}

// HierarchyStore persists hierarchy records keyed by root session id.
type HierarchyStore interface {
	CreateHierarchy(ctx context.Context, h *model.Hierarchy) error
	GetHierarchy(ctx context.Context, id string) (*model.Hierarchy, error)
	// UpdateHierarchy has the same compare-and-swap contract as UpdateSession.
	UpdateHierarchy(ctx context.Context, h *model.Hierarchy, expected int64) error
}

// FoldFunc computes the ratings touched by one session given read access to
// the current ratings, plus the marker to record.
type FoldFunc func(lookup func(itemID string) (model.Rating, bool)) (map[string]model.Rating, model.Marker)

// LeaderboardQuery selects leaderboard rows.
type LeaderboardQuery struct {
	Limit    int
	MinGames int
	// Items restricts rows to these ids; nil means every item.
	Items map[string]struct{}
}

func (q LeaderboardQuery) match(r model.Rating) bool {
	if r.GamesPlayed < q.MinGames {
		return false
	}
	if q.Items != nil {
		if _, ok := q.Items[r.ItemID]; !ok {
			return false
		}
	}
	return true
}

// RatingStore persists global ratings and processed-session markers.
type RatingStore interface {
	// RegisterRatings creates the given ratings for items that have none yet
	// and returns how many were created.
	RegisterRatings(ctx context.Context, ratings ...model.Rating) (int, error)
	// GetStanding returns an item's rating and its position on the full
	// leaderboard, or model.ErrRatingNotFound.
	GetStanding(ctx context.Context, itemID string) (model.Standing, error)
	// Fold runs fn against the current ratings and commits its result together
	// with the marker. Returns model.ErrAlreadyProcessed if the session already
	// has a marker.
	Fold(ctx context.Context, sessionID string, fn FoldFunc) (model.Marker, error)
	// Marked reports whether a session has been folded.
	Marked(ctx context.Context, sessionID string) (bool, error)
	// Leaderboard returns rows in rank order. Rank is the position among the
	// rows matching the query.
	Leaderboard(ctx context.Context, q LeaderboardQuery) ([]model.Standing, error)
	// ReplaceRatings atomically swaps every rating and marker.
	ReplaceRatings(ctx context.Context, ratings []model.Rating, markers []model.Marker) error
	// CountRatings returns the number of rated items.
	CountRatings(ctx context.Context) (int, error)
}

// Store bundles every persistence concern.
type Store interface {
	SessionStore
	HierarchyStore
	RatingStore
	Close() error
}

func standing(rank int, r model.Rating) model.Standing {
	return model.Standing{Rank: rank, Rating: r, WinRate: r.WinRate(), RankingScore: r.RankingScore()}
}

func sinceMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
