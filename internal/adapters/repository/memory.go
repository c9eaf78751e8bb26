package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/okian/cardrank/internal/domain/model"
	"github.com/okian/cardrank/pkg/logger"
	"github.com/okian/cardrank/pkg/metrics"
)

// MemoryStore implements Store in process memory. Sessions and hierarchies
// share one lock; ratings, markers and the leaderboard index share another
// so gameplay never waits on a running fold.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]*model.Session
	hierarchies map[string]*model.Hierarchy

	rmu     sync.RWMutex
	ratings map[string]model.Rating
	markers map[string]model.Marker
	index   *leaderboardIndex

	logger logger.Logger
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logger.Get().Named("repository")
	}
	return &MemoryStore{
		sessions:    make(map[string]*model.Session),
		hierarchies: make(map[string]*model.Hierarchy),
		ratings:     make(map[string]model.Rating),
		markers:     make(map[string]model.Marker),
		index:       newLeaderboardIndex(),
		logger:      o.logger,
	}
}

// Close implements Store. Memory holds nothing to release.
func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) CreateSession(_ context.Context, s *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("%w: session %q", model.ErrAlreadyExists, s.ID)
	}
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, model.ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) UpdateSession(_ context.Context, s *model.Session, expected int64) error {
	start := time.Now()
	defer func() { metrics.RecordRepositoryUpdateLatency(sinceMs(start)) }()

	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[s.ID]
	if !ok {
		return model.ErrSessionNotFound
	}
	if cur.Version != expected {
		return fmt.Errorf("%w: session %q is at version %d, not %d", model.ErrVersionConflict, s.ID, cur.Version, expected)
	}
	next := s.Clone()
	next.Version = expected + 1
	m.sessions[s.ID] = next
	s.Version = next.Version
	return nil
}

func (m *MemoryStore) ListSessions(_ context.Context, status model.Status) ([]*model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if status == "" || s.Status == status {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) DeleteExpired(_ context.Context, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, s := range m.sessions {
		if !s.Done() && s.UpdatedAt.Before(cutoff) {
			delete(m.sessions, id)
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) CreateHierarchy(_ context.Context, h *model.Hierarchy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.hierarchies[h.ID]; ok {
		return fmt.Errorf("%w: hierarchy %q", model.ErrAlreadyExists, h.ID)
	}
	m.hierarchies[h.ID] = h.Clone()
	return nil
}

func (m *MemoryStore) GetHierarchy(_ context.Context, id string) (*model.Hierarchy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.hierarchies[id]
	if !ok {
		return nil, model.ErrHierarchyNotFound
	}
	return h.Clone(), nil
}

func (m *MemoryStore) UpdateHierarchy(_ context.Context, h *model.Hierarchy, expected int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.hierarchies[h.ID]
	if !ok {
		return model.ErrHierarchyNotFound
	}
	if cur.Version != expected {
		return fmt.Errorf("%w: hierarchy %q is at version %d, not %d", model.ErrVersionConflict, h.ID, cur.Version, expected)
	}
	next := h.Clone()
	next.Version = expected + 1
	m.hierarchies[h.ID] = next
	h.Version = next.Version
	return nil
}

func (m *MemoryStore) RegisterRatings(_ context.Context, ratings ...model.Rating) (int, error) {
	m.rmu.Lock()
	defer m.rmu.Unlock()
	created := 0
	for _, r := range ratings {
		if _, ok := m.ratings[r.ItemID]; ok {
			continue
		}
		m.ratings[r.ItemID] = r
		m.index.upsert(r)
		created++
	}
	if created > 0 {
		metrics.UpdateRatedItems(len(m.ratings))
	}
	return created, nil
}

func (m *MemoryStore) GetStanding(_ context.Context, itemID string) (model.Standing, error) {
	start := time.Now()
	defer func() { metrics.RecordRepositoryQueryLatency(sinceMs(start)) }()

	m.rmu.RLock()
	defer m.rmu.RUnlock()
	r, ok := m.ratings[itemID]
	if !ok {
		metrics.RecordErrorByComponent("repository", "not_found")
		return model.Standing{}, fmt.Errorf("%w: %q", model.ErrRatingNotFound, itemID)
	}
	return standing(m.index.position(itemID), r), nil
}

// Fold holds the rating lock for the whole read-compute-write so concurrent
// folds of different sessions serialize on shared items.
func (m *MemoryStore) Fold(_ context.Context, sessionID string, fn FoldFunc) (model.Marker, error) {
	start := time.Now()
	defer func() { metrics.RecordRepositoryUpdateLatency(sinceMs(start)) }()

	m.rmu.Lock()
	defer m.rmu.Unlock()
	if _, done := m.markers[sessionID]; done {
		return model.Marker{}, model.ErrAlreadyProcessed
	}
	touched, marker := fn(func(id string) (model.Rating, bool) {
		r, ok := m.ratings[id]
		return r, ok
	})
	for id, r := range touched {
		m.ratings[id] = r
		m.index.upsert(r)
	}
	marker.SessionID = sessionID
	m.markers[sessionID] = marker
	metrics.UpdateRatedItems(len(m.ratings))
	return marker, nil
}

func (m *MemoryStore) Marked(_ context.Context, sessionID string) (bool, error) {
	m.rmu.RLock()
	defer m.rmu.RUnlock()
	_, ok := m.markers[sessionID]
	return ok, nil
}

func (m *MemoryStore) Leaderboard(_ context.Context, q LeaderboardQuery) ([]model.Standing, error) {
	start := time.Now()
	defer func() { metrics.RecordRepositoryQueryLatency(sinceMs(start)) }()

	if q.Limit < 1 {
		metrics.RecordErrorByComponent("repository", "invalid_limit")
		return nil, ErrInvalidLimit
	}

	m.rmu.RLock()
	defer m.rmu.RUnlock()
	out := make([]model.Standing, 0, min(q.Limit, m.index.len()))
	m.index.walk(func(id string) bool {
		r := m.ratings[id]
		if q.match(r) {
			out = append(out, standing(len(out)+1, r))
		}
		return len(out) < q.Limit
	})
	return out, nil
}

func (m *MemoryStore) ReplaceRatings(_ context.Context, ratings []model.Rating, markers []model.Marker) error {
	m.rmu.Lock()
	defer m.rmu.Unlock()
	m.ratings = make(map[string]model.Rating, len(ratings))
	m.markers = make(map[string]model.Marker, len(markers))
	m.index.reset()
	for _, r := range ratings {
		m.ratings[r.ItemID] = r
		m.index.upsert(r)
	}
	for _, mk := range markers {
		m.markers[mk.SessionID] = mk
	}
	metrics.UpdateRatedItems(len(m.ratings))
	m.logger.Info(context.Background(), "ratings replaced",
		logger.Int("ratings", len(ratings)),
		logger.Int("markers", len(markers)),
	)
	return nil
}

func (m *MemoryStore) CountRatings(_ context.Context) (int, error) {
	m.rmu.RLock()
	defer m.rmu.RUnlock()
	return len(m.ratings), nil
}
