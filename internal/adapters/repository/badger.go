package repository

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/okian/cardrank/internal/domain/model"
	"github.com/okian/cardrank/pkg/logger"
	"github.com/okian/cardrank/pkg/metrics"
)

// Key prefixes for BadgerDB storage
const (
	sessionKeyPrefix   = "session:"
	hierarchyKeyPrefix = "hierarchy:"
	ratingKeyPrefix    = "rating:"
	markerKeyPrefix    = "marker:"
)

var errSweepConflict = errors.New("sweep conflict")

// BadgerStore implements Store on BadgerDB. Every write is a serializable
// transaction: a lost race surfaces as badger.ErrConflict, which becomes a
// version conflict for sessions and hierarchies and a retry for folds.
type BadgerStore struct {
	db         *badger.DB
	retries    int
	backoff    time.Duration
	maxBackoff time.Duration
	folds      chan struct{}
	logger     logger.Logger
}

var _ Store = (*BadgerStore)(nil)

// OpenBadger opens (or creates) a Badger database in dir.
func OpenBadger(dir string, opts ...Option) (*BadgerStore, error) {
	bopts := badger.DefaultOptions(dir)
	bopts.Logger = nil
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, model.SystemError("open badger", err)
	}
	return NewBadgerStore(db, opts...), nil
}

// NewBadgerStore wraps an open database. The store owns db from here on.
func NewBadgerStore(db *badger.DB, opts ...Option) *BadgerStore {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logger.Get().Named("repository")
	}
	return &BadgerStore{
		db:         db,
		retries:    o.conflictRetries,
		backoff:    o.retryBackoff,
		maxBackoff: o.maxRetryBackoff,
		folds:      make(chan struct{}, o.foldConcurrency),
		logger:     o.logger,
	}
}

// Close closes the database.
func (b *BadgerStore) Close() error {
	if err := b.db.Close(); err != nil {
		return model.SystemError("close badger", err)
	}
	return nil
}

func getJSON(txn *badger.Txn, key string, v any) (bool, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, model.SystemError("get "+key, err)
	}
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, v) }); err != nil {
		return false, model.SystemError("decode "+key, err)
	}
	return true, nil
}

func setJSON(txn *badger.Txn, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return model.SystemError("encode "+key, err)
	}
	if err := txn.Set([]byte(key), data); err != nil {
		return model.SystemError("set "+key, err)
	}
	return nil
}

// scan decodes every value under prefix with decode.
func scan(txn *badger.Txn, prefix string, decode func(val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = true
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
		if err := it.Item().Value(decode); err != nil {
			return model.SystemError("scan "+prefix, err)
		}
	}
	return nil
}

// update runs fn in a read-write transaction and maps commit conflicts to
// onConflict.
func (b *BadgerStore) update(fn func(txn *badger.Txn) error, onConflict error) error {
	err := b.db.Update(fn)
	if errors.Is(err, badger.ErrConflict) {
		return onConflict
	}
	if errors.Is(err, badger.ErrDBClosed) {
		return ErrClosed
	}
	return err
}

func (b *BadgerStore) CreateSession(_ context.Context, s *model.Session) error {
	conflict := fmt.Errorf("%w: session %q", model.ErrAlreadyExists, s.ID)
	return b.update(func(txn *badger.Txn) error {
		var cur model.Session
		found, err := getJSON(txn, sessionKeyPrefix+s.ID, &cur)
		if err != nil {
			return err
		}
		if found {
			return conflict
		}
		return setJSON(txn, sessionKeyPrefix+s.ID, s)
	}, conflict)
}

func (b *BadgerStore) GetSession(_ context.Context, id string) (*model.Session, error) {
	var s model.Session
	err := b.db.View(func(txn *badger.Txn) error {
		found, err := getJSON(txn, sessionKeyPrefix+id, &s)
		if err != nil {
			return err
		}
		if !found {
			return model.ErrSessionNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (b *BadgerStore) UpdateSession(_ context.Context, s *model.Session, expected int64) error {
	start := time.Now()
	defer func() { metrics.RecordRepositoryUpdateLatency(sinceMs(start)) }()

	conflict := fmt.Errorf("%w: session %q changed concurrently", model.ErrVersionConflict, s.ID)
	next := s.Clone()
	next.Version = expected + 1
	err := b.update(func(txn *badger.Txn) error {
		var cur model.Session
		found, err := getJSON(txn, sessionKeyPrefix+s.ID, &cur)
		if err != nil {
			return err
		}
		if !found {
			return model.ErrSessionNotFound
		}
		if cur.Version != expected {
			return fmt.Errorf("%w: session %q is at version %d, not %d", model.ErrVersionConflict, s.ID, cur.Version, expected)
		}
		return setJSON(txn, sessionKeyPrefix+s.ID, next)
	}, conflict)
	if err != nil {
		return err
	}
	s.Version = next.Version
	return nil
}

func (b *BadgerStore) ListSessions(_ context.Context, status model.Status) ([]*model.Session, error) {
	var out []*model.Session
	err := b.db.View(func(txn *badger.Txn) error {
		return scan(txn, sessionKeyPrefix, func(val []byte) error {
			var s model.Session
			if err := json.Unmarshal(val, &s); err != nil {
				return err
			}
			if status == "" || s.Status == status {
				out = append(out, &s)
			}
			return nil
		})
	})
	return out, err
}

func (b *BadgerStore) DeleteExpired(_ context.Context, cutoff time.Time) ([]string, error) {
	var ids []string
	err := b.update(func(txn *badger.Txn) error {
		ids = ids[:0]
		err := scan(txn, sessionKeyPrefix, func(val []byte) error {
			var s model.Session
			if err := json.Unmarshal(val, &s); err != nil {
				return err
			}
			if !s.Done() && s.UpdatedAt.Before(cutoff) {
				ids = append(ids, s.ID)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := txn.Delete([]byte(sessionKeyPrefix + id)); err != nil {
				return model.SystemError("delete session", err)
			}
		}
		return nil
	}, errSweepConflict)
	if errors.Is(err, errSweepConflict) {
		// A writer touched one of the candidates; the next sweep retries.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (b *BadgerStore) CreateHierarchy(_ context.Context, h *model.Hierarchy) error {
	conflict := fmt.Errorf("%w: hierarchy %q", model.ErrAlreadyExists, h.ID)
	return b.update(func(txn *badger.Txn) error {
		var cur model.Hierarchy
		found, err := getJSON(txn, hierarchyKeyPrefix+h.ID, &cur)
		if err != nil {
			return err
		}
		if found {
			return conflict
		}
		return setJSON(txn, hierarchyKeyPrefix+h.ID, h)
	}, conflict)
}

func (b *BadgerStore) GetHierarchy(_ context.Context, id string) (*model.Hierarchy, error) {
	var h model.Hierarchy
	err := b.db.View(func(txn *badger.Txn) error {
		found, err := getJSON(txn, hierarchyKeyPrefix+id, &h)
		if err != nil {
			return err
		}
		if !found {
			return model.ErrHierarchyNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (b *BadgerStore) UpdateHierarchy(_ context.Context, h *model.Hierarchy, expected int64) error {
	conflict := fmt.Errorf("%w: hierarchy %q changed concurrently", model.ErrVersionConflict, h.ID)
	next := h.Clone()
	next.Version = expected + 1
	err := b.update(func(txn *badger.Txn) error {
		var cur model.Hierarchy
		found, err := getJSON(txn, hierarchyKeyPrefix+h.ID, &cur)
		if err != nil {
			return err
		}
		if !found {
			return model.ErrHierarchyNotFound
		}
		if cur.Version != expected {
			return fmt.Errorf("%w: hierarchy %q is at version %d, not %d", model.ErrVersionConflict, h.ID, cur.Version, expected)
		}
		return setJSON(txn, hierarchyKeyPrefix+h.ID, next)
	}, conflict)
	if err != nil {
		return err
	}
	h.Version = next.Version
	return nil
}

func (b *BadgerStore) RegisterRatings(ctx context.Context, ratings ...model.Rating) (int, error) {
	created := 0
	err := b.retry(ctx, func(txn *badger.Txn) error {
		created = 0
		for _, r := range ratings {
			var cur model.Rating
			found, err := getJSON(txn, ratingKeyPrefix+r.ItemID, &cur)
			if err != nil {
				return err
			}
			if found {
				continue
			}
			if err := setJSON(txn, ratingKeyPrefix+r.ItemID, r); err != nil {
				return err
			}
			created++
		}
		return nil
	})
	return created, err
}

// retry re-runs fn while its commit loses a write conflict, pausing a random
// time under a doubling bound between attempts.
func (b *BadgerStore) retry(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	bound := b.backoff
	for attempt := 0; attempt <= b.retries; attempt++ {
		err = b.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) || attempt == b.retries {
			break
		}
		metrics.RecordRepositoryConflictRetry()
		b.logger.Debug(ctx, "transaction conflict, retrying", logger.Int("attempt", attempt+1))
		if werr := sleepCtx(ctx, rand.N(bound)+1); werr != nil {
			return model.SystemError("commit", werr)
		}
		bound = min(bound*2, b.maxBackoff)
	}
	switch {
	case errors.Is(err, badger.ErrConflict):
		return model.SystemError("commit", err)
	case errors.Is(err, badger.ErrDBClosed):
		return ErrClosed
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (b *BadgerStore) ratingsSorted(txn *badger.Txn) ([]model.Rating, error) {
	var all []model.Rating
	err := scan(txn, ratingKeyPrefix, func(val []byte) error {
		var r model.Rating
		if err := json.Unmarshal(val, &r); err != nil {
			return err
		}
		all = append(all, r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return model.RanksBefore(all[i], all[j]) })
	return all, nil
}

func (b *BadgerStore) GetStanding(_ context.Context, itemID string) (model.Standing, error) {
	start := time.Now()
	defer func() { metrics.RecordRepositoryQueryLatency(sinceMs(start)) }()

	var out model.Standing
	err := b.db.View(func(txn *badger.Txn) error {
		var r model.Rating
		found, err := getJSON(txn, ratingKeyPrefix+itemID, &r)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %q", model.ErrRatingNotFound, itemID)
		}
		rank := 1
		err = scan(txn, ratingKeyPrefix, func(val []byte) error {
			var other model.Rating
			if err := json.Unmarshal(val, &other); err != nil {
				return err
			}
			if model.RanksBefore(other, r) {
				rank++
			}
			return nil
		})
		out = standing(rank, r)
		return err
	})
	return out, err
}

func (b *BadgerStore) Fold(ctx context.Context, sessionID string, fn FoldFunc) (model.Marker, error) {
	start := time.Now()
	defer func() { metrics.RecordRepositoryUpdateLatency(sinceMs(start)) }()

	select {
	case b.folds <- struct{}{}:
		defer func() { <-b.folds }()
	case <-ctx.Done():
		return model.Marker{}, model.SystemError("fold", ctx.Err())
	}

	var marker model.Marker
	err := b.retry(ctx, func(txn *badger.Txn) error {
		var prior model.Marker
		found, err := getJSON(txn, markerKeyPrefix+sessionID, &prior)
		if err != nil {
			return err
		}
		if found {
			return model.ErrAlreadyProcessed
		}

		var readErr error
		touched, mk := fn(func(id string) (model.Rating, bool) {
			var r model.Rating
			ok, err := getJSON(txn, ratingKeyPrefix+id, &r)
			if err != nil && readErr == nil {
				readErr = err
			}
			return r, ok
		})
		if readErr != nil {
			return readErr
		}
		for id, r := range touched {
			if err := setJSON(txn, ratingKeyPrefix+id, r); err != nil {
				return err
			}
		}
		mk.SessionID = sessionID
		marker = mk
		return setJSON(txn, markerKeyPrefix+sessionID, mk)
	})
	if err != nil {
		return model.Marker{}, err
	}
	return marker, nil
}

func (b *BadgerStore) Marked(_ context.Context, sessionID string) (bool, error) {
	found := false
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(markerKeyPrefix + sessionID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return model.SystemError("get marker", err)
		}
		found = true
		return nil
	})
	return found, err
}

func (b *BadgerStore) Leaderboard(_ context.Context, q LeaderboardQuery) ([]model.Standing, error) {
	start := time.Now()
	defer func() { metrics.RecordRepositoryQueryLatency(sinceMs(start)) }()

	if q.Limit < 1 {
		metrics.RecordErrorByComponent("repository", "invalid_limit")
		return nil, ErrInvalidLimit
	}
	var out []model.Standing
	err := b.db.View(func(txn *badger.Txn) error {
		all, err := b.ratingsSorted(txn)
		if err != nil {
			return err
		}
		out = make([]model.Standing, 0, min(q.Limit, len(all)))
		for _, r := range all {
			if len(out) == q.Limit {
				break
			}
			if q.match(r) {
				out = append(out, standing(len(out)+1, r))
			}
		}
		return nil
	})
	return out, err
}

// ReplaceRatings runs in a single transaction, so a recompute is bounded by
// Badger's transaction size limit.
func (b *BadgerStore) ReplaceRatings(ctx context.Context, ratings []model.Rating, markers []model.Marker) error {
	err := b.retry(ctx, func(txn *badger.Txn) error {
		for _, prefix := range []string{ratingKeyPrefix, markerKeyPrefix} {
			var keys [][]byte
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = []byte(prefix)
			it := txn.NewIterator(opts)
			for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
				keys = append(keys, it.Item().KeyCopy(nil))
			}
			it.Close()
			for _, k := range keys {
				if err := txn.Delete(k); err != nil {
					return model.SystemError("delete "+string(k), err)
				}
			}
		}
		for _, r := range ratings {
			if err := setJSON(txn, ratingKeyPrefix+r.ItemID, r); err != nil {
				return err
			}
		}
		for _, mk := range markers {
			if err := setJSON(txn, markerKeyPrefix+mk.SessionID, mk); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	b.logger.Info(ctx, "ratings replaced",
		logger.Int("ratings", len(ratings)),
		logger.Int("markers", len(markers)),
	)
	return nil
}

func (b *BadgerStore) CountRatings(_ context.Context) (int, error) {
	count := 0
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(ratingKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}
