package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/okian/cardrank/internal/adapters/mq/queue"
	"github.com/okian/cardrank/internal/adapters/repository"
	"github.com/okian/cardrank/internal/domain/model"
	"github.com/okian/cardrank/pkg/logger"
	"github.com/okian/cardrank/pkg/metrics"
)

// enqueueFold hands a completed session to the fold workers. The claim set
// keeps one session from being queued twice; when the queue refuses the job
// the fold runs inline.
func (s *Service) enqueueFold(ctx context.Context, sessionID string) {
	if s.deduper.SeenAndRecord(ctx, sessionID) {
		metrics.RecordDuplicateEvent("fold")
		return
	}

	s.mu.RLock()
	q := s.foldQueue
	s.mu.RUnlock()
	if q != nil && q.Enqueue(ctx, queue.Job{SessionID: sessionID, EnqueuedAt: s.now()}) {
		return
	}

	if err := s.FoldSession(ctx, sessionID); err != nil && !errors.Is(err, model.ErrAlreadyProcessed) {
		s.deduper.Unrecord(ctx, sessionID)
		s.logger.Error(ctx, "inline fold failed",
			logger.String("session_id", sessionID),
			logger.Error(err),
		)
	}
}

// foldFailed releases the claim of a job the workers could not fold so the
// pending sweep can pick it up again.
func (s *Service) foldFailed(ctx context.Context, j queue.Job, err error) {
	s.deduper.Unrecord(ctx, j.SessionID)
	s.logger.Warn(ctx, "fold deferred to pending sweep",
		logger.String("session_id", j.SessionID),
		logger.Duration("queued_for", s.now().Sub(j.EnqueuedAt)),
		logger.Error(err),
	)
}

// FoldSession folds a done session into the global ratings exactly once. A
// session that already has a marker yields model.ErrAlreadyProcessed.
func (s *Service) FoldSession(ctx context.Context, sessionID string) error {
	start := time.Now()
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !sess.Done() {
		return fmt.Errorf("%w: %q", model.ErrSessionNotDone, sessionID)
	}

	s.recompute.RLock()
	defer s.recompute.RUnlock()

	marker, err := s.store.Fold(ctx, sessionID, func(lookup func(string) (model.Rating, bool)) (map[string]model.Rating, model.Marker) {
		touched, rep := s.calc.Fold(sess, lookup)
		return touched, rep.Marker(sessionID, s.now())
	})
	switch {
	case errors.Is(err, model.ErrAlreadyProcessed):
		metrics.RecordFold("duplicate")
		return err
	case err != nil:
		metrics.RecordFold("error")
		metrics.RecordErrorByComponent("aggregator", model.KindOf(err))
		return err
	}

	metrics.RecordFold("applied")
	metrics.RecordFoldSkipped(marker.Skipped)
	metrics.RecordFoldDuplicates(marker.Duplicates)
	metrics.RecordFoldLatency(float64(time.Since(start).Microseconds()) / 1000)
	s.logger.Debug(ctx, "session folded",
		logger.String("session_id", sessionID),
		logger.Int("applied", marker.Applied),
		logger.Int("skipped", marker.Skipped),
		logger.Int("duplicates", marker.Duplicates),
	)
	return nil
}

// FoldPending folds every done session that has no marker yet and returns
// how many were folded. It repairs jobs lost to a crash or an open breaker.
func (s *Service) FoldPending(ctx context.Context) (int, error) {
	done, err := s.store.ListSessions(ctx, model.StatusDone)
	if err != nil {
		return 0, err
	}
	folded := 0
	for _, sess := range done {
		marked, err := s.store.Marked(ctx, sess.ID)
		if err != nil {
			return folded, err
		}
		if marked {
			continue
		}
		switch err := s.FoldSession(ctx, sess.ID); {
		case err == nil:
			folded++
		case errors.Is(err, model.ErrAlreadyProcessed):
		default:
			return folded, err
		}
	}
	if folded > 0 {
		s.logger.Info(ctx, "pending sessions folded", logger.Int("count", folded))
	}
	return folded, nil
}

// RecomputeReport summarizes a full rebuild.
type RecomputeReport struct {
	Sessions int `json:"sessions"`
	Items    int `json:"items"`
}

// Recompute rebuilds every rating from all done sessions in completion order
// and swaps the result in atomically. Folds wait while it runs.
func (s *Service) Recompute(ctx context.Context) (RecomputeReport, error) {
	s.recompute.Lock()
	defer s.recompute.Unlock()

	sessions, err := s.store.ListSessions(ctx, model.StatusDone)
	if err != nil {
		return RecomputeReport{}, err
	}
	catalogItems := s.catalog.Items()
	items := make([]string, 0, len(catalogItems))
	for _, it := range catalogItems {
		items = append(items, it.ID)
	}

	byID, markers := s.calc.Recompute(items, sessions, s.now())
	ratings := make([]model.Rating, 0, len(byID))
	for _, r := range byID {
		ratings = append(ratings, r)
	}
	sort.Slice(ratings, func(i, j int) bool { return ratings[i].ItemID < ratings[j].ItemID })

	if err := s.store.ReplaceRatings(ctx, ratings, markers); err != nil {
		return RecomputeReport{}, err
	}
	s.logger.Info(ctx, "ratings recomputed",
		logger.Int("sessions", len(markers)),
		logger.Int("items", len(ratings)),
	)
	return RecomputeReport{Sessions: len(markers), Items: len(ratings)}, nil
}

// GetLeaderboard returns the top rows, optionally restricted to the items of
// one family and to items with at least minGames games.
func (s *Service) GetLeaderboard(ctx context.Context, familyID string, limit, minGames int) ([]model.Standing, error) {
	if limit < 1 {
		return nil, fmt.Errorf("%w: limit must be at least 1", model.ErrValidation)
	}
	limit = min(limit, s.maxLeaderboardLimit)
	if minGames < 0 {
		return nil, fmt.Errorf("%w: min_games must not be negative", model.ErrValidation)
	}
	q := repository.LeaderboardQuery{Limit: limit, MinGames: minGames}
	if familyID != "" {
		deck, err := s.catalog.Deck(familyID)
		if err != nil {
			return nil, err
		}
		q.Items = make(map[string]struct{}, len(deck))
		for _, id := range deck {
			q.Items[id] = struct{}{}
		}
	}
	return s.store.Leaderboard(ctx, q)
}

// GetRating returns one item's rating and leaderboard position.
func (s *Service) GetRating(ctx context.Context, itemID string) (model.Standing, error) {
	return s.store.GetStanding(ctx, itemID)
}

// RegisterItem adds an item to the catalog and gives it a baseline rating.
func (s *Service) RegisterItem(ctx context.Context, it model.Item) (model.Item, error) {
	stored, err := s.catalog.Register(ctx, it)
	if err != nil {
		return model.Item{}, err
	}
	if _, err := s.store.RegisterRatings(ctx, s.calc.Initial(stored.ID, s.now())); err != nil {
		return model.Item{}, err
	}
	return stored, nil
}
