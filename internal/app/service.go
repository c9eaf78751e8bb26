// Package service wires the ranking core to storage, the catalog and the fold
// workers. It implements the dependencies required by the HTTP API.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/okian/cardrank/internal/adapters/mq/queue"
	"github.com/okian/cardrank/internal/adapters/mq/worker"
	"github.com/okian/cardrank/internal/adapters/repository"
	"github.com/okian/cardrank/internal/domain/catalog"
	"github.com/okian/cardrank/internal/domain/dedupe"
	"github.com/okian/cardrank/internal/domain/hierarchy"
	"github.com/okian/cardrank/internal/domain/model"
	"github.com/okian/cardrank/internal/domain/rating"
	"github.com/okian/cardrank/pkg/logger"
	"github.com/okian/cardrank/pkg/metrics"
)

// Service implements the session, hierarchy and rating operations.
type Service struct {
	mu sync.RWMutex

	// Core components
	store      repository.Store
	catalog    catalog.Catalog
	calc       *rating.Calculator
	planner    *hierarchy.Planner
	deduper    dedupe.Deduper
	foldQueue  queue.Queue
	workerPool *worker.Pool

	// recompute holds folds off while ratings are being rebuilt.
	recompute sync.RWMutex

	// Configuration
	workerCount         int
	queueSize           int
	dedupeSize          int
	async               bool
	defaultMode         model.Mode
	maxLeaderboardLimit int
	sessionTTL          time.Duration
	gcInterval          time.Duration
	breakerFailures     uint32
	breakerTimeout      time.Duration
	ratingOpts          []rating.Option
	hierarchyOpts       []hierarchy.Option
	now                 func() time.Time

	// State
	started bool
	cancel  context.CancelFunc
	bg      sync.WaitGroup

	logger logger.Logger
}

// New constructs a Service. Without WithStore and WithCatalog it runs on an
// in-memory store and an empty catalog.
func New(opts ...Option) (*Service, error) {
	s := &Service{
		workerCount:         defaultWorkerCount,
		queueSize:           defaultQueueSize,
		dedupeSize:          defaultDedupeSize,
		async:               true,
		defaultMode:         model.ModeRank,
		maxLeaderboardLimit: defaultMaxLeaderboardLimit,
		sessionTTL:          defaultSessionTTL,
		gcInterval:          defaultGCInterval,
		breakerFailures:     defaultBreakerFailures,
		breakerTimeout:      defaultBreakerTimeout,
		now:                 time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = logger.Get().Named("service")
	}
	if s.store == nil {
		s.store = repository.NewMemoryStore(repository.WithLogger(s.logger.Named("repository")))
	}
	if s.catalog == nil {
		c, err := catalog.NewInMemory()
		if err != nil {
			return nil, err
		}
		s.catalog = c
	}
	if _, err := model.ParseMode(string(s.defaultMode), model.ModeRank); err != nil {
		return nil, fmt.Errorf("default mode %q: %w", s.defaultMode, err)
	}

	s.calc = rating.NewCalculator(s.ratingOpts...)
	s.planner = hierarchy.NewPlanner(s.catalog, s.hierarchyOpts...)
	s.deduper = dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(s.dedupeSize))
	return s, nil
}

// Start seeds baseline ratings for the catalog and launches the fold workers
// and the session collector.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.logger.Info(ctx, "starting ranking service...")

	if err := s.seedRatings(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	if s.async {
		s.foldQueue = queue.NewInMemoryQueue(queue.WithCapacity(s.queueSize))
		s.workerPool = worker.NewPool(s.workerCount, s.foldQueue, worker.FolderFunc(s.FoldSession),
			worker.WithName("fold"),
			worker.WithLogger(s.logger.Named("worker")),
			worker.WithBreaker(worker.NewBreaker(worker.BreakerConfig{
				Name:             "fold",
				FailureThreshold: s.breakerFailures,
				Timeout:          s.breakerTimeout,
			})),
			worker.WithFailureHandler(s.foldFailed),
		)
		s.workerPool.Start(runCtx)
	}

	if s.sessionTTL > 0 {
		s.bg.Add(1)
		go func() {
			defer s.bg.Done()
			s.collectLoop(runCtx)
		}()
	}

	s.started = true
	s.logger.Info(ctx, "ranking service started",
		logger.Int("workers", s.workerCount),
		logger.Int("queueSize", s.queueSize),
		logger.Int("dedupeSize", s.dedupeSize),
		logger.Bool("async", s.async),
	)
	return nil
}

func (s *Service) seedRatings(ctx context.Context) error {
	items := s.catalog.Items()
	if len(items) == 0 {
		return nil
	}
	at := s.now()
	seed := make([]model.Rating, 0, len(items))
	for _, it := range items {
		seed = append(seed, s.calc.Initial(it.ID, at))
	}
	created, err := s.store.RegisterRatings(ctx, seed...)
	if err != nil {
		return fmt.Errorf("seed ratings: %w", err)
	}
	s.logger.Info(ctx, "catalog ratings seeded", logger.Int("created", created), logger.Int("items", len(items)))
	return nil
}

// Stop drains the fold queue and stops background work. The store stays
// open.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	ctx := context.Background()
	s.logger.Info(ctx, "stopping ranking service...")

	if s.workerPool != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, defaultFoldShutdownTimeout)
		if err := s.workerPool.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn(ctx, "fold workers did not drain", logger.Error(err))
		}
		cancel()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.bg.Wait()

	s.workerPool = nil
	s.foldQueue = nil
	s.started = false
	s.logger.Info(ctx, "ranking service stopped")
}

// Stats is a snapshot of service counters.
type Stats struct {
	Started       bool                 `json:"started"`
	Async         bool                 `json:"async_aggregation"`
	WorkerCount   int                  `json:"worker_count"`
	QueueCapacity int                  `json:"queue_capacity"`
	QueueLength   int                  `json:"queue_length"`
	FoldClaims    int64                `json:"fold_claims"`
	RatedItems    int                  `json:"rated_items"`
	Sessions      map[model.Status]int `json:"sessions"`
	Families      int                  `json:"families"`
	Items         int                  `json:"items"`
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	st := Stats{
		Started:       s.started,
		Async:         s.async,
		WorkerCount:   s.workerCount,
		QueueCapacity: s.queueSize,
		FoldClaims:    s.deduper.Size(),
		Families:      len(s.catalog.Families()),
		Items:         len(s.catalog.Items()),
	}
	if s.foldQueue != nil {
		st.QueueLength = s.foldQueue.Len(ctx)
	}
	s.mu.RUnlock()

	rated, err := s.store.CountRatings(ctx)
	if err != nil {
		return Stats{}, err
	}
	st.RatedItems = rated

	sessions, err := s.store.ListSessions(ctx, "")
	if err != nil {
		return Stats{}, err
	}
	st.Sessions = map[model.Status]int{
		model.StatusIntake:    0,
		model.StatusComparing: 0,
		model.StatusDone:      0,
	}
	for _, sess := range sessions {
		st.Sessions[sess.Status]++
	}
	metrics.UpdateActiveSessions(st.Sessions[model.StatusIntake] + st.Sessions[model.StatusComparing])
	metrics.UpdateRatedItems(rated)
	return st, nil
}

// RunMetricsUpdater refreshes the session and rating gauges until ctx ends.
func (s *Service) RunMetricsUpdater(ctx context.Context) {
	ticker := time.NewTicker(metrics.RefreshInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.GetStats(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn(ctx, "stats refresh failed", logger.Error(err))
			}
		}
	}
}

// collectLoop deletes abandoned sessions.
func (s *Service) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(s.gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.CollectExpired(ctx); err != nil {
				s.logger.Error(ctx, "session collection failed", logger.Error(err))
			}
		}
	}
}

// CollectExpired removes sessions that are not done and have been idle longer
// than the session TTL. Done sessions are kept for recompute.
func (s *Service) CollectExpired(ctx context.Context) (int, error) {
	if s.sessionTTL <= 0 {
		return 0, nil
	}
	ids, err := s.store.DeleteExpired(ctx, s.now().Add(-s.sessionTTL))
	if err != nil {
		return 0, err
	}
	if len(ids) > 0 {
		metrics.RecordSessionsExpired(len(ids))
		s.logger.Info(ctx, "expired sessions collected", logger.Int("count", len(ids)))
	}
	return len(ids), nil
}
