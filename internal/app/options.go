package service

import (
	"time"

	"github.com/okian/cardrank/internal/adapters/repository"
	"github.com/okian/cardrank/internal/domain/catalog"
	"github.com/okian/cardrank/internal/domain/hierarchy"
	"github.com/okian/cardrank/internal/domain/model"
	"github.com/okian/cardrank/internal/domain/rating"
	"github.com/okian/cardrank/pkg/logger"
)

// Default service configuration constants.
const (
	defaultWorkerCount         = 4
	defaultQueueSize           = 10000
	defaultDedupeSize          = 50000
	defaultMaxLeaderboardLimit = 1000
	defaultSessionTTL          = 24 * time.Hour
	defaultGCInterval          = 10 * time.Minute
	defaultHierarchyRetries    = 8
	defaultBreakerFailures     = 5
	defaultBreakerTimeout      = 30 * time.Second
	defaultFoldShutdownTimeout = 10 * time.Second
)

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithStore sets the persistence backend. The caller keeps ownership and
// closes it after Stop.
func WithStore(st repository.Store) Option {
	return func(s *Service) {
		if st != nil {
			s.store = st
		}
	}
}

// WithCatalog sets the item catalog.
func WithCatalog(c catalog.Catalog) Option {
	return func(s *Service) {
		if c != nil {
			s.catalog = c
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithWorkerCount sets the number of fold workers.
func WithWorkerCount(count int) Option {
	return func(s *Service) {
		if count > 0 {
			s.workerCount = count
		}
	}
}

// WithQueueSize sets the capacity of the fold queue.
func WithQueueSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.queueSize = size
		}
	}
}

// WithDedupeSize bounds the in-process fold claim set.
func WithDedupeSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.dedupeSize = size
		}
	}
}

// WithAsyncAggregation selects queued folds (true) or inline folds (false).
func WithAsyncAggregation(enabled bool) Option {
	return func(s *Service) {
		s.async = enabled
	}
}

// WithRatingOptions configures the Elo calculator.
func WithRatingOptions(opts ...rating.Option) Option {
	return func(s *Service) {
		s.ratingOpts = append(s.ratingOpts, opts...)
	}
}

// WithHierarchyOptions configures the hierarchy planner.
func WithHierarchyOptions(opts ...hierarchy.Option) Option {
	return func(s *Service) {
		s.hierarchyOpts = append(s.hierarchyOpts, opts...)
	}
}

// WithDefaultMode sets the play mode used when a start request names none.
func WithDefaultMode(m model.Mode) Option {
	return func(s *Service) {
		if m != "" {
			s.defaultMode = m
		}
	}
}

// WithMaxLeaderboardLimit caps the leaderboard page size.
func WithMaxLeaderboardLimit(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxLeaderboardLimit = n
		}
	}
}

// WithSessionTTL sets how long an unfinished session may stay idle before the
// collector removes it. Zero disables collection.
func WithSessionTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl >= 0 {
			s.sessionTTL = ttl
		}
	}
}

// WithGCInterval sets how often abandoned sessions are collected.
func WithGCInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.gcInterval = d
		}
	}
}

// WithBreaker configures the circuit breaker in front of queued folds.
func WithBreaker(failures uint32, timeout time.Duration) Option {
	return func(s *Service) {
		if failures > 0 {
			s.breakerFailures = failures
		}
		if timeout > 0 {
			s.breakerTimeout = timeout
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}
