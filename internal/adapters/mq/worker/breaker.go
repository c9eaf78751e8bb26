package worker

import (
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/okian/cardrank/internal/domain/model"
	"github.com/okian/cardrank/pkg/metrics"
)

// Breaker guards the fold path. It opens after consecutive system failures so
// a failing store is not hammered by every queued job.
type Breaker = gobreaker.CircuitBreaker[struct{}]

// BreakerConfig configures NewBreaker.
type BreakerConfig struct {
	Name             string
	FailureThreshold uint32
	Timeout          time.Duration
}

// NewBreaker creates a breaker that counts only system-kind errors as
// failures; validation or state conflicts from a fold are the caller's
// problem, not the store's.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = defaultBreakerFailures
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultBreakerTimeout
	}
	if cfg.Name == "" {
		cfg.Name = "fold"
	}
	metrics.UpdateBreakerState(int(gobreaker.StateClosed))
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(_ string, _, to gobreaker.State) {
			metrics.UpdateBreakerState(int(to))
		},
		IsSuccessful: func(err error) bool {
			return model.KindOf(err) != model.KindSystem
		},
	})
}

// BreakerOpen reports whether err was returned by an open or saturated breaker.
func BreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
