package repository

import (
	"time"

	"github.com/okian/cardrank/pkg/logger"
)

const (
	defaultConflictRetries = 16
	defaultFoldConcurrency = 4
	defaultRetryBackoff    = time.Millisecond
	defaultMaxRetryBackoff = 64 * time.Millisecond
)

type options struct {
	conflictRetries int
	foldConcurrency int
	retryBackoff    time.Duration
	maxRetryBackoff time.Duration
	logger          logger.Logger
}

func defaultOptions() options {
	return options{
		conflictRetries: defaultConflictRetries,
		foldConcurrency: defaultFoldConcurrency,
		retryBackoff:    defaultRetryBackoff,
		maxRetryBackoff: defaultMaxRetryBackoff,
	}
}

// Option applies a configuration option to a store.
type Option func(*options)

// WithConflictRetries bounds how often a fold transaction is re-run after a
// write conflict. Only the Badger store has conflicts to retry.
func WithConflictRetries(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.conflictRetries = n
		}
	}
}

// WithFoldConcurrency bounds how many fold transactions run at once. Folds
// arriving from request goroutines wait for a slot instead of piling up
// conflicts on shared items.
func WithFoldConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.foldConcurrency = n
		}
	}
}

// WithRetryBackoff sets the first and the largest pause between conflict
// retries. Each pause is drawn at random up to a bound that doubles per
// attempt.
func WithRetryBackoff(initial, maxBackoff time.Duration) Option {
	return func(o *options) {
		if initial > 0 && maxBackoff >= initial {
			o.retryBackoff = initial
			o.maxRetryBackoff = maxBackoff
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}
