package worker

import (
	"time"

	"github.com/okian/cardrank/pkg/logger"
)

const (
	defaultBreakerFailures = 5
	defaultBreakerTimeout  = 30 * time.Second
)

// Option applies a configuration option to a worker or pool.
type Option func(*config)

type config struct {
	name    string
	logger  logger.Logger
	breaker *Breaker
	failed  FailureHandler
}

// WithName sets the worker name for identification and logging.
func WithName(name string) Option {
	return func(c *config) {
		if name != "" {
			c.name = name
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithBreaker routes every fold through b. A pool shares one breaker across
// its workers.
func WithBreaker(b *Breaker) Option {
	return func(c *config) {
		if b != nil {
			c.breaker = b
		}
	}
}

// WithFailureHandler registers a callback for jobs that could not be folded.
func WithFailureHandler(fn FailureHandler) Option {
	return func(c *config) {
		if fn != nil {
			c.failed = fn
		}
	}
}
