// Package worker runs the pool that folds completed sessions into the global
// ratings.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/okian/cardrank/internal/adapters/mq/queue"
	"github.com/okian/cardrank/internal/domain/model"
	"github.com/okian/cardrank/pkg/logger"
	"github.com/okian/cardrank/pkg/metrics"
)

const poolShutdownTimeout = 30 * time.Second

// Folder folds one completed session. model.ErrAlreadyProcessed counts as
// success.
type Folder interface {
	FoldSession(ctx context.Context, sessionID string) error
}

// FolderFunc adapts a function to Folder.
type FolderFunc func(ctx context.Context, sessionID string) error

// FoldSession implements Folder.
func (f FolderFunc) FoldSession(ctx context.Context, sessionID string) error {
	return f(ctx, sessionID)
}

// FailureHandler is told about jobs whose fold failed or was refused by the
// breaker.
type FailureHandler func(ctx context.Context, j queue.Job, err error)

// Queue defines how workers receive jobs.
type Queue interface {
	Dequeue(ctx context.Context) <-chan queue.Job
}

// InMemoryWorker consumes fold jobs from a queue.
type InMemoryWorker struct {
	queue   Queue
	folder  Folder
	name    string
	breaker *Breaker
	failed  FailureHandler

	shutdown     chan struct{}
	shutdownOnce sync.Once
	done         chan struct{}

	logger logger.Logger
}

// NewInMemoryWorker creates a new worker with configuration options.
func NewInMemoryWorker(q Queue, folder Folder, opts ...Option) *InMemoryWorker {
	c := config{name: "worker"}
	for _, opt := range opts {
		opt(&c)
	}
	if c.logger == nil {
		c.logger = logger.Get().Named("worker")
	}
	if c.breaker == nil {
		c.breaker = NewBreaker(BreakerConfig{Name: c.name})
	}
	return &InMemoryWorker{
		queue:    q,
		folder:   folder,
		name:     c.name,
		breaker:  c.breaker,
		failed:   c.failed,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
		logger:   c.logger.Named(c.name),
	}
}

// Run consumes jobs until ctx is cancelled, Shutdown is called, or the queue
// is closed and drained.
func (w *InMemoryWorker) Run(ctx context.Context) {
	defer close(w.done)

	jobs := w.queue.Dequeue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.shutdown:
			return
		case j, ok := <-jobs:
			if !ok {
				return
			}
			if err := w.process(ctx, j); err != nil {
				w.logger.Error(ctx, "fold job failed",
					logger.String("session_id", j.SessionID),
					logger.Error(err),
				)
			}
		}
	}
}

// Shutdown stops the worker and waits for the current job.
func (w *InMemoryWorker) Shutdown(ctx context.Context) error {
	w.shutdownOnce.Do(func() { close(w.shutdown) })
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.logger.Warn(ctx, "shutdown timed out")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

func (w *InMemoryWorker) process(ctx context.Context, j queue.Job) error {
	start := time.Now()
	defer func() {
		metrics.RecordWorkerProcessingLatency(float64(time.Since(start).Microseconds()) / 1000)
	}()

	_, err := w.breaker.Execute(func() (struct{}, error) {
		err := w.folder.FoldSession(ctx, j.SessionID)
		if errors.Is(err, model.ErrAlreadyProcessed) {
			return struct{}{}, nil
		}
		return struct{}{}, err
	})
	if err == nil {
		return nil
	}

	metrics.RecordWorkerError()
	if BreakerOpen(err) {
		metrics.RecordErrorByComponent("worker", "breaker_open")
		err = fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
	} else {
		metrics.RecordErrorByComponent("worker", "fold_error")
	}
	if w.failed != nil {
		w.failed(ctx, j, err)
	}
	return fmt.Errorf("fold session %s: %w", j.SessionID, err)
}

// Pool manages multiple workers sharing one breaker.
type Pool struct {
	workers []*InMemoryWorker
	queue   Queue
	logger  logger.Logger
	wg      sync.WaitGroup
}

// NewPool creates a pool of workerCount workers; a count below one selects
// runtime.NumCPU().
func NewPool(workerCount int, q Queue, folder Folder, opts ...Option) *Pool {
	if workerCount < 1 {
		workerCount = runtime.NumCPU()
	}
	c := config{name: "worker"}
	for _, opt := range opts {
		opt(&c)
	}
	if c.logger == nil {
		c.logger = logger.Get().Named("worker-pool")
	}
	if c.breaker == nil {
		c.breaker = NewBreaker(BreakerConfig{Name: "fold"})
	}

	p := &Pool{
		workers: make([]*InMemoryWorker, workerCount),
		queue:   q,
		logger:  c.logger,
	}
	for i := range p.workers {
		p.workers[i] = NewInMemoryWorker(q, folder,
			WithName(c.name+"-"+strconv.Itoa(i)),
			WithLogger(c.logger),
			WithBreaker(c.breaker),
			WithFailureHandler(c.failed),
		)
	}
	metrics.UpdateWorkerCount(workerCount)
	metrics.UpdateWorkerActiveCount(0)
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// Start launches every worker.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *InMemoryWorker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(w)
	}
	metrics.UpdateWorkerActiveCount(len(p.workers))
}

// Shutdown closes the queue, lets the workers drain it, and waits for them
// until ctx expires.
func (p *Pool) Shutdown(ctx context.Context) error {
	if closer, ok := p.queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			p.logger.Error(ctx, "error closing queue", logger.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, poolShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		metrics.UpdateWorkerActiveCount(0)
		return nil
	case <-shutdownCtx.Done():
		for _, w := range p.workers {
			w.shutdownOnce.Do(func() { close(w.shutdown) })
		}
		p.logger.Warn(ctx, "worker pool shutdown timed out")
		return fmt.Errorf("worker pool shutdown: %w", shutdownCtx.Err())
	}
}
