package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/okian/cardrank/internal/adapters/http/api"
	"github.com/okian/cardrank/internal/adapters/repository"
	service "github.com/okian/cardrank/internal/app"
	"github.com/okian/cardrank/internal/config"
	"github.com/okian/cardrank/internal/domain/catalog"
	"github.com/okian/cardrank/internal/domain/hierarchy"
	"github.com/okian/cardrank/internal/domain/model"
	"github.com/okian/cardrank/internal/domain/rating"
	"github.com/okian/cardrank/pkg/logger"
	"github.com/okian/cardrank/pkg/metrics"
)

// HTTP server timeout constants.
const (
	readTimeout               = 10 * time.Second
	writeTimeout              = 10 * time.Second
	idleTimeout               = 60 * time.Second
	readHeaderTimeout         = 5 * time.Second
	shutdownTimeout           = 30 * time.Second
	systemMetricsInterval     = 10 * time.Second
	nanosecondsPerMillisecond = 1e6
)

func main() {
	os.Exit(serve())
}

// serve loads config and logging, runs the server and returns the exit code.
func serve() int {
	// Drop the default Go collectors; system metrics live on the custom registry.
	prometheus.Unregister(collectors.NewGoCollector())
	prometheus.Unregister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		// Logger is not configured yet.
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}
	if err := logger.Init(logger.WithFormat(cfg.LogFormat)); err != nil {
		_, _ = os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	log := logger.Get()
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		log.Warn(ctx, "invalid log_level; falling back to info", logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}

	if err := run(ctx, cfg, log); err != nil {
		log.Error(ctx, "cardrank exited with error", logger.Error(err))
		return 1
	}
	return 0
}

// run serves the API until ctx is cancelled, then shuts down in order: HTTP
// server, service (draining the fold queue), store.
func run(ctx context.Context, cfg *config.Config, log logger.Logger) error {
	store, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error(ctx, "store close failed", logger.Error(err))
		}
	}()

	svc, err := buildService(ctx, cfg, store, log)
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	defer svc.Stop()

	if n, err := svc.FoldPending(ctx); err != nil {
		log.Warn(ctx, "pending fold sweep failed", logger.Error(err))
	} else if n > 0 {
		log.Info(ctx, "folded sessions left from a previous run", logger.Int("count", n))
	}
	if _, err := svc.ResumePending(ctx); err != nil {
		log.Warn(ctx, "hierarchy sweep failed", logger.Error(err))
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.NewServer(svc, api.WithLogger(log.Named("api"))).Routes(),
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info(ctx, "starting HTTP server", logger.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info(ctx, "shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		svc.RunMetricsUpdater(gctx)
		return nil
	})
	g.Go(func() error {
		startSystemMetricsUpdater(gctx)
		return nil
	})

	err = g.Wait()
	log.Info(ctx, "server stopped")
	return err
}

// openStore opens the configured persistence backend.
func openStore(cfg *config.Config, log logger.Logger) (repository.Store, error) {
	switch cfg.Store {
	case config.StoreBadger:
		st, err := repository.OpenBadger(cfg.DataDir,
			repository.WithLogger(log.Named("badger")),
			repository.WithFoldConcurrency(cfg.WorkerCount),
		)
		if err != nil {
			return nil, fmt.Errorf("open badger at %s: %w", cfg.DataDir, err)
		}
		return st, nil
	case config.StoreMemory, "":
		return repository.NewMemoryStore(repository.WithLogger(log.Named("repository"))), nil
	}
	return nil, fmt.Errorf("%w: unknown store %q", config.ErrInvalidConfig, cfg.Store)
}

// buildService loads the catalog and translates the config into service
// options.
func buildService(ctx context.Context, cfg *config.Config, store repository.Store, log logger.Logger) (*service.Service, error) {
	var (
		cat catalog.Catalog
		err error
	)
	if cfg.CatalogPath != "" {
		cat, err = catalog.LoadFile(ctx, cfg.CatalogPath)
	} else {
		cat, err = catalog.NewInMemory()
	}
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	log.Info(ctx, "catalog loaded",
		logger.String("path", cfg.CatalogPath),
		logger.Int("items", len(cat.Items())),
		logger.Int("families", len(cat.Families())),
	)

	return service.New(
		service.WithStore(store),
		service.WithCatalog(cat),
		service.WithLogger(log.Named("service")),
		service.WithWorkerCount(cfg.WorkerCount),
		service.WithQueueSize(cfg.QueueSize),
		service.WithDedupeSize(cfg.DedupeSize),
		service.WithAsyncAggregation(cfg.AsyncAggregation),
		service.WithRatingOptions(
			rating.WithBaseline(cfg.BaselineRating),
			rating.WithKFactor(cfg.KFactor),
			rating.WithConfidenceGames(cfg.ConfidenceGames),
		),
		service.WithHierarchyOptions(
			hierarchy.WithShuffleSiblings(cfg.ShuffleSiblings),
			hierarchy.WithMaxDepth(cfg.MaxDepth),
		),
		service.WithDefaultMode(model.Mode(cfg.DefaultMode)),
		service.WithMaxLeaderboardLimit(cfg.MaxLeaderboardLimit),
		service.WithSessionTTL(cfg.SessionTTL),
		service.WithGCInterval(cfg.GCInterval),
		service.WithBreaker(cfg.BreakerFailures, cfg.BreakerTimeout),
	)
}

// startSystemMetricsUpdater updates system metrics until ctx ends.
func startSystemMetricsUpdater(ctx context.Context) {
	ticker := time.NewTicker(systemMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateSystemMetrics()
		}
	}
}

// updateSystemMetrics updates system-level metrics.
func updateSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	metrics.UpdateSystemMemoryUsage(m.Alloc)
	metrics.UpdateSystemGoroutineCount(runtime.NumGoroutine())

	if m.NumGC > 0 {
		avgPauseMs := float64(m.PauseTotalNs) / float64(m.NumGC) / nanosecondsPerMillisecond
		metrics.RecordSystemGCPauseTime(avgPauseMs)
	}
}
