package simulate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/okian/cardrank/pkg/logger"
)

// File permission constants.
const (
	directoryPermission = 0o750
	reportPermission    = 0o600
	maxLeaderboardRows  = 1000
	maxChildSessions    = 1024
)

// Run executes a complete simulation: play every session, fold, then compare
// the family leaderboard with the true order.
func Run(ctx context.Context, cfg *Config, log logger.Logger) (*Stats, error) {
	stats := &Stats{StartTime: time.Now()}
	client := NewClient(cfg.BaseURL, cfg.Timeout)
	truth := NewTruth(cfg.Seed)

	log.Info(ctx, "starting simulation",
		logger.String("baseURL", cfg.BaseURL),
		logger.String("family", cfg.Family),
		logger.String("mode", cfg.Mode),
		logger.Int("sessions", cfg.Sessions),
		logger.Int("workers", cfg.Workers),
		logger.Float64("rejectRate", cfg.RejectRate),
	)

	if err := client.Healthz(ctx); err != nil {
		return stats, err
	}

	var (
		mu   sync.Mutex
		errs []error
		deck []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(cfg.Workers, 1))
	for i := 0; i < cfg.Sessions; i++ {
		g.Go(func() error {
			p := newPlayer(client, truth, cfg.RejectRate, cfg.Seed, uint64(i))
			reports, err := playTree(gctx, p, cfg)

			mu.Lock()
			defer mu.Unlock()
			for _, rep := range reports {
				stats.SessionsPlayed++
				stats.Intakes += rep.Intakes
				stats.Comparisons += rep.Comparisons
				stats.ComparisonBudget += insertionBudget(len(rep.Accepted))
			}
			if len(reports) > 0 && deck == nil {
				deck = reports[0].Deck
			}
			if err != nil {
				stats.SessionsFailed++
				errs = append(errs, err)
				log.Warn(gctx, "session failed", logger.Error(err))
				// API failures end the run; ranking mismatches are collected.
				if !errors.Is(err, ErrMismatch) && !errors.Is(err, ErrTooManySteps) {
					return err
				}
				return nil
			}
			stats.SessionsMatched++
			if cfg.Verbose {
				log.Info(gctx, "session matched",
					logger.String("session_id", reports[0].SessionID),
					logger.Int("accepted", len(reports[0].Accepted)),
					logger.Int("comparisons", reports[0].Comparisons),
				)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}

	if n, err := client.FoldPending(ctx); err != nil {
		log.Warn(ctx, "fold-pending failed", logger.Error(err))
	} else if n > 0 {
		log.Info(ctx, "folded remaining sessions", logger.Int("count", n))
	}

	rows, err := client.Leaderboard(ctx, cfg.Family, min(max(len(deck), 1), maxLeaderboardRows))
	if err != nil {
		return stats, fmt.Errorf("leaderboard: %w", err)
	}
	stats.Leaderboard = rows
	stats.Agreement = agreement(truth, rows)
	stats.TrueOrder = truth.Order(deck)

	stats.EndTime = time.Now()
	stats.Duration = stats.EndTime.Sub(stats.StartTime)
	displayFinalStats(ctx, log, stats)

	if cfg.OutputFile != "" {
		if err := saveReport(cfg.OutputFile, stats); err != nil {
			log.Warn(ctx, "failed to save report", logger.Error(err))
		}
	}

	if len(errs) > 0 {
		return stats, errors.Join(errs...)
	}
	if stats.Agreement < cfg.MinAgreement {
		return stats, fmt.Errorf("%w: %.3f < %.3f", ErrLowAgreement, stats.Agreement, cfg.MinAgreement)
	}
	log.Info(ctx, "simulation completed successfully")
	return stats, nil
}

// playTree plays a session and, for hierarchical play, every child session it
// hands out.
func playTree(ctx context.Context, p *player, cfg *Config) ([]sessionReport, error) {
	s, err := p.client.StartSession(ctx, cfg.Family, cfg.Mode)
	if err != nil {
		return nil, err
	}
	var reports []sessionReport
	for n := 0; ; n++ {
		rep, err := p.play(ctx, s)
		reports = append(reports, rep)
		if err != nil || rep.Child == "" {
			return reports, err
		}
		if n >= maxChildSessions {
			return reports, fmt.Errorf("%w: hierarchy under %s never finished", ErrUnexpectedAPI, reports[0].SessionID)
		}
		if s, err = p.client.Session(ctx, rep.Child); err != nil {
			return reports, err
		}
	}
}

// saveReport writes the run statistics as JSON.
func saveReport(filename string, stats *Stats) error {
	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, directoryPermission); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}
	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := os.WriteFile(filename, data, reportPermission); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// displayFinalStats logs the final run statistics.
func displayFinalStats(ctx context.Context, log logger.Logger, stats *Stats) {
	var sessionsPerSecond float64
	if stats.Duration > 0 {
		sessionsPerSecond = float64(stats.SessionsPlayed) / stats.Duration.Seconds()
	}
	log.Info(ctx, "final statistics",
		logger.Int("sessionsPlayed", stats.SessionsPlayed),
		logger.Int("sessionsMatched", stats.SessionsMatched),
		logger.Int("sessionsFailed", stats.SessionsFailed),
		logger.Int("intakes", stats.Intakes),
		logger.Int("comparisons", stats.Comparisons),
		logger.Int("comparisonBudget", stats.ComparisonBudget),
		logger.Int("leaderboardRows", len(stats.Leaderboard)),
		logger.Float64("agreement", stats.Agreement),
		logger.Duration("duration", stats.Duration),
		logger.Float64("sessionsPerSecond", sessionsPerSecond),
	)
}
