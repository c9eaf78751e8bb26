package main

import (
	"context"
	"flag"
	"os"
	"runtime"
	"time"

	"github.com/okian/cardrank/internal/simulate"
	"github.com/okian/cardrank/pkg/logger"
)

// Default configuration constants.
const (
	defaultSessions   = 100
	defaultWorkers    = 2 // multiplier for runtime.NumCPU()
	defaultRejectRate = 0.2
	defaultSeed       = 1
	defaultAgreement  = 0.9
	defaultTimeout    = 30 * time.Second
	defaultRunTimeout = 10 * time.Minute
	exitFailure       = 1
	exitUsage         = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		baseURL    = flag.String("url", "http://localhost:9080", "Base URL of the service")
		family     = flag.String("family", "", "Family whose deck is played")
		mode       = flag.String("mode", "", "Play mode (default: server default)")
		sessions   = flag.Int("sessions", defaultSessions, "Number of sessions to play")
		workers    = flag.Int("workers", runtime.NumCPU()*defaultWorkers, "Number of concurrent players")
		reject     = flag.Float64("reject", defaultRejectRate, "Probability that a player rejects a card")
		seed       = flag.Uint64("seed", defaultSeed, "Seed for the true order and player choices")
		agreement  = flag.Float64("agreement", defaultAgreement, "Required leaderboard agreement with the true order")
		timeout    = flag.Duration("timeout", defaultTimeout, "HTTP request timeout")
		outputFile = flag.String("output", "", "Optional JSON report file")
		logFile    = flag.String("log", "", "Optional log file")
		verbose    = flag.Bool("verbose", false, "Log every session")
		help       = flag.Bool("help", false, "Show help")
	)
	flag.Parse()

	if *help {
		simulate.ShowHelp()
		return 0
	}
	if *family == "" {
		_, _ = os.Stderr.WriteString("-family is required\n")
		return exitUsage
	}

	closeLog, err := simulate.SetupLogging(*logFile, *verbose)
	if err != nil {
		_, _ = os.Stderr.WriteString("Failed to setup logging: " + err.Error() + "\n")
		return exitFailure
	}
	defer func() { _ = closeLog() }()

	ctx, cancel := context.WithTimeout(context.Background(), defaultRunTimeout)
	defer cancel()

	cfg := &simulate.Config{
		BaseURL:      *baseURL,
		Family:       *family,
		Mode:         *mode,
		Sessions:     *sessions,
		Workers:      *workers,
		RejectRate:   *reject,
		Seed:         *seed,
		Timeout:      *timeout,
		MinAgreement: *agreement,
		OutputFile:   *outputFile,
		Verbose:      *verbose,
	}

	log := logger.Get().Named("simulate")
	if _, err := simulate.Run(ctx, cfg, log); err != nil {
		log.Error(ctx, "simulation failed", logger.Error(err))
		return exitFailure
	}
	return 0
}
