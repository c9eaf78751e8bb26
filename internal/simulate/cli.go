package simulate

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/okian/cardrank/pkg/logger"
)

const logFilePermission = 0o600

// SetupLogging sends log output to stdout and, when logFile is set, to that
// file as well. It returns a close function for the file.
func SetupLogging(logFile string, verbose bool) (func() error, error) {
	if logFile == "" {
		if err := logger.Init(); err != nil {
			return nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
		return func() error { return nil }, setVerbosity(verbose)
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePermission)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}
	if err := logger.Init(logger.WithOutput(io.MultiWriter(os.Stdout, file))); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.Get().Info(context.Background(), "logging to file", logger.String("logFile", logFile))
	return file.Close, setVerbosity(verbose)
}

func setVerbosity(verbose bool) error {
	if verbose {
		return logger.SetLevelString("debug")
	}
	return nil
}

// ShowHelp prints usage information for the simulator.
func ShowHelp() {
	_, _ = os.Stdout.WriteString(`cardrank simulator
==================

Plays ranking sessions against a running server. Every simulated player
shares one hidden true order; each personal ranking must reproduce it and the
family leaderboard must agree with it.

Usage:
  go run ./cmd/simulate [options]

Options:
  -url string
        Base URL of the service (default "http://localhost:9080")
  -family string
        Family whose deck is played (required)
  -mode string
        Play mode: rank, swipe, vote or hierarchical (default: server default)
  -sessions int
        Number of sessions to play (default 100)
  -workers int
        Number of concurrent players (default CPU cores * 2)
  -reject float
        Probability that a player rejects a card (default 0.2)
  -seed uint
        Seed for the true order and player choices (default 1)
  -agreement float
        Required leaderboard agreement with the true order (default 0.9)
  -timeout duration
        HTTP request timeout (default 30s)
  -output string
        Optional JSON report file
  -log string
        Optional log file
  -verbose
        Log every session
  -help
        Show this help message

Examples:
  go run ./cmd/simulate -family fruits
  go run ./cmd/simulate -family food -mode hierarchical -sessions 20
  go run ./cmd/simulate -family fruits -mode vote -output report.json
`)
}
