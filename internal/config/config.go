// Package config defines service configuration structures and loading hooks.
//
// Conventions:
// - Provide New(ctx) to build a Config with defaults.
// - Load layers defaults, an optional YAML file and CARDRANK_ env vars.
// - External errors are wrapped with this package's sentinel errors.
package config

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/go-playground/validator/v10"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreBadger = "badger"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level" validate:"oneof=debug info warn warning error"`

	// LogFormat selects the log handler: text or json.
	LogFormat string `koanf:"log_format" validate:"oneof=text json"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr" validate:"required"`

	// Store selects the persistence backend.
	Store string `koanf:"store" validate:"oneof=memory badger"`

	// DataDir is the Badger directory, required for the badger store.
	DataDir string `koanf:"data_dir" validate:"required_if=Store badger"`

	// CatalogPath points at the YAML item catalog. Empty starts with an
	// empty catalog that is filled through POST /items.
	CatalogPath string `koanf:"catalog_path"`

	// WorkerCount sets the number of fold workers.
	WorkerCount int `koanf:"worker_count" validate:"min=1"`

	// QueueSize bounds the fold queue.
	QueueSize int `koanf:"queue_size" validate:"min=1"`

	// DedupeSize bounds the fold claim set.
	DedupeSize int `koanf:"dedupe_size" validate:"min=0"`

	// AsyncAggregation folds completed sessions on the worker pool instead of
	// inline.
	AsyncAggregation bool `koanf:"async_aggregation"`

	// BaselineRating is the rating of an item that never played.
	BaselineRating float64 `koanf:"baseline_rating" validate:"gt=0"`

	// KFactor scales every Elo update.
	KFactor float64 `koanf:"k_factor" validate:"gt=0"`

	// ConfidenceGames is the interaction count (likes plus dislikes) at which
	// confidence reaches 1.
	ConfidenceGames int `koanf:"confidence_games" validate:"min=1"`

	// DefaultMode is the play mode of sessions started without one.
	DefaultMode string `koanf:"default_mode" validate:"oneof=rank swipe vote hierarchical"`

	// ShuffleSiblings randomizes the order of sub-families at one level.
	ShuffleSiblings bool `koanf:"shuffle_siblings"`

	// MaxDepth bounds how deep a hierarchy descends; 0 means unbounded.
	MaxDepth int `koanf:"max_depth" validate:"min=0"`

	// MaxLeaderboardLimit caps GET /leaderboard?limit.
	MaxLeaderboardLimit int `koanf:"max_leaderboard_limit" validate:"min=1"`

	// SessionTTL is how long an unfinished session may idle; 0 keeps them.
	SessionTTL time.Duration `koanf:"session_ttl" validate:"min=0"`

	// GCInterval is how often expired sessions are collected.
	GCInterval time.Duration `koanf:"gc_interval" validate:"gt=0"`

	// BreakerFailures is the consecutive fold failures that open the breaker.
	BreakerFailures uint32 `koanf:"breaker_failures" validate:"min=1"`

	// BreakerTimeout is how long the breaker stays open.
	BreakerTimeout time.Duration `koanf:"breaker_timeout" validate:"gt=0"`
}

// New creates a Config with defaults. Context is accepted first to satisfy
// the project-wide convention.
func New(_ context.Context) *Config {
	return &Config{
		LogLevel:            "info",
		LogFormat:           "text",
		Addr:                ":9080",
		Store:               StoreMemory,
		DataDir:             "data",
		WorkerCount:         runtime.NumCPU(),
		QueueSize:           10_000,
		DedupeSize:          50_000,
		AsyncAggregation:    true,
		BaselineRating:      1500,
		KFactor:             32,
		ConfidenceGames:     100,
		DefaultMode:         "rank",
		MaxDepth:            8,
		MaxLeaderboardLimit: 1000,
		SessionTTL:          24 * time.Hour,
		GCInterval:          10 * time.Minute,
		BreakerFailures:     5,
		BreakerTimeout:      30 * time.Second,
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field ranges and cross-field requirements.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed %q (value %v)", ErrInvalidConfig, fe.Field(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}
