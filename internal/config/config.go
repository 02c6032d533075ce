// Package config loads the momentum engine configuration from environment
// variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"
)

// Config is the full service configuration. Every field has a default so
// an empty environment yields a runnable in-memory engine.
type Config struct {
	Port     string `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Persistence. Empty DSNs fall back to the in-memory store.
	DatabaseURL   string        `env:"DATABASE_URL"`
	RedisURL      string        `env:"REDIS_URL"`
	CacheTTL      time.Duration `env:"CACHE_TTL" envDefault:"30s"`
	ClickHouseDSN string        `env:"CLICKHOUSE_DSN"`

	// Collaborators.
	FeedURL        string        `env:"FEED_URL"`
	SettlementURL  string        `env:"SETTLEMENT_URL"`
	EscrowEnabled  bool          `env:"ESCROW_ENABLED" envDefault:"false"`
	PayoutTimeout  time.Duration `env:"PAYOUT_TIMEOUT" envDefault:"10s"`
	PayoutMaxRetry time.Duration `env:"PAYOUT_MAX_RETRY" envDefault:"30s"`

	Momentum   MomentumConfig
	Ledger     LedgerConfig
	Settlement SettlementConfig
	Broadcast  BroadcastConfig
	Ingest     IngestConfig
}

// MomentumConfig tunes the rolling window calculator.
type MomentumConfig struct {
	Tick      time.Duration `env:"TICK_INTERVAL" envDefault:"1s"`
	Window    time.Duration `env:"WINDOW" envDefault:"5m"`
	HalfLife  time.Duration `env:"DECAY_HALF_LIFE" envDefault:"60s"`
	JumpAlert int           `env:"JUMP_ALERT" envDefault:"20"`
}

// LedgerConfig holds fee and limit settings.
type LedgerConfig struct {
	FeeRate          decimal.Decimal `env:"FEE_RATE" envDefault:"0.02"`
	MaxWindow        time.Duration   `env:"MAX_WINDOW" envDefault:"1h"`
	DefaultWindow    time.Duration   `env:"DEFAULT_WINDOW" envDefault:"5m"`
	MaxStakePerMatch decimal.Decimal `env:"MAX_STAKE_PER_MATCH" envDefault:"1000"`
	MaxOpenStake     decimal.Decimal `env:"MAX_OPEN_STAKE" envDefault:"5000"`
}

// SettlementConfig tunes the scheduler and reconciliation job.
type SettlementConfig struct {
	StalenessBudget   time.Duration `env:"STALENESS_BUDGET" envDefault:"30s"`
	ReconcileSchedule string        `env:"RECONCILE_SCHEDULE" envDefault:"@every 30s"`
}

// BroadcastConfig sizes subscriber queues.
type BroadcastConfig struct {
	SubscriberQueue int `env:"SUBSCRIBER_QUEUE" envDefault:"64"`
}

// IngestConfig sizes the ingest queue and ordering policy.
type IngestConfig struct {
	EventQueue           int  `env:"EVENT_QUEUE" envDefault:"1024"`
	AllowEqualTimestamps bool `env:"ALLOW_EQUAL_TIMESTAMPS" envDefault:"false"`
}

// Load parses the environment and validates the result.
func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("config: parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Momentum.Tick <= 0 {
		errs = append(errs, errors.New("TICK_INTERVAL must be positive"))
	}
	if c.Momentum.Window < c.Momentum.Tick {
		errs = append(errs, errors.New("WINDOW must be at least one tick"))
	}
	if c.Momentum.HalfLife <= 0 {
		errs = append(errs, errors.New("DECAY_HALF_LIFE must be positive"))
	}
	if c.Ledger.FeeRate.IsNegative() || c.Ledger.FeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		errs = append(errs, errors.New("FEE_RATE must be in [0, 1)"))
	}
	if c.Ledger.DefaultWindow <= 0 || c.Ledger.DefaultWindow > c.Ledger.MaxWindow {
		errs = append(errs, errors.New("DEFAULT_WINDOW must be in (0, MAX_WINDOW]"))
	}
	if c.Settlement.StalenessBudget < 0 {
		errs = append(errs, errors.New("STALENESS_BUDGET must not be negative"))
	}
	if c.Broadcast.SubscriberQueue < 1 {
		errs = append(errs, errors.New("SUBSCRIBER_QUEUE must be at least 1"))
	}
	if c.Ingest.EventQueue < 1 {
		errs = append(errs, errors.New("EVENT_QUEUE must be at least 1"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// SlogLevel maps LOG_LEVEL to a slog level; unknown values mean info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
