/*
Package config loads server configuration from flags and environment.

PRECEDENCE:
  flag > environment variable > default

FLAGS / ENVIRONMENT:
  -port               WBE_PORT               HTTP port (8080)
  -db                 WBE_DB_PATH            SQLite path (waste-balance.db), ":memory:" allowed
  -rounding-mode      WBE_ROUNDING_MODE      disabled | dry-run | enabled (disabled)
  -rounding-interval  WBE_ROUNDING_INTERVAL  sweep interval (1h)
  -sweep-concurrency  WBE_SWEEP_CONCURRENCY  balances corrected in parallel (1)
  -redis              WBE_REDIS_ADDR         Redis for the sweep lock; empty = in-process lock
  -nats               WBE_NATS_URL           NATS for audit events; empty = in-process
  -metrics-addr       WBE_METRICS_ADDR       separate metrics listener; empty = /metrics on the API port

  WBE_REDIS_PASSWORD has no flag so it never shows in process listings.
*/
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"
)

// RoundingMode controls the scheduled rounding-correction sweep.
type RoundingMode string

const (
	RoundingDisabled RoundingMode = "disabled"
	RoundingDryRun   RoundingMode = "dry-run"
	RoundingEnabled  RoundingMode = "enabled"
)

// ParseRoundingMode accepts the three mode names.
func ParseRoundingMode(s string) (RoundingMode, error) {
	switch RoundingMode(s) {
	case RoundingDisabled, RoundingDryRun, RoundingEnabled:
		return RoundingMode(s), nil
	}
	return "", fmt.Errorf("%w: rounding mode %q (want disabled, dry-run or enabled)", ErrInvalidConfig, s)
}

var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the resolved server configuration.
type Config struct {
	Port             int
	DBPath           string
	RoundingMode     RoundingMode
	RoundingInterval time.Duration
	SweepConcurrency int
	RedisAddr        string
	RedisPassword    string
	NATSURL          string
	MetricsAddr      string
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		Port:             8080,
		DBPath:           "waste-balance.db",
		RoundingMode:     RoundingDisabled,
		RoundingInterval: time.Hour,
		SweepConcurrency: 1,
	}
}

// Load parses args (without the program name) over environment values
// read through getenv. A nil getenv uses os.Getenv.
func Load(args []string, getenv func(string) string) (Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := Defaults()
	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("waste-balance-engine", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	mode := string(cfg.RoundingMode)
	fs.IntVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.StringVar(&mode, "rounding-mode", mode, "rounding correction mode: disabled, dry-run or enabled")
	fs.DurationVar(&cfg.RoundingInterval, "rounding-interval", cfg.RoundingInterval, "rounding correction interval")
	fs.IntVar(&cfg.SweepConcurrency, "sweep-concurrency", cfg.SweepConcurrency, "balances corrected in parallel")
	fs.StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "Redis address for the sweep lock")
	fs.StringVar(&cfg.NATSURL, "nats", cfg.NATSURL, "NATS URL for audit events")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "separate metrics listen address")

	if err := fs.Parse(args); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	m, err := ParseRoundingMode(mode)
	if err != nil {
		return Config{}, err
	}
	cfg.RoundingMode = m

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	if v := getenv("WBE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: WBE_PORT=%q", ErrInvalidConfig, v)
		}
		cfg.Port = port
	}
	if v := getenv("WBE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := getenv("WBE_ROUNDING_MODE"); v != "" {
		m, err := ParseRoundingMode(v)
		if err != nil {
			return err
		}
		cfg.RoundingMode = m
	}
	if v := getenv("WBE_ROUNDING_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: WBE_ROUNDING_INTERVAL=%q", ErrInvalidConfig, v)
		}
		cfg.RoundingInterval = d
	}
	if v := getenv("WBE_SWEEP_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: WBE_SWEEP_CONCURRENCY=%q", ErrInvalidConfig, v)
		}
		cfg.SweepConcurrency = n
	}
	cfg.RedisAddr = firstNonEmpty(getenv("WBE_REDIS_ADDR"), cfg.RedisAddr)
	cfg.RedisPassword = firstNonEmpty(getenv("WBE_REDIS_PASSWORD"), cfg.RedisPassword)
	cfg.NATSURL = firstNonEmpty(getenv("WBE_NATS_URL"), cfg.NATSURL)
	cfg.MetricsAddr = firstNonEmpty(getenv("WBE_METRICS_ADDR"), cfg.MetricsAddr)
	return nil
}

// Validate checks ranges.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	if c.DBPath == "" {
		return fmt.Errorf("%w: database path is empty", ErrInvalidConfig)
	}
	if c.RoundingMode != RoundingDisabled && c.RoundingInterval <= 0 {
		return fmt.Errorf("%w: rounding interval must be positive", ErrInvalidConfig)
	}
	if c.SweepConcurrency < 1 {
		return fmt.Errorf("%w: sweep concurrency must be at least 1", ErrInvalidConfig)
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
