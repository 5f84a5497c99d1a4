package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures environment driven configuration values for the sync daemon.
type Config struct {
	SQLiteDSN        string
	MaxRetries       int
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
	BackoffFactor    float64
	StaleAfter       time.Duration
	ExpansionHorizon time.Duration
	Concurrency      int
	ReadyBatchLimit  int
	SyncInterval     time.Duration
}

// Load parses configuration values from the current process environment.
//
// Every field has a working default, so an empty environment yields a usable
// configuration. Malformed values are accumulated and reported together
// rather than failing on the first one.
func Load() (Config, error) {
	cfg := Config{
		SQLiteDSN:        "file:calendar-sync.db?_foreign_keys=on",
		MaxRetries:       5,
		BackoffInitial:   30 * time.Second,
		BackoffMax:       30 * time.Minute,
		BackoffFactor:    2.0,
		StaleAfter:       time.Hour,
		ExpansionHorizon: 365 * 24 * time.Hour,
		Concurrency:      4,
		ReadyBatchLimit:  100,
		SyncInterval:     time.Minute,
	}

	invalid := make([]string, 0, 2)

	if dsn := strings.TrimSpace(os.Getenv("CALSYNC_SQLITE_DSN")); dsn != "" {
		cfg.SQLiteDSN = dsn
	}

	if value := strings.TrimSpace(os.Getenv("CALSYNC_MAX_RETRIES")); value != "" {
		retries, err := strconv.Atoi(value)
		if err != nil || retries <= 0 {
			invalid = append(invalid, "CALSYNC_MAX_RETRIES")
		} else {
			cfg.MaxRetries = retries
		}
	}

	if value := strings.TrimSpace(os.Getenv("CALSYNC_BACKOFF_INITIAL")); value != "" {
		d, err := time.ParseDuration(value)
		if err != nil || d <= 0 {
			invalid = append(invalid, "CALSYNC_BACKOFF_INITIAL")
		} else {
			cfg.BackoffInitial = d
		}
	}

	if value := strings.TrimSpace(os.Getenv("CALSYNC_BACKOFF_MAX")); value != "" {
		d, err := time.ParseDuration(value)
		if err != nil || d <= 0 {
			invalid = append(invalid, "CALSYNC_BACKOFF_MAX")
		} else {
			cfg.BackoffMax = d
		}
	}

	if value := strings.TrimSpace(os.Getenv("CALSYNC_BACKOFF_FACTOR")); value != "" {
		factor, err := strconv.ParseFloat(value, 64)
		if err != nil || factor < 1 {
			invalid = append(invalid, "CALSYNC_BACKOFF_FACTOR")
		} else {
			cfg.BackoffFactor = factor
		}
	}

	if value := strings.TrimSpace(os.Getenv("CALSYNC_STALE_AFTER")); value != "" {
		d, err := time.ParseDuration(value)
		if err != nil || d <= 0 {
			invalid = append(invalid, "CALSYNC_STALE_AFTER")
		} else {
			cfg.StaleAfter = d
		}
	}

	if value := strings.TrimSpace(os.Getenv("CALSYNC_EXPANSION_HORIZON")); value != "" {
		d, err := time.ParseDuration(value)
		if err != nil || d <= 0 {
			invalid = append(invalid, "CALSYNC_EXPANSION_HORIZON")
		} else {
			cfg.ExpansionHorizon = d
		}
	}

	if value := strings.TrimSpace(os.Getenv("CALSYNC_CONCURRENCY")); value != "" {
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			invalid = append(invalid, "CALSYNC_CONCURRENCY")
		} else {
			cfg.Concurrency = n
		}
	}

	if value := strings.TrimSpace(os.Getenv("CALSYNC_READY_BATCH_LIMIT")); value != "" {
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			invalid = append(invalid, "CALSYNC_READY_BATCH_LIMIT")
		} else {
			cfg.ReadyBatchLimit = n
		}
	}

	if value := strings.TrimSpace(os.Getenv("CALSYNC_SYNC_INTERVAL")); value != "" {
		d, err := time.ParseDuration(value)
		if err != nil || d <= 0 {
			invalid = append(invalid, "CALSYNC_SYNC_INTERVAL")
		} else {
			cfg.SyncInterval = d
		}
	}

	if len(invalid) > 0 {
		return Config{}, fmt.Errorf("invalid environment variable values: %s", strings.Join(invalid, ", "))
	}

	return cfg, nil
}
