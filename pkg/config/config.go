// Package config loads fieldsync settings from a TOML file and FIELDSYNC_
// environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml/v2"

	"github.com/fieldops/fieldsync/pkg/tracing"
)

// EnvPrefix prefixes every environment variable read by Load
const EnvPrefix = "FIELDSYNC_"

// Config is the full client configuration. Durations are milliseconds.
type Config struct {
	BaseURL   string `toml:"baseUrl" env:"BASE_URL"`
	DataDir   string `toml:"dataDir" env:"DATA_DIR"`
	LogLevel  string `toml:"logLevel" env:"LOG_LEVEL"`
	UserAgent string `toml:"userAgent" env:"USER_AGENT"`

	MaxAgeMs        int64  `toml:"maxAgeMs" env:"MAX_AGE_MS"`
	StaleAgeMs      int64  `toml:"staleAgeMs" env:"STALE_AGE_MS"`
	MaxCacheBytes   int64  `toml:"maxCacheBytes" env:"MAX_CACHE_BYTES"`
	MaxCacheEntries int    `toml:"maxCacheEntries" env:"MAX_CACHE_ENTRIES"`
	CacheVersion    string `toml:"cacheVersion" env:"CACHE_VERSION"`
	DedupTimeoutMs  int64  `toml:"dedupTimeoutMs" env:"DEDUP_TIMEOUT_MS"`

	BreakerThreshold int   `toml:"breakerThreshold" env:"BREAKER_THRESHOLD"`
	BreakerResetMs   int64 `toml:"breakerResetMs" env:"BREAKER_RESET_MS"`

	RetryCount          int     `toml:"retryCount" env:"RETRY_COUNT"`
	RetryInitialDelayMs int64   `toml:"retryInitialDelayMs" env:"RETRY_INITIAL_DELAY_MS"`
	RetryMultiplier     float64 `toml:"retryMultiplier" env:"RETRY_MULTIPLIER"`
	RetryMaxDelayMs     int64   `toml:"retryMaxDelayMs" env:"RETRY_MAX_DELAY_MS"`
	RequestTimeoutMs    int64   `toml:"requestTimeoutMs" env:"REQUEST_TIMEOUT_MS"`

	SyncIntervalMs  int64   `toml:"syncIntervalMs" env:"SYNC_INTERVAL_MS"`
	SyncMaxAttempts int     `toml:"syncMaxAttempts" env:"SYNC_MAX_ATTEMPTS"`
	BlobMaxAttempts int     `toml:"blobMaxAttempts" env:"BLOB_MAX_ATTEMPTS"`
	SyncRatePerSec  float64 `toml:"syncRatePerSec" env:"SYNC_RATE_PER_SEC"`
	SyncBurst       int     `toml:"syncBurst" env:"SYNC_BURST"`

	Tracing tracing.Config `toml:"tracing" envPrefix:"TRACING_"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		LogLevel:            "info",
		UserAgent:           "fieldsync",
		MaxAgeMs:            5 * 60 * 1000,
		StaleAgeMs:          60 * 60 * 1000,
		MaxCacheBytes:       50 * 1024 * 1024,
		MaxCacheEntries:     1000,
		CacheVersion:        "v1",
		DedupTimeoutMs:      5 * 60 * 1000,
		BreakerThreshold:    5,
		BreakerResetMs:      30 * 1000,
		RetryCount:          3,
		RetryInitialDelayMs: 1000,
		RetryMultiplier:     2,
		RetryMaxDelayMs:     30 * 1000,
		RequestTimeoutMs:    30 * 1000,
		SyncIntervalMs:      30 * 1000,
		SyncMaxAttempts:     10,
		BlobMaxAttempts:     5,
		SyncRatePerSec:      10,
		SyncBurst:           5,
		Tracing:             tracing.DefaultConfig(),
	}
}

// Load returns Default overlaid with the TOML file at path (skipped when
// path is empty or the file does not exist) and then with environment
// variables. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("cannot parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("cannot read config: %w", err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Marshal encodes the configuration as TOML
func (c Config) Marshal() ([]byte, error) {
	return toml.Marshal(c)
}

// Validate reports every invalid setting
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	if c.BaseURL != "" {
		u, err := url.Parse(c.BaseURL)
		check(err == nil && u.Scheme != "" && u.Host != "", "baseUrl %q is not an absolute URL", c.BaseURL)
	}
	check(c.MaxAgeMs >= 0, "maxAgeMs must not be negative")
	check(c.StaleAgeMs >= c.MaxAgeMs, "staleAgeMs (%d) must be at least maxAgeMs (%d)", c.StaleAgeMs, c.MaxAgeMs)
	check(c.MaxCacheBytes > 0, "maxCacheBytes must be positive")
	check(c.MaxCacheEntries > 0, "maxCacheEntries must be positive")
	check(c.CacheVersion != "", "cacheVersion must be set")
	check(c.DedupTimeoutMs > 0, "dedupTimeoutMs must be positive")
	check(c.BreakerThreshold > 0, "breakerThreshold must be positive")
	check(c.BreakerResetMs > 0, "breakerResetMs must be positive")
	check(c.RetryCount >= 0, "retryCount must not be negative")
	check(c.RetryInitialDelayMs >= 0, "retryInitialDelayMs must not be negative")
	check(c.RetryMultiplier >= 1, "retryMultiplier must be at least 1")
	check(c.RetryMaxDelayMs >= c.RetryInitialDelayMs, "retryMaxDelayMs must be at least retryInitialDelayMs")
	check(c.RequestTimeoutMs >= 0, "requestTimeoutMs must not be negative")
	check(c.SyncIntervalMs > 0, "syncIntervalMs must be positive")
	check(c.SyncMaxAttempts > 0, "syncMaxAttempts must be positive")
	check(c.BlobMaxAttempts > 0, "blobMaxAttempts must be positive")
	check(c.SyncRatePerSec > 0, "syncRatePerSec must be positive")
	check(c.SyncBurst > 0, "syncBurst must be positive")
	check(c.Tracing.SamplingRate >= 0 && c.Tracing.SamplingRate <= 1, "tracing.samplingRate must be within [0, 1]")

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func ms(n int64) time.Duration {
	return time.Duration(n) * time.Millisecond
}

func (c Config) MaxAge() time.Duration { return ms(c.MaxAgeMs) }
func (c Config) StaleAge() time.Duration { return ms(c.StaleAgeMs) }
func (c Config) DedupTimeout() time.Duration { return ms(c.DedupTimeoutMs) }
func (c Config) BreakerReset() time.Duration { return ms(c.BreakerResetMs) }
func (c Config) RetryInitialDelay() time.Duration { return ms(c.RetryInitialDelayMs) }
func (c Config) RetryMaxDelay() time.Duration { return ms(c.RetryMaxDelayMs) }
func (c Config) RequestTimeout() time.Duration { return ms(c.RequestTimeoutMs) }
func (c Config) SyncInterval() time.Duration { return ms(c.SyncIntervalMs) }
