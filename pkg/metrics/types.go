// Package metrics provides cache, request and sync metrics collection
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector receives fieldsync metrics
type Collector interface {
	// RecordRequest records one network attempt against an endpoint
	RecordRequest(endpoint string, code string, duration time.Duration)

	RecordCacheHit()
	RecordCacheMiss()
	RecordCacheError()

	// RecordBackgroundRefresh records a revalidation outcome ("ok" or "error")
	RecordBackgroundRefresh(result string)

	RecordEvictions(n int)

	// SetCacheSize updates the cache size gauges
	SetCacheSize(bytes int64, entries int)

	// SetBreakerState updates the breaker gauge (0 closed, 1 open, 2 half-open)
	SetBreakerState(endpoint string, state int)

	// SetPendingOperations updates the queued operation gauge for a kind
	SetPendingOperations(kind string, n int)

	// RecordSyncRun records a finished sync run by result
	RecordSyncRun(result string)

	// GetRegistry returns the prometheus registry, nil when not backed by one
	GetRegistry() *prometheus.Registry
}

// Config holds configuration for metrics collection
type Config struct {
	// Namespace for metrics (e.g., "fieldsync")
	Namespace string

	// Subsystem for metrics
	Subsystem string

	// Custom histogram buckets (in seconds)
	HistogramBuckets []float64

	// Constant labels to add to all metrics
	ConstLabels map[string]string
}

// DefaultConfig returns the default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "fieldsync",
		HistogramBuckets: []float64{
			0.01, // 10ms
			0.05, // 50ms
			0.1,  // 100ms
			0.25, // 250ms
			0.5,  // 500ms
			1.0,  // 1s
			2.5,  // 2.5s
			5.0,  // 5s
			10.0, // 10s
			30.0, // 30s
		},
		ConstLabels: make(map[string]string),
	}
}

// ConfigOption is a function that configures a Config
type ConfigOption func(*Config)

// WithNamespace sets the namespace for metrics
func WithNamespace(namespace string) ConfigOption {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the subsystem for metrics
func WithSubsystem(subsystem string) ConfigOption {
	return func(c *Config) {
		c.Subsystem = subsystem
	}
}

// WithHistogramBuckets sets custom histogram buckets
func WithHistogramBuckets(buckets []float64) ConfigOption {
	return func(c *Config) {
		c.HistogramBuckets = buckets
	}
}

// WithConstLabels sets constant labels for all metrics
func WithConstLabels(labels map[string]string) ConfigOption {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// Nop discards everything
type Nop struct{}

func (Nop) RecordRequest(string, string, time.Duration) {}
func (Nop) RecordCacheHit() {}
func (Nop) RecordCacheMiss() {}
func (Nop) RecordCacheError() {}
func (Nop) RecordBackgroundRefresh(string) {}
func (Nop) RecordEvictions(int) {}
func (Nop) SetCacheSize(int64, int) {}
func (Nop) SetBreakerState(string, int) {}
func (Nop) SetPendingOperations(string, int) {}
func (Nop) RecordSyncRun(string) {}
func (Nop) GetRegistry() *prometheus.Registry { return nil }
