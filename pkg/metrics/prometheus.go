package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements Collector on a private Prometheus registry
type PrometheusCollector struct {
	config   *Config
	registry *prometheus.Registry

	cacheHits         prometheus.Counter
	cacheMisses       prometheus.Counter
	cacheErrors       prometheus.Counter
	backgroundRefresh *prometheus.CounterVec
	cacheEvictions    prometheus.Counter
	cacheBytes        prometheus.Gauge
	cacheEntries      prometheus.Gauge
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	breakerState      *prometheus.GaugeVec
	pendingOperations *prometheus.GaugeVec
	syncRuns          *prometheus.CounterVec
}

// NewPrometheusCollector creates a new Prometheus metrics collector
func NewPrometheusCollector(opts ...ConfigOption) (*PrometheusCollector, error) {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(config)
	}

	p := &PrometheusCollector{
		config:   config,
		registry: prometheus.NewRegistry(),
	}

	if err := p.initMetrics(); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *PrometheusCollector) counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   p.config.Namespace,
		Subsystem:   p.config.Subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: p.config.ConstLabels,
	})
}

func (p *PrometheusCollector) gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   p.config.Namespace,
		Subsystem:   p.config.Subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: p.config.ConstLabels,
	})
}

func (p *PrometheusCollector) initMetrics() error {
	p.cacheHits = p.counter("cache_hits_total", "Reads served from cache")
	p.cacheMisses = p.counter("cache_misses_total", "Reads that had no usable cache entry")
	p.cacheErrors = p.counter("cache_errors_total", "Reads that failed or fell back to expired data")
	p.cacheEvictions = p.counter("cache_evictions_total", "Entries evicted by the LRU budget")
	p.cacheBytes = p.gauge("cache_bytes", "Bytes held by cache entries")
	p.cacheEntries = p.gauge("cache_entries", "Number of cache entries")

	p.backgroundRefresh = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "cache_background_refreshes_total",
			Help:        "Stale-while-revalidate refreshes by result",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"result"},
	)

	p.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "requests_total",
			Help:        "Network attempts against the remote API",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"endpoint", "code"},
	)

	p.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "request_duration_seconds",
			Help:        "Histogram of network attempt duration in seconds",
			Buckets:     p.config.HistogramBuckets,
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"endpoint"},
	)

	p.breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "breaker_state",
			Help:        "Circuit breaker state per endpoint (0 closed, 1 open, 2 half-open)",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"endpoint"},
	)

	p.pendingOperations = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "pending_operations",
			Help:        "Queued offline mutations by kind",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"kind"},
	)

	p.syncRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "sync_runs_total",
			Help:        "Finished sync runs by result",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"result"},
	)

	for _, c := range []prometheus.Collector{
		p.cacheHits,
		p.cacheMisses,
		p.cacheErrors,
		p.backgroundRefresh,
		p.cacheEvictions,
		p.cacheBytes,
		p.cacheEntries,
		p.requestsTotal,
		p.requestDuration,
		p.breakerState,
		p.pendingOperations,
		p.syncRuns,
	} {
		if err := p.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (p *PrometheusCollector) RecordRequest(endpoint string, code string, duration time.Duration) {
	p.requestsTotal.WithLabelValues(endpoint, code).Inc()
	p.requestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

func (p *PrometheusCollector) RecordCacheHit()   { p.cacheHits.Inc() }
func (p *PrometheusCollector) RecordCacheMiss()  { p.cacheMisses.Inc() }
func (p *PrometheusCollector) RecordCacheError() { p.cacheErrors.Inc() }

func (p *PrometheusCollector) RecordBackgroundRefresh(result string) {
	p.backgroundRefresh.WithLabelValues(result).Inc()
}

func (p *PrometheusCollector) RecordEvictions(n int) {
	p.cacheEvictions.Add(float64(n))
}

func (p *PrometheusCollector) SetCacheSize(bytes int64, entries int) {
	p.cacheBytes.Set(float64(bytes))
	p.cacheEntries.Set(float64(entries))
}

func (p *PrometheusCollector) SetBreakerState(endpoint string, state int) {
	p.breakerState.WithLabelValues(endpoint).Set(float64(state))
}

func (p *PrometheusCollector) SetPendingOperations(kind string, n int) {
	p.pendingOperations.WithLabelValues(kind).Set(float64(n))
}

func (p *PrometheusCollector) RecordSyncRun(result string) {
	p.syncRuns.WithLabelValues(result).Inc()
}

// GetRegistry returns the Prometheus registry
func (p *PrometheusCollector) GetRegistry() *prometheus.Registry {
	return p.registry
}

// MustRegister registers a custom collector
func (p *PrometheusCollector) MustRegister(collectors ...prometheus.Collector) {
	p.registry.MustRegister(collectors...)
}
