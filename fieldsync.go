// Package fieldsync is the offline-first data layer of the field operations
// app. A Client serves reads from a stale-while-revalidate cache guarded by
// per-endpoint circuit breakers and records writes made offline in a durable
// queue that is replayed once the device is back online.
package fieldsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/fieldops/fieldsync/middleware"
	"github.com/fieldops/fieldsync/pkg/blob"
	"github.com/fieldops/fieldsync/pkg/cache"
	"github.com/fieldops/fieldsync/pkg/config"
	"github.com/fieldops/fieldsync/pkg/connectivity"
	"github.com/fieldops/fieldsync/pkg/dedup"
	"github.com/fieldops/fieldsync/pkg/metrics"
	"github.com/fieldops/fieldsync/pkg/queue"
	"github.com/fieldops/fieldsync/pkg/request"
	"github.com/fieldops/fieldsync/pkg/store"
	"github.com/fieldops/fieldsync/pkg/syncer"
	"github.com/fieldops/fieldsync/pkg/transport"
)

const (
	dbFile          = "fieldsync.db"
	blobDir         = "blobs"
	cacheVersionKey = store.NamespaceMeta + "cacheVersion"
)

// Client is the data layer handle. It is safe for concurrent use.
type Client struct {
	cfg       config.Config
	logger    *zap.Logger
	now       func() time.Time
	policy    cache.Policy
	collector metrics.Collector
	counters  metrics.Counters

	store   *store.Fallback
	entries *cache.EntryStore
	flights *dedup.Group
	queue   *queue.Queue
	monitor *connectivity.Monitor
	syncer  *syncer.Syncer
	routes  Routes

	breakers *middleware.Breakers
	retry    *middleware.Retry
	read     request.Handler
	direct   *httpRemote

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup

	refreshMu  sync.Mutex
	refreshing map[string]struct{}
	closed     bool

	lastEvictions uint64
	evictionsMu   sync.Mutex

	closeOnce sync.Once
}

// Option configures a Client
type Option func(*options)

type options struct {
	logger      *zap.Logger
	now         func() time.Time
	store       store.Store
	blobFs      afero.Fs
	tokens      middleware.TokenSource
	routes      Routes
	collector   metrics.Collector
	httpClient  *http.Client
	transport   request.Handler
	monitor     *connectivity.Monitor
	middlewares []request.Middleware
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock overrides the time source for freshness, breakers and queue stamps
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithStore sets the persistent store instead of opening one under DataDir
func WithStore(st store.Store) Option {
	return func(o *options) {
		o.store = st
	}
}

// WithBlobFs sets the filesystem photo payloads are kept on
func WithBlobFs(fs afero.Fs) Option {
	return func(o *options) {
		o.blobFs = fs
	}
}

// WithTokenSource attaches bearer tokens from source to every API call
func WithTokenSource(source middleware.TokenSource) Option {
	return func(o *options) {
		o.tokens = source
	}
}

// WithRoutes maps entity types to their collection paths
func WithRoutes(routes Routes) Option {
	return func(o *options) {
		o.routes = routes
	}
}

// WithCollector exports metrics through c
func WithCollector(c metrics.Collector) Option {
	return func(o *options) {
		o.collector = c
	}
}

// WithHTTPClient sets the http.Client used by the transport
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// WithTransport replaces the HTTP transport with handler
func WithTransport(handler request.Handler) Option {
	return func(o *options) {
		o.transport = handler
	}
}

// WithMonitor shares a connectivity monitor owned by the host
func WithMonitor(m *connectivity.Monitor) Option {
	return func(o *options) {
		o.monitor = m
	}
}

// WithMiddleware adds fetch middleware that runs right before the transport,
// inside the per-attempt timeout
func WithMiddleware(mw ...request.Middleware) Option {
	return func(o *options) {
		o.middlewares = append(o.middlewares, mw...)
	}
}

// New builds a Client from cfg. Persistent state lives under cfg.DataDir, or
// in memory when it is empty.
func New(cfg config.Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &options{
		logger:    zap.NewNop(),
		now:       time.Now,
		collector: metrics.Nop{},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.transport == nil && cfg.BaseURL == "" {
		return nil, errors.New("invalid config: baseUrl must be set")
	}

	ctx := context.Background()
	logger := o.logger

	primary, err := openStore(ctx, cfg, o)
	if err != nil {
		return nil, err
	}
	st := store.NewFallback(primary, logger)
	clearOnVersionChange(ctx, st, cfg.CacheVersion, logger)

	blobs, err := openBlobs(cfg, o)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	entries, err := cache.Open(ctx,
		cache.WithMaxBytes(cfg.MaxCacheBytes),
		cache.WithMaxEntries(cfg.MaxCacheEntries),
		cache.WithVersion(cfg.CacheVersion),
		cache.WithStore(st),
		cache.WithLogger(logger),
		cache.WithClock(o.now),
	)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	q, err := queue.Open(ctx, st, blobs, queue.WithLogger(logger), queue.WithClock(o.now))
	if err != nil {
		entries.Close()
		_ = st.Close()
		return nil, err
	}

	monitor := o.monitor
	if monitor == nil {
		monitor = connectivity.NewMonitor(true, connectivity.WithLogger(logger), connectivity.WithClock(o.now))
	}

	routes := o.routes
	if routes == nil {
		routes = Routes{}
	}

	c := &Client{
		cfg:        cfg,
		logger:     logger,
		now:        o.now,
		policy:     cache.Policy{MaxAge: cfg.MaxAge(), StaleAge: cfg.StaleAge()},
		collector:  o.collector,
		store:      st,
		entries:    entries,
		queue:      q,
		monitor:    monitor,
		routes:     routes,
		refreshing: make(map[string]struct{}),
	}
	c.flights = dedup.New(
		dedup.WithTimeout(cfg.DedupTimeout()),
		dedup.WithLogger(logger),
		dedup.WithClock(o.now),
	)
	c.bgCtx, c.bgCancel = context.WithCancel(context.Background())

	c.breakers = middleware.NewBreakers(
		middleware.WithFailureThreshold(cfg.BreakerThreshold),
		middleware.WithResetTimeout(cfg.BreakerReset()),
		middleware.WithBreakerClock(o.now),
		middleware.WithOnStateChange(c.breakerChanged),
	)
	c.retry = middleware.NewRetry(
		middleware.WithMaxRetries(cfg.RetryCount),
		middleware.WithInitialBackoff(cfg.RetryInitialDelay()),
		middleware.WithMaxBackoff(cfg.RetryMaxDelay()),
		middleware.WithBackoffMultiplier(cfg.RetryMultiplier),
		middleware.WithAbandon(c.breakers.IsOpen),
		middleware.WithOnRetry(func(attempt int, err error, next time.Duration) {
			logger.Debug("retrying request", zap.Int("attempt", attempt), zap.Duration("backoff", next), zap.Error(err))
		}),
	)

	base := o.transport
	if base == nil {
		base = transport.New(cfg.BaseURL,
			transport.WithHTTPClient(o.httpClient),
			transport.WithLogger(logger),
			transport.WithUserAgent(cfg.UserAgent),
		).Handler()
	}

	// per attempt: breaker, span, metrics, log, credentials, deadline
	attempt := []request.Middleware{
		c.breakers.Middleware(),
		middleware.Tracing(),
		middleware.Metrics(o.collector),
		middleware.Logging(middleware.WithLogger(logger)),
	}
	if o.tokens != nil {
		attempt = append(attempt, middleware.Auth(o.tokens, middleware.WithAuthClock(o.now)))
	}
	attempt = append(attempt, middleware.Timeout(middleware.WithTimeout(cfg.RequestTimeout())))
	attempt = append(attempt, o.middlewares...)
	inner := ChainMiddleware(attempt...)

	c.read = NewChain(c.retry.Middleware(), inner).Then(base)
	c.direct = &httpRemote{handler: NewChain(inner).Then(base), routes: routes}
	replay := &httpRemote{
		handler: NewChain(
			c.retry.Middleware(),
			middleware.RateLimit(cfg.SyncRatePerSec, cfg.SyncBurst),
			inner,
		).Then(base),
		routes: routes,
	}

	c.syncer = syncer.New(q, replay, monitor,
		syncer.WithLogger(logger),
		syncer.WithCollector(o.collector),
		syncer.WithClock(o.now),
		syncer.WithInterval(cfg.SyncInterval()),
		syncer.WithMaxAttempts(cfg.SyncMaxAttempts),
		syncer.WithBlobMaxAttempts(cfg.BlobMaxAttempts),
		syncer.WithOnApplied(func(op queue.PendingOperation) {
			c.invalidateEntity(c.bgCtx, op.EntityType)
		}),
	)
	c.syncer.Start(c.bgCtx)

	c.reportPending()
	c.observeCache()
	logger.Info("fieldsync client ready",
		zap.String("cache_version", cfg.CacheVersion),
		zap.Int("cache_entries", entries.Stats().Entries),
		zap.Int("pending", q.Count().Total),
		zap.Bool("persistent", cfg.DataDir != "" || o.store != nil))
	return c, nil
}

func openStore(ctx context.Context, cfg config.Config, o *options) (store.Store, error) {
	if o.store != nil {
		return o.store, nil
	}
	if cfg.DataDir == "" {
		return store.NewMemoryStore(), nil
	}

	st, err := store.OpenSQLite(ctx, filepath.Join(cfg.DataDir, dbFile), store.WithSQLiteLogger(o.logger))
	if err != nil {
		o.logger.Warn("persistent store unavailable, continuing in memory",
			zap.String("data_dir", cfg.DataDir), zap.Error(err))
		return store.NewMemoryStore(), nil
	}
	return st, nil
}

func openBlobs(cfg config.Config, o *options) (*blob.Store, error) {
	fs := o.blobFs
	switch {
	case fs != nil:
	case cfg.DataDir != "":
		fs = afero.NewBasePathFs(afero.NewOsFs(), cfg.DataDir)
	default:
		fs = afero.NewMemMapFs()
	}
	blobs, err := blob.New(fs, blobDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open blob store: %w", err)
	}
	return blobs, nil
}

// clearOnVersionChange drops every persisted cache entry when the stored
// cache schema version differs from version
func clearOnVersionChange(ctx context.Context, st store.Store, version string, logger *zap.Logger) {
	stored, ok, err := st.Get(ctx, cacheVersionKey)
	if err != nil {
		logger.Warn("failed to read cache version", zap.Error(err))
		return
	}
	if ok && string(stored) == version {
		return
	}
	if ok {
		n, err := store.DeletePrefix(ctx, st, store.NamespaceCache)
		if err != nil {
			logger.Warn("failed to clear cache after version change", zap.Error(err))
			return
		}
		logger.Info("cache version changed, cleared cache",
			zap.String("from", string(stored)), zap.String("to", version), zap.Int("entries", n))
	}
	if err := st.Put(ctx, cacheVersionKey, []byte(version)); err != nil {
		logger.Warn("failed to store cache version", zap.Error(err))
	}
}

func (c *Client) breakerChanged(endpoint string, from, to middleware.State) {
	c.collector.SetBreakerState(endpoint, int(to))
	fields := []zap.Field{
		zap.String("endpoint", endpoint),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	}
	if to == middleware.StateOpen {
		c.logger.Warn("circuit breaker opened", fields...)
		return
	}
	c.logger.Info("circuit breaker state changed", fields...)
}

// invalidateEntity drops every cached read of the entity type's collection
func (c *Client) invalidateEntity(ctx context.Context, entityType string) {
	c.invalidatePath(ctx, c.routes.Collection(entityType))
	c.observeCache()
}

// invalidatePath drops the cached reads of a collection, its filtered
// variants and its items
func (c *Client) invalidatePath(ctx context.Context, collection string) {
	exact, prefixes := cache.CollectionKeys(c.entries.Version(), collection)
	c.entries.Invalidate(ctx, exact)
	n := 0
	for _, p := range prefixes {
		n += c.entries.InvalidatePrefix(ctx, p)
	}
	c.logger.Debug("invalidated collection", zap.String("path", collection), zap.Int("derived_keys", n))
}

// observeCache exports cache size and new evictions
func (c *Client) observeCache() {
	st := c.entries.Stats()
	c.collector.SetCacheSize(st.Bytes, st.Entries)

	c.evictionsMu.Lock()
	delta := st.Evictions - c.lastEvictions
	if st.Evictions < c.lastEvictions {
		delta = st.Evictions
	}
	c.lastEvictions = st.Evictions
	c.evictionsMu.Unlock()

	if delta > 0 {
		c.collector.RecordEvictions(int(delta))
	}
}

func (c *Client) reportPending() {
	counts := c.queue.Count()
	c.collector.SetPendingOperations(queue.Create.String(), counts.Creates)
	c.collector.SetPendingOperations(queue.Update.String(), counts.Updates)
	c.collector.SetPendingOperations(queue.Delete.String(), counts.Deletes)
}
