package fieldsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fieldops/fieldsync/pkg/cache"
	"github.com/fieldops/fieldsync/pkg/request"
	"github.com/fieldops/fieldsync/pkg/status"
)

// ReadState tells how a read was answered
type ReadState int

const (
	ServeFresh ReadState = iota
	ServeStaleAndRevalidate
	MissFetch
	FailedFallbackStale
	FailedNoData
)

func (s ReadState) String() string {
	switch s {
	case ServeFresh:
		return "serve_fresh"
	case ServeStaleAndRevalidate:
		return "serve_stale_and_revalidate"
	case MissFetch:
		return "miss_fetch"
	case FailedFallbackStale:
		return "failed_fallback_stale"
	case FailedNoData:
		return "failed_no_data"
	default:
		return "unknown"
	}
}

// ReadResult is the answer to a read
type ReadResult struct {
	Data        []byte
	IsStale     bool
	IsFromCache bool
	State       ReadState
	// Warning is set when data past its stale window was served
	Warning  *status.StaleDataServedWarning
	StoredAt time.Time
}

// ReadOption configures a single read
type ReadOption func(*readOptions)

type readOptions struct {
	policy     cache.Policy
	dependents []string
}

// WithPolicy overrides the freshness windows for this read
func WithPolicy(p cache.Policy) ReadOption {
	return func(o *readOptions) {
		o.policy = p
	}
}

// WithDependents lists collection paths whose cached reads are dropped after
// a background refresh of this read succeeds
func WithDependents(paths ...string) ReadOption {
	return func(o *readOptions) {
		o.dependents = append(o.dependents, paths...)
	}
}

// Read answers q from the cache when it can and from the API otherwise.
// Stale entries are returned at once and refreshed in the background. When
// the API cannot be reached an expired entry is served with a warning; with
// nothing cached the error has code status.NoData and wraps the cause.
func (c *Client) Read(ctx context.Context, q cache.Query, opts ...ReadOption) (*ReadResult, error) {
	ro := readOptions{policy: c.policy}
	for _, opt := range opts {
		opt(&ro)
	}

	start := time.Now()
	defer func() {
		c.counters.ObserveResponse(time.Since(start))
	}()

	key := q.Key(c.entries.Version())
	endpoint := q.Endpoint()
	online := c.monitor.IsOnline()

	entry, ok := c.entries.Get(ctx, key)
	if ok {
		switch ro.policy.Classify(entry, c.now()) {
		case cache.Fresh:
			c.hit(key)
			return cached(entry, ServeFresh), nil
		case cache.Stale:
			c.hit(key)
			if online {
				c.revalidate(q, key, ro.dependents)
			}
			res := cached(entry, ServeStaleAndRevalidate)
			res.IsStale = true
			return res, nil
		}
	}

	c.counters.Miss()
	c.collector.RecordCacheMiss()

	if entry != nil && c.breakers.IsOpen(endpoint) {
		cause := &status.Error{Code: status.BreakerOpen, Endpoint: endpoint, Message: "circuit breaker is open"}
		return c.fallback(key, entry, cause), nil
	}
	if !online {
		cause := &status.Error{Code: status.Network, Endpoint: endpoint, Message: "offline"}
		if entry != nil {
			return c.fallback(key, entry, cause), nil
		}
		return nil, c.noData(key, endpoint, cause)
	}

	fetchStart := c.now()
	data, err := c.fetch(ctx, q, key)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if entry != nil {
			return c.fallback(key, entry, err), nil
		}
		return nil, c.noData(key, endpoint, err)
	}

	res := &ReadResult{Data: append([]byte(nil), data...), State: MissFetch, StoredAt: c.now()}
	stored, err := c.entries.Put(ctx, key, data, cache.WithFetchStart(fetchStart))
	if err != nil {
		c.logger.Warn("failed to cache response", zap.String("key", key), zap.Error(err))
	} else {
		res.Data = stored.Value
		res.StoredAt = stored.StoredAt
	}
	c.observeCache()
	return res, nil
}

// ReadJSON reads q and decodes the body into T
func ReadJSON[T any](ctx context.Context, c *Client, q cache.Query, opts ...ReadOption) (T, *ReadResult, error) {
	var v T
	res, err := c.Read(ctx, q, opts...)
	if err != nil {
		return v, nil, err
	}
	if err := json.Unmarshal(res.Data, &v); err != nil {
		return v, res, fmt.Errorf("decode %s: %w", q.Endpoint(), err)
	}
	return v, res, nil
}

func cached(e *cache.Entry, state ReadState) *ReadResult {
	return &ReadResult{
		Data:        e.Value,
		IsFromCache: true,
		State:       state,
		StoredAt:    e.StoredAt,
	}
}

func (c *Client) hit(key string) {
	c.counters.Hit()
	c.collector.RecordCacheHit()
	c.logger.Debug("cache hit", zap.String("key", key))
}

func (c *Client) fallback(key string, e *cache.Entry, cause error) *ReadResult {
	c.counters.Error()
	c.collector.RecordCacheError()

	w := &status.StaleDataServedWarning{Key: key, Age: e.Age(c.now()), Cause: cause}
	c.logger.Warn("serving expired data", zap.String("key", key), zap.Duration("age", w.Age), zap.Error(cause))

	res := cached(e, FailedFallbackStale)
	res.IsStale = true
	res.Warning = w
	return res
}

func (c *Client) noData(key, endpoint string, cause error) error {
	c.counters.Error()
	c.collector.RecordCacheError()
	c.logger.Debug("read failed with nothing cached", zap.String("key", key), zap.Error(cause))
	return &status.Error{Code: status.NoData, Endpoint: endpoint, Message: "no data available", Err: cause}
}

// fetch runs the read chain for q, sharing one call per key
func (c *Client) fetch(ctx context.Context, q cache.Query, key string) ([]byte, error) {
	return c.flights.Do(ctx, key, func(ctx context.Context) ([]byte, error) {
		method := strings.ToUpper(q.Method)
		if method == "" {
			method = http.MethodGet
		}
		return c.read(ctx, &request.Call{
			Method:   method,
			Path:     q.Path(),
			Template: q.Template,
			Query:    q.Params,
		})
	})
}

// revalidate refreshes key in the background unless a refresh is running
func (c *Client) revalidate(q cache.Query, key string, dependents []string) {
	c.refreshMu.Lock()
	if c.closed {
		c.refreshMu.Unlock()
		return
	}
	if _, ok := c.refreshing[key]; ok {
		c.refreshMu.Unlock()
		return
	}
	c.refreshing[key] = struct{}{}
	c.bg.Add(1)
	c.refreshMu.Unlock()

	c.counters.BackgroundRefresh()

	go func() {
		defer c.bg.Done()
		defer func() {
			c.refreshMu.Lock()
			delete(c.refreshing, key)
			c.refreshMu.Unlock()
		}()

		start := c.now()
		data, err := c.fetch(c.bgCtx, q, key)
		if err != nil {
			c.counters.BackgroundRefreshFailed()
			c.collector.RecordBackgroundRefresh("failure")
			c.logger.Warn("background refresh failed",
				zap.String("key", key),
				zap.String("endpoint", q.Endpoint()),
				zap.Error(err))
			return
		}

		if _, err := c.entries.Put(c.bgCtx, key, data, cache.WithFetchStart(start)); err != nil {
			c.logger.Warn("failed to cache refreshed response", zap.String("key", key), zap.Error(err))
		}
		c.collector.RecordBackgroundRefresh("success")
		for _, path := range dependents {
			c.invalidatePath(c.bgCtx, path)
		}
		c.observeCache()
	}()
}
