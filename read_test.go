package fieldsync

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/fieldsync/middleware"
	"github.com/fieldops/fieldsync/pkg/cache"
	"github.com/fieldops/fieldsync/pkg/status"
)

var jobsQuery = cache.Query{Template: "/api/jobs", Params: map[string][]string{"status": {"open"}}}

func TestReadDeduplicatesConcurrentMisses(t *testing.T) {
	e := newTestEnv(t)
	c := e.client(t, testConfig(e.api))

	hold := make(chan struct{})
	e.api.setHold(hold)
	time.AfterFunc(100*time.Millisecond, func() { close(hold) })

	const readers = 10
	var wg sync.WaitGroup
	results := make([]*ReadResult, readers)
	errs := make([]error, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Read(context.Background(), jobsQuery)
		}(i)
	}
	wg.Wait()

	for i := 0; i < readers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].Data, results[i].Data)
	}
	assert.Equal(t, 1, e.api.count(http.MethodGet, "/api/jobs"))
}

func TestReadFreshWindow(t *testing.T) {
	e := newTestEnv(t)
	c := e.client(t, testConfig(e.api))
	ctx := context.Background()

	res, err := c.Read(ctx, jobsQuery)
	require.NoError(t, err)
	assert.Equal(t, MissFetch, res.State)
	assert.False(t, res.IsFromCache)

	e.clock.Advance(4 * time.Minute)
	res, err = c.Read(ctx, cache.Query{Template: "/api/jobs", Params: map[string][]string{"status": {"open"}}})
	require.NoError(t, err)
	assert.Equal(t, ServeFresh, res.State)
	assert.True(t, res.IsFromCache)
	assert.False(t, res.IsStale)
	assert.Equal(t, float64(1), decode(t, res.Data)["n"])

	assert.Equal(t, 1, e.api.count(http.MethodGet, "/api/jobs"))
	st := c.Stats()
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
	assert.Equal(t, 0.5, st.HitRate)
	assert.Equal(t, 1, st.MemoryEntries)
}

func TestStaleWhileRevalidateFetchesOnce(t *testing.T) {
	e := newTestEnv(t)
	c := e.client(t, testConfig(e.api))
	ctx := context.Background()

	_, err := c.Read(ctx, jobsQuery)
	require.NoError(t, err)

	e.clock.Advance(10 * time.Minute)
	hold := make(chan struct{})
	e.api.setHold(hold)

	for i := 0; i < 3; i++ {
		res, err := c.Read(ctx, jobsQuery)
		require.NoError(t, err)
		assert.Equal(t, ServeStaleAndRevalidate, res.State)
		assert.True(t, res.IsStale)
		assert.Equal(t, float64(1), decode(t, res.Data)["n"])
	}
	assert.Equal(t, uint64(1), c.Stats().BackgroundRefreshes)

	e.api.setHold(nil)
	close(hold)

	assert.Eventually(t, func() bool {
		res, err := c.Read(ctx, jobsQuery)
		return err == nil && res.State == ServeFresh && decode(t, res.Data)["n"] == float64(2)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, e.api.count(http.MethodGet, "/api/jobs"))
}

func TestStaleKeptWhenRefreshFails(t *testing.T) {
	e := newTestEnv(t)
	c := e.client(t, testConfig(e.api))
	ctx := context.Background()

	_, err := c.Read(ctx, jobsQuery)
	require.NoError(t, err)

	e.clock.Advance(10 * time.Minute)
	e.api.setFail(func(*http.Request) int { return http.StatusServiceUnavailable })

	res, err := c.Read(ctx, jobsQuery)
	require.NoError(t, err)
	assert.True(t, res.IsStale)

	assert.Eventually(t, func() bool {
		return c.Stats().BackgroundRefreshFailures == 1
	}, 2*time.Second, 10*time.Millisecond)

	res, err = c.Read(ctx, jobsQuery)
	require.NoError(t, err)
	assert.Equal(t, ServeStaleAndRevalidate, res.State)
	assert.Equal(t, float64(1), decode(t, res.Data)["n"])
}

func TestBackgroundRefreshInvalidatesDependents(t *testing.T) {
	e := newTestEnv(t)
	c := e.client(t, testConfig(e.api))
	ctx := context.Background()

	site := cache.Query{Template: "/api/sites/{id}", PathParams: map[string]string{"id": "7"}}
	jobs := cache.Query{Template: "/api/jobs"}
	_, err := c.Read(ctx, site)
	require.NoError(t, err)
	_, err = c.Read(ctx, jobs)
	require.NoError(t, err)

	e.clock.Advance(10 * time.Minute)
	_, err = c.Read(ctx, site, WithDependents("/api/jobs"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, ok := c.entries.Peek(jobs.Key(c.entries.Version()))
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOfflineReadsNeverTouchNetwork(t *testing.T) {
	e := newTestEnv(t)
	c := e.client(t, testConfig(e.api))
	ctx := context.Background()

	_, err := c.Read(ctx, jobsQuery)
	require.NoError(t, err)

	e.monitor.SetOnline(false)

	e.clock.Advance(10 * time.Minute)
	res, err := c.Read(ctx, jobsQuery)
	require.NoError(t, err)
	assert.Equal(t, ServeStaleAndRevalidate, res.State)

	e.clock.Advance(2 * time.Hour)
	res, err = c.Read(ctx, jobsQuery)
	require.NoError(t, err)
	assert.Equal(t, FailedFallbackStale, res.State)
	require.NotNil(t, res.Warning)
	assert.Equal(t, status.Network, status.CodeOf(res.Warning.Cause))

	_, err = c.Read(ctx, cache.Query{Template: "/api/sites"})
	require.Error(t, err)
	assert.Equal(t, status.NoData, status.CodeOf(err))
	var se *status.Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, status.Network, status.CodeOf(se.Err))

	assert.Equal(t, 1, e.api.count(http.MethodGet, "/api/jobs"))
	assert.Equal(t, 0, e.api.count(http.MethodGet, "/api/sites"))
	assert.Equal(t, uint64(0), c.Stats().BackgroundRefreshes)
	assert.Equal(t, uint64(2), c.Stats().Errors)
}

func TestExpiredServedWhenFetchFails(t *testing.T) {
	e := newTestEnv(t)
	c := e.client(t, testConfig(e.api))
	ctx := context.Background()

	_, err := c.Read(ctx, jobsQuery)
	require.NoError(t, err)

	e.clock.Advance(2 * time.Hour)
	e.api.setFail(func(*http.Request) int { return http.StatusBadGateway })

	res, err := c.Read(ctx, jobsQuery)
	require.NoError(t, err)
	assert.Equal(t, FailedFallbackStale, res.State)
	assert.True(t, res.IsFromCache)
	require.NotNil(t, res.Warning)
	assert.Equal(t, status.Server, status.CodeOf(res.Warning.Cause))
	assert.Equal(t, 2*time.Hour, res.Warning.Age)
}

func TestBreakerShortCircuitsAndProbes(t *testing.T) {
	e := newTestEnv(t)
	cfg := testConfig(e.api)
	cfg.BreakerThreshold = 5
	cfg.BreakerResetMs = 30000
	c := e.client(t, cfg)
	ctx := context.Background()

	e.api.setFail(func(*http.Request) int { return http.StatusInternalServerError })
	site := func(id string) cache.Query {
		return cache.Query{Template: "/api/sites/{id}", PathParams: map[string]string{"id": id}}
	}

	for i := 0; i < 5; i++ {
		_, err := c.Read(ctx, site(string(rune('a'+i))))
		assert.Equal(t, status.NoData, status.CodeOf(err))
	}
	assert.Equal(t, 5, e.api.total(http.MethodGet))

	endpoint := "GET /api/sites/:id"
	require.Contains(t, c.BreakerStatus(), endpoint)
	assert.Equal(t, middleware.StateOpen, c.BreakerStatus()[endpoint].State)

	_, err := c.Read(ctx, site("z"))
	var se *status.Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, status.BreakerOpen, status.CodeOf(se.Err))
	assert.Equal(t, 5, e.api.total(http.MethodGet))

	e.clock.Advance(30 * time.Second)
	e.api.setFail(nil)
	res, err := c.Read(ctx, site("z"))
	require.NoError(t, err)
	assert.Equal(t, MissFetch, res.State)
	assert.Equal(t, middleware.StateClosed, c.BreakerStatus()[endpoint].State)
}

func TestBreakerOpenServesExpiredWithoutFetching(t *testing.T) {
	e := newTestEnv(t)
	cfg := testConfig(e.api)
	cfg.BreakerThreshold = 1
	c := e.client(t, cfg)
	ctx := context.Background()

	_, err := c.Read(ctx, jobsQuery)
	require.NoError(t, err)

	e.clock.Advance(2 * time.Hour)
	e.api.setFail(func(*http.Request) int { return http.StatusServiceUnavailable })

	res, err := c.Read(ctx, jobsQuery)
	require.NoError(t, err)
	assert.Equal(t, FailedFallbackStale, res.State)
	assert.Equal(t, status.Server, status.CodeOf(res.Warning.Cause))
	assert.Equal(t, 2, e.api.count(http.MethodGet, "/api/jobs"))

	res, err = c.Read(ctx, jobsQuery)
	require.NoError(t, err)
	assert.Equal(t, FailedFallbackStale, res.State)
	assert.Equal(t, status.BreakerOpen, status.CodeOf(res.Warning.Cause))
	assert.Equal(t, 2, e.api.count(http.MethodGet, "/api/jobs"))
}

func TestRetryBacksOffBetweenAttempts(t *testing.T) {
	e := newTestEnv(t)
	cfg := testConfig(e.api)
	cfg.RetryCount = 3
	cfg.RetryInitialDelayMs = 20
	cfg.RetryMultiplier = 2
	cfg.RetryMaxDelayMs = 1000
	c := e.client(t, cfg)

	var mu sync.Mutex
	failures := 0
	e.api.setFail(func(*http.Request) int {
		mu.Lock()
		defer mu.Unlock()
		if failures < 3 {
			failures++
			return http.StatusServiceUnavailable
		}
		return 0
	})

	start := time.Now()
	res, err := c.Read(context.Background(), jobsQuery)
	require.NoError(t, err)
	assert.Equal(t, MissFetch, res.State)
	assert.GreaterOrEqual(t, time.Since(start), 140*time.Millisecond)
	assert.Equal(t, 4, e.api.count(http.MethodGet, "/api/jobs"))
}

func TestClientErrorIsNotRetried(t *testing.T) {
	e := newTestEnv(t)
	cfg := testConfig(e.api)
	cfg.RetryCount = 3
	c := e.client(t, cfg)

	e.api.setFail(func(*http.Request) int { return http.StatusForbidden })
	_, err := c.Read(context.Background(), jobsQuery)
	var se *status.Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, status.NoData, se.Code)
	assert.Equal(t, status.Client, status.CodeOf(se.Err))
	assert.Equal(t, 1, e.api.count(http.MethodGet, "/api/jobs"))
}

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	e := newTestEnv(t)
	cfg := testConfig(e.api)
	cfg.MaxCacheEntries = 2
	c := e.client(t, cfg)
	ctx := context.Background()

	a := cache.Query{Template: "/api/sites/{id}", PathParams: map[string]string{"id": "a"}}
	b := cache.Query{Template: "/api/sites/{id}", PathParams: map[string]string{"id": "b"}}
	d := cache.Query{Template: "/api/sites/{id}", PathParams: map[string]string{"id": "d"}}

	for _, q := range []cache.Query{a, b} {
		_, err := c.Read(ctx, q)
		require.NoError(t, err)
	}
	res, err := c.Read(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, ServeFresh, res.State)

	_, err = c.Read(ctx, d)
	require.NoError(t, err)

	st := c.Stats()
	assert.Equal(t, 2, st.MemoryEntries)
	assert.Equal(t, uint64(1), st.Evictions)

	res, err = c.Read(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, ServeFresh, res.State)
	res, err = c.Read(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, MissFetch, res.State)

	c.ResetMetrics()
	assert.Equal(t, Stats{MemoryUsageBytes: c.Stats().MemoryUsageBytes, MemoryEntries: 2}, c.Stats())
}

func TestCacheVersionBumpClearsPersistedEntries(t *testing.T) {
	api := newFakeAPI(t)
	dir := t.TempDir()
	ctx := context.Background()

	open := func(version string) *Client {
		cfg := testConfig(api)
		cfg.DataDir = dir
		cfg.CacheVersion = version
		c, err := New(cfg)
		require.NoError(t, err)
		return c
	}

	c := open("v1")
	_, err := c.Read(ctx, jobsQuery)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	c = open("v1")
	res, err := c.Read(ctx, jobsQuery)
	require.NoError(t, err)
	assert.Equal(t, ServeFresh, res.State)
	require.NoError(t, c.Close())

	c = open("v2")
	defer c.Close()
	assert.Equal(t, 0, c.Stats().MemoryEntries)
	res, err = c.Read(ctx, jobsQuery)
	require.NoError(t, err)
	assert.Equal(t, MissFetch, res.State)
	assert.Equal(t, 2, api.count(http.MethodGet, "/api/jobs"))
}

func TestReadJSON(t *testing.T) {
	e := newTestEnv(t)
	c := e.client(t, testConfig(e.api))

	type job struct {
		Path string `json:"path"`
		N    int    `json:"n"`
	}
	v, res, err := ReadJSON[job](context.Background(), c, jobsQuery)
	require.NoError(t, err)
	assert.Equal(t, MissFetch, res.State)
	assert.Equal(t, job{Path: "/api/jobs", N: 1}, v)
}

func TestReadCanceled(t *testing.T) {
	e := newTestEnv(t)
	c := e.client(t, testConfig(e.api))

	hold := make(chan struct{})
	e.api.setHold(hold)
	defer close(hold)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Read(ctx, jobsQuery)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
