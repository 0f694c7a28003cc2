package fieldsync

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/fieldops/fieldsync/middleware"
	"github.com/fieldops/fieldsync/pkg/connectivity"
	"github.com/fieldops/fieldsync/pkg/queue"
	"github.com/fieldops/fieldsync/pkg/syncer"
)

// Stats is a snapshot of the read cache
type Stats struct {
	Hits                      uint64
	Misses                    uint64
	Errors                    uint64
	BackgroundRefreshes       uint64
	BackgroundRefreshFailures uint64
	Evictions                 uint64
	HitRate                   float64
	AvgResponseTimeMs         float64
	MemoryUsageBytes          int64
	MemoryEntries             int
	// Degraded is true once persistence failed and the client runs from memory
	Degraded bool
}

// Stats returns the cache statistics
func (c *Client) Stats() Stats {
	snap := c.counters.Snapshot()
	es := c.entries.Stats()
	return Stats{
		Hits:                      snap.Hits,
		Misses:                    snap.Misses,
		Errors:                    snap.Errors,
		BackgroundRefreshes:       snap.BackgroundRefreshes,
		BackgroundRefreshFailures: snap.BackgroundRefreshFailures,
		Evictions:                 es.Evictions,
		HitRate:                   snap.HitRate,
		AvgResponseTimeMs:         snap.AvgResponseTimeMs,
		MemoryUsageBytes:          es.Bytes,
		MemoryEntries:             es.Entries,
		Degraded:                  es.Degraded || c.store.Degraded(),
	}
}

// ResetMetrics zeroes the counters reported by Stats
func (c *Client) ResetMetrics() {
	c.counters.Reset()
	c.entries.ResetEvictions()
	c.evictionsMu.Lock()
	c.lastEvictions = 0
	c.evictionsMu.Unlock()
}

// BreakerStatus returns the state of every endpoint breaker
func (c *Client) BreakerStatus() map[string]middleware.BreakerStatus {
	return c.breakers.Status()
}

// ResetBreakers closes every breaker
func (c *Client) ResetBreakers() {
	c.breakers.Reset()
}

// PendingCount returns the queued operations per kind
func (c *Client) PendingCount() queue.Counts {
	return c.queue.Count()
}

// Pending lists the queued operations of entityType, all of them when empty
func (c *Client) Pending(entityType string) []queue.PendingOperation {
	return c.queue.List(entityType)
}

// RetryPending clears the attempt counters of a parked operation so the
// next sync tries it again
func (c *Client) RetryPending(ctx context.Context, localID string) error {
	return c.queue.Retry(ctx, localID)
}

// ServerID returns the server id a locally created entity received
func (c *Client) ServerID(localID string) (string, bool) {
	return c.queue.ServerID(localID)
}

// Sync drains the queue now, waiting for a sync already running
func (c *Client) Sync(ctx context.Context) (syncer.Result, error) {
	res, err := c.syncer.Run(ctx, syncer.TriggerManual)
	c.reportPending()
	return res, err
}

// SubscribeSync receives sync progress events
func (c *Client) SubscribeSync(fn func(syncer.Progress)) (unsubscribe func()) {
	return c.syncer.Subscribe(fn)
}

// SyncState returns the state of the sync orchestrator
func (c *Client) SyncState() syncer.State {
	return c.syncer.State()
}

// Monitor returns the connectivity monitor the client follows
func (c *Client) Monitor() *connectivity.Monitor {
	return c.monitor
}

// ClearCache drops every cached read
func (c *Client) ClearCache(ctx context.Context) error {
	err := c.entries.Clear(ctx)
	c.observeCache()
	return err
}

// Logout clears the cache and, when discardPending is set, the offline
// queue. Pending mutations are kept otherwise so they sync after the next
// login.
func (c *Client) Logout(ctx context.Context, discardPending bool) error {
	var errs []error
	if err := c.ClearCache(ctx); err != nil {
		errs = append(errs, err)
	}
	if discardPending {
		if err := c.queue.Clear(ctx); err != nil {
			errs = append(errs, err)
		}
		c.reportPending()
	}
	c.breakers.Reset()
	c.ResetMetrics()

	c.logger.Info("logged out", zap.Bool("discarded_pending", discardPending))
	return errors.Join(errs...)
}

// Close stops background work and releases the store
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.refreshMu.Lock()
		c.closed = true
		c.refreshMu.Unlock()
		c.bgCancel()
		c.syncer.Stop()
		c.bg.Wait()

		ctx := context.Background()
		c.entries.Flush(ctx)
		c.entries.Close()
		err = c.store.Close()
		c.logger.Debug("fieldsync client closed")
	})
	return err
}
