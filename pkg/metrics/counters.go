package metrics

import (
	"sync/atomic"
	"time"
)

// Counters are the in-process read statistics behind Client.Stats
type Counters struct {
	hits                      atomic.Uint64
	misses                    atomic.Uint64
	errors                    atomic.Uint64
	backgroundRefreshes       atomic.Uint64
	backgroundRefreshFailures atomic.Uint64

	responses     atomic.Uint64
	responseNanos atomic.Int64
}

// Snapshot is a point-in-time copy of Counters
type Snapshot struct {
	Hits                      uint64
	Misses                    uint64
	Errors                    uint64
	BackgroundRefreshes       uint64
	BackgroundRefreshFailures uint64
	// HitRate is hits / (hits + misses), 0 before any read
	HitRate           float64
	AvgResponseTimeMs float64
}

func (c *Counters) Hit() { c.hits.Add(1) }
func (c *Counters) Miss() { c.misses.Add(1) }
func (c *Counters) Error() { c.errors.Add(1) }
func (c *Counters) BackgroundRefresh() { c.backgroundRefreshes.Add(1) }
func (c *Counters) BackgroundRefreshFailed() { c.backgroundRefreshFailures.Add(1) }

// ObserveResponse records how long a read took to answer
func (c *Counters) ObserveResponse(d time.Duration) {
	c.responses.Add(1)
	c.responseNanos.Add(int64(d))
}

// Snapshot returns the current values
func (c *Counters) Snapshot() Snapshot {
	s := Snapshot{
		Hits:                      c.hits.Load(),
		Misses:                    c.misses.Load(),
		Errors:                    c.errors.Load(),
		BackgroundRefreshes:       c.backgroundRefreshes.Load(),
		BackgroundRefreshFailures: c.backgroundRefreshFailures.Load(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	if n := c.responses.Load(); n > 0 {
		s.AvgResponseTimeMs = float64(c.responseNanos.Load()) / float64(n) / float64(time.Millisecond)
	}
	return s
}

// Reset zeroes every counter
func (c *Counters) Reset() {
	c.hits.Store(0)
	c.misses.Store(0)
	c.errors.Store(0)
	c.backgroundRefreshes.Store(0)
	c.backgroundRefreshFailures.Store(0)
	c.responses.Store(0)
	c.responseNanos.Store(0)
}
