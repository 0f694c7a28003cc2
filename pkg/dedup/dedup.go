// Package dedup collapses concurrent fetches of the same key into one call.
package dedup

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Group runs at most one fn per key at a time. Callers arriving while a call
// is in flight wait for it and receive the same result.
type Group struct {
	sf singleflight.Group

	mu      sync.Mutex
	gen     uint64
	flights map[string]*flight

	timeout time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

type flight struct {
	sfKey   string
	started time.Time
}

// Option configures a Group
type Option func(*Group)

// WithTimeout sets how long a flight may run before new callers stop joining
// it and start their own
func WithTimeout(d time.Duration) Option {
	return func(g *Group) {
		g.timeout = d
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(g *Group) {
		g.logger = logger
	}
}

// WithClock sets the time source
func WithClock(now func() time.Time) Option {
	return func(g *Group) {
		g.now = now
	}
}

// New creates a Group
func New(opts ...Option) *Group {
	g := &Group{
		flights: make(map[string]*flight),
		timeout: 5 * time.Minute,
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Do runs fn for key unless a call for key is already in flight. fn receives
// a context detached from ctx's cancellation so one caller giving up does not
// fail the others; a cancelled caller returns ctx.Err() immediately. The
// returned slice is shared between callers and must not be modified.
func (g *Group) Do(ctx context.Context, key string, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	f := g.join(key)

	detached := context.WithoutCancel(ctx)
	ch := g.sf.DoChan(f.sfKey, func() (interface{}, error) {
		defer g.settle(key, f)
		return fn(detached)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		v, _ := res.Val.([]byte)
		return v, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *Group) join(key string) *flight {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if f, ok := g.flights[key]; ok {
		if now.Sub(f.started) <= g.timeout {
			return f
		}
		g.logger.Warn("abandoning stuck request", zap.String("key", key), zap.Duration("age", now.Sub(f.started)))
	}

	g.gen++
	f := &flight{
		sfKey:   key + "#" + strconv.FormatUint(g.gen, 10),
		started: now,
	}
	g.flights[key] = f
	return f
}

// settle removes the flight unless a newer one replaced it
func (g *Group) settle(key string, f *flight) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.flights[key] == f {
		delete(g.flights, key)
	}
}

// InFlight returns the number of keys with a call in flight
func (g *Group) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.flights)
}
