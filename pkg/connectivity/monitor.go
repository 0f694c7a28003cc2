// Package connectivity tracks whether the remote API is reachable.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/fieldops/fieldsync/pkg/pubsub"
	"go.uber.org/zap"
)

// Event is published on every online/offline transition
type Event struct {
	Online bool
	At     time.Time
}

// Monitor holds the current connectivity state. The host application feeds
// it with SetOnline (from OS/network callbacks) or lets Watch probe the API.
type Monitor struct {
	mu      sync.RWMutex
	online  bool
	changed time.Time

	hub    *pubsub.Hub[Event]
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Monitor
type Option func(*Monitor)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// WithClock sets the time source
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// NewMonitor creates a monitor in the given initial state
func NewMonitor(online bool, opts ...Option) *Monitor {
	m := &Monitor{
		online: online,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.changed = m.now()
	m.hub = pubsub.NewHub[Event](m.logger)
	return m
}

// IsOnline returns the current state
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Since returns when the state last changed
func (m *Monitor) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.changed
}

// SetOnline updates the state. Subscribers are notified only on a transition.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.changed = m.now()
	ev := Event{Online: online, At: m.changed}
	m.mu.Unlock()

	m.logger.Info("connectivity changed", zap.Bool("online", online))
	m.hub.Publish(ev)
}

// Subscribe registers fn for transitions and returns its disposer
func (m *Monitor) Subscribe(fn func(Event)) (unsubscribe func()) {
	return m.hub.Subscribe(fn)
}

// Probe checks reachability of the remote API
type Probe func(ctx context.Context) error

// Watch runs probe every interval until ctx is done, setting the state from
// its result. The first probe runs immediately.
func (m *Monitor) Watch(ctx context.Context, probe Probe, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		m.check(ctx, probe, interval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) check(ctx context.Context, probe Probe, timeout time.Duration) {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := probe(probeCtx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		m.logger.Debug("connectivity probe failed", zap.Error(err))
	}
	m.SetOnline(err == nil)
}
