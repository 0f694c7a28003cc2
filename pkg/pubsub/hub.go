// Package pubsub provides a small synchronous publish/subscribe hub.
package pubsub

import (
	"sync"

	"go.uber.org/zap"
)

// Hub delivers published values to subscribers synchronously, in
// subscription order. A panicking subscriber is logged and skipped.
type Hub[T any] struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscription[T]
	logger *zap.Logger
}

type subscription[T any] struct {
	id uint64
	fn func(T)
}

// NewHub creates a hub
func NewHub[T any](logger *zap.Logger) *Hub[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub[T]{logger: logger}
}

// Subscribe registers fn and returns a func that removes it. Calling the
// returned func more than once is a no-op.
func (h *Hub[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs = append(h.subs, subscription[T]{id: id, fn: fn})
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			for i, s := range h.subs {
				if s.id == id {
					h.subs = append(h.subs[:i:i], h.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish calls every subscriber with v
func (h *Hub[T]) Publish(v T) {
	h.mu.RLock()
	subs := make([]subscription[T], len(h.subs))
	copy(subs, h.subs)
	h.mu.RUnlock()

	for _, s := range subs {
		h.deliver(s, v)
	}
}

func (h *Hub[T]) deliver(s subscription[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("subscriber panicked", zap.Uint64("subscription", s.id), zap.Any("panic", r))
		}
	}()
	s.fn(v)
}

// Len returns the number of subscribers
func (h *Hub[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
