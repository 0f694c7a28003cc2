package store

import (
	"context"
	"sync"

	"github.com/fieldops/fieldsync/pkg/status"
	"go.uber.org/zap"
)

// Fallback writes to a primary store and switches permanently to an
// in-memory store the first time the primary reports StorageUnavailable.
// Records already written to the primary are not migrated.
type Fallback struct {
	mu       sync.RWMutex
	primary  Store
	memory   *MemoryStore
	degraded bool
	logger   *zap.Logger
}

// NewFallback wraps primary
func NewFallback(primary Store, logger *zap.Logger) *Fallback {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fallback{
		primary: primary,
		memory:  NewMemoryStore(),
		logger:  logger,
	}
}

// Degraded reports whether the store has switched to memory
func (f *Fallback) Degraded() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.degraded
}

func (f *Fallback) current() Store {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.degraded {
		return f.memory
	}
	return f.primary
}

func (f *Fallback) degrade(err error) bool {
	if status.CodeOf(err) != status.StorageUnavailable {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.degraded {
		f.degraded = true
		f.logger.Warn("persistent store unavailable, falling back to memory", zap.Error(err))
	}
	return true
}

func (f *Fallback) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok, err := f.current().Get(ctx, key)
	if err != nil && f.degrade(err) {
		return f.memory.Get(ctx, key)
	}
	return v, ok, err
}

func (f *Fallback) Put(ctx context.Context, key string, value []byte) error {
	err := f.current().Put(ctx, key, value)
	if err != nil && f.degrade(err) {
		return f.memory.Put(ctx, key, value)
	}
	return err
}

func (f *Fallback) Delete(ctx context.Context, key string) error {
	err := f.current().Delete(ctx, key)
	if err != nil && f.degrade(err) {
		return f.memory.Delete(ctx, key)
	}
	return err
}

func (f *Fallback) List(ctx context.Context, prefix string) ([]Record, error) {
	rs, err := f.current().List(ctx, prefix)
	if err != nil && f.degrade(err) {
		return f.memory.List(ctx, prefix)
	}
	return rs, err
}

func (f *Fallback) Close() error {
	_ = f.memory.Close()
	return f.primary.Close()
}
