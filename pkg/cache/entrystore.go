package cache

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fieldops/fieldsync/pkg/status"
	"github.com/fieldops/fieldsync/pkg/store"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

const (
	lockStripes       = 64
	compressThreshold = 1024
)

// EntryStore is the in-memory LRU index of cache entries, written through to
// a persistent store in the cache namespace.
type EntryStore struct {
	mu    sync.Mutex
	index *simplelru.LRU[string, *Entry]
	bytes int64

	// dirty holds keys whose LastAccessedAt changed since the last write
	dirty map[string]struct{}

	maxBytes   int64
	maxEntries int
	version    string

	persist  store.Store
	degraded atomic.Bool
	stripes  [lockStripes]sync.Mutex

	evictions atomic.Uint64

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	now    func() time.Time
	logger *zap.Logger
}

// Option configures an EntryStore
type Option func(*EntryStore)

// WithMaxBytes bounds the total SizeBytes of all entries
func WithMaxBytes(n int64) Option {
	return func(s *EntryStore) {
		s.maxBytes = n
	}
}

// WithMaxEntries bounds the number of entries
func WithMaxEntries(n int) Option {
	return func(s *EntryStore) {
		s.maxEntries = n
	}
}

// WithVersion sets the cache schema version stamped on every entry
func WithVersion(v string) Option {
	return func(s *EntryStore) {
		s.version = v
	}
}

// WithStore enables write-through persistence
func WithStore(st store.Store) Option {
	return func(s *EntryStore) {
		s.persist = st
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *EntryStore) {
		s.logger = logger
	}
}

// WithClock sets the time source
func WithClock(now func() time.Time) Option {
	return func(s *EntryStore) {
		s.now = now
	}
}

// Open creates an entry store and, when a persistent store is configured,
// rebuilds the index from it ordered by LastAccessedAt.
func Open(ctx context.Context, opts ...Option) (*EntryStore, error) {
	s := &EntryStore{
		dirty:      make(map[string]struct{}),
		maxBytes:   50 << 20,
		maxEntries: 1000,
		version:    "v1",
		now:        time.Now,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	// eviction is driven by the byte and entry budgets, never by simplelru itself
	index, err := simplelru.NewLRU[string, *Entry](math.MaxInt32, nil)
	if err != nil {
		return nil, err
	}
	s.index = index

	if s.encoder, err = zstd.NewWriter(nil); err != nil {
		return nil, err
	}
	if s.decoder, err = zstd.NewReader(nil); err != nil {
		return nil, err
	}

	if s.persist != nil {
		s.load(ctx)
	}
	return s, nil
}

func (s *EntryStore) load(ctx context.Context) {
	records, err := s.persist.List(ctx, store.NamespaceCache)
	if err != nil {
		s.markDegraded(err)
		return
	}

	entries := make([]*Entry, 0, len(records))
	for _, r := range records {
		e, err := s.decode(r.Value)
		if err != nil || e.Version != s.version {
			_ = s.persist.Delete(ctx, r.Key)
			continue
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastAccessedAt.Before(entries[j].LastAccessedAt)
	})

	s.mu.Lock()
	for _, e := range entries {
		s.index.Add(e.Key, e)
		s.bytes += e.SizeBytes
	}
	evicted := s.evictLocked()
	s.mu.Unlock()

	s.deletePersisted(ctx, evicted)
	s.logger.Debug("cache index rebuilt", zap.Int("entries", len(entries)), zap.Int("evicted", len(evicted)))
}

// Get returns a copy of the entry and marks it most recently used. Entries
// written under another version are removed and reported absent.
func (s *EntryStore) Get(ctx context.Context, key string) (*Entry, bool) {
	s.mu.Lock()
	e, ok := s.index.Get(key)
	if !ok {
		s.mu.Unlock()
		return nil, false
	}
	if e.Version != s.version {
		s.removeLocked(key)
		s.mu.Unlock()
		s.deletePersisted(ctx, []string{key})
		return nil, false
	}
	e.LastAccessedAt = s.now()
	s.dirty[key] = struct{}{}
	c := e.clone()
	s.mu.Unlock()
	return c, true
}

// Peek returns the entry without touching recency
func (s *EntryStore) Peek(key string) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.index.Peek(key)
	if !ok || e.Version != s.version {
		return nil, false
	}
	return e.clone(), true
}

type putOptions struct {
	sizeHint   int64
	fetchStart time.Time
}

// PutOption configures a single Put
type PutOption func(*putOptions)

// WithSizeHint overrides the computed size of the value
func WithSizeHint(n int64) PutOption {
	return func(o *putOptions) {
		o.sizeHint = n
	}
}

// WithFetchStart records when the fetch that produced the value started. The
// put is skipped when the current entry comes from a fetch started after
// that time, or was written directly after it.
func WithFetchStart(t time.Time) PutOption {
	return func(o *putOptions) {
		o.fetchStart = t
	}
}

// Put stores value under key and evicts until the store is within budget. It
// returns the entry now held for key, which is the existing one when a
// WithFetchStart guard rejected the write.
func (s *EntryStore) Put(ctx context.Context, key string, value []byte, opts ...PutOption) (*Entry, error) {
	var po putOptions
	for _, opt := range opts {
		opt(&po)
	}

	now := s.now()
	e := &Entry{
		Key:            key,
		Value:          append([]byte(nil), value...),
		StoredAt:       now,
		FetchStartedAt: po.fetchStart,
		Version:        s.version,
		SizeBytes:      int64(len(value)),
		LastAccessedAt: now,
	}
	if po.sizeHint > 0 {
		e.SizeBytes = po.sizeHint
	}

	stripe := s.stripe(key)
	stripe.Lock()

	s.mu.Lock()
	if cur, ok := s.index.Peek(key); ok && !po.fetchStart.IsZero() && cur.Version == s.version && cur.newerThan(po.fetchStart) {
		c := cur.clone()
		s.mu.Unlock()
		stripe.Unlock()
		s.logger.Debug("cache put superseded by newer entry", zap.String("key", key))
		return c, nil
	}
	s.removeLocked(key)
	s.index.Add(key, e)
	s.bytes += e.SizeBytes
	delete(s.dirty, key)
	evicted := s.evictLocked()
	stored := s.index.Contains(key)
	c := e.clone()
	s.mu.Unlock()

	if stored {
		s.write(ctx, e)
	}
	stripe.Unlock()

	s.deletePersisted(ctx, evicted)
	return c, nil
}

// Invalidate removes key
func (s *EntryStore) Invalidate(ctx context.Context, key string) {
	s.mu.Lock()
	s.removeLocked(key)
	s.mu.Unlock()
	s.deletePersisted(ctx, []string{key})
}

// InvalidatePrefix removes every key starting with prefix and returns how many were removed
func (s *EntryStore) InvalidatePrefix(ctx context.Context, prefix string) int {
	s.mu.Lock()
	var removed []string
	for _, k := range s.index.Keys() {
		if strings.HasPrefix(k, prefix) {
			s.removeLocked(k)
			removed = append(removed, k)
		}
	}
	s.mu.Unlock()

	s.deletePersisted(ctx, removed)
	return len(removed)
}

// EvictIfOverBudget evicts least recently used entries until both budgets
// hold and returns the evicted keys.
func (s *EntryStore) EvictIfOverBudget(ctx context.Context) []string {
	s.mu.Lock()
	evicted := s.evictLocked()
	s.mu.Unlock()

	s.deletePersisted(ctx, evicted)
	return evicted
}

// Clear removes every entry, including persisted ones
func (s *EntryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.index.Purge()
	s.bytes = 0
	s.dirty = make(map[string]struct{})
	s.mu.Unlock()

	if s.persist == nil || s.degraded.Load() {
		return nil
	}
	if _, err := store.DeletePrefix(ctx, s.persist, store.NamespaceCache); err != nil {
		s.markDegraded(err)
		return err
	}
	return nil
}

// Flush persists access times changed since the last write
func (s *EntryStore) Flush(ctx context.Context) {
	s.mu.Lock()
	pending := make([]string, 0, len(s.dirty))
	for k := range s.dirty {
		pending = append(pending, k)
	}
	s.dirty = make(map[string]struct{})
	s.mu.Unlock()

	for _, k := range pending {
		stripe := s.stripe(k)
		stripe.Lock()
		if e, ok := s.Peek(k); ok {
			s.write(ctx, e)
		}
		stripe.Unlock()
	}
}

// Version returns the cache schema version
func (s *EntryStore) Version() string {
	return s.version
}

// Stats returns a snapshot of the store statistics
func (s *EntryStore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Entries:    s.index.Len(),
		Bytes:      s.bytes,
		MaxEntries: s.maxEntries,
		MaxBytes:   s.maxBytes,
		Evictions:  s.evictions.Load(),
		Degraded:   s.degraded.Load(),
	}
}

// ResetEvictions zeroes the eviction counter
func (s *EntryStore) ResetEvictions() {
	s.evictions.Store(0)
}

// Close releases the compressor
func (s *EntryStore) Close() {
	s.decoder.Close()
	_ = s.encoder.Close()
}

func (s *EntryStore) removeLocked(key string) {
	if e, ok := s.index.Peek(key); ok {
		s.bytes -= e.SizeBytes
		s.index.Remove(key)
		delete(s.dirty, key)
	}
}

func (s *EntryStore) evictLocked() []string {
	var evicted []string
	for s.index.Len() > 0 && (s.bytes > s.maxBytes || s.index.Len() > s.maxEntries) {
		key, e, ok := s.index.RemoveOldest()
		if !ok {
			break
		}
		s.bytes -= e.SizeBytes
		delete(s.dirty, key)
		evicted = append(evicted, key)
		s.evictions.Add(1)
	}
	if len(evicted) > 0 {
		s.logger.Debug("cache evicted entries", zap.Int("count", len(evicted)), zap.Int64("bytes", s.bytes))
	}
	return evicted
}

func (s *EntryStore) stripe(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.stripes[h.Sum32()%lockStripes]
}

// deletePersisted removes keys from the persistent store unless a concurrent
// Put re-added them to the index.
func (s *EntryStore) deletePersisted(ctx context.Context, keys []string) {
	if s.persist == nil || len(keys) == 0 {
		return
	}
	for _, k := range keys {
		stripe := s.stripe(k)
		stripe.Lock()
		s.mu.Lock()
		present := s.index.Contains(k)
		s.mu.Unlock()
		if !present && !s.degraded.Load() {
			if err := s.persist.Delete(ctx, store.NamespaceCache+k); err != nil {
				s.markDegraded(err)
			}
		}
		stripe.Unlock()
	}
}

type envelope struct {
	Entry
	Encoding string `json:"encoding,omitempty"`
}

func (s *EntryStore) write(ctx context.Context, e *Entry) {
	if s.persist == nil || s.degraded.Load() {
		return
	}
	data, err := s.encode(e)
	if err != nil {
		s.logger.Error("cache entry encode failed", zap.String("key", e.Key), zap.Error(err))
		return
	}
	if err := s.persist.Put(ctx, store.NamespaceCache+e.Key, data); err != nil {
		s.markDegraded(err)
	}
}

func (s *EntryStore) encode(e *Entry) ([]byte, error) {
	env := envelope{Entry: *e}
	if len(e.Value) > compressThreshold {
		env.Value = s.encoder.EncodeAll(e.Value, nil)
		env.Encoding = "zstd"
	}
	return json.Marshal(env)
}

func (s *EntryStore) decode(data []byte) (*Entry, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if env.Encoding == "zstd" {
		v, err := s.decoder.DecodeAll(env.Value, nil)
		if err != nil {
			return nil, err
		}
		env.Value = v
	}
	e := env.Entry
	return &e, nil
}

// markDegraded switches to memory-only mode on StorageUnavailable. Other
// errors are logged and the write is dropped.
func (s *EntryStore) markDegraded(err error) {
	if status.CodeOf(err) != status.StorageUnavailable {
		s.logger.Error("cache persistence failed", zap.Error(err))
		return
	}
	if s.degraded.CompareAndSwap(false, true) {
		s.logger.Warn("cache persistence unavailable, continuing in memory", zap.Error(err))
	}
}
