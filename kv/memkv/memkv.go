/*
Package memkv implements the in-memory backend (spec.md §4.2): a
concurrent map with TTL and size-bounded LRU eviction.

CONCURRENCY:
  GetAll reads under the read lock; Get takes the write lock because it
  updates lastAccessed and removes expired entries; writes take the
  write lock. The eviction sweep holds the same lock only while scanning the
  map — it never holds a structural lock across I/O, because this
  backend performs none. Grounded on the teacher's generic/store/memory.go,
  which guards a single map with one sync.RWMutex rather than reaching
  for sync.Map; this backend keeps that same choice and adds TTL/LRU on
  top of it.

EVICTION:
  - TTL: checked inline on Get/Exists (expired entries removed on
    access) and swept by a background ticker at EvictionInterval.
  - LRU: when inserting and size == MaxCacheSize, the entry with the
    smallest LastAccessed is evicted; ties broken by insertion order
    (recorded via a monotonic sequence counter).
*/
package memkv

import (
	"context"
	"sync"
	"time"

	"github.com/warp/kvtx/entity"
	"github.com/warp/kvtx/kv"
	"github.com/warp/kvtx/kv/log"
	"github.com/warp/kvtx/kv/metrics"
)

// Options configures a Memory backend, per spec.md §6 "In-memory settings".
type Options struct {
	Name             string        // used only to label metrics/logs
	DefaultTTL       time.Duration // 0 = no default expiry
	MaxCacheSize     int           // 0 = unbounded
	EnableEviction   bool
	EvictionInterval time.Duration
	Codec            entity.Codec
}

func (o *Options) setDefaults() {
	if o.EvictionInterval <= 0 {
		o.EvictionInterval = time.Minute
	}
	if o.Codec == nil {
		o.Codec = entity.DefaultCodec
	}
	if o.Name == "" {
		o.Name = "default"
	}
}

type cacheEntry struct {
	value          entity.Entity
	createdAt      time.Time
	lastAccessed   time.Time
	explicitExpiry *time.Time
	seq            uint64 // insertion order, for LRU tie-breaking
}

func (e *cacheEntry) expired(now time.Time, defaultTTL time.Duration) bool {
	if e.explicitExpiry != nil && now.After(*e.explicitExpiry) {
		return true
	}
	if defaultTTL > 0 && now.Sub(e.createdAt) > defaultTTL {
		return true
	}
	return false
}

// Memory is the in-memory CRUD backend.
type Memory struct {
	opts Options
	mu   sync.RWMutex
	data map[string]*cacheEntry
	seq  uint64

	closeOnce sync.Once
	stop      chan struct{}
}

var _ kv.Provider = (*Memory)(nil)

// New creates an in-memory backend and starts its eviction ticker if
// EnableEviction is set.
func New(opts Options) *Memory {
	opts.setDefaults()
	m := &Memory{
		opts: opts,
		data: make(map[string]*cacheEntry),
		stop: make(chan struct{}),
	}
	if opts.EnableEviction {
		go m.evictionLoop()
	}
	return m
}

func (m *Memory) evictionLoop() {
	ticker := time.NewTicker(m.opts.EvictionInterval)
	defer ticker.Stop()
	logger := log.WithBackend("memkv").With().Str("instance", m.opts.Name).Logger()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			n := m.sweepExpired()
			if n > 0 {
				logger.Debug().Int("count", n).Msg("evicted expired entries")
			}
		}
	}
}

func (m *Memory) sweepExpired() int {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k, e := range m.data {
		if e.expired(now, m.opts.DefaultTTL) {
			delete(m.data, k)
			removed++
		}
	}
	if removed > 0 {
		metrics.CacheEvictions.WithLabelValues(m.opts.Name, "ttl").Add(float64(removed))
	}
	metrics.CacheSize.WithLabelValues(m.opts.Name).Set(float64(len(m.data)))
	return removed
}

// Close stops the eviction ticker. Safe to call multiple times.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() { close(m.stop) })
	return nil
}

func (m *Memory) Get(_ context.Context, key string) (entity.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	if e.expired(time.Now(), m.opts.DefaultTTL) {
		delete(m.data, key)
		return nil, nil
	}
	e.lastAccessed = time.Now()
	return e.value, nil
}

func (m *Memory) GetMany(ctx context.Context, keys []string) ([]entity.Entity, error) {
	out := make([]entity.Entity, 0, len(keys))
	for _, k := range keys {
		v, err := m.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if v != nil {
			out = append(out, v)
		}
	}
	return out, nil
}

func (m *Memory) GetAll(_ context.Context, predicate kv.Predicate) ([]entity.Entity, error) {
	now := time.Now()
	m.mu.RLock()
	snapshot := make([]entity.Entity, 0, len(m.data))
	for _, e := range m.data {
		if e.expired(now, m.opts.DefaultTTL) {
			continue
		}
		snapshot = append(snapshot, e.value)
	}
	m.mu.RUnlock()

	if predicate == nil {
		return snapshot, nil
	}
	out := snapshot[:0:0]
	for _, e := range snapshot {
		if predicate(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) Save(_ context.Context, key string, v entity.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked(key, v)
}

func (m *Memory) saveLocked(key string, v entity.Entity) error {
	now := time.Now()
	existing, had := m.data[key]

	if m.opts.MaxCacheSize > 0 && !had && len(m.data) >= m.opts.MaxCacheSize {
		m.evictOneLocked()
	}

	createdAt := now
	if had {
		createdAt = existing.createdAt
	}
	m.seq++
	m.data[key] = &cacheEntry{
		value:        v,
		createdAt:    createdAt,
		lastAccessed: now,
		seq:          m.seq,
	}
	metrics.CacheSize.WithLabelValues(m.opts.Name).Set(float64(len(m.data)))
	return nil
}

// evictOneLocked removes the entry with the smallest LastAccessed,
// ties broken by insertion order. Caller holds m.mu.
func (m *Memory) evictOneLocked() {
	var victimKey string
	var victim *cacheEntry
	for k, e := range m.data {
		if victim == nil ||
			e.lastAccessed.Before(victim.lastAccessed) ||
			(e.lastAccessed.Equal(victim.lastAccessed) && e.seq < victim.seq) {
			victimKey, victim = k, e
		}
	}
	if victim != nil {
		delete(m.data, victimKey)
		metrics.CacheEvictions.WithLabelValues(m.opts.Name, "lru").Inc()
	}
}

func (m *Memory) SaveMany(_ context.Context, entries map[string]entity.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range entries {
		if err := m.saveLocked(k, v); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	metrics.CacheSize.WithLabelValues(m.opts.Name).Set(float64(len(m.data)))
	return nil
}

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	v, err := m.Get(ctx, key)
	return v != nil, err
}

func (m *Memory) Count(ctx context.Context, predicate kv.Predicate) (int, error) {
	all, err := m.GetAll(ctx, predicate)
	if err != nil {
		return 0, err
	}
	return len(all), nil
}

func (m *Memory) Clear(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.data)
	m.data = make(map[string]*cacheEntry)
	metrics.CacheSize.WithLabelValues(m.opts.Name).Set(0)
	return n, nil
}

// SetExpiry sets an explicit expiry on key, overriding DefaultTTL for
// that entry. Returns false if key is absent.
func (m *Memory) SetExpiry(key string, at time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	if !ok {
		return false
	}
	e.explicitExpiry = &at
	return true
}
