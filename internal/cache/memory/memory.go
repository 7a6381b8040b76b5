// Package memory implements the in-process cache tier. It is the fastest
// and most volatile tier: a size-bounded map with priority-aware LRU
// eviction and a background sweep that purges expired entries.
package memory

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"tiercache/internal/cache"
	"tiercache/internal/clock"
	"tiercache/internal/logging"
)

// Config defines the in-process tier limits.
type Config struct {
	// MaxBytes is the approximate byte budget. Exceeding it triggers an
	// eviction pass removing roughly a quarter of the entries.
	MaxBytes int64 `json:"max_bytes" yaml:"max_bytes"`
	// MaxItems caps the entry count independent of byte size.
	MaxItems int `json:"max_items" yaml:"max_items"`
	// SweepInterval is the cadence of the background expiry sweep.
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
}

// DefaultConfig returns the default in-process tier configuration.
func DefaultConfig() Config {
	return Config{
		MaxBytes:      64 * 1024 * 1024,
		MaxItems:      50000,
		SweepInterval: time.Minute,
	}
}

// item is the in-memory materialization of a cache entry. Access metadata
// uses atomics so hits never take the write lock.
type item struct {
	value      []byte
	createdAt  time.Time
	sliding    time.Duration
	priority   cache.Priority
	size       int64
	lastAccess atomic.Int64 // unix nano
	expiresAt  atomic.Int64 // unix nano, 0 = no expiry
}

func (it *item) expired(now time.Time) bool {
	exp := it.expiresAt.Load()
	return exp > 0 && now.UnixNano() > exp
}

// Store is the Tier1 provider.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*item
	size    int64

	cfg      Config
	clk      clock.Clock
	logger   logging.Logger
	counters cache.Counters

	janitor clock.Ticker
	stop    chan struct{}
	closed  bool
}

var _ cache.Provider = (*Store)(nil)

// New creates the in-process tier and starts its expiry sweep.
func New(cfg Config, clk clock.Clock, logger logging.Logger) *Store {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultConfig().MaxBytes
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = DefaultConfig().MaxItems
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}

	s := &Store{
		entries: make(map[string]*item),
		cfg:     cfg,
		clk:     clk,
		logger:  logger.WithComponent("cache.memory"),
		stop:    make(chan struct{}),
	}

	if cfg.SweepInterval > 0 {
		s.janitor = clk.NewTicker(cfg.SweepInterval)
		go s.sweepLoop()
	}

	return s
}

// Name implements Provider.
func (s *Store) Name() string { return "memory" }

// Get implements Provider. Expired entries are purged on read and counted
// as misses.
func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	if err := cache.ValidateKey(key); err != nil {
		return nil, false, err
	}

	s.mu.RLock()
	it := s.entries[key]
	closed := s.closed
	s.mu.RUnlock()

	if closed {
		return nil, false, cache.ErrClosed
	}
	if it == nil {
		s.counters.Miss()
		return nil, false, nil
	}

	now := s.clk.Now()
	if it.expired(now) {
		s.purge(key, it)
		s.counters.Miss()
		return nil, false, nil
	}

	it.lastAccess.Store(now.UnixNano())
	if it.sliding > 0 {
		it.expiresAt.Store(now.Add(it.sliding).UnixNano())
	}
	s.counters.Hit()
	return it.value, true, nil
}

// Set implements Provider.
func (s *Store) Set(_ context.Context, key string, value []byte, opts *cache.Options) error {
	if err := cache.ValidateKey(key); err != nil {
		return err
	}
	if opts == nil {
		opts = cache.DefaultOptions()
	}

	now := s.clk.Now()
	it := &item{
		value:     value,
		createdAt: now,
		sliding:   opts.SlidingExpiration,
		priority:  opts.Priority,
		size:      int64(len(value)) + int64(len(key)),
	}
	it.lastAccess.Store(now.UnixNano())
	if ttl := opts.EffectiveTTL(); ttl > 0 {
		it.expiresAt.Store(now.Add(ttl).UnixNano())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return cache.ErrClosed
	}

	if old, ok := s.entries[key]; ok {
		s.size -= old.size
	}
	s.entries[key] = it
	s.size += it.size
	s.counters.Set()

	if s.size > s.cfg.MaxBytes || len(s.entries) > s.cfg.MaxItems {
		s.evictLocked(now)
	}
	return nil
}

// Exists implements Provider.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	if err := cache.ValidateKey(key); err != nil {
		return false, err
	}

	s.mu.RLock()
	it := s.entries[key]
	closed := s.closed
	s.mu.RUnlock()

	if closed {
		return false, cache.ErrClosed
	}
	if it == nil {
		return false, nil
	}
	if it.expired(s.clk.Now()) {
		s.purge(key, it)
		return false, nil
	}
	return true, nil
}

// Remove implements Provider.
func (s *Store) Remove(_ context.Context, key string) error {
	if err := cache.ValidateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return cache.ErrClosed
	}
	if it, ok := s.entries[key]; ok {
		delete(s.entries, key)
		s.size -= it.size
		s.counters.Delete()
	}
	return nil
}

// Clear implements Provider. The in-process tier clears with a full wipe.
func (s *Store) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return cache.ErrClosed
	}
	s.entries = make(map[string]*item)
	s.size = 0
	return nil
}

// GetMany implements Provider.
func (s *Store) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, key := range keys {
		if v, ok, err := s.Get(ctx, key); err != nil {
			return out, err
		} else if ok {
			out[key] = v
		}
	}
	return out, nil
}

// SetMany implements Provider.
func (s *Store) SetMany(ctx context.Context, entries map[string][]byte, opts *cache.Options) error {
	for key, value := range entries {
		if err := s.Set(ctx, key, value, opts); err != nil {
			return err
		}
	}
	return nil
}

// Stats implements Provider.
func (s *Store) Stats(context.Context) cache.Statistics {
	s.mu.RLock()
	items := int64(len(s.entries))
	size := s.size
	s.mu.RUnlock()

	stats := s.counters.Snapshot(s.Name())
	stats.Items = items
	stats.SizeBytes = size
	return stats
}

// Ping implements Provider. The in-process tier is always reachable while
// open.
func (s *Store) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return cache.ErrClosed
	}
	return nil
}

// Close stops the sweep loop and drops all entries.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.stop)
	if s.janitor != nil {
		s.janitor.Stop()
	}
	s.entries = nil
	s.size = 0
	return nil
}

// purge removes a specific expired item. Pointer equality keeps the check
// safe against a concurrent overwrite of the same key: a fresh write swaps
// the pointer and is never removed here.
func (s *Store) purge(key string, expired *item) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.entries[key]; ok && cur == expired {
		delete(s.entries, key)
		s.size -= cur.size
	}
}

// evictLocked removes roughly a quarter of the entries, lowest priority
// first and least-recently-accessed within a priority. Never-remove
// entries and entries written after the pass started are skipped.
// Caller holds the write lock.
func (s *Store) evictLocked(passStart time.Time) {
	type victim struct {
		key        string
		it         *item
		priority   cache.Priority
		lastAccess int64
	}

	candidates := make([]victim, 0, len(s.entries))
	for key, it := range s.entries {
		if it.priority == cache.PriorityNeverRemove {
			continue
		}
		if it.createdAt.After(passStart) {
			continue
		}
		candidates = append(candidates, victim{
			key:        key,
			it:         it,
			priority:   it.priority,
			lastAccess: it.lastAccess.Load(),
		})
	}
	if len(candidates) == 0 {
		return
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority < candidates[j].priority
		}
		return candidates[i].lastAccess < candidates[j].lastAccess
	})

	// Removing a quarter per pass amortizes the sort cost across writes.
	target := len(s.entries) / 4
	if target < 1 {
		target = 1
	}
	if target > len(candidates) {
		target = len(candidates)
	}

	for i := 0; i < target; i++ {
		delete(s.entries, candidates[i].key)
		s.size -= candidates[i].it.size
	}
	s.counters.Evict(int64(target))

	s.logger.Debug("eviction pass completed",
		"evicted", target,
		"remaining", len(s.entries),
		"size_bytes", s.size)
}

// sweepLoop purges expired entries at a fixed cadence regardless of read
// traffic.
func (s *Store) sweepLoop() {
	for {
		select {
		case <-s.janitor.C():
			s.Sweep()
		case <-s.stop:
			return
		}
	}
}

// Sweep removes entries expired as of the sweep start. Victims are
// collected under the read lock and re-checked by pointer under the write
// lock, so a key overwritten mid-sweep survives the pass.
func (s *Store) Sweep() int {
	start := s.clk.Now()

	type victim struct {
		key string
		it  *item
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return 0
	}
	victims := make([]victim, 0)
	for key, it := range s.entries {
		if it.expired(start) {
			victims = append(victims, victim{key: key, it: it})
		}
	}
	s.mu.RUnlock()

	if len(victims) == 0 {
		return 0
	}

	s.mu.Lock()
	removed := 0
	for _, v := range victims {
		if cur, ok := s.entries[v.key]; ok && cur == v.it && cur.expired(start) {
			delete(s.entries, v.key)
			s.size -= cur.size
			removed++
		}
	}
	s.mu.Unlock()

	if removed > 0 {
		s.counters.Evict(int64(removed))
		s.logger.Debug("expiry sweep completed", "removed", removed)
	}
	return removed
}
