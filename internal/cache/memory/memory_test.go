package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiercache/internal/cache"
	"tiercache/internal/clock"
)

func newTestStore(t *testing.T, cfg Config, clk clock.Clock) *Store {
	t.Helper()
	s := New(cfg, clk, nil)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_SetGet(t *testing.T) {
	s := newTestStore(t, Config{SweepInterval: -1}, nil)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "user:1", []byte(`{"name":"Ada"}`), cache.DefaultOptions()))

	v, ok, err := s.Get(ctx, "user:1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte(`{"name":"Ada"}`), v)

	_, ok, err = s.Get(ctx, "absent")
	require.NoError(t, err)
	assert.False(t, ok)

	stats := s.Stats(ctx)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Items)
}

func TestStore_InvalidKey(t *testing.T) {
	s := newTestStore(t, Config{SweepInterval: -1}, nil)
	ctx := context.Background()

	_, _, err := s.Get(ctx, "")
	assert.ErrorIs(t, err, cache.ErrInvalidKey)
	assert.ErrorIs(t, s.Set(ctx, "", nil, nil), cache.ErrInvalidKey)
}

func TestStore_ExpiryOnRead(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	s := newTestStore(t, Config{SweepInterval: -1}, clk)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), &cache.Options{AbsoluteTTL: time.Minute}))

	_, ok, _ := s.Get(ctx, "k")
	assert.True(t, ok)

	clk.Advance(2 * time.Minute)

	// The expired entry is never returned and is purged on read.
	_, ok, _ = s.Get(ctx, "k")
	assert.False(t, ok)
	assert.Equal(t, int64(0), s.Stats(ctx).Items)
}

func TestStore_SlidingExpirationRefreshesOnHit(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	s := newTestStore(t, Config{SweepInterval: -1}, clk)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), &cache.Options{SlidingExpiration: time.Minute}))

	// Keep touching the entry just inside the window.
	for i := 0; i < 5; i++ {
		clk.Advance(45 * time.Second)
		_, ok, _ := s.Get(ctx, "k")
		require.True(t, ok, "hit %d should refresh the sliding window", i)
	}

	// Once idle past the window, the entry is gone.
	clk.Advance(2 * time.Minute)
	_, ok, _ := s.Get(ctx, "k")
	assert.False(t, ok)
}

func TestStore_BackgroundSweep(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	s := newTestStore(t, Config{SweepInterval: time.Minute}, clk)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "short", []byte("v"), &cache.Options{AbsoluteTTL: time.Second}))
	require.NoError(t, s.Set(ctx, "long", []byte("v"), &cache.Options{AbsoluteTTL: time.Hour}))

	clk.Advance(time.Minute)
	// The sweep runs on the janitor goroutine.
	require.Eventually(t, func() bool {
		return s.Stats(ctx).Items == 1
	}, 2*time.Second, 5*time.Millisecond)

	_, ok, _ := s.Get(ctx, "long")
	assert.True(t, ok)
	_, ok, _ = s.Get(ctx, "short")
	assert.False(t, ok)
}

func TestStore_SweepSparesConcurrentWrite(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	s := newTestStore(t, Config{SweepInterval: -1}, clk)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("old"), &cache.Options{AbsoluteTTL: time.Second}))
	clk.Advance(time.Minute)

	// Overwrite after the entry expired but before the sweep: the write
	// wins the race and survives the pass.
	require.NoError(t, s.Set(ctx, "k", []byte("new"), &cache.Options{AbsoluteTTL: time.Hour}))
	s.Sweep()

	v, ok, _ := s.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("new"), v)
}

func TestStore_EvictionByPriorityThenRecency(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	// Budget of ~20 entries worth of data.
	s := newTestStore(t, Config{MaxBytes: 200, MaxItems: 1000, SweepInterval: -1}, clk)
	ctx := context.Background()

	val := []byte("0123") // 4 bytes + key bytes

	require.NoError(t, s.Set(ctx, "keep", val, &cache.Options{Priority: cache.PriorityNeverRemove}))
	require.NoError(t, s.Set(ctx, "low1", val, &cache.Options{Priority: cache.PriorityLow}))
	clk.Advance(time.Second)
	require.NoError(t, s.Set(ctx, "low2", val, &cache.Options{Priority: cache.PriorityLow}))
	clk.Advance(time.Second)

	for i := 0; i < 30; i++ {
		require.NoError(t, s.Set(ctx, fmt.Sprintf("n%02d", i), val, &cache.Options{Priority: cache.PriorityNormal}))
		clk.Advance(time.Second)
	}

	stats := s.Stats(ctx)
	assert.Positive(t, stats.Evictions, "size pressure should have evicted entries")
	assert.LessOrEqual(t, stats.SizeBytes, int64(200))

	// The never-remove entry survives; the oldest low-priority entry is
	// the first victim.
	_, ok, _ := s.Get(ctx, "keep")
	assert.True(t, ok, "never-remove entry must survive eviction")
	_, ok, _ = s.Get(ctx, "low1")
	assert.False(t, ok, "lowest-priority LRU entry should be evicted first")
}

func TestStore_EvictionRemovesAboutAQuarter(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	s := newTestStore(t, Config{MaxBytes: 1 << 30, MaxItems: 40, SweepInterval: -1}, clk)
	ctx := context.Background()

	for i := 0; i < 41; i++ {
		require.NoError(t, s.Set(ctx, fmt.Sprintf("k%02d", i), []byte("v"), nil))
		clk.Advance(time.Second)
	}

	// Crossing MaxItems triggers one pass removing ~25% of entries.
	stats := s.Stats(ctx)
	assert.InDelta(t, 10, stats.Evictions, 2)
	assert.Less(t, stats.Items, int64(40))
}

func TestStore_Clear(t *testing.T) {
	s := newTestStore(t, Config{SweepInterval: -1}, nil)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "a", []byte("1"), nil))
	require.NoError(t, s.Set(ctx, "b", []byte("2"), nil))
	require.NoError(t, s.Clear(ctx))

	stats := s.Stats(ctx)
	assert.Equal(t, int64(0), stats.Items)
	assert.Equal(t, int64(0), stats.SizeBytes)
}

func TestStore_GetManySetMany(t *testing.T) {
	s := newTestStore(t, Config{SweepInterval: -1}, nil)
	ctx := context.Background()

	require.NoError(t, s.SetMany(ctx, map[string][]byte{
		"a": []byte("1"),
		"b": []byte("2"),
	}, cache.DefaultOptions()))

	got, err := s.GetMany(ctx, []string{"a", "b", "missing"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, []byte("1"), got["a"])

	stats := s.Stats(ctx)
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestStore_ClosedBehavior(t *testing.T) {
	s := New(Config{SweepInterval: -1}, nil, nil)
	require.NoError(t, s.Close())

	ctx := context.Background()
	_, _, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, cache.ErrClosed)
	assert.ErrorIs(t, s.Set(ctx, "k", nil, nil), cache.ErrClosed)
	_, err = s.Exists(ctx, "k")
	assert.ErrorIs(t, err, cache.ErrClosed)
	assert.ErrorIs(t, s.Remove(ctx, "k"), cache.ErrClosed)
	assert.ErrorIs(t, s.Clear(ctx), cache.ErrClosed)
	assert.ErrorIs(t, s.Ping(ctx), cache.ErrClosed)
	assert.NoError(t, s.Close(), "double close is a no-op")
}

func TestStore_ConcurrentAccess(t *testing.T) {
	s := newTestStore(t, Config{MaxBytes: 1 << 20, SweepInterval: -1}, nil)
	ctx := context.Background()

	done := make(chan struct{})
	for w := 0; w < 8; w++ {
		go func(w int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", i%50)
				_ = s.Set(ctx, key, []byte("v"), nil)
				_, _, _ = s.Get(ctx, key)
				_ = s.Sweep()
			}
		}(w)
	}
	for w := 0; w < 8; w++ {
		<-done
	}
}
