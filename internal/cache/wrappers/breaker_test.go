package wrappers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiercache/internal/cache"
	"tiercache/internal/circuitbreaker"
)

// flakyTier is a minimal Provider whose Ping can be failed on demand.
type flakyTier struct {
	data    map[string][]byte
	pingErr error

	gets, sets, clears int
	invalidations      int
}

func newFlakyTier() *flakyTier {
	return &flakyTier{data: make(map[string][]byte)}
}

func (f *flakyTier) Name() string { return "redis" }

func (f *flakyTier) Get(_ context.Context, key string) ([]byte, bool, error) {
	f.gets++
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *flakyTier) Set(_ context.Context, key string, value []byte, _ *cache.Options) error {
	f.sets++
	f.data[key] = value
	return nil
}

func (f *flakyTier) Exists(_ context.Context, key string) (bool, error) {
	_, ok := f.data[key]
	return ok, nil
}

func (f *flakyTier) Remove(_ context.Context, key string) error {
	delete(f.data, key)
	return nil
}

func (f *flakyTier) Clear(context.Context) error {
	f.clears++
	f.data = make(map[string][]byte)
	return nil
}

func (f *flakyTier) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	for _, k := range keys {
		if v, ok, _ := f.Get(ctx, k); ok {
			out[k] = v
		}
	}
	return out, nil
}

func (f *flakyTier) SetMany(ctx context.Context, entries map[string][]byte, opts *cache.Options) error {
	for k, v := range entries {
		if err := f.Set(ctx, k, v, opts); err != nil {
			return err
		}
	}
	return nil
}

func (f *flakyTier) InvalidateTag(context.Context, string) (int, error) {
	f.invalidations++
	return 0, nil
}

func (f *flakyTier) Stats(context.Context) cache.Statistics {
	return cache.Statistics{Tier: f.Name(), Items: int64(len(f.data))}
}

func (f *flakyTier) Ping(context.Context) error { return f.pingErr }
func (f *flakyTier) Close() error               { return nil }

func trippedBreaker(t *testing.T) (*BreakerProvider, *flakyTier) {
	t.Helper()
	inner := newFlakyTier()
	p := WithBreaker(inner, &circuitbreaker.Config{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          time.Hour,
	}, nil)

	inner.pingErr = errors.New("connection refused")
	for i := 0; i < 2; i++ {
		require.Error(t, p.Ping(context.Background()))
	}
	require.Equal(t, circuitbreaker.StateOpen, p.State())
	return p, inner
}

func TestBreakerProvider_PassThroughWhileClosed(t *testing.T) {
	inner := newFlakyTier()
	p := WithBreaker(inner, nil, nil)
	ctx := context.Background()

	require.NoError(t, p.Set(ctx, "k", []byte("v"), nil))
	v, ok, err := p.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)
	assert.Equal(t, "redis", p.Name())
	assert.Equal(t, circuitbreaker.StateClosed, p.State())
}

func TestBreakerProvider_OpensOnPingFailures(t *testing.T) {
	p, inner := trippedBreaker(t)
	ctx := context.Background()

	// Reads short-circuit to a miss without touching the backend.
	_, ok, err := p.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, inner.gets)

	// Writes become no-ops.
	require.NoError(t, p.Set(ctx, "k", []byte("v"), nil))
	assert.Zero(t, inner.sets)

	got, err := p.GetMany(ctx, []string{"a"})
	require.NoError(t, err)
	assert.Empty(t, got)
	require.NoError(t, p.Clear(ctx))
	assert.Zero(t, inner.clears)
}

func TestBreakerProvider_OpenInvalidateTagReportsError(t *testing.T) {
	p, inner := trippedBreaker(t)

	_, err := p.InvalidateTag(context.Background(), "session")
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Zero(t, inner.invalidations)
}

func TestBreakerProvider_OpenCircuitMissesCounted(t *testing.T) {
	p, inner := trippedBreaker(t)
	ctx := context.Background()

	_, _, _ = p.Get(ctx, "a")
	_, _, _ = p.Get(ctx, "b")
	_, _ = p.GetMany(ctx, []string{"c", "d"})
	assert.Zero(t, inner.gets, "open circuit must not reach the backend")

	stats := p.Stats(ctx)
	assert.Equal(t, int64(4), stats.Misses, "short-circuited reads count as misses")
	assert.Zero(t, stats.HitRate)
}

func TestBreakerProvider_StatsBypassBreaker(t *testing.T) {
	p, inner := trippedBreaker(t)
	inner.data["k"] = []byte("v")

	stats := p.Stats(context.Background())
	assert.Equal(t, int64(1), stats.Items)
}

func TestBreakerProvider_RecoversViaPing(t *testing.T) {
	inner := newFlakyTier()
	p := WithBreaker(inner, &circuitbreaker.Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          time.Nanosecond,
	}, nil)
	ctx := context.Background()

	inner.pingErr = errors.New("connection refused")
	require.Error(t, p.Ping(ctx))
	require.Equal(t, circuitbreaker.StateOpen, p.State())

	// After the open timeout, a healthy probe closes the circuit and
	// data operations reach the backend again.
	inner.pingErr = nil
	time.Sleep(time.Millisecond)
	require.NoError(t, p.Ping(ctx))
	require.Equal(t, circuitbreaker.StateClosed, p.State())

	require.NoError(t, p.Set(ctx, "k", []byte("v"), nil))
	assert.Equal(t, 1, inner.sets)
}
