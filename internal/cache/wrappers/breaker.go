// Package wrappers composes cache providers with resilience behavior
// without touching the tier implementations.
package wrappers

import (
	"context"

	"tiercache/internal/cache"
	"tiercache/internal/circuitbreaker"
	"tiercache/internal/logging"
)

// BreakerProvider fences a networked tier behind a circuit breaker.
//
// Tier providers absorb their own data-path failures by contract, so the
// breaker is driven by Ping probes: the sync manager's health cycle and
// the orchestrator's health report feed it. While the circuit is open,
// reads short-circuit to a miss and writes become no-ops, sparing every
// cascade call the backend timeout.
type BreakerProvider struct {
	inner  cache.Provider
	cb     *circuitbreaker.Breaker
	logger logging.Logger

	// counters records the misses served while the circuit is open; the
	// inner tier never sees those reads.
	counters cache.Counters
}

var _ cache.Provider = (*BreakerProvider)(nil)

// WithBreaker wraps a provider in a circuit breaker.
func WithBreaker(inner cache.Provider, config *circuitbreaker.Config, logger logging.Logger) *BreakerProvider {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	log := logger.WithComponent("cache.breaker." + inner.Name())

	if config == nil {
		config = circuitbreaker.DefaultConfig()
	}
	if config.OnStateChange == nil {
		config.OnStateChange = func(from, to circuitbreaker.State) {
			log.Warn("circuit state changed", "from", from.String(), "to", to.String())
		}
	}

	return &BreakerProvider{
		inner:  inner,
		cb:     circuitbreaker.New(config),
		logger: log,
	}
}

// Name implements Provider.
func (p *BreakerProvider) Name() string { return p.inner.Name() }

// State exposes the breaker state for health reporting.
func (p *BreakerProvider) State() circuitbreaker.State { return p.cb.State() }

func (p *BreakerProvider) open() bool {
	return p.cb.State() == circuitbreaker.StateOpen
}

// Get implements Provider. An open circuit reads as a recorded miss.
func (p *BreakerProvider) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if p.open() {
		p.counters.Miss()
		return nil, false, nil
	}
	return p.inner.Get(ctx, key)
}

// Set implements Provider. An open circuit drops the write.
func (p *BreakerProvider) Set(ctx context.Context, key string, value []byte, opts *cache.Options) error {
	if p.open() {
		return nil
	}
	return p.inner.Set(ctx, key, value, opts)
}

// Exists implements Provider.
func (p *BreakerProvider) Exists(ctx context.Context, key string) (bool, error) {
	if p.open() {
		return false, nil
	}
	return p.inner.Exists(ctx, key)
}

// Remove implements Provider.
func (p *BreakerProvider) Remove(ctx context.Context, key string) error {
	if p.open() {
		return nil
	}
	return p.inner.Remove(ctx, key)
}

// Clear implements Provider.
func (p *BreakerProvider) Clear(ctx context.Context) error {
	if p.open() {
		return nil
	}
	return p.inner.Clear(ctx)
}

// GetMany implements Provider.
func (p *BreakerProvider) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	if p.open() {
		for range keys {
			p.counters.Miss()
		}
		return map[string][]byte{}, nil
	}
	return p.inner.GetMany(ctx, keys)
}

// SetMany implements Provider.
func (p *BreakerProvider) SetMany(ctx context.Context, entries map[string][]byte, opts *cache.Options) error {
	if p.open() {
		return nil
	}
	return p.inner.SetMany(ctx, entries, opts)
}

// InvalidateTag implements TagInvalidator when the inner tier does.
func (p *BreakerProvider) InvalidateTag(ctx context.Context, tag string) (int, error) {
	ti, ok := p.inner.(cache.TagInvalidator)
	if !ok {
		return 0, nil
	}
	if p.open() {
		return 0, circuitbreaker.ErrOpen
	}
	return ti.InvalidateTag(ctx, tag)
}

// Stats implements Provider. Stats never touch the breaker: counters must
// stay readable while the backend is down. Misses served by an open
// circuit are folded into the inner tier's snapshot.
func (p *BreakerProvider) Stats(ctx context.Context) cache.Statistics {
	stats := p.inner.Stats(ctx)
	short := p.counters.Snapshot(stats.Tier)
	if short.Misses > 0 {
		stats.Misses += short.Misses
		if total := stats.Hits + stats.Misses; total > 0 {
			stats.HitRate = float64(stats.Hits) / float64(total)
		}
	}
	return stats
}

// Ping implements Provider and is the breaker's failure signal.
func (p *BreakerProvider) Ping(ctx context.Context) error {
	return p.cb.Execute(ctx, p.inner.Ping)
}

// Close implements Provider.
func (p *BreakerProvider) Close() error { return p.inner.Close() }
