// Package orchestrator composes the three cache tiers behind one
// provider-like contract: cascading reads, configurable write propagation,
// tag invalidation fan-out, and aggregate health reporting.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tiercache/internal/cache"
	"tiercache/internal/logging"
	"tiercache/internal/retry"
	"tiercache/internal/telemetry"
)

// WriteStrategy selects how Set propagates to the slower tiers.
type WriteStrategy string

const (
	// WriteThrough updates all tiers before Set returns.
	WriteThrough WriteStrategy = "write-through"
	// WriteBehind updates the in-process tier synchronously and the
	// slower tiers in the background, fire-and-forget.
	WriteBehind WriteStrategy = "write-behind"
)

// Config is the orchestrator policy surface.
type Config struct {
	Strategy WriteStrategy `json:"strategy" yaml:"strategy"`

	// Per-tier TTL ceilings. The derived expirations are monotonic:
	// Tier1 <= Tier2 <= Tier3 for the same caller options.
	Tier1TTL time.Duration `json:"tier1_ttl" yaml:"tier1_ttl"`
	Tier2TTL time.Duration `json:"tier2_ttl" yaml:"tier2_ttl"`
	Tier3TTL time.Duration `json:"tier3_ttl" yaml:"tier3_ttl"`

	// Required tiers must be reachable for the health report to come back
	// healthy. Tier1 is always required.
	Tier2Required bool `json:"tier2_required" yaml:"tier2_required"`
	Tier3Required bool `json:"tier3_required" yaml:"tier3_required"`

	// WriteBehindRetry enables bounded retries on the background
	// propagation. Off by default: a dropped write-behind operation is
	// lost, not retried indefinitely.
	WriteBehindRetry bool          `json:"write_behind_retry" yaml:"write_behind_retry"`
	RetryPolicy      *retry.Config `json:"-" yaml:"-"`
}

// DefaultConfig returns the default tier policy.
func DefaultConfig() Config {
	return Config{
		Strategy: WriteThrough,
		Tier1TTL: 5 * time.Minute,
		Tier2TTL: 30 * time.Minute,
		Tier3TTL: 24 * time.Hour,
	}
}

// Orchestrator owns no entries, only coordination logic and TTL policy.
type Orchestrator struct {
	tier1 cache.Provider
	tier2 cache.Provider
	tier3 cache.Provider

	cfg      Config
	recorder telemetry.Recorder
	logger   logging.Logger
	retrier  *retry.Retrier

	pendingWrites atomic.Int64
	misses        atomic.Int64

	// bg tracks detached write-behind propagations so Close can wait for
	// them in tests and shutdown.
	bg sync.WaitGroup
}

// New wires the three tiers. The recorder is an explicit dependency so
// tests can observe operations without a global monitor.
func New(tier1, tier2, tier3 cache.Provider, cfg Config, recorder telemetry.Recorder, logger logging.Logger) (*Orchestrator, error) {
	if tier1 == nil || tier2 == nil || tier3 == nil {
		return nil, fmt.Errorf("orchestrator requires all three tiers")
	}
	if cfg.Strategy == "" {
		cfg.Strategy = WriteThrough
	}
	if cfg.Strategy != WriteThrough && cfg.Strategy != WriteBehind {
		return nil, fmt.Errorf("unknown write strategy %q", cfg.Strategy)
	}
	def := DefaultConfig()
	if cfg.Tier1TTL <= 0 {
		cfg.Tier1TTL = def.Tier1TTL
	}
	if cfg.Tier2TTL <= 0 {
		cfg.Tier2TTL = def.Tier2TTL
	}
	if cfg.Tier3TTL <= 0 {
		cfg.Tier3TTL = def.Tier3TTL
	}
	if recorder == nil {
		recorder = telemetry.NopRecorder{}
	}
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}

	return &Orchestrator{
		tier1:    tier1,
		tier2:    tier2,
		tier3:    tier3,
		cfg:      cfg,
		recorder: recorder,
		logger:   logger.WithComponent("cache.orchestrator"),
		retrier:  retry.New(cfg.RetryPolicy),
	}, nil
}

// tierOptions derives the per-tier write options from the caller's.
// The base lifetime is the caller's effective TTL, falling back to the
// Tier3 ceiling; each faster tier caps it at its own ceiling, which keeps
// the derived expirations monotonic.
func (o *Orchestrator) tierOptions(opts *cache.Options) (t1, t2, t3 *cache.Options) {
	if opts == nil {
		opts = cache.DefaultOptions()
	}
	base := opts.EffectiveTTL()
	if base <= 0 {
		base = o.cfg.Tier3TTL
	}

	capTTL := func(ceiling time.Duration) time.Duration {
		if base < ceiling {
			return base
		}
		return ceiling
	}

	return opts.WithTTL(capTTL(o.cfg.Tier1TTL)),
		opts.WithTTL(capTTL(o.cfg.Tier2TTL)),
		opts.WithTTL(base)
}

// Get performs the cascade read: Tier1, then Tier2 (populating Tier1),
// then Tier3 (populating Tier1 and Tier2 concurrently). Every hit records
// the satisfying tier and the latency taken.
func (o *Orchestrator) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := cache.ValidateKey(key); err != nil {
		return nil, false, err
	}
	start := time.Now()

	if v, ok, err := o.tier1.Get(ctx, key); err != nil {
		return nil, false, err
	} else if ok {
		o.record(telemetry.OpHit, key, o.tier1.Name(), start)
		return v, true, nil
	}

	if v, ok, _ := o.tier2.Get(ctx, key); ok {
		// Populate the fast tier with a short-lived copy.
		if err := o.tier1.Set(ctx, key, v, cache.ShortLivedOptions().WithTTL(o.cfg.Tier1TTL)); err != nil {
			o.logger.Warn("tier1 populate failed", "key", key, "error", err)
		}
		o.record(telemetry.OpHit, key, o.tier2.Name(), start)
		return v, true, nil
	}

	if v, ok, _ := o.tier3.Get(ctx, key); ok {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := o.tier1.Set(ctx, key, v, cache.ShortLivedOptions().WithTTL(o.cfg.Tier1TTL)); err != nil {
				o.logger.Warn("tier1 populate failed", "key", key, "error", err)
			}
		}()
		go func() {
			defer wg.Done()
			if err := o.tier2.Set(ctx, key, v, cache.DefaultOptions().WithTTL(o.cfg.Tier2TTL)); err != nil {
				o.logger.Warn("tier2 populate failed", "key", key, "error", err)
			}
		}()
		wg.Wait()
		o.record(telemetry.OpHit, key, o.tier3.Name(), start)
		return v, true, nil
	}

	o.misses.Add(1)
	o.record(telemetry.OpMiss, key, "", start)
	return nil, false, nil
}

// Set writes per the configured strategy.
func (o *Orchestrator) Set(ctx context.Context, key string, value []byte, opts *cache.Options) error {
	if err := cache.ValidateKey(key); err != nil {
		return err
	}
	start := time.Now()
	t1, t2, t3 := o.tierOptions(opts)

	switch o.cfg.Strategy {
	case WriteBehind:
		if err := o.tier1.Set(ctx, key, value, t1); err != nil {
			return err
		}
		o.pendingWrites.Add(1)

		// Propagation detaches from the caller's unit of work: the value
		// and options are captured and the caller's cancellation no longer
		// applies.
		bgCtx := context.WithoutCancel(ctx)
		o.bg.Add(1)
		go o.propagate(bgCtx, key, value, t2, t3)

	default: // write-through
		var wg sync.WaitGroup
		writeTier := func(p cache.Provider, topts *cache.Options) {
			defer wg.Done()
			if err := p.Set(ctx, key, value, topts); err != nil {
				o.logger.Warn("tier write failed", "tier", p.Name(), "key", key, "error", err)
			}
		}
		wg.Add(3)
		go writeTier(o.tier1, t1)
		go writeTier(o.tier2, t2)
		go writeTier(o.tier3, t3)
		wg.Wait()
		o.pendingWrites.Add(1)
	}

	o.record(telemetry.OpWrite, key, "", start)
	return nil
}

// propagate is the write-behind background path. Failures never reach the
// caller; with retry enabled each slow tier gets a bounded number of
// attempts before the write is dropped and logged.
func (o *Orchestrator) propagate(ctx context.Context, key string, value []byte, t2, t3 *cache.Options) {
	defer o.bg.Done()

	write := func(p cache.Provider, opts *cache.Options) {
		op := func(ctx context.Context) error {
			return p.Set(ctx, key, value, opts)
		}
		var err error
		if o.cfg.WriteBehindRetry {
			err = o.retrier.Do(ctx, op)
		} else {
			err = op(ctx)
		}
		if err != nil {
			o.logger.Warn("write-behind propagation dropped", "tier", p.Name(), "key", key, "error", err)
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); write(o.tier2, t2) }()
	go func() { defer wg.Done(); write(o.tier3, t3) }()
	wg.Wait()
}

// Invalidate removes the key from all tiers concurrently, best-effort.
func (o *Orchestrator) Invalidate(ctx context.Context, key string) error {
	if err := cache.ValidateKey(key); err != nil {
		return err
	}
	start := time.Now()

	var wg sync.WaitGroup
	for _, p := range []cache.Provider{o.tier1, o.tier2, o.tier3} {
		wg.Add(1)
		go func(p cache.Provider) {
			defer wg.Done()
			if err := p.Remove(ctx, key); err != nil {
				o.logger.Warn("invalidate failed", "tier", p.Name(), "key", key, "error", err)
			}
		}(p)
	}
	wg.Wait()

	o.record(telemetry.OpInvalidate, key, "", start)
	return nil
}

// InvalidateByTag fans a tag invalidation out to the tag-capable tiers.
// Tier1 has no tag index, so it is cleared wholesale as a conservative
// correctness measure.
func (o *Orchestrator) InvalidateByTag(ctx context.Context, tag string) error {
	if tag == "" {
		return cache.ErrInvalidKey
	}
	start := time.Now()

	if err := o.tier1.Clear(ctx); err != nil {
		o.logger.Warn("tier1 clear failed", "tag", tag, "error", err)
	}

	var wg sync.WaitGroup
	for _, p := range []cache.Provider{o.tier2, o.tier3} {
		ti, ok := p.(cache.TagInvalidator)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(name string, ti cache.TagInvalidator) {
			defer wg.Done()
			if n, err := ti.InvalidateTag(ctx, tag); err != nil {
				o.logger.Warn("tag invalidation failed", "tier", name, "tag", tag, "error", err)
			} else {
				o.logger.Debug("tag invalidated", "tier", name, "tag", tag, "keys", n)
			}
		}(p.Name(), ti)
	}
	wg.Wait()

	o.record(telemetry.OpInvalidate, "tag:"+tag, "", start)
	return nil
}

// GetOrCreate returns the cached value or invokes factory and stores its
// result. Concurrent misses on the same key each invoke the factory: there
// is no cross-caller deduplication, so a stampede under concurrent misses
// is possible.
func (o *Orchestrator) GetOrCreate(ctx context.Context, key string, factory func(ctx context.Context) ([]byte, error), opts *cache.Options) ([]byte, error) {
	if v, ok, err := o.Get(ctx, key); err != nil {
		return nil, err
	} else if ok {
		return v, nil
	}

	v, err := factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("cache factory failed for %q: %w", key, err)
	}
	if err := o.Set(ctx, key, v, opts); err != nil {
		o.logger.Warn("getorcreate store failed", "key", key, "error", err)
	}
	return v, nil
}

// Warmup bulk-reads keys from the persistent tier and pushes hits into the
// faster tiers. Intended for startup and failover; not correctness
// critical.
func (o *Orchestrator) Warmup(ctx context.Context, keys []string) (int, error) {
	found, err := o.tier3.GetMany(ctx, keys)
	if err != nil {
		return 0, err
	}
	if len(found) == 0 {
		return 0, nil
	}

	if err := o.tier1.SetMany(ctx, found, cache.ShortLivedOptions().WithTTL(o.cfg.Tier1TTL)); err != nil {
		o.logger.Warn("warmup tier1 populate failed", "error", err)
	}
	if err := o.tier2.SetMany(ctx, found, cache.DefaultOptions().WithTTL(o.cfg.Tier2TTL)); err != nil {
		o.logger.Warn("warmup tier2 populate failed", "error", err)
	}

	o.logger.Info("warmup completed", "requested", len(keys), "loaded", len(found))
	return len(found), nil
}

// HealthReport probes each tier with a reachability check plus a stats
// snapshot. The aggregate is healthy only if Tier1 is reachable and every
// required slower tier is too.
func (o *Orchestrator) HealthReport(ctx context.Context) *cache.HealthReport {
	report := &cache.HealthReport{CheckedAt: time.Now()}

	probe := func(p cache.Provider, required bool) cache.TierHealth {
		start := time.Now()
		err := p.Ping(ctx)
		h := cache.TierHealth{
			Tier:      p.Name(),
			Connected: err == nil,
			Required:  required,
			Latency:   time.Since(start),
		}
		if err != nil {
			h.Error = err.Error()
			return h
		}
		stats := p.Stats(ctx)
		h.Stats = &stats
		return h
	}

	t1 := probe(o.tier1, true)
	t2 := probe(o.tier2, o.cfg.Tier2Required)
	t3 := probe(o.tier3, o.cfg.Tier3Required)
	report.Tiers = []cache.TierHealth{t1, t2, t3}
	report.Healthy = t1.Connected &&
		(t2.Connected || !o.cfg.Tier2Required) &&
		(t3.Connected || !o.cfg.Tier3Required)
	return report
}

// Stats returns the per-tier statistics snapshots.
func (o *Orchestrator) Stats(ctx context.Context) []cache.Statistics {
	return []cache.Statistics{
		o.tier1.Stats(ctx),
		o.tier2.Stats(ctx),
		o.tier3.Stats(ctx),
	}
}

// Misses returns the count of full-cascade misses.
func (o *Orchestrator) Misses() int64 { return o.misses.Load() }

// PendingWrites returns the writes accumulated since the last drain.
func (o *Orchestrator) PendingWrites() int64 { return o.pendingWrites.Load() }

// DrainPendingWrites resets the pending-write counter and returns the
// drained count. Called by the sync manager at the end of a healthy cycle.
func (o *Orchestrator) DrainPendingWrites() int64 { return o.pendingWrites.Swap(0) }

// Strategy returns the configured write strategy.
func (o *Orchestrator) Strategy() WriteStrategy { return o.cfg.Strategy }

// Close waits for detached write-behind propagations and closes the tiers.
func (o *Orchestrator) Close() error {
	o.bg.Wait()

	var firstErr error
	for _, p := range []cache.Provider{o.tier1, o.tier2, o.tier3} {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (o *Orchestrator) record(op telemetry.Operation, key, tier string, start time.Time) {
	o.recorder.Record(telemetry.Event{
		Operation: op,
		Key:       key,
		Tier:      tier,
		Latency:   time.Since(start),
	})
}
