package syncer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiercache/internal/cache"
	"tiercache/internal/clock"
)

// fakeTarget is a controllable Target. block, when set, makes
// HealthReport wait until release is closed, which lets tests hold a
// cycle open.
type fakeTarget struct {
	mu      sync.Mutex
	healthy bool
	pending int64
	reports atomic.Int64

	block   bool
	release chan struct{}
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{healthy: true, release: make(chan struct{})}
}

func (f *fakeTarget) HealthReport(context.Context) *cache.HealthReport {
	f.reports.Add(1)
	f.mu.Lock()
	block := f.block
	release := f.release
	healthy := f.healthy
	f.mu.Unlock()
	if block {
		<-release
	}

	report := &cache.HealthReport{Healthy: healthy, CheckedAt: time.Now()}
	report.Tiers = []cache.TierHealth{
		{Tier: "memory", Connected: true, Required: true},
		{Tier: "redis", Connected: healthy, Required: true},
		{Tier: "sqlite", Connected: true, Required: false},
	}
	return report
}

func (f *fakeTarget) DrainPendingWrites() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.pending
	f.pending = 0
	return n
}

func (f *fakeTarget) setHealthy(healthy bool) {
	f.mu.Lock()
	f.healthy = healthy
	f.mu.Unlock()
}

func (f *fakeTarget) addPending(n int64) {
	f.mu.Lock()
	f.pending += n
	f.mu.Unlock()
}

type fakeReaper struct {
	reaped atomic.Int64
	rows   int64
}

func (f *fakeReaper) DeleteExpired(context.Context) (int64, error) {
	f.reaped.Add(1)
	return f.rows, nil
}

func waitEvent(t *testing.T, ch <-chan Event, want EventType) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "event channel closed while waiting for %s", want)
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func TestForceSync_HealthyCycle(t *testing.T) {
	target := newFakeTarget()
	target.addPending(7)
	reaper := &fakeReaper{rows: 3}
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	m := New(target, reaper, DefaultConfig(), clk, nil)
	defer m.Close()

	events, cancel := m.Subscribe()
	defer cancel()

	assert.True(t, m.ForceSync(context.Background()))

	started := waitEvent(t, events, EventStarted)
	done := waitEvent(t, events, EventCompleted)
	assert.Equal(t, int64(7), done.ItemsSynced)
	assert.Equal(t, int64(1), reaper.reaped.Load())

	// Both lifecycle events carry the injected clock's time.
	assert.True(t, started.At.Equal(clk.Now()))
	assert.True(t, done.At.Equal(clk.Now()))

	st := m.Status()
	assert.Equal(t, cache.SyncIdle, st.State)
	assert.Equal(t, int64(7), st.PendingWrites)
	assert.Empty(t, st.LastError)
	assert.False(t, st.LastSyncAt.IsZero())
	require.NotNil(t, st.Health)
	assert.True(t, st.Health.Healthy)
}

func TestStatus_ReportsDrainedWrites(t *testing.T) {
	target := newFakeTarget()
	target.addPending(5)
	m := New(target, nil, DefaultConfig(), clock.NewFake(time.Now()), nil)
	defer m.Close()

	assert.True(t, m.ForceSync(context.Background()))
	assert.Equal(t, int64(5), m.Status().PendingWrites)

	// Writes accumulated between cycles show up after the next drain.
	target.addPending(3)
	assert.True(t, m.ForceSync(context.Background()))
	assert.Equal(t, int64(3), m.Status().PendingWrites)
}

func TestForceSync_UnhealthyTierNamedInError(t *testing.T) {
	target := newFakeTarget()
	target.setHealthy(false)
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	m := New(target, nil, DefaultConfig(), clk, nil)
	defer m.Close()

	events, cancel := m.Subscribe()
	defer cancel()

	assert.True(t, m.ForceSync(context.Background()))

	ev := waitEvent(t, events, EventError)
	assert.Contains(t, ev.Error, `"redis"`)
	assert.True(t, ev.At.Equal(clk.Now()))

	st := m.Status()
	assert.Contains(t, st.LastError, "redis")
	assert.Equal(t, cache.SyncIdle, st.State, "error cycles settle back to idle")
}

func TestForceSync_ConcurrentCallIsNoOp(t *testing.T) {
	target := newFakeTarget()
	target.mu.Lock()
	target.block = true
	target.mu.Unlock()
	m := New(target, nil, DefaultConfig(), clock.NewFake(time.Now()), nil)
	defer m.Close()

	firstDone := make(chan bool, 1)
	go func() {
		firstDone <- m.ForceSync(context.Background())
	}()

	// Wait for the first cycle to be inside HealthReport.
	require.Eventually(t, func() bool {
		return target.reports.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)

	// A second trigger while the first holds the cycle lock is a no-op.
	assert.False(t, m.ForceSync(context.Background()))

	close(target.release)
	assert.True(t, <-firstDone)
	assert.Equal(t, int64(1), target.reports.Load())
}

func TestLoop_TickerDrivesCycles(t *testing.T) {
	target := newFakeTarget()
	clk := clock.NewFake(time.Now())
	cfg := DefaultConfig()
	cfg.Interval = time.Minute
	m := New(target, nil, cfg, clk, nil)
	defer m.Close()

	events, cancel := m.Subscribe()
	defer cancel()

	m.Start()

	clk.Advance(time.Minute)
	waitEvent(t, events, EventCompleted)

	clk.Advance(time.Minute)
	waitEvent(t, events, EventCompleted)

	require.Eventually(t, func() bool {
		return target.reports.Load() == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStop_SuppressesFutureCycles(t *testing.T) {
	target := newFakeTarget()
	clk := clock.NewFake(time.Now())
	m := New(target, nil, DefaultConfig(), clk, nil)

	m.Start()
	m.Stop()

	assert.Equal(t, cache.SyncPaused, m.Status().State)

	// Ticks after Stop reach nobody.
	clk.Advance(time.Minute)
	clk.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(0), target.reports.Load())

	// Start again resumes from paused.
	m.Start()
	assert.Equal(t, cache.SyncIdle, m.Status().State)
	m.Close()
}

func TestStart_Idempotent(t *testing.T) {
	target := newFakeTarget()
	clk := clock.NewFake(time.Now())
	m := New(target, nil, DefaultConfig(), clk, nil)
	defer m.Close()

	m.Start()
	m.Start()

	clk.Advance(time.Minute)
	require.Eventually(t, func() bool {
		return target.reports.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(1), target.reports.Load(), "a second Start must not double the cycles")
}

func TestForceSync_AfterStopStaysPaused(t *testing.T) {
	target := newFakeTarget()
	m := New(target, nil, DefaultConfig(), clock.NewFake(time.Now()), nil)

	m.Start()
	m.Stop()

	// Manual cycles still run while stopped but do not flip the state
	// back to idle.
	assert.True(t, m.ForceSync(context.Background()))
	assert.Equal(t, cache.SyncPaused, m.Status().State)
	m.Close()
}

func TestSubscribe_CancelClosesChannel(t *testing.T) {
	target := newFakeTarget()
	m := New(target, nil, DefaultConfig(), clock.NewFake(time.Now()), nil)
	defer m.Close()

	events, cancel := m.Subscribe()
	cancel()

	_, ok := <-events
	assert.False(t, ok)
}

func TestPublish_DropsWhenSubscriberFull(t *testing.T) {
	subs := newSubscribers(1)
	ch, cancel := subs.subscribe()
	defer cancel()

	subs.publish(Event{Type: EventStarted})
	subs.publish(Event{Type: EventCompleted}) // buffer full, dropped

	ev := <-ch
	assert.Equal(t, EventStarted, ev.Type)
	select {
	case ev := <-ch:
		t.Fatalf("expected the overflow event to be dropped, got %s", ev.Type)
	default:
	}
}

func TestEvents_CarryIDAndTimestamp(t *testing.T) {
	subs := newSubscribers(4)
	ch, cancel := subs.subscribe()
	defer cancel()

	subs.publish(Event{Type: EventCompleted})
	ev := <-ch
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.At.IsZero())
}
