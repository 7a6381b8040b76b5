// Package syncer runs the recurring background cycle that re-checks
// orchestrator health, drains the pending-write counter, reaps expired
// persistent rows, and emits lifecycle events for supervising code.
package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tiercache/internal/cache"
	"tiercache/internal/clock"
	"tiercache/internal/logging"
)

// Target is the orchestrator surface the sync cycle needs.
type Target interface {
	HealthReport(ctx context.Context) *cache.HealthReport
	DrainPendingWrites() int64
}

// Reaper deletes expired rows from the persistent tier. Optional: when
// nil, the cycle skips the reap step.
type Reaper interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// Config holds sync manager settings.
type Config struct {
	// Interval is the recurring cycle cadence.
	Interval time.Duration `json:"interval" yaml:"interval"`
	// CycleTimeout bounds one cycle's probes.
	CycleTimeout time.Duration `json:"cycle_timeout" yaml:"cycle_timeout"`
	// EventBuffer is the per-subscriber event channel size.
	EventBuffer int `json:"event_buffer" yaml:"event_buffer"`
}

// DefaultConfig returns the default sync cadence.
func DefaultConfig() Config {
	return Config{
		Interval:     time.Minute,
		CycleTimeout: 30 * time.Second,
		EventBuffer:  64,
	}
}

// Manager owns only its own counters and timer state.
type Manager struct {
	target Target
	reaper Reaper
	cfg    Config
	clk    clock.Clock
	logger logging.Logger
	events *subscribers

	// cycleMu is the single serialization point: one sync cycle at a
	// time. A cycle already in progress causes ForceSync to no-op rather
	// than queue.
	cycleMu sync.Mutex

	mu      sync.RWMutex
	status  cache.SyncStatus
	running bool
	paused  bool
	stop    chan struct{}
	done    chan struct{}
}

// New creates a sync manager. reaper may be nil.
func New(target Target, reaper Reaper, cfg Config, clk clock.Clock, logger logging.Logger) *Manager {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = def.CycleTimeout
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}

	return &Manager{
		target: target,
		reaper: reaper,
		cfg:    cfg,
		clk:    clk,
		logger: logger.WithComponent("cache.syncer"),
		events: newSubscribers(cfg.EventBuffer),
		status: cache.SyncStatus{State: cache.SyncIdle},
	}
}

// Subscribe registers a lifecycle event listener.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	return m.events.subscribe()
}

// Start arms the recurring cycle. Idempotent if already running.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.paused = false
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	if m.status.State == cache.SyncPaused {
		m.status.State = cache.SyncIdle
	}
	stop, done := m.stop, m.done
	m.mu.Unlock()

	// The ticker is armed here, not in the loop goroutine, so the cadence
	// is in place the moment Start returns.
	ticker := m.clk.NewTicker(m.cfg.Interval)
	go m.loop(ticker, stop, done)
	m.logger.Info("sync manager started", "interval", m.cfg.Interval.String())
}

// Stop disarms the recurring cycle. An in-flight cycle is not cancelled,
// only future ones are suppressed.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.paused = true
	close(m.stop)
	done := m.done
	m.status.State = cache.SyncPaused
	m.mu.Unlock()

	<-done
	m.logger.Info("sync manager stopped")
}

// ForceSync triggers one cycle immediately, independent of the timer.
// Returns false without doing anything when a cycle is already in
// progress.
func (m *Manager) ForceSync(ctx context.Context) bool {
	if !m.cycleMu.TryLock() {
		return false
	}
	defer m.cycleMu.Unlock()

	m.cycle(ctx)
	return true
}

// Status returns a copy of the current sync status.
func (m *Manager) Status() cache.SyncStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Close stops the loop and tears down subscriber channels.
func (m *Manager) Close() {
	m.Stop()
	m.events.closeAll()
}

func (m *Manager) loop(ticker clock.Ticker, stop, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			if m.cycleMu.TryLock() {
				m.cycle(context.Background())
				m.cycleMu.Unlock()
			}
		case <-stop:
			return
		}
	}
}

// cycle is the body of one sync pass. Caller holds cycleMu. Probe panics
// and errors are converted into a sync-error event; they never crash the
// manager or stop future cycles.
func (m *Manager) cycle(ctx context.Context) {
	start := m.clk.Now()
	ctx, cancel := context.WithTimeout(ctx, m.cfg.CycleTimeout)
	defer cancel()

	m.setState(cache.SyncRunning, "")
	m.events.publish(Event{Type: EventStarted, At: start})

	defer func() {
		if r := recover(); r != nil {
			m.failCycle(fmt.Sprintf("sync cycle panic: %v", r))
		}
	}()

	report := m.target.HealthReport(ctx)
	if !report.Healthy {
		tier := report.FirstUnhealthyRequired()
		msg := fmt.Sprintf("required tier %q unreachable", tier)
		m.mu.Lock()
		m.status.Health = report
		m.mu.Unlock()
		m.failCycle(msg)
		return
	}

	// Healthy: no data movement beyond draining counters and reaping the
	// persistent tier.
	synced := m.target.DrainPendingWrites()

	if m.reaper != nil {
		if n, err := m.reaper.DeleteExpired(ctx); err != nil {
			m.logger.Warn("expired-row reap failed", "error", err)
		} else if n > 0 {
			m.logger.Debug("expired rows reaped", "rows", n)
		}
	}

	duration := m.clk.Now().Sub(start)

	m.mu.Lock()
	if m.paused {
		m.status.State = cache.SyncPaused
	} else {
		m.status.State = cache.SyncIdle
	}
	m.status.LastSyncAt = m.clk.Now()
	m.status.LastCycleTime = duration
	m.status.PendingWrites = synced
	m.status.LastError = ""
	m.status.Health = report
	m.mu.Unlock()

	m.events.publish(Event{
		Type:        EventCompleted,
		At:          m.clk.Now(),
		ItemsSynced: synced,
		Duration:    duration,
	})
	m.logger.Debug("sync cycle completed", "items_synced", synced, "duration", duration.String())
}

// failCycle records an error state, emits the error event, and settles
// back to idle so the next cycle can run.
func (m *Manager) failCycle(msg string) {
	m.setState(cache.SyncError, msg)
	m.events.publish(Event{Type: EventError, At: m.clk.Now(), Error: msg})
	m.logger.Error("sync cycle failed", "error", msg)
	m.setState(cache.SyncIdle, msg)
}

func (m *Manager) setState(state cache.SyncState, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// A stopped manager stays paused; cycles still run to completion but
	// do not resurrect the running state.
	if m.paused && state == cache.SyncIdle {
		if errMsg != "" {
			m.status.LastError = errMsg
		}
		return
	}
	m.status.State = state
	if errMsg != "" {
		m.status.LastError = errMsg
	}
}
