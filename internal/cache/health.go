package cache

import "time"

// TierHealth is a point-in-time probe result for one tier.
type TierHealth struct {
	Tier      string        `json:"tier"`
	Connected bool          `json:"connected"`
	Required  bool          `json:"required"`
	Latency   time.Duration `json:"latency"`
	Stats     *Statistics   `json:"stats,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// HealthReport aggregates tier probes. It is constructed fresh on every
// health check and never cached.
type HealthReport struct {
	Healthy   bool         `json:"healthy"`
	CheckedAt time.Time    `json:"checked_at"`
	Tiers     []TierHealth `json:"tiers"`
}

// FirstUnhealthyRequired returns the name of the first unreachable tier that
// is marked required, or "" when all required tiers are reachable.
func (r *HealthReport) FirstUnhealthyRequired() string {
	for _, t := range r.Tiers {
		if t.Required && !t.Connected {
			return t.Tier
		}
	}
	return ""
}

// SyncState is the sync manager's lifecycle state.
type SyncState string

const (
	SyncIdle    SyncState = "idle"
	SyncRunning SyncState = "syncing"
	SyncError   SyncState = "error"
	SyncPaused  SyncState = "paused"
)

// SyncStatus combines the current sync state with the latest cycle results.
// Mutated only by the sync manager's own cycle and explicit force-sync
// calls; read concurrently by any number of callers.
type SyncStatus struct {
	State         SyncState     `json:"state"`
	LastSyncAt    time.Time     `json:"last_sync_at,omitempty"`
	LastCycleTime time.Duration `json:"last_cycle_time,omitempty"`
	// PendingWrites is the number of writes the last healthy cycle drained.
	PendingWrites int64         `json:"pending_writes"`
	LastError     string        `json:"last_error,omitempty"`
	Health        *HealthReport `json:"health,omitempty"`
}
