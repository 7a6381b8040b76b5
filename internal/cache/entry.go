package cache

import "time"

// Priority orders entries for eviction. Lower priorities are evicted first;
// PriorityNeverRemove entries survive size-pressure eviction (they still
// expire).
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityNeverRemove
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityNeverRemove:
		return "never-remove"
	default:
		return "unknown"
	}
}

// ParsePriority maps a stored priority name back to a Priority.
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "never-remove":
		return PriorityNeverRemove
	default:
		return PriorityNormal
	}
}

// Entry is the conceptual cache record. Tiers materialize it differently
// (in-memory struct, redis value + TTL, sqlite row) but share this shape.
type Entry struct {
	Key               string        `json:"key"`
	Value             []byte        `json:"value"`
	CreatedAt         time.Time     `json:"created_at"`
	LastAccess        time.Time     `json:"last_access"`
	ExpiresAt         time.Time     `json:"expires_at,omitempty"` // zero = no absolute expiry
	SlidingExpiration time.Duration `json:"sliding_expiration,omitempty"`
	Priority          Priority      `json:"priority"`
	Tags              []string      `json:"tags,omitempty"`
	Size              int64         `json:"size"`
}

// Expired reports whether the entry is past its absolute expiration.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Touch records an access and, when a sliding expiration is set, pushes the
// absolute expiration forward from now.
func (e *Entry) Touch(now time.Time) {
	e.LastAccess = now
	if e.SlidingExpiration > 0 {
		e.ExpiresAt = now.Add(e.SlidingExpiration)
	}
}
