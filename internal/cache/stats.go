package cache

import (
	"sync/atomic"
	"time"
)

// Statistics is the per-tier counter snapshot. Counters accumulate for the
// lifetime of the provider instance; there is no reset operation.
type Statistics struct {
	Tier       string    `json:"tier"`
	Items      int64     `json:"items"`
	SizeBytes  int64     `json:"size_bytes"`
	Hits       int64     `json:"hits"`
	Misses     int64     `json:"misses"`
	Sets       int64     `json:"sets"`
	Deletes    int64     `json:"deletes"`
	Evictions  int64     `json:"evictions"`
	Errors     int64     `json:"errors"`
	HitRate    float64   `json:"hit_rate"`
	LastAccess time.Time `json:"last_access,omitempty"`
}

// Counters holds lock-free provider counters. Providers embed one and
// snapshot it from Stats.
type Counters struct {
	hits       atomic.Int64
	misses     atomic.Int64
	sets       atomic.Int64
	deletes    atomic.Int64
	evictions  atomic.Int64
	errors     atomic.Int64
	lastAccess atomic.Int64 // unix nano, 0 = never
}

func (c *Counters) Hit() {
	c.hits.Add(1)
	c.lastAccess.Store(time.Now().UnixNano())
}

func (c *Counters) Miss() {
	c.misses.Add(1)
	c.lastAccess.Store(time.Now().UnixNano())
}

func (c *Counters) Set()            { c.sets.Add(1) }
func (c *Counters) Delete()         { c.deletes.Add(1) }
func (c *Counters) Evict(n int64)   { c.evictions.Add(n) }
func (c *Counters) Error()          { c.errors.Add(1) }
func (c *Counters) Hits() int64     { return c.hits.Load() }
func (c *Counters) Misses() int64   { return c.misses.Load() }

// Snapshot fills the counter fields of a Statistics value.
func (c *Counters) Snapshot(tier string) Statistics {
	s := Statistics{
		Tier:      tier,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Sets:      c.sets.Load(),
		Deletes:   c.deletes.Load(),
		Evictions: c.evictions.Load(),
		Errors:    c.errors.Load(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	if ns := c.lastAccess.Load(); ns > 0 {
		s.LastAccess = time.Unix(0, ns)
	}
	return s
}
