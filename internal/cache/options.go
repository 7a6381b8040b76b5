package cache

import "time"

// Options is the immutable write-time policy attached to an entry.
// AbsoluteTTL takes precedence over SlidingExpiration when both are set.
type Options struct {
	AbsoluteTTL       time.Duration `json:"absolute_ttl,omitempty"`
	SlidingExpiration time.Duration `json:"sliding_expiration,omitempty"`
	Priority          Priority      `json:"priority"`
	Tags              []string      `json:"tags,omitempty"`
}

// Lifetime presets. The orchestrator may still override the absolute TTL
// per tier.
func ShortLivedOptions() *Options {
	return &Options{AbsoluteTTL: 30 * time.Second, Priority: PriorityNormal}
}

func DefaultOptions() *Options {
	return &Options{AbsoluteTTL: 15 * time.Minute, Priority: PriorityNormal}
}

func LongLivedOptions() *Options {
	return &Options{AbsoluteTTL: 24 * time.Hour, Priority: PriorityHigh}
}

// EffectiveTTL resolves the duration an entry should live from now.
// Absolute wins over sliding; zero means no expiry.
func (o *Options) EffectiveTTL() time.Duration {
	if o == nil {
		return 0
	}
	if o.AbsoluteTTL > 0 {
		return o.AbsoluteTTL
	}
	return o.SlidingExpiration
}

// WithTTL returns a copy with the absolute TTL replaced. Used by the
// orchestrator to derive per-tier expirations without mutating the
// caller's options.
func (o *Options) WithTTL(ttl time.Duration) *Options {
	c := o.clone()
	c.AbsoluteTTL = ttl
	return c
}

func (o *Options) clone() *Options {
	if o == nil {
		return &Options{Priority: PriorityNormal}
	}
	c := *o
	if len(o.Tags) > 0 {
		c.Tags = append([]string(nil), o.Tags...)
	}
	return &c
}

// NewEntry materializes an Entry from a value and options.
func NewEntry(key string, value []byte, opts *Options, now time.Time) *Entry {
	if opts == nil {
		opts = DefaultOptions()
	}
	e := &Entry{
		Key:               key,
		Value:             value,
		CreatedAt:         now,
		LastAccess:        now,
		SlidingExpiration: opts.SlidingExpiration,
		Priority:          opts.Priority,
		Size:              int64(len(value)),
	}
	if len(opts.Tags) > 0 {
		e.Tags = append([]string(nil), opts.Tags...)
	}
	if ttl := opts.EffectiveTTL(); ttl > 0 {
		e.ExpiresAt = now.Add(ttl)
	}
	return e
}
