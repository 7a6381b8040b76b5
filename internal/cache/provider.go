// Package cache defines the provider contract and shared types for the
// multi-tier cache engine. Each tier implements Provider independently;
// the orchestrator composes them behind the same operations.
package cache

import (
	"context"
	"errors"
)

// Caller-misuse errors. These are the only errors a provider is allowed to
// surface to callers; backend failures are absorbed and recorded as
// statistics instead.
var (
	// ErrInvalidKey is returned when an empty key is supplied.
	ErrInvalidKey = errors.New("cache: invalid key")
	// ErrClosed is returned when an operation is issued against a closed provider.
	ErrClosed = errors.New("cache: provider closed")
)

// Provider is the uniform per-tier cache contract.
//
// Get returns (nil, false, nil) on miss, on expiry, and on backend failure:
// providers fail closed so the orchestrator can fall through to the next
// tier. Set swallows backend connection failures after recording them.
// Only caller misuse (ErrInvalidKey, ErrClosed) is surfaced as an error.
type Provider interface {
	// Name identifies the tier ("memory", "redis", "sqlite").
	Name() string

	// Get returns the stored value for key, or found=false on miss/expiry.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// Set upserts key with the given value and options.
	Set(ctx context.Context, key string, value []byte, opts *Options) error

	// Exists reports whether a non-expired entry is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Remove deletes key; absence is not an error.
	Remove(ctx context.Context, key string) error

	// Clear removes every entry owned by this provider.
	Clear(ctx context.Context) error

	// GetMany returns the found subset of keys. Hit/miss counters are
	// updated per key even when the backend lacks native batch support.
	GetMany(ctx context.Context, keys []string) (map[string][]byte, error)

	// SetMany upserts all entries with shared options.
	SetMany(ctx context.Context, entries map[string][]byte, opts *Options) error

	// Stats returns accumulated counters. Never fails: an unreachable
	// backend yields zeroed fields.
	Stats(ctx context.Context) Statistics

	// Ping probes backend reachability.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// TagInvalidator is the capability interface for tag-scoped invalidation.
// Tiers with a tag index (redis, sqlite) implement it; the in-process tier
// does not. Callers discover the capability via type assertion.
type TagInvalidator interface {
	// InvalidateTag removes every entry carrying the given tag and returns
	// the number of entries removed.
	InvalidateTag(ctx context.Context, tag string) (int, error)
}

// ValidateKey rejects keys that providers cannot store.
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	return nil
}
