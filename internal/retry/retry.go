// Package retry provides bounded retries with exponential backoff and
// jitter. The cache engine uses it for the optional write-behind
// propagation retry; nothing in the engine retries unboundedly.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts     int           // maximum attempts, must be >= 1
	InitialDelay    time.Duration // delay before the second attempt
	MaxDelay        time.Duration // backoff ceiling
	Multiplier      float64       // backoff multiplier
	RandomizeFactor float64       // jitter factor in [0,1]
}

// DefaultConfig returns a conservative three-attempt policy.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:     3,
		InitialDelay:    100 * time.Millisecond,
		MaxDelay:        5 * time.Second,
		Multiplier:      2.0,
		RandomizeFactor: 0.1,
	}
}

// Operation is a retryable unit of work.
type Operation func(ctx context.Context) error

// Retrier executes operations under a Config.
type Retrier struct {
	config *Config
}

// New creates a retrier, normalizing out-of-range config values.
func New(config *Config) *Retrier {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	if config.Multiplier < 1 {
		config.Multiplier = 1
	}
	if config.RandomizeFactor < 0 {
		config.RandomizeFactor = 0
	} else if config.RandomizeFactor > 1 {
		config.RandomizeFactor = 1
	}
	return &Retrier{config: config}
}

// Do executes op until it succeeds, attempts are exhausted, or the context
// ends. The returned error is the last attempt's error.
func (r *Retrier) Do(ctx context.Context, op Operation) error {
	delay := r.config.InitialDelay

	var lastErr error
	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry aborted: %w", err)
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == r.config.MaxAttempts {
			break
		}

		select {
		case <-time.After(r.jitter(delay)):
			delay = r.next(delay)
		case <-ctx.Done():
			return fmt.Errorf("retry aborted during backoff: %w", ctx.Err())
		}
	}
	return lastErr
}

func (r *Retrier) jitter(delay time.Duration) time.Duration {
	if r.config.RandomizeFactor == 0 {
		return delay
	}
	delta := float64(delay) * r.config.RandomizeFactor
	return time.Duration(float64(delay) - delta + rand.Float64()*2*delta)
}

func (r *Retrier) next(delay time.Duration) time.Duration {
	n := time.Duration(float64(delay) * r.config.Multiplier)
	if n > r.config.MaxDelay {
		return r.config.MaxDelay
	}
	return n
}
