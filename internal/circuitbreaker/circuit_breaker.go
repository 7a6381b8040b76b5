// Package circuitbreaker provides a lock-free circuit breaker used to
// fence off flapping cache backends. A tier wrapped in a breaker fails
// fast while the backend is down instead of paying a timeout on every
// cascade read.
package circuitbreaker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// ErrOpen is returned when the circuit rejects a call outright.
var ErrOpen = errors.New("circuit breaker open")

// State represents the circuit breaker state.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive failures before the
	// circuit opens.
	FailureThreshold int
	// SuccessThreshold is the number of successes in half-open state
	// before the circuit closes again.
	SuccessThreshold int
	// Timeout is how long the circuit stays open before a probe is allowed.
	Timeout time.Duration
	// OnStateChange is called on every transition.
	OnStateChange func(from, to State)
}

// DefaultConfig returns thresholds suited to a cache backend probe.
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// Breaker implements the circuit breaker pattern with atomic state.
type Breaker struct {
	config *Config

	state           atomic.Int32
	lastFailureTime atomic.Int64 // unix nano

	consecutiveFailures  atomic.Int32
	consecutiveSuccesses atomic.Int32

	totalRejections atomic.Int64
}

// New creates a circuit breaker.
func New(config *Config) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	return &Breaker{config: config}
}

// Execute runs fn under the breaker. A rejected call returns ErrOpen
// without invoking fn.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !b.allow() {
		b.totalRejections.Add(1)
		return ErrOpen
	}

	err := fn(ctx)
	if err != nil {
		b.recordFailure()
	} else {
		b.recordSuccess()
	}
	return err
}

// State returns the current state.
func (b *Breaker) State() State {
	return State(b.state.Load())
}

// Rejections returns the number of calls rejected while open.
func (b *Breaker) Rejections() int64 {
	return b.totalRejections.Load()
}

func (b *Breaker) allow() bool {
	switch b.State() {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		last := b.lastFailureTime.Load()
		if last == 0 || time.Since(time.Unix(0, last)) >= b.config.Timeout {
			b.transition(StateHalfOpen)
			return true
		}
		return false
	default:
		return false
	}
}

func (b *Breaker) recordSuccess() {
	switch b.State() {
	case StateClosed:
		b.consecutiveFailures.Store(0)
	case StateHalfOpen:
		if b.consecutiveSuccesses.Add(1) >= int32(b.config.SuccessThreshold) {
			b.transition(StateClosed)
		}
	case StateOpen:
		// Open state only changes via the timeout probe.
	}
}

func (b *Breaker) recordFailure() {
	b.lastFailureTime.Store(time.Now().UnixNano())

	switch b.State() {
	case StateClosed:
		if b.consecutiveFailures.Add(1) >= int32(b.config.FailureThreshold) {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		// Any failure during the probe reopens the circuit.
		b.transition(StateOpen)
	case StateOpen:
	}
}

func (b *Breaker) transition(to State) {
	from := State(b.state.Swap(int32(to)))
	if from == to {
		return
	}

	switch to {
	case StateClosed:
		b.consecutiveFailures.Store(0)
		b.consecutiveSuccesses.Store(0)
	case StateOpen, StateHalfOpen:
		b.consecutiveSuccesses.Store(0)
	}

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(from, to)
	}
}
