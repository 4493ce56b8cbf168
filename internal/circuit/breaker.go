// Package circuit implements a per-endpoint circuit breaker. The breaker
// gates whether a new call sequence may start at all; it is independent of
// the retry loop that runs inside a single call sequence.
package circuit

import (
	"errors"
	"sync"
	"time"
)

// State describes the breaker state machine.
type State string

const (
	// StateClosed lets calls pass through while counting failures.
	StateClosed State = "closed"
	// StateOpen rejects calls immediately.
	StateOpen State = "open"
	// StateHalfOpen allows a single probe call after the recovery timeout.
	StateHalfOpen State = "half-open"
)

// Default breaker parameters.
const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 30 * time.Second
)

// ErrOpen is returned by Allow when the breaker rejects a call without any
// network attempt. Callers can match it with errors.Is to short-circuit
// instead of waiting out a retry loop.
var ErrOpen = errors.New("circuit breaker is open")

// Config holds the breaker parameters.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker.
	FailureThreshold int
	// RecoveryTimeout is how long the breaker stays open before allowing
	// a probe call.
	RecoveryTimeout time.Duration
}

// DefaultConfig returns the zero-configuration breaker parameters.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: DefaultFailureThreshold,
		RecoveryTimeout:  DefaultRecoveryTimeout,
	}
}

// Breaker is a mutex-protected circuit breaker shared by all workers
// calling one endpoint.
type Breaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	probing     bool
	config      Config

	// now is replaceable for tests.
	now func() time.Time
}

// New creates a closed breaker. Non-positive config values fall back to
// defaults.
func New(config Config) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultFailureThreshold
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = DefaultRecoveryTimeout
	}
	return &Breaker{
		state:  StateClosed,
		config: config,
		now:    time.Now,
	}
}

// Allow reports whether a new call sequence may start. In the open state it
// returns ErrOpen until the recovery timeout has elapsed, at which point the
// breaker transitions to half-open and admits one probe call. While that
// probe is in flight every other caller gets ErrOpen; the next outcome
// recorded decides whether the breaker closes or reopens.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if b.probing {
			return ErrOpen
		}
		b.probing = true
		return nil
	case StateOpen:
		if b.now().Sub(b.lastFailure) >= b.config.RecoveryTimeout {
			b.state = StateHalfOpen
			b.probing = true
			return nil
		}
		return ErrOpen
	default:
		return nil
	}
}

// RecordSuccess records a successful call sequence. In the closed state it
// resets the consecutive-failure counter; in half-open it closes the
// breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.state = StateClosed
	b.probing = false
}

// RecordFailure records a failed call sequence. Reaching the failure
// threshold in the closed state opens the breaker; a failed probe in
// half-open reopens it and restarts the recovery timer.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()
	b.probing = false

	switch b.state {
	case StateClosed:
		if b.failures >= b.config.FailureThreshold {
			b.state = StateOpen
		}
	case StateHalfOpen:
		b.state = StateOpen
	}
}

// State returns the stored state. An open breaker whose recovery timeout has
// elapsed still reports open here; the open to half-open transition happens
// in Allow.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive-failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
