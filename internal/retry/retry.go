// Package retry computes backoff delay sequences and classifies errors as
// retryable or terminal. It is purely computational: the retry loop itself
// lives in the invoke package, which owns the connection an attempt runs on.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"time"
)

// Default policy parameters. A zero Policy is not usable; call DefaultPolicy
// or fill in every field.
const (
	DefaultMaxRetries     = 5
	DefaultInitialBackoff = 1 * time.Second
	DefaultBackoffFactor  = 2.0
	DefaultMaxBackoff     = 60 * time.Second
)

// DefaultRetryableStatuses is the set of endpoint status codes that are
// worth retrying. 530 is the vendor tunnel-unreachable code seen when the
// endpoint sits behind an unavailable tunnel.
var DefaultRetryableStatuses = []int{500, 502, 503, 504, 530}

// Policy describes how many attempts a call gets and how long to wait
// between them.
type Policy struct {
	// MaxRetries bounds the total number of attempts (not the number of
	// re-attempts after the first).
	MaxRetries int
	// InitialBackoff is the delay after the first failed attempt.
	InitialBackoff time.Duration
	// BackoffFactor is the multiplier applied per subsequent attempt.
	BackoffFactor float64
	// MaxBackoff caps the computed delay.
	MaxBackoff time.Duration
	// RetryableStatuses is the set of status codes that permit a retry.
	RetryableStatuses map[int]bool
}

// DefaultPolicy returns the policy used when the caller supplies nothing.
func DefaultPolicy() Policy {
	return NewPolicy(DefaultMaxRetries, DefaultInitialBackoff, DefaultBackoffFactor, DefaultMaxBackoff, DefaultRetryableStatuses)
}

// NewPolicy builds a Policy from explicit parameters. Non-positive values
// fall back to the documented defaults so a partially filled configuration
// still yields a usable policy.
func NewPolicy(maxRetries int, initial time.Duration, factor float64, max time.Duration, statuses []int) Policy {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if initial <= 0 {
		initial = DefaultInitialBackoff
	}
	if factor <= 0 {
		factor = DefaultBackoffFactor
	}
	if max <= 0 {
		max = DefaultMaxBackoff
	}
	if len(statuses) == 0 {
		statuses = DefaultRetryableStatuses
	}
	set := make(map[int]bool, len(statuses))
	for _, code := range statuses {
		set[code] = true
	}
	return Policy{
		MaxRetries:        maxRetries,
		InitialBackoff:    initial,
		BackoffFactor:     factor,
		MaxBackoff:        max,
		RetryableStatuses: set,
	}
}

// Delay returns the backoff delay after the given 1-based attempt:
// min(initial * factor^(attempt-1), max).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialBackoff) * math.Pow(p.BackoffFactor, float64(attempt-1))
	if d > float64(p.MaxBackoff) || math.IsInf(d, 1) {
		return p.MaxBackoff
	}
	return time.Duration(d)
}

// StatusCoder is implemented by errors that carry an endpoint status code.
// The transport layer wraps failed responses in such errors so the policy
// can classify them without depending on the transport package.
type StatusCoder interface {
	StatusCode() int
}

// Retryable reports whether the error permits another attempt. Retryable
// errors are the configured status codes plus connection and timeout
// failures. Everything else, including authentication expiry, is terminal.
func (p Policy) Retryable(err error) bool {
	if err == nil {
		return false
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		return p.RetryableStatuses[sc.StatusCode()]
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// ExhaustedError is returned when every permitted attempt has failed. It
// wraps the last underlying failure so callers can still match on it, while
// remaining distinguishable from a terminal single-attempt error such as an
// expired credential.
type ExhaustedError struct {
	// Attempts is the number of attempts actually performed.
	Attempts int
	// Err is the last underlying failure.
	Err error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all %d attempts failed, last error: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// IsExhausted reports whether the error is a retries-exhausted error.
func IsExhausted(err error) bool {
	var ee *ExhaustedError
	return errors.As(err, &ee)
}
