package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"
)

type statusErr struct {
	code int
}

func (e *statusErr) Error() string   { return fmt.Sprintf("status %d", e.code) }
func (e *statusErr) StatusCode() int { return e.code }

func TestPolicy_Delay(t *testing.T) {
	policy := NewPolicy(5, 1*time.Second, 2.0, 60*time.Second, nil)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 32 * time.Second},
		{7, 60 * time.Second},
		{8, 60 * time.Second},
		{100, 60 * time.Second},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt %d", tt.attempt), func(t *testing.T) {
			if got := policy.Delay(tt.attempt); got != tt.want {
				t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestPolicy_Delay_InvalidAttempt(t *testing.T) {
	policy := DefaultPolicy()
	if got := policy.Delay(0); got != DefaultInitialBackoff {
		t.Errorf("Delay(0) = %v, want %v", got, DefaultInitialBackoff)
	}
	if got := policy.Delay(-3); got != DefaultInitialBackoff {
		t.Errorf("Delay(-3) = %v, want %v", got, DefaultInitialBackoff)
	}
}

func TestNewPolicy_Defaults(t *testing.T) {
	policy := NewPolicy(0, 0, 0, 0, nil)

	if policy.MaxRetries != DefaultMaxRetries {
		t.Errorf("MaxRetries = %d, want %d", policy.MaxRetries, DefaultMaxRetries)
	}
	if policy.InitialBackoff != DefaultInitialBackoff {
		t.Errorf("InitialBackoff = %v, want %v", policy.InitialBackoff, DefaultInitialBackoff)
	}
	if policy.BackoffFactor != DefaultBackoffFactor {
		t.Errorf("BackoffFactor = %v, want %v", policy.BackoffFactor, DefaultBackoffFactor)
	}
	if policy.MaxBackoff != DefaultMaxBackoff {
		t.Errorf("MaxBackoff = %v, want %v", policy.MaxBackoff, DefaultMaxBackoff)
	}
	for _, code := range DefaultRetryableStatuses {
		if !policy.RetryableStatuses[code] {
			t.Errorf("default status %d should be retryable", code)
		}
	}
}

func TestPolicy_Retryable(t *testing.T) {
	policy := DefaultPolicy()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"status 500", &statusErr{500}, true},
		{"status 502", &statusErr{502}, true},
		{"status 503", &statusErr{503}, true},
		{"status 504", &statusErr{504}, true},
		{"status 530 tunnel unreachable", &statusErr{530}, true},
		{"status 400", &statusErr{400}, false},
		{"status 401 auth expired", &statusErr{401}, false},
		{"status 404", &statusErr{404}, false},
		{"wrapped status 503", fmt.Errorf("call failed: %w", &statusErr{503}), true},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"net op error", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, true},
		{"plain error", errors.New("assertion failed"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := policy.Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestPolicy_Retryable_CustomStatuses(t *testing.T) {
	policy := NewPolicy(3, time.Millisecond, 2.0, time.Second, []int{429})

	if !policy.Retryable(&statusErr{429}) {
		t.Error("configured status 429 should be retryable")
	}
	if policy.Retryable(&statusErr{503}) {
		t.Error("unconfigured status 503 should not be retryable")
	}
}

func TestExhaustedError(t *testing.T) {
	underlying := &statusErr{503}
	err := &ExhaustedError{Attempts: 5, Err: underlying}

	if !IsExhausted(err) {
		t.Error("IsExhausted should match an ExhaustedError")
	}
	if IsExhausted(underlying) {
		t.Error("IsExhausted should not match the bare underlying error")
	}

	var se *statusErr
	if !errors.As(err, &se) {
		t.Fatal("ExhaustedError should wrap the last underlying failure")
	}
	if se.code != 503 {
		t.Errorf("wrapped status = %d, want 503", se.code)
	}

	wrapped := fmt.Errorf("call: %w", err)
	if !IsExhausted(wrapped) {
		t.Error("IsExhausted should match through wrapping")
	}
}
