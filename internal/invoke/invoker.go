// Package invoke performs one logical call against the remote tool
// endpoint, composing the circuit breaker, connection pool and retry policy.
// The breaker gates whether a new call sequence starts at all; retries
// happen inside a single sequence, each attempt being one physical request
// on one pooled connection.
package invoke

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"toolprobe/internal/circuit"
	"toolprobe/internal/pool"
	"toolprobe/internal/retry"
	"toolprobe/pkg/logging"
)

// Conn is a pooled connection that can invoke tools on the endpoint.
type Conn interface {
	pool.Conn
	// CallTool performs one physical tool-call request.
	CallTool(ctx context.Context, tool string, args map[string]interface{}) (*mcp.CallToolResult, error)
	// ListTools returns the names of the tools the endpoint exposes.
	ListTools(ctx context.Context) ([]string, error)
}

// Invoker composes the resilience layers into one logical call.
type Invoker struct {
	pool    *pool.Pool[Conn]
	breaker *circuit.Breaker
	policy  retry.Policy
}

// New creates an invoker over the given pool, breaker and retry policy.
func New(p *pool.Pool[Conn], b *circuit.Breaker, policy retry.Policy) *Invoker {
	return &Invoker{
		pool:    p,
		breaker: b,
		policy:  policy,
	}
}

// CallTool performs one logical tool call. If the breaker is open it fails
// fast with circuit.ErrOpen without touching the network. Otherwise it
// acquires a pooled connection, runs the retry loop on it, records the
// final outcome into the breaker and releases the connection on every exit
// path. An authentication-expiry response is surfaced unretried and does
// not count against the breaker; endpoint ill-health and credential expiry
// are different conditions.
func (inv *Invoker) CallTool(ctx context.Context, tool string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	if err := inv.breaker.Allow(); err != nil {
		return nil, err
	}

	pc, err := inv.pool.Acquire(ctx)
	if err != nil {
		inv.breaker.RecordFailure()
		return nil, err
	}
	defer func() {
		if rerr := inv.pool.Release(pc); rerr != nil {
			logging.Error("Invoker", rerr, "Failed to release connection %s", pc.ID())
		}
	}()

	result, err := inv.callWithRetry(ctx, pc.Conn(), tool, args)
	switch {
	case err == nil:
		inv.breaker.RecordSuccess()
	case IsAuthExpired(err):
		// Not an endpoint health signal; leave the breaker untouched.
	default:
		inv.breaker.RecordFailure()
	}
	return result, err
}

// ListTools queries the endpoint for its tool catalogue through the same
// breaker/pool discipline as CallTool, without a retry loop: discovery
// failures surface immediately.
func (inv *Invoker) ListTools(ctx context.Context) ([]string, error) {
	if err := inv.breaker.Allow(); err != nil {
		return nil, err
	}

	pc, err := inv.pool.Acquire(ctx)
	if err != nil {
		inv.breaker.RecordFailure()
		return nil, err
	}
	defer func() {
		if rerr := inv.pool.Release(pc); rerr != nil {
			logging.Error("Invoker", rerr, "Failed to release connection %s", pc.ID())
		}
	}()

	tools, err := pc.Conn().ListTools(ctx)
	err = wrapTransportError(err)
	if err != nil {
		if !IsAuthExpired(err) {
			inv.breaker.RecordFailure()
		}
		return nil, err
	}
	inv.breaker.RecordSuccess()
	return tools, nil
}

// callWithRetry runs the attempt loop on one connection. One attempt is one
// physical request. Terminal errors (including auth expiry) return
// immediately; retryable ones back off per the policy until MaxRetries is
// reached, at which point an ExhaustedError wrapping the last failure is
// returned.
func (inv *Invoker) callWithRetry(ctx context.Context, conn Conn, tool string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	var lastErr error
	for attempt := 1; attempt <= inv.policy.MaxRetries; attempt++ {
		result, err := conn.CallTool(ctx, tool, args)
		if err == nil {
			return result, nil
		}
		err = wrapTransportError(err)
		lastErr = err

		if IsAuthExpired(err) || !inv.policy.Retryable(err) {
			return nil, err
		}
		if attempt == inv.policy.MaxRetries {
			break
		}

		delay := inv.policy.Delay(attempt)
		logging.Debug("Invoker", "Attempt %d/%d for %s failed, retrying in %s: %v",
			attempt, inv.policy.MaxRetries, tool, delay, err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, &retry.ExhaustedError{Attempts: inv.policy.MaxRetries, Err: lastErr}
}
