// Package pool provides a bounded pool of reusable endpoint connections.
// Connections are health-checked on acquire and transparently replaced when
// unhealthy. A checkout/return discipline is enforced: releasing a
// connection that is not checked out is a programming error and is reported
// as such rather than corrupting the pool.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"toolprobe/pkg/logging"
)

// Common errors returned by the pool.
var (
	// ErrClosed is returned when an operation is attempted on a closed pool.
	ErrClosed = errors.New("connection pool is closed")

	// ErrNotCheckedOut is returned when a connection is released twice or
	// was never acquired from this pool.
	ErrNotCheckedOut = errors.New("connection is not checked out from this pool")
)

// Default pool sizing.
const (
	DefaultMinConnections = 1
	DefaultMaxConnections = 8
)

// Conn is one reusable connection to the endpoint under test.
type Conn interface {
	// Ping verifies the connection is still usable.
	Ping(ctx context.Context) error
	// Close releases the underlying transport.
	Close() error
}

// Factory creates a new connection.
type Factory[C Conn] func(ctx context.Context) (C, error)

// Config holds pool sizing parameters.
type Config struct {
	// MinConnections is the number of connections pre-warmed at startup.
	MinConnections int
	// MaxConnections bounds the number of connections that can exist,
	// checked out or idle. Acquire blocks when the bound is reached and
	// everything is checked out.
	MaxConnections int
}

// DefaultConfig returns the zero-configuration pool sizing.
func DefaultConfig() Config {
	return Config{
		MinConnections: DefaultMinConnections,
		MaxConnections: DefaultMaxConnections,
	}
}

// Pooled wraps a connection with pool bookkeeping.
type Pooled[C Conn] struct {
	id        string
	conn      C
	createdAt time.Time
	lastUsed  time.Time
	requests  int64
}

// ID returns the pool-assigned connection identifier.
func (p *Pooled[C]) ID() string { return p.id }

// Conn returns the underlying connection.
func (p *Pooled[C]) Conn() C { return p.conn }

// CreatedAt returns when the connection was created.
func (p *Pooled[C]) CreatedAt() time.Time { return p.createdAt }

// Requests returns how many times the connection has been checked out.
func (p *Pooled[C]) Requests() int64 { return p.requests }

// Pool is a bounded, thread-safe connection pool.
type Pool[C Conn] struct {
	factory Factory[C]
	config  Config

	// slots is a counting semaphore sized to MaxConnections. Holding a
	// slot entitles the holder to exactly one connection.
	slots chan struct{}

	mu         sync.Mutex
	idle       []*Pooled[C]
	checkedOut map[string]*Pooled[C]
	closed     bool

	reconnects atomic.Int64
}

// New creates a pool and pre-warms MinConnections connections. A pre-warm
// failure is not fatal: the pool starts smaller and creates connections
// lazily on demand.
func New[C Conn](ctx context.Context, config Config, factory Factory[C]) (*Pool[C], error) {
	if config.MaxConnections <= 0 {
		config.MaxConnections = DefaultMaxConnections
	}
	if config.MinConnections < 0 {
		config.MinConnections = 0
	}
	if config.MinConnections > config.MaxConnections {
		config.MinConnections = config.MaxConnections
	}
	if factory == nil {
		return nil, fmt.Errorf("connection factory must not be nil")
	}

	p := &Pool[C]{
		factory:    factory,
		config:     config,
		slots:      make(chan struct{}, config.MaxConnections),
		checkedOut: make(map[string]*Pooled[C]),
	}
	for i := 0; i < config.MaxConnections; i++ {
		p.slots <- struct{}{}
	}

	for i := 0; i < config.MinConnections; i++ {
		conn, err := factory(ctx)
		if err != nil {
			logging.Warn("Pool", "Pre-warm connection %d/%d failed: %v", i+1, config.MinConnections, err)
			break
		}
		p.idle = append(p.idle, newPooled(conn))
	}

	return p, nil
}

func newPooled[C Conn](conn C) *Pooled[C] {
	now := time.Now()
	return &Pooled[C]{
		id:        uuid.NewString(),
		conn:      conn,
		createdAt: now,
		lastUsed:  now,
	}
}

// Acquire returns a healthy connection, blocking while the pool is at
// MaxConnections with everything checked out. An idle connection that fails
// its health check is closed and replaced transparently.
func (p *Pool[C]) Acquire(ctx context.Context) (*Pooled[C], error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case _, ok := <-p.slots:
		if !ok {
			return nil, ErrClosed
		}
	}

	pc, err := p.takeOrCreate(ctx)
	if err != nil {
		p.returnSlot()
		return nil, err
	}

	pc.requests++
	pc.lastUsed = time.Now()
	return pc, nil
}

// takeOrCreate pops an idle healthy connection or creates a new one. The
// slot held by the caller guarantees the pool stays within MaxConnections.
func (p *Pool[C]) takeOrCreate(ctx context.Context) (*Pooled[C], error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}
		var pc *Pooled[C]
		if n := len(p.idle); n > 0 {
			pc = p.idle[n-1]
			p.idle = p.idle[:n-1]
		}
		p.mu.Unlock()

		if pc == nil {
			conn, err := p.factory(ctx)
			if err != nil {
				return nil, fmt.Errorf("failed to create connection: %w", err)
			}
			pc = newPooled(conn)
			p.checkOut(pc)
			return pc, nil
		}

		if err := pc.conn.Ping(ctx); err != nil {
			// Unhealthy: close it and reconnect in its place.
			logging.Debug("Pool", "Connection %s unhealthy, reconnecting: %v", pc.id, err)
			_ = pc.conn.Close()
			conn, ferr := p.factory(ctx)
			if ferr != nil {
				return nil, fmt.Errorf("failed to reconnect: %w", ferr)
			}
			p.reconnects.Add(1)
			pc = newPooled(conn)
		}

		p.checkOut(pc)
		return pc, nil
	}
}

func (p *Pool[C]) checkOut(pc *Pooled[C]) {
	p.mu.Lock()
	p.checkedOut[pc.id] = pc
	p.mu.Unlock()
}

// Release returns a connection to the idle set. Releasing a connection that
// is not currently checked out (double release, or a foreign connection)
// returns ErrNotCheckedOut.
func (p *Pool[C]) Release(pc *Pooled[C]) error {
	if pc == nil {
		return ErrNotCheckedOut
	}

	p.mu.Lock()
	if _, ok := p.checkedOut[pc.id]; !ok {
		p.mu.Unlock()
		return ErrNotCheckedOut
	}
	delete(p.checkedOut, pc.id)
	pc.lastUsed = time.Now()
	if p.closed {
		p.mu.Unlock()
		_ = pc.conn.Close()
		return nil
	}
	p.idle = append(p.idle, pc)
	p.mu.Unlock()

	p.returnSlot()
	return nil
}

// Discard removes a connection from the pool instead of returning it to the
// idle set, closing it. Used when the caller knows the connection is broken.
func (p *Pool[C]) Discard(pc *Pooled[C]) error {
	if pc == nil {
		return ErrNotCheckedOut
	}

	p.mu.Lock()
	if _, ok := p.checkedOut[pc.id]; !ok {
		p.mu.Unlock()
		return ErrNotCheckedOut
	}
	delete(p.checkedOut, pc.id)
	p.mu.Unlock()

	_ = pc.conn.Close()
	p.returnSlot()
	return nil
}

func (p *Pool[C]) returnSlot() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		// Close has already closed the slots channel.
		return
	}
	select {
	case p.slots <- struct{}{}:
	default:
		// Slot accounting is 1:1 with acquisitions; a full channel here
		// means a release without a matching acquire slipped through.
	}
}

// Reconnects returns how many unhealthy connections have been replaced.
func (p *Pool[C]) Reconnects() int64 {
	return p.reconnects.Load()
}

// Idle returns the number of idle connections.
func (p *Pool[C]) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// InUse returns the number of checked-out connections.
func (p *Pool[C]) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.checkedOut)
}

// Close closes all idle connections and marks the pool closed. Checked-out
// connections are closed on release. Closing the slots channel wakes any
// goroutine blocked in Acquire with ErrClosed.
func (p *Pool[C]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.slots)
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var firstErr error
	for _, pc := range idle {
		if err := pc.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
