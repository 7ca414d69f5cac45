// Package workpool implements the cooperative connection-scheduling
// model spec.md §5 describes: one logical task per connection, a fixed
// worker pool, and a separate blocking-friendly pool for CPU-heavy steps
// (pack indexing, delta search, zlib) so I/O tasks are never starved
// behind them. Grounded on the same golang.org/x/sync primitives odb/
// already uses for its delta-window search (errgroup.Group +
// semaphore.Weighted), generalized from one bounded fan-out to a
// long-lived pool a server runs its whole lifetime against; no example
// repository runs a standing connection-scheduling loop (grafana-nanogit
// is a client dialing out, never accepting), so the pool's shape itself
// is grounded directly in spec.md §5's scheduling and cancellation
// requirements.
package workpool

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// Pool bounds concurrent connection tasks and offers a secondary,
// separately-bounded blocking pool for CPU-heavy work dispatched from
// within a task, so pack indexing or delta search on one connection
// cannot starve I/O on the others.
type Pool struct {
	connections *semaphore.Weighted
	blocking    *semaphore.Weighted
}

// Options configures a Pool's two concurrency ceilings.
type Options struct {
	// MaxConnections bounds how many connection tasks run at once.
	MaxConnections int64
	// MaxBlocking bounds how many CPU-heavy blocking-pool tasks
	// (dispatched via RunBlocking) run at once, independent of
	// MaxConnections.
	MaxBlocking int64
}

// New builds a Pool from opts, defaulting any non-positive field to 1.
func New(opts Options) *Pool {
	conns := opts.MaxConnections
	if conns <= 0 {
		conns = 1
	}
	blocking := opts.MaxBlocking
	if blocking <= 0 {
		blocking = 1
	}
	return &Pool{
		connections: semaphore.NewWeighted(conns),
		blocking:    semaphore.NewWeighted(blocking),
	}
}

// RunConnection blocks until a connection slot is free, then runs fn.
// fn's context is cancelled the moment ctx is, which a caller uses to
// tear down a task on connection close.
func (p *Pool) RunConnection(ctx context.Context, fn func(context.Context) error) error {
	if err := p.connections.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquiring connection slot: %w", err)
	}
	defer p.connections.Release(1)
	return fn(ctx)
}

// RunBlocking dispatches fn to the blocking pool, for CPU-heavy steps a
// connection task needs done without holding up other connections'
// progress. It blocks the calling goroutine until a blocking-pool slot
// is free and fn returns.
func (p *Pool) RunBlocking(ctx context.Context, fn func(context.Context) error) error {
	if err := p.blocking.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquiring blocking-pool slot: %w", err)
	}
	defer p.blocking.Release(1)
	return fn(ctx)
}

// TryRunBlocking attempts to dispatch fn to the blocking pool without
// waiting for a slot, returning ok=false immediately if the pool is
// saturated. Useful for opportunistic background work (e.g. GC) that
// should skip a cycle rather than queue.
func (p *Pool) TryRunBlocking(fn func(context.Context) error) (ran bool) {
	if !p.blocking.TryAcquire(1) {
		return false
	}
	defer p.blocking.Release(1)
	_ = fn(context.Background())
	return true
}
