// Package pool provides the counting-semaphore capacity pools that bound
// concurrent use of the generation and conversion capabilities.
package pool

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Pool is a counting semaphore sized to a capability's concurrency limit.
type Pool struct {
	sem *semaphore.Weighted
	cap int
}

// New creates a pool with the given capacity. Capacity must be >= 1; the
// profile validator enforces this before a pool is ever built.
func New(capacity int) *Pool {
	return &Pool{
		sem: semaphore.NewWeighted(int64(capacity)),
		cap: capacity,
	}
}

// Acquire blocks until a token is available or ctx is done. On success it
// returns the release function; the caller must invoke it on every exit
// path, which the engine guarantees with a deferred call at the single
// acquisition site.
func (p *Pool) Acquire(ctx context.Context) (func(), error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { p.sem.Release(1) }, nil
}

// Cap returns the configured capacity.
func (p *Pool) Cap() int {
	return p.cap
}
