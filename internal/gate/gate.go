// Package gate bounds the number of fetches that may run at the same time.
package gate

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Gate admits at most Capacity concurrent holders. Waiters are not woken in
// any particular order.
type Gate struct {
	sem      *semaphore.Weighted
	capacity int
	inFlight atomic.Int64
}

// New creates a Gate with the given capacity.
func New(capacity int) (*Gate, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("gate capacity must be > 0, got %d", capacity)
	}
	return &Gate{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
	}, nil
}

// Acquire blocks until a slot is free or the context ends.
func (g *Gate) Acquire(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("gate acquire: %w", err)
	}
	g.inFlight.Add(1)
	return nil
}

// Release frees one slot. Calling Release without a matching Acquire panics.
func (g *Gate) Release() {
	g.inFlight.Add(-1)
	g.sem.Release(1)
}

// InFlight returns the number of currently held slots.
func (g *Gate) InFlight() int {
	return int(g.inFlight.Load())
}

// Capacity returns the configured limit.
func (g *Gate) Capacity() int {
	return g.capacity
}
