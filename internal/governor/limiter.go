package governor

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Limiter bounds how many connection attempts may be in flight across all
// devices sharing one adapter. It is a thin wrapper over a weighted
// semaphore so that acquisition is context-aware.
type Limiter struct {
	sem *semaphore.Weighted
}

// NewLimiter creates a limiter admitting up to n concurrent connections.
func NewLimiter(n int64) *Limiter {
	if n <= 0 {
		n = 1
	}
	return &Limiter{sem: semaphore.NewWeighted(n)}
}

// Acquire blocks until a connection slot is free or the context ends.
func (l *Limiter) Acquire(ctx context.Context) error {
	return l.sem.Acquire(ctx, 1)
}

// TryAcquire claims a slot without blocking.
func (l *Limiter) TryAcquire() bool {
	return l.sem.TryAcquire(1)
}

// Release returns a slot. Every successful Acquire must be paired with
// exactly one Release, on all exit paths.
func (l *Limiter) Release() {
	l.sem.Release(1)
}
