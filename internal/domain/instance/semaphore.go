package instance

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
)

// Semaphore is the bounded execution gate of a runtime. It wraps a weighted
// semaphore with the blocking/timed acquire pair the dispatcher needs.
// Releasing more permits than were acquired panics.
type Semaphore struct {
	sem     *semaphore.Weighted
	permits int64
}

// NewSemaphore creates a semaphore with n permits. n must be positive.
func NewSemaphore(n int) *Semaphore {
	if n < 1 {
		n = 1
	}
	return &Semaphore{sem: semaphore.NewWeighted(int64(n)), permits: int64(n)}
}

// Permits returns the configured permit count.
func (s *Semaphore) Permits() int {
	return int(s.permits)
}

// Acquire blocks until a permit is free.
func (s *Semaphore) Acquire() {
	// Background context: Acquire only fails on context cancellation.
	_ = s.sem.Acquire(context.Background(), 1)
}

// TryAcquire obtains a permit within timeout, reporting success.
func (s *Semaphore) TryAcquire(timeout time.Duration) bool {
	if timeout <= 0 {
		return s.sem.TryAcquire(1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.sem.Acquire(ctx, 1) == nil
}

// Release returns a permit.
func (s *Semaphore) Release() {
	s.sem.Release(1)
}
