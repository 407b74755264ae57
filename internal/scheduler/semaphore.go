package scheduler

import (
	"context"
	"sync/atomic"
)

// Semaphore is a counting semaphore bounding concurrent worker tasks. It
// tracks how many acquirers are blocked so the main loop can back off when
// the pool is badly oversubscribed.
type Semaphore struct {
	permits chan struct{}
	waiting atomic.Int64
}

// NewSemaphore creates a semaphore with n permits.
func NewSemaphore(n int) *Semaphore {
	if n <= 0 {
		n = 1
	}
	s := &Semaphore{permits: make(chan struct{}, n)}
	for i := 0; i < n; i++ {
		s.permits <- struct{}{}
	}
	return s
}

// Acquire blocks until a permit is available or the context is cancelled.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case <-s.permits:
		return nil
	default:
	}

	s.waiting.Add(1)
	defer s.waiting.Add(-1)
	select {
	case <-s.permits:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire takes a permit without blocking.
func (s *Semaphore) TryAcquire() bool {
	select {
	case <-s.permits:
		return true
	default:
		return false
	}
}

// Release returns a permit.
func (s *Semaphore) Release() {
	select {
	case s.permits <- struct{}{}:
	default:
		// Releasing more than was acquired is a programming error; dropping
		// the extra permit keeps the capacity bound intact.
	}
}

// Available returns the number of free permits.
func (s *Semaphore) Available() int {
	return len(s.permits)
}

// Waiting returns the number of blocked acquirers.
func (s *Semaphore) Waiting() int64 {
	return s.waiting.Load()
}
