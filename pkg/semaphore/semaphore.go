// Package semaphore limits the number of concurrently handled connections.
// A nil *ConnSemaphore means "unlimited" for every method.
package semaphore

import (
	"context"
	"fmt"
	"time"
)

// ConnSemaphore is a counting semaphore over a buffered channel of slots.
type ConnSemaphore struct {
	sem     chan struct{}
	timeout time.Duration
}

// New creates a semaphore with n free slots. timeout bounds Acquire.
// It returns nil for n <= 0.
func New(n int, timeout time.Duration) *ConnSemaphore {
	if n <= 0 {
		return nil
	}
	sem := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		sem <- struct{}{}
	}
	return &ConnSemaphore{sem: sem, timeout: timeout}
}

// Acquire waits for a slot, at most for the configured timeout.
func (s *ConnSemaphore) Acquire(ctx context.Context) error {
	if s == nil {
		return nil
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	select {
	case <-s.sem:
		return nil
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("timeout acquiring connection slot after %v", s.timeout)
	}
}

// TryAcquire takes a slot without waiting and reports whether it succeeded.
func (s *ConnSemaphore) TryAcquire() bool {
	if s == nil {
		return true
	}

	select {
	case <-s.sem:
		return true
	default:
		return false
	}
}

// Release returns a slot.
func (s *ConnSemaphore) Release() {
	if s == nil {
		return
	}
	s.sem <- struct{}{}
}

// Available returns the number of free slots, or -1 when unlimited.
func (s *ConnSemaphore) Available() int {
	if s == nil {
		return -1
	}
	return len(s.sem)
}
