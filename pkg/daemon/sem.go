package daemon

import (
	"context"
	"sync"
)

// fifoSemaphore bounds concurrent builds and grants slots strictly in
// arrival order. A plain buffered channel does not guarantee FIFO wakeup
// for blocked senders, so waiters queue explicitly.
type fifoSemaphore struct {
	mu       sync.Mutex
	capacity int
	inUse    int
	waiters  []chan struct{}
}

func newFIFOSemaphore(capacity int) *fifoSemaphore {
	if capacity < 1 {
		capacity = 1
	}
	return &fifoSemaphore{capacity: capacity}
}

// Acquire blocks until a slot is free or the context ends
func (s *fifoSemaphore) Acquire(ctx context.Context) error {
	s.mu.Lock()
	if s.inUse < s.capacity {
		s.inUse++
		s.mu.Unlock()
		return nil
	}
	grant := make(chan struct{})
	s.waiters = append(s.waiters, grant)
	s.mu.Unlock()

	select {
	case <-grant:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for i, w := range s.waiters {
			if w == grant {
				s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
				s.mu.Unlock()
				return ctx.Err()
			}
		}
		s.mu.Unlock()
		// the slot was granted while we were cancelling; pass it on
		s.Release()
		return ctx.Err()
	}
}

// Release frees a slot, waking the oldest waiter if any
func (s *fifoSemaphore) Release() {
	s.mu.Lock()
	if len(s.waiters) > 0 {
		grant := s.waiters[0]
		s.waiters = s.waiters[1:]
		s.mu.Unlock()
		close(grant)
		return
	}
	if s.inUse > 0 {
		s.inUse--
	}
	s.mu.Unlock()
}

// Waiting reports the queue depth, for dashboards
func (s *fifoSemaphore) Waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}
