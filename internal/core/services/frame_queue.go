package services

import (
	"context"
	"sync"
	"time"

	"anonstream/internal/core/domain"
)

// FrameQueue is a bounded FIFO of frames between one producer and one
// consumer. Its length never exceeds its capacity.
type FrameQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	ring      []*domain.Frame
	head      int
	size      int
	closed    bool
	highWater int
}

func NewFrameQueue(capacity int) *FrameQueue {
	if capacity <= 0 {
		capacity = 1
	}
	q := &FrameQueue{ring: make([]*domain.Frame, capacity)}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Push enqueues f. When the queue is full, AdmissionDropOldest evicts and
// returns the head, and AdmissionBlocking waits up to timeout for space.
func (q *FrameQueue) Push(ctx context.Context, f *domain.Frame, mode domain.AdmissionMode, timeout time.Duration) (*domain.Frame, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, domain.ErrShuttingDown
	}

	var evicted *domain.Frame
	if q.size == len(q.ring) {
		if mode == domain.AdmissionDropOldest {
			evicted = q.popLocked()
		} else if err := q.waitForSpace(ctx, timeout); err != nil {
			return nil, err
		}
	}

	q.ring[(q.head+q.size)%len(q.ring)] = f
	q.size++
	if q.size > q.highWater {
		q.highWater = q.size
	}
	q.notEmpty.Signal()
	return evicted, nil
}

// waitForSpace must be called with mu held.
func (q *FrameQueue) waitForSpace(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	stop := context.AfterFunc(ctx, q.wakeAll)
	defer stop()

	for q.size == len(q.ring) && !q.closed {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !waitUntil(q.notFull, deadline) {
			if q.size < len(q.ring) || q.closed {
				break
			}
			return domain.ErrQueueTimeout
		}
	}
	if q.closed {
		return domain.ErrShuttingDown
	}
	return ctx.Err()
}

// Pop removes the head, waiting up to timeout for one to arrive. It returns
// false on timeout or when the queue is closed and empty.
func (q *FrameQueue) Pop(timeout time.Duration) (*domain.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for q.size == 0 {
		if q.closed || !waitUntil(q.notEmpty, deadline) {
			if q.size > 0 {
				break
			}
			return nil, false
		}
	}

	f := q.popLocked()
	q.notFull.Signal()
	return f, true
}

func (q *FrameQueue) popLocked() *domain.Frame {
	f := q.ring[q.head]
	q.ring[q.head] = nil
	q.head = (q.head + 1) % len(q.ring)
	q.size--
	return f
}

// Len returns the number of queued frames.
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *FrameQueue) Cap() int {
	return len(q.ring)
}

// HighWater returns the largest length observed since creation.
func (q *FrameQueue) HighWater() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.highWater
}

// Close rejects further pushes and wakes every waiter.
func (q *FrameQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wakeAll()
}

// Reopen accepts pushes again after Close.
func (q *FrameQueue) Reopen() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = false
}

// Drain discards every queued frame and returns how many were dropped.
func (q *FrameQueue) Drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.size
	for q.size > 0 {
		q.popLocked()
	}
	q.notFull.Broadcast()
	return n
}

func (q *FrameQueue) wakeAll() {
	q.mu.Lock()
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
	q.mu.Unlock()
}

// waitUntil waits on c until it is woken or deadline passes, and reports
// whether the deadline is still ahead. c.L must be held.
func waitUntil(c *sync.Cond, deadline time.Time) bool {
	d := time.Until(deadline)
	if d <= 0 {
		return false
	}
	t := time.AfterFunc(d, func() {
		c.L.Lock()
		c.Broadcast()
		c.L.Unlock()
	})
	c.Wait()
	t.Stop()
	return time.Now().Before(deadline)
}
