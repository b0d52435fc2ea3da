// Package memory implements an in-process submission queue.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/sitelens/sitelens/internal/audit"
)

// Queue is a bounded in-memory submission queue. It backs local development
// and the test suite; production deployments use the Pub/Sub queue.
type Queue struct {
	ch chan audit.Submission

	mu     sync.RWMutex
	closed bool
}

// ErrClosed is returned by Enqueue and Dequeue after Close.
var ErrClosed = audit.ErrQueueClosed

// New creates a queue with the given capacity.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 64
	}
	return &Queue{ch: make(chan audit.Submission, capacity)}
}

// Enqueue adds a submission, blocking while the queue is full. The read lock
// is held across the send so Close cannot close the channel under an
// in-flight producer; Close waits for producers to send or give up.
func (q *Queue) Enqueue(ctx context.Context, sub audit.Submission) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- sub:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("enqueue submission: %w", ctx.Err())
	}
}

// Dequeue removes the next submission, blocking until one is available,
// the queue is closed and drained, or the context ends.
func (q *Queue) Dequeue(ctx context.Context) (audit.Submission, error) {
	select {
	case sub, ok := <-q.ch:
		if !ok {
			return audit.Submission{}, ErrClosed
		}
		return sub, nil
	case <-ctx.Done():
		return audit.Submission{}, fmt.Errorf("dequeue submission: %w", ctx.Err())
	}
}

// Len reports the number of buffered submissions.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops accepting submissions. Buffered submissions remain dequeueable.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
