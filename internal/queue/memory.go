package queue

import (
	"context"
	"sync"
)

// MemoryQueue is an in-process queue for tests and single-node runs.
// Acknowledgement is a no-op; nothing survives a restart.
type MemoryQueue struct {
	tasks chan Task

	mu     sync.Mutex
	closed bool
}

// NewMemoryQueue creates a queue buffering up to size tasks.
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 1024
	}
	return &MemoryQueue{tasks: make(chan Task, size)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Receive(ctx context.Context) (*Delivery, error) {
	select {
	case t, ok := <-q.tasks:
		if !ok {
			return nil, ErrClosed
		}
		return &Delivery{Task: t}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryQueue) Ack(context.Context, *Delivery) error { return nil }

// Len reports the number of buffered tasks.
func (q *MemoryQueue) Len() int {
	return len(q.tasks)
}

// Drain removes and returns every buffered task.
func (q *MemoryQueue) Drain() []Task {
	var out []Task
	for {
		select {
		case t := <-q.tasks:
			out = append(out, t)
		default:
			return out
		}
	}
}

// Close stops accepting tasks. Buffered tasks can still be received.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
}
