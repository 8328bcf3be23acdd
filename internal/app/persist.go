package app

import (
	"context"
	"sync"
)

// writeQueue runs store writes and bus publishes on one goroutine, in the
// order they were queued. Push never blocks, so the turn machine and the
// coordinator can hand entries off while holding their locks.
type writeQueue struct {
	mu      sync.Mutex
	pending []func(context.Context)
	closed  bool

	wake chan struct{}
	done chan struct{}
}

func newWriteQueue() *writeQueue {
	return &writeQueue{wake: make(chan struct{}, 1), done: make(chan struct{})}
}

// Push queues job. It reports false once the queue is closed.
func (q *writeQueue) Push(job func(context.Context)) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.pending = append(q.pending, job)
	q.mu.Unlock()
	q.signal()
	return true
}

func (q *writeQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Run executes jobs until the queue is closed and drained. ctx is handed to
// every job and does not stop the loop.
func (q *writeQueue) Run(ctx context.Context) {
	defer close(q.done)
	for {
		q.mu.Lock()
		jobs := q.pending
		q.pending = nil
		closed := q.closed
		q.mu.Unlock()

		for _, job := range jobs {
			job(ctx)
		}
		if len(jobs) == 0 {
			if closed {
				return
			}
			<-q.wake
		}
	}
}

// Close stops accepting jobs. Run exits after the backlog is written.
func (q *writeQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// Flush closes the queue and waits for the backlog, or for ctx.
func (q *writeQueue) Flush(ctx context.Context) error {
	q.Close()
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
