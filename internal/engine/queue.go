package engine

import (
	"context"
	"sync"

	"github.com/tathienbao/stgeng/internal/types"
)

// queue is the ordered dispatch stream. Any goroutine may publish; exactly one worker drains it.
// Close stops new publishes and lets the worker drain what is already queued.
type queue struct {
	mu     sync.RWMutex
	closed bool
	ch     chan event
}

func newQueue(size int) *queue {
	if size <= 0 {
		size = 1
	}
	return &queue{ch: make(chan event, size)}
}

// Publish enqueues ev, blocking while the queue is full.
func (q *queue) Publish(ctx context.Context, ev event) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return types.ErrQueueClosed
	}
	select {
	case q.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPublish enqueues ev without blocking.
func (q *queue) TryPublish(ev event) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return types.ErrQueueClosed
	}
	select {
	case q.ch <- ev:
		return nil
	default:
		return types.ErrQueueFull
	}
}

// Close rejects further publishes. It waits for publishes already in progress, so the worker must keep
// draining while Close runs.
func (q *queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

// Drain hands every event to fn in order and returns once the queue is closed and empty.
func (q *queue) Drain(fn func(event)) {
	for ev := range q.ch {
		fn(ev)
	}
}

// Len returns the number of queued events.
func (q *queue) Len() int {
	return len(q.ch)
}
