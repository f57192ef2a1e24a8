// Package deletion removes idle ephemeral channels. Requests arrive on an
// unbounded FIFO queue and are processed one at a time by a single Executor,
// which is the only component allowed to remove rows from the store.
package deletion

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by Pop once the queue is closed and drained.
var ErrQueueClosed = errors.New("deletion queue closed")

// Request asks for one resource to be deleted. It carries no retry state.
type Request struct {
	ResourceID string
	GuildID    string
}

// Queue is an unbounded FIFO of deletion requests. Push never blocks, so
// the reconciler can enqueue any number of candidates without waiting on
// the platform.
type Queue struct {
	mu     sync.Mutex
	items  []Request
	notify chan struct{}
	closed bool
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Push appends a request. It returns false if the queue is closed.
func (q *Queue) Push(req Request) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, req)
	q.mu.Unlock()
	q.signal()
	return true
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop blocks until a request is available, the queue is closed and empty,
// or ctx is done.
func (q *Queue) Pop(ctx context.Context) (Request, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			req := q.items[0]
			q.items[0] = Request{}
			q.items = q.items[1:]
			if len(q.items) > 0 {
				q.signal()
			}
			q.mu.Unlock()
			return req, nil
		}
		if q.closed {
			q.mu.Unlock()
			return Request{}, ErrQueueClosed
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Request{}, ctx.Err()
		case <-q.notify:
		}
	}
}

// Len returns the number of pending requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting requests. Pending requests can still be popped.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}
