// Package queue provides the bounded in-memory hand-off between HTTP/Kafka
// producers and the single consumer loop that drains into the dedup store.
package queue

import (
	"context"
	"errors"

	"github.com/logaggregator/aggregator/internal/aggregator"
)

// DefaultCapacity is the default number of events the queue buffers before
// Enqueue starts blocking.
const DefaultCapacity = 10000

// ErrClosed is returned by Enqueue once the queue has been closed.
var ErrClosed = errors.New("queue: closed")

// Queue is a bounded, multi-producer/single-consumer FIFO of events. It
// applies back-pressure by blocking Enqueue once full rather than dropping
// or growing without bound.
type Queue struct {
	events chan aggregator.Event
	closed chan struct{}
}

// New creates a Queue with the given capacity. A non-positive capacity
// falls back to DefaultCapacity.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	return &Queue{
		events: make(chan aggregator.Event, capacity),
		closed: make(chan struct{}),
	}
}

// Enqueue adds an event to the queue, blocking while the queue is full.
// It returns ctx.Err() if the context is cancelled before space is
// available, and ErrClosed if the queue has been closed.
func (q *Queue) Enqueue(ctx context.Context, event aggregator.Event) error {
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}

	select {
	case q.events <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closed:
		return ErrClosed
	}
}

// Dequeue returns the receive-only channel the single consumer drains.
// The channel is closed once Close has been called and all buffered
// events have been delivered.
func (q *Queue) Dequeue() <-chan aggregator.Event {
	return q.events
}

// Len reports the number of events currently buffered.
func (q *Queue) Len() int {
	return len(q.events)
}

// Cap reports the queue's configured capacity.
func (q *Queue) Cap() int {
	return cap(q.events)
}

// Close stops accepting new events and closes the underlying channel once
// drained by the consumer. Safe to call once; a second call panics, matching
// close(chan) semantics, since a queue has exactly one owner.
func (q *Queue) Close() {
	close(q.closed)
	close(q.events)
}
