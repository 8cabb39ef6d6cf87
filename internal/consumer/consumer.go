// Package consumer runs the single cooperative worker that drains the
// ingestion queue into the dedup store.
package consumer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/logaggregator/aggregator/internal/aggregator"
	"github.com/logaggregator/aggregator/internal/dedupstore"
	"github.com/logaggregator/aggregator/internal/queue"
)

const perEventTimeout = 5 * time.Second

// ErrShutdownTimeout is returned by Stop when the queue does not drain
// within the configured grace period.
var ErrShutdownTimeout = errors.New("consumer: shutdown grace period exceeded")

// Store is the subset of dedupstore.Store the consumer depends on.
type Store interface {
	CheckAndMark(ctx context.Context, topic, eventID string) (dedupstore.CheckResult, error)
	StoreEvent(ctx context.Context, event aggregator.StoredEvent) error
	IncrementCounter(ctx context.Context, name string, delta int64) error
}

// Consumer is the single-writer worker loop described by the consumer
// loop contract: dequeue, check-and-mark, store-or-count, repeat. It never
// exits on a per-event error; the loop ends on Stop or once the queue has
// been closed and drained.
type Consumer struct {
	queue  *queue.Queue
	store  Store
	logger *slog.Logger

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New constructs a Consumer bound to the given queue and store.
func New(q *queue.Queue, store Store, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}

	return &Consumer{
		queue:  q,
		store:  store,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Run blocks, processing events strictly in FIFO enqueue order, until Stop
// is called or the queue is closed and drained. It is meant to be run on
// its own goroutine.
func (c *Consumer) Run() {
	defer close(c.done)

	for {
		select {
		case event, ok := <-c.queue.Dequeue():
			if !ok {
				return
			}

			c.process(event)
		case <-c.stop:
			c.drainRemaining()

			return
		}
	}
}

// drainRemaining processes whatever is already buffered without waiting
// for new arrivals, honoring the "drain pending entries" shutdown contract.
func (c *Consumer) drainRemaining() {
	for {
		select {
		case event, ok := <-c.queue.Dequeue():
			if !ok {
				return
			}

			c.process(event)
		default:
			return
		}
	}
}

// Stop signals the loop to stop accepting new work and waits up to
// gracePeriod for the drain to finish. Safe to call once; a second call
// is a no-op.
func (c *Consumer) Stop(gracePeriod time.Duration) error {
	c.stopOnce.Do(func() {
		close(c.stop)
	})

	select {
	case <-c.done:
		return nil
	case <-time.After(gracePeriod):
		return ErrShutdownTimeout
	}
}

// process implements steps 2-4 of the consumer loop contract. Failures are
// logged and swallowed: the publisher's at-least-once semantics cover
// retry, so the loop never retries in-process.
func (c *Consumer) process(event aggregator.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), perEventTimeout)
	defer cancel()

	topic, eventID := event.Key()

	result, err := c.store.CheckAndMark(ctx, topic, eventID)
	if err != nil {
		c.logger.Error("check_and_mark failed",
			slog.String("topic", topic),
			slog.String("event_id", eventID),
			slog.String("error", err.Error()),
		)

		return
	}

	switch result {
	case dedupstore.New:
		stored := aggregator.StoredEvent{
			Topic:       event.Topic,
			EventID:     event.EventID,
			Timestamp:   event.Timestamp,
			Source:      event.Source,
			Payload:     event.Payload,
			ProcessedAt: time.Now().UTC(),
		}

		if err := c.store.StoreEvent(ctx, stored); err != nil {
			c.logger.Error("store_event failed",
				slog.String("topic", topic),
				slog.String("event_id", eventID),
				slog.String("error", err.Error()),
			)

			return
		}

		if err := c.store.IncrementCounter(ctx, dedupstore.CounterUniqueProcessed, 1); err != nil {
			c.logger.Error("increment_counter(unique_processed) failed",
				slog.String("error", err.Error()),
			)
		}
	case dedupstore.Duplicate:
		if err := c.store.IncrementCounter(ctx, dedupstore.CounterDuplicateDropped, 1); err != nil {
			c.logger.Error("increment_counter(duplicate_dropped) failed",
				slog.String("error", err.Error()),
			)
		}
	}
}
