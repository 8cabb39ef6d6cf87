package queue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/logaggregator/aggregator/internal/aggregator"
)

func testEvent(id string) aggregator.Event {
	return aggregator.Event{
		Topic:     "logs.test",
		EventID:   id,
		Timestamp: "2025-10-23T10:00:00Z",
		Source:    "t",
		Payload:   json.RawMessage(`{}`),
	}
}

func TestEnqueueDequeue_FIFOOrder(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	q := New(4)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := q.Enqueue(ctx, testEvent(id)); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	for _, want := range []string{"a", "b", "c"} {
		got := <-q.Dequeue()
		if got.EventID != want {
			t.Errorf("Dequeue() = %q, want %q", got.EventID, want)
		}
	}
}

func TestEnqueue_BlocksWhenFullAndRespectsContext(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	q := New(1)
	ctx := context.Background()

	if err := q.Enqueue(ctx, testEvent("a")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	cancelCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()

	if err := q.Enqueue(cancelCtx, testEvent("b")); err == nil {
		t.Error("Enqueue() on full queue with short deadline did not block/error")
	}
}

func TestEnqueue_UnblocksOnceSpaceFreed(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	q := New(1)
	ctx := context.Background()

	if err := q.Enqueue(ctx, testEvent("a")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	done := make(chan error, 1)

	go func() {
		done <- q.Enqueue(ctx, testEvent("b"))
	}()

	<-q.Dequeue()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Enqueue() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Enqueue() did not unblock after space freed")
	}
}

func TestEnqueue_ConcurrentProducersSingleConsumer(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	q := New(8)
	ctx := context.Background()

	const producers = 10

	var wg sync.WaitGroup

	for i := 0; i < producers; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			if err := q.Enqueue(ctx, testEvent("e")); err != nil {
				t.Errorf("Enqueue() error = %v", err)
			}
		}(i)
	}

	received := 0

	go func() {
		wg.Wait()
	}()

	for received < producers {
		<-q.Dequeue()
		received++
	}
}

func TestClose_RejectsFurtherEnqueues(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	q := New(2)
	q.Close()

	if err := q.Enqueue(context.Background(), testEvent("a")); err != ErrClosed {
		t.Errorf("Enqueue() after Close() = %v, want %v", err, ErrClosed)
	}
}
