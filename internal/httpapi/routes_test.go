package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/logaggregator/aggregator/internal/aggregator"
	"github.com/logaggregator/aggregator/internal/dedupstore"
)

type fakeStore struct {
	mu       sync.Mutex
	counters map[string]int64
	events   []aggregator.StoredEvent
	topics   []string
	queryErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{counters: make(map[string]int64)}
}

func (f *fakeStore) QueryEvents(_ context.Context, topic string, _ int) ([]aggregator.StoredEvent, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}

	if topic == "" {
		return f.events, nil
	}

	var filtered []aggregator.StoredEvent

	for _, e := range f.events {
		if e.Topic == topic {
			filtered = append(filtered, e)
		}
	}

	return filtered, nil
}

func (f *fakeStore) Topics(_ context.Context) ([]string, error) {
	return f.topics, nil
}

func (f *fakeStore) LoadCounter(_ context.Context, name string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.counters[name], nil
}

// IncrementCounter mirrors dedupstore.Store's floor-clamped signed update:
// a decrement that would drive the counter below zero is clamped at zero
// rather than rejected, matching the real store's contract.
func (f *fakeStore) IncrementCounter(_ context.Context, name string, delta int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	next := f.counters[name] + delta
	if next < 0 {
		next = 0
	}

	f.counters[name] = next

	return nil
}

type fakeQueue struct {
	mu       sync.Mutex
	events   []aggregator.Event
	enqueErr error
}

func (f *fakeQueue) Enqueue(_ context.Context, event aggregator.Event) error {
	if f.enqueErr != nil {
		return f.enqueErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.events = append(f.events, event)

	return nil
}

func (f *fakeQueue) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.events)
}

func newTestServer(store *fakeStore, q *fakeQueue) *Server {
	cfg := LoadConfig()

	return NewServer(cfg, store, q, nil, nil)
}

func publishBody(events ...aggregator.Event) *bytes.Buffer {
	buf := &bytes.Buffer{}
	_ = json.NewEncoder(buf).Encode(PublishRequest{Events: events})

	return buf
}

func validEvent(id string) aggregator.Event {
	return aggregator.Event{
		Topic:     "logs.test",
		EventID:   id,
		Timestamp: "2025-10-23T10:00:00Z",
		Source:    "t",
		Payload:   json.RawMessage(`{"x":1}`),
	}
}

func TestHandlePublish_ValidBatchReturns202AndIncrementsReceived(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newFakeStore()
	q := &fakeQueue{}
	server := newTestServer(store, q)

	req := httptest.NewRequest(http.MethodPost, "/publish", publishBody(validEvent("a"), validEvent("b")))
	rec := httptest.NewRecorder()

	server.handlePublish(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d; body=%s", rec.Code, http.StatusAccepted, rec.Body.String())
	}

	var resp PublishResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if resp.Accepted != 2 {
		t.Errorf("accepted = %d, want 2", resp.Accepted)
	}

	if store.counters[dedupstore.CounterReceived] != 2 {
		t.Errorf("received counter = %d, want 2", store.counters[dedupstore.CounterReceived])
	}

	if q.Len() != 2 {
		t.Errorf("queue length = %d, want 2", q.Len())
	}
}

func TestHandlePublish_InvalidEventReturns400WithoutSideEffects(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newFakeStore()
	q := &fakeQueue{}
	server := newTestServer(store, q)

	invalid := validEvent("a")
	invalid.Topic = ""

	req := httptest.NewRequest(http.MethodPost, "/publish", publishBody(invalid))
	rec := httptest.NewRecorder()

	server.handlePublish(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	if store.counters[dedupstore.CounterReceived] != 0 {
		t.Errorf("received counter = %d, want 0", store.counters[dedupstore.CounterReceived])
	}

	if q.Len() != 0 {
		t.Errorf("queue length = %d, want 0", q.Len())
	}
}

func TestHandlePublish_EmptyBatchReturns400(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newFakeStore()
	q := &fakeQueue{}
	server := newTestServer(store, q)

	req := httptest.NewRequest(http.MethodPost, "/publish", publishBody())
	rec := httptest.NewRecorder()

	server.handlePublish(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandlePublish_QueueSaturationReturns503AndBacksOutReceived(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newFakeStore()
	q := &fakeQueue{enqueErr: context.DeadlineExceeded}
	server := newTestServer(store, q)

	req := httptest.NewRequest(http.MethodPost, "/publish", publishBody(validEvent("a")))
	rec := httptest.NewRecorder()

	server.handlePublish(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	if store.counters[dedupstore.CounterReceived] != 0 {
		t.Errorf("received counter = %d, want 0 after backing out", store.counters[dedupstore.CounterReceived])
	}
}

func TestHandleEvents_FiltersByTopicAndDefaultsEmptySlice(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newFakeStore()
	store.events = []aggregator.StoredEvent{
		{Topic: "logs.a", EventID: "1", Timestamp: "2025-10-23T10:00:00Z", ProcessedAt: time.Now()},
		{Topic: "logs.b", EventID: "2", Timestamp: "2025-10-23T10:00:01Z", ProcessedAt: time.Now()},
	}

	q := &fakeQueue{}
	server := newTestServer(store, q)

	req := httptest.NewRequest(http.MethodGet, "/events?topic=logs.a", nil)
	rec := httptest.NewRecorder()

	server.handleEvents(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp EventsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if resp.Total != 1 || len(resp.Events) != 1 {
		t.Errorf("total/events = %d/%d, want 1/1", resp.Total, len(resp.Events))
	}
}

func TestHandleStats_ReadsCountersAndTopics(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newFakeStore()
	store.counters[dedupstore.CounterReceived] = 10
	store.counters[dedupstore.CounterUniqueProcessed] = 7
	store.counters[dedupstore.CounterDuplicateDropped] = 3
	store.topics = []string{"a", "b"}

	q := &fakeQueue{}
	server := newTestServer(store, q)
	server.startTime = time.Now().Add(-time.Minute)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()

	server.handleStats(rec, req)

	var resp StatsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if resp.Received != 10 || resp.UniqueProcessed != 7 || resp.DuplicateDropped != 3 {
		t.Errorf("unexpected counters: %+v", resp)
	}

	if resp.UptimeSeconds <= 0 {
		t.Errorf("uptime_seconds = %f, want > 0", resp.UptimeSeconds)
	}
}

func TestHandleHealth_NeverTouchesStoreQueries(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newFakeStore()
	store.queryErr = context.DeadlineExceeded // would fail handleEvents/handleStats, must not affect health
	store.counters[dedupstore.CounterUniqueProcessed] = 4

	q := &fakeQueue{events: []aggregator.Event{validEvent("a")}}
	server := newTestServer(store, q)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	server.handleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if resp.Status != "healthy" || resp.QueueSize != 1 || resp.ProcessedCount != 4 {
		t.Errorf("unexpected health response: %+v", resp)
	}
}
