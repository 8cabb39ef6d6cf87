// Package aggregator holds the event model shared across the publish,
// query, and consumer paths of the log aggregator.
package aggregator

import (
	"encoding/json"
	"time"
)

// Event is a publisher-supplied record accepted by the publish endpoint.
// Two events with the same (Topic, EventID) pair are the same event
// regardless of any other field.
type Event struct {
	Topic     string          `json:"topic"`
	EventID   string          `json:"event_id"`
	Timestamp string          `json:"timestamp"`
	Source    string          `json:"source"`
	Payload   json.RawMessage `json:"payload"`
}

// StoredEvent is the durable record written to the dedup store's payload
// table once an event is first seen. It echoes the ingress shape plus the
// aggregator's local processing timestamp.
type StoredEvent struct {
	Topic       string          `json:"topic"`
	EventID     string          `json:"event_id"`
	Timestamp   string          `json:"timestamp"`
	Source      string          `json:"source"`
	Payload     json.RawMessage `json:"payload"`
	ProcessedAt time.Time       `json:"processed_at"`
}

// Key returns the (topic, event_id) pair that uniquely identifies the event.
func (e Event) Key() (topic, eventID string) {
	return e.Topic, e.EventID
}
