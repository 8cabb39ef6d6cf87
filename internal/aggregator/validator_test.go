package aggregator

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestValidate_AcceptsWellFormedEvent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	validator := NewValidator()

	event := &Event{
		Topic:     "logs.test",
		EventID:   "e1",
		Timestamp: "2025-10-23T10:00:00Z",
		Source:    "t",
		Payload:   json.RawMessage(`{"x":1}`),
	}

	if err := validator.Validate(event); err != nil {
		t.Errorf("Validate() failed for well-formed event: %v", err)
	}
}

func TestValidate_AcceptsOffsetTimestamp(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	validator := NewValidator()

	event := &Event{
		Topic:     "logs.test",
		EventID:   "e1",
		Timestamp: "2025-10-23T10:00:00.123+02:00",
		Source:    "t",
		Payload:   json.RawMessage(`{}`),
	}

	if err := validator.Validate(event); err != nil {
		t.Errorf("Validate() failed for offset timestamp: %v", err)
	}
}

func TestValidate_RejectsMissingFields(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	validator := NewValidator()

	tests := []struct {
		name    string
		event   Event
		wantErr error
	}{
		{
			name:    "empty topic",
			event:   Event{EventID: "e1", Timestamp: "2025-10-23T10:00:00Z", Source: "t", Payload: json.RawMessage(`{}`)},
			wantErr: ErrTopicEmpty,
		},
		{
			name:    "blank topic",
			event:   Event{Topic: "   ", EventID: "e1", Timestamp: "2025-10-23T10:00:00Z", Source: "t", Payload: json.RawMessage(`{}`)},
			wantErr: ErrTopicEmpty,
		},
		{
			name:    "empty event_id",
			event:   Event{Topic: "logs", Timestamp: "2025-10-23T10:00:00Z", Source: "t", Payload: json.RawMessage(`{}`)},
			wantErr: ErrEventIDEmpty,
		},
		{
			name:    "empty timestamp",
			event:   Event{Topic: "logs", EventID: "e1", Source: "t", Payload: json.RawMessage(`{}`)},
			wantErr: ErrTimestampEmpty,
		},
		{
			name:    "malformed timestamp",
			event:   Event{Topic: "logs", EventID: "e1", Timestamp: "not-a-date", Source: "t", Payload: json.RawMessage(`{}`)},
			wantErr: ErrTimestampShape,
		},
		{
			name:    "empty source",
			event:   Event{Topic: "logs", EventID: "e1", Timestamp: "2025-10-23T10:00:00Z", Payload: json.RawMessage(`{}`)},
			wantErr: ErrSourceEmpty,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validator.Validate(&tt.event)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_RejectsNonObjectPayloads(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	validator := NewValidator()

	base := Event{Topic: "logs", EventID: "e1", Timestamp: "2025-10-23T10:00:00Z", Source: "t"}

	payloads := []json.RawMessage{
		nil,
		json.RawMessage(`null`),
		json.RawMessage(`42`),
		json.RawMessage(`"a string"`),
		json.RawMessage(`[1,2,3]`),
		json.RawMessage(`not json`),
	}

	for _, payload := range payloads {
		event := base
		event.Payload = payload

		if err := validator.Validate(&event); err == nil {
			t.Errorf("Validate() accepted non-object payload %q", payload)
		}
	}
}

func TestValidateBatch_EnforcesSizeBounds(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	validator := NewValidator()

	if err := validator.ValidateBatch(nil); !errors.Is(err, ErrBatchEmpty) {
		t.Errorf("ValidateBatch(nil) = %v, want %v", err, ErrBatchEmpty)
	}

	oneEvent := make([]Event, 1)
	if err := validator.ValidateBatch(oneEvent); err != nil {
		t.Errorf("ValidateBatch() rejected minimum-size batch: %v", err)
	}

	maxEvents := make([]Event, MaxBatchSize)
	if err := validator.ValidateBatch(maxEvents); err != nil {
		t.Errorf("ValidateBatch() rejected maximum-size batch: %v", err)
	}

	overLimit := make([]Event, MaxBatchSize+1)
	if err := validator.ValidateBatch(overLimit); !errors.Is(err, ErrBatchTooLarge) {
		t.Errorf("ValidateBatch() = %v, want %v", err, ErrBatchTooLarge)
	}
}
