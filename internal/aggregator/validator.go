package aggregator

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	// MinBatchSize is the minimum number of events a publish request may carry.
	MinBatchSize = 1
	// MaxBatchSize is the maximum number of events a publish request may carry.
	MaxBatchSize = 1000
)

// Sentinel errors for validation failures (checked via errors.Is).
var (
	ErrTopicEmpty      = errors.New("topic cannot be empty")
	ErrEventIDEmpty    = errors.New("event_id cannot be empty")
	ErrTimestampEmpty  = errors.New("timestamp cannot be empty")
	ErrTimestampShape  = errors.New("timestamp does not look like ISO-8601")
	ErrSourceEmpty     = errors.New("source cannot be empty")
	ErrPayloadNotJSON  = errors.New("payload must be valid JSON")
	ErrPayloadNotObj   = errors.New("payload must be a JSON object")
	ErrBatchEmpty      = errors.New("events list cannot be empty")
	ErrBatchTooLarge   = errors.New("events list exceeds maximum batch size")
)

// isoTimestampPattern performs a basic shape check on ISO-8601 timestamps
// ending in "Z" or a numeric "+hh:mm"/"-hh:mm" offset. It deliberately
// does not validate calendar correctness —
// that is the publisher's responsibility; the aggregator preserves the
// string verbatim.
var isoTimestampPattern = regexp.MustCompile(
	`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})$`,
)

// Validator performs stateless validation of publish-request events.
type Validator struct{}

// NewValidator creates a new Validator instance.
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateBatch validates the size of a publish request's event list.
// Per-event validation is the caller's responsibility via Validate.
func (v *Validator) ValidateBatch(events []Event) error {
	if len(events) < MinBatchSize {
		return ErrBatchEmpty
	}

	if len(events) > MaxBatchSize {
		return fmt.Errorf("%w: got %d, max %d", ErrBatchTooLarge, len(events), MaxBatchSize)
	}

	return nil
}

// Validate checks that an Event satisfies the ingress schema: all fields
// required, strings non-empty after trimming, timestamp shaped like
// ISO-8601, and payload a JSON object (not a scalar, array, or null).
func (v *Validator) Validate(e *Event) error {
	if strings.TrimSpace(e.Topic) == "" {
		return ErrTopicEmpty
	}

	if strings.TrimSpace(e.EventID) == "" {
		return ErrEventIDEmpty
	}

	if strings.TrimSpace(e.Timestamp) == "" {
		return ErrTimestampEmpty
	}

	if !isoTimestampPattern.MatchString(e.Timestamp) {
		return fmt.Errorf("%w: %q", ErrTimestampShape, e.Timestamp)
	}

	if strings.TrimSpace(e.Source) == "" {
		return ErrSourceEmpty
	}

	return validatePayload(e.Payload)
}

// validatePayload ensures the payload decodes as a JSON object. Arbitrary
// nested shapes within the object are allowed and left untouched.
func validatePayload(payload json.RawMessage) error {
	if len(payload) == 0 || !json.Valid(payload) {
		return ErrPayloadNotJSON
	}

	var obj map[string]interface{}
	if err := json.Unmarshal(payload, &obj); err != nil {
		return fmt.Errorf("%w: %w", ErrPayloadNotObj, err)
	}

	if obj == nil {
		return ErrPayloadNotObj
	}

	return nil
}
