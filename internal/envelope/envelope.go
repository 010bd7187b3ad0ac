// Package envelope decodes and validates the wire envelope wrapping every
// domain change event consumed from the broker.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/openmart/searchsync/internal/domain"
)

// Envelope is the standard event envelope emitted by producing services.
// Redelivery reuses the same EventID; the envelope itself is never mutated.
type Envelope struct {
	EventID    string `json:"event_id" validate:"required"`
	EventType  string `json:"event_type" validate:"required"`
	EntityID   string `json:"entity_id" validate:"required"`
	EntityType string `json:"entity_type" validate:"required,oneof=product category content"`

	// SchemaVersion is the envelope schema revision, not the entity version.
	SchemaVersion string `json:"schema_version"`
	// EntityVersion is the source's monotonic counter for the entity. Zero
	// means the producer does not carry one; deduplication then falls back
	// to event IDs only.
	EntityVersion int64 `json:"entity_version,omitempty"`

	OccurredAt time.Time         `json:"timestamp" validate:"required"`
	Source     string            `json:"source"`
	Data       json.RawMessage   `json:"data" validate:"required"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Decode deserializes raw broker bytes into an Envelope and validates the
// required fields. Unknown fields in the payload are tolerated for forward
// compatibility. All returned errors are classified as validation failures:
// malformed input will not become well-formed on retry.
func Decode(raw []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, domain.Validation(fmt.Errorf("unmarshal envelope: %w", err))
	}
	if err := validate.Struct(&e); err != nil {
		return nil, domain.Validation(fmt.Errorf("validate envelope: %w", err))
	}
	return &e, nil
}

// DecodeData deserializes the event payload into the given target.
func (e *Envelope) DecodeData(target any) error {
	if err := json.Unmarshal(e.Data, target); err != nil {
		return domain.Validation(fmt.Errorf("unmarshal %s data: %w", e.EventType, err))
	}
	return nil
}

// DataFields returns the payload as a generic map, used by transforms that
// build field-scoped patches from whichever fields the producer sent.
func (e *Envelope) DataFields() (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(e.Data, &m); err != nil {
		return nil, domain.Validation(fmt.Errorf("unmarshal %s data: %w", e.EventType, err))
	}
	return m, nil
}

// Marshal serializes the envelope back to JSON (used for dead-letter entries
// and synthetic reconciliation events).
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
