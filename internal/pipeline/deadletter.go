package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/openmart/searchsync/internal/domain"
)

// DeadLetterEntry is a terminally failed unit of work, serialized to the
// dead-letter channel with enough context for manual replay once the
// underlying defect is fixed.
type DeadLetterEntry struct {
	OriginalTopic string          `json:"original_topic"`
	EventID       string          `json:"event_id,omitempty"`
	EntityID      string          `json:"entity_id,omitempty"`
	Envelope      json.RawMessage `json:"original_envelope"`

	FailureClass  domain.FailureClass `json:"failure_class"`
	FailureReason string              `json:"failure_reason"`
	Errors        []string            `json:"errors,omitempty"`
	FirstFailedAt time.Time           `json:"first_failed_at"`
	RetryCount    int                 `json:"retry_count"`
	LastError     string              `json:"last_error"`
}

// DeadLetterPublisher routes terminally failed work to a durable dead-letter
// channel. It is consumed only by operator tooling, never by this engine.
type DeadLetterPublisher interface {
	Publish(ctx context.Context, entry *DeadLetterEntry) error
}

// NopDeadLetterPublisher discards entries. Used in tests and when no broker
// is configured.
type NopDeadLetterPublisher struct{}

func (NopDeadLetterPublisher) Publish(context.Context, *DeadLetterEntry) error { return nil }
