package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/openmart/searchsync/internal/pipeline"
)

// DLQProducer publishes dead-letter entries to a per-source-topic dead-letter
// topic ("<prefix>.<original topic>"). Entries are keyed by entity ID so
// operator replays preserve per-entity ordering.
type DLQProducer struct {
	writer *kafka.Writer
	prefix string
	logger *slog.Logger
}

// NewDLQProducer creates a dead-letter producer writing to topics under the
// given prefix.
func NewDLQProducer(brokers []string, prefix string, logger *slog.Logger) *DLQProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    1,
		BatchTimeout: 100 * time.Millisecond,
		Async:        false,
		RequiredAcks: kafka.RequireAll,
	}

	return &DLQProducer{
		writer: w,
		prefix: prefix,
		logger: logger,
	}
}

// Topic constructs the dead-letter topic name for a given source topic.
func (d *DLQProducer) Topic(originalTopic string) string {
	return fmt.Sprintf("%s.%s", d.prefix, originalTopic)
}

// Publish serializes the entry and sends it to the corresponding dead-letter
// topic with diagnostic headers.
func (d *DLQProducer) Publish(ctx context.Context, entry *pipeline.DeadLetterEntry) error {
	dlqTopic := d.Topic(entry.OriginalTopic)

	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dead letter entry: %w", err)
	}

	msg := kafka.Message{
		Topic: dlqTopic,
		Key:   []byte(entry.EntityID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "dlq.original_topic", Value: []byte(entry.OriginalTopic)},
			{Key: "dlq.failure_class", Value: []byte(entry.FailureClass)},
			{Key: "dlq.event_id", Value: []byte(entry.EventID)},
		},
	}

	if err := d.writer.WriteMessages(ctx, msg); err != nil {
		d.logger.Error("failed to publish dead letter entry",
			slog.String("dlq_topic", dlqTopic),
			slog.String("event_id", entry.EventID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("publish to DLQ %s: %w", dlqTopic, err)
	}

	d.logger.Warn("event dead-lettered",
		slog.String("dlq_topic", dlqTopic),
		slog.String("event_id", entry.EventID),
		slog.String("entity_id", entry.EntityID),
		slog.String("failure_class", string(entry.FailureClass)),
		slog.Int("retry_count", entry.RetryCount),
	)
	return nil
}

// Close closes the dead-letter producer.
func (d *DLQProducer) Close() error {
	return d.writer.Close()
}
