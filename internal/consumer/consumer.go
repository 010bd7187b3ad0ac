// Package consumer owns broker connections and consumption progress. Events
// sharing an entity ID arrive on the same partition (producers key messages
// by entity ID), so per-entity ordering holds as long as each partition is
// processed sequentially, which the fetch-handle-commit loop guarantees.
package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/openmart/searchsync/internal/metrics"
)

// Handler processes one raw event. A nil return means the event reached a
// terminal state and its offset may be committed. A non-nil return pauses the
// partition: the message is retried in place and never skipped.
type Handler func(ctx context.Context, topic string, raw []byte) error

// Config holds Kafka consumer configuration.
type Config struct {
	Brokers  []string
	GroupID  string
	Topic    string
	MinBytes int
	MaxBytes int
}

// blockedRetryMax caps the in-place backoff while a blocking condition (ledger
// outage) persists. Progress is never committed during the pause.
const blockedRetryMax = 30 * time.Second

// Consumer wraps a kafka-go reader consuming one topic. Offsets are committed
// only after the handler reports a terminal state, so in-flight events are
// redelivered after a crash and absorbed downstream by the idempotency ledger.
type Consumer struct {
	reader    *kafka.Reader
	handler   Handler
	logger    *slog.Logger
	closeOnce sync.Once
}

// New creates a consumer for a single topic within the shared group.
func New(cfg Config, handler Handler, logger *slog.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: cfg.MinBytes,
		MaxBytes: cfg.MaxBytes,
	})

	return &Consumer{
		reader:  r,
		handler: handler,
		logger:  logger,
	}
}

// Start begins consuming messages. It blocks until the context is canceled,
// finishing the in-flight handler invocation and committing its progress
// before disconnecting (graceful drain).
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("consumer started",
		slog.String("topic", c.reader.Config().Topic),
		slog.String("group", c.reader.Config().GroupID),
	)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consumer stopping", slog.String("topic", c.reader.Config().Topic))
			return c.Close()
		default:
		}

		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return c.Close()
			}
			// kafka-go reconnects internally; just keep fetching.
			c.logger.Error("failed to fetch message", slog.String("error", err.Error()))
			continue
		}

		metrics.EventsReceived.WithLabelValues(msg.Topic).Inc()

		if done := c.handleUntilTerminal(ctx, msg); !done {
			// Shutdown while the event was still pending; leave the offset
			// uncommitted so it is redelivered.
			return c.Close()
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return c.Close()
			}
			c.logger.Error("failed to commit message",
				slog.String("topic", msg.Topic),
				slog.Int("partition", msg.Partition),
				slog.Int64("offset", msg.Offset),
				slog.String("error", err.Error()),
			)
		}
	}
}

// handleUntilTerminal invokes the handler, retrying in place with capped
// backoff while it reports blocking conditions. Returns false only when the
// context ended before the event reached a terminal state.
func (c *Consumer) handleUntilTerminal(ctx context.Context, msg kafka.Message) bool {
	wait := time.Second
	for {
		err := c.handler(ctx, msg.Topic, msg.Value)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		c.logger.Warn("pipeline blocked, pausing partition",
			slog.String("topic", msg.Topic),
			slog.Int("partition", msg.Partition),
			slog.Int64("offset", msg.Offset),
			slog.String("error", err.Error()),
		)

		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
		if wait *= 2; wait > blockedRetryMax {
			wait = blockedRetryMax
		}
	}
}

// Close closes the consumer. It is safe to call multiple times.
func (c *Consumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.reader.Close()
	})
	return err
}

// PingBrokers dials the given Kafka brokers and returns nil if at least one
// broker is reachable.
func PingBrokers(ctx context.Context, brokers []string) error {
	if len(brokers) == 0 {
		return fmt.Errorf("kafka: no brokers configured")
	}

	var lastErr error
	for _, addr := range brokers {
		conn, err := kafka.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		_, err = conn.Brokers()
		_ = conn.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("kafka ping: all brokers unreachable: %w", lastErr)
}
