// Package pipeline implements the event processing flow: idempotency check,
// transform, index write with retry, ledger commit. Failures are classified
// and either retried with backoff, dead-lettered, or escalated as blocking so
// the consumer pauses the partition instead of dropping events.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openmart/searchsync/internal/domain"
	"github.com/openmart/searchsync/internal/envelope"
	"github.com/openmart/searchsync/internal/index"
	"github.com/openmart/searchsync/internal/ledger"
	"github.com/openmart/searchsync/internal/metrics"
	"github.com/openmart/searchsync/internal/transform"
)

// Pipeline processes raw broker events end to end. A nil return from Process
// means the event reached a terminal state (applied, skipped or dead-lettered)
// and its offset may be committed; a non-nil return means consumption of the
// partition must pause and the event be redelivered.
type Pipeline struct {
	ledger       ledger.Ledger
	registry     *transform.Registry
	writer       index.Writer
	dlq          DeadLetterPublisher
	cascades     *CascadeExecutor
	retry        RetryPolicy
	writeTimeout time.Duration
	logger       *slog.Logger
}

// New creates a pipeline. cascades may be nil, in which case cascade work
// items are executed synchronously inline.
func New(
	led ledger.Ledger,
	registry *transform.Registry,
	writer index.Writer,
	dlq DeadLetterPublisher,
	cascades *CascadeExecutor,
	retry RetryPolicy,
	writeTimeout time.Duration,
	logger *slog.Logger,
) *Pipeline {
	return &Pipeline{
		ledger:       led,
		registry:     registry,
		writer:       writer,
		dlq:          dlq,
		cascades:     cascades,
		retry:        retry,
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

// Process runs one raw event through the full pipeline.
func (p *Pipeline) Process(ctx context.Context, topic string, raw []byte) error {
	env, err := envelope.Decode(raw)
	if err != nil {
		// Malformed input will not become well-formed on retry.
		p.logger.ErrorContext(ctx, "envelope rejected",
			slog.String("topic", topic),
			slog.String("error", err.Error()),
		)
		return p.deadLetterRaw(ctx, topic, raw, err)
	}
	return p.ProcessEnvelope(ctx, topic, env)
}

// ProcessEnvelope runs a decoded envelope through the pipeline. It is the
// entry point shared by broker consumption and reconciliation.
func (p *Pipeline) ProcessEnvelope(ctx context.Context, topic string, env *envelope.Envelope) error {
	decision, err := p.ledger.ShouldApply(ctx, env.EventID, env.EntityID, env.EntityVersion)
	if err != nil {
		return domain.Blocking(fmt.Errorf("ledger check %s: %w", env.EventID, err))
	}

	switch decision {
	case ledger.SkipDuplicate:
		// The write already happened, but a deferred cascade may have been
		// lost in a crash between ledger commit and fan-out. Re-deriving and
		// re-enqueueing it is safe: every sub-operation is idempotent.
		p.requeueCascade(ctx, env)
		p.logger.DebugContext(ctx, "skipping duplicate event",
			slog.String("event_id", env.EventID),
			slog.String("entity_id", env.EntityID),
		)
		metrics.EventsProcessed.WithLabelValues(env.EntityType, "skipped_duplicate").Inc()
		return nil

	case ledger.SkipStale:
		// Not an error: an out-of-order older version must never regress
		// newer index state. Recorded so redelivery short-circuits.
		if err := p.commit(ctx, env, ledger.OutcomeSkippedStale); err != nil {
			return err
		}
		p.logger.InfoContext(ctx, "skipping stale event",
			slog.String("event_id", env.EventID),
			slog.String("entity_id", env.EntityID),
			slog.Int64("entity_version", env.EntityVersion),
		)
		metrics.EventsProcessed.WithLabelValues(env.EntityType, "skipped_stale").Inc()
		return nil
	}

	op, err := p.registry.Transform(env)
	if err != nil {
		if errors.Is(err, transform.ErrUnknownEventType) {
			p.logger.WarnContext(ctx, "unknown event type received",
				slog.String("event_type", env.EventType),
				slog.String("event_id", env.EventID),
			)
			return nil
		}
		p.logger.ErrorContext(ctx, "transform rejected event",
			slog.String("event_id", env.EventID),
			slog.String("error", err.Error()),
		)
		if dlErr := p.deadLetterEnvelope(ctx, topic, env, err, 0); dlErr != nil {
			return dlErr
		}
		return p.commit(ctx, env, ledger.OutcomeFailedPermanent)
	}

	if op.Action != domain.ActionNoop {
		attempts, err := p.applyWithRetry(ctx, op)
		if err != nil {
			if ctx.Err() != nil {
				// Shutdown mid-write: leave the offset uncommitted so the
				// event is redelivered and retried after restart.
				return fmt.Errorf("apply %s: %w", env.EventID, err)
			}
			p.logger.ErrorContext(ctx, "write failed terminally",
				slog.String("event_id", env.EventID),
				slog.String("entity_id", env.EntityID),
				slog.String("failure_class", string(domain.ClassOf(err))),
				slog.Int("attempts", attempts),
				slog.String("error", err.Error()),
			)
			if dlErr := p.deadLetterEnvelope(ctx, topic, env, err, attempts); dlErr != nil {
				return dlErr
			}
			return p.commit(ctx, env, ledger.OutcomeFailedPermanent)
		}
	}

	if op.Cascade != nil {
		if err := p.enqueueCascade(ctx, op.Cascade); err != nil {
			return err
		}
	}

	if err := p.commit(ctx, env, ledger.OutcomeApplied); err != nil {
		return err
	}

	metrics.EventsProcessed.WithLabelValues(env.EntityType, "applied").Inc()
	p.logger.InfoContext(ctx, "event applied",
		slog.String("event_id", env.EventID),
		slog.String("event_type", env.EventType),
		slog.String("entity_id", env.EntityID),
		slog.Int64("entity_version", env.EntityVersion),
		slog.String("action", string(op.Action)),
	)
	return nil
}

// applyWithRetry performs the index mutation with the configured backoff.
// Every attempt runs under its own write timeout; a timeout is a transient
// failure feeding the retry policy.
func (p *Pipeline) applyWithRetry(ctx context.Context, op *domain.Operation) (int, error) {
	onRetry := func(attempt int, err error) {
		metrics.RetryAttempts.WithLabelValues(string(op.EntityType)).Inc()
		p.logger.WarnContext(ctx, "write failed, will retry",
			slog.String("entity_id", op.EntityID),
			slog.String("action", string(op.Action)),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}

	return p.retry.retry(ctx, func(ctx context.Context) error {
		return p.apply(ctx, op)
	}, onRetry)
}

// apply performs a single index mutation attempt.
func (p *Pipeline) apply(ctx context.Context, op *domain.Operation) error {
	ctx, cancel := context.WithTimeout(ctx, p.writeTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		metrics.WriteDuration.WithLabelValues(string(op.EntityType), string(op.Action)).
			Observe(time.Since(start).Seconds())
	}()

	now := time.Now().UTC()
	switch op.Action {
	case domain.ActionWrite:
		if stamped, ok := op.Document.(domain.Stamped); ok {
			stamped.Stamp(now)
		}
		return p.writer.Upsert(ctx, op.EntityType, op.EntityID, op.Document)

	case domain.ActionPatch:
		patch := make(map[string]any, len(op.Patch)+2)
		for k, v := range op.Patch {
			patch[k] = v
		}
		patch["indexed_at"] = now.Format(time.RFC3339Nano)
		if op.SourceVersion > 0 {
			patch["source_version"] = op.SourceVersion
		}
		return p.writer.Patch(ctx, op.EntityType, op.EntityID, patch)

	case domain.ActionDelete:
		return p.writer.Delete(ctx, op.EntityType, op.EntityID)

	default:
		return nil
	}
}

// enqueueCascade defers fan-out work; inline execution is the fallback when
// no executor is wired.
func (p *Pipeline) enqueueCascade(ctx context.Context, item *domain.CascadeWorkItem) error {
	if p.cascades == nil {
		return nil
	}
	return p.cascades.Enqueue(ctx, item)
}

// requeueCascade re-derives a duplicate event's cascade, if any, and enqueues
// it again. Covers the crash window between ledger commit and fan-out.
func (p *Pipeline) requeueCascade(ctx context.Context, env *envelope.Envelope) {
	if p.cascades == nil {
		return
	}
	op, err := p.registry.Transform(env)
	if err != nil || op.Cascade == nil {
		return
	}
	if err := p.cascades.Enqueue(ctx, op.Cascade); err != nil {
		p.logger.WarnContext(ctx, "failed to requeue cascade for duplicate event",
			slog.String("event_id", env.EventID),
			slog.String("error", err.Error()),
		)
	}
}

// commit records the event outcome in the ledger. Failures are blocking:
// acknowledging an event whose outcome could not be recorded would break the
// at-most-once guarantee on redelivery.
func (p *Pipeline) commit(ctx context.Context, env *envelope.Envelope, outcome ledger.Outcome) error {
	rec := ledger.Record{
		EventID:       env.EventID,
		EntityID:      env.EntityID,
		EntityVersion: env.EntityVersion,
		Outcome:       outcome,
		AppliedAt:     time.Now().UTC(),
	}
	if err := p.ledger.Commit(ctx, rec); err != nil {
		return domain.Blocking(fmt.Errorf("ledger commit %s: %w", env.EventID, err))
	}
	return nil
}

// deadLetterEnvelope publishes a decoded envelope to the dead-letter channel.
func (p *Pipeline) deadLetterEnvelope(ctx context.Context, topic string, env *envelope.Envelope, cause error, retries int) error {
	raw, err := env.Marshal()
	if err != nil {
		raw = nil
	}
	entry := &DeadLetterEntry{
		OriginalTopic: topic,
		EventID:       env.EventID,
		EntityID:      env.EntityID,
		Envelope:      raw,
		FailureClass:  domain.ClassOf(cause),
		FailureReason: cause.Error(),
		FirstFailedAt: time.Now().UTC(),
		RetryCount:    retries,
		LastError:     cause.Error(),
	}
	return p.publishDeadLetter(ctx, entry)
}

// deadLetterRaw publishes a raw, undecodable event to the dead-letter channel.
func (p *Pipeline) deadLetterRaw(ctx context.Context, topic string, raw []byte, cause error) error {
	entry := &DeadLetterEntry{
		OriginalTopic: topic,
		Envelope:      raw,
		FailureClass:  domain.ClassOf(cause),
		FailureReason: cause.Error(),
		FirstFailedAt: time.Now().UTC(),
		LastError:     cause.Error(),
	}
	return p.publishDeadLetter(ctx, entry)
}

func (p *Pipeline) publishDeadLetter(ctx context.Context, entry *DeadLetterEntry) error {
	if err := p.dlq.Publish(ctx, entry); err != nil {
		// The event must not be acknowledged if it reached neither the
		// index nor the dead-letter channel.
		return domain.Blocking(fmt.Errorf("publish dead letter: %w", err))
	}
	metrics.EventsDeadLettered.WithLabelValues(entry.OriginalTopic, string(entry.FailureClass)).Inc()
	return nil
}
