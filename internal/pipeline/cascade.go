package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openmart/searchsync/internal/domain"
	"github.com/openmart/searchsync/internal/index"
	"github.com/openmart/searchsync/internal/ledger"
	"github.com/openmart/searchsync/internal/metrics"
)

// CascadeExecutor applies cascade work items asynchronously so a large
// fan-out (a category rename touching thousands of products) does not block
// the partition it arrived on. Each affected document is patched as its own
// idempotent sub-operation keyed off the root event, so a crash mid-fan-out
// resumes without double-applying.
type CascadeExecutor struct {
	writer    index.Writer
	ledger    ledger.Ledger
	retry     RetryPolicy
	batchSize int
	queue     chan *domain.CascadeWorkItem
	logger    *slog.Logger

	startOnce sync.Once
	wg        sync.WaitGroup
}

// NewCascadeExecutor creates an executor with the given queue capacity and
// enumeration batch size.
func NewCascadeExecutor(writer index.Writer, led ledger.Ledger, retry RetryPolicy, batchSize, queueSize int, logger *slog.Logger) *CascadeExecutor {
	if batchSize < 1 {
		batchSize = 200
	}
	if queueSize < 1 {
		queueSize = 64
	}
	return &CascadeExecutor{
		writer:    writer,
		ledger:    led,
		retry:     retry,
		batchSize: batchSize,
		queue:     make(chan *domain.CascadeWorkItem, queueSize),
		logger:    logger,
	}
}

// Start launches the given number of workers. It blocks until the context is
// canceled and all in-flight work items are finished.
func (e *CascadeExecutor) Start(ctx context.Context, workers int) error {
	if workers < 1 {
		workers = 1
	}
	e.startOnce.Do(func() {
		for i := 0; i < workers; i++ {
			e.wg.Add(1)
			go e.worker(ctx)
		}
	})
	e.wg.Wait()
	return nil
}

func (e *CascadeExecutor) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-e.queue:
			if err := e.execute(ctx, item); err != nil {
				e.logger.ErrorContext(ctx, "cascade aborted",
					slog.String("root_event_id", item.RootEventID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Enqueue submits a work item, blocking while the queue is full.
func (e *CascadeExecutor) Enqueue(ctx context.Context, item *domain.CascadeWorkItem) error {
	select {
	case e.queue <- item:
		return nil
	case <-ctx.Done():
		return domain.Blocking(fmt.Errorf("enqueue cascade %s: %w", item.RootEventID, ctx.Err()))
	}
}

// execute fans one work item out over all affected documents. Enumeration is
// paged; the patch never changes the match field, so offset pagination stays
// stable while patches land.
func (e *CascadeExecutor) execute(ctx context.Context, item *domain.CascadeWorkItem) error {
	e.logger.InfoContext(ctx, "cascade started",
		slog.String("root_event_id", item.RootEventID),
		slog.String("root_event_type", item.RootEventType),
		slog.String("match", item.MatchField+"="+item.MatchValue),
	)

	var applied, skipped int
	from := 0
	for {
		var ids []string
		var total int
		_, err := e.retry.retry(ctx, func(ctx context.Context) error {
			var searchErr error
			ids, total, searchErr = e.writer.SearchIDs(ctx, item.TargetEntityType, item.MatchField, item.MatchValue, from, e.batchSize)
			return searchErr
		}, nil)
		if err != nil {
			return fmt.Errorf("enumerate cascade targets: %w", err)
		}

		if from == 0 {
			metrics.CascadeTargets.WithLabelValues(item.RootEventType).Observe(float64(total))
		}
		if len(ids) == 0 {
			break
		}

		for _, id := range ids {
			outcome, err := e.applyTo(ctx, item, id)
			if err != nil {
				if ctx.Err() != nil {
					return err
				}
				// A single failed target does not abort the fan-out; the
				// reconciler will catch anything left behind.
				e.logger.ErrorContext(ctx, "cascade sub-operation failed",
					slog.String("root_event_id", item.RootEventID),
					slog.String("entity_id", id),
					slog.String("error", err.Error()),
				)
				metrics.CascadeSubOps.WithLabelValues("failed").Inc()
				continue
			}
			metrics.CascadeSubOps.WithLabelValues(outcome).Inc()
			if outcome == "applied" {
				applied++
			} else {
				skipped++
			}
		}

		from += len(ids)
		if from >= total {
			break
		}
	}

	e.logger.InfoContext(ctx, "cascade finished",
		slog.String("root_event_id", item.RootEventID),
		slog.Int("applied", applied),
		slog.Int("skipped", skipped),
	)
	return nil
}

// applyTo patches a single cascade target behind its own idempotency record.
func (e *CascadeExecutor) applyTo(ctx context.Context, item *domain.CascadeWorkItem, entityID string) (string, error) {
	subEventID := item.SubEventID(entityID)

	decision, err := e.ledger.ShouldApply(ctx, subEventID, entityID, 0)
	if err != nil {
		return "", fmt.Errorf("ledger check %s: %w", subEventID, err)
	}
	if decision != ledger.Apply {
		return "skipped", nil
	}

	patch := make(map[string]any, len(item.Patch)+1)
	for k, v := range item.Patch {
		patch[k] = v
	}
	patch["indexed_at"] = time.Now().UTC().Format(time.RFC3339Nano)

	_, err = e.retry.retry(ctx, func(ctx context.Context) error {
		return e.writer.Patch(ctx, item.TargetEntityType, entityID, patch)
	}, nil)
	if err != nil {
		return "", fmt.Errorf("patch %s: %w", entityID, err)
	}

	rec := ledger.Record{
		EventID:   subEventID,
		EntityID:  entityID,
		Outcome:   ledger.OutcomeApplied,
		AppliedAt: time.Now().UTC(),
	}
	if err := e.ledger.Commit(ctx, rec); err != nil {
		return "", fmt.Errorf("ledger commit %s: %w", subEventID, err)
	}
	return "applied", nil
}
