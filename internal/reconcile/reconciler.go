// Package reconcile detects and corrects drift between source-of-truth and
// the search index: missed events, prolonged outages, manual corruption.
// Corrective writes are derived through the same schema transforms as normal
// events and never regress newer index state.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/openmart/searchsync/internal/domain"
	"github.com/openmart/searchsync/internal/envelope"
	"github.com/openmart/searchsync/internal/index"
	"github.com/openmart/searchsync/internal/ledger"
	"github.com/openmart/searchsync/internal/metrics"
	"github.com/openmart/searchsync/internal/transform"
)

// Report summarizes one reconciliation run.
type Report struct {
	Checked  int `json:"checked"`
	Drifted  int `json:"drifted"`
	Repaired int `json:"repaired"`
}

// Config holds reconciliation tuning knobs.
type Config struct {
	// Interval between periodic sweeps.
	Interval time.Duration
	// Scope is the set of entity types swept.
	Scope []domain.EntityType
	// PageSize is the source snapshot page size.
	PageSize int
	// BulkSize caps how many corrective writes accumulate before a bulk flush.
	BulkSize int
	// FlushInterval bounds how long corrective writes may sit unflushed while
	// a slow source is being paged through.
	FlushInterval time.Duration
}

// pendingRepair is a corrective write waiting for the next bulk flush.
type pendingRepair struct {
	entityType domain.EntityType
	snap       Snapshot
	doc        any
	kind       string
}

// Reconciler periodically sweeps a configured scope of entities, compares the
// index against authoritative snapshots, and issues corrective writes in bulk.
type Reconciler struct {
	source   Source
	writer   index.Writer
	registry *transform.Registry
	ledger   ledger.Ledger
	cfg      Config
	logger   *slog.Logger
}

// New creates a reconciler over the given scope.
func New(
	source Source,
	writer index.Writer,
	registry *transform.Registry,
	led ledger.Ledger,
	cfg Config,
	logger *slog.Logger,
) *Reconciler {
	if cfg.PageSize < 1 {
		cfg.PageSize = 200
	}
	if cfg.BulkSize < 1 {
		cfg.BulkSize = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	return &Reconciler{
		source:   source,
		writer:   writer,
		registry: registry,
		ledger:   led,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run executes reconciliation sweeps on the configured interval until the
// context is canceled. The first sweep happens after one full interval, not
// at startup, so a restart loop does not hammer the source services.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			report, err := r.RunOnce(ctx, r.cfg.Scope...)
			if err != nil {
				r.logger.ErrorContext(ctx, "reconciliation sweep failed",
					slog.String("error", err.Error()),
				)
				continue
			}
			r.logger.InfoContext(ctx, "reconciliation sweep finished",
				slog.Int("checked", report.Checked),
				slog.Int("drifted", report.Drifted),
				slog.Int("repaired", report.Repaired),
			)
		}
	}
}

// RunOnce sweeps the given entity types (or the configured scope when none
// are passed) and returns a drift report. Corrective writes are flushed in
// bulk, bounded by the batch size and the flush interval.
func (r *Reconciler) RunOnce(ctx context.Context, scope ...domain.EntityType) (Report, error) {
	if len(scope) == 0 {
		scope = r.cfg.Scope
	}

	var report Report
	for _, et := range scope {
		var pending []pendingRepair
		lastFlush := time.Now()
		seen := make(map[string]struct{})

		page := 1
		for {
			snaps, total, err := r.source.List(ctx, et, page, r.cfg.PageSize)
			if err != nil {
				report.Repaired += r.flushRepairs(ctx, pending)
				return report, fmt.Errorf("list %s snapshots: %w", et, err)
			}
			if len(snaps) == 0 {
				break
			}

			for i := range snaps {
				if ctx.Err() != nil {
					report.Repaired += r.flushRepairs(ctx, pending)
					return report, ctx.Err()
				}
				seen[snaps[i].EntityID] = struct{}{}
				report.Checked++
				drifted, repaired, repair := r.reconcileOne(ctx, et, &snaps[i])
				if drifted {
					report.Drifted++
				}
				if repaired {
					report.Repaired++
				}
				if repair != nil {
					pending = append(pending, *repair)
				}

				if len(pending) >= r.cfg.BulkSize ||
					(len(pending) > 0 && time.Since(lastFlush) >= r.cfg.FlushInterval) {
					report.Repaired += r.flushRepairs(ctx, pending)
					pending = pending[:0]
					lastFlush = time.Now()
				}
			}

			if page*r.cfg.PageSize >= total {
				break
			}
			page++
		}

		report.Repaired += r.flushRepairs(ctx, pending)

		if err := r.deleteOrphans(ctx, et, seen, &report); err != nil {
			return report, err
		}
	}
	return report, nil
}

// deleteOrphans removes indexed documents whose source entity no longer
// exists, the drift left behind by a missed delete event. Candidates absent
// from the swept snapshot set are confirmed against the source one by one, so
// an entity created while the sweep was paging is not mistaken for an orphan.
func (r *Reconciler) deleteOrphans(ctx context.Context, entityType domain.EntityType, seen map[string]struct{}, report *Report) error {
	var candidates []string
	from := 0
	for {
		ids, total, err := r.writer.ListIDs(ctx, entityType, from, r.cfg.PageSize)
		if err != nil {
			r.logger.WarnContext(ctx, "indexed id enumeration failed, skipping orphan check",
				slog.String("entity_type", string(entityType)),
				slog.String("error", err.Error()),
			)
			return nil
		}
		for _, id := range ids {
			if _, ok := seen[id]; !ok {
				candidates = append(candidates, id)
			}
		}
		from += len(ids)
		if len(ids) == 0 || from >= total {
			break
		}
	}

	for _, id := range candidates {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, found, err := r.source.Fetch(ctx, entityType, id)
		if err != nil {
			r.logger.WarnContext(ctx, "orphan confirmation fetch failed, skipping",
				slog.String("entity_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		if found {
			continue
		}

		report.Drifted++
		metrics.ReconcileDrift.WithLabelValues(string(entityType), "orphan").Inc()
		if err := r.writer.Delete(ctx, entityType, id); err != nil {
			r.logger.ErrorContext(ctx, "orphan delete failed",
				slog.String("entity_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		report.Repaired++
		metrics.ReconcileRepairs.WithLabelValues(string(entityType)).Inc()
		r.logger.InfoContext(ctx, "orphaned document deleted",
			slog.String("entity_type", string(entityType)),
			slog.String("entity_id", id),
		)
	}
	return nil
}

// ReconcileEntity repairs a single entity on demand (operator trigger).
func (r *Reconciler) ReconcileEntity(ctx context.Context, entityType domain.EntityType, id string) (bool, error) {
	snap, found, err := r.source.Fetch(ctx, entityType, id)
	if err != nil {
		return false, fmt.Errorf("fetch %s/%s: %w", entityType, id, err)
	}
	if !found {
		// Source no longer knows the entity; any index document is an orphan.
		if err := r.writer.Delete(ctx, entityType, id); err != nil {
			return false, fmt.Errorf("delete orphan %s/%s: %w", entityType, id, err)
		}
		return true, nil
	}

	drifted, _, repair := r.reconcileOne(ctx, entityType, snap)
	if repair != nil {
		r.flushRepairs(ctx, []pendingRepair{*repair})
	}
	return drifted, nil
}

// reconcileOne compares one snapshot against the index. Deletions are applied
// immediately; corrective writes are returned for the bulk flush.
func (r *Reconciler) reconcileOne(ctx context.Context, entityType domain.EntityType, snap *Snapshot) (drifted, repaired bool, repair *pendingRepair) {
	op, err := r.expectedOperation(entityType, snap)
	if err != nil {
		r.logger.WarnContext(ctx, "snapshot failed transform, skipping",
			slog.String("entity_type", string(entityType)),
			slog.String("entity_id", snap.EntityID),
			slog.String("error", err.Error()),
		)
		return false, false, nil
	}

	actual, found, err := r.writer.Get(ctx, entityType, snap.EntityID)
	if err != nil {
		r.logger.WarnContext(ctx, "index fetch failed, skipping",
			slog.String("entity_id", snap.EntityID),
			slog.String("error", err.Error()),
		)
		return false, false, nil
	}

	switch op.Action {
	case domain.ActionDelete:
		// Source says the entity should not be indexed.
		if !found {
			return false, false, nil
		}
		metrics.ReconcileDrift.WithLabelValues(string(entityType), "visible").Inc()
		if err := r.writer.Delete(ctx, entityType, snap.EntityID); err != nil {
			r.logger.ErrorContext(ctx, "corrective delete failed",
				slog.String("entity_id", snap.EntityID),
				slog.String("error", err.Error()),
			)
			return true, false, nil
		}
		r.commitRepair(ctx, snap)
		return true, true, nil

	case domain.ActionWrite:
		kind := r.driftKind(op, snap, actual, found)
		if kind == "" {
			return false, false, nil
		}
		metrics.ReconcileDrift.WithLabelValues(string(entityType), kind).Inc()
		return true, false, &pendingRepair{
			entityType: entityType,
			snap:       *snap,
			doc:        op.Document,
			kind:       kind,
		}
	}

	return false, false, nil
}

// flushRepairs writes the pending corrective documents in one bulk request per
// entity type and records each repair in the ledger. Returns how many repairs
// landed. Each document's indexed version is re-checked right before the
// write: a live event applied since drift detection makes the snapshot the
// stale side, and the corrective write is dropped instead of regressing it.
func (r *Reconciler) flushRepairs(ctx context.Context, pending []pendingRepair) int {
	if len(pending) == 0 {
		return 0
	}

	now := time.Now().UTC()
	byType := make(map[domain.EntityType][]pendingRepair)
	for _, p := range pending {
		byType[p.entityType] = append(byType[p.entityType], p)
	}

	var repaired int
	for et, items := range byType {
		kept := items[:0]
		for i := range items {
			if r.indexAdvancedPast(ctx, et, &items[i].snap) {
				r.logger.InfoContext(ctx, "index advanced past snapshot, dropping corrective write",
					slog.String("entity_type", string(et)),
					slog.String("entity_id", items[i].snap.EntityID),
					slog.Int64("snapshot_version", items[i].snap.Version),
				)
				continue
			}
			kept = append(kept, items[i])
		}
		items = kept
		if len(items) == 0 {
			continue
		}

		docs := make([]index.BulkDoc, 0, len(items))
		for i := range items {
			if stamped, ok := items[i].doc.(domain.Stamped); ok {
				stamped.Stamp(now)
			}
			docs = append(docs, index.BulkDoc{ID: items[i].snap.EntityID, Doc: items[i].doc})
		}

		if err := r.writer.BulkUpsert(ctx, et, docs); err != nil {
			r.logger.ErrorContext(ctx, "corrective bulk write failed",
				slog.String("entity_type", string(et)),
				slog.Int("count", len(docs)),
				slog.String("error", err.Error()),
			)
			continue
		}

		for i := range items {
			r.commitRepair(ctx, &items[i].snap)
			metrics.ReconcileRepairs.WithLabelValues(string(et)).Inc()
			r.logger.InfoContext(ctx, "drift repaired",
				slog.String("entity_type", string(et)),
				slog.String("entity_id", items[i].snap.EntityID),
				slog.String("kind", items[i].kind),
				slog.Int64("version", items[i].snap.Version),
			)
		}
		repaired += len(items)
	}
	return repaired
}

// indexAdvancedPast reports whether the indexed document now carries a newer
// source_version than the snapshot. An indeterminate read counts as advanced:
// the next sweep will re-derive the repair from fresh state.
func (r *Reconciler) indexAdvancedPast(ctx context.Context, entityType domain.EntityType, snap *Snapshot) bool {
	current, found, err := r.writer.Get(ctx, entityType, snap.EntityID)
	if err != nil {
		r.logger.WarnContext(ctx, "pre-flush index fetch failed, deferring repair",
			slog.String("entity_id", snap.EntityID),
			slog.String("error", err.Error()),
		)
		return true
	}
	if !found {
		return false
	}
	if v, ok := current["source_version"].(float64); ok && int64(v) > snap.Version {
		return true
	}
	return false
}

// driftKind classifies the mismatch between expected and indexed state, or
// returns "" when the document is in sync. The index is never regressed: a
// document carrying a newer source_version than the snapshot is left alone.
func (r *Reconciler) driftKind(op *domain.Operation, snap *Snapshot, actual map[string]any, found bool) string {
	if !found {
		return "missing"
	}

	indexedVersion := int64(0)
	if v, ok := actual["source_version"].(float64); ok {
		indexedVersion = int64(v)
	}
	if indexedVersion > snap.Version {
		return ""
	}
	if indexedVersion < snap.Version {
		return "stale"
	}

	if !documentMatches(op.Document, actual) {
		return "corrupt"
	}
	return ""
}

// expectedOperation derives the index operation the snapshot should produce,
// via the same transform used for live resync events.
func (r *Reconciler) expectedOperation(entityType domain.EntityType, snap *Snapshot) (*domain.Operation, error) {
	env := &envelope.Envelope{
		EventID:       "resync-" + uuid.New().String(),
		EventType:     string(entityType) + ".resync",
		EntityID:      snap.EntityID,
		EntityType:    string(entityType),
		EntityVersion: snap.Version,
		OccurredAt:    time.Now().UTC(),
		Source:        "reconciler",
		Data:          snap.Data,
	}
	return r.registry.Transform(env)
}

// commitRepair records the corrective write so the entity high-water version
// reflects the repaired state.
func (r *Reconciler) commitRepair(ctx context.Context, snap *Snapshot) {
	rec := ledger.Record{
		EventID:       "resync-" + uuid.New().String(),
		EntityID:      snap.EntityID,
		EntityVersion: snap.Version,
		Outcome:       ledger.OutcomeApplied,
		AppliedAt:     time.Now().UTC(),
	}
	if err := r.ledger.Commit(ctx, rec); err != nil {
		r.logger.WarnContext(ctx, "failed to record corrective write",
			slog.String("entity_id", snap.EntityID),
			slog.String("error", err.Error()),
		)
	}
}

// documentMatches compares the expected document against the indexed field
// map, ignoring indexed_at (which records write time, not content).
func documentMatches(expected any, actual map[string]any) bool {
	data, err := json.Marshal(expected)
	if err != nil {
		return false
	}
	var want map[string]any
	if err := json.Unmarshal(data, &want); err != nil {
		return false
	}

	for key, wantVal := range want {
		if key == "indexed_at" {
			continue
		}
		if !reflect.DeepEqual(normalize(wantVal), normalize(actual[key])) {
			return false
		}
	}
	return true
}

// normalize round-trips a value through JSON so numeric types compare equal.
func normalize(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
