package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmart/searchsync/internal/domain"
	memindex "github.com/openmart/searchsync/internal/index/memory"
	"github.com/openmart/searchsync/internal/ledger"
	"github.com/openmart/searchsync/internal/transform"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubSource serves snapshots from memory.
type stubSource struct {
	snaps map[domain.EntityType][]Snapshot
}

func (s *stubSource) List(_ context.Context, entityType domain.EntityType, page, perPage int) ([]Snapshot, int, error) {
	all := s.snaps[entityType]
	total := len(all)
	start := (page - 1) * perPage
	if start >= total {
		return nil, total, nil
	}
	end := start + perPage
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

func (s *stubSource) Fetch(_ context.Context, entityType domain.EntityType, id string) (*Snapshot, bool, error) {
	for i := range s.snaps[entityType] {
		if s.snaps[entityType][i].EntityID == id {
			return &s.snaps[entityType][i], true, nil
		}
	}
	return nil, false, nil
}

func productSnapshot(id string, version int64, name string) Snapshot {
	data, _ := json.Marshal(map[string]any{
		"name":   name,
		"slug":   "slug-" + id,
		"price":  1000,
		"status": "published",
	})
	return Snapshot{EntityID: id, Version: version, Data: data}
}

type fixture struct {
	reconciler *Reconciler
	writer     *memindex.Writer
	source     *stubSource
	ledger     *ledger.Memory
}

func newFixture(t *testing.T, snaps map[domain.EntityType][]Snapshot) *fixture {
	t.Helper()
	writer := memindex.New()
	source := &stubSource{snaps: snaps}
	led := ledger.NewMemory(time.Hour)
	registry := transform.NewRegistry(map[domain.EntityType]domain.DeletePolicy{
		domain.EntityProduct:  domain.DeleteSoft,
		domain.EntityCategory: domain.DeleteHard,
		domain.EntityContent:  domain.DeleteHard,
	})
	r := New(source, writer, registry, led, Config{
		Interval: time.Hour,
		Scope:    []domain.EntityType{domain.EntityProduct},
		PageSize: 2,
		BulkSize: 3,
	}, newTestLogger())
	return &fixture{reconciler: r, writer: writer, source: source, ledger: led}
}

func TestReconciler_RepairsMissingDocument(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[domain.EntityType][]Snapshot{
		domain.EntityProduct: {productSnapshot("prod-1", 3, "Laptop")},
	})

	report, err := f.reconciler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Checked: 1, Drifted: 1, Repaired: 1}, report)

	doc, found, err := f.writer.Get(ctx, domain.EntityProduct, "prod-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Laptop", doc["name"])
	assert.Equal(t, float64(3), doc["source_version"])
	assert.NotEmpty(t, doc["indexed_at"])
}

func TestReconciler_RepairsCorruptionWithinOneSweep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[domain.EntityType][]Snapshot{
		domain.EntityProduct: {productSnapshot("prod-1", 3, "Laptop")},
	})

	// First sweep brings the index in line.
	_, err := f.reconciler.RunOnce(ctx)
	require.NoError(t, err)

	// Someone edits the document behind the engine's back.
	require.NoError(t, f.writer.Patch(ctx, domain.EntityProduct, "prod-1",
		map[string]any{"name": "Defaced"}))

	report, err := f.reconciler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Drifted)
	assert.Equal(t, 1, report.Repaired)

	doc, _, err := f.writer.Get(ctx, domain.EntityProduct, "prod-1")
	require.NoError(t, err)
	assert.Equal(t, "Laptop", doc["name"], "corruption must be corrected even at the same version")
}

func TestReconciler_InSyncIndexUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[domain.EntityType][]Snapshot{
		domain.EntityProduct: {productSnapshot("prod-1", 3, "Laptop")},
	})

	_, err := f.reconciler.RunOnce(ctx)
	require.NoError(t, err)

	report, err := f.reconciler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Checked: 1, Drifted: 0, Repaired: 0}, report)
}

func TestReconciler_RepairsStaleDocument(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[domain.EntityType][]Snapshot{
		domain.EntityProduct: {productSnapshot("prod-1", 5, "Laptop Pro")},
	})

	require.NoError(t, f.writer.Upsert(ctx, domain.EntityProduct, "prod-1", map[string]any{
		"name":           "Laptop",
		"source_version": 2,
	}))

	report, err := f.reconciler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Repaired)

	doc, _, err := f.writer.Get(ctx, domain.EntityProduct, "prod-1")
	require.NoError(t, err)
	assert.Equal(t, "Laptop Pro", doc["name"])
	assert.Equal(t, float64(5), doc["source_version"])
}

func TestReconciler_NeverRegressesNewerIndexState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[domain.EntityType][]Snapshot{
		domain.EntityProduct: {productSnapshot("prod-1", 3, "Snapshot Name")},
	})

	// The index already holds a state newer than the (lagging) snapshot.
	require.NoError(t, f.writer.Upsert(ctx, domain.EntityProduct, "prod-1", map[string]any{
		"name":           "Live Name",
		"source_version": 7,
	}))

	report, err := f.reconciler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Checked: 1, Drifted: 0, Repaired: 0}, report)

	doc, _, err := f.writer.Get(ctx, domain.EntityProduct, "prod-1")
	require.NoError(t, err)
	assert.Equal(t, "Live Name", doc["name"])
}

func TestReconciler_DeletesDocumentSourceSaysIsGone(t *testing.T) {
	ctx := context.Background()

	data, _ := json.Marshal(map[string]any{"name": "Hidden Cat", "status": "archived"})
	f := newFixture(t, map[domain.EntityType][]Snapshot{
		domain.EntityCategory: {{EntityID: "cat-1", Version: 4, Data: data}},
	})

	require.NoError(t, f.writer.Upsert(ctx, domain.EntityCategory, "cat-1", map[string]any{
		"name":           "Hidden Cat",
		"source_version": 3,
	}))

	// Category policy is hard: an archived category must not stay indexed.
	report, err := f.reconciler.RunOnce(ctx, domain.EntityCategory)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Drifted)

	_, found, err := f.writer.Get(ctx, domain.EntityCategory, "cat-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestReconciler_PagesThroughScope(t *testing.T) {
	ctx := context.Background()
	var snaps []Snapshot
	for i := 0; i < 5; i++ {
		snaps = append(snaps, productSnapshot(fmt.Sprintf("prod-%d", i), 1, fmt.Sprintf("Product %d", i)))
	}
	f := newFixture(t, map[domain.EntityType][]Snapshot{domain.EntityProduct: snaps})

	// Page size 2 forces three list calls.
	report, err := f.reconciler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, report.Checked)
	assert.Equal(t, 5, report.Repaired)
	assert.Equal(t, 5, f.writer.Len(domain.EntityProduct))
}

// hookedSource runs a callback before each List page, to interleave live
// writes with a sweep.
type hookedSource struct {
	*stubSource
	onList func(page int)
}

func (s *hookedSource) List(ctx context.Context, entityType domain.EntityType, page, perPage int) ([]Snapshot, int, error) {
	if s.onList != nil {
		s.onList(page)
	}
	return s.stubSource.List(ctx, entityType, page, perPage)
}

func TestReconciler_FlushDropsRepairOvertakenByLiveWrite(t *testing.T) {
	ctx := context.Background()
	writer := memindex.New()
	registry := transform.NewRegistry(map[domain.EntityType]domain.DeletePolicy{
		domain.EntityProduct: domain.DeleteSoft,
	})
	source := &hookedSource{stubSource: &stubSource{snaps: map[domain.EntityType][]Snapshot{
		domain.EntityProduct: {
			productSnapshot("prod-a", 5, "Snapshot Name"),
			productSnapshot("prod-b", 1, "Product B"),
		},
	}}}
	// A live event lands between drift detection and the bulk flush.
	source.onList = func(page int) {
		if page == 2 {
			_ = writer.Upsert(ctx, domain.EntityProduct, "prod-a", map[string]any{
				"name":           "Live Name",
				"source_version": 7,
			})
		}
	}

	require.NoError(t, writer.Upsert(ctx, domain.EntityProduct, "prod-a", map[string]any{
		"name":           "Old Name",
		"source_version": 2,
	}))

	r := New(source, writer, registry, ledger.NewMemory(time.Hour), Config{
		Interval:      time.Hour,
		Scope:         []domain.EntityType{domain.EntityProduct},
		PageSize:      1,
		BulkSize:      100,
		FlushInterval: time.Hour,
	}, newTestLogger())

	report, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Drifted)
	assert.Equal(t, 1, report.Repaired, "the overtaken repair must be dropped, not applied")

	doc, _, err := writer.Get(ctx, domain.EntityProduct, "prod-a")
	require.NoError(t, err)
	assert.Equal(t, "Live Name", doc["name"], "corrective write must not regress a newer live write")
	assert.Equal(t, float64(7), doc["source_version"])

	_, found, err := writer.Get(ctx, domain.EntityProduct, "prod-b")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestReconciler_SweepDeletesOrphanedDocument(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[domain.EntityType][]Snapshot{
		domain.EntityProduct: {productSnapshot("prod-1", 3, "Laptop")},
	})

	// A missed delete event left a document behind with no source entity.
	require.NoError(t, f.writer.Upsert(ctx, domain.EntityProduct, "prod-ghost", map[string]any{
		"name":           "Ghost",
		"source_version": 1,
	}))

	report, err := f.reconciler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Drifted)
	assert.Equal(t, 2, report.Repaired)

	_, found, err := f.writer.Get(ctx, domain.EntityProduct, "prod-ghost")
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = f.writer.Get(ctx, domain.EntityProduct, "prod-1")
	require.NoError(t, err)
	assert.True(t, found)
}

// fetchOnlySource serves extra snapshots via Fetch that List does not return
// yet, the shape of an entity created after a sweep's paging started.
type fetchOnlySource struct {
	*stubSource
	extra map[string]Snapshot
}

func (s *fetchOnlySource) Fetch(ctx context.Context, entityType domain.EntityType, id string) (*Snapshot, bool, error) {
	if snap, ok := s.extra[id]; ok {
		return &snap, true, nil
	}
	return s.stubSource.Fetch(ctx, entityType, id)
}

func TestReconciler_SweepKeepsEntityCreatedMidSweep(t *testing.T) {
	ctx := context.Background()
	writer := memindex.New()
	registry := transform.NewRegistry(map[domain.EntityType]domain.DeletePolicy{
		domain.EntityProduct: domain.DeleteSoft,
	})
	source := &fetchOnlySource{
		stubSource: &stubSource{snaps: map[domain.EntityType][]Snapshot{
			domain.EntityProduct: {productSnapshot("prod-1", 3, "Laptop")},
		}},
		extra: map[string]Snapshot{"prod-new": productSnapshot("prod-new", 1, "Fresh Product")},
	}

	// prod-new was indexed by a live event while the sweep was paging.
	require.NoError(t, writer.Upsert(ctx, domain.EntityProduct, "prod-new", map[string]any{
		"name":           "Fresh Product",
		"source_version": 1,
	}))

	r := New(source, writer, registry, ledger.NewMemory(time.Hour), Config{
		Interval: time.Hour,
		Scope:    []domain.EntityType{domain.EntityProduct},
		PageSize: 2,
		BulkSize: 3,
	}, newTestLogger())

	report, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Drifted, "a source-confirmed document is not an orphan")

	_, found, err := writer.Get(ctx, domain.EntityProduct, "prod-new")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestReconciler_FlushIntervalBoundsPendingWrites(t *testing.T) {
	ctx := context.Background()
	writer := memindex.New()
	source := &stubSource{snaps: map[domain.EntityType][]Snapshot{
		domain.EntityProduct: {
			productSnapshot("prod-1", 1, "Product 1"),
			productSnapshot("prod-2", 1, "Product 2"),
		},
	}}
	registry := transform.NewRegistry(map[domain.EntityType]domain.DeletePolicy{
		domain.EntityProduct: domain.DeleteSoft,
	})
	// A batch size larger than the scope forces the time-based flush path.
	r := New(source, writer, registry, ledger.NewMemory(time.Hour), Config{
		Interval:      time.Hour,
		Scope:         []domain.EntityType{domain.EntityProduct},
		PageSize:      10,
		BulkSize:      100,
		FlushInterval: time.Nanosecond,
	}, newTestLogger())

	report, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Checked: 2, Drifted: 2, Repaired: 2}, report)
	assert.Equal(t, 2, writer.Len(domain.EntityProduct))
}

func TestReconciler_ReconcileEntity_DeletesOrphan(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[domain.EntityType][]Snapshot{})

	require.NoError(t, f.writer.Upsert(ctx, domain.EntityProduct, "prod-orphan", map[string]any{
		"name": "Ghost",
	}))

	drifted, err := f.reconciler.ReconcileEntity(ctx, domain.EntityProduct, "prod-orphan")
	require.NoError(t, err)
	assert.True(t, drifted)

	_, found, err := f.writer.Get(ctx, domain.EntityProduct, "prod-orphan")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestReconciler_ReconcileEntity_RepairsSingle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[domain.EntityType][]Snapshot{
		domain.EntityProduct: {productSnapshot("prod-1", 2, "Tablet")},
	})

	drifted, err := f.reconciler.ReconcileEntity(ctx, domain.EntityProduct, "prod-1")
	require.NoError(t, err)
	assert.True(t, drifted)

	doc, found, err := f.writer.Get(ctx, domain.EntityProduct, "prod-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Tablet", doc["name"])
}

func TestReconciler_SkipsSnapshotThatFailsTransform(t *testing.T) {
	ctx := context.Background()

	bad, _ := json.Marshal(map[string]any{"price": 100, "status": "published"})
	f := newFixture(t, map[domain.EntityType][]Snapshot{
		domain.EntityProduct: {
			{EntityID: "prod-bad", Version: 1, Data: bad},
			productSnapshot("prod-ok", 1, "Fine Product"),
		},
	})

	report, err := f.reconciler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, 1, report.Repaired, "one bad snapshot must not abort the sweep")

	_, found, err := f.writer.Get(ctx, domain.EntityProduct, "prod-ok")
	require.NoError(t, err)
	assert.True(t, found)
}
