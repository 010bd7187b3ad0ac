// Package index defines the search engine write interface used by the
// synchronization pipeline.
package index

import (
	"context"

	"github.com/openmart/searchsync/internal/domain"
)

// BulkDoc is one document in a bulk upsert.
type BulkDoc struct {
	ID  string
	Doc any
}

// Writer applies document-level mutations to a search engine. Implementations
// classify failures: transient errors (timeouts, rate limiting) are wrapped
// with domain.Transient, engine-side rejections that will not heal (mapping
// conflicts, oversized documents) with domain.WritePermanent.
type Writer interface {
	// EnsureIndices creates the per-entity-type indices if they do not exist.
	EnsureIndices(ctx context.Context) error

	// Upsert writes a full document, replacing any existing one.
	Upsert(ctx context.Context, entityType domain.EntityType, id string, doc any) error

	// Patch merges the given fields into the document, creating a partial
	// document if none exists yet (out-of-order patch before create).
	Patch(ctx context.Context, entityType domain.EntityType, id string, fields map[string]any) error

	// Delete removes a document. A missing document is success, not an
	// error, so deletes are idempotent.
	Delete(ctx context.Context, entityType domain.EntityType, id string) error

	// BulkUpsert writes multiple full documents in one engine round trip.
	BulkUpsert(ctx context.Context, entityType domain.EntityType, docs []BulkDoc) error

	// Get fetches a document as a generic field map. The second return is
	// false when the document does not exist.
	Get(ctx context.Context, entityType domain.EntityType, id string) (map[string]any, bool, error)

	// SearchIDs returns a page of document IDs whose field matches value,
	// plus the total match count. Used to enumerate cascade targets.
	SearchIDs(ctx context.Context, entityType domain.EntityType, field, value string, from, size int) ([]string, int, error)

	// ListIDs returns a page of all document IDs for the entity type, plus
	// the total count. Used to detect orphaned documents whose source entity
	// no longer exists.
	ListIDs(ctx context.Context, entityType domain.EntityType, from, size int) ([]string, int, error)
}
