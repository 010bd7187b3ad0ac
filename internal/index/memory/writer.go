// Package memory provides an in-memory index writer for development and tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/openmart/searchsync/internal/domain"
	"github.com/openmart/searchsync/internal/index"
)

// Writer is an in-memory implementation of index.Writer. Documents are stored
// as generic field maps keyed by entity type and ID.
type Writer struct {
	mu   sync.RWMutex
	docs map[domain.EntityType]map[string]map[string]any
}

// New creates an empty in-memory writer.
func New() *Writer {
	docs := make(map[domain.EntityType]map[string]map[string]any)
	for _, et := range domain.EntityTypes() {
		docs[et] = make(map[string]map[string]any)
	}
	return &Writer{docs: docs}
}

// EnsureIndices is a no-op for the in-memory writer.
func (w *Writer) EnsureIndices(_ context.Context) error { return nil }

func toFields(doc any) (map[string]any, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal document: %w", err)
	}
	return m, nil
}

// Upsert writes a full document, replacing any existing one.
func (w *Writer) Upsert(_ context.Context, entityType domain.EntityType, id string, doc any) error {
	fields, err := toFields(doc)
	if err != nil {
		return domain.WritePermanent(err)
	}

	w.mu.Lock()
	w.docs[entityType][id] = fields
	w.mu.Unlock()
	return nil
}

// Patch merges fields into the document, creating it if absent.
func (w *Writer) Patch(_ context.Context, entityType domain.EntityType, id string, fields map[string]any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	doc, ok := w.docs[entityType][id]
	if !ok {
		doc = make(map[string]any)
		w.docs[entityType][id] = doc
	}
	for k, v := range fields {
		doc[k] = v
	}
	return nil
}

// Delete removes a document. Missing documents are treated as success.
func (w *Writer) Delete(_ context.Context, entityType domain.EntityType, id string) error {
	w.mu.Lock()
	delete(w.docs[entityType], id)
	w.mu.Unlock()
	return nil
}

// BulkUpsert writes multiple full documents.
func (w *Writer) BulkUpsert(ctx context.Context, entityType domain.EntityType, docs []index.BulkDoc) error {
	for _, d := range docs {
		if err := w.Upsert(ctx, entityType, d.ID, d.Doc); err != nil {
			return err
		}
	}
	return nil
}

// Get fetches a copy of the document's field map.
func (w *Writer) Get(_ context.Context, entityType domain.EntityType, id string) (map[string]any, bool, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	doc, ok := w.docs[entityType][id]
	if !ok {
		return nil, false, nil
	}
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out, true, nil
}

// SearchIDs returns a page of document IDs whose field equals value.
func (w *Writer) SearchIDs(_ context.Context, entityType domain.EntityType, field, value string, from, size int) ([]string, int, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var matched []string
	for id, doc := range w.docs[entityType] {
		if s, ok := doc[field].(string); ok && s == value {
			matched = append(matched, id)
		}
	}
	// Deterministic pagination.
	sort.Strings(matched)

	total := len(matched)
	if from >= total {
		return nil, total, nil
	}
	end := from + size
	if end > total {
		end = total
	}
	return matched[from:end], total, nil
}

// ListIDs returns a page of all document IDs for the entity type.
func (w *Writer) ListIDs(_ context.Context, entityType domain.EntityType, from, size int) ([]string, int, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	ids := make([]string, 0, len(w.docs[entityType]))
	for id := range w.docs[entityType] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	total := len(ids)
	if from >= total {
		return nil, total, nil
	}
	end := from + size
	if end > total {
		end = total
	}
	return ids[from:end], total, nil
}

// Len returns the number of documents stored for the entity type.
func (w *Writer) Len(entityType domain.EntityType) int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.docs[entityType])
}
