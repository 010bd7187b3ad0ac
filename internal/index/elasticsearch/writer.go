// Package elasticsearch implements the index writer against an Elasticsearch
// cluster using the official v8 client.
package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/openmart/searchsync/internal/domain"
	"github.com/openmart/searchsync/internal/index"
)

// Writer applies document operations to Elasticsearch, one index per entity
// type ("<prefix>_products", "<prefix>_categories", "<prefix>_content").
type Writer struct {
	client *elasticsearch.Client
	prefix string
	logger *slog.Logger
}

type esErrorResponse struct {
	Error struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
	Status int `json:"status"`
}

type esGetResponse struct {
	Found  bool           `json:"found"`
	Source map[string]any `json:"_source"`
}

type esSearchIDsResponse struct {
	Hits struct {
		Total struct {
			Value int `json:"value"`
		} `json:"total"`
		Hits []struct {
			ID string `json:"_id"`
		} `json:"hits"`
	} `json:"hits"`
}

type esBulkResponse struct {
	Errors bool `json:"errors"`
	Items  []struct {
		Index struct {
			ID     string `json:"_id"`
			Status int    `json:"status"`
			Error  struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"index"`
	} `json:"items"`
}

// New creates an Elasticsearch writer connected to the given URL.
func New(esURL, prefix string, logger *slog.Logger) (*Writer, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{esURL},
	})
	if err != nil {
		return nil, fmt.Errorf("elasticsearch: create client: %w", err)
	}
	return &Writer{client: client, prefix: prefix, logger: logger}, nil
}

// Ping checks whether the Elasticsearch cluster is reachable.
func (w *Writer) Ping(ctx context.Context) error {
	res, err := w.client.Ping(w.client.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("elasticsearch ping: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsError() {
		return fmt.Errorf("elasticsearch ping: unexpected status %s", res.Status())
	}
	return nil
}

// indexName maps an entity type to its Elasticsearch index.
func (w *Writer) indexName(entityType domain.EntityType) string {
	switch entityType {
	case domain.EntityProduct:
		return w.prefix + "_products"
	case domain.EntityCategory:
		return w.prefix + "_categories"
	default:
		return w.prefix + "_content"
	}
}

// EnsureIndices creates the per-entity-type indices with explicit mappings if
// they do not exist yet.
func (w *Writer) EnsureIndices(ctx context.Context) error {
	for _, et := range domain.EntityTypes() {
		name := w.indexName(et)

		res, err := w.client.Indices.Exists([]string{name},
			w.client.Indices.Exists.WithContext(ctx),
		)
		if err != nil {
			return fmt.Errorf("check index %s exists: %w", name, err)
		}
		_ = res.Body.Close()
		if res.StatusCode == 200 {
			continue
		}

		res, err = w.client.Indices.Create(name,
			w.client.Indices.Create.WithBody(strings.NewReader(indexMapping(et))),
			w.client.Indices.Create.WithContext(ctx),
		)
		if err != nil {
			return fmt.Errorf("create index %s: %w", name, err)
		}
		if err := closeAndCheck(res, "create index "+name); err != nil {
			return err
		}
		w.logger.Info("elasticsearch index created", slog.String("index", name))
	}
	return nil
}

// DeleteIndices removes all per-entity-type indices. Used by integration
// tests to clean up throwaway indices.
func (w *Writer) DeleteIndices(ctx context.Context) error {
	names := make([]string, 0, len(domain.EntityTypes()))
	for _, et := range domain.EntityTypes() {
		names = append(names, w.indexName(et))
	}

	res, err := w.client.Indices.Delete(names,
		w.client.Indices.Delete.WithContext(ctx),
		w.client.Indices.Delete.WithIgnoreUnavailable(true),
	)
	if err != nil {
		return fmt.Errorf("delete indices: %w", err)
	}
	return closeAndCheck(res, "delete indices")
}

// Upsert writes a full document, replacing any existing one.
func (w *Writer) Upsert(ctx context.Context, entityType domain.EntityType, id string, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return domain.WritePermanent(fmt.Errorf("marshal document %s: %w", id, err))
	}

	res, err := w.client.Index(
		w.indexName(entityType),
		bytes.NewReader(data),
		w.client.Index.WithDocumentID(id),
		w.client.Index.WithContext(ctx),
	)
	if err != nil {
		return domain.Transient(fmt.Errorf("elasticsearch index %s: %w", id, err))
	}
	return classifyResponse(res, "upsert "+id)
}

// Patch merges the given fields into the document via the update API. The
// partial document doubles as the upsert body so an out-of-order patch
// arriving before the create does not fail; the later full write overwrites it.
func (w *Writer) Patch(ctx context.Context, entityType domain.EntityType, id string, fields map[string]any) error {
	body := map[string]any{
		"doc":           fields,
		"doc_as_upsert": true,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return domain.WritePermanent(fmt.Errorf("marshal patch %s: %w", id, err))
	}

	res, err := w.client.Update(
		w.indexName(entityType),
		id,
		bytes.NewReader(data),
		w.client.Update.WithContext(ctx),
	)
	if err != nil {
		return domain.Transient(fmt.Errorf("elasticsearch update %s: %w", id, err))
	}
	return classifyResponse(res, "patch "+id)
}

// Delete removes a document. A 404 is success: deletes are idempotent.
func (w *Writer) Delete(ctx context.Context, entityType domain.EntityType, id string) error {
	res, err := w.client.Delete(
		w.indexName(entityType),
		id,
		w.client.Delete.WithContext(ctx),
	)
	if err != nil {
		return domain.Transient(fmt.Errorf("elasticsearch delete %s: %w", id, err))
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsError() && res.StatusCode != 404 {
		return classifyStatus(res, "delete "+id)
	}
	return nil
}

// BulkUpsert writes multiple full documents using the bulk NDJSON API.
func (w *Writer) BulkUpsert(ctx context.Context, entityType domain.EntityType, docs []index.BulkDoc) error {
	if len(docs) == 0 {
		return nil
	}

	name := w.indexName(entityType)
	var buf bytes.Buffer
	for i := range docs {
		action := map[string]any{
			"index": map[string]any{"_index": name, "_id": docs[i].ID},
		}
		if err := json.NewEncoder(&buf).Encode(action); err != nil {
			return domain.WritePermanent(fmt.Errorf("encode bulk action: %w", err))
		}
		if err := json.NewEncoder(&buf).Encode(docs[i].Doc); err != nil {
			return domain.WritePermanent(fmt.Errorf("encode bulk document: %w", err))
		}
	}

	res, err := w.client.Bulk(
		bytes.NewReader(buf.Bytes()),
		w.client.Bulk.WithIndex(name),
		w.client.Bulk.WithContext(ctx),
	)
	if err != nil {
		return domain.Transient(fmt.Errorf("elasticsearch bulk: %w", err))
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsError() {
		return classifyStatus(res, "bulk upsert")
	}

	var bulkResp esBulkResponse
	if err := json.NewDecoder(res.Body).Decode(&bulkResp); err != nil {
		return domain.Transient(fmt.Errorf("decode bulk response: %w", err))
	}
	if bulkResp.Errors {
		var msgs []string
		permanent := true
		for _, item := range bulkResp.Items {
			if item.Index.Error.Type != "" {
				msgs = append(msgs, fmt.Sprintf("id=%s: %s: %s", item.Index.ID, item.Index.Error.Type, item.Index.Error.Reason))
				if isTransientStatus(item.Index.Status) {
					permanent = false
				}
			}
		}
		err := fmt.Errorf("bulk upsert partial errors: %s", strings.Join(msgs, "; "))
		if permanent {
			return domain.WritePermanent(err)
		}
		return domain.Transient(err)
	}
	return nil
}

// Get fetches a document's source as a generic field map.
func (w *Writer) Get(ctx context.Context, entityType domain.EntityType, id string) (map[string]any, bool, error) {
	res, err := w.client.Get(
		w.indexName(entityType),
		id,
		w.client.Get.WithContext(ctx),
	)
	if err != nil {
		return nil, false, domain.Transient(fmt.Errorf("elasticsearch get %s: %w", id, err))
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode == 404 {
		return nil, false, nil
	}
	if res.IsError() {
		return nil, false, classifyStatus(res, "get "+id)
	}

	var getResp esGetResponse
	if err := json.NewDecoder(res.Body).Decode(&getResp); err != nil {
		return nil, false, domain.Transient(fmt.Errorf("decode get response: %w", err))
	}
	return getResp.Source, getResp.Found, nil
}

// SearchIDs returns a page of document IDs matching a term query on the given
// field. The documents themselves are not fetched.
func (w *Writer) SearchIDs(ctx context.Context, entityType domain.EntityType, field, value string, from, size int) ([]string, int, error) {
	return w.queryIDs(ctx, entityType, map[string]any{
		"term": map[string]any{field: value},
	}, from, size)
}

// ListIDs returns a page of all document IDs in the entity type's index.
func (w *Writer) ListIDs(ctx context.Context, entityType domain.EntityType, from, size int) ([]string, int, error) {
	return w.queryIDs(ctx, entityType, map[string]any{
		"match_all": map[string]any{},
	}, from, size)
}

// queryIDs runs an ID-only search for the given query clause.
func (w *Writer) queryIDs(ctx context.Context, entityType domain.EntityType, clause map[string]any, from, size int) ([]string, int, error) {
	query := map[string]any{
		"query":            clause,
		"from":             from,
		"size":             size,
		"sort":             []any{map[string]any{"id": "asc"}},
		"_source":          false,
		"track_total_hits": true,
	}
	data, err := json.Marshal(query)
	if err != nil {
		return nil, 0, domain.WritePermanent(fmt.Errorf("marshal id query: %w", err))
	}

	res, err := w.client.Search(
		w.client.Search.WithIndex(w.indexName(entityType)),
		w.client.Search.WithBody(bytes.NewReader(data)),
		w.client.Search.WithContext(ctx),
	)
	if err != nil {
		return nil, 0, domain.Transient(fmt.Errorf("elasticsearch search ids: %w", err))
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsError() {
		return nil, 0, classifyStatus(res, "search ids")
	}

	var searchResp esSearchIDsResponse
	if err := json.NewDecoder(res.Body).Decode(&searchResp); err != nil {
		return nil, 0, domain.Transient(fmt.Errorf("decode search response: %w", err))
	}

	ids := make([]string, 0, len(searchResp.Hits.Hits))
	for _, hit := range searchResp.Hits.Hits {
		ids = append(ids, hit.ID)
	}
	return ids, searchResp.Hits.Total.Value, nil
}

// isTransientStatus reports whether an engine HTTP status should be retried.
func isTransientStatus(status int) bool {
	switch status {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// classifyResponse closes the response and maps its status to the failure
// taxonomy: retryable engine conditions become transient errors, everything
// else (mapping conflicts, oversized payloads, malformed documents) is
// permanent.
func classifyResponse(res *esapi.Response, op string) error {
	defer func() { _ = res.Body.Close() }()
	if !res.IsError() {
		return nil
	}
	return classifyStatus(res, op)
}

func classifyStatus(res *esapi.Response, op string) error {
	var errResp esErrorResponse
	reason := res.Status()
	if decErr := json.NewDecoder(res.Body).Decode(&errResp); decErr == nil && errResp.Error.Type != "" {
		reason = fmt.Sprintf("%s: %s", errResp.Error.Type, errResp.Error.Reason)
	}

	err := fmt.Errorf("elasticsearch %s: %s", op, reason)
	if isTransientStatus(res.StatusCode) {
		return domain.Transient(err)
	}
	return domain.WritePermanent(err)
}

func closeAndCheck(res *esapi.Response, op string) error {
	defer func() { _ = res.Body.Close() }()
	if res.IsError() {
		var errResp esErrorResponse
		if decErr := json.NewDecoder(res.Body).Decode(&errResp); decErr == nil && errResp.Error.Type != "" {
			return fmt.Errorf("%s: %s: %s", op, errResp.Error.Type, errResp.Error.Reason)
		}
		return fmt.Errorf("%s: unexpected status %s", op, res.Status())
	}
	return nil
}
