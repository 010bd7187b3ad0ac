package transform

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmart/searchsync/internal/domain"
	"github.com/openmart/searchsync/internal/envelope"
)

func newRegistry(policies map[domain.EntityType]domain.DeletePolicy) *Registry {
	if policies == nil {
		policies = map[domain.EntityType]domain.DeletePolicy{
			domain.EntityProduct:  domain.DeleteSoft,
			domain.EntityCategory: domain.DeleteHard,
			domain.EntityContent:  domain.DeleteHard,
		}
	}
	return NewRegistry(policies)
}

func env(eventType, entityType, entityID string, version int64, data string) *envelope.Envelope {
	return &envelope.Envelope{
		EventID:       "evt-" + eventType + "-" + entityID,
		EventType:     eventType,
		EntityID:      entityID,
		EntityType:    entityType,
		EntityVersion: version,
		OccurredAt:    time.Now().UTC(),
		Source:        "test",
		Data:          json.RawMessage(data),
	}
}

func TestTransform_ProductCreated_FullDocument(t *testing.T) {
	r := newRegistry(nil)

	op, err := r.Transform(env(EventProductCreated, "product", "prod-1", 7, `{
		"name": "Wireless Mouse",
		"slug": "wireless-mouse",
		"description": "Ergonomic wireless mouse",
		"category_id": "cat-1",
		"category_name": "Peripherals",
		"category_path": "/electronics/peripherals",
		"brand_id": "brand-1",
		"brand_name": "Logi",
		"price": 2999,
		"currency": "USD",
		"in_stock": true,
		"quantity": 12,
		"rating": 4.5,
		"review_count": 30,
		"status": "published",
		"tags": ["wireless", "mouse"]
	}`))

	require.NoError(t, err)
	assert.Equal(t, domain.ActionWrite, op.Action)
	assert.Equal(t, domain.EntityProduct, op.EntityType)
	assert.Equal(t, "prod-1", op.EntityID)
	assert.Equal(t, int64(7), op.SourceVersion)

	doc, ok := op.Document.(*domain.ProductDocument)
	require.True(t, ok)
	assert.Equal(t, "Wireless Mouse", doc.Name)
	assert.Equal(t, "Peripherals", doc.CategoryName)
	assert.Equal(t, int64(2999), doc.Price)
	assert.True(t, doc.Searchable)
	assert.Equal(t, int64(7), doc.SourceVersion)
}

func TestTransform_ProductCreated_NilTagsBecomeEmpty(t *testing.T) {
	r := newRegistry(nil)

	op, err := r.Transform(env(EventProductCreated, "product", "prod-2", 1,
		`{"name":"No Tags","status":"published"}`))
	require.NoError(t, err)

	doc := op.Document.(*domain.ProductDocument)
	assert.NotNil(t, doc.Tags)
	assert.Empty(t, doc.Tags)
}

func TestTransform_ProductCreated_SemanticFailures(t *testing.T) {
	r := newRegistry(nil)

	tests := []struct {
		name string
		data string
	}{
		{"missing name", `{"price":100,"status":"published"}`},
		{"negative price", `{"name":"Bad","price":-1,"status":"published"}`},
		{"rating out of range", `{"name":"Bad","rating":5.5,"status":"published"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Transform(env(EventProductCreated, "product", "prod-bad", 1, tt.data))
			require.Error(t, err)
			assert.Equal(t, domain.FailureTransform, domain.ClassOf(err))
		})
	}
}

func TestTransform_ProductUpdated_FieldScopedPatch(t *testing.T) {
	r := newRegistry(nil)

	op, err := r.Transform(env(EventProductUpdated, "product", "prod-3", 4,
		`{"price":1999,"name":"Renamed","internal_cost":1200,"warehouse_zone":"B2"}`))

	require.NoError(t, err)
	assert.Equal(t, domain.ActionPatch, op.Action)
	assert.Equal(t, float64(1999), op.Patch["price"])
	assert.Equal(t, "Renamed", op.Patch["name"])
	assert.NotContains(t, op.Patch, "internal_cost", "producer-internal fields must not be indexed")
	assert.NotContains(t, op.Patch, "warehouse_zone")
}

func TestTransform_ProductUpdated_EmptyPatchIsNoop(t *testing.T) {
	r := newRegistry(nil)

	op, err := r.Transform(env(EventProductUpdated, "product", "prod-4", 2,
		`{"internal_cost":900}`))
	require.NoError(t, err)
	assert.Equal(t, domain.ActionNoop, op.Action)
}

func TestTransform_ProductUpdated_NegativePriceRejected(t *testing.T) {
	r := newRegistry(nil)

	_, err := r.Transform(env(EventProductUpdated, "product", "prod-5", 2, `{"price":-50}`))
	require.Error(t, err)
	assert.Equal(t, domain.FailureTransform, domain.ClassOf(err))
}

func TestTransform_ProductStatusFlip_SoftPolicy(t *testing.T) {
	r := newRegistry(map[domain.EntityType]domain.DeletePolicy{
		domain.EntityProduct: domain.DeleteSoft,
	})

	op, err := r.Transform(env(EventProductUpdated, "product", "prod-6", 3, `{"status":"archived"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.ActionPatch, op.Action)
	assert.Equal(t, false, op.Patch["searchable"])
	assert.Equal(t, "archived", op.Patch["status"])
}

func TestTransform_ProductStatusFlip_HardPolicy(t *testing.T) {
	r := newRegistry(map[domain.EntityType]domain.DeletePolicy{
		domain.EntityProduct: domain.DeleteHard,
	})

	op, err := r.Transform(env(EventProductUpdated, "product", "prod-7", 3, `{"status":"archived"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.ActionDelete, op.Action)
}

func TestTransform_ProductStatusBackToVisible(t *testing.T) {
	r := newRegistry(nil)

	op, err := r.Transform(env(EventProductUpdated, "product", "prod-8", 4, `{"status":"published"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.ActionPatch, op.Action)
	assert.Equal(t, true, op.Patch["searchable"])
}

func TestTransform_ProductDeleted_AlwaysHardDeletes(t *testing.T) {
	// Even under the soft visibility policy an explicit deletion removes the
	// document.
	r := newRegistry(map[domain.EntityType]domain.DeletePolicy{
		domain.EntityProduct: domain.DeleteSoft,
	})

	op, err := r.Transform(env(EventProductDeleted, "product", "prod-9", 5, `{}`))
	require.NoError(t, err)
	assert.Equal(t, domain.ActionDelete, op.Action)
	assert.Equal(t, "prod-9", op.EntityID)
}

func TestTransform_InvisibleCreate_HardPolicyDrops(t *testing.T) {
	r := newRegistry(map[domain.EntityType]domain.DeletePolicy{
		domain.EntityProduct: domain.DeleteHard,
	})

	op, err := r.Transform(env(EventProductCreated, "product", "prod-10", 1,
		`{"name":"Draft Product","status":"draft"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.ActionDelete, op.Action)
}

func TestTransform_InvisibleCreate_SoftPolicyIndexesHidden(t *testing.T) {
	r := newRegistry(map[domain.EntityType]domain.DeletePolicy{
		domain.EntityProduct: domain.DeleteSoft,
	})

	op, err := r.Transform(env(EventProductCreated, "product", "prod-11", 1,
		`{"name":"Draft Product","status":"draft"}`))
	require.NoError(t, err)
	require.Equal(t, domain.ActionWrite, op.Action)

	doc := op.Document.(*domain.ProductDocument)
	assert.False(t, doc.Searchable)
}

func TestTransform_StockChanged(t *testing.T) {
	r := newRegistry(nil)

	op, err := r.Transform(env(EventStockChanged, "product", "prod-12", 0,
		`{"product_id":"prod-12","in_stock":false,"quantity":0}`))
	require.NoError(t, err)
	assert.Equal(t, domain.ActionPatch, op.Action)
	assert.Equal(t, false, op.Patch["in_stock"])
	assert.Equal(t, int64(0), op.Patch["quantity"])

	_, err = r.Transform(env(EventStockChanged, "product", "prod-12", 0,
		`{"product_id":"prod-12","quantity":-3}`))
	require.Error(t, err)
	assert.Equal(t, domain.FailureTransform, domain.ClassOf(err))
}

func TestTransform_PriceChanged(t *testing.T) {
	r := newRegistry(nil)

	op, err := r.Transform(env(EventPriceChanged, "product", "prod-13", 0,
		`{"product_id":"prod-13","price":4999,"currency":"EUR"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.ActionPatch, op.Action)
	assert.Equal(t, int64(4999), op.Patch["price"])
	assert.Equal(t, "EUR", op.Patch["currency"])

	// Currency is optional.
	op, err = r.Transform(env(EventPriceChanged, "product", "prod-13", 0,
		`{"product_id":"prod-13","price":5999}`))
	require.NoError(t, err)
	assert.NotContains(t, op.Patch, "currency")
}

func TestTransform_ReviewAggregated(t *testing.T) {
	r := newRegistry(nil)

	op, err := r.Transform(env(EventReviewAggregate, "product", "prod-14", 0,
		`{"product_id":"prod-14","rating":4.2,"review_count":87}`))
	require.NoError(t, err)
	assert.Equal(t, domain.ActionPatch, op.Action)
	assert.Equal(t, 4.2, op.Patch["rating"])
	assert.Equal(t, int64(87), op.Patch["review_count"])

	_, err = r.Transform(env(EventReviewAggregate, "product", "prod-14", 0,
		`{"product_id":"prod-14","rating":6.1,"review_count":87}`))
	require.Error(t, err)
	assert.Equal(t, domain.FailureTransform, domain.ClassOf(err))
}

func TestTransform_CategoryRenamed_PatchPlusCascade(t *testing.T) {
	r := newRegistry(nil)

	e := env(EventCategoryRenamed, "category", "cat-1", 9, `{"id":"cat-1","name":"Audio & Hi-Fi"}`)
	op, err := r.Transform(e)
	require.NoError(t, err)

	assert.Equal(t, domain.ActionPatch, op.Action)
	assert.Equal(t, domain.EntityCategory, op.EntityType)
	assert.Equal(t, "Audio & Hi-Fi", op.Patch["name"])

	require.NotNil(t, op.Cascade)
	assert.Equal(t, e.EventID, op.Cascade.RootEventID)
	assert.Equal(t, domain.EntityProduct, op.Cascade.TargetEntityType)
	assert.Equal(t, "category_id", op.Cascade.MatchField)
	assert.Equal(t, "cat-1", op.Cascade.MatchValue)
	assert.Equal(t, map[string]any{"category_name": "Audio & Hi-Fi"}, op.Cascade.Patch)
}

func TestTransform_CategoryMoved_CascadesPath(t *testing.T) {
	r := newRegistry(nil)

	op, err := r.Transform(env(EventCategoryMoved, "category", "cat-2", 3,
		`{"id":"cat-2","path":"/home/kitchen","parent_id":"cat-home"}`))
	require.NoError(t, err)

	assert.Equal(t, "/home/kitchen", op.Patch["path"])
	assert.Equal(t, "cat-home", op.Patch["parent_id"])
	require.NotNil(t, op.Cascade)
	assert.Equal(t, map[string]any{"category_path": "/home/kitchen"}, op.Cascade.Patch)
}

func TestTransform_CategoryRenamed_RequiresName(t *testing.T) {
	r := newRegistry(nil)

	_, err := r.Transform(env(EventCategoryRenamed, "category", "cat-3", 2, `{"id":"cat-3"}`))
	require.Error(t, err)
	assert.Equal(t, domain.FailureTransform, domain.ClassOf(err))
}

func TestTransform_CategoryDeleted_NoCascade(t *testing.T) {
	r := newRegistry(nil)

	op, err := r.Transform(env(EventCategoryDeleted, "category", "cat-4", 5, `{}`))
	require.NoError(t, err)
	assert.Equal(t, domain.ActionDelete, op.Action)
	assert.Nil(t, op.Cascade, "member products are reassigned upstream, not cascaded here")
}

func TestTransform_ContentLifecycle(t *testing.T) {
	r := newRegistry(map[domain.EntityType]domain.DeletePolicy{
		domain.EntityContent: domain.DeleteSoft,
	})

	op, err := r.Transform(env(EventContentCreated, "content", "page-1", 1,
		`{"title":"Buying Guide","slug":"buying-guide","body":"...","status":"published"}`))
	require.NoError(t, err)
	require.Equal(t, domain.ActionWrite, op.Action)
	doc := op.Document.(*domain.ContentDocument)
	assert.True(t, doc.Searchable)

	op, err = r.Transform(env(EventContentUnpublished, "content", "page-1", 2, `{}`))
	require.NoError(t, err)
	assert.Equal(t, domain.ActionPatch, op.Action)
	assert.Equal(t, "unpublished", op.Patch["status"])
	assert.Equal(t, false, op.Patch["searchable"])

	op, err = r.Transform(env(EventContentPublished, "content", "page-1", 3, `{}`))
	require.NoError(t, err)
	assert.Equal(t, domain.ActionPatch, op.Action)
	assert.Equal(t, true, op.Patch["searchable"])
}

func TestTransform_ContentArchived_HardPolicyDeletes(t *testing.T) {
	r := newRegistry(map[domain.EntityType]domain.DeletePolicy{
		domain.EntityContent: domain.DeleteHard,
	})

	op, err := r.Transform(env(EventContentArchived, "content", "page-2", 4, `{}`))
	require.NoError(t, err)
	assert.Equal(t, domain.ActionDelete, op.Action)
}

func TestTransform_UnknownEventType(t *testing.T) {
	r := newRegistry(nil)

	_, err := r.Transform(env("warehouse.relocated", "product", "prod-x", 1, `{}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownEventType))
}

func TestTransform_Deterministic(t *testing.T) {
	r := newRegistry(nil)
	e := env(EventProductCreated, "product", "prod-det", 2,
		`{"name":"Same Input","price":100,"status":"published"}`)

	first, err := r.Transform(e)
	require.NoError(t, err)
	second, err := r.Transform(e)
	require.NoError(t, err)

	assert.Equal(t, first.Action, second.Action)
	assert.Equal(t, first.Document, second.Document)
}
