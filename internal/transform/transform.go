// Package transform maps validated event envelopes to index operations. All
// transforms are pure: no I/O, deterministic for the same input. Payloads that
// validate structurally but are semantically inconsistent (negative price,
// missing name on a create) fail with a permanent transform error.
package transform

import (
	"errors"
	"fmt"

	"github.com/openmart/searchsync/internal/domain"
	"github.com/openmart/searchsync/internal/envelope"
)

// Event types consumed by the engine.
const (
	EventProductCreated  = "product.created"
	EventProductUpdated  = "product.updated"
	EventProductReplaced = "product.replaced"
	EventProductDeleted  = "product.deleted"
	EventProductResync   = "product.resync"

	EventCategoryCreated = "category.created"
	EventCategoryUpdated = "category.updated"
	EventCategoryRenamed = "category.renamed"
	EventCategoryMoved   = "category.moved"
	EventCategoryDeleted = "category.deleted"
	EventCategoryResync  = "category.resync"

	EventContentCreated     = "content.created"
	EventContentUpdated     = "content.updated"
	EventContentPublished   = "content.published"
	EventContentUnpublished = "content.unpublished"
	EventContentArchived    = "content.archived"
	EventContentDeleted     = "content.deleted"
	EventContentResync      = "content.resync"

	EventStockChanged    = "inventory.stock_changed"
	EventPriceChanged    = "pricing.price_changed"
	EventReviewAggregate = "review.aggregated"
)

// ErrUnknownEventType is returned for event types with no registered
// transform. The pipeline logs and acknowledges these rather than failing:
// producers may start emitting new types before this service learns them.
var ErrUnknownEventType = errors.New("unknown event type")

// Func maps one envelope to one index operation.
type Func func(env *envelope.Envelope) (*domain.Operation, error)

// Registry dispatches envelopes to transforms by event type and carries the
// per-entity-type visibility policy (soft hide vs hard delete).
type Registry struct {
	funcs    map[string]Func
	policies map[domain.EntityType]domain.DeletePolicy
}

// NewRegistry builds a registry with all built-in transforms registered.
func NewRegistry(policies map[domain.EntityType]domain.DeletePolicy) *Registry {
	r := &Registry{
		funcs:    make(map[string]Func),
		policies: policies,
	}

	r.Register(EventProductCreated, r.productFull)
	r.Register(EventProductReplaced, r.productFull)
	r.Register(EventProductResync, r.productFull)
	r.Register(EventProductUpdated, r.productPatch)
	r.Register(EventProductDeleted, deleteOp(domain.EntityProduct))

	r.Register(EventCategoryCreated, r.categoryFull)
	r.Register(EventCategoryResync, r.categoryFull)
	r.Register(EventCategoryUpdated, r.categoryPatch)
	r.Register(EventCategoryRenamed, r.categoryRenamed)
	r.Register(EventCategoryMoved, r.categoryMoved)
	r.Register(EventCategoryDeleted, deleteOp(domain.EntityCategory))

	r.Register(EventContentCreated, r.contentFull)
	r.Register(EventContentResync, r.contentFull)
	r.Register(EventContentUpdated, r.contentPatch)
	r.Register(EventContentPublished, r.contentPublished)
	r.Register(EventContentUnpublished, r.contentHidden)
	r.Register(EventContentArchived, r.contentHidden)
	r.Register(EventContentDeleted, deleteOp(domain.EntityContent))

	r.Register(EventStockChanged, stockChanged)
	r.Register(EventPriceChanged, priceChanged)
	r.Register(EventReviewAggregate, reviewAggregated)

	return r
}

// Register binds an event type to a transform, replacing any existing binding.
func (r *Registry) Register(eventType string, fn Func) {
	r.funcs[eventType] = fn
}

// Transform dispatches the envelope to its registered transform. The returned
// operation always carries the envelope's entity ID and version.
func (r *Registry) Transform(env *envelope.Envelope) (*domain.Operation, error) {
	fn, ok := r.funcs[env.EventType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, env.EventType)
	}

	op, err := fn(env)
	if err != nil {
		return nil, err
	}

	op.EntityID = env.EntityID
	op.SourceVersion = env.EntityVersion
	return op, nil
}

// policy returns the visibility policy for an entity type, defaulting to hard
// deletion when unconfigured.
func (r *Registry) policy(et domain.EntityType) domain.DeletePolicy {
	if p, ok := r.policies[et]; ok {
		return p
	}
	return domain.DeleteHard
}

// deleteOp builds a transform producing an idempotent document deletion.
// Explicit *.deleted events always remove the document regardless of the
// visibility policy; the policy only governs status flips.
func deleteOp(et domain.EntityType) Func {
	return func(env *envelope.Envelope) (*domain.Operation, error) {
		return &domain.Operation{
			Action:     domain.ActionDelete,
			EntityType: et,
		}, nil
	}
}

// hide produces the policy-driven operation for an entity that stopped being
// visible: either a hard delete or a soft patch flipping searchable off.
func (r *Registry) hide(et domain.EntityType, status string) *domain.Operation {
	if r.policy(et) == domain.DeleteHard {
		return &domain.Operation{
			Action:     domain.ActionDelete,
			EntityType: et,
		}
	}
	return &domain.Operation{
		Action:     domain.ActionPatch,
		EntityType: et,
		Patch: map[string]any{
			"status":     status,
			"searchable": false,
		},
	}
}

// semanticErr wraps a payload consistency violation as a permanent failure.
func semanticErr(env *envelope.Envelope, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	return domain.TransformFailure(fmt.Errorf("%s (%s): %s", env.EventType, env.EventID, msg))
}
