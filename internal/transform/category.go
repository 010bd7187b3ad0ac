package transform

import (
	"github.com/openmart/searchsync/internal/domain"
	"github.com/openmart/searchsync/internal/envelope"
)

// categoryPayload is the full category shape carried by created/resync events.
type categoryPayload struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Slug     string `json:"slug"`
	Path     string `json:"path"`
	ParentID string `json:"parent_id"`
	Status   string `json:"status"`
}

var categoryPatchFields = map[string]string{
	"name":      "name",
	"slug":      "slug",
	"path":      "path",
	"parent_id": "parent_id",
	"status":    "status",
}

// categoryFull produces a full category document write.
func (r *Registry) categoryFull(env *envelope.Envelope) (*domain.Operation, error) {
	var c categoryPayload
	if err := env.DecodeData(&c); err != nil {
		return nil, err
	}
	if c.Name == "" {
		return nil, semanticErr(env, "category name is required")
	}

	if !domain.IsVisibleStatus(c.Status) && r.policy(domain.EntityCategory) == domain.DeleteHard {
		return &domain.Operation{
			Action:     domain.ActionDelete,
			EntityType: domain.EntityCategory,
		}, nil
	}

	doc := &domain.CategoryDocument{
		ID:            env.EntityID,
		Name:          c.Name,
		Slug:          c.Slug,
		Path:          c.Path,
		ParentID:      c.ParentID,
		Status:        c.Status,
		Searchable:    domain.IsVisibleStatus(c.Status),
		SourceVersion: env.EntityVersion,
	}

	return &domain.Operation{
		Action:     domain.ActionWrite,
		EntityType: domain.EntityCategory,
		Document:   doc,
	}, nil
}

// categoryPatch produces a field-scoped patch for plain category updates.
func (r *Registry) categoryPatch(env *envelope.Envelope) (*domain.Operation, error) {
	fields, err := env.DataFields()
	if err != nil {
		return nil, err
	}

	patch := make(map[string]any)
	for key, val := range fields {
		if docField, ok := categoryPatchFields[key]; ok {
			patch[docField] = val
		}
	}

	if status, ok := patch["status"].(string); ok {
		if !domain.IsVisibleStatus(status) {
			return r.hide(domain.EntityCategory, status), nil
		}
		patch["searchable"] = true
	}

	if len(patch) == 0 {
		return &domain.Operation{
			Action:     domain.ActionNoop,
			EntityType: domain.EntityCategory,
		}, nil
	}

	return &domain.Operation{
		Action:     domain.ActionPatch,
		EntityType: domain.EntityCategory,
		Patch:      patch,
	}, nil
}

// categoryRenamedPayload carries the new name of a renamed category.
type categoryRenamedPayload struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// categoryRenamed patches the category document and fans the new name out to
// every member product's denormalized category_name.
func (r *Registry) categoryRenamed(env *envelope.Envelope) (*domain.Operation, error) {
	var c categoryRenamedPayload
	if err := env.DecodeData(&c); err != nil {
		return nil, err
	}
	if c.Name == "" {
		return nil, semanticErr(env, "category name is required")
	}

	return &domain.Operation{
		Action:     domain.ActionPatch,
		EntityType: domain.EntityCategory,
		Patch:      map[string]any{"name": c.Name},
		Cascade: &domain.CascadeWorkItem{
			RootEventID:      env.EventID,
			RootEventType:    env.EventType,
			TargetEntityType: domain.EntityProduct,
			MatchField:       "category_id",
			MatchValue:       env.EntityID,
			Patch:            map[string]any{"category_name": c.Name},
		},
	}, nil
}

// categoryMovedPayload carries the new location of a moved category.
type categoryMovedPayload struct {
	ID       string `json:"id"`
	Path     string `json:"path"`
	ParentID string `json:"parent_id"`
}

// categoryMoved patches the category document and fans the new path out to
// member products' denormalized category_path.
func (r *Registry) categoryMoved(env *envelope.Envelope) (*domain.Operation, error) {
	var c categoryMovedPayload
	if err := env.DecodeData(&c); err != nil {
		return nil, err
	}
	if c.Path == "" {
		return nil, semanticErr(env, "category path is required")
	}

	return &domain.Operation{
		Action:     domain.ActionPatch,
		EntityType: domain.EntityCategory,
		Patch:      map[string]any{"path": c.Path, "parent_id": c.ParentID},
		Cascade: &domain.CascadeWorkItem{
			RootEventID:      env.EventID,
			RootEventType:    env.EventType,
			TargetEntityType: domain.EntityProduct,
			MatchField:       "category_id",
			MatchValue:       env.EntityID,
			Patch:            map[string]any{"category_path": c.Path},
		},
	}, nil
}
