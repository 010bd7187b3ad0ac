package transform

import (
	"github.com/openmart/searchsync/internal/domain"
	"github.com/openmart/searchsync/internal/envelope"
)

// contentPayload is the full content shape carried by created/resync events.
type contentPayload struct {
	ID     string   `json:"id"`
	Title  string   `json:"title"`
	Slug   string   `json:"slug"`
	Body   string   `json:"body"`
	Tags   []string `json:"tags"`
	Status string   `json:"status"`
}

var contentPatchFields = map[string]string{
	"title":  "title",
	"slug":   "slug",
	"body":   "body",
	"tags":   "tags",
	"status": "status",
}

// contentFull produces a full content document write.
func (r *Registry) contentFull(env *envelope.Envelope) (*domain.Operation, error) {
	var c contentPayload
	if err := env.DecodeData(&c); err != nil {
		return nil, err
	}
	if c.Title == "" {
		return nil, semanticErr(env, "content title is required")
	}

	if !domain.IsVisibleStatus(c.Status) && r.policy(domain.EntityContent) == domain.DeleteHard {
		return &domain.Operation{
			Action:     domain.ActionDelete,
			EntityType: domain.EntityContent,
		}, nil
	}

	tags := c.Tags
	if tags == nil {
		tags = []string{}
	}

	doc := &domain.ContentDocument{
		ID:            env.EntityID,
		Title:         c.Title,
		Slug:          c.Slug,
		Body:          c.Body,
		Tags:          tags,
		Status:        c.Status,
		Searchable:    domain.IsVisibleStatus(c.Status),
		SourceVersion: env.EntityVersion,
	}

	return &domain.Operation{
		Action:     domain.ActionWrite,
		EntityType: domain.EntityContent,
		Document:   doc,
	}, nil
}

// contentPatch produces a field-scoped patch for content updates.
func (r *Registry) contentPatch(env *envelope.Envelope) (*domain.Operation, error) {
	fields, err := env.DataFields()
	if err != nil {
		return nil, err
	}

	patch := make(map[string]any)
	for key, val := range fields {
		if docField, ok := contentPatchFields[key]; ok {
			patch[docField] = val
		}
	}

	if status, ok := patch["status"].(string); ok {
		if !domain.IsVisibleStatus(status) {
			return r.hide(domain.EntityContent, status), nil
		}
		patch["searchable"] = true
	}

	if len(patch) == 0 {
		return &domain.Operation{
			Action:     domain.ActionNoop,
			EntityType: domain.EntityContent,
		}, nil
	}

	return &domain.Operation{
		Action:     domain.ActionPatch,
		EntityType: domain.EntityContent,
		Patch:      patch,
	}, nil
}

// contentPublished flips the content visible.
func (r *Registry) contentPublished(env *envelope.Envelope) (*domain.Operation, error) {
	return &domain.Operation{
		Action:     domain.ActionPatch,
		EntityType: domain.EntityContent,
		Patch: map[string]any{
			"status":     "published",
			"searchable": true,
		},
	}, nil
}

// contentHidden routes unpublish/archive through the visibility policy.
func (r *Registry) contentHidden(env *envelope.Envelope) (*domain.Operation, error) {
	status := "unpublished"
	if env.EventType == EventContentArchived {
		status = "archived"
	}
	return r.hide(domain.EntityContent, status), nil
}
