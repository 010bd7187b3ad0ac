package transform

import (
	"github.com/openmart/searchsync/internal/domain"
	"github.com/openmart/searchsync/internal/envelope"
)

// productPayload is the full product shape carried by created/replaced/resync
// events. Unknown extra fields from newer producers are ignored.
type productPayload struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Slug         string   `json:"slug"`
	Description  string   `json:"description"`
	CategoryID   string   `json:"category_id"`
	CategoryName string   `json:"category_name"`
	CategoryPath string   `json:"category_path"`
	BrandID      string   `json:"brand_id"`
	BrandName    string   `json:"brand_name"`
	Price        int64    `json:"price"`
	Currency     string   `json:"currency"`
	InStock      bool     `json:"in_stock"`
	Quantity     int64    `json:"quantity"`
	Rating       float64  `json:"rating"`
	ReviewCount  int64    `json:"review_count"`
	Status       string   `json:"status"`
	Tags         []string `json:"tags"`
}

// productPatchFields maps payload keys to index fields for field-scoped
// patches. Only these survive into a patch; anything else in the payload is
// producer-internal and not indexed.
var productPatchFields = map[string]string{
	"name":          "name",
	"slug":          "slug",
	"description":   "description",
	"category_id":   "category_id",
	"category_name": "category_name",
	"category_path": "category_path",
	"brand_id":      "brand_id",
	"brand_name":    "brand_name",
	"price":         "price",
	"currency":      "currency",
	"in_stock":      "in_stock",
	"quantity":      "quantity",
	"status":        "status",
	"tags":          "tags",
}

// productFull produces a full document write. Creation events always produce
// a full document; replaced/resync reuse the same shape.
func (r *Registry) productFull(env *envelope.Envelope) (*domain.Operation, error) {
	var p productPayload
	if err := env.DecodeData(&p); err != nil {
		return nil, err
	}

	if p.Name == "" {
		return nil, semanticErr(env, "product name is required")
	}
	if p.Price < 0 {
		return nil, semanticErr(env, "negative price %d", p.Price)
	}
	if p.Rating < 0 || p.Rating > 5 {
		return nil, semanticErr(env, "rating %g out of range", p.Rating)
	}

	// A create for an entity that is not visible still lands in the index
	// when the policy is soft; a hard policy drops it outright.
	if !domain.IsVisibleStatus(p.Status) && r.policy(domain.EntityProduct) == domain.DeleteHard {
		return &domain.Operation{
			Action:     domain.ActionDelete,
			EntityType: domain.EntityProduct,
		}, nil
	}

	tags := p.Tags
	if tags == nil {
		tags = []string{}
	}

	doc := &domain.ProductDocument{
		ID:            env.EntityID,
		Name:          p.Name,
		Slug:          p.Slug,
		Description:   p.Description,
		CategoryID:    p.CategoryID,
		CategoryName:  p.CategoryName,
		CategoryPath:  p.CategoryPath,
		BrandID:       p.BrandID,
		BrandName:     p.BrandName,
		Price:         p.Price,
		Currency:      p.Currency,
		InStock:       p.InStock,
		Quantity:      p.Quantity,
		Rating:        p.Rating,
		ReviewCount:   p.ReviewCount,
		Status:        p.Status,
		Searchable:    domain.IsVisibleStatus(p.Status),
		Tags:          tags,
		SourceVersion: env.EntityVersion,
	}

	return &domain.Operation{
		Action:     domain.ActionWrite,
		EntityType: domain.EntityProduct,
		Document:   doc,
	}, nil
}

// productPatch produces a field-scoped patch from whichever indexable fields
// the update event carries. A status flip out of visibility is routed through
// the configured policy instead.
func (r *Registry) productPatch(env *envelope.Envelope) (*domain.Operation, error) {
	fields, err := env.DataFields()
	if err != nil {
		return nil, err
	}

	patch := make(map[string]any)
	for key, val := range fields {
		docField, ok := productPatchFields[key]
		if !ok {
			continue
		}
		patch[docField] = val
	}

	if price, ok := patch["price"].(float64); ok && price < 0 {
		return nil, semanticErr(env, "negative price %g", price)
	}

	if status, ok := patch["status"].(string); ok {
		if !domain.IsVisibleStatus(status) {
			return r.hide(domain.EntityProduct, status), nil
		}
		patch["searchable"] = true
	}

	if len(patch) == 0 {
		return &domain.Operation{
			Action:     domain.ActionNoop,
			EntityType: domain.EntityProduct,
		}, nil
	}

	return &domain.Operation{
		Action:     domain.ActionPatch,
		EntityType: domain.EntityProduct,
		Patch:      patch,
	}, nil
}

// stockChangedPayload is the inventory service's stock event shape.
type stockChangedPayload struct {
	ProductID string `json:"product_id"`
	InStock   bool   `json:"in_stock"`
	Quantity  int64  `json:"quantity"`
}

// stockChanged patches stock fields on the product document.
func stockChanged(env *envelope.Envelope) (*domain.Operation, error) {
	var p stockChangedPayload
	if err := env.DecodeData(&p); err != nil {
		return nil, err
	}
	if p.Quantity < 0 {
		return nil, semanticErr(env, "negative quantity %d", p.Quantity)
	}

	return &domain.Operation{
		Action:     domain.ActionPatch,
		EntityType: domain.EntityProduct,
		Patch: map[string]any{
			"in_stock": p.InStock,
			"quantity": p.Quantity,
		},
	}, nil
}

// priceChangedPayload is the pricing service's price event shape.
type priceChangedPayload struct {
	ProductID string `json:"product_id"`
	Price     int64  `json:"price"`
	Currency  string `json:"currency"`
}

// priceChanged patches price fields on the product document.
func priceChanged(env *envelope.Envelope) (*domain.Operation, error) {
	var p priceChangedPayload
	if err := env.DecodeData(&p); err != nil {
		return nil, err
	}
	if p.Price < 0 {
		return nil, semanticErr(env, "negative price %d", p.Price)
	}

	patch := map[string]any{"price": p.Price}
	if p.Currency != "" {
		patch["currency"] = p.Currency
	}

	return &domain.Operation{
		Action:     domain.ActionPatch,
		EntityType: domain.EntityProduct,
		Patch:      patch,
	}, nil
}

// reviewAggregatedPayload is the review service's rating aggregate shape.
type reviewAggregatedPayload struct {
	ProductID   string  `json:"product_id"`
	Rating      float64 `json:"rating"`
	ReviewCount int64   `json:"review_count"`
}

// reviewAggregated patches the rating aggregate on the product document.
func reviewAggregated(env *envelope.Envelope) (*domain.Operation, error) {
	var p reviewAggregatedPayload
	if err := env.DecodeData(&p); err != nil {
		return nil, err
	}
	if p.Rating < 0 || p.Rating > 5 {
		return nil, semanticErr(env, "rating %g out of range", p.Rating)
	}
	if p.ReviewCount < 0 {
		return nil, semanticErr(env, "negative review count %d", p.ReviewCount)
	}

	return &domain.Operation{
		Action:     domain.ActionPatch,
		EntityType: domain.EntityProduct,
		Patch: map[string]any{
			"rating":       p.Rating,
			"review_count": p.ReviewCount,
		},
	}, nil
}
