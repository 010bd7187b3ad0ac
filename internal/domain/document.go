package domain

import "time"

// EntityType identifies a source-of-truth entity kind tracked by the index.
type EntityType string

const (
	EntityProduct  EntityType = "product"
	EntityCategory EntityType = "category"
	EntityContent  EntityType = "content"
)

// EntityTypes returns all entity types that have an index schema.
func EntityTypes() []EntityType {
	return []EntityType{EntityProduct, EntityCategory, EntityContent}
}

// IsValidEntityType checks whether the given string names a known entity type.
func IsValidEntityType(s string) bool {
	switch EntityType(s) {
	case EntityProduct, EntityCategory, EntityContent:
		return true
	default:
		return false
	}
}

// DeletePolicy controls how visibility-ending changes are applied to a document.
type DeletePolicy string

const (
	// DeleteHard removes the document from the index.
	DeleteHard DeletePolicy = "hard"
	// DeleteSoft keeps the document but flips its searchable flag off.
	DeleteSoft DeletePolicy = "soft"
)

// ProductDocument is the denormalized search representation of a product.
type ProductDocument struct {
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
	Searchable   bool     `json:"searchable"`
	Tags         []string `json:"tags"`

	IndexedAt     time.Time `json:"indexed_at"`
	SourceVersion int64     `json:"source_version"`
}

// CategoryDocument is the search representation of a category.
type CategoryDocument struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Slug       string `json:"slug"`
	Path       string `json:"path"`
	ParentID   string `json:"parent_id"`
	Status     string `json:"status"`
	Searchable bool   `json:"searchable"`

	IndexedAt     time.Time `json:"indexed_at"`
	SourceVersion int64     `json:"source_version"`
}

// ContentDocument is the search representation of a content item (CMS page,
// article, landing page).
type ContentDocument struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	Slug       string   `json:"slug"`
	Body       string   `json:"body"`
	Tags       []string `json:"tags"`
	Status     string   `json:"status"`
	Searchable bool     `json:"searchable"`

	IndexedAt     time.Time `json:"indexed_at"`
	SourceVersion int64     `json:"source_version"`
}

// Stamped is implemented by documents that record when they were indexed.
// The pipeline stamps documents at write time so transforms stay pure.
type Stamped interface {
	Stamp(t time.Time)
}

func (d *ProductDocument) Stamp(t time.Time)  { d.IndexedAt = t }
func (d *CategoryDocument) Stamp(t time.Time) { d.IndexedAt = t }
func (d *ContentDocument) Stamp(t time.Time)  { d.IndexedAt = t }

// VisibleStatuses are entity statuses under which a document is searchable.
var VisibleStatuses = map[string]bool{
	"published": true,
	"active":    true,
}

// IsVisibleStatus reports whether the given source status keeps the entity
// searchable. Anything outside VisibleStatuses (archived, unpublished,
// inactive, draft, ...) hides the document.
func IsVisibleStatus(status string) bool {
	return VisibleStatuses[status]
}
