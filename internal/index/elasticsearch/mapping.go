package elasticsearch

import "github.com/openmart/searchsync/internal/domain"

// indexMapping returns the JSON mapping for the given entity type's index.
// Every schema carries indexed_at and source_version so downstream consumers
// and the reconciler can detect staleness.
func indexMapping(entityType domain.EntityType) string {
	switch entityType {
	case domain.EntityProduct:
		return productMapping
	case domain.EntityCategory:
		return categoryMapping
	case domain.EntityContent:
		return contentMapping
	default:
		return ""
	}
}

const productMapping = `{
  "settings": {
    "number_of_shards": 1,
    "number_of_replicas": 1
  },
  "mappings": {
    "properties": {
      "id":             { "type": "keyword" },
      "name":           { "type": "text", "fields": { "keyword": { "type": "keyword", "ignore_above": 256 } } },
      "slug":           { "type": "keyword" },
      "description":    { "type": "text" },
      "category_id":    { "type": "keyword" },
      "category_name":  { "type": "text", "fields": { "keyword": { "type": "keyword" } } },
      "category_path":  { "type": "keyword" },
      "brand_id":       { "type": "keyword" },
      "brand_name":     { "type": "text", "fields": { "keyword": { "type": "keyword" } } },
      "price":          { "type": "long" },
      "currency":       { "type": "keyword" },
      "in_stock":       { "type": "boolean" },
      "quantity":       { "type": "long" },
      "rating":         { "type": "double" },
      "review_count":   { "type": "long" },
      "status":         { "type": "keyword" },
      "searchable":     { "type": "boolean" },
      "tags":           { "type": "keyword" },
      "indexed_at":     { "type": "date" },
      "source_version": { "type": "long" }
    }
  }
}`

const categoryMapping = `{
  "settings": {
    "number_of_shards": 1,
    "number_of_replicas": 1
  },
  "mappings": {
    "properties": {
      "id":             { "type": "keyword" },
      "name":           { "type": "text", "fields": { "keyword": { "type": "keyword" } } },
      "slug":           { "type": "keyword" },
      "path":           { "type": "keyword" },
      "parent_id":      { "type": "keyword" },
      "status":         { "type": "keyword" },
      "searchable":     { "type": "boolean" },
      "indexed_at":     { "type": "date" },
      "source_version": { "type": "long" }
    }
  }
}`

const contentMapping = `{
  "settings": {
    "number_of_shards": 1,
    "number_of_replicas": 1
  },
  "mappings": {
    "properties": {
      "id":             { "type": "keyword" },
      "title":          { "type": "text", "fields": { "keyword": { "type": "keyword", "ignore_above": 256 } } },
      "slug":           { "type": "keyword" },
      "body":           { "type": "text" },
      "tags":           { "type": "keyword" },
      "status":         { "type": "keyword" },
      "searchable":     { "type": "boolean" },
      "indexed_at":     { "type": "date" },
      "source_version": { "type": "long" }
    }
  }
}`
