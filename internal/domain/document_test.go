package domain

import (
	"testing"
	"time"
)

func TestIsValidEntityType(t *testing.T) {
	for _, et := range EntityTypes() {
		if !IsValidEntityType(string(et)) {
			t.Errorf("IsValidEntityType(%q) = false, want true", et)
		}
	}
	for _, s := range []string{"order", "user", "", "Product"} {
		if IsValidEntityType(s) {
			t.Errorf("IsValidEntityType(%q) = true, want false", s)
		}
	}
}

func TestIsVisibleStatus(t *testing.T) {
	tests := []struct {
		status string
		want   bool
	}{
		{"published", true},
		{"active", true},
		{"draft", false},
		{"archived", false},
		{"unpublished", false},
		{"inactive", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsVisibleStatus(tt.status); got != tt.want {
			t.Errorf("IsVisibleStatus(%q) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestStamp(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	docs := []Stamped{
		&ProductDocument{},
		&CategoryDocument{},
		&ContentDocument{},
	}
	for _, doc := range docs {
		doc.Stamp(now)
	}

	if got := docs[0].(*ProductDocument).IndexedAt; !got.Equal(now) {
		t.Errorf("ProductDocument.IndexedAt = %v, want %v", got, now)
	}
	if got := docs[1].(*CategoryDocument).IndexedAt; !got.Equal(now) {
		t.Errorf("CategoryDocument.IndexedAt = %v, want %v", got, now)
	}
	if got := docs[2].(*ContentDocument).IndexedAt; !got.Equal(now) {
		t.Errorf("ContentDocument.IndexedAt = %v, want %v", got, now)
	}
}
