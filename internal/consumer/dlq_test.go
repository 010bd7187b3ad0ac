package consumer

import (
	"io"
	"log/slog"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDLQProducer_Topic(t *testing.T) {
	d := NewDLQProducer([]string{"localhost:9092"}, "catalog.dlq", testLogger())
	defer func() { _ = d.Close() }()

	tests := []struct {
		name          string
		originalTopic string
		want          string
	}{
		{"product events", "catalog.product.events", "catalog.dlq.catalog.product.events"},
		{"category events", "catalog.category.events", "catalog.dlq.catalog.category.events"},
		{"simple topic", "orders", "catalog.dlq.orders"},
		{"topic with hyphens", "user-events", "catalog.dlq.user-events"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := d.Topic(tt.originalTopic); got != tt.want {
				t.Errorf("Topic(%q) = %q, want %q", tt.originalTopic, got, tt.want)
			}
		})
	}
}
