package ledger

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-memory Ledger. Suitable for development, tests and
// single-instance deployments. Event entries expire after the configured TTL
// to bound memory usage; entity high-water versions are kept indefinitely.
type Memory struct {
	mu       sync.Mutex
	events   map[string]time.Time
	versions map[string]int64
	ttl      time.Duration
}

// NewMemory creates a new in-memory ledger with the given event-entry TTL.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		events:   make(map[string]time.Time),
		versions: make(map[string]int64),
		ttl:      ttl,
	}
}

// ShouldApply checks the event ID and entity version against recorded state.
func (m *Memory) ShouldApply(_ context.Context, eventID, entityID string, entityVersion int64) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ts, ok := m.events[eventID]; ok {
		if time.Since(ts) <= m.ttl {
			return SkipDuplicate, nil
		}
		// Lazily expire old entries.
		delete(m.events, eventID)
	}

	if entityVersion > 0 {
		if committed, ok := m.versions[entityID]; ok && entityVersion <= committed {
			return SkipStale, nil
		}
	}

	return Apply, nil
}

// Commit records the event and, for applied outcomes, raises the entity
// high-water version. The version never decreases and only tracks versions
// that actually reached the index: a failed-permanent commit records the
// event ID but must not block a corrected event at the same version.
func (m *Memory) Commit(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events[rec.EventID] = time.Now()
	if rec.Outcome == OutcomeApplied && rec.EntityVersion > m.versions[rec.EntityID] {
		m.versions[rec.EntityID] = rec.EntityVersion
	}
	return nil
}

// Len returns the number of recorded event entries (including expired ones).
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}
