// Package ledger enforces at-most-once application of events and rejects
// stale entity versions. It is the mechanism that makes broker redelivery and
// write retries safe.
package ledger

import (
	"context"
	"errors"
	"time"
)

// Decision is the outcome of a pre-write idempotency check.
type Decision int

const (
	// Apply means the event has not been seen and is not stale.
	Apply Decision = iota
	// SkipDuplicate means the exact event ID was already processed.
	SkipDuplicate
	// SkipStale means the event carries an entity version at or below the
	// highest version already applied for that entity.
	SkipStale
)

func (d Decision) String() string {
	switch d {
	case Apply:
		return "apply"
	case SkipDuplicate:
		return "skip_duplicate"
	case SkipStale:
		return "skip_stale"
	default:
		return "unknown"
	}
}

// Outcome records how an event ended up in the ledger.
type Outcome string

const (
	OutcomeApplied         Outcome = "applied"
	OutcomeSkippedStale    Outcome = "skipped_stale"
	OutcomeFailedPermanent Outcome = "failed_permanent"
)

// Record is one processed-event entry.
type Record struct {
	EventID       string
	EntityID      string
	EntityVersion int64
	Outcome       Outcome
	AppliedAt     time.Time
}

// ErrUnavailable signals that the ledger storage cannot be reached. Callers
// must pause consumption rather than dead-letter: acknowledging events while
// the ledger is down would silently drop them.
var ErrUnavailable = errors.New("ledger unavailable")

// Ledger answers "has this been applied" and "is this stale" before every
// write, and durably records the outcome afterwards.
//
// entityVersion == 0 means the event carries no version; deduplication then
// falls back to event IDs only (a weaker, documented degraded mode).
//
// Implementations must guarantee that the highest committed version per
// entity never decreases, even under concurrent commits from workers that
// incorrectly receive the same entity's events. Only applied outcomes raise
// the version: a dead-lettered event records its ID for deduplication, but a
// later corrected event at the same version must still pass the staleness
// check.
type Ledger interface {
	ShouldApply(ctx context.Context, eventID, entityID string, entityVersion int64) (Decision, error)
	Commit(ctx context.Context, rec Record) error
}
