package ledger

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool the postgres ledger needs. Declared as an
// interface so tests can substitute pgxmock.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS processed_events (
	event_id       text PRIMARY KEY,
	entity_id      text NOT NULL,
	entity_version bigint NOT NULL,
	outcome        text NOT NULL,
	applied_at     timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS entity_versions (
	entity_id      text PRIMARY KEY,
	entity_version bigint NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_processed_events_entity ON processed_events (entity_id);
`

const checkSQL = `
SELECT
	EXISTS (SELECT 1 FROM processed_events WHERE event_id = $1),
	COALESCE((SELECT entity_version FROM entity_versions WHERE entity_id = $2), 0)
`

const insertEventSQL = `
INSERT INTO processed_events (event_id, entity_id, entity_version, outcome, applied_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (event_id) DO NOTHING
`

// raiseVersionSQL only ever raises the stored version; a concurrent commit
// with a higher version wins and a lower one becomes a no-op.
const raiseVersionSQL = `
INSERT INTO entity_versions (entity_id, entity_version)
VALUES ($1, $2)
ON CONFLICT (entity_id) DO UPDATE
SET entity_version = EXCLUDED.entity_version
WHERE entity_versions.entity_version < EXCLUDED.entity_version
`

// Postgres is a Ledger backed by PostgreSQL, for deployments that want the
// processed-event history to be durable and queryable.
type Postgres struct {
	db DB
}

// NewPostgres creates a postgres-backed ledger and ensures its schema exists.
func NewPostgres(ctx context.Context, db DB) (*Postgres, error) {
	p := &Postgres{db: db}
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		return nil, fmt.Errorf("ensure ledger schema: %w", err)
	}
	return p, nil
}

// ShouldApply checks the event ID and entity version against recorded state.
func (p *Postgres) ShouldApply(ctx context.Context, eventID, entityID string, entityVersion int64) (Decision, error) {
	var seen bool
	var committed int64
	if err := p.db.QueryRow(ctx, checkSQL, eventID, entityID).Scan(&seen, &committed); err != nil {
		return Apply, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if seen {
		return SkipDuplicate, nil
	}
	if entityVersion > 0 && entityVersion <= committed {
		return SkipStale, nil
	}
	return Apply, nil
}

// Commit records the event and, for applied outcomes, raises the entity
// high-water version in a single transaction. Failed-permanent commits only
// insert the processed-event row: the version mark tracks what reached the
// index, and raising it for a rejected event would skip its corrected
// replacement as stale.
func (p *Postgres) Commit(ctx context.Context, rec Record) error {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, insertEventSQL,
		rec.EventID, rec.EntityID, rec.EntityVersion, string(rec.Outcome), rec.AppliedAt,
	); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if rec.Outcome == OutcomeApplied {
		if _, err := tx.Exec(ctx, raiseVersionSQL, rec.EntityID, rec.EntityVersion); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
