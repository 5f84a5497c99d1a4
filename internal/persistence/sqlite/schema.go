package sqlite

import (
	"context"
	"fmt"
	"time"
)

// timeLayout is the canonical timestamp encoding for every column. The
// fractional part is fixed-width so lexical string comparison in SQL matches
// chronological order, and slot lookups can rely on exact string equality.
// All values are formatted in UTC.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", value, err)
	}
	return t, nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS calendars (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		remote_path TEXT NOT NULL,
		read_only   INTEGER NOT NULL DEFAULT 0,
		sync_token  TEXT,
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		id                 TEXT PRIMARY KEY,
		calendar_id        TEXT NOT NULL,
		uid                TEXT NOT NULL,
		title              TEXT NOT NULL,
		body               TEXT NOT NULL DEFAULT '',
		start_time         TEXT NOT NULL,
		end_time           TEXT NOT NULL,
		timezone           TEXT NOT NULL DEFAULT '',
		recurrence_rule    TEXT,
		master_event_id    TEXT,
		recurrence_time    TEXT,
		remote_url         TEXT,
		remote_version_tag TEXT,
		sync_status        TEXT NOT NULL,
		dtstamp            TEXT NOT NULL,
		created_at         TEXT NOT NULL,
		updated_at         TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_calendar ON events (calendar_id)`,
	`CREATE INDEX IF NOT EXISTS idx_events_master ON events (master_event_id)`,
	`CREATE INDEX IF NOT EXISTS idx_events_uid ON events (uid)`,
	// exception_event_id is a non-owning reference; no foreign key so a hard
	// delete of the exception never blocks.
	`CREATE TABLE IF NOT EXISTS occurrences (
		id                 TEXT PRIMARY KEY,
		master_event_id    TEXT NOT NULL,
		calendar_id        TEXT NOT NULL,
		start_time         TEXT NOT NULL,
		end_time           TEXT NOT NULL,
		exception_event_id TEXT,
		UNIQUE (master_event_id, start_time)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_occurrences_master ON occurrences (master_event_id)`,
	// event_id is likewise non-owning: queued operations may outlive their
	// event and are drained by the worker.
	`CREATE TABLE IF NOT EXISTS pending_operations (
		id                 TEXT PRIMARY KEY,
		event_id           TEXT NOT NULL,
		operation          TEXT NOT NULL,
		status             TEXT NOT NULL,
		retry_count        INTEGER NOT NULL DEFAULT 0,
		max_retries        INTEGER NOT NULL,
		next_retry_at      TEXT NOT NULL,
		last_error         TEXT,
		target_url         TEXT,
		target_calendar_id TEXT,
		created_at         TEXT NOT NULL,
		updated_at         TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_operations_event ON pending_operations (event_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_operations_ready ON pending_operations (status, next_retry_at)`,
}

// Migrate creates the schema when missing. Statements are idempotent so the
// migration is safe to run on every start.
func (cp *ConnectionPool) Migrate(ctx context.Context) error {
	return cp.InTransaction(ctx, func(ctx context.Context) error {
		tx := txFromContext(ctx)
		for _, stmt := range schemaStatements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to apply schema statement: %w", err)
			}
		}
		return nil
	})
}
