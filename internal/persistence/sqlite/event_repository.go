package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/example/calendar-sync/internal/persistence"
)

// EventRepository implements persistence.EventRepository using SQLite.
type EventRepository struct {
	helper *QueryHelper
	mapper *ErrorMapper
}

// NewEventRepository creates a new SQLite event repository.
func NewEventRepository(pool *ConnectionPool) *EventRepository {
	return &EventRepository{
		helper: NewQueryHelper(pool),
		mapper: NewErrorMapper(),
	}
}

const eventColumns = `id, calendar_id, uid, title, body, start_time, end_time, timezone,
	recurrence_rule, master_event_id, recurrence_time, remote_url, remote_version_tag,
	sync_status, dtstamp, created_at, updated_at`

// CreateEvent inserts a new event row.
func (r *EventRepository) CreateEvent(ctx context.Context, event persistence.Event) error {
	if event.ID == "" {
		return persistence.ErrConstraintViolation
	}

	query := `
		INSERT INTO events (` + eventColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	args, err := eventArgs(event)
	if err != nil {
		return err
	}

	if _, err := r.helper.Exec(ctx, query, args...); err != nil {
		return r.mapper.MapError(err)
	}
	return nil
}

// UpdateEvent rewrites an existing event row.
func (r *EventRepository) UpdateEvent(ctx context.Context, event persistence.Event) error {
	query := `
		UPDATE events
		SET calendar_id = ?, uid = ?, title = ?, body = ?, start_time = ?, end_time = ?,
			timezone = ?, recurrence_rule = ?, master_event_id = ?, recurrence_time = ?,
			remote_url = ?, remote_version_tag = ?, sync_status = ?, dtstamp = ?,
			created_at = ?, updated_at = ?
		WHERE id = ?
	`

	args, err := eventArgs(event)
	if err != nil {
		return err
	}
	// Shift id from first insert position to the WHERE clause.
	args = append(args[1:], event.ID)

	result, err := r.helper.Exec(ctx, query, args...)
	if err != nil {
		return r.mapper.MapError(err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

// GetEvent retrieves an event by ID.
func (r *EventRepository) GetEvent(ctx context.Context, id string) (persistence.Event, error) {
	if id == "" {
		return persistence.Event{}, persistence.ErrNotFound
	}

	row := r.helper.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	event, err := scanEvent(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return persistence.Event{}, persistence.ErrNotFound
		}
		return persistence.Event{}, r.mapper.MapError(err)
	}
	return event, nil
}

// GetEventByUID retrieves the master or standalone event carrying the UID.
// Exception rows share their master's UID and are excluded.
func (r *EventRepository) GetEventByUID(ctx context.Context, uid string) (persistence.Event, error) {
	row := r.helper.QueryRow(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE uid = ? AND master_event_id IS NULL
	`, uid)
	event, err := scanEvent(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return persistence.Event{}, persistence.ErrNotFound
		}
		return persistence.Event{}, r.mapper.MapError(err)
	}
	return event, nil
}

// ListEventsByCalendar returns events of a calendar ordered by start time.
func (r *EventRepository) ListEventsByCalendar(ctx context.Context, calendarID string) ([]persistence.Event, error) {
	return r.listEvents(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE calendar_id = ?
		ORDER BY start_time ASC, id ASC
	`, calendarID)
}

// ListExceptions returns exception events of a master ordered by the
// occurrence time they override.
func (r *EventRepository) ListExceptions(ctx context.Context, masterEventID string) ([]persistence.Event, error) {
	return r.listEvents(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE master_event_id = ?
		ORDER BY recurrence_time ASC, id ASC
	`, masterEventID)
}

// DeleteEvent removes an event row by ID.
func (r *EventRepository) DeleteEvent(ctx context.Context, id string) error {
	result, err := r.helper.Exec(ctx, `DELETE FROM events WHERE id = ?`, id)
	if err != nil {
		return r.mapper.MapError(err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

func (r *EventRepository) listEvents(ctx context.Context, query string, args ...any) ([]persistence.Event, error) {
	rows, err := r.helper.Query(ctx, query, args...)
	if err != nil {
		return nil, r.mapper.MapError(err)
	}
	defer rows.Close()

	var events []persistence.Event
	for rows.Next() {
		event, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, r.mapper.MapError(err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, r.mapper.MapError(err)
	}
	return events, nil
}

func eventArgs(event persistence.Event) ([]any, error) {
	var masterID, recurrenceTime sql.NullString
	if event.RecurrenceID != nil {
		masterID = sql.NullString{String: event.RecurrenceID.MasterEventID, Valid: true}
		recurrenceTime = sql.NullString{String: formatTime(event.RecurrenceID.OccurrenceTime), Valid: true}
	}

	return []any{
		event.ID,
		event.CalendarID,
		event.UID,
		event.Title,
		event.Body,
		formatTime(event.Start),
		formatTime(event.End),
		event.Timezone,
		nullString(event.RecurrenceRule),
		masterID,
		recurrenceTime,
		nullString(event.RemoteURL),
		nullString(event.RemoteVersionTag),
		string(event.SyncStatus),
		formatTime(event.DTStamp),
		formatTime(event.CreatedAt),
		formatTime(event.UpdatedAt),
	}, nil
}

func scanEvent(scan func(dest ...any) error) (persistence.Event, error) {
	var event persistence.Event
	var startStr, endStr, dtstampStr, createdStr, updatedStr, status string
	var rule, masterID, recurrenceTime, remoteURL, versionTag sql.NullString

	err := scan(
		&event.ID,
		&event.CalendarID,
		&event.UID,
		&event.Title,
		&event.Body,
		&startStr,
		&endStr,
		&event.Timezone,
		&rule,
		&masterID,
		&recurrenceTime,
		&remoteURL,
		&versionTag,
		&status,
		&dtstampStr,
		&createdStr,
		&updatedStr,
	)
	if err != nil {
		return persistence.Event{}, err
	}

	event.SyncStatus = persistence.SyncStatus(status)
	event.RecurrenceRule = stringPtr(rule)
	event.RemoteURL = stringPtr(remoteURL)
	event.RemoteVersionTag = stringPtr(versionTag)

	if masterID.Valid && recurrenceTime.Valid {
		occurrenceTime, err := parseTime(recurrenceTime.String)
		if err != nil {
			return persistence.Event{}, err
		}
		event.RecurrenceID = &persistence.RecurrenceID{
			MasterEventID:  masterID.String,
			OccurrenceTime: occurrenceTime,
		}
	}

	if event.Start, err = parseTime(startStr); err != nil {
		return persistence.Event{}, err
	}
	if event.End, err = parseTime(endStr); err != nil {
		return persistence.Event{}, err
	}
	if event.DTStamp, err = parseTime(dtstampStr); err != nil {
		return persistence.Event{}, err
	}
	if event.CreatedAt, err = parseTime(createdStr); err != nil {
		return persistence.Event{}, err
	}
	if event.UpdatedAt, err = parseTime(updatedStr); err != nil {
		return persistence.Event{}, err
	}
	return event, nil
}

func nullString(value *string) sql.NullString {
	if value == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *value, Valid: true}
}

func stringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	copied := value.String
	return &copied
}
