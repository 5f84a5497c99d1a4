package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/example/calendar-sync/internal/persistence"
)

// CalendarRepository implements persistence.CalendarRepository using SQLite.
type CalendarRepository struct {
	helper *QueryHelper
	mapper *ErrorMapper
}

// NewCalendarRepository creates a new SQLite calendar repository.
func NewCalendarRepository(pool *ConnectionPool) *CalendarRepository {
	return &CalendarRepository{
		helper: NewQueryHelper(pool),
		mapper: NewErrorMapper(),
	}
}

// UpsertCalendar inserts or refreshes the local mirror of a remote
// collection. CreatedAt of an existing row is preserved.
func (r *CalendarRepository) UpsertCalendar(ctx context.Context, calendar persistence.Calendar) error {
	query := `
		INSERT INTO calendars (id, name, remote_path, read_only, sync_token, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			remote_path = excluded.remote_path,
			read_only = excluded.read_only,
			sync_token = excluded.sync_token,
			updated_at = excluded.updated_at
	`

	readOnly := 0
	if calendar.ReadOnly {
		readOnly = 1
	}

	if _, err := r.helper.Exec(ctx, query,
		calendar.ID,
		calendar.Name,
		calendar.RemotePath,
		readOnly,
		nullString(calendar.SyncToken),
		formatTime(calendar.CreatedAt),
		formatTime(calendar.UpdatedAt),
	); err != nil {
		return r.mapper.MapError(err)
	}
	return nil
}

// GetCalendar retrieves a calendar by ID.
func (r *CalendarRepository) GetCalendar(ctx context.Context, id string) (persistence.Calendar, error) {
	row := r.helper.QueryRow(ctx, `
		SELECT id, name, remote_path, read_only, sync_token, created_at, updated_at
		FROM calendars
		WHERE id = ?
	`, id)

	calendar, err := scanCalendar(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return persistence.Calendar{}, persistence.ErrNotFound
		}
		return persistence.Calendar{}, r.mapper.MapError(err)
	}
	return calendar, nil
}

// ListCalendars returns all mirrored calendars ordered by name.
func (r *CalendarRepository) ListCalendars(ctx context.Context) ([]persistence.Calendar, error) {
	rows, err := r.helper.Query(ctx, `
		SELECT id, name, remote_path, read_only, sync_token, created_at, updated_at
		FROM calendars
		ORDER BY name ASC, id ASC
	`)
	if err != nil {
		return nil, r.mapper.MapError(err)
	}
	defer rows.Close()

	var calendars []persistence.Calendar
	for rows.Next() {
		calendar, err := scanCalendar(rows.Scan)
		if err != nil {
			return nil, r.mapper.MapError(err)
		}
		calendars = append(calendars, calendar)
	}
	if err := rows.Err(); err != nil {
		return nil, r.mapper.MapError(err)
	}
	return calendars, nil
}

// UpdateSyncToken stores the server-issued cursor for the next incremental
// listing; nil clears it, forcing a full resync.
func (r *CalendarRepository) UpdateSyncToken(ctx context.Context, id string, token *string) error {
	result, err := r.helper.Exec(ctx,
		`UPDATE calendars SET sync_token = ? WHERE id = ?`, nullString(token), id)
	if err != nil {
		return r.mapper.MapError(err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

func scanCalendar(scan func(dest ...any) error) (persistence.Calendar, error) {
	var calendar persistence.Calendar
	var readOnly int
	var token sql.NullString
	var createdStr, updatedStr string

	err := scan(&calendar.ID, &calendar.Name, &calendar.RemotePath, &readOnly, &token, &createdStr, &updatedStr)
	if err != nil {
		return persistence.Calendar{}, err
	}

	calendar.ReadOnly = readOnly != 0
	calendar.SyncToken = stringPtr(token)
	if calendar.CreatedAt, err = parseTime(createdStr); err != nil {
		return persistence.Calendar{}, err
	}
	if calendar.UpdatedAt, err = parseTime(updatedStr); err != nil {
		return persistence.Calendar{}, err
	}
	return calendar, nil
}
