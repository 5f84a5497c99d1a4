package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/calendar-sync/internal/persistence"
)

// OccurrenceRepository implements persistence.OccurrenceRepository using SQLite.
type OccurrenceRepository struct {
	pool   *ConnectionPool
	helper *QueryHelper
	mapper *ErrorMapper
}

// NewOccurrenceRepository creates a new SQLite occurrence repository.
func NewOccurrenceRepository(pool *ConnectionPool) *OccurrenceRepository {
	return &OccurrenceRepository{
		pool:   pool,
		helper: NewQueryHelper(pool),
		mapper: NewErrorMapper(),
	}
}

// batchInsertSize bounds the number of rows per INSERT so the statement
// stays under SQLite's bound-parameter limit.
const batchInsertSize = 100

// ReplaceForMaster swaps the stored occurrence set of a master in one
// transaction, inserting the new rows in batches rather than one statement
// per occurrence.
func (r *OccurrenceRepository) ReplaceForMaster(ctx context.Context, masterEventID string, occurrences []persistence.Occurrence) error {
	return r.pool.InTransaction(ctx, func(ctx context.Context) error {
		if _, err := r.helper.Exec(ctx, `DELETE FROM occurrences WHERE master_event_id = ?`, masterEventID); err != nil {
			return r.mapper.MapError(err)
		}

		for start := 0; start < len(occurrences); start += batchInsertSize {
			end := start + batchInsertSize
			if end > len(occurrences) {
				end = len(occurrences)
			}
			if err := r.insertBatch(ctx, occurrences[start:end]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *OccurrenceRepository) insertBatch(ctx context.Context, occurrences []persistence.Occurrence) error {
	if len(occurrences) == 0 {
		return nil
	}

	placeholders := make([]string, 0, len(occurrences))
	args := make([]any, 0, len(occurrences)*6)
	for _, occ := range occurrences {
		placeholders = append(placeholders, "(?, ?, ?, ?, ?, ?)")
		args = append(args,
			occ.ID,
			occ.MasterEventID,
			occ.CalendarID,
			formatTime(occ.Start),
			formatTime(occ.End),
			nullString(occ.ExceptionEventID),
		)
	}

	query := `
		INSERT INTO occurrences (id, master_event_id, calendar_id, start_time, end_time, exception_event_id)
		VALUES ` + strings.Join(placeholders, ", ")

	if _, err := r.helper.Exec(ctx, query, args...); err != nil {
		return r.mapper.MapError(err)
	}
	return nil
}

// ListForMaster returns a master's occurrences ordered by start time.
func (r *OccurrenceRepository) ListForMaster(ctx context.Context, masterEventID string) ([]persistence.Occurrence, error) {
	rows, err := r.helper.Query(ctx, `
		SELECT id, master_event_id, calendar_id, start_time, end_time, exception_event_id
		FROM occurrences
		WHERE master_event_id = ?
		ORDER BY start_time ASC
	`, masterEventID)
	if err != nil {
		return nil, r.mapper.MapError(err)
	}
	defer rows.Close()

	var occurrences []persistence.Occurrence
	for rows.Next() {
		occ, err := scanOccurrence(rows.Scan)
		if err != nil {
			return nil, r.mapper.MapError(err)
		}
		occurrences = append(occurrences, occ)
	}
	if err := rows.Err(); err != nil {
		return nil, r.mapper.MapError(err)
	}
	return occurrences, nil
}

// GetBySlot resolves the occurrence of a master starting exactly at start.
func (r *OccurrenceRepository) GetBySlot(ctx context.Context, masterEventID string, start time.Time) (persistence.Occurrence, error) {
	row := r.helper.QueryRow(ctx, `
		SELECT id, master_event_id, calendar_id, start_time, end_time, exception_event_id
		FROM occurrences
		WHERE master_event_id = ? AND start_time = ?
	`, masterEventID, formatTime(start))

	occ, err := scanOccurrence(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return persistence.Occurrence{}, persistence.ErrNotFound
		}
		return persistence.Occurrence{}, r.mapper.MapError(err)
	}
	return occ, nil
}

// LinkException sets or clears the exception reference of an occurrence.
func (r *OccurrenceRepository) LinkException(ctx context.Context, occurrenceID string, exceptionEventID *string) error {
	result, err := r.helper.Exec(ctx,
		`UPDATE occurrences SET exception_event_id = ? WHERE id = ?`,
		nullString(exceptionEventID), occurrenceID)
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

// UpdateCalendarForMaster rewrites the denormalized calendar reference on
// every occurrence of the master in one statement.
func (r *OccurrenceRepository) UpdateCalendarForMaster(ctx context.Context, masterEventID, calendarID string) error {
	if _, err := r.helper.Exec(ctx,
		`UPDATE occurrences SET calendar_id = ? WHERE master_event_id = ?`,
		calendarID, masterEventID); err != nil {
		return r.mapper.MapError(err)
	}
	return nil
}

// DeleteForMaster removes every occurrence of the master.
func (r *OccurrenceRepository) DeleteForMaster(ctx context.Context, masterEventID string) error {
	if _, err := r.helper.Exec(ctx,
		`DELETE FROM occurrences WHERE master_event_id = ?`, masterEventID); err != nil {
		return r.mapper.MapError(err)
	}
	return nil
}

func scanOccurrence(scan func(dest ...any) error) (persistence.Occurrence, error) {
	var occ persistence.Occurrence
	var startStr, endStr string
	var exceptionID sql.NullString

	err := scan(&occ.ID, &occ.MasterEventID, &occ.CalendarID, &startStr, &endStr, &exceptionID)
	if err != nil {
		return persistence.Occurrence{}, err
	}

	occ.ExceptionEventID = stringPtr(exceptionID)
	if occ.Start, err = parseTime(startStr); err != nil {
		return persistence.Occurrence{}, err
	}
	if occ.End, err = parseTime(endStr); err != nil {
		return persistence.Occurrence{}, err
	}
	return occ, nil
}
