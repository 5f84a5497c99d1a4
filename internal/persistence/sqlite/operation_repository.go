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

// OperationRepository implements persistence.OperationRepository using SQLite.
type OperationRepository struct {
	helper *QueryHelper
	mapper *ErrorMapper
}

// NewOperationRepository creates a new SQLite pending-operation repository.
func NewOperationRepository(pool *ConnectionPool) *OperationRepository {
	return &OperationRepository{
		helper: NewQueryHelper(pool),
		mapper: NewErrorMapper(),
	}
}

const operationColumns = `id, event_id, operation, status, retry_count, max_retries,
	next_retry_at, last_error, target_url, target_calendar_id, created_at, updated_at`

// CreateOperation appends a new queue row.
func (r *OperationRepository) CreateOperation(ctx context.Context, op persistence.PendingOperation) error {
	if op.ID == "" {
		return persistence.ErrConstraintViolation
	}

	query := `
		INSERT INTO pending_operations (` + operationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	if _, err := r.helper.Exec(ctx, query,
		op.ID,
		op.EventID,
		string(op.Operation),
		string(op.Status),
		op.RetryCount,
		op.MaxRetries,
		formatTime(op.NextRetryAt),
		nullString(op.LastError),
		nullString(op.TargetURL),
		nullString(op.TargetCalendarID),
		formatTime(op.CreatedAt),
		formatTime(op.UpdatedAt),
	); err != nil {
		return r.mapper.MapError(err)
	}
	return nil
}

// UpdateOperation rewrites a queue row.
func (r *OperationRepository) UpdateOperation(ctx context.Context, op persistence.PendingOperation) error {
	query := `
		UPDATE pending_operations
		SET event_id = ?, operation = ?, status = ?, retry_count = ?, max_retries = ?,
			next_retry_at = ?, last_error = ?, target_url = ?, target_calendar_id = ?,
			updated_at = ?
		WHERE id = ?
	`

	result, err := r.helper.Exec(ctx, query,
		op.EventID,
		string(op.Operation),
		string(op.Status),
		op.RetryCount,
		op.MaxRetries,
		formatTime(op.NextRetryAt),
		nullString(op.LastError),
		nullString(op.TargetURL),
		nullString(op.TargetCalendarID),
		formatTime(op.UpdatedAt),
		op.ID,
	)
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

// GetOperation retrieves a queue row by ID.
func (r *OperationRepository) GetOperation(ctx context.Context, id string) (persistence.PendingOperation, error) {
	row := r.helper.QueryRow(ctx,
		`SELECT `+operationColumns+` FROM pending_operations WHERE id = ?`, id)

	op, err := scanOperation(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return persistence.PendingOperation{}, persistence.ErrNotFound
		}
		return persistence.PendingOperation{}, r.mapper.MapError(err)
	}
	return op, nil
}

// DeleteOperation removes a queue row by ID.
func (r *OperationRepository) DeleteOperation(ctx context.Context, id string) error {
	result, err := r.helper.Exec(ctx, `DELETE FROM pending_operations WHERE id = ?`, id)
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

// ListForEvent returns the event's operations in creation order.
func (r *OperationRepository) ListForEvent(ctx context.Context, eventID string) ([]persistence.PendingOperation, error) {
	return r.listOperations(ctx, `
		SELECT `+operationColumns+`
		FROM pending_operations
		WHERE event_id = ?
		ORDER BY created_at ASC, id ASC
	`, eventID)
}

// ListReady returns due PENDING operations with retry budget left, oldest
// first so per-event FIFO holds within the batch.
func (r *OperationRepository) ListReady(ctx context.Context, now time.Time, limit int) ([]persistence.PendingOperation, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.listOperations(ctx, `
		SELECT `+operationColumns+`
		FROM pending_operations
		WHERE status = ? AND next_retry_at <= ? AND retry_count < max_retries
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`, string(persistence.OperationPending), formatTime(now), limit)
}

// ResetStaleInProgress recovers rows stranded IN_PROGRESS before cutoff.
// One idempotent statement; re-running it finds nothing new to reset.
func (r *OperationRepository) ResetStaleInProgress(ctx context.Context, cutoff, now time.Time) (int, error) {
	result, err := r.helper.Exec(ctx, `
		UPDATE pending_operations
		SET status = ?, updated_at = ?
		WHERE status = ? AND updated_at < ?
	`, string(persistence.OperationPending), formatTime(now),
		string(persistence.OperationInProgress), formatTime(cutoff))
	if err != nil {
		return 0, r.mapper.MapError(err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(affected), nil
}

// DeleteForEventByKind removes queued operations of the given kinds for an
// event, returning the number removed.
func (r *OperationRepository) DeleteForEventByKind(ctx context.Context, eventID string, kinds ...persistence.OperationKind) (int, error) {
	if len(kinds) == 0 {
		return 0, nil
	}

	placeholders := make([]string, len(kinds))
	args := make([]any, 0, len(kinds)+1)
	args = append(args, eventID)
	for i, kind := range kinds {
		placeholders[i] = "?"
		args = append(args, string(kind))
	}

	query := fmt.Sprintf(
		`DELETE FROM pending_operations WHERE event_id = ? AND operation IN (%s)`,
		strings.Join(placeholders, ", "))

	result, err := r.helper.Exec(ctx, query, args...)
	if err != nil {
		return 0, r.mapper.MapError(err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(affected), nil
}

// ListFailed returns terminally failed operations in creation order.
func (r *OperationRepository) ListFailed(ctx context.Context) ([]persistence.PendingOperation, error) {
	return r.listOperations(ctx, `
		SELECT `+operationColumns+`
		FROM pending_operations
		WHERE status = ?
		ORDER BY created_at ASC, id ASC
	`, string(persistence.OperationFailed))
}

func (r *OperationRepository) listOperations(ctx context.Context, query string, args ...any) ([]persistence.PendingOperation, error) {
	rows, err := r.helper.Query(ctx, query, args...)
	if err != nil {
		return nil, r.mapper.MapError(err)
	}
	defer rows.Close()

	var ops []persistence.PendingOperation
	for rows.Next() {
		op, err := scanOperation(rows.Scan)
		if err != nil {
			return nil, r.mapper.MapError(err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, r.mapper.MapError(err)
	}
	return ops, nil
}

func scanOperation(scan func(dest ...any) error) (persistence.PendingOperation, error) {
	var op persistence.PendingOperation
	var operation, status, nextRetryStr, createdStr, updatedStr string
	var lastError, targetURL, targetCalendarID sql.NullString

	err := scan(
		&op.ID,
		&op.EventID,
		&operation,
		&status,
		&op.RetryCount,
		&op.MaxRetries,
		&nextRetryStr,
		&lastError,
		&targetURL,
		&targetCalendarID,
		&createdStr,
		&updatedStr,
	)
	if err != nil {
		return persistence.PendingOperation{}, err
	}

	op.Operation = persistence.OperationKind(operation)
	op.Status = persistence.OperationStatus(status)
	op.LastError = stringPtr(lastError)
	op.TargetURL = stringPtr(targetURL)
	op.TargetCalendarID = stringPtr(targetCalendarID)

	if op.NextRetryAt, err = parseTime(nextRetryStr); err != nil {
		return persistence.PendingOperation{}, err
	}
	if op.CreatedAt, err = parseTime(createdStr); err != nil {
		return persistence.PendingOperation{}, err
	}
	if op.UpdatedAt, err = parseTime(updatedStr); err != nil {
		return persistence.PendingOperation{}, err
	}
	return op, nil
}
