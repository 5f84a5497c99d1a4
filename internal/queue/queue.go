// Package queue implements the durable pending-operation queue: the per
// operation state machine, retry backoff, ready and stale queries, and the
// cancellation hooks coalescing relies on.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/calendar-sync/internal/persistence"
	"github.com/example/calendar-sync/internal/syncerror"
)

// IsReady reports whether op may be handed to the worker at the given
// instant: it must be PENDING, due, and not retry-exhausted.
func IsReady(op persistence.PendingOperation, now time.Time) bool {
	return op.Status == persistence.OperationPending &&
		!op.NextRetryAt.After(now) &&
		op.RetryCount < op.MaxRetries
}

// ShouldRetry reports whether a failure of op transitions it back to PENDING
// rather than FAILED. It depends only on the retry counters, not the status.
func ShouldRetry(op persistence.PendingOperation) bool {
	return op.RetryCount < op.MaxRetries
}

// Queue drives pending-operation state transitions against the operation
// repository. Every transition is a single repository call so it shares the
// caller's transaction when one is active.
type Queue struct {
	ops        persistence.OperationRepository
	backoff    BackoffConfig
	maxRetries int
	idGen      func() string
	now        func() time.Time
	logger     *slog.Logger
}

// NewQueue wires the queue service. maxRetries bounds attempts per
// operation; when non-positive, 5 is used.
func NewQueue(ops persistence.OperationRepository, backoff BackoffConfig, maxRetries int, idGen func() string, now func() time.Time, logger *slog.Logger) *Queue {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if idGen == nil {
		idGen = func() string { return "" }
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		ops:        ops,
		backoff:    backoff,
		maxRetries: maxRetries,
		idGen:      idGen,
		now:        now,
		logger:     logger,
	}
}

// EnqueueInput captures the remote effect a mutation wants queued.
type EnqueueInput struct {
	EventID          string
	Operation        persistence.OperationKind
	TargetURL        *string
	TargetCalendarID *string
}

// Enqueue appends a new PENDING operation for the event.
func (q *Queue) Enqueue(ctx context.Context, input EnqueueInput) (persistence.PendingOperation, error) {
	now := q.now()
	op := persistence.PendingOperation{
		ID:               q.idGen(),
		EventID:          input.EventID,
		Operation:        input.Operation,
		Status:           persistence.OperationPending,
		RetryCount:       0,
		MaxRetries:       q.maxRetries,
		NextRetryAt:      now,
		TargetURL:        input.TargetURL,
		TargetCalendarID: input.TargetCalendarID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := q.ops.CreateOperation(ctx, op); err != nil {
		return persistence.PendingOperation{}, fmt.Errorf("enqueue %s for event %s: %w", input.Operation, input.EventID, err)
	}
	return op, nil
}

// ReadyBatch returns due PENDING operations in creation order.
func (q *Queue) ReadyBatch(ctx context.Context, limit int) ([]persistence.PendingOperation, error) {
	return q.ops.ListReady(ctx, q.now(), limit)
}

// Claim transitions a PENDING operation to IN_PROGRESS before the remote
// call is attempted.
func (q *Queue) Claim(ctx context.Context, op persistence.PendingOperation) (persistence.PendingOperation, error) {
	op.Status = persistence.OperationInProgress
	op.UpdatedAt = q.now()
	if err := q.ops.UpdateOperation(ctx, op); err != nil {
		return persistence.PendingOperation{}, fmt.Errorf("claim operation %s: %w", op.ID, err)
	}
	return op, nil
}

// CompleteSuccess removes a fully applied operation. The queue keeps no
// history of applied work.
func (q *Queue) CompleteSuccess(ctx context.Context, op persistence.PendingOperation) error {
	if err := q.ops.DeleteOperation(ctx, op.ID); err != nil {
		return fmt.Errorf("complete operation %s: %w", op.ID, err)
	}
	return nil
}

// CompleteFailure records a failed attempt. Retryable failures with budget
// left return to PENDING with a backoff-delayed next attempt; everything
// else becomes FAILED and must be surfaced to the user.
func (q *Queue) CompleteFailure(ctx context.Context, op persistence.PendingOperation, cause error) (persistence.PendingOperation, error) {
	now := q.now()
	message := cause.Error()

	op.RetryCount++
	op.LastError = &message
	op.UpdatedAt = now

	if syncerror.IsRetryable(cause) && ShouldRetry(op) {
		op.Status = persistence.OperationPending
		op.NextRetryAt = now.Add(q.backoff.Delay(op.RetryCount))
	} else {
		op.Status = persistence.OperationFailed
		q.logger.Warn("operation moved to failed state",
			"operation_id", op.ID,
			"event_id", op.EventID,
			"kind", op.Operation,
			"retries", op.RetryCount,
			"error", message,
		)
	}

	if err := q.ops.UpdateOperation(ctx, op); err != nil {
		return persistence.PendingOperation{}, fmt.Errorf("record failure for operation %s: %w", op.ID, err)
	}
	return op, nil
}

// ResetStaleInProgress recovers operations stranded IN_PROGRESS by a crash:
// rows last touched before cutoff return to PENDING. The sweep is idempotent
// and safe to run on every pass.
func (q *Queue) ResetStaleInProgress(ctx context.Context, cutoff time.Time) (int, error) {
	recovered, err := q.ops.ResetStaleInProgress(ctx, cutoff, q.now())
	if err != nil {
		return 0, fmt.Errorf("reset stale operations: %w", err)
	}
	if recovered > 0 {
		q.logger.Info("recovered stale in-progress operations", "count", recovered)
	}
	return recovered, nil
}

// CancelForEvent removes queued operations of the given kinds for an event.
// Coalescing uses this to drop CREATE/UPDATE work that a local delete makes
// meaningless.
func (q *Queue) CancelForEvent(ctx context.Context, eventID string, kinds ...persistence.OperationKind) (int, error) {
	removed, err := q.ops.DeleteForEventByKind(ctx, eventID, kinds...)
	if err != nil {
		return 0, fmt.Errorf("cancel operations for event %s: %w", eventID, err)
	}
	return removed, nil
}

// PendingForEvent returns the event's queued operations in creation order.
func (q *Queue) PendingForEvent(ctx context.Context, eventID string) ([]persistence.PendingOperation, error) {
	return q.ops.ListForEvent(ctx, eventID)
}

// Failed returns operations that exhausted their retries or hit a terminal
// error; callers surface these as stuck items needing manual resolution.
func (q *Queue) Failed(ctx context.Context) ([]persistence.PendingOperation, error) {
	return q.ops.ListFailed(ctx)
}
