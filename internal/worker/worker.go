// Package worker drains the pending-operation queue against the remote
// protocol client. Operations for one event apply strictly in creation
// order; distinct events proceed in parallel up to a bounded limit.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/calendar-sync/internal/persistence"
	"github.com/example/calendar-sync/internal/protocol"
	"github.com/example/calendar-sync/internal/queue"
	"github.com/example/calendar-sync/internal/syncerror"
)

// Config holds the options for New. A struct because the worker has too many
// collaborators for positional parameters.
type Config struct {
	Transactor  persistence.Transactor
	Events      persistence.EventRepository
	Occurrences persistence.OccurrenceRepository
	Calendars   persistence.CalendarRepository
	Queue       *queue.Queue
	Client      protocol.Client
	// Concurrency bounds how many event groups run in parallel.
	Concurrency int
	// BatchLimit bounds how many ready operations one pass loads.
	BatchLimit int
	// StaleAfter is the age past which an IN_PROGRESS operation is presumed
	// abandoned by a crashed pass and recovered.
	StaleAfter time.Duration
	Now        func() time.Time
	Logger     *slog.Logger
}

// PassStats summarizes one sync pass.
type PassStats struct {
	Recovered int
	Applied   int
	Dropped   int
	Requeued  int
	Failed    int
}

// Worker executes sync passes.
type Worker struct {
	tx          persistence.Transactor
	events      persistence.EventRepository
	occurrences persistence.OccurrenceRepository
	calendars   persistence.CalendarRepository
	queue       *queue.Queue
	client      protocol.Client
	concurrency int
	batchLimit  int
	staleAfter  time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// New constructs a Worker from cfg, applying defaults for unset tunables.
func New(cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 100
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Worker{
		tx:          cfg.Transactor,
		events:      cfg.Events,
		occurrences: cfg.Occurrences,
		calendars:   cfg.Calendars,
		queue:       cfg.Queue,
		client:      cfg.Client,
		concurrency: cfg.Concurrency,
		batchLimit:  cfg.BatchLimit,
		staleAfter:  cfg.StaleAfter,
		now:         cfg.Now,
		logger:      cfg.Logger,
	}
}

// RunPass recovers stale operations, loads the ready batch and applies it.
// Cancellation stops between operations; anything already claimed stays
// IN_PROGRESS for the next pass's recovery sweep.
func (w *Worker) RunPass(ctx context.Context) (PassStats, error) {
	var stats PassStats

	recovered, err := w.queue.ResetStaleInProgress(ctx, w.now().Add(-w.staleAfter))
	if err != nil {
		return stats, err
	}
	stats.Recovered = recovered

	batch, err := w.queue.ReadyBatch(ctx, w.batchLimit)
	if err != nil {
		return stats, err
	}
	if len(batch) == 0 {
		return stats, nil
	}

	groups, order := groupByEvent(batch)

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, w.concurrency)
	)
	for _, eventID := range order {
		ops := groups[eventID]

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return stats, ctx.Err()
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			groupStats := w.applyGroup(ctx, ops)
			mu.Lock()
			stats.Applied += groupStats.Applied
			stats.Dropped += groupStats.Dropped
			stats.Requeued += groupStats.Requeued
			stats.Failed += groupStats.Failed
			mu.Unlock()
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return stats, err
	}
	return stats, nil
}

// groupByEvent partitions the batch per event, preserving creation order
// both within groups and across first appearance.
func groupByEvent(batch []persistence.PendingOperation) (map[string][]persistence.PendingOperation, []string) {
	groups := make(map[string][]persistence.PendingOperation)
	order := make([]string, 0, len(batch))
	for _, op := range batch {
		if _, ok := groups[op.EventID]; !ok {
			order = append(order, op.EventID)
		}
		groups[op.EventID] = append(groups[op.EventID], op)
	}
	return groups, order
}

// applyGroup applies one event's operations sequentially. The first failure
// stops the group: later operations must not overtake an unapplied earlier
// one.
func (w *Worker) applyGroup(ctx context.Context, ops []persistence.PendingOperation) PassStats {
	var stats PassStats
	for _, op := range ops {
		if ctx.Err() != nil {
			return stats
		}

		outcome, err := w.applyOperation(ctx, op)
		if err != nil {
			w.logger.Error("failed to settle operation", "operation_id", op.ID, "error", err)
			return stats
		}

		switch outcome {
		case outcomeApplied:
			stats.Applied++
		case outcomeDropped:
			stats.Dropped++
		case outcomeRequeued:
			stats.Requeued++
			return stats
		case outcomeFailed:
			stats.Failed++
			return stats
		}
	}
	return stats
}

type outcome int

const (
	outcomeApplied outcome = iota
	outcomeDropped
	outcomeRequeued
	outcomeFailed
)

func (w *Worker) applyOperation(ctx context.Context, op persistence.PendingOperation) (outcome, error) {
	claimed, err := w.queue.Claim(ctx, op)
	if err != nil {
		return outcomeFailed, err
	}

	event, err := w.events.GetEvent(ctx, claimed.EventID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			// The writer hard-deleted the event while this operation sat in
			// the queue. Stale work, not an integrity violation.
			w.logger.Debug("dropping operation for missing event",
				"operation_id", claimed.ID, "event_id", claimed.EventID)
			if err := w.queue.CompleteSuccess(ctx, claimed); err != nil {
				return outcomeFailed, err
			}
			return outcomeDropped, nil
		}
		return outcomeFailed, err
	}

	applied, serr, err := w.performRemoteCall(ctx, claimed, event)
	if err != nil {
		return outcomeFailed, err
	}
	if serr == nil {
		if err := w.settleSuccess(ctx, claimed, event, applied); err != nil {
			return outcomeFailed, err
		}
		return outcomeApplied, nil
	}

	settled, err := w.queue.CompleteFailure(ctx, claimed, serr)
	if err != nil {
		return outcomeFailed, err
	}
	if settled.Status == persistence.OperationFailed {
		return outcomeFailed, nil
	}
	return outcomeRequeued, nil
}

// performRemoteCall executes the remote effect. On success it returns the
// event refreshed with its new remote identity, not yet persisted. A
// *SyncError reports a classified remote failure; error reports a local one.
func (w *Worker) performRemoteCall(ctx context.Context, op persistence.PendingOperation, event persistence.Event) (persistence.Event, *syncerror.SyncError, error) {
	switch op.Operation {
	case persistence.OperationCreate, persistence.OperationUpdate:
		return w.pushEvent(ctx, event)
	case persistence.OperationDelete:
		serr := w.deleteRemote(ctx, op, event)
		return event, serr, nil
	case persistence.OperationMove:
		return w.moveRemote(ctx, op, event)
	default:
		return event, &syncerror.SyncError{
			Category: syncerror.CategoryUnknown,
			Code:     syncerror.CodeUnknown,
			Message:  fmt.Sprintf("unsupported operation kind %s", op.Operation),
		}, nil
	}
}

func (w *Worker) pushEvent(ctx context.Context, event persistence.Event) (persistence.Event, *syncerror.SyncError, error) {
	calendar, err := w.calendars.GetCalendar(ctx, event.CalendarID)
	if err != nil {
		return event, nil, err
	}

	req := protocol.PutRequest{
		CollectionPath: calendar.RemotePath,
		UID:            event.UID,
		Event:          event,
	}
	if event.RemoteURL != nil {
		req.ResourceURL = *event.RemoteURL
	}
	if event.RemoteVersionTag != nil {
		req.VersionTag = *event.RemoteVersionTag
	}

	result, err := w.client.PutEvent(ctx, req)
	if err != nil {
		return event, syncerror.ClassifyTransport(err), nil
	}
	if serr := syncerror.ClassifySinglePush(result); serr != nil {
		return event, serr, nil
	}

	event.RemoteURL = &result.RemoteURL
	event.RemoteVersionTag = &result.VersionTag
	event.SyncStatus = persistence.SyncStatusSynced
	return event, nil, nil
}

func (w *Worker) deleteRemote(ctx context.Context, op persistence.PendingOperation, event persistence.Event) *syncerror.SyncError {
	resourceURL := ""
	if op.TargetURL != nil {
		resourceURL = *op.TargetURL
	} else if event.RemoteURL != nil {
		resourceURL = *event.RemoteURL
	}
	if resourceURL == "" {
		// Nothing to delete remotely; fall through to local cleanup.
		return nil
	}

	versionTag := ""
	if event.RemoteVersionTag != nil {
		versionTag = *event.RemoteVersionTag
	}

	result, err := w.client.DeleteResource(ctx, resourceURL, versionTag)
	if err != nil {
		return syncerror.ClassifyTransport(err)
	}
	serr := syncerror.ClassifySinglePush(result)
	if serr != nil && serr.Code != syncerror.CodeNotFound {
		return serr
	}
	// 404 counts as applied: the remote copy is already gone.
	return nil
}

func (w *Worker) moveRemote(ctx context.Context, op persistence.PendingOperation, event persistence.Event) (persistence.Event, *syncerror.SyncError, error) {
	if op.TargetCalendarID == nil {
		return event, &syncerror.SyncError{
			Category: syncerror.CategoryUnknown,
			Code:     syncerror.CodeUnknown,
			Message:  "move operation without target calendar",
		}, nil
	}

	calendar, err := w.calendars.GetCalendar(ctx, *op.TargetCalendarID)
	if err != nil {
		return event, nil, err
	}

	result, err := w.client.PutEvent(ctx, protocol.PutRequest{
		CollectionPath: calendar.RemotePath,
		UID:            event.UID,
		Event:          event,
	})
	if err != nil {
		return event, syncerror.ClassifyTransport(err), nil
	}
	if serr := syncerror.ClassifySinglePush(result); serr != nil {
		return event, serr, nil
	}

	// Delete the resource in the old collection. A 404 here means a prior
	// attempt already removed it; the move as a whole is applied.
	if op.TargetURL != nil && *op.TargetURL != "" {
		deleteResult, err := w.client.DeleteResource(ctx, *op.TargetURL, "")
		if err != nil {
			return event, syncerror.ClassifyTransport(err), nil
		}
		if serr := syncerror.ClassifySinglePush(deleteResult); serr != nil && serr.Code != syncerror.CodeNotFound {
			return event, serr, nil
		}
	}

	event.RemoteURL = &result.RemoteURL
	event.RemoteVersionTag = &result.VersionTag
	event.SyncStatus = persistence.SyncStatusSynced
	return event, nil, nil
}

// settleSuccess finishes an applied operation in one transaction: the event
// row update (or, for DELETE, its removal together with any occurrences)
// commits together with the queue row deletion.
//
// The event is re-read inside the transaction and only the remote identity
// from the push is merged in. The snapshot loaded at claim time may be stale:
// a local edit while the remote call was in flight must survive the settle,
// so the row flips to SYNCED only when it is unchanged since the claim.
// An edited row keeps its pending state and a follow-up UPDATE is queued to
// push the edit, since the completed operation carried the pre-edit state.
func (w *Worker) settleSuccess(ctx context.Context, op persistence.PendingOperation, snapshot, applied persistence.Event) error {
	return w.tx.InTransaction(ctx, func(ctx context.Context) error {
		if op.Operation == persistence.OperationDelete {
			if applied.IsRecurringMaster() {
				if err := w.occurrences.DeleteForMaster(ctx, applied.ID); err != nil {
					return err
				}
			}
			if err := w.events.DeleteEvent(ctx, applied.ID); err != nil && !errors.Is(err, persistence.ErrNotFound) {
				return err
			}
			return w.queue.CompleteSuccess(ctx, op)
		}

		current, err := w.events.GetEvent(ctx, applied.ID)
		if err != nil {
			if errors.Is(err, persistence.ErrNotFound) {
				// Hard-deleted while the push was in flight; only the queue
				// row is left to clean up.
				return w.completeTolerant(ctx, op)
			}
			return err
		}

		current.RemoteURL = applied.RemoteURL
		current.RemoteVersionTag = applied.RemoteVersionTag

		switch {
		case current.SyncStatus == persistence.SyncStatusPendingDelete:
			// A delete was queued while the push ran; keep the tombstone and
			// let the queued DELETE finish the job.
		case current.UpdatedAt.Equal(snapshot.UpdatedAt):
			current.SyncStatus = persistence.SyncStatusSynced
		default:
			current.SyncStatus = persistence.SyncStatusPendingUpdate
			queued, err := w.queue.PendingForEvent(ctx, current.ID)
			if err != nil {
				return err
			}
			if !hasLiveUpdate(queued, op.ID) {
				if _, err := w.queue.Enqueue(ctx, queue.EnqueueInput{
					EventID:   current.ID,
					Operation: persistence.OperationUpdate,
				}); err != nil {
					return err
				}
				w.logger.Info("event edited during push, queued follow-up update",
					"event_id", current.ID, "operation_id", op.ID)
			}
		}

		current.UpdatedAt = w.now()
		if err := w.events.UpdateEvent(ctx, current); err != nil {
			return err
		}
		return w.completeTolerant(ctx, op)
	})
}

// hasLiveUpdate reports whether the event already holds a non-FAILED queued
// UPDATE besides the operation being settled.
func hasLiveUpdate(ops []persistence.PendingOperation, settlingID string) bool {
	for _, op := range ops {
		if op.ID == settlingID {
			continue
		}
		if op.Operation == persistence.OperationUpdate && op.Status != persistence.OperationFailed {
			return true
		}
	}
	return false
}

// completeTolerant removes the queue row, tolerating a row already cancelled
// by a concurrent local mutation.
func (w *Worker) completeTolerant(ctx context.Context, op persistence.PendingOperation) error {
	if err := w.queue.CompleteSuccess(ctx, op); err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return err
	}
	return nil
}
