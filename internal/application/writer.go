// Package application hosts the event mutation authority: the only code path
// allowed to change Event, Occurrence and PendingOperation state together.
// Every operation runs in one storage transaction; validation failures abort
// with zero side effects.
package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/example/calendar-sync/internal/persistence"
	"github.com/example/calendar-sync/internal/queue"
	"github.com/example/calendar-sync/internal/recurrence"
)

// Writer orchestrates validation, event and occurrence mutation, recurrence
// expansion and operation enqueueing.
type Writer struct {
	tx          persistence.Transactor
	events      persistence.EventRepository
	occurrences persistence.OccurrenceRepository
	calendars   persistence.CalendarRepository
	queue       *queue.Queue
	engine      *recurrence.Engine
	idGenerator func() string
	now         func() time.Time
	logger      *slog.Logger
}

// NewWriter wires dependencies for event mutations.
func NewWriter(
	tx persistence.Transactor,
	events persistence.EventRepository,
	occurrences persistence.OccurrenceRepository,
	calendars persistence.CalendarRepository,
	q *queue.Queue,
	engine *recurrence.Engine,
	idGenerator func() string,
	now func() time.Time,
	logger *slog.Logger,
) *Writer {
	if idGenerator == nil {
		idGenerator = func() string { return "" }
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		tx:          tx,
		events:      events,
		occurrences: occurrences,
		calendars:   calendars,
		queue:       q,
		engine:      engine,
		idGenerator: idGenerator,
		now:         now,
		logger:      logger,
	}
}

// CreateEvent stores a new local event and queues the CREATE push. The event
// starts in PENDING_CREATE; later local edits before the push is applied do
// not queue additional work because the CREATE transports full state.
func (w *Writer) CreateEvent(ctx context.Context, input EventInput) (persistence.Event, error) {
	vErr := &ValidationError{}
	validateEventCore(input.Title, input.Start, input.End, vErr)
	if input.CalendarID == "" {
		vErr.add("calendar_id", "calendar is required")
	}
	if vErr.HasErrors() {
		return persistence.Event{}, vErr
	}

	calendar, err := w.calendars.GetCalendar(ctx, input.CalendarID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return persistence.Event{}, fmt.Errorf("%w: calendar %s", ErrNotFound, input.CalendarID)
		}
		return persistence.Event{}, err
	}
	if calendar.ReadOnly {
		vErr.add("calendar_id", "calendar is read-only")
		return persistence.Event{}, vErr
	}

	now := w.now()
	uid := input.UID
	if uid == "" {
		uid = w.idGenerator()
	}
	event := persistence.Event{
		ID:             w.idGenerator(),
		CalendarID:     input.CalendarID,
		UID:            uid,
		Title:          strings.TrimSpace(input.Title),
		Body:           input.Body,
		Start:          input.Start,
		End:            input.End,
		Timezone:       input.Timezone,
		RecurrenceRule: input.RecurrenceRule,
		SyncStatus:     persistence.SyncStatusPendingCreate,
		DTStamp:        now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err = w.tx.InTransaction(ctx, func(ctx context.Context) error {
		if err := w.events.CreateEvent(ctx, event); err != nil {
			return err
		}
		if event.IsRecurringMaster() {
			if err := w.regenerateOccurrences(ctx, event); err != nil {
				return err
			}
		}
		_, err := w.queue.Enqueue(ctx, queue.EnqueueInput{
			EventID:   event.ID,
			Operation: persistence.OperationCreate,
		})
		return err
	})
	if err != nil {
		return persistence.Event{}, err
	}
	return event, nil
}

// UpdateEvent applies local edits to an event and queues the remote UPDATE
// when one is needed. Calendar moves are rejected here; they go through
// MoveEventToCalendar.
func (w *Writer) UpdateEvent(ctx context.Context, eventID string, input EventInput) (persistence.Event, error) {
	vErr := &ValidationError{}
	validateEventCore(input.Title, input.Start, input.End, vErr)
	if vErr.HasErrors() {
		return persistence.Event{}, vErr
	}

	var updated persistence.Event
	err := w.tx.InTransaction(ctx, func(ctx context.Context) error {
		existing, err := w.events.GetEvent(ctx, eventID)
		if err != nil {
			if errors.Is(err, persistence.ErrNotFound) {
				return fmt.Errorf("%w: event %s", ErrNotFound, eventID)
			}
			return err
		}

		if existing.SyncStatus == persistence.SyncStatusPendingDelete {
			vErr.add("event_id", "event is deleted")
			return vErr
		}
		if input.CalendarID != "" && input.CalendarID != existing.CalendarID {
			vErr.add("calendar_id", "calendar cannot be changed here; move the event instead")
			return vErr
		}

		recurrenceChanged := !existing.Start.Equal(input.Start) ||
			!existing.End.Equal(input.End) ||
			existing.Timezone != input.Timezone ||
			!equalRules(existing.RecurrenceRule, input.RecurrenceRule)

		updated = existing
		updated.Title = strings.TrimSpace(input.Title)
		updated.Body = input.Body
		updated.Start = input.Start
		updated.End = input.End
		updated.Timezone = input.Timezone
		updated.RecurrenceRule = input.RecurrenceRule
		updated.DTStamp = w.now()
		updated.UpdatedAt = w.now()

		if err := w.enqueueUpdate(ctx, &updated); err != nil {
			return err
		}
		if err := w.events.UpdateEvent(ctx, updated); err != nil {
			return err
		}

		if recurrenceChanged {
			if updated.IsRecurringMaster() {
				return w.regenerateOccurrences(ctx, updated)
			}
			if existing.IsRecurringMaster() {
				// Rule removed: the series collapses to a single event.
				return w.occurrences.DeleteForMaster(ctx, updated.ID)
			}
		}
		return nil
	})
	if err != nil {
		return persistence.Event{}, err
	}
	return updated, nil
}

// DeleteEvent removes an event. A local-only delete, or any delete of an
// event the server never saw, is a hard delete with its queued pushes
// cancelled. Deleting a synced event leaves a tombstone and queues the
// remote DELETE. A recurring master cascades to its exceptions either way.
func (w *Writer) DeleteEvent(ctx context.Context, eventID string, isLocal bool) error {
	return w.tx.InTransaction(ctx, func(ctx context.Context) error {
		event, err := w.events.GetEvent(ctx, eventID)
		if err != nil {
			if errors.Is(err, persistence.ErrNotFound) {
				return fmt.Errorf("%w: event %s", ErrNotFound, eventID)
			}
			return err
		}

		if event.IsRecurringMaster() {
			exceptions, err := w.events.ListExceptions(ctx, event.ID)
			if err != nil {
				return err
			}
			for _, exception := range exceptions {
				if err := w.deleteSingle(ctx, exception, isLocal); err != nil {
					return err
				}
			}
			if err := w.occurrences.DeleteForMaster(ctx, event.ID); err != nil {
				return err
			}
		}

		return w.deleteSingle(ctx, event, isLocal)
	})
}

func (w *Writer) deleteSingle(ctx context.Context, event persistence.Event, isLocal bool) error {
	if isLocal || event.SyncStatus == persistence.SyncStatusPendingCreate {
		// Nothing to tell the server: either the caller wants a local-only
		// removal or the event never existed remotely.
		if _, err := w.queue.CancelForEvent(ctx, event.ID,
			persistence.OperationCreate, persistence.OperationUpdate); err != nil {
			return err
		}
		return w.events.DeleteEvent(ctx, event.ID)
	}

	// Coalesce: a queued UPDATE is pointless once the row is tombstoned.
	if _, err := w.queue.CancelForEvent(ctx, event.ID, persistence.OperationUpdate); err != nil {
		return err
	}

	event.SyncStatus = persistence.SyncStatusPendingDelete
	event.UpdatedAt = w.now()
	if err := w.events.UpdateEvent(ctx, event); err != nil {
		return err
	}

	_, err := w.queue.Enqueue(ctx, queue.EnqueueInput{
		EventID:   event.ID,
		Operation: persistence.OperationDelete,
		TargetURL: event.RemoteURL,
	})
	return err
}

// MoveEventToCalendar relocates an event, cascading to occurrences and
// exception events when a recurring master moves. Exceptions always stay in
// their master's calendar and cannot be moved directly.
func (w *Writer) MoveEventToCalendar(ctx context.Context, eventID, targetCalendarID string) error {
	target, err := w.calendars.GetCalendar(ctx, targetCalendarID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return fmt.Errorf("%w: calendar %s", ErrNotFound, targetCalendarID)
		}
		return err
	}
	if target.ReadOnly {
		vErr := &ValidationError{}
		vErr.add("target_calendar_id", "target calendar is read-only")
		return vErr
	}

	event, err := w.events.GetEvent(ctx, eventID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return fmt.Errorf("%w: event %s", ErrNotFound, eventID)
		}
		return err
	}
	if event.IsException() {
		vErr := &ValidationError{}
		vErr.add("event_id", "cannot move exception event")
		return vErr
	}
	if event.CalendarID == targetCalendarID {
		return nil
	}

	return w.tx.InTransaction(ctx, func(ctx context.Context) error {
		if err := w.moveSingle(ctx, event, targetCalendarID); err != nil {
			return err
		}

		if !event.IsRecurringMaster() {
			return nil
		}

		if err := w.occurrences.UpdateCalendarForMaster(ctx, event.ID, targetCalendarID); err != nil {
			return err
		}

		// Exceptions share the master's UID and must remain in the same
		// remote collection; each carries its own remote identity, so each
		// synced exception gets its own MOVE capture.
		exceptions, err := w.events.ListExceptions(ctx, event.ID)
		if err != nil {
			return err
		}
		for _, exception := range exceptions {
			if err := w.moveSingle(ctx, exception, targetCalendarID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (w *Writer) moveSingle(ctx context.Context, event persistence.Event, targetCalendarID string) error {
	if event.SyncStatus == persistence.SyncStatusSynced {
		capturedURL := event.RemoteURL
		event.RemoteURL = nil
		event.RemoteVersionTag = nil
		event.SyncStatus = persistence.SyncStatusPendingUpdate

		if _, err := w.queue.Enqueue(ctx, queue.EnqueueInput{
			EventID:          event.ID,
			Operation:        persistence.OperationMove,
			TargetURL:        capturedURL,
			TargetCalendarID: &targetCalendarID,
		}); err != nil {
			return err
		}
		w.logger.Debug("queued remote move", "event_id", event.ID, "target_calendar_id", targetCalendarID)
	}

	event.CalendarID = targetCalendarID
	event.UpdatedAt = w.now()
	return w.events.UpdateEvent(ctx, event)
}

// EditSingleOccurrence overrides one occurrence of a recurring master by
// creating (or updating) its exception event. The occurrence must exist at
// exactly the provided time.
func (w *Writer) EditSingleOccurrence(ctx context.Context, masterEventID string, occurrenceTime time.Time, edit OccurrenceEdit) (persistence.Event, error) {
	var exception persistence.Event
	err := w.tx.InTransaction(ctx, func(ctx context.Context) error {
		master, err := w.events.GetEvent(ctx, masterEventID)
		if err != nil {
			if errors.Is(err, persistence.ErrNotFound) {
				return fmt.Errorf("%w: event %s", ErrNotFound, masterEventID)
			}
			return err
		}
		if !master.IsRecurringMaster() {
			vErr := &ValidationError{}
			vErr.add("event_id", "event is not a recurring master")
			return vErr
		}

		occ, err := w.occurrences.GetBySlot(ctx, master.ID, occurrenceTime)
		if err != nil {
			if errors.Is(err, persistence.ErrNotFound) {
				return fmt.Errorf("%w: no occurrence of event %s at %s", ErrNotFound, masterEventID, occurrenceTime.UTC())
			}
			return err
		}

		if occ.ExceptionEventID != nil {
			exception, err = w.updateException(ctx, *occ.ExceptionEventID, occ, edit)
			return err
		}

		exception, err = w.createException(ctx, master, occ, occurrenceTime, edit)
		return err
	})
	if err != nil {
		return persistence.Event{}, err
	}
	return exception, nil
}

func (w *Writer) createException(ctx context.Context, master persistence.Event, occ persistence.Occurrence, occurrenceTime time.Time, edit OccurrenceEdit) (persistence.Event, error) {
	now := w.now()
	exception := persistence.Event{
		ID:         w.idGenerator(),
		CalendarID: master.CalendarID,
		UID:        master.UID,
		Title:      titleOrDefault(edit.Title, master.Title),
		Body:       edit.Body,
		Start:      timeOrDefault(edit.Start, occ.Start),
		End:        timeOrDefault(edit.End, occ.End),
		Timezone:   timezoneOrDefault(edit.Timezone, master.Timezone),
		RecurrenceID: &persistence.RecurrenceID{
			MasterEventID:  master.ID,
			OccurrenceTime: occurrenceTime,
		},
		SyncStatus: persistence.SyncStatusPendingCreate,
		DTStamp:    now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := w.events.CreateEvent(ctx, exception); err != nil {
		return persistence.Event{}, err
	}
	if err := w.occurrences.LinkException(ctx, occ.ID, &exception.ID); err != nil {
		return persistence.Event{}, err
	}
	if _, err := w.queue.Enqueue(ctx, queue.EnqueueInput{
		EventID:   exception.ID,
		Operation: persistence.OperationCreate,
	}); err != nil {
		return persistence.Event{}, err
	}
	return exception, nil
}

func (w *Writer) updateException(ctx context.Context, exceptionID string, occ persistence.Occurrence, edit OccurrenceEdit) (persistence.Event, error) {
	exception, err := w.events.GetEvent(ctx, exceptionID)
	if err != nil {
		return persistence.Event{}, err
	}

	exception.Title = titleOrDefault(edit.Title, exception.Title)
	exception.Body = edit.Body
	exception.Start = timeOrDefault(edit.Start, occ.Start)
	exception.End = timeOrDefault(edit.End, occ.End)
	exception.Timezone = timezoneOrDefault(edit.Timezone, exception.Timezone)
	exception.DTStamp = w.now()
	exception.UpdatedAt = w.now()

	if err := w.enqueueUpdate(ctx, &exception); err != nil {
		return persistence.Event{}, err
	}
	if err := w.events.UpdateEvent(ctx, exception); err != nil {
		return persistence.Event{}, err
	}
	return exception, nil
}

// enqueueUpdate applies the coalescing contract for a local edit: an event
// the server never saw rides on its queued CREATE; a synced event gets at
// most one queued UPDATE.
func (w *Writer) enqueueUpdate(ctx context.Context, event *persistence.Event) error {
	switch event.SyncStatus {
	case persistence.SyncStatusPendingCreate:
		return nil
	case persistence.SyncStatusSynced, persistence.SyncStatusPendingUpdate:
		event.SyncStatus = persistence.SyncStatusPendingUpdate

		pending, err := w.queue.PendingForEvent(ctx, event.ID)
		if err != nil {
			return err
		}
		for _, op := range pending {
			if op.Operation == persistence.OperationUpdate && op.Status != persistence.OperationFailed {
				return nil
			}
		}
		_, err = w.queue.Enqueue(ctx, queue.EnqueueInput{
			EventID:   event.ID,
			Operation: persistence.OperationUpdate,
		})
		return err
	default:
		return nil
	}
}

// RegenerateOccurrences recomputes the materialized occurrence set of a
// recurring master, preserving exception links for slots whose time recurs
// identically and keeping overridden slots the new rule no longer produces.
func (w *Writer) RegenerateOccurrences(ctx context.Context, masterEventID string) error {
	return w.tx.InTransaction(ctx, func(ctx context.Context) error {
		master, err := w.events.GetEvent(ctx, masterEventID)
		if err != nil {
			if errors.Is(err, persistence.ErrNotFound) {
				return fmt.Errorf("%w: event %s", ErrNotFound, masterEventID)
			}
			return err
		}
		if !master.IsRecurringMaster() {
			vErr := &ValidationError{}
			vErr.add("event_id", "event is not a recurring master")
			return vErr
		}
		return w.regenerateOccurrences(ctx, master)
	})
}

func (w *Writer) regenerateOccurrences(ctx context.Context, master persistence.Event) error {
	slots, err := w.engine.ExpandSlots(*master.RecurrenceRule, master.Start, master.End)
	if err != nil {
		return err
	}

	existing, err := w.occurrences.ListForMaster(ctx, master.ID)
	if err != nil {
		return err
	}
	bySlot := make(map[int64]persistence.Occurrence, len(existing))
	for _, occ := range existing {
		bySlot[occ.Start.UTC().UnixNano()] = occ
	}

	replacement := make([]persistence.Occurrence, 0, len(slots))
	seen := make(map[int64]struct{}, len(slots))
	for _, slot := range slots {
		key := slot.Start.UTC().UnixNano()
		seen[key] = struct{}{}

		occ := persistence.Occurrence{
			ID:            w.idGenerator(),
			MasterEventID: master.ID,
			CalendarID:    master.CalendarID,
			Start:         slot.Start,
			End:           slot.End,
		}
		if prior, ok := bySlot[key]; ok {
			occ.ID = prior.ID
			occ.ExceptionEventID = prior.ExceptionEventID
		}
		replacement = append(replacement, occ)
	}

	// Overridden slots survive a rule change until their exception is
	// removed, even when the new rule no longer produces their time.
	for _, occ := range existing {
		if occ.ExceptionEventID == nil {
			continue
		}
		if _, ok := seen[occ.Start.UTC().UnixNano()]; ok {
			continue
		}
		occ.CalendarID = master.CalendarID
		replacement = append(replacement, occ)
	}

	return w.occurrences.ReplaceForMaster(ctx, master.ID, replacement)
}

func validateEventCore(title string, start, end time.Time, vErr *ValidationError) {
	if strings.TrimSpace(title) == "" {
		vErr.add("title", "title is required")
	}
	if start.IsZero() {
		vErr.add("start", "start is required")
	}
	if end.IsZero() {
		vErr.add("end", "end is required")
	}
	if !start.IsZero() && !end.IsZero() && !start.Before(end) {
		vErr.add("time", "start must be before end")
	}
}

func equalRules(a, b *string) bool {
	switch {
	case a == nil && b == nil:
		return true
	case a == nil || b == nil:
		return false
	default:
		return *a == *b
	}
}

func titleOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

func timeOrDefault(value, fallback time.Time) time.Time {
	if value.IsZero() {
		return fallback
	}
	return value
}

func timezoneOrDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
