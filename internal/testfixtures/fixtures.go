package testfixtures

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/example/calendar-sync/internal/persistence"
)

var (
	calendarCounter  uint64
	eventCounter     uint64
	operationCounter uint64
)

var referenceTime = time.Date(2024, time.January, 2, 15, 4, 5, 0, time.UTC)

// ReferenceTime returns the canonical baseline timestamp used by fixtures.
func ReferenceTime() time.Time {
	return referenceTime
}

// --------------------------- Calendar fixtures ---------------------------

// CalendarOption configures the generated calendar fixture.
type CalendarOption func(*persistence.Calendar)

// NewCalendarFixture returns a deterministic calendar with optional overrides.
func NewCalendarFixture(opts ...CalendarOption) persistence.Calendar {
	idx := atomic.AddUint64(&calendarCounter, 1)
	id := fmt.Sprintf("cal-%03d", idx)
	created := referenceTime.Add(time.Duration(idx) * time.Minute)
	calendar := persistence.Calendar{
		ID:         id,
		Name:       fmt.Sprintf("Calendar %03d", idx),
		RemotePath: fmt.Sprintf("/calendars/user/%s/", id),
		ReadOnly:   false,
		CreatedAt:  created,
		UpdatedAt:  created,
	}
	for _, opt := range opts {
		opt(&calendar)
	}
	return calendar
}

// WithCalendarID overrides the generated calendar ID.
func WithCalendarID(id string) CalendarOption {
	return func(c *persistence.Calendar) {
		c.ID = id
	}
}

// WithReadOnly marks the calendar as not writable on the remote side.
func WithReadOnly() CalendarOption {
	return func(c *persistence.Calendar) {
		c.ReadOnly = true
	}
}

// ----------------------------- Event fixtures -----------------------------

// EventOption configures the generated event fixture.
type EventOption func(*persistence.Event)

// NewEventFixture returns a deterministic event with optional overrides. The
// default is a plain non-recurring event in PENDING_CREATE state.
func NewEventFixture(calendarID string, opts ...EventOption) persistence.Event {
	idx := atomic.AddUint64(&eventCounter, 1)
	id := fmt.Sprintf("event-%03d", idx)
	start := referenceTime.Add(time.Duration(idx) * time.Hour)
	created := referenceTime.Add(time.Duration(idx) * time.Minute)
	event := persistence.Event{
		ID:         id,
		CalendarID: calendarID,
		UID:        fmt.Sprintf("%s@example.com", id),
		Title:      fmt.Sprintf("Event %03d", idx),
		Start:      start,
		End:        start.Add(time.Hour),
		Timezone:   "UTC",
		SyncStatus: persistence.SyncStatusPendingCreate,
		DTStamp:    created,
		CreatedAt:  created,
		UpdatedAt:  created,
	}
	for _, opt := range opts {
		opt(&event)
	}
	return event
}

// WithEventID overrides the generated event ID.
func WithEventID(id string) EventOption {
	return func(e *persistence.Event) {
		e.ID = id
	}
}

// WithRecurrenceRule makes the event a recurring master with the given rule.
func WithRecurrenceRule(rule string) EventOption {
	return func(e *persistence.Event) {
		e.RecurrenceRule = &rule
	}
}

// WithStart pins the event start, preserving its one hour duration.
func WithStart(start time.Time) EventOption {
	return func(e *persistence.Event) {
		e.Start = start
		e.End = start.Add(time.Hour)
	}
}

// WithSynced marks the event as fully pushed, with a remote identity.
func WithSynced(remoteURL, versionTag string) EventOption {
	return func(e *persistence.Event) {
		e.RemoteURL = &remoteURL
		e.RemoteVersionTag = &versionTag
		e.SyncStatus = persistence.SyncStatusSynced
	}
}

// WithSyncStatus overrides the sync status.
func WithSyncStatus(status persistence.SyncStatus) EventOption {
	return func(e *persistence.Event) {
		e.SyncStatus = status
	}
}

// --------------------------- Operation fixtures ---------------------------

// OperationOption configures the generated pending operation fixture.
type OperationOption func(*persistence.PendingOperation)

// NewOperationFixture returns a deterministic PENDING operation for the event.
func NewOperationFixture(eventID string, kind persistence.OperationKind, opts ...OperationOption) persistence.PendingOperation {
	idx := atomic.AddUint64(&operationCounter, 1)
	created := referenceTime.Add(time.Duration(idx) * time.Second)
	op := persistence.PendingOperation{
		ID:          fmt.Sprintf("op-%03d", idx),
		EventID:     eventID,
		Operation:   kind,
		Status:      persistence.OperationPending,
		MaxRetries:  5,
		NextRetryAt: created,
		CreatedAt:   created,
		UpdatedAt:   created,
	}
	for _, opt := range opts {
		opt(&op)
	}
	return op
}

// WithOperationStatus overrides the queue status.
func WithOperationStatus(status persistence.OperationStatus) OperationOption {
	return func(op *persistence.PendingOperation) {
		op.Status = status
	}
}

// WithRetryCount overrides the retry counter.
func WithRetryCount(count int) OperationOption {
	return func(op *persistence.PendingOperation) {
		op.RetryCount = count
	}
}

// WithNextRetryAt overrides the next attempt time.
func WithNextRetryAt(at time.Time) OperationOption {
	return func(op *persistence.PendingOperation) {
		op.NextRetryAt = at
	}
}

// WithTargetURL sets the captured remote URL on a DELETE or MOVE operation.
func WithTargetURL(url string) OperationOption {
	return func(op *persistence.PendingOperation) {
		op.TargetURL = &url
	}
}
