package persistence

import (
	"context"
	"time"
)

// Transactor runs a function inside one storage transaction. Repository
// calls made with the derived context participate in that transaction; the
// transaction commits when fn returns nil and rolls back otherwise.
type Transactor interface {
	InTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// EventRepository exposes CRUD and indexed lookups for events.
type EventRepository interface {
	CreateEvent(ctx context.Context, event Event) error
	UpdateEvent(ctx context.Context, event Event) error
	GetEvent(ctx context.Context, id string) (Event, error)
	GetEventByUID(ctx context.Context, uid string) (Event, error)
	ListEventsByCalendar(ctx context.Context, calendarID string) ([]Event, error)
	// ListExceptions returns the exception events overriding occurrences of
	// the given master, ordered by their overridden occurrence time.
	ListExceptions(ctx context.Context, masterEventID string) ([]Event, error)
	DeleteEvent(ctx context.Context, id string) error
}

// OccurrenceRepository stores the materialized expansion of recurring masters.
type OccurrenceRepository interface {
	// ReplaceForMaster atomically swaps the stored occurrence set of a master
	// for the provided rows in a single batch.
	ReplaceForMaster(ctx context.Context, masterEventID string, occurrences []Occurrence) error
	ListForMaster(ctx context.Context, masterEventID string) ([]Occurrence, error)
	// GetBySlot resolves the occurrence of a master starting exactly at start.
	GetBySlot(ctx context.Context, masterEventID string, start time.Time) (Occurrence, error)
	LinkException(ctx context.Context, occurrenceID string, exceptionEventID *string) error
	// UpdateCalendarForMaster rewrites the denormalized calendar reference on
	// every occurrence of the master.
	UpdateCalendarForMaster(ctx context.Context, masterEventID, calendarID string) error
	DeleteForMaster(ctx context.Context, masterEventID string) error
}

// OperationRepository stores the durable pending-operation queue.
type OperationRepository interface {
	CreateOperation(ctx context.Context, op PendingOperation) error
	UpdateOperation(ctx context.Context, op PendingOperation) error
	GetOperation(ctx context.Context, id string) (PendingOperation, error)
	DeleteOperation(ctx context.Context, id string) error
	// ListForEvent returns the event's operations in creation order.
	ListForEvent(ctx context.Context, eventID string) ([]PendingOperation, error)
	// ListReady returns PENDING operations whose next retry is due at or
	// before now and whose retries are not exhausted, in creation order.
	ListReady(ctx context.Context, now time.Time, limit int) ([]PendingOperation, error)
	// ResetStaleInProgress flips IN_PROGRESS rows last touched before cutoff
	// back to PENDING and stamps them with now, returning the count reset.
	ResetStaleInProgress(ctx context.Context, cutoff, now time.Time) (int, error)
	// DeleteForEventByKind removes queued operations of the given kinds for
	// an event, returning the number removed.
	DeleteForEventByKind(ctx context.Context, eventID string, kinds ...OperationKind) (int, error)
	ListFailed(ctx context.Context) ([]PendingOperation, error)
}

// CalendarRepository stores the local mirror of remote calendar collections.
type CalendarRepository interface {
	UpsertCalendar(ctx context.Context, calendar Calendar) error
	GetCalendar(ctx context.Context, id string) (Calendar, error)
	ListCalendars(ctx context.Context) ([]Calendar, error)
	UpdateSyncToken(ctx context.Context, id string, token *string) error
}
