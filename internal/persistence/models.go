package persistence

import "time"

// SyncStatus tracks how far a local event row has progressed toward the
// remote server.
type SyncStatus string

const (
	// SyncStatusPendingCreate marks a row that has never been pushed.
	SyncStatusPendingCreate SyncStatus = "PENDING_CREATE"
	// SyncStatusPendingUpdate marks a synced row with unpushed local changes.
	SyncStatusPendingUpdate SyncStatus = "PENDING_UPDATE"
	// SyncStatusPendingDelete marks a soft-deleted row awaiting remote deletion.
	SyncStatusPendingDelete SyncStatus = "PENDING_DELETE"
	// SyncStatusSynced marks a row whose state matches the remote copy.
	SyncStatusSynced SyncStatus = "SYNCED"
)

// OperationKind identifies the remote effect described by a pending operation.
type OperationKind string

const (
	OperationCreate OperationKind = "CREATE"
	OperationUpdate OperationKind = "UPDATE"
	OperationDelete OperationKind = "DELETE"
	OperationMove   OperationKind = "MOVE"
)

// OperationStatus is the queue state of a pending operation.
type OperationStatus string

const (
	OperationPending    OperationStatus = "PENDING"
	OperationInProgress OperationStatus = "IN_PROGRESS"
	OperationFailed     OperationStatus = "FAILED"
)

// RecurrenceID identifies the single occurrence of a master that an
// exception event overrides.
type RecurrenceID struct {
	MasterEventID  string
	OccurrenceTime time.Time
}

// Event represents a calendar item: a plain event, a recurring master, or an
// exception overriding one occurrence of a master. An exception shares the
// master's UID and always lives in the master's calendar.
type Event struct {
	ID               string
	CalendarID       string
	UID              string
	Title            string
	Body             string
	Start            time.Time
	End              time.Time
	Timezone         string
	RecurrenceRule   *string
	RecurrenceID     *RecurrenceID
	RemoteURL        *string
	RemoteVersionTag *string
	SyncStatus       SyncStatus
	DTStamp          time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// IsException reports whether the event overrides a single occurrence of a
// recurring master.
func (e Event) IsException() bool {
	return e.RecurrenceID != nil
}

// IsRecurringMaster reports whether the event carries a recurrence rule of
// its own.
func (e Event) IsRecurringMaster() bool {
	return e.RecurrenceRule != nil && *e.RecurrenceRule != "" && e.RecurrenceID == nil
}

// Occurrence is a materialized instance of a recurring master. CalendarID is
// denormalized from the master. ExceptionEventID refers to an exception row
// when the slot has been overridden; the reference is non-owning and may
// dangle after a hard delete.
type Occurrence struct {
	ID               string
	MasterEventID    string
	CalendarID       string
	Start            time.Time
	End              time.Time
	ExceptionEventID *string
}

// PendingOperation is a queued remote effect for one event. It references the
// event by ID only and may outlive it; the worker drops operations whose
// event no longer exists.
type PendingOperation struct {
	ID               string
	EventID          string
	Operation        OperationKind
	Status           OperationStatus
	RetryCount       int
	MaxRetries       int
	NextRetryAt      time.Time
	LastError        *string
	TargetURL        *string
	TargetCalendarID *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Calendar is the local mirror of a remote calendar collection. ReadOnly
// reflects the remote write permission of the collection, not a property of
// local rows.
type Calendar struct {
	ID         string
	Name       string
	RemotePath string
	ReadOnly   bool
	SyncToken  *string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
