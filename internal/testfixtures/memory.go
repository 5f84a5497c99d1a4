package testfixtures

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/calendar-sync/internal/persistence"
)

// MemoryStore is an in-memory implementation of the persistence interfaces
// for unit tests that do not need real SQLite. It satisfies Transactor by
// running the callback directly; single-process tests never observe a
// rollback.
type MemoryStore struct {
	mu          sync.Mutex
	events      map[string]persistence.Event
	occurrences map[string]persistence.Occurrence
	operations  map[string]persistence.PendingOperation
	opOrder     []string
	calendars   map[string]persistence.Calendar
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:      make(map[string]persistence.Event),
		occurrences: make(map[string]persistence.Occurrence),
		operations:  make(map[string]persistence.PendingOperation),
		calendars:   make(map[string]persistence.Calendar),
	}
}

// InTransaction runs fn against the store. The memory store has no real
// transactions; fn's writes are visible immediately.
func (s *MemoryStore) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// ----------------------------- Events -----------------------------

func (s *MemoryStore) CreateEvent(ctx context.Context, event persistence.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[event.ID]; ok {
		return persistence.ErrDuplicate
	}
	s.events[event.ID] = event
	return nil
}

func (s *MemoryStore) UpdateEvent(ctx context.Context, event persistence.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[event.ID]; !ok {
		return persistence.ErrNotFound
	}
	s.events[event.ID] = event
	return nil
}

func (s *MemoryStore) GetEvent(ctx context.Context, id string) (persistence.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.events[id]
	if !ok {
		return persistence.Event{}, persistence.ErrNotFound
	}
	return event, nil
}

func (s *MemoryStore) GetEventByUID(ctx context.Context, uid string) (persistence.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, event := range s.events {
		if event.UID == uid && event.RecurrenceID == nil {
			return event, nil
		}
	}
	return persistence.Event{}, persistence.ErrNotFound
}

func (s *MemoryStore) ListEventsByCalendar(ctx context.Context, calendarID string) ([]persistence.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var events []persistence.Event
	for _, event := range s.events {
		if event.CalendarID == calendarID {
			events = append(events, event)
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })
	return events, nil
}

func (s *MemoryStore) ListExceptions(ctx context.Context, masterEventID string) ([]persistence.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var exceptions []persistence.Event
	for _, event := range s.events {
		if event.RecurrenceID != nil && event.RecurrenceID.MasterEventID == masterEventID {
			exceptions = append(exceptions, event)
		}
	}
	sort.Slice(exceptions, func(i, j int) bool {
		return exceptions[i].RecurrenceID.OccurrenceTime.Before(exceptions[j].RecurrenceID.OccurrenceTime)
	})
	return exceptions, nil
}

func (s *MemoryStore) DeleteEvent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[id]; !ok {
		return persistence.ErrNotFound
	}
	delete(s.events, id)
	return nil
}

// ----------------------------- Occurrences -----------------------------

func (s *MemoryStore) ReplaceForMaster(ctx context.Context, masterEventID string, occurrences []persistence.Occurrence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, occ := range s.occurrences {
		if occ.MasterEventID == masterEventID {
			delete(s.occurrences, id)
		}
	}
	for _, occ := range occurrences {
		s.occurrences[occ.ID] = occ
	}
	return nil
}

func (s *MemoryStore) ListForMaster(ctx context.Context, masterEventID string) ([]persistence.Occurrence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var occurrences []persistence.Occurrence
	for _, occ := range s.occurrences {
		if occ.MasterEventID == masterEventID {
			occurrences = append(occurrences, occ)
		}
	}
	sort.Slice(occurrences, func(i, j int) bool { return occurrences[i].Start.Before(occurrences[j].Start) })
	return occurrences, nil
}

func (s *MemoryStore) GetBySlot(ctx context.Context, masterEventID string, start time.Time) (persistence.Occurrence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, occ := range s.occurrences {
		if occ.MasterEventID == masterEventID && occ.Start.Equal(start) {
			return occ, nil
		}
	}
	return persistence.Occurrence{}, persistence.ErrNotFound
}

func (s *MemoryStore) LinkException(ctx context.Context, occurrenceID string, exceptionEventID *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	occ, ok := s.occurrences[occurrenceID]
	if !ok {
		return persistence.ErrNotFound
	}
	occ.ExceptionEventID = exceptionEventID
	s.occurrences[occurrenceID] = occ
	return nil
}

func (s *MemoryStore) UpdateCalendarForMaster(ctx context.Context, masterEventID, calendarID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, occ := range s.occurrences {
		if occ.MasterEventID == masterEventID {
			occ.CalendarID = calendarID
			s.occurrences[id] = occ
		}
	}
	return nil
}

func (s *MemoryStore) DeleteForMaster(ctx context.Context, masterEventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, occ := range s.occurrences {
		if occ.MasterEventID == masterEventID {
			delete(s.occurrences, id)
		}
	}
	return nil
}

// ----------------------------- Operations -----------------------------

func (s *MemoryStore) CreateOperation(ctx context.Context, op persistence.PendingOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.operations[op.ID]; ok {
		return persistence.ErrDuplicate
	}
	s.operations[op.ID] = op
	s.opOrder = append(s.opOrder, op.ID)
	return nil
}

func (s *MemoryStore) UpdateOperation(ctx context.Context, op persistence.PendingOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.operations[op.ID]; !ok {
		return persistence.ErrNotFound
	}
	s.operations[op.ID] = op
	return nil
}

func (s *MemoryStore) GetOperation(ctx context.Context, id string) (persistence.PendingOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.operations[id]
	if !ok {
		return persistence.PendingOperation{}, persistence.ErrNotFound
	}
	return op, nil
}

func (s *MemoryStore) DeleteOperation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.operations[id]; !ok {
		return persistence.ErrNotFound
	}
	delete(s.operations, id)
	return nil
}

func (s *MemoryStore) ListForEvent(ctx context.Context, eventID string) ([]persistence.PendingOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ops []persistence.PendingOperation
	for _, id := range s.opOrder {
		op, ok := s.operations[id]
		if ok && op.EventID == eventID {
			ops = append(ops, op)
		}
	}
	return ops, nil
}

func (s *MemoryStore) ListReady(ctx context.Context, now time.Time, limit int) ([]persistence.PendingOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ops []persistence.PendingOperation
	for _, id := range s.opOrder {
		op, ok := s.operations[id]
		if !ok {
			continue
		}
		if op.Status != persistence.OperationPending {
			continue
		}
		if op.NextRetryAt.After(now) || op.RetryCount >= op.MaxRetries {
			continue
		}
		ops = append(ops, op)
		if limit > 0 && len(ops) == limit {
			break
		}
	}
	return ops, nil
}

func (s *MemoryStore) ResetStaleInProgress(ctx context.Context, cutoff, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reset := 0
	for id, op := range s.operations {
		if op.Status == persistence.OperationInProgress && op.UpdatedAt.Before(cutoff) {
			op.Status = persistence.OperationPending
			op.UpdatedAt = now
			s.operations[id] = op
			reset++
		}
	}
	return reset, nil
}

func (s *MemoryStore) DeleteForEventByKind(ctx context.Context, eventID string, kinds ...persistence.OperationKind) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, op := range s.operations {
		if op.EventID != eventID {
			continue
		}
		for _, kind := range kinds {
			if op.Operation == kind {
				delete(s.operations, id)
				removed++
				break
			}
		}
	}
	return removed, nil
}

func (s *MemoryStore) ListFailed(ctx context.Context) ([]persistence.PendingOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ops []persistence.PendingOperation
	for _, id := range s.opOrder {
		op, ok := s.operations[id]
		if ok && op.Status == persistence.OperationFailed {
			ops = append(ops, op)
		}
	}
	return ops, nil
}

// ----------------------------- Calendars -----------------------------

func (s *MemoryStore) UpsertCalendar(ctx context.Context, calendar persistence.Calendar) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calendars[calendar.ID] = calendar
	return nil
}

func (s *MemoryStore) GetCalendar(ctx context.Context, id string) (persistence.Calendar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	calendar, ok := s.calendars[id]
	if !ok {
		return persistence.Calendar{}, persistence.ErrNotFound
	}
	return calendar, nil
}

func (s *MemoryStore) ListCalendars(ctx context.Context) ([]persistence.Calendar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	calendars := make([]persistence.Calendar, 0, len(s.calendars))
	for _, calendar := range s.calendars {
		calendars = append(calendars, calendar)
	}
	sort.Slice(calendars, func(i, j int) bool { return calendars[i].ID < calendars[j].ID })
	return calendars, nil
}

func (s *MemoryStore) UpdateSyncToken(ctx context.Context, id string, token *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	calendar, ok := s.calendars[id]
	if !ok {
		return persistence.ErrNotFound
	}
	calendar.SyncToken = token
	s.calendars[id] = calendar
	return nil
}
