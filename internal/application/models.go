package application

import "time"

// EventInput captures caller provided event fields.
type EventInput struct {
	CalendarID     string
	UID            string
	Title          string
	Body           string
	Start          time.Time
	End            time.Time
	Timezone       string
	RecurrenceRule *string
}

// OccurrenceEdit captures the overridden fields for a single occurrence of a
// recurring master. Zero time fields inherit the slot's own times.
type OccurrenceEdit struct {
	Title    string
	Body     string
	Start    time.Time
	End      time.Time
	Timezone string
}
