// Package recurrence expands recurrence rules into the concrete slot times a
// recurring master materializes as occurrences.
package recurrence

import (
	"errors"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

const defaultMaxSlots = 5000

// ErrInvalidRule indicates the recurrence rule could not be parsed.
var ErrInvalidRule = errors.New("recurrence: invalid rule")

// ErrInvalidDuration indicates the base event duration is not positive.
var ErrInvalidDuration = errors.New("recurrence: event duration must be positive")

// Slot is one concrete instance time produced by expanding a rule.
type Slot struct {
	Start time.Time
	End   time.Time
}

// Engine expands RRULE strings into slots. Expansion is deterministic and
// idempotent: the same rule and base times always produce the same slots.
type Engine struct {
	horizon  time.Duration
	maxSlots int
}

// NewEngine constructs an Engine. The horizon bounds expansion of rules that
// carry neither COUNT nor UNTIL; when non-positive, one year is used.
func NewEngine(horizon time.Duration) *Engine {
	if horizon <= 0 {
		horizon = 365 * 24 * time.Hour
	}
	return &Engine{horizon: horizon, maxSlots: defaultMaxSlots}
}

// ExpandSlots expands rule into slot times anchored at baseStart, each slot
// preserving the base event's duration. Rules bounded by COUNT or UNTIL are
// expanded in full; unbounded rules are cut off at the engine horizon. The
// slot count is capped to guard against pathological rules.
func (e *Engine) ExpandSlots(rule string, baseStart, baseEnd time.Time) ([]Slot, error) {
	if !baseEnd.After(baseStart) {
		return nil, ErrInvalidDuration
	}
	duration := baseEnd.Sub(baseStart)

	r, err := rrule.StrToRRule(strings.TrimPrefix(strings.TrimSpace(rule), "RRULE:"))
	if err != nil {
		return nil, errors.Join(ErrInvalidRule, err)
	}
	r.DTStart(baseStart)

	var times []time.Time
	if isBounded(r) {
		times = r.All()
	} else {
		times = r.Between(baseStart, baseStart.Add(e.horizon), true)
	}
	if len(times) > e.maxSlots {
		times = times[:e.maxSlots]
	}

	slots := make([]Slot, 0, len(times))
	for _, start := range times {
		slots = append(slots, Slot{Start: start, End: start.Add(duration)})
	}
	return slots, nil
}

func isBounded(r *rrule.RRule) bool {
	return r.OrigOptions.Count > 0 || !r.OrigOptions.Until.IsZero()
}
