package rules

import (
	"fmt"
	"time"
)

// EventType identifies one kind of resident notification.
type EventType string

const (
	EventGarbage   EventType = "garbage"
	EventRecycling EventType = "recycling"
	EventSnow      EventType = "snow"
)

// ValidEventType reports whether t is a known event type.
func ValidEventType(t EventType) bool {
	switch t {
	case EventGarbage, EventRecycling, EventSnow:
		return true
	}
	return false
}

// Parity names one of the two alternating collection weeks.
// It is anchored to the ISO week number: "odd" means isoWeek%2 == 1.
type Parity string

const (
	ParityOdd  Parity = "odd"
	ParityEven Parity = "even"
)

// Complement returns the other week.
func (p Parity) Complement() Parity {
	if p == ParityOdd {
		return ParityEven
	}
	return ParityOdd
}

// WeekParity returns the parity of the ISO week containing d.
func WeekParity(d time.Time) Parity {
	_, week := d.ISOWeek()
	if week%2 == 1 {
		return ParityOdd
	}
	return ParityEven
}

// Cadence is how often an event type recurs within a season window.
type Cadence string

const (
	CadenceWeekly Cadence = "weekly"
	// CadenceBiweekly collects every second week. For garbage it alternates
	// with recycling on complementary weeks; for recycling it follows the
	// zone's recycling parity.
	CadenceBiweekly Cadence = "biweekly"
)

// MonthDay is a recurring calendar day (month + day, no year).
type MonthDay struct {
	Month time.Month `json:"month"`
	Day   int        `json:"day"`
}

func (md MonthDay) String() string {
	return fmt.Sprintf("%s %d", md.Month, md.Day)
}

// ordinal maps the month-day onto a day index in a fixed leap reference
// year, so Feb 29 is representable and comparisons are year-independent.
func (md MonthDay) ordinal() int {
	return time.Date(2000, md.Month, md.Day, 0, 0, 0, 0, time.UTC).YearDay()
}

// next returns the following calendar day, wrapping Dec 31 to Jan 1.
func (md MonthDay) next() MonthDay {
	t := time.Date(2000, md.Month, md.Day, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	return MonthDay{Month: t.Month(), Day: t.Day()}
}

func (md MonthDay) valid() bool {
	t := time.Date(2000, md.Month, md.Day, 0, 0, 0, 0, time.UTC)
	return t.Month() == md.Month && t.Day() == md.Day
}

// SeasonWindow is one seasonal slice of a zone's calendar year with its own
// collection cadences. Start and End are inclusive and recur yearly; a
// window may wrap the year end (e.g. Oct 6 through Mar 27).
type SeasonWindow struct {
	Start     MonthDay `json:"start"`
	End       MonthDay `json:"end"`
	Garbage   Cadence  `json:"garbage"`
	Recycling Cadence  `json:"recycling"`
}

// Contains reports whether the civil date d falls inside the window.
func (w SeasonWindow) Contains(d time.Time) bool {
	o := MonthDay{Month: d.Month(), Day: d.Day()}.ordinal()
	start, end := w.Start.ordinal(), w.End.ordinal()
	if start <= end {
		return o >= start && o <= end
	}
	// wraps the year end
	return o >= start || o <= end
}

// Exception is a date-specific override: a collection computed for From is
// held on To instead (holiday shifts). An empty Event applies to every
// collection event on that date. Overrides take precedence over the cadence
// rule for that single instance.
type Exception struct {
	Event EventType `json:"event,omitempty"`
	From  time.Time `json:"from"`
	To    time.Time `json:"to"`
}

// Zone is one collection area sharing a single rule set.
type Zone struct {
	Code            string         `json:"code"`
	GarbageWeekday  time.Weekday   `json:"garbage_weekday"`
	RecyclingParity Parity         `json:"recycling_parity"`
	Seasons         []SeasonWindow `json:"seasons"`
	Exceptions      []Exception    `json:"exceptions,omitempty"`
}

// Occurrence is one concrete future date for one event type in one zone.
// It is derived, never persisted, and safe to recompute.
type Occurrence struct {
	Zone  string
	Event EventType
	Date  time.Time
}

// ConfigError reports a malformed or incomplete zone rule set. It is a
// caller-visible, non-retryable defect: resolution for the zone fails until
// the configuration is corrected, and is never silently defaulted.
type ConfigError struct {
	Zone   string
	Date   time.Time
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Date.IsZero() {
		return fmt.Sprintf("zone %s: %s", e.Zone, e.Reason)
	}
	return fmt.Sprintf("zone %s: %s (date %s)", e.Zone, e.Reason, e.Date.Format(DateLayout))
}

// DateLayout is the civil-date wire format used across the daemon
// (ledger reference dates, config exceptions, API payloads).
const DateLayout = "2006-01-02"

// Midnight truncates t to its civil date in UTC.
func Midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// SameDate reports whether a and b fall on the same civil date.
func SameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
