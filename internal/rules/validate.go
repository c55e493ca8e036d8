package rules

import (
	"sort"
	"strings"
	"time"
)

// Validate checks the zone's structural invariants:
//
//   - season windows must be contiguous and non-overlapping across the
//     calendar year, so exactly one rule is active for any date;
//   - cadences must be known values;
//   - a biweekly garbage cadence requires a recycling parity, because the
//     two streams alternate on complementary weeks.
//
// It returns a *ConfigError naming the zone on the first violation.
func (z Zone) Validate() error {
	if strings.TrimSpace(z.Code) == "" {
		return &ConfigError{Zone: z.Code, Reason: "zone code is empty"}
	}
	if z.GarbageWeekday < time.Sunday || z.GarbageWeekday > time.Saturday {
		return &ConfigError{Zone: z.Code, Reason: "invalid garbage weekday"}
	}
	if z.RecyclingParity != "" && z.RecyclingParity != ParityOdd && z.RecyclingParity != ParityEven {
		return &ConfigError{Zone: z.Code, Reason: "recycling parity must be odd or even"}
	}
	if len(z.Seasons) == 0 {
		return &ConfigError{Zone: z.Code, Reason: "no season windows configured"}
	}

	for _, w := range z.Seasons {
		if !w.Start.valid() || !w.End.valid() {
			return &ConfigError{Zone: z.Code, Reason: "season window has an invalid month-day"}
		}
		switch w.Garbage {
		case CadenceWeekly:
		case CadenceBiweekly:
			if z.RecyclingParity == "" {
				return &ConfigError{Zone: z.Code, Reason: "biweekly garbage requires a recycling parity to alternate against"}
			}
		default:
			return &ConfigError{Zone: z.Code, Reason: "unknown garbage cadence " + string(w.Garbage)}
		}
		switch w.Recycling {
		case CadenceWeekly, CadenceBiweekly:
		default:
			return &ConfigError{Zone: z.Code, Reason: "unknown recycling cadence " + string(w.Recycling)}
		}
		if w.Recycling == CadenceBiweekly && z.RecyclingParity == "" {
			return &ConfigError{Zone: z.Code, Reason: "biweekly recycling requires a recycling parity"}
		}
	}

	if err := z.validateCoverage(); err != nil {
		return err
	}

	for _, ex := range z.Exceptions {
		if ex.From.IsZero() || ex.To.IsZero() {
			return &ConfigError{Zone: z.Code, Reason: "exception is missing a date"}
		}
		if ex.Event != "" && !ValidEventType(ex.Event) {
			return &ConfigError{Zone: z.Code, Date: ex.From, Reason: "exception names unknown event type " + string(ex.Event)}
		}
	}
	return nil
}

// validateCoverage verifies the season windows tile the whole calendar year:
// sorted by start, each window ends the day before the next begins, and the
// last wraps around to the first.
func (z Zone) validateCoverage() error {
	ws := append([]SeasonWindow(nil), z.Seasons...)
	sort.Slice(ws, func(i, j int) bool { return ws[i].Start.ordinal() < ws[j].Start.ordinal() })

	for i := range ws {
		cur := ws[i]
		nxt := ws[(i+1)%len(ws)]
		after := cur.End.next()
		if after != nxt.Start {
			return &ConfigError{
				Zone: z.Code,
				Reason: "season windows are not contiguous: window ending " + cur.End.String() +
					" is not followed by a window starting " + after.String(),
			}
		}
	}

	// A single window must wrap onto itself (end.next == start), which the
	// loop above already enforced; with multiple windows the modular walk
	// also guarantees non-overlap, since total length is fixed at one year.
	return nil
}

// activeWindow returns the season window containing d, if any.
// Exactly one matches for a validated zone.
func (z Zone) activeWindow(d time.Time) (SeasonWindow, bool) {
	for _, w := range z.Seasons {
		if w.Contains(d) {
			return w, true
		}
	}
	return SeasonWindow{}, false
}
