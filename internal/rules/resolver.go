package rules

import (
	"sort"
	"time"
)

// Resolve computes the collection occurrences for zone within the inclusive
// date range [ref, ref+horizonDays], earliest first.
//
// It is pure and deterministic: no shared mutable state, safe to call
// concurrently. The active season window is re-evaluated per date, so a
// horizon spanning a season boundary switches cadence mid-sequence.
//
// A date covered by no season window is a configuration defect and yields a
// *ConfigError naming the zone and date; partial results are not returned.
// Snow events are not computed here; they arrive as discrete external
// events.
//
// Date-specific exceptions replace the computed date for that single
// instance and take precedence over the cadence rule. Whether an occurrence
// is in range is judged by its final, post-shift date: a shift landing
// inside the range is returned even when its source date precedes ref, and
// a shift landing outside the range is dropped.
func Resolve(zone Zone, ref time.Time, horizonDays int) ([]Occurrence, error) {
	start := Midnight(ref)
	end := start.AddDate(0, 0, horizonDays)

	var out []Occurrence
	scan := func(d time.Time) error {
		w, ok := zone.activeWindow(d)
		if !ok {
			return &ConfigError{Zone: zone.Code, Date: d, Reason: "no season window covers date"}
		}
		if d.Weekday() != zone.GarbageWeekday {
			return nil
		}

		// Garbage: weekly, or on the week complementary to recycling.
		if w.Garbage == CadenceWeekly || WeekParity(d) == zone.RecyclingParity.Complement() {
			out = append(out, zone.shifted(Occurrence{Zone: zone.Code, Event: EventGarbage, Date: d}))
		}
		// Recycling: same weekday as garbage; weekly, or on the zone's
		// configured parity week.
		if w.Recycling == CadenceWeekly || WeekParity(d) == zone.RecyclingParity {
			out = append(out, zone.shifted(Occurrence{Zone: zone.Code, Event: EventRecycling, Date: d}))
		}
		return nil
	}

	for i := 0; i <= horizonDays; i++ {
		if err := scan(start.AddDate(0, 0, i)); err != nil {
			return nil, err
		}
	}

	// A holiday shift can pull a collection computed outside [start, end]
	// onto a date inside it; scan those source dates too.
	seen := map[time.Time]struct{}{}
	for _, ex := range zone.Exceptions {
		from, to := Midnight(ex.From), Midnight(ex.To)
		if to.Before(start) || to.After(end) {
			continue
		}
		if !from.Before(start) && !from.After(end) {
			continue // already scanned
		}
		if _, dup := seen[from]; dup {
			continue
		}
		seen[from] = struct{}{}
		if err := scan(from); err != nil {
			return nil, err
		}
	}

	kept := out[:0]
	for _, o := range out {
		if o.Date.Before(start) || o.Date.After(end) {
			continue
		}
		kept = append(kept, o)
	}
	out = kept

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].Event < out[j].Event
	})
	return out, nil
}

// DueOn reports the occurrences falling exactly on the given date.
func DueOn(zone Zone, d time.Time) ([]Occurrence, error) {
	return Resolve(zone, d, 0)
}

// shifted applies the first matching date-specific override to a computed
// occurrence.
func (z Zone) shifted(o Occurrence) Occurrence {
	for _, ex := range z.Exceptions {
		if !SameDate(ex.From, o.Date) {
			continue
		}
		if ex.Event != "" && ex.Event != o.Event {
			continue
		}
		o.Date = Midnight(ex.To)
		return o
	}
	return o
}
