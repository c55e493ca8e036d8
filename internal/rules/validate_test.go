package rules

import (
	"testing"
	"time"
)

func TestValidateAcceptsContiguousSeasons(t *testing.T) {
	t.Parallel()
	if err := testZone().Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestValidateSingleFullYearWindow(t *testing.T) {
	t.Parallel()
	z := Zone{
		Code:           "Z1",
		GarbageWeekday: time.Monday,
		Seasons: []SeasonWindow{
			{
				Start:     MonthDay{Month: time.January, Day: 1},
				End:       MonthDay{Month: time.December, Day: 31},
				Garbage:   CadenceWeekly,
				Recycling: CadenceWeekly,
			},
		},
	}
	if err := z.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestValidateRejections(t *testing.T) {
	t.Parallel()

	gapped := testZone()
	gapped.Seasons[1].Start = MonthDay{Month: time.April, Day: 1} // Mar 28-31 uncovered

	overlapping := testZone()
	overlapping.Seasons[1].Start = MonthDay{Month: time.March, Day: 20}

	noParity := testZone()
	noParity.RecyclingParity = ""

	badCadence := testZone()
	badCadence.Seasons[0].Garbage = Cadence("monthly")

	badException := testZone()
	badException.Exceptions = []Exception{
		{Event: EventType("compost"), From: date(2026, time.January, 1), To: date(2026, time.January, 2)},
	}

	tests := []struct {
		name string
		zone Zone
	}{
		{name: "gap between windows", zone: gapped},
		{name: "overlapping windows", zone: overlapping},
		{name: "no windows", zone: Zone{Code: "Z2", GarbageWeekday: time.Friday}},
		{name: "biweekly without parity", zone: noParity},
		{name: "unknown cadence", zone: badCadence},
		{name: "unknown exception event", zone: badException},
		{name: "empty code", zone: func() Zone { z := testZone(); z.Code = " "; return z }()},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := tt.zone.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
