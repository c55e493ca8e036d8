package fetch

import (
	"errors"
	"testing"
	"time"

	"collecte/internal/rules"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		page   string
		day    time.Weekday
		parity rules.Parity
	}{
		{
			name: "prochaine collecte with parity",
			page: `<html><body><p>Prochaine collecte : mardi 20 janvier.</p>
				<p>Recyclage : semaines impaires.</p></body></html>`,
			day:    time.Tuesday,
			parity: rules.ParityOdd,
		},
		{
			name:   "jour de collecte",
			page:   `<div>Jour de collecte : jeudi. Recyclage les semaines paires.</div>`,
			day:    time.Thursday,
			parity: rules.ParityEven,
		},
		{
			name:   "ordures sentence order",
			page:   `<p>Les ordures sont ramassées le lundi dans votre secteur.</p>`,
			day:    time.Monday,
			parity: "",
		},
		{
			name:   "summer schedule marker",
			page:   `<span>Collecte (1x/semaine) : vendredi</span>`,
			day:    time.Friday,
			parity: "",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSchedule(tt.page)
			if err != nil {
				t.Fatalf("ParseSchedule error: %v", err)
			}
			if got.GarbageWeekday != tt.day {
				t.Fatalf("weekday = %v, want %v", got.GarbageWeekday, tt.day)
			}
			if got.RecyclingParity != tt.parity {
				t.Fatalf("parity = %q, want %q", got.RecyclingParity, tt.parity)
			}
		})
	}
}

func TestParseScheduleNoMatch(t *testing.T) {
	t.Parallel()
	_, err := ParseSchedule(`<html><body><h1>Aucun résultat</h1></body></html>`)
	if !errors.Is(err, errNoSchedule) {
		t.Fatalf("error = %v, want errNoSchedule", err)
	}
}

func TestParseScheduleSkipsScriptText(t *testing.T) {
	t.Parallel()
	page := `<html><body>
		<script>var x = "jour de collecte : dimanche";</script>
		<p>Jour de collecte : mercredi</p>
	</body></html>`
	got, err := ParseSchedule(page)
	if err != nil {
		t.Fatalf("ParseSchedule error: %v", err)
	}
	if got.GarbageWeekday != time.Wednesday {
		t.Fatalf("weekday = %v, want Wednesday (script content must be ignored)", got.GarbageWeekday)
	}
}

func TestExtractFormFields(t *testing.T) {
	t.Parallel()
	page := `<input type="hidden" id="__VIEWSTATE" value="abc123" />
		<input type="hidden" id="__VIEWSTATEGENERATOR" value="gen" />
		<input type="hidden" id="__EVENTVALIDATION" value="ev" />`
	fields := extractFormFields(page)
	if fields.Get("__VIEWSTATE") != "abc123" {
		t.Fatalf("__VIEWSTATE = %q", fields.Get("__VIEWSTATE"))
	}
	if fields.Get("__VIEWSTATEGENERATOR") != "gen" || fields.Get("__EVENTVALIDATION") != "ev" {
		t.Fatalf("fields = %v", fields)
	}
}

func TestExtractAddressChoice(t *testing.T) {
	t.Parallel()
	page := `<select name="ctl00$ddChoix">
		<option value="">Choisir...</option>
		<option value="123|rue Saint-Jean">123 rue Saint-Jean</option>
		<option value="125|rue Saint-Jean">125 rue Saint-Jean</option>
	</select>`
	if got := extractAddressChoice(page); got != "123|rue Saint-Jean" {
		t.Fatalf("choice = %q", got)
	}
	if got := extractAddressChoice(`<p>un seul résultat</p>`); got != "" {
		t.Fatalf("choice on single result = %q, want empty", got)
	}
}

func TestBuildZoneIsValid(t *testing.T) {
	t.Parallel()
	z := BuildZone("g1r 2k8", Schedule{GarbageWeekday: time.Tuesday, RecyclingParity: rules.ParityEven})
	if z.Code != "G1R2K8" {
		t.Fatalf("code = %q", z.Code)
	}
	if err := z.Validate(); err != nil {
		t.Fatalf("built zone fails validation: %v", err)
	}

	// Unknown parity still yields a valid, resolvable zone.
	z2 := BuildZone("G2B1A1", Schedule{GarbageWeekday: time.Friday})
	if err := z2.Validate(); err != nil {
		t.Fatalf("defaulted zone fails validation: %v", err)
	}
	if z2.RecyclingParity != rules.ParityOdd {
		t.Fatalf("defaulted parity = %q, want odd", z2.RecyclingParity)
	}
}

func TestFormatPostal(t *testing.T) {
	t.Parallel()
	for raw, want := range map[string]string{
		"g1r2k8":  "G1R 2K8",
		"G1R 2K8": "G1R 2K8",
		" g1r 2k8 ": "G1R 2K8",
		"BAD":     "BAD",
	} {
		if got := formatPostal(raw); got != want {
			t.Fatalf("formatPostal(%q) = %q, want %q", raw, got, want)
		}
	}
}
