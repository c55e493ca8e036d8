package storage

import (
	"context"
	"testing"
	"time"

	"collecte/internal/rules"
)

func sampleZone(code string) rules.Zone {
	return rules.Zone{
		Code:            code,
		GarbageWeekday:  time.Tuesday,
		RecyclingParity: rules.ParityEven,
		Seasons: []rules.SeasonWindow{
			{
				Start:     rules.MonthDay{Month: time.October, Day: 6},
				End:       rules.MonthDay{Month: time.March, Day: 27},
				Garbage:   rules.CadenceBiweekly,
				Recycling: rules.CadenceBiweekly,
			},
			{
				Start:     rules.MonthDay{Month: time.March, Day: 28},
				End:       rules.MonthDay{Month: time.October, Day: 5},
				Garbage:   rules.CadenceWeekly,
				Recycling: rules.CadenceBiweekly,
			},
		},
	}
}

func TestZoneRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	z := sampleZone("G1R2K8")
	z.Exceptions = []rules.Exception{{
		Event: rules.EventGarbage,
		From:  time.Date(2025, time.December, 25, 0, 0, 0, 0, time.UTC),
		To:    time.Date(2025, time.December, 26, 0, 0, 0, 0, time.UTC),
	}}
	at := time.Date(2026, time.January, 10, 15, 4, 5, 0, time.UTC)

	if err := s.UpsertZone(ctx, z, at); err != nil {
		t.Fatalf("UpsertZone: %v", err)
	}

	got, fetchedAt, ok, err := s.GetZone(ctx, "G1R2K8")
	if err != nil || !ok {
		t.Fatalf("GetZone = (%v, %v)", ok, err)
	}
	if got.Code != z.Code || got.GarbageWeekday != z.GarbageWeekday || got.RecyclingParity != z.RecyclingParity {
		t.Fatalf("zone mismatch: %+v", got)
	}
	if len(got.Seasons) != 2 || got.Seasons[0].Garbage != rules.CadenceBiweekly {
		t.Fatalf("seasons not preserved: %+v", got.Seasons)
	}
	if len(got.Exceptions) != 1 || !got.Exceptions[0].To.Equal(z.Exceptions[0].To) {
		t.Fatalf("exceptions not preserved: %+v", got.Exceptions)
	}
	if !fetchedAt.Equal(at) {
		t.Fatalf("fetchedAt = %v, want %v", fetchedAt, at)
	}
	if err := got.Validate(); err != nil {
		t.Fatalf("round-tripped zone fails validation: %v", err)
	}
}

func TestUpsertZoneReplaces(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	z := sampleZone("G2B1A1")
	if err := s.UpsertZone(ctx, z, time.UnixMilli(1000)); err != nil {
		t.Fatalf("UpsertZone: %v", err)
	}
	z.GarbageWeekday = time.Friday
	if err := s.UpsertZone(ctx, z, time.UnixMilli(2000)); err != nil {
		t.Fatalf("UpsertZone update: %v", err)
	}

	got, at, ok, err := s.GetZone(ctx, "G2B1A1")
	if err != nil || !ok {
		t.Fatalf("GetZone = (%v, %v)", ok, err)
	}
	if got.GarbageWeekday != time.Friday || at.UnixMilli() != 2000 {
		t.Fatalf("upsert did not replace: weekday=%v at=%v", got.GarbageWeekday, at.UnixMilli())
	}

	zones, fetched, err := s.ListZones(ctx)
	if err != nil {
		t.Fatalf("ListZones: %v", err)
	}
	if len(zones) != 1 || len(fetched) != 1 {
		t.Fatalf("ListZones sizes = %d/%d", len(zones), len(fetched))
	}
}

func TestMetaRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.GetMeta(ctx, "dispatch.last_run"); err != nil || ok {
		t.Fatalf("GetMeta on empty store = (%v, %v), want (false, nil)", ok, err)
	}
	if err := s.SetMeta(ctx, "dispatch.last_run", "2026-01-12"); err != nil {
		t.Fatalf("SetMeta: %v", err)
	}
	if err := s.SetMeta(ctx, "dispatch.last_run", "2026-01-13"); err != nil {
		t.Fatalf("SetMeta overwrite: %v", err)
	}
	v, ok, err := s.GetMeta(ctx, "dispatch.last_run")
	if err != nil || !ok || v != "2026-01-13" {
		t.Fatalf("GetMeta = (%q, %v, %v)", v, ok, err)
	}
}
