package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"collecte/internal/rules"
)

func TestCreateSubscriberNormalizesAndRejectsDuplicates(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	sub, err := s.CreateSubscriber(ctx, Subscriber{
		Email:         "  Alice@Example.COM ",
		PostalCode:    "g1r 2k8",
		ZoneCode:      "G1R2K8",
		GarbageAlerts: true,
	})
	if err != nil {
		t.Fatalf("CreateSubscriber: %v", err)
	}
	if sub.ID == "" {
		t.Fatal("expected generated subscriber ID")
	}
	if sub.Email != "alice@example.com" || sub.PostalCode != "G1R2K8" {
		t.Fatalf("normalization failed: %q %q", sub.Email, sub.PostalCode)
	}

	_, err = s.CreateSubscriber(ctx, Subscriber{Email: "ALICE@example.com", PostalCode: "G1R2K8"})
	if !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("duplicate insert error = %v, want ErrDuplicateEmail", err)
	}

	got, ok, err := s.GetSubscriberByEmail(ctx, "Alice@Example.com")
	if err != nil || !ok {
		t.Fatalf("GetSubscriberByEmail = (%v, %v)", ok, err)
	}
	if got.ID != sub.ID || !got.Active {
		t.Fatalf("unexpected subscriber: %+v", got)
	}
}

func TestRecipientsFiltersByZoneAndEvent(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	mk := func(email, zone string, garbage, recycling bool) Subscriber {
		sub, err := s.CreateSubscriber(ctx, Subscriber{
			Email: email, PostalCode: zone, ZoneCode: zone,
			GarbageAlerts: garbage, RecyclingAlerts: recycling,
		})
		if err != nil {
			t.Fatalf("CreateSubscriber(%s): %v", email, err)
		}
		return sub
	}

	a := mk("a@x.ca", "G1R2K8", true, false)
	mk("b@x.ca", "G1R2K8", false, true)
	mk("c@x.ca", "G2B1A1", true, true)

	got, err := s.Recipients(ctx, "G1R2K8", rules.EventGarbage)
	if err != nil {
		t.Fatalf("Recipients: %v", err)
	}
	if len(got) != 1 || got[0].ID != a.ID {
		t.Fatalf("garbage recipients in G1R2K8 = %+v, want only %s", got, a.Email)
	}

	codes, err := s.ZoneCodesInUse(ctx)
	if err != nil {
		t.Fatalf("ZoneCodesInUse: %v", err)
	}
	if len(codes) != 2 || codes[0] != "G1R2K8" || codes[1] != "G2B1A1" {
		t.Fatalf("zone codes = %v", codes)
	}
}

func TestUpdatePreferencesPartial(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateSubscriber(ctx, Subscriber{Email: "d@x.ca", PostalCode: "G1R2K8", SnowAlerts: true}); err != nil {
		t.Fatalf("CreateSubscriber: %v", err)
	}

	on := true
	off := false
	ok, err := s.UpdatePreferences(ctx, "d@x.ca", PreferenceUpdate{GarbageAlerts: &on, SnowAlerts: &off})
	if err != nil || !ok {
		t.Fatalf("UpdatePreferences = (%v, %v)", ok, err)
	}

	got, _, err := s.GetSubscriberByEmail(ctx, "d@x.ca")
	if err != nil {
		t.Fatalf("GetSubscriberByEmail: %v", err)
	}
	if !got.GarbageAlerts || got.SnowAlerts || got.RecyclingAlerts {
		t.Fatalf("preferences after update: %+v", got)
	}
	if !got.WantsEvent(rules.EventGarbage) || got.WantsEvent(rules.EventSnow) {
		t.Fatal("WantsEvent disagrees with stored flags")
	}

	ok, err = s.UpdatePreferences(ctx, "missing@x.ca", PreferenceUpdate{GarbageAlerts: &on})
	if err != nil || ok {
		t.Fatalf("update of unknown email = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestDeleteSubscriberKeepsLedger(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	sub, err := s.CreateSubscriber(ctx, Subscriber{Email: "e@x.ca", PostalCode: "G1R2K8"})
	if err != nil {
		t.Fatalf("CreateSubscriber: %v", err)
	}
	ref := time.Date(2026, time.February, 3, 0, 0, 0, 0, time.UTC)
	if ok, err := s.TryClaim(ctx, sub.ID, rules.EventGarbage, ref); err != nil || !ok {
		t.Fatalf("TryClaim = (%v, %v)", ok, err)
	}

	removed, err := s.DeleteSubscriber(ctx, "e@x.ca")
	if err != nil || !removed {
		t.Fatalf("DeleteSubscriber = (%v, %v)", removed, err)
	}

	// Ledger rows are permanent audit state; unsubscribe must not erase them.
	sent, err := s.HasSent(ctx, sub.ID, rules.EventGarbage, ref)
	if err != nil || !sent {
		t.Fatalf("HasSent after delete = (%v, %v), want (true, nil)", sent, err)
	}
}
