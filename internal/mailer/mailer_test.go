package mailer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"collecte/internal/rules"
	logx "collecte/pkg/logx"
)

func testOccurrence(event rules.EventType) rules.Occurrence {
	return rules.Occurrence{
		Zone:  "G1R2K8",
		Event: event,
		Date:  time.Date(2026, time.January, 13, 0, 0, 0, 0, time.UTC),
	}
}

func TestSendReminderPostsToAPI(t *testing.T) {
	t.Parallel()

	var got email
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "msg_123"})
	}))
	defer srv.Close()

	svc := New(Config{
		Enabled: true,
		APIKey:  "re_test",
		From:    "alerts@example.org",
		BaseURL: srv.URL,
	}, logx.Nop())

	if err := svc.SendReminder(context.Background(), "user@example.org", testOccurrence(rules.EventGarbage)); err != nil {
		t.Fatalf("SendReminder: %v", err)
	}
	if auth != "Bearer re_test" {
		t.Fatalf("auth header = %q", auth)
	}
	if got.From != "alerts@example.org" || len(got.To) != 1 || got.To[0] != "user@example.org" {
		t.Fatalf("envelope = %+v", got)
	}
	if !strings.Contains(got.Subject, "Garbage pickup tomorrow") || !strings.Contains(got.Subject, "January 13") {
		t.Fatalf("subject = %q", got.Subject)
	}
	if !strings.Contains(got.HTML, "Tuesday, January 13, 2026") || !strings.Contains(got.HTML, "G1R2K8") {
		t.Fatalf("body missing date or zone:\n%s", got.HTML)
	}
}

func TestSendFailureIsDeliveryError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "rate limit exceeded"})
	}))
	defer srv.Close()

	svc := New(Config{Enabled: true, APIKey: "re_test", From: "a@b.c", BaseURL: srv.URL}, logx.Nop())
	err := svc.SendWelcome(context.Background(), "user@example.org", "G1R2K8")
	var derr *DeliveryError
	if !errors.As(err, &derr) {
		t.Fatalf("error = %v, want *DeliveryError", err)
	}
	if derr.To != "user@example.org" {
		t.Fatalf("DeliveryError.To = %q", derr.To)
	}
	if !strings.Contains(derr.Error(), "rate limit exceeded") {
		t.Fatalf("error message = %q", derr.Error())
	}
}

func TestDisabledMailerSucceedsWithoutNetwork(t *testing.T) {
	t.Parallel()

	// BaseURL points nowhere reachable; disabled mode must never dial it.
	svc := New(Config{Enabled: false, BaseURL: "http://127.0.0.1:1"}, logx.Nop())
	if err := svc.SendReminder(context.Background(), "user@example.org", testOccurrence(rules.EventRecycling)); err != nil {
		t.Fatalf("disabled send: %v", err)
	}
	if err := svc.SendGoodbye(context.Background(), "user@example.org"); err != nil {
		t.Fatalf("disabled goodbye: %v", err)
	}
}

func TestRenderSnowAlertListsStreets(t *testing.T) {
	t.Parallel()

	subject, html, err := renderSnowAlert("G1R2K8", []string{"rue Saint-Jean", "avenue Cartier"}, "https://example.org/u")
	if err != nil {
		t.Fatalf("renderSnowAlert: %v", err)
	}
	if !strings.Contains(subject, "G1R2K8") {
		t.Fatalf("subject = %q", subject)
	}
	for _, street := range []string{"rue Saint-Jean", "avenue Cartier"} {
		if !strings.Contains(html, street) {
			t.Fatalf("body missing street %q", street)
		}
	}
	if !strings.Contains(html, "https://example.org/u") {
		t.Fatal("body missing unsubscribe link")
	}
}

func TestRenderReminderUnknownEvent(t *testing.T) {
	t.Parallel()

	if _, _, err := renderReminder(testOccurrence(rules.EventSnow), ""); err == nil {
		t.Fatal("want error for event without a reminder template")
	}
}
