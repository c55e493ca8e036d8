package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"collecte/internal/rules"
	"collecte/internal/rulestore"
	"collecte/internal/storage"
	logx "collecte/pkg/logx"
)

type fakeZones struct {
	mu      sync.Mutex
	zones   map[string]rules.Zone
	stale   bool
	ensures int
}

func (f *fakeZones) Ensure(_ context.Context, code string) (rules.Zone, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensures++
	z, ok := f.zones[code]
	if !ok {
		return rules.Zone{}, errors.New("no schedule for " + code)
	}
	return z, nil
}

func (f *fakeZones) Get(code string) (rules.Zone, rulestore.Status, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	z, ok := f.zones[code]
	return z, rulestore.Status{FetchedAt: time.Now(), Stale: f.stale}, ok
}

func (f *fakeZones) Snapshot() []rulestore.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]rulestore.Entry, 0, len(f.zones))
	for _, z := range f.zones {
		out = append(out, rulestore.Entry{Zone: z, Status: rulestore.Status{Stale: f.stale}})
	}
	return out
}

type fakeMailer struct {
	mu       sync.Mutex
	welcomes []string
	goodbyes []string
}

func (f *fakeMailer) SendReminder(context.Context, string, rules.Occurrence) error { return nil }
func (f *fakeMailer) SendSnowAlert(context.Context, string, string, []string) error {
	return nil
}
func (f *fakeMailer) SendWelcome(_ context.Context, to, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.welcomes = append(f.welcomes, to)
	return nil
}
func (f *fakeMailer) SendGoodbye(_ context.Context, to string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.goodbyes = append(f.goodbyes, to)
	return nil
}

func yearRoundZone(code string) rules.Zone {
	return rules.Zone{
		Code:            code,
		GarbageWeekday:  time.Tuesday,
		RecyclingParity: rules.ParityEven,
		Seasons: []rules.SeasonWindow{{
			Start:     rules.MonthDay{Month: time.January, Day: 1},
			End:       rules.MonthDay{Month: time.December, Day: 31},
			Garbage:   rules.CadenceWeekly,
			Recycling: rules.CadenceWeekly,
		}},
	}
}

func newTestAPI(t *testing.T) (*Server, *storage.Store, *fakeZones, *fakeMailer) {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "api.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	fz := &fakeZones{zones: map[string]rules.Zone{"G1R2K8": yearRoundZone("G1R2K8")}}
	fm := &fakeMailer{}
	srv := New(Config{}, Deps{Store: st, Zones: fz, Mail: fm}, logx.Nop())
	return srv, st, fz, fm
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSubscribeCreatesAndWelcomes(t *testing.T) {
	t.Parallel()
	srv, st, _, fm := newTestAPI(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/subscribe", map[string]any{
		"email":       "Res@Example.org",
		"postal_code": "g1r 2k8",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Subscriber subscriberView   `json:"subscriber"`
		Upcoming   []occurrenceView `json:"upcoming"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Subscriber.Email != "res@example.org" || resp.Subscriber.ZoneCode != "G1R2K8" {
		t.Fatalf("subscriber = %+v", resp.Subscriber)
	}
	if !resp.Subscriber.GarbageAlerts || !resp.Subscriber.RecyclingAlerts || resp.Subscriber.SnowAlerts {
		t.Fatalf("default alerts = %+v", resp.Subscriber)
	}
	if len(resp.Upcoming) == 0 {
		t.Fatal("expected upcoming occurrences")
	}
	if len(fm.welcomes) != 1 || fm.welcomes[0] != "res@example.org" {
		t.Fatalf("welcomes = %v", fm.welcomes)
	}
	if _, ok, err := st.GetSubscriberByEmail(context.Background(), "res@example.org"); err != nil || !ok {
		t.Fatalf("stored lookup ok=%v err=%v", ok, err)
	}
}

func TestSubscribeDuplicateConflicts(t *testing.T) {
	t.Parallel()
	srv, _, _, _ := newTestAPI(t)
	h := srv.Handler()

	body := map[string]any{"email": "dup@example.org", "postal_code": "G1R 2K8"}
	if rec := doJSON(t, h, http.MethodPost, "/api/subscribe", body); rec.Code != http.StatusCreated {
		t.Fatalf("first subscribe = %d", rec.Code)
	}
	if rec := doJSON(t, h, http.MethodPost, "/api/subscribe", body); rec.Code != http.StatusConflict {
		t.Fatalf("second subscribe = %d", rec.Code)
	}
}

func TestSubscribeValidation(t *testing.T) {
	t.Parallel()
	srv, _, _, _ := newTestAPI(t)
	h := srv.Handler()

	cases := []struct {
		name string
		body map[string]any
		want int
	}{
		{"bad email", map[string]any{"email": "not-an-email", "postal_code": "G1R 2K8"}, http.StatusBadRequest},
		{"bad postal", map[string]any{"email": "a@b.org", "postal_code": "12345"}, http.StatusBadRequest},
		{"unknown zone", map[string]any{"email": "a@b.org", "postal_code": "H0H 0H0"}, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if rec := doJSON(t, h, http.MethodPost, "/api/subscribe", tc.body); rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestUnsubscribeRemovesAndSaysGoodbye(t *testing.T) {
	t.Parallel()
	srv, _, _, fm := newTestAPI(t)
	h := srv.Handler()

	doJSON(t, h, http.MethodPost, "/api/subscribe", map[string]any{
		"email": "bye@example.org", "postal_code": "G1R 2K8"})

	rec := doJSON(t, h, http.MethodPost, "/api/unsubscribe", map[string]any{"email": "bye@example.org"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if len(fm.goodbyes) != 1 || fm.goodbyes[0] != "bye@example.org" {
		t.Fatalf("goodbyes = %v", fm.goodbyes)
	}
	if rec := doJSON(t, h, http.MethodPost, "/api/unsubscribe", map[string]any{"email": "bye@example.org"}); rec.Code != http.StatusNotFound {
		t.Fatalf("repeat unsubscribe = %d", rec.Code)
	}
}

func TestPreferencesPartialUpdate(t *testing.T) {
	t.Parallel()
	srv, _, _, _ := newTestAPI(t)
	h := srv.Handler()

	doJSON(t, h, http.MethodPost, "/api/subscribe", map[string]any{
		"email": "prefs@example.org", "postal_code": "G1R 2K8"})

	rec := doJSON(t, h, http.MethodPut, "/api/preferences", map[string]any{
		"email": "prefs@example.org", "recycling_alerts": false, "snow_alerts": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Subscriber subscriberView `json:"subscriber"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Subscriber.GarbageAlerts || resp.Subscriber.RecyclingAlerts || !resp.Subscriber.SnowAlerts {
		t.Fatalf("alerts after update = %+v", resp.Subscriber)
	}

	if rec := doJSON(t, h, http.MethodPut, "/api/preferences", map[string]any{"email": "prefs@example.org"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty update = %d", rec.Code)
	}
	if rec := doJSON(t, h, http.MethodPut, "/api/preferences", map[string]any{"email": "ghost@example.org", "snow_alerts": true}); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown email = %d", rec.Code)
	}
}

func TestSubscriberLookupIncludesHistory(t *testing.T) {
	t.Parallel()
	srv, st, _, _ := newTestAPI(t)
	h := srv.Handler()

	doJSON(t, h, http.MethodPost, "/api/subscribe", map[string]any{
		"email": "hist@example.org", "postal_code": "G1R 2K8"})
	sub, _, err := st.GetSubscriberByEmail(context.Background(), "hist@example.org")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	refDate := time.Date(2026, time.January, 13, 0, 0, 0, 0, time.UTC)
	if _, err := st.TryClaim(context.Background(), sub.ID, rules.EventGarbage, refDate); err != nil {
		t.Fatalf("claim: %v", err)
	}

	rec := doJSON(t, h, http.MethodGet, "/api/subscriber/hist@example.org", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Reminders []map[string]string `json:"reminders"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Reminders) != 1 || resp.Reminders[0]["event"] != "garbage" || resp.Reminders[0]["date"] != "2026-01-13" {
		t.Fatalf("reminders = %v", resp.Reminders)
	}

	if rec := doJSON(t, h, http.MethodGet, "/api/subscriber/ghost@example.org", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown subscriber = %d", rec.Code)
	}
}

func TestScheduleLookup(t *testing.T) {
	t.Parallel()
	srv, _, _, _ := newTestAPI(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodGet, "/api/schedule/G1R2K8", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Zone     string           `json:"zone"`
		Stale    bool             `json:"stale"`
		Upcoming []occurrenceView `json:"upcoming"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Zone != "G1R2K8" || len(resp.Upcoming) == 0 {
		t.Fatalf("schedule = %+v", resp)
	}
	for _, occ := range resp.Upcoming {
		if _, err := time.Parse(rules.DateLayout, occ.Date); err != nil {
			t.Fatalf("bad date %q: %v", occ.Date, err)
		}
	}

	if rec := doJSON(t, h, http.MethodGet, "/api/schedule/H0H0H0", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown postal = %d", rec.Code)
	}
	if rec := doJSON(t, h, http.MethodGet, "/api/schedule/nope", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid postal = %d", rec.Code)
	}
}

func TestStatusReportsZones(t *testing.T) {
	t.Parallel()
	srv, _, fz, _ := newTestAPI(t)
	fz.stale = true
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodGet, "/api/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Zones []struct {
			Code  string `json:"code"`
			Stale bool   `json:"stale"`
		} `json:"zones"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Zones) != 1 || resp.Zones[0].Code != "G1R2K8" || !resp.Zones[0].Stale {
		t.Fatalf("zones = %+v", resp.Zones)
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	srv, _, _, _ := newTestAPI(t)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
