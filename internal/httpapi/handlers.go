package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"

	"collecte/internal/dispatch"
	"collecte/internal/rules"
	"collecte/internal/snow"
	"collecte/internal/storage"
	logx "collecte/pkg/logx"
)

const scheduleHorizonDays = 14

var (
	reEmail  = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	rePostal = regexp.MustCompile(`^[A-Za-z]\d[A-Za-z]\s?\d[A-Za-z]\d$`)
)

// Geocoder resolves a postal code to coordinates for street-level alerts.
type Geocoder interface {
	Geocode(ctx context.Context, postalCode string) (snow.Location, error)
}

type subscribeRequest struct {
	Email           string `json:"email"`
	PostalCode      string `json:"postal_code"`
	GarbageAlerts   *bool  `json:"garbage_alerts"`
	RecyclingAlerts *bool  `json:"recycling_alerts"`
	SnowAlerts      *bool  `json:"snow_alerts"`
}

type subscriberView struct {
	Email           string `json:"email"`
	PostalCode      string `json:"postal_code"`
	ZoneCode        string `json:"zone_code"`
	Active          bool   `json:"active"`
	GarbageAlerts   bool   `json:"garbage_alerts"`
	RecyclingAlerts bool   `json:"recycling_alerts"`
	SnowAlerts      bool   `json:"snow_alerts"`
	CreatedAt       string `json:"created_at"`
}

func viewOf(sub storage.Subscriber) subscriberView {
	return subscriberView{
		Email:           sub.Email,
		PostalCode:      sub.PostalCode,
		ZoneCode:        sub.ZoneCode,
		Active:          sub.Active,
		GarbageAlerts:   sub.GarbageAlerts,
		RecyclingAlerts: sub.RecyclingAlerts,
		SnowAlerts:      sub.SnowAlerts,
		CreatedAt:       time.UnixMilli(sub.CreatedAtMS).UTC().Format(time.RFC3339),
	}
}

type occurrenceView struct {
	Event string `json:"event"`
	Date  string `json:"date"`
}

func occurrenceViews(occs []rules.Occurrence) []occurrenceView {
	out := make([]occurrenceView, 0, len(occs))
	for _, o := range occs {
		out = append(out, occurrenceView{
			Event: string(o.Event),
			Date:  o.Date.Format(rules.DateLayout),
		})
	}
	return out
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	email := storage.NormalizeEmail(req.Email)
	if !reEmail.MatchString(email) {
		writeError(w, http.StatusBadRequest, "invalid email address")
		return
	}
	if !rePostal.MatchString(req.PostalCode) {
		writeError(w, http.StatusBadRequest, "invalid postal code")
		return
	}
	postal := storage.NormalizePostalCode(req.PostalCode)

	// The zone must resolve before we accept the registration, otherwise
	// the subscriber would never receive anything.
	zone, err := s.zones.Ensure(r.Context(), postal)
	if err != nil {
		s.log.Warn("subscribe rejected, zone unresolved",
			logx.String("postal_code", postal), logx.Err(err))
		writeError(w, http.StatusUnprocessableEntity, "no collection schedule found for this postal code")
		return
	}

	sub := storage.Subscriber{
		Email:           email,
		PostalCode:      postal,
		ZoneCode:        zone.Code,
		GarbageAlerts:   true,
		RecyclingAlerts: true,
		SnowAlerts:      false,
	}
	if req.GarbageAlerts != nil {
		sub.GarbageAlerts = *req.GarbageAlerts
	}
	if req.RecyclingAlerts != nil {
		sub.RecyclingAlerts = *req.RecyclingAlerts
	}
	if req.SnowAlerts != nil {
		sub.SnowAlerts = *req.SnowAlerts
	}
	if sub.SnowAlerts && s.geo != nil {
		if loc, err := s.geo.Geocode(r.Context(), postal); err == nil {
			sub.Lat, sub.Lon = loc.Lat, loc.Lon
		} else {
			s.log.Warn("geocode failed, street alerts will use zone only",
				logx.String("postal_code", postal), logx.Err(err))
		}
	}

	created, err := s.store.CreateSubscriber(r.Context(), sub)
	if errors.Is(err, storage.ErrDuplicateEmail) {
		writeError(w, http.StatusConflict, "email already subscribed")
		return
	}
	if err != nil {
		s.log.Error("subscriber insert failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if s.mail != nil {
		if err := s.mail.SendWelcome(r.Context(), created.Email, zone.Code); err != nil {
			s.log.Warn("welcome email failed", logx.String("email", created.Email), logx.Err(err))
		}
	}

	occs, _ := rules.Resolve(zone, rules.Midnight(time.Now()), scheduleHorizonDays)
	s.log.Info("subscriber created",
		logx.String("email", created.Email), logx.String("zone", zone.Code))
	writeJSON(w, http.StatusCreated, map[string]any{
		"subscriber": viewOf(created),
		"upcoming":   occurrenceViews(occs),
	})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	email := storage.NormalizeEmail(req.Email)
	if !reEmail.MatchString(email) {
		writeError(w, http.StatusBadRequest, "invalid email address")
		return
	}
	removed, err := s.store.DeleteSubscriber(r.Context(), email)
	if err != nil {
		s.log.Error("subscriber delete failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "email not subscribed")
		return
	}
	if s.mail != nil {
		if err := s.mail.SendGoodbye(r.Context(), email); err != nil {
			s.log.Warn("goodbye email failed", logx.String("email", email), logx.Err(err))
		}
	}
	s.log.Info("subscriber removed", logx.String("email", email))
	writeJSON(w, http.StatusOK, map[string]string{"status": "unsubscribed"})
}

type preferencesRequest struct {
	Email           string `json:"email"`
	GarbageAlerts   *bool  `json:"garbage_alerts"`
	RecyclingAlerts *bool  `json:"recycling_alerts"`
	SnowAlerts      *bool  `json:"snow_alerts"`
}

func (s *Server) handlePreferences(w http.ResponseWriter, r *http.Request) {
	var req preferencesRequest
	if !decodeBody(w, r, &req) {
		return
	}
	email := storage.NormalizeEmail(req.Email)
	if !reEmail.MatchString(email) {
		writeError(w, http.StatusBadRequest, "invalid email address")
		return
	}
	if req.GarbageAlerts == nil && req.RecyclingAlerts == nil && req.SnowAlerts == nil {
		writeError(w, http.StatusBadRequest, "no preferences to update")
		return
	}
	up := storage.PreferenceUpdate{
		GarbageAlerts:   req.GarbageAlerts,
		RecyclingAlerts: req.RecyclingAlerts,
		SnowAlerts:      req.SnowAlerts,
	}
	found, err := s.store.UpdatePreferences(r.Context(), email, up)
	if err != nil {
		s.log.Error("preference update failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "email not subscribed")
		return
	}
	sub, _, err := s.store.GetSubscriberByEmail(r.Context(), email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriber": viewOf(sub)})
}

func (s *Server) handleSubscriber(w http.ResponseWriter, r *http.Request) {
	email := storage.NormalizeEmail(chi.URLParam(r, "email"))
	sub, ok, err := s.store.GetSubscriberByEmail(r.Context(), email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "email not subscribed")
		return
	}
	recs, err := s.store.RemindersFor(r.Context(), sub.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	history := make([]map[string]string, 0, len(recs))
	for _, rec := range recs {
		history = append(history, map[string]string{
			"event":   rec.EventType,
			"date":    rec.ReferenceDate,
			"sent_at": time.UnixMilli(rec.SentAtMS).UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"subscriber": viewOf(sub),
		"reminders":  history,
	})
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "postalCode")
	if !rePostal.MatchString(raw) {
		writeError(w, http.StatusBadRequest, "invalid postal code")
		return
	}
	postal := storage.NormalizePostalCode(raw)
	zone, err := s.zones.Ensure(r.Context(), postal)
	if err != nil {
		writeError(w, http.StatusNotFound, "no collection schedule found for this postal code")
		return
	}
	occs, err := rules.Resolve(zone, rules.Midnight(time.Now()), scheduleHorizonDays)
	if err != nil {
		var cfgErr *rules.ConfigError
		if errors.As(err, &cfgErr) {
			writeError(w, http.StatusUnprocessableEntity, "zone rules are incomplete")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	_, status, _ := s.zones.Get(zone.Code)
	writeJSON(w, http.StatusOK, map[string]any{
		"zone":       zone.Code,
		"stale":      status.Stale,
		"fetched_at": status.FetchedAt.UTC().Format(time.RFC3339),
		"upcoming":   occurrenceViews(occs),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	zones := make([]map[string]any, 0)
	for _, e := range s.zones.Snapshot() {
		zones = append(zones, map[string]any{
			"code":       e.Zone.Code,
			"stale":      e.Status.Stale,
			"fetched_at": e.Status.FetchedAt.UTC().Format(time.RFC3339),
		})
	}
	resp := map[string]any{"zones": zones}
	if s.rec != nil {
		resp["recent_events"] = s.rec.Recent()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleAdminRun triggers a dispatch cycle immediately. Claims still guard
// against double delivery, so a manual run after the scheduled one is safe.
func (s *Server) handleAdminRun(w http.ResponseWriter, r *http.Request) {
	if s.disp == nil {
		writeError(w, http.StatusServiceUnavailable, "dispatch not running")
		return
	}
	sum := s.disp.Run(r.Context(), "manual")
	writeJSON(w, http.StatusOK, summaryView(sum))
}

func summaryView(sum dispatch.Summary) map[string]any {
	return map[string]any{
		"trigger":     sum.Trigger,
		"date":        sum.Date.Format(rules.DateLayout),
		"sent":        sum.Sent,
		"skipped":     sum.Skipped,
		"failed":      sum.Failed,
		"zone_fails":  sum.ZoneFails,
		"stale_zones": sum.StaleZones,
		"snow_alerts": sum.SnowAlerts,
	}
}
