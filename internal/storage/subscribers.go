package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"collecte/internal/rules"
)

// Subscriber is one resident registration. The directory is owned by the
// subscription surface; the dispatch core only reads it.
type Subscriber struct {
	ID              string  `db:"id"`
	Email           string  `db:"email"`
	PostalCode      string  `db:"postal_code"`
	ZoneCode        string  `db:"zone_code"`
	Lat             float64 `db:"lat"`
	Lon             float64 `db:"lon"`
	Active          bool    `db:"active"`
	GarbageAlerts   bool    `db:"garbage_alerts"`
	RecyclingAlerts bool    `db:"recycling_alerts"`
	SnowAlerts      bool    `db:"snow_alerts"`
	CreatedAtMS     int64   `db:"created_at"`
}

// WantsEvent reports whether the subscriber opted into the event type.
func (u Subscriber) WantsEvent(ev rules.EventType) bool {
	switch ev {
	case rules.EventGarbage:
		return u.GarbageAlerts
	case rules.EventRecycling:
		return u.RecyclingAlerts
	case rules.EventSnow:
		return u.SnowAlerts
	}
	return false
}

// NormalizeEmail lowercases and trims an address for use as an identity key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizePostalCode uppercases and strips spaces ("g1r 2k8" -> "G1R2K8").
func NormalizePostalCode(code string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(code), " ", ""))
}

var ErrDuplicateEmail = errors.New("email already subscribed")

// CreateSubscriber inserts a new registration and returns it with a fresh ID.
func (s *Store) CreateSubscriber(ctx context.Context, sub Subscriber) (Subscriber, error) {
	sub.ID = uuid.NewString()
	sub.Email = NormalizeEmail(sub.Email)
	sub.PostalCode = NormalizePostalCode(sub.PostalCode)
	sub.Active = true
	sub.CreatedAtMS = time.Now().UnixMilli()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscribers(id, email, postal_code, zone_code, lat, lon, active,
		   garbage_alerts, recycling_alerts, snow_alerts, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		sub.ID, sub.Email, sub.PostalCode, sub.ZoneCode, sub.Lat, sub.Lon, sub.Active,
		sub.GarbageAlerts, sub.RecyclingAlerts, sub.SnowAlerts, sub.CreatedAtMS,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return Subscriber{}, ErrDuplicateEmail
		}
		return Subscriber{}, persistErr("subscriber insert", err)
	}
	return sub, nil
}

// GetSubscriberByEmail looks a registration up by its identity key.
func (s *Store) GetSubscriberByEmail(ctx context.Context, email string) (Subscriber, bool, error) {
	var sub Subscriber
	err := s.db.GetContext(ctx, &sub,
		`SELECT * FROM subscribers WHERE email = ?`, NormalizeEmail(email))
	if errors.Is(err, sql.ErrNoRows) {
		return Subscriber{}, false, nil
	}
	if err != nil {
		return Subscriber{}, false, persistErr("subscriber get", err)
	}
	return sub, true, nil
}

// DeleteSubscriber removes a registration. The ledger rows stay: they are a
// permanent audit log.
func (s *Store) DeleteSubscriber(ctx context.Context, email string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM subscribers WHERE email = ?`, NormalizeEmail(email))
	if err != nil {
		return false, persistErr("subscriber delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, persistErr("subscriber delete", err)
	}
	return n > 0, nil
}

// PreferenceUpdate carries the mutable subscriber fields; nil means "leave
// unchanged".
type PreferenceUpdate struct {
	GarbageAlerts   *bool
	RecyclingAlerts *bool
	SnowAlerts      *bool
	ZoneCode        *string
	PostalCode      *string
	Lat             *float64
	Lon             *float64
}

// UpdatePreferences applies a partial update. Returns false if the email is
// unknown.
func (s *Store) UpdatePreferences(ctx context.Context, email string, up PreferenceUpdate) (bool, error) {
	sets := make([]string, 0, 7)
	args := make([]any, 0, 8)
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if up.GarbageAlerts != nil {
		add("garbage_alerts", *up.GarbageAlerts)
	}
	if up.RecyclingAlerts != nil {
		add("recycling_alerts", *up.RecyclingAlerts)
	}
	if up.SnowAlerts != nil {
		add("snow_alerts", *up.SnowAlerts)
	}
	if up.ZoneCode != nil {
		add("zone_code", *up.ZoneCode)
	}
	if up.PostalCode != nil {
		add("postal_code", NormalizePostalCode(*up.PostalCode))
	}
	if up.Lat != nil {
		add("lat", *up.Lat)
	}
	if up.Lon != nil {
		add("lon", *up.Lon)
	}
	if len(sets) == 0 {
		_, ok, err := s.GetSubscriberByEmail(ctx, email)
		return ok, err
	}

	args = append(args, NormalizeEmail(email))
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscribers SET `+strings.Join(sets, ", ")+` WHERE email = ?`, args...)
	if err != nil {
		return false, persistErr("subscriber update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, persistErr("subscriber update", err)
	}
	return n > 0, nil
}

// Recipients returns the active subscribers in a zone that opted into the
// event type. This is the per-event-due mapping the dispatch run consumes.
func (s *Store) Recipients(ctx context.Context, zoneCode string, event rules.EventType) ([]Subscriber, error) {
	col := ""
	switch event {
	case rules.EventGarbage:
		col = "garbage_alerts"
	case rules.EventRecycling:
		col = "recycling_alerts"
	case rules.EventSnow:
		col = "snow_alerts"
	default:
		return nil, errors.New("unknown event type " + string(event))
	}
	var subs []Subscriber
	err := s.db.SelectContext(ctx, &subs,
		`SELECT * FROM subscribers WHERE active = 1 AND zone_code = ? AND `+col+` = 1 ORDER BY id`,
		zoneCode,
	)
	if err != nil {
		return nil, persistErr("recipients", err)
	}
	return subs, nil
}

// SnowRecipients returns every active subscriber with snow alerts enabled,
// regardless of zone; snow operations are located by coordinates.
func (s *Store) SnowRecipients(ctx context.Context) ([]Subscriber, error) {
	var subs []Subscriber
	err := s.db.SelectContext(ctx, &subs,
		`SELECT * FROM subscribers WHERE active = 1 AND snow_alerts = 1 ORDER BY id`)
	if err != nil {
		return nil, persistErr("snow recipients", err)
	}
	return subs, nil
}

// ZoneCodesInUse returns the distinct non-empty zone codes subscribers are
// attached to. Dispatch uses it to bound the per-run zone set.
func (s *Store) ZoneCodesInUse(ctx context.Context) ([]string, error) {
	var codes []string
	err := s.db.SelectContext(ctx, &codes,
		`SELECT DISTINCT zone_code FROM subscribers WHERE active = 1 AND zone_code != '' ORDER BY zone_code`)
	if err != nil {
		return nil, persistErr("zone codes", err)
	}
	return codes, nil
}
