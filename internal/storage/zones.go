package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"collecte/internal/rules"
)

type zoneRow struct {
	Code            string `db:"code"`
	GarbageWeekday  int    `db:"garbage_weekday"`
	RecyclingParity string `db:"recycling_parity"`
	Seasons         string `db:"seasons"`
	Exceptions      string `db:"exceptions"`
	FetchedAtMS     int64  `db:"fetched_at"`
}

func (r zoneRow) toZone() (rules.Zone, time.Time, error) {
	z := rules.Zone{
		Code:            r.Code,
		GarbageWeekday:  time.Weekday(r.GarbageWeekday),
		RecyclingParity: rules.Parity(r.RecyclingParity),
	}
	if err := json.Unmarshal([]byte(r.Seasons), &z.Seasons); err != nil {
		return rules.Zone{}, time.Time{}, err
	}
	if err := json.Unmarshal([]byte(r.Exceptions), &z.Exceptions); err != nil {
		return rules.Zone{}, time.Time{}, err
	}
	return z, time.UnixMilli(r.FetchedAtMS), nil
}

// UpsertZone writes the zone's rule set and its fetch timestamp.
func (s *Store) UpsertZone(ctx context.Context, z rules.Zone, fetchedAt time.Time) error {
	seasons, err := json.Marshal(z.Seasons)
	if err != nil {
		return persistErr("zone encode", err)
	}
	exceptions, err := json.Marshal(z.Exceptions)
	if err != nil {
		return persistErr("zone encode", err)
	}
	if z.Exceptions == nil {
		exceptions = []byte("[]")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO zones(code, garbage_weekday, recycling_parity, seasons, exceptions, fetched_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(code) DO UPDATE SET
		   garbage_weekday=excluded.garbage_weekday,
		   recycling_parity=excluded.recycling_parity,
		   seasons=excluded.seasons,
		   exceptions=excluded.exceptions,
		   fetched_at=excluded.fetched_at`,
		z.Code, int(z.GarbageWeekday), string(z.RecyclingParity),
		string(seasons), string(exceptions), fetchedAt.UnixMilli(),
	)
	if err != nil {
		return persistErr("zone upsert", err)
	}
	return nil
}

// GetZone loads one zone and its fetch timestamp. The bool is false when
// the zone is unknown.
func (s *Store) GetZone(ctx context.Context, code string) (rules.Zone, time.Time, bool, error) {
	var row zoneRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM zones WHERE code = ?`, code)
	if errors.Is(err, sql.ErrNoRows) {
		return rules.Zone{}, time.Time{}, false, nil
	}
	if err != nil {
		return rules.Zone{}, time.Time{}, false, persistErr("zone get", err)
	}
	z, at, err := row.toZone()
	if err != nil {
		return rules.Zone{}, time.Time{}, false, persistErr("zone decode", err)
	}
	return z, at, true, nil
}

// ListZones loads every cached zone with its fetch timestamp.
func (s *Store) ListZones(ctx context.Context) (map[string]rules.Zone, map[string]time.Time, error) {
	var rows []zoneRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM zones ORDER BY code`); err != nil {
		return nil, nil, persistErr("zone list", err)
	}
	zones := make(map[string]rules.Zone, len(rows))
	fetched := make(map[string]time.Time, len(rows))
	for _, r := range rows {
		z, at, err := r.toZone()
		if err != nil {
			return nil, nil, persistErr("zone decode", err)
		}
		zones[z.Code] = z
		fetched[z.Code] = at
	}
	return zones, fetched, nil
}
