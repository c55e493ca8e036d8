package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"collecte/internal/rules"
)

// ReminderRecord is one row of the permanent delivery ledger.
type ReminderRecord struct {
	SubscriberID  string `db:"subscriber_id"`
	EventType     string `db:"event_type"`
	ReferenceDate string `db:"reference_date"`
	SentAtMS      int64  `db:"sent_at"`
}

// TryClaim atomically reserves the right to send one reminder.
//
// It returns true and durably records the claim only if no record with the
// (subscriber, event, reference date) triple exists; false with no write if
// one does. The insert is conflict-ignoring against the ledger's primary
// key, so concurrent callers with the same triple get exactly one true.
//
// Any storage failure returns a *PersistenceError and false; the caller
// must not treat that as "already sent".
func (s *Store) TryClaim(ctx context.Context, subscriberID string, event rules.EventType, refDate time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders(subscriber_id, event_type, reference_date, sent_at)
		 VALUES(?,?,?,?)
		 ON CONFLICT(subscriber_id, event_type, reference_date) DO NOTHING`,
		subscriberID, string(event), refDate.Format(rules.DateLayout), time.Now().UnixMilli(),
	)
	if err != nil {
		return false, persistErr("ledger claim", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, persistErr("ledger claim", err)
	}
	return n == 1, nil
}

// HasSent reports whether a claim exists for the triple. Read-only.
func (s *Store) HasSent(ctx context.Context, subscriberID string, event rules.EventType, refDate time.Time) (bool, error) {
	var one int
	err := s.db.GetContext(ctx, &one,
		`SELECT 1 FROM reminders WHERE subscriber_id = ? AND event_type = ? AND reference_date = ?`,
		subscriberID, string(event), refDate.Format(rules.DateLayout),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, persistErr("ledger lookup", err)
	}
	return true, nil
}

// RemindersFor returns the ledger rows for one subscriber, newest first.
// Used by the status surface.
func (s *Store) RemindersFor(ctx context.Context, subscriberID string) ([]ReminderRecord, error) {
	var recs []ReminderRecord
	err := s.db.SelectContext(ctx, &recs,
		`SELECT subscriber_id, event_type, reference_date, sent_at
		 FROM reminders WHERE subscriber_id = ?
		 ORDER BY sent_at DESC`,
		subscriberID,
	)
	if err != nil {
		return nil, persistErr("ledger list", err)
	}
	return recs, nil
}
