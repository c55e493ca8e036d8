package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"collecte/internal/rules"
	logx "collecte/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "collecte.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTryClaimIdempotent(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	ref := time.Date(2026, time.January, 13, 0, 0, 0, 0, time.UTC)

	ok, err := s.TryClaim(ctx, "u1", rules.EventGarbage, ref)
	if err != nil || !ok {
		t.Fatalf("first TryClaim = (%v, %v), want (true, nil)", ok, err)
	}
	ok, err = s.TryClaim(ctx, "u1", rules.EventGarbage, ref)
	if err != nil || ok {
		t.Fatalf("second TryClaim = (%v, %v), want (false, nil)", ok, err)
	}

	sent, err := s.HasSent(ctx, "u1", rules.EventGarbage, ref)
	if err != nil || !sent {
		t.Fatalf("HasSent = (%v, %v), want (true, nil)", sent, err)
	}

	recs, err := s.RemindersFor(ctx, "u1")
	if err != nil {
		t.Fatalf("RemindersFor: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("ledger rows = %d, want exactly 1", len(recs))
	}
	if recs[0].ReferenceDate != "2026-01-13" {
		t.Fatalf("reference date = %q, want 2026-01-13", recs[0].ReferenceDate)
	}
}

func TestTryClaimDistinguishesTriples(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	ref := time.Date(2026, time.January, 13, 0, 0, 0, 0, time.UTC)

	for _, c := range []struct {
		sub string
		ev  rules.EventType
		day time.Time
	}{
		{"u1", rules.EventGarbage, ref},
		{"u1", rules.EventRecycling, ref},
		{"u2", rules.EventGarbage, ref},
		{"u1", rules.EventGarbage, ref.AddDate(0, 0, 7)},
	} {
		ok, err := s.TryClaim(ctx, c.sub, c.ev, c.day)
		if err != nil || !ok {
			t.Fatalf("TryClaim(%s,%s,%v) = (%v, %v), want (true, nil)", c.sub, c.ev, c.day, ok, err)
		}
	}
}

func TestTryClaimConcurrentSingleWinner(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ref := time.Date(2026, time.January, 13, 0, 0, 0, 0, time.UTC)

	const n = 16
	var wg sync.WaitGroup
	wins := make(chan bool, n)
	var firstErr error
	var errOnce sync.Once

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			ok, err := s.TryClaim(context.Background(), "u1", rules.EventGarbage, ref)
			if err != nil {
				errOnce.Do(func() { firstErr = err })
				return
			}
			wins <- ok
		}()
	}
	wg.Wait()
	close(wins)

	if firstErr != nil {
		t.Fatalf("TryClaim error under concurrency: %v", firstErr)
	}
	var trueCount, total int
	for ok := range wins {
		total++
		if ok {
			trueCount++
		}
	}
	if total != n || trueCount != 1 {
		t.Fatalf("claims: %d true of %d, want exactly 1 true of %d", trueCount, total, n)
	}
}

func TestClosedStoreFailsClosed(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	_ = s.Close()

	ok, err := s.TryClaim(context.Background(), "u1", rules.EventGarbage, time.Now())
	if ok {
		t.Fatal("TryClaim on closed store must not report a successful claim")
	}
	var perr *PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("error type = %T, want *PersistenceError", err)
	}
}
