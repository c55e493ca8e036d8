// Package rulestore caches the per-zone collection rule sets the resolver
// reads.
//
// The store is populated by a rate-limited refresher and persisted through
// the storage layer so a restart serves the last known rules immediately.
// On fetch failure the previous rule set keeps being served; once it is
// older than the staleness ceiling the zone is flagged stale, but reads are
// never blocked.
package rulestore

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"collecte/internal/rules"
	"collecte/internal/storage"
	logx "collecte/pkg/logx"
)

// Fetcher obtains a zone's rule set from the upstream municipal source.
// Implementations return a validated rule set or a typed fetch error; they
// never panic into the store.
type Fetcher interface {
	FetchZone(ctx context.Context, code string) (rules.Zone, error)
}

type Config struct {
	// MinFetchInterval is the minimum spacing between any two upstream
	// fetch attempts, across all zones combined.
	MinFetchInterval time.Duration
	// StalenessCeiling is the age past which cached rules are flagged stale.
	StalenessCeiling time.Duration
	// FetchTimeout bounds a single upstream fetch.
	FetchTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinFetchInterval <= 0 {
		c.MinFetchInterval = 10 * time.Second
	}
	if c.StalenessCeiling <= 0 {
		c.StalenessCeiling = 24 * time.Hour
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
	return c
}

// Status describes the freshness of one cached zone.
type Status struct {
	FetchedAt time.Time
	Stale     bool
}

// Entry pairs a zone's rules with its freshness.
type Entry struct {
	Zone   rules.Zone
	Status Status
}

type entry struct {
	zone      rules.Zone
	fetchedAt time.Time
}

type flight struct {
	done chan struct{}
	zone rules.Zone
	err  error
}

// Store holds the last successfully fetched rule set per zone.
type Store struct {
	cfg     Config
	log     logx.Logger
	fetcher Fetcher
	persist *storage.Store // optional; nil disables persistence

	limiter *rate.Limiter
	now     func() time.Time

	// fetchMu serializes upstream fetches globally: a single in-flight
	// refresh at a time, respecting the external rate limit.
	fetchMu sync.Mutex

	mu       sync.Mutex
	zones    map[string]entry
	inflight map[string]*flight
}

func New(cfg Config, fetcher Fetcher, persist *storage.Store, log logx.Logger) *Store {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{
		cfg:      cfg,
		log:      log,
		fetcher:  fetcher,
		persist:  persist,
		limiter:  rate.NewLimiter(rate.Every(cfg.MinFetchInterval), 1),
		now:      time.Now,
		zones:    map[string]entry{},
		inflight: map[string]*flight{},
	}
}

// Load warms the cache from the persistence layer.
func (s *Store) Load(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}
	zones, fetched, err := s.persist.ListZones(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	for code, z := range zones {
		s.zones[code] = entry{zone: z, fetchedAt: fetched[code]}
	}
	n := len(s.zones)
	s.mu.Unlock()
	s.log.Info("rule cache loaded", logx.Int("zones", n))
	return nil
}

// Get returns the cached rule set for a zone. Reads never block on a
// refresh; the staleness flag tells the caller the data exceeded its
// freshness ceiling.
func (s *Store) Get(code string) (rules.Zone, Status, bool) {
	s.mu.Lock()
	e, ok := s.zones[code]
	s.mu.Unlock()
	if !ok {
		return rules.Zone{}, Status{}, false
	}
	return e.zone, s.status(e), true
}

// Snapshot returns every cached zone with its freshness, ordered by code.
func (s *Store) Snapshot() []Entry {
	s.mu.Lock()
	out := make([]Entry, 0, len(s.zones))
	for _, e := range s.zones {
		out = append(out, Entry{Zone: e.zone, Status: s.status(e)})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Zone.Code < out[j].Zone.Code })
	return out
}

func (s *Store) status(e entry) Status {
	return Status{
		FetchedAt: e.fetchedAt,
		Stale:     s.now().Sub(e.fetchedAt) > s.cfg.StalenessCeiling,
	}
}

// Refresh fetches a zone's rule set from upstream and commits it to the
// cache. Concurrent refreshes of the same zone coalesce into one in-flight
// fetch; fetches across zones are serialized and rate-limited. On failure
// the previous rule set is retained and the error returned.
func (s *Store) Refresh(ctx context.Context, code string) (rules.Zone, error) {
	s.mu.Lock()
	if f, ok := s.inflight[code]; ok {
		s.mu.Unlock()
		select {
		case <-f.done:
			return f.zone, f.err
		case <-ctx.Done():
			return rules.Zone{}, ctx.Err()
		}
	}
	f := &flight{done: make(chan struct{})}
	s.inflight[code] = f
	s.mu.Unlock()

	f.zone, f.err = s.doFetch(ctx, code)
	close(f.done)

	s.mu.Lock()
	delete(s.inflight, code)
	s.mu.Unlock()
	return f.zone, f.err
}

// Ensure returns the cached zone if present and fresh, refreshing it
// otherwise. Used on the subscribe path where the zone may be unknown.
func (s *Store) Ensure(ctx context.Context, code string) (rules.Zone, error) {
	if z, st, ok := s.Get(code); ok && !st.Stale {
		return z, nil
	}
	z, err := s.Refresh(ctx, code)
	if err != nil {
		// Degrade to stale cached data when available.
		if cached, _, ok := s.Get(code); ok {
			return cached, nil
		}
		return rules.Zone{}, err
	}
	return z, nil
}

func (s *Store) doFetch(ctx context.Context, code string) (rules.Zone, error) {
	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()

	if err := s.limiter.Wait(ctx); err != nil {
		return rules.Zone{}, err
	}

	fctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	z, err := s.fetcher.FetchZone(fctx, code)
	cancel()
	if err != nil {
		s.log.Warn("zone refresh failed; serving cached rules",
			logx.String("zone", code), logx.Err(err))
		return rules.Zone{}, err
	}
	if err := z.Validate(); err != nil {
		s.log.Warn("fetched rule set rejected", logx.String("zone", code), logx.Err(err))
		return rules.Zone{}, err
	}

	now := s.now()
	s.mu.Lock()
	s.zones[code] = entry{zone: z, fetchedAt: now}
	s.mu.Unlock()

	if s.persist != nil {
		if perr := s.persist.UpsertZone(ctx, z, now); perr != nil {
			// Cache commit already happened; persistence is best-effort here.
			s.log.Warn("zone persist failed", logx.String("zone", code), logx.Err(perr))
		}
	}
	s.log.Info("zone rules refreshed", logx.String("zone", code))
	return z, nil
}
