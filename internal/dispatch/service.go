// Package dispatch runs the daily reminder pipeline: resolve tomorrow's
// occurrences per zone, join with subscriber preferences, claim each
// delivery in the ledger and hand it to the mail channel.
package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"collecte/internal/eventbus"
	"collecte/internal/mailer"
	"collecte/internal/rules"
	"collecte/internal/rulestore"
	"collecte/internal/storage"
	logx "collecte/pkg/logx"
)

// metaLastRun records the civil date of the last completed run.
const metaLastRun = "dispatch.last_run"

// RuleSource is the slice of the rule cache the pipeline needs.
type RuleSource interface {
	Ensure(ctx context.Context, code string) (rules.Zone, error)
	Get(code string) (rules.Zone, rulestore.Status, bool)
}

// SnowChecker reports streets with an active snow removal operation near a
// location. CheckNear takes coordinates resolved at subscribe time;
// CheckPostal geocodes first. A nil checker disables the snow phase.
type SnowChecker interface {
	CheckNear(ctx context.Context, lat, lon float64) ([]string, error)
	CheckPostal(ctx context.Context, postalCode string) ([]string, error)
}

type Config struct {
	TriggerTime     string        // local wall clock, "HH:MM"
	Tolerance       time.Duration // late-start window still treated as on time
	Timezone        string        // IANA name, e.g. "America/Toronto"
	Workers         int
	DeliveryTimeout time.Duration
	SnowEnabled     bool
}

func (c Config) withDefaults() Config {
	if c.TriggerTime == "" {
		c.TriggerTime = "18:00"
	}
	if c.Tolerance <= 0 {
		c.Tolerance = 5 * time.Minute
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 30 * time.Second
	}
	return c
}

// Deps are the collaborators of the pipeline.
type Deps struct {
	Store *storage.Store
	Rules RuleSource
	Mail  mailer.Mailer
	Snow  SnowChecker
	Bus   eventbus.Bus
}

// Service owns the daily trigger and the catch-up check.
//
// It is safe for concurrent use; at most one run executes at a time.
type Service struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	loc          *time.Location
	hour, minute int
	now          func() time.Time

	mu     sync.Mutex
	c      *cron.Cron
	cancel context.CancelFunc

	runMu sync.Mutex
}

func New(cfg Config, deps Deps, log logx.Logger) (*Service, error) {
	cfg = cfg.withDefaults()
	hour, minute, err := parseTriggerTime(cfg.TriggerTime)
	if err != nil {
		return nil, err
	}
	loc := time.Local
	if cfg.Timezone != "" {
		loc, err = time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("dispatch: timezone %q: %w", cfg.Timezone, err)
		}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		deps:   deps,
		log:    log,
		loc:    loc,
		hour:   hour,
		minute: minute,
		now:    time.Now,
	}, nil
}

func parseTriggerTime(s string) (hour, minute int, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("dispatch: trigger time %q: want HH:MM", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err == nil {
		minute, err = strconv.Atoi(parts[1])
	}
	if err != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("dispatch: trigger time %q: want HH:MM", s)
	}
	return hour, minute, nil
}

// Start registers the daily trigger and performs the catch-up check for a
// window missed while the process was down.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.c != nil {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	c := cron.New(cron.WithLocation(s.loc))
	spec := fmt.Sprintf("%d %d * * *", s.minute, s.hour)
	if _, err := c.AddFunc(spec, func() { s.triggered(runCtx) }); err != nil {
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("dispatch: register trigger: %w", err)
	}
	s.c = c
	s.mu.Unlock()

	s.catchUp(runCtx)
	c.Start()
	s.log.Info("dispatch started",
		logx.String("trigger", s.cfg.TriggerTime),
		logx.String("tz", s.loc.String()))
	return nil
}

// Stop halts the trigger and waits for an in-flight run to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	s.c = nil
	s.cancel = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	if cancel != nil {
		cancel()
	}
	// An in-flight run holds runMu; taking it waits for the drain.
	s.runMu.Lock()
	s.runMu.Unlock()
	s.log.Info("dispatch stopped")
}

func (s *Service) triggered(ctx context.Context) {
	now := s.now().In(s.loc)
	if late := now.Sub(s.triggerAt(now)); late > s.cfg.Tolerance {
		s.log.Warn("trigger fired outside tolerance", logx.Duration("late", late))
	}
	s.Run(ctx, "schedule")
}

// triggerAt returns the trigger instant on the civil day containing t.
func (s *Service) triggerAt(t time.Time) time.Time {
	y, m, d := t.In(s.loc).Date()
	return time.Date(y, m, d, s.hour, s.minute, 0, 0, s.loc)
}

// catchUp runs once at startup when today's window already passed without a
// completed run. The run uses today's actual date, so a reminder is only
// ever produced for tomorrow's occurrences, never for a date already past.
func (s *Service) catchUp(ctx context.Context) {
	now := s.now().In(s.loc)
	trig := s.triggerAt(now)
	if now.Before(trig) {
		return // today's trigger is still ahead
	}
	today := now.Format(rules.DateLayout)
	last, ok, err := s.deps.Store.GetMeta(ctx, metaLastRun)
	if err != nil {
		s.log.Error("catch-up check failed", logx.Err(err))
		return
	}
	if ok && last == today {
		return
	}
	s.log.Info("missed trigger window detected, catching up",
		logx.Duration("late", now.Sub(trig)))
	s.Run(ctx, "catchup")
}
