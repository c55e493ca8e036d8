package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"collecte/internal/eventbus"
	"collecte/internal/rules"
	"collecte/internal/storage"
	logx "collecte/pkg/logx"
)

// Summary is the outcome of one run.
type Summary struct {
	Trigger    string
	Date       time.Time // reference date the reminders were for
	Sent       int
	Skipped    int
	Failed     int
	ZoneFails  int
	StaleZones int
	SnowAlerts int
}

type counters struct {
	sent, skipped, failed, zoneFails, stale, snow atomic.Int64
}

type job struct {
	sub     storage.Subscriber
	occ     rules.Occurrence
	streets []string // snow alerts only
}

// Run executes one full dispatch cycle for "tomorrow" relative to the
// current date. Zone failures are isolated: a broken zone never aborts the
// others. The returned summary is also published on the bus.
func (s *Service) Run(ctx context.Context, trigger string) Summary {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	now := s.now().In(s.loc)
	today := rules.Midnight(now)
	target := today.AddDate(0, 0, 1)

	s.log.Info("dispatch run starting",
		logx.String("trigger", trigger),
		logx.String("for", target.Format(rules.DateLayout)))

	var cnt counters
	jobs := make(chan job)
	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				s.process(ctx, j, &cnt)
			}
		}()
	}

	aborted := false
	codes, err := s.deps.Store.ZoneCodesInUse(ctx)
	if err != nil {
		// Leave last_run unset so the next startup retries the window.
		aborted = true
		s.log.Error("cannot list zones, run aborted", logx.Err(err))
	} else {
		for _, code := range codes {
			s.enqueueZone(ctx, code, target, jobs, &cnt)
		}
	}
	if s.cfg.SnowEnabled && s.deps.Snow != nil {
		s.enqueueSnow(ctx, today, jobs, &cnt)
	}
	close(jobs)
	wg.Wait()

	sum := Summary{
		Trigger:    trigger,
		Date:       target,
		Sent:       int(cnt.sent.Load()),
		Skipped:    int(cnt.skipped.Load()),
		Failed:     int(cnt.failed.Load()),
		ZoneFails:  int(cnt.zoneFails.Load()),
		StaleZones: int(cnt.stale.Load()),
		SnowAlerts: int(cnt.snow.Load()),
	}

	if !aborted {
		if err := s.deps.Store.SetMeta(ctx, metaLastRun, today.Format(rules.DateLayout)); err != nil {
			s.log.Error("recording run date failed", logx.Err(err))
		}
	}
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(eventbus.Event{Type: eventbus.TypeDispatchRun, Data: eventbus.RunOutcome{
			Trigger:   trigger,
			Date:      target.Format(rules.DateLayout),
			Sent:      sum.Sent,
			Skipped:   sum.Skipped,
			Failed:    sum.Failed,
			ZoneFails: sum.ZoneFails,
		}})
	}
	s.log.Info("dispatch run finished",
		logx.Int("sent", sum.Sent),
		logx.Int("skipped", sum.Skipped),
		logx.Int("failed", sum.Failed),
		logx.Int("zone_fails", sum.ZoneFails))
	return sum
}

// enqueueZone resolves the occurrences due on target for one zone and
// queues a job per eligible subscriber.
func (s *Service) enqueueZone(ctx context.Context, code string, target time.Time, jobs chan<- job, cnt *counters) {
	z, err := s.deps.Rules.Ensure(ctx, code)
	if err != nil {
		cnt.zoneFails.Add(1)
		s.log.Warn("zone rules unavailable, skipping zone",
			logx.String("zone", code), logx.Err(err))
		return
	}
	if _, st, ok := s.deps.Rules.Get(code); ok && st.Stale {
		cnt.stale.Add(1)
		s.log.Warn("serving reminders from stale rules",
			logx.String("zone", code),
			logx.Time("fetched_at", st.FetchedAt))
	}
	occs, err := rules.DueOn(z, target)
	if err != nil {
		cnt.zoneFails.Add(1)
		s.log.Error("zone resolution failed, skipping zone",
			logx.String("zone", code), logx.Err(err))
		return
	}
	for _, occ := range occs {
		recips, err := s.deps.Store.Recipients(ctx, code, occ.Event)
		if err != nil {
			// Fail closed: without the directory we cannot claim safely.
			cnt.zoneFails.Add(1)
			s.log.Error("recipient lookup failed",
				logx.String("zone", code),
				logx.String("event", string(occ.Event)),
				logx.Err(err))
			continue
		}
		for _, sub := range recips {
			jobs <- job{sub: sub, occ: occ}
		}
	}
}

// enqueueSnow checks each zone with snow subscribers for an active removal
// operation and queues alerts keyed to today's date.
func (s *Service) enqueueSnow(ctx context.Context, today time.Time, jobs chan<- job, cnt *counters) {
	recips, err := s.deps.Store.SnowRecipients(ctx)
	if err != nil {
		s.log.Error("snow recipient lookup failed", logx.Err(err))
		return
	}
	byZone := map[string][]storage.Subscriber{}
	for _, sub := range recips {
		byZone[sub.ZoneCode] = append(byZone[sub.ZoneCode], sub)
	}
	for code, subs := range byZone {
		streets, err := s.checkSnow(ctx, code, subs)
		if err != nil {
			s.log.Warn("snow check failed", logx.String("zone", code), logx.Err(err))
			continue
		}
		if len(streets) == 0 {
			continue
		}
		cnt.snow.Add(1)
		if s.deps.Bus != nil {
			s.deps.Bus.Publish(eventbus.Event{Type: eventbus.TypeSnowAlert, Data: map[string]any{
				"zone": code, "streets": streets,
			}})
		}
		occ := rules.Occurrence{Zone: code, Event: rules.EventSnow, Date: today}
		for _, sub := range subs {
			jobs <- job{sub: sub, occ: occ, streets: streets}
		}
	}
}

// checkSnow runs the snow query for one zone. Subscribers geocoded at
// subscribe time all carry the same zone coordinates, so the first stored
// pair serves the whole group; zones with no stored pair fall back to a
// geocode of the postal code.
func (s *Service) checkSnow(ctx context.Context, code string, subs []storage.Subscriber) ([]string, error) {
	for _, sub := range subs {
		if sub.Lat != 0 || sub.Lon != 0 {
			return s.deps.Snow.CheckNear(ctx, sub.Lat, sub.Lon)
		}
	}
	return s.deps.Snow.CheckPostal(ctx, code)
}

// process claims and delivers a single reminder. The claim precedes the
// send: a delivery failure is logged and surfaced but the claim stands, so
// the same occurrence is never attempted twice.
func (s *Service) process(ctx context.Context, j job, cnt *counters) {
	claimed, err := s.deps.Store.TryClaim(ctx, j.sub.ID, j.occ.Event, j.occ.Date)
	if err != nil {
		// Fail closed: no confirmation means no send this cycle.
		cnt.failed.Add(1)
		s.log.Error("claim failed, delivery blocked",
			logx.String("email", j.sub.Email),
			logx.String("event", string(j.occ.Event)),
			logx.Err(err))
		return
	}
	if !claimed {
		cnt.skipped.Add(1)
		return
	}

	sctx, cancel := context.WithTimeout(ctx, s.cfg.DeliveryTimeout)
	defer cancel()
	if j.occ.Event == rules.EventSnow {
		err = s.deps.Mail.SendSnowAlert(sctx, j.sub.Email, j.occ.Zone, j.streets)
	} else {
		err = s.deps.Mail.SendReminder(sctx, j.sub.Email, j.occ)
	}

	outcome := eventbus.DeliveryOutcome{
		Email: j.sub.Email,
		Zone:  j.occ.Zone,
		Event: string(j.occ.Event),
		Date:  j.occ.Date.Format(rules.DateLayout),
	}
	if err != nil {
		cnt.failed.Add(1)
		outcome.Error = err.Error()
		s.log.Error("delivery failed, claim retained",
			logx.String("email", j.sub.Email),
			logx.String("event", string(j.occ.Event)),
			logx.Err(err))
		if s.deps.Bus != nil {
			s.deps.Bus.Publish(eventbus.Event{Type: eventbus.TypeReminderFailed, Data: outcome})
		}
		return
	}
	cnt.sent.Add(1)
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(eventbus.Event{Type: eventbus.TypeReminderSent, Data: outcome})
	}
}
