// Package app wires the daemon together: config, logging, storage, the
// rule cache, the mail channel and the dispatch pipeline.
package app

import (
	"context"
	"os"
	"strings"
	"time"

	sddaemon "github.com/coreos/go-systemd/v22/daemon"

	"collecte/internal/config"
	"collecte/internal/dispatch"
	"collecte/internal/eventbus"
	"collecte/internal/fetch"
	"collecte/internal/httpapi"
	"collecte/internal/mailer"
	"collecte/internal/rulestore"
	"collecte/internal/snow"
	"collecte/internal/storage"
	logx "collecte/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service

	bus   eventbus.Bus
	rec   *eventbus.Recorder
	store *storage.Store
	zones *rulestore.Store
	mail  *mailer.Service
	snowc *snow.Client
	disp  *dispatch.Service
	api   *httpapi.Server

	cancel  context.CancelFunc
	reloads chan *config.Config
	done    chan struct{}
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()
	rec := eventbus.NewRecorder(bus, 200)

	busyTimeout, err := cfg.Storage.BusyTimeoutDuration()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	fetchTimeout, err := cfg.Rules.FetchTimeoutDuration()
	if err != nil {
		return nil, err
	}
	minInterval, err := cfg.Rules.MinFetchIntervalDuration()
	if err != nil {
		return nil, err
	}
	ceiling, err := cfg.Rules.StalenessCeilingDuration()
	if err != nil {
		return nil, err
	}
	fetcher := fetch.NewClient(fetch.Config{
		BaseURL: cfg.Rules.BaseURL,
		Timeout: fetchTimeout,
	}, log.With(logx.String("comp", "fetch")))
	zones := rulestore.New(rulestore.Config{
		MinFetchInterval: minInterval,
		StalenessCeiling: ceiling,
		FetchTimeout:     fetchTimeout,
	}, fetcher, store, log.With(logx.String("comp", "rules")))

	apiKey := strings.TrimSpace(cfg.Email.APIKey)
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv("RESEND_API_KEY"))
	}
	mail := mailer.New(mailer.Config{
		Enabled:        cfg.Email.Enabled,
		APIKey:         apiKey,
		From:           cfg.Email.From,
		RatePerSec:     cfg.Email.RatePerSec,
		UnsubscribeURL: cfg.Email.UnsubscribeURL,
	}, log.With(logx.String("comp", "mailer")))

	snowc := snow.NewClient(snow.Config{
		StartRadius: cfg.Snow.StartRadius,
		MaxRadius:   cfg.Snow.MaxRadius,
		RadiusStep:  cfg.Snow.RadiusStep,
	}, log.With(logx.String("comp", "snow")))

	tolerance, err := cfg.Dispatch.ToleranceDuration()
	if err != nil {
		return nil, err
	}
	deliveryTimeout, err := cfg.Dispatch.DeliveryTimeoutDuration()
	if err != nil {
		return nil, err
	}
	disp, err := dispatch.New(dispatch.Config{
		TriggerTime:     cfg.Dispatch.TriggerTime,
		Tolerance:       tolerance,
		Timezone:        cfg.Dispatch.Timezone,
		Workers:         cfg.Dispatch.Workers,
		DeliveryTimeout: deliveryTimeout,
		SnowEnabled:     cfg.Dispatch.SnowEnabled,
	}, dispatch.Deps{
		Store: store,
		Rules: zones,
		Mail:  mail,
		Snow:  snowc,
		Bus:   bus,
	}, log.With(logx.String("comp", "dispatch")))
	if err != nil {
		return nil, err
	}

	var api *httpapi.Server
	if cfg.HTTP.Enabled {
		api = httpapi.New(httpapi.Config{
			Addr:        cfg.HTTP.Addr,
			CORSOrigins: cfg.HTTP.CORSOrigins,
			Pprof:       cfg.HTTP.Pprof,
		}, httpapi.Deps{
			Store:    store,
			Zones:    zones,
			Mail:     mail,
			Geo:      snowc,
			Recorder: rec,
			Dispatch: disp,
		}, log.With(logx.String("comp", "http")))
	}

	return &App{
		cfgm:  cfgm,
		log:   log,
		logs:  logSvc,
		bus:   bus,
		rec:   rec,
		store: store,
		zones: zones,
		mail:  mail,
		snowc: snowc,
		disp:  disp,
		api:   api,
		done:  make(chan struct{}),
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	// Warm the rule cache from sqlite so a restart does not hit the
	// upstream for zones it already knows.
	if err := a.zones.Load(runCtx); err != nil {
		a.log.Warn("rule cache warm-up failed", logx.Err(err))
	}

	if err := a.disp.Start(runCtx); err != nil {
		cancel()
		return err
	}
	if a.api != nil {
		if err := a.api.Start(); err != nil {
			a.disp.Stop()
			cancel()
			return err
		}
	}

	a.reloads = a.cfgm.Subscribe(4)
	go a.reloadLoop()
	go func() {
		if err := a.cfgm.Watch(runCtx); err != nil && runCtx.Err() == nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()

	if _, err := sddaemon.SdNotify(false, sddaemon.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify unavailable", logx.Err(err))
	}
	a.log.Info("daemon started")
	return nil
}

// reloadLoop applies the dynamic parts of a config change. Logging takes
// effect immediately; everything else needs a restart and is logged so the
// operator knows.
func (a *App) reloadLoop() {
	defer close(a.done)
	old := a.cfgm.Get()
	for cfg := range a.reloads {
		changed, attrs := config.SummarizeChange(old, cfg)
		if len(changed) == 0 {
			continue
		}
		a.log.Info("configuration updated", attrs...)

		for _, section := range changed {
			if section == "logging" {
				a.logs.Apply(logx.Config{
					Level:   cfg.Logging.Level,
					Console: cfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: cfg.Logging.File.Enabled,
						Path:    cfg.Logging.File.Path,
					},
				})
				a.log.Info("logging reconfigured", logx.String("level", cfg.Logging.Level))
			} else {
				a.log.Warn("section change requires restart", logx.String("section", section))
			}
		}
		old = cfg
	}
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = sddaemon.SdNotify(false, sddaemon.SdNotifyStopping)

	if a.api != nil {
		shutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := a.api.Stop(shutCtx); err != nil {
			a.log.Warn("http shutdown failed", logx.Err(err))
		}
		cancel()
	}
	a.disp.Stop()

	if a.cancel != nil {
		a.cancel()
	}
	if a.reloads != nil {
		a.cfgm.Unsubscribe(a.reloads)
		<-a.done
	}
	a.rec.Close()

	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close failed", logx.Err(err))
	}
	a.log.Info("daemon stopped")
	_ = a.logs.Close()
	return nil
}
