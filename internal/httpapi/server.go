// Package httpapi is the subscription surface: a small JSON API for
// signing up, tuning preferences and inspecting schedules and pipeline
// status.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"collecte/internal/dispatch"
	"collecte/internal/eventbus"
	"collecte/internal/mailer"
	"collecte/internal/rules"
	"collecte/internal/rulestore"
	"collecte/internal/storage"
	logx "collecte/pkg/logx"
)

type Config struct {
	Addr        string
	CORSOrigins []string
	Pprof       bool
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8080"
	}
	return c
}

// ZoneSource is the slice of the rule cache the API needs.
type ZoneSource interface {
	Ensure(ctx context.Context, code string) (rules.Zone, error)
	Get(code string) (rules.Zone, rulestore.Status, bool)
	Snapshot() []rulestore.Entry
}

// Runner triggers a dispatch cycle on demand (the admin endpoint).
type Runner interface {
	Run(ctx context.Context, trigger string) dispatch.Summary
}

type Server struct {
	cfg   Config
	log   logx.Logger
	store *storage.Store
	zones ZoneSource
	mail  mailer.Mailer
	geo   Geocoder
	rec   *eventbus.Recorder
	disp  Runner

	srv *http.Server
}

// Deps are the collaborators of the API. Mail, Recorder and Dispatch are
// optional; the matching endpoints degrade gracefully without them.
type Deps struct {
	Store    *storage.Store
	Zones    ZoneSource
	Mail     mailer.Mailer
	Geo      Geocoder
	Recorder *eventbus.Recorder
	Dispatch Runner
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{
		cfg:   cfg,
		log:   log,
		store: deps.Store,
		zones: deps.Zones,
		mail:  deps.Mail,
		geo:   deps.Geo,
		rec:   deps.Recorder,
		disp:  deps.Dispatch,
	}
}

// Handler builds the router. Exposed separately for tests.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.requestLog)

	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if s.cfg.Pprof {
		r.Mount("/debug", chimiddleware.Profiler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/subscribe", s.handleSubscribe)
		r.Post("/unsubscribe", s.handleUnsubscribe)
		r.Put("/preferences", s.handlePreferences)
		r.Get("/subscriber/{email}", s.handleSubscriber)
		r.Get("/schedule/{postalCode}", s.handleSchedule)
		r.Get("/status", s.handleStatus)
		r.Post("/admin/run", s.handleAdminRun)
	})
	return r
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server failed", logx.Err(err))
		}
	}()
	s.log.Info("http api listening", logx.String("addr", ln.Addr().String()))
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)))
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
