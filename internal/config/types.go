package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the on-disk configuration of the daemon.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "24h").
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Dispatch DispatchConfig `json:"dispatch"`
	Rules    RulesConfig    `json:"rules"`
	Email    EmailConfig    `json:"email"`
	Snow     SnowConfig     `json:"snow,omitempty"`
	HTTP     HTTPConfig     `json:"http"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the sqlite persistence layer.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// DispatchConfig controls the daily reminder run.
type DispatchConfig struct {
	// TriggerTime is local wall clock, "HH:MM".
	TriggerTime string `json:"trigger_time"`
	// Tolerance is how late after TriggerTime a start still counts as on
	// time; beyond it the startup catch-up logs a missed window.
	Tolerance       string `json:"tolerance,omitempty"`
	Timezone        string `json:"timezone,omitempty"`
	Workers         int    `json:"workers,omitempty"`
	DeliveryTimeout string `json:"delivery_timeout,omitempty"`
	SnowEnabled     bool   `json:"snow_enabled"`
}

// RulesConfig controls the zone rule cache and its upstream fetches.
type RulesConfig struct {
	MinFetchInterval string `json:"min_fetch_interval,omitempty"`
	StalenessCeiling string `json:"staleness_ceiling,omitempty"`
	FetchTimeout     string `json:"fetch_timeout,omitempty"`
	// BaseURL overrides the municipal schedule lookup endpoint.
	BaseURL string `json:"base_url,omitempty"`
}

// EmailConfig controls the outbound mail channel. The API key is normally
// supplied via the RESEND_API_KEY environment variable instead of the file.
type EmailConfig struct {
	Enabled        bool   `json:"enabled"`
	APIKey         string `json:"api_key,omitempty"`
	From           string `json:"from"`
	RatePerSec     int    `json:"rate_per_sec,omitempty"`
	UnsubscribeURL string `json:"unsubscribe_url,omitempty"`
}

// SnowConfig controls the snow removal proximity check.
type SnowConfig struct {
	StartRadius int `json:"start_radius,omitempty"` // meters
	MaxRadius   int `json:"max_radius,omitempty"`
	RadiusStep  int `json:"radius_step,omitempty"`
}

// HTTPConfig controls the subscription API server.
type HTTPConfig struct {
	Enabled     bool     `json:"enabled"`
	Addr        string   `json:"addr,omitempty"` // default "127.0.0.1:8080"
	CORSOrigins []string `json:"cors_origins,omitempty"`
	// Pprof mounts the runtime profiler under /debug. Keep it off unless
	// the listener is loopback-only.
	Pprof bool `json:"pprof,omitempty"`
}

func (c DispatchConfig) ToleranceDuration() (time.Duration, error) {
	return ParseDurationOrDefault("dispatch.tolerance", c.Tolerance, 5*time.Minute)
}

func (c DispatchConfig) DeliveryTimeoutDuration() (time.Duration, error) {
	return ParseDurationOrDefault("dispatch.delivery_timeout", c.DeliveryTimeout, 30*time.Second)
}

func (c RulesConfig) MinFetchIntervalDuration() (time.Duration, error) {
	return ParseDurationOrDefault("rules.min_fetch_interval", c.MinFetchInterval, 10*time.Second)
}

func (c RulesConfig) StalenessCeilingDuration() (time.Duration, error) {
	return ParseDurationOrDefault("rules.staleness_ceiling", c.StalenessCeiling, 24*time.Hour)
}

func (c RulesConfig) FetchTimeoutDuration() (time.Duration, error) {
	return ParseDurationOrDefault("rules.fetch_timeout", c.FetchTimeout, 30*time.Second)
}

func (c StorageConfig) BusyTimeoutDuration() (time.Duration, error) {
	return ParseDurationOrDefault("storage.busy_timeout", c.BusyTimeout, 5*time.Second)
}

// Validate rejects configurations the daemon could not start with. It is
// also the watch-time gate: a reload that fails here is discarded and the
// running config kept.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Email.Enabled && strings.TrimSpace(c.Email.From) == "" {
		return fmt.Errorf("email.from is required when email is enabled")
	}
	if t := strings.TrimSpace(c.Dispatch.TriggerTime); t != "" {
		if _, err := time.Parse("15:04", t); err != nil {
			return fmt.Errorf("dispatch.trigger_time %q: want HH:MM", t)
		}
	}
	if tz := strings.TrimSpace(c.Dispatch.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("dispatch.timezone %q: %w", tz, err)
		}
	}
	for _, parse := range []func() (time.Duration, error){
		c.Dispatch.ToleranceDuration,
		c.Dispatch.DeliveryTimeoutDuration,
		c.Rules.MinFetchIntervalDuration,
		c.Rules.StalenessCeilingDuration,
		c.Rules.FetchTimeoutDuration,
		c.Storage.BusyTimeoutDuration,
	} {
		if _, err := parse(); err != nil {
			return err
		}
	}
	return nil
}
