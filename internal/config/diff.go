package config

import (
	"reflect"
	"sort"
	"strings"

	logx "collecte/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (the email API key) are reported
// only as present/absent.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", newCfg.Storage.BusyTimeout),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.String("dispatch.trigger_time", newCfg.Dispatch.TriggerTime),
			logx.String("dispatch.timezone", newCfg.Dispatch.Timezone),
			logx.Int("dispatch.workers", newCfg.Dispatch.Workers),
			logx.Bool("dispatch.snow_enabled", newCfg.Dispatch.SnowEnabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Rules, newCfg.Rules) {
		changed = append(changed, "rules")
		attrs = append(attrs,
			logx.String("rules.min_fetch_interval", newCfg.Rules.MinFetchInterval),
			logx.String("rules.staleness_ceiling", newCfg.Rules.StalenessCeiling),
			logx.Bool("rules.base_url_set", strings.TrimSpace(newCfg.Rules.BaseURL) != ""),
		)
	}

	// Email: never log the key itself.
	if !reflect.DeepEqual(oldCfg.Email, newCfg.Email) {
		changed = append(changed, "email")
		attrs = append(attrs,
			logx.Bool("email.enabled", newCfg.Email.Enabled),
			logx.String("email.from", newCfg.Email.From),
			logx.Bool("email.api_key_set", strings.TrimSpace(newCfg.Email.APIKey) != ""),
			logx.Int("email.rate_per_sec", newCfg.Email.RatePerSec),
		)
	}

	if !reflect.DeepEqual(oldCfg.Snow, newCfg.Snow) {
		changed = append(changed, "snow")
		attrs = append(attrs,
			logx.Int("snow.start_radius", newCfg.Snow.StartRadius),
			logx.Int("snow.max_radius", newCfg.Snow.MaxRadius),
		)
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Int("http.cors_origins", len(newCfg.HTTP.CORSOrigins)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
