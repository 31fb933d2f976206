package config

import (
	"reflect"
	"sort"
	"strings"

	logx "stationdb/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe structured fields
// for logging (never includes secrets like tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.json", newCfg.Logging.JSON),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Int("logging.components", len(newCfg.Logging.Components)),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	if oldCfg.Catalog != newCfg.Catalog {
		changed = append(changed, "catalog")
		attrs = append(attrs,
			logx.String("catalog.timeout", strings.TrimSpace(newCfg.Catalog.Timeout)),
			logx.Float64("catalog.requests_per_sec", newCfg.Catalog.RequestsPerSec),
		)
	}

	if oldCfg.Probe != newCfg.Probe {
		changed = append(changed, "probe")
		attrs = append(attrs,
			logx.Int("probe.attempts", newCfg.Probe.Attempts),
			logx.String("probe.default_timeout", strings.TrimSpace(newCfg.Probe.DefaultTimeout)),
		)
	}

	if oldCfg.Orchestrator != newCfg.Orchestrator {
		changed = append(changed, "orchestrator")
		attrs = append(attrs, logx.Int("orchestrator.workers", newCfg.Orchestrator.Workers))
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.catalog_refresh", strings.TrimSpace(newCfg.Scheduler.CatalogRefresh)),
			logx.String("scheduler.availability_check", strings.TrimSpace(newCfg.Scheduler.AvailabilityCheck)),
			logx.String("scheduler.autosave", strings.TrimSpace(newCfg.Scheduler.Autosave)),
		)
	}

	oh, nh := oldCfg.HTTP, newCfg.HTTP
	tokenChanged := oh.Token != nh.Token
	oh.Token, nh.Token = "", ""
	if oh != nh || tokenChanged {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", nh.Enabled),
			logx.String("http.addr", strings.TrimSpace(nh.Addr)),
			logx.String("http.prefix", strings.TrimSpace(nh.Prefix)),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
			logx.Bool("http.allow_insecure", nh.AllowInsecure),
		)
	}

	if !reflect.DeepEqual(oldCfg.Defaults, newCfg.Defaults) {
		changed = append(changed, "defaults")
		cat, str := 0, 0
		if newCfg.Defaults != nil {
			cat, str = len(newCfg.Defaults.CatalogSources), len(newCfg.Defaults.StreamingSources)
		}
		attrs = append(attrs,
			logx.Bool("defaults.builtin", newCfg.Defaults == nil),
			logx.Int("defaults.catalog_sources", cat),
			logx.Int("defaults.streaming_sources", str),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
