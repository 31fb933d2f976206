package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	logx "stationdb/pkg/logx"
)

// Validate checks the static parts of cfg (levels, drivers, durations, sources).
// Schedules are checked by the scheduler through the manager's validator hook.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	for comp, lvl := range cfg.Logging.Components {
		if !logx.ValidLevel(lvl) {
			add(fmt.Errorf("logging.components.%s: unknown level %q", comp, lvl))
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "file", "sqlite", "sqlite3", "bolt", "bbolt", "memory":
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	_, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	add(err)

	_, err = ParseDurationField("catalog.timeout", cfg.Catalog.Timeout)
	add(err)
	if cfg.Catalog.RequestsPerSec < 0 {
		add(errors.New("catalog.requests_per_sec: must be >= 0"))
	}

	if cfg.Probe.Attempts < 0 {
		add(errors.New("probe.attempts: must be >= 0"))
	}
	_, err = ParseDurationField("probe.default_timeout", cfg.Probe.DefaultTimeout)
	add(err)

	if cfg.Orchestrator.Workers < 0 {
		add(errors.New("orchestrator.workers: must be >= 0"))
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	for _, f := range []struct{ path, raw string }{
		{"http.read_timeout", cfg.HTTP.ReadTimeout},
		{"http.write_timeout", cfg.HTTP.WriteTimeout},
		{"http.idle_timeout", cfg.HTTP.IdleTimeout},
	} {
		_, err := ParseDurationField(f.path, f.raw)
		add(err)
	}

	if d := cfg.Defaults; d != nil {
		for i, s := range d.CatalogSources {
			path := fmt.Sprintf("defaults.catalog_sources[%d]", i)
			if strings.TrimSpace(s.Name) == "" || strings.TrimSpace(s.URL) == "" {
				add(fmt.Errorf("%s: name and url are required", path))
			}
			_, err := ParseDurationField(path+".timeout", s.Timeout)
			add(err)
		}
		for i, s := range d.StreamingSources {
			path := fmt.Sprintf("defaults.streaming_sources[%d]", i)
			if strings.TrimSpace(s.Name) == "" || strings.TrimSpace(s.Host) == "" {
				add(fmt.Errorf("%s: name and host are required", path))
			}
			if s.Port < 0 || s.Port > 65535 {
				add(fmt.Errorf("%s.port: out of range", path))
			}
			_, err := ParseDurationField(path+".timeout", s.Timeout)
			add(err)
		}
	}
	return errors.Join(errs...)
}
