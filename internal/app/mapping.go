package app

import (
	"fmt"
	"strings"

	"stationdb/internal/config"
	"stationdb/internal/fetch/fdsnws"
	"stationdb/internal/observability/server"
	"stationdb/internal/stationdb"
	"stationdb/internal/storage"
	"stationdb/internal/task/scheduler"
	logx "stationdb/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:      cfg.Logging.Level,
		Console:    cfg.Logging.Console,
		JSON:       cfg.Logging.JSON,
		Components: cfg.Logging.Components,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, nil
}

func mapCatalogConfig(cfg *config.Config) (fdsnws.Config, error) {
	timeout, err := config.ParseDurationOrDefault("catalog.timeout", cfg.Catalog.Timeout, stationdb.DefaultCatalogTimeout)
	if err != nil {
		return fdsnws.Config{}, err
	}
	return fdsnws.Config{
		RequestsPerSec: cfg.Catalog.RequestsPerSec,
		UserAgent:      strings.TrimSpace(cfg.Catalog.UserAgent),
		DefaultTimeout: timeout,
	}, nil
}

// mapDefaults resolves the source set restored by RestoreDefaults. Sources
// without a timeout inherit catalog.timeout and probe.default_timeout.
func mapDefaults(cfg *config.Config) (stationdb.Defaults, error) {
	catTimeout, err := config.ParseDurationOrDefault("catalog.timeout", cfg.Catalog.Timeout, stationdb.DefaultCatalogTimeout)
	if err != nil {
		return stationdb.Defaults{}, err
	}
	probeTimeout, err := config.ParseDurationOrDefault("probe.default_timeout", cfg.Probe.DefaultTimeout, stationdb.DefaultProbeTimeout)
	if err != nil {
		return stationdb.Defaults{}, err
	}

	def := stationdb.BuiltinDefaults()
	if d := cfg.Defaults; d != nil {
		def = stationdb.Defaults{}
		for i, s := range d.CatalogSources {
			t, err := config.ParseDurationField(fmt.Sprintf("defaults.catalog_sources[%d].timeout", i), s.Timeout)
			if err != nil {
				return stationdb.Defaults{}, err
			}
			def.Catalog = append(def.Catalog, stationdb.CatalogSourceSpec{
				ID: strings.TrimSpace(s.ID), Name: strings.TrimSpace(s.Name), URL: strings.TrimSpace(s.URL), Timeout: t,
			})
		}
		for i, s := range d.StreamingSources {
			t, err := config.ParseDurationField(fmt.Sprintf("defaults.streaming_sources[%d].timeout", i), s.Timeout)
			if err != nil {
				return stationdb.Defaults{}, err
			}
			def.Streaming = append(def.Streaming, stationdb.StreamingSourceSpec{
				ID: strings.TrimSpace(s.ID), Name: strings.TrimSpace(s.Name), Host: strings.TrimSpace(s.Host), Port: s.Port, Timeout: t,
			})
		}
	}
	for i := range def.Catalog {
		if def.Catalog[i].Timeout <= 0 {
			def.Catalog[i].Timeout = catTimeout
		}
	}
	for i := range def.Streaming {
		if def.Streaming[i].Timeout <= 0 {
			def.Streaming[i].Timeout = probeTimeout
		}
	}
	return def, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: strings.TrimSpace(cfg.Scheduler.Timezone)}
}

func mapHTTPConfig(cfg *config.Config) (server.Config, error) {
	h := cfg.HTTP
	out := server.Config{
		Enabled:       h.Enabled,
		Addr:          strings.TrimSpace(h.Addr),
		Prefix:        strings.TrimSpace(h.Prefix),
		Token:         strings.TrimSpace(h.Token),
		AllowInsecure: h.AllowInsecure,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 0); err != nil {
		return server.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationOrDefault("http.write_timeout", h.WriteTimeout, 0); err != nil {
		return server.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("http.idle_timeout", h.IdleTimeout, 0); err != nil {
		return server.Config{}, err
	}
	return out, nil
}
