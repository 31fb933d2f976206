package config

type Config struct {
	Logging      LoggingConfig      `json:"logging"`
	Storage      StorageConfig      `json:"storage"`
	Catalog      CatalogConfig      `json:"catalog"`
	Probe        ProbeConfig        `json:"probe"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Scheduler    SchedulerConfig    `json:"scheduler"`
	HTTP         HTTPConfig         `json:"http,omitempty"`

	// Defaults overrides the built-in source set when present.
	Defaults *DefaultsConfig `json:"defaults,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"` // console emits JSON lines
	File    LoggingFile `json:"file"`
	// Components overrides the level per component, e.g. {"seedlink": "debug"}.
	Components map[string]string `json:"components,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls where the station database is persisted.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data" }
type StorageConfig struct {
	Driver      string `json:"driver"`                 // file (default), sqlite, bolt, memory
	Path        string `json:"path"`                   // data directory
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// CatalogConfig controls FDSN station web service downloads.
type CatalogConfig struct {
	// Timeout is used for catalog sources that do not carry their own.
	Timeout        string  `json:"timeout,omitempty"`
	RequestsPerSec float64 `json:"requests_per_sec,omitempty"` // per host; 0 = unlimited
	UserAgent      string  `json:"user_agent,omitempty"`
}

// ProbeConfig controls SeedLink availability probes.
type ProbeConfig struct {
	Attempts       int    `json:"attempts,omitempty"`        // default 3
	DefaultTimeout string `json:"default_timeout,omitempty"` // default 20s
}

type OrchestratorConfig struct {
	// Workers bounds concurrent sources per run; 0 runs every source at once.
	Workers int `json:"workers,omitempty"`
}

// SchedulerConfig controls periodic jobs.
//
// Schedules accept cron expressions (seconds optional), descriptors such as
// "@every 1h", plain Go durations ("6h") or daily "HH:MM". Empty disables the job.
type SchedulerConfig struct {
	Enabled           bool   `json:"enabled"`
	Timezone          string `json:"timezone,omitempty"`
	CatalogRefresh    string `json:"catalog_refresh,omitempty"`
	AvailabilityCheck string `json:"availability_check,omitempty"`
	Autosave          string `json:"autosave,omitempty"`
}

// HTTPConfig controls the status HTTP server (/healthz, /metrics, /summary, pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8080").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:8080"
	Prefix        string `json:"prefix,omitempty"` // pprof prefix, default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type DefaultsConfig struct {
	CatalogSources   []CatalogSourceConfig   `json:"catalog_sources"`
	StreamingSources []StreamingSourceConfig `json:"streaming_sources"`
}

type CatalogSourceConfig struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name"`
	URL     string `json:"url"`
	Timeout string `json:"timeout,omitempty"`
}

type StreamingSourceConfig struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name"`
	Host    string `json:"host"`
	Port    int    `json:"port,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}
