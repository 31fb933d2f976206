package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./data
catalog:
  timeout: 45s
  requests_per_sec: 2
probe:
  attempts: 3
  default_timeout: 15s
scheduler:
  enabled: true
  timezone: UTC
  catalog_refresh: "@every 24h"
  availability_check: "30m"
  autosave: "*/5 * * * *"
http:
  enabled: true
  addr: 127.0.0.1:0
defaults:
  catalog_sources:
    - name: Local FDSN
      url: http://localhost:8080/fdsnws/station/1/
  streaming_sources:
    - name: Local SeedLink
      host: localhost
      port: 18000
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Catalog.RequestsPerSec != 2 || cfg.Probe.Attempts != 3 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Defaults == nil || len(cfg.Defaults.StreamingSources) != 1 || cfg.Defaults.StreamingSources[0].Port != 18000 {
		t.Fatalf("defaults not decoded: %+v", cfg.Defaults)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	if _, err := Decode("c.json", []byte(`{"logging":{"level":"info"},"telegram":{}}`)); err == nil {
		t.Fatal("expected unknown field error")
	}
	if _, err := Decode("c.json", []byte(`{"logging":{}} {"logging":{}}`)); err == nil {
		t.Fatal("expected trailing data error")
	}
}

func TestDecodeYAMLDuplicatesAndAliases(t *testing.T) {
	t.Parallel()
	_, err := Decode("c.yml", []byte("logging:\n  level: info\n  level: debug\n"))
	if err == nil || !strings.Contains(err.Error(), "line 3") {
		t.Fatalf("err = %v, want duplicate key on line 3", err)
	}

	cfg, err := Decode("c.yaml", []byte("catalog:\n  timeout: &t 30s\nprobe:\n  default_timeout: *t\n"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Probe.DefaultTimeout != "30s" {
		t.Fatalf("alias not resolved: %+v", cfg.Probe)
	}

	if cfg, err := Decode("empty.yaml", nil); err != nil || cfg.Storage.Driver != "" {
		t.Fatalf("empty document = %+v, %v", cfg, err)
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Logging: LoggingConfig{Level: "loud"},
		Storage: StorageConfig{Driver: "postgres"},
		Probe:   ProbeConfig{DefaultTimeout: "soon"},
		Defaults: &DefaultsConfig{
			StreamingSources: []StreamingSourceConfig{{Name: "x", Host: "h", Port: 70000}},
		},
	}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"logging.level", "storage.driver", "probe.default_timeout", "defaults.streaming_sources[0].port"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 7 * time.Second, false},
		{"0s", 7 * time.Second, false},
		{"2m", 2 * time.Minute, false},
		{"2d", 48 * time.Hour, false},
		{"1.5d", 0, true},
		{"-1s", 0, true},
		{"-1d", 0, true},
		{"abc", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseDurationOrDefault("x", tc.raw, 7*time.Second)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Errorf("ParseDurationOrDefault(%q) = %v, %v", tc.raw, got, err)
		}
	}
}

func TestSummarizeConfigChangeHidesToken(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{HTTP: HTTPConfig{Enabled: true, Token: "a"}}
	newCfg := &Config{HTTP: HTTPConfig{Enabled: true, Token: "b"}, Probe: ProbeConfig{Attempts: 5}}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "http,probe" {
		t.Fatalf("changed = %v", changed)
	}
	if len(attrs) == 0 {
		t.Fatal("expected log fields")
	}
	if c, _ := SummarizeConfigChange(newCfg, newCfg); len(c) != 0 {
		t.Fatalf("identical configs reported changes: %v", c)
	}
}

func TestReloadSkipsUnchangedAndRejected(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "stationdb.yaml")
	write := func(body string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write("probe:\n  attempts: 3\n")
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(0)
	defer m.Unsubscribe(sub)

	// Formatting-only edits are not changes.
	write("# comment\nprobe: {attempts: 3}\n")
	if _, err := m.Reload(context.Background()); !errors.Is(err, ErrUnchanged) {
		t.Fatalf("err = %v, want ErrUnchanged", err)
	}

	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		if cfg.Probe.Attempts > 10 {
			return errors.New("too many attempts")
		}
		return nil
	})
	write("probe:\n  attempts: 50\n")
	if _, err := m.Reload(context.Background()); err == nil {
		t.Fatal("validator did not reject")
	}
	if m.Get().Probe.Attempts != 3 {
		t.Fatal("rejected config was committed")
	}

	write("probe:\n  attempts: 4\n")
	if _, err := m.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if cfg := <-sub; cfg.Probe.Attempts != 4 {
		t.Fatalf("published attempts = %d", cfg.Probe.Attempts)
	}
}

func TestWatchPublishesChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stationdb.json")
	if err := os.WriteFile(path, []byte(`{"probe":{"attempts":3}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte(`{"probe":{"attempts":5}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-sub:
		if cfg.Probe.Attempts != 5 {
			t.Fatalf("attempts = %d, want 5", cfg.Probe.Attempts)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}
	if m.Get().Probe.Attempts != 5 {
		t.Fatal("reload not committed")
	}
}
