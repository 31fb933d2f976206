package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWriterWritesStructuredFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "test"))
	log.Info("probe.done", Int("attempt", 2), Err(errors.New("boom")))

	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &m); err != nil {
		t.Fatalf("decode line: %v (%q)", err, buf.String())
	}
	if m["message"] != "probe.done" {
		t.Fatalf("message = %v", m["message"])
	}
	if m["comp"] != "test" {
		t.Fatalf("comp = %v", m["comp"])
	}
	if m["attempt"] != float64(2) {
		t.Fatalf("attempt = %v", m["attempt"])
	}
	if m["err"] != "boom" {
		t.Fatalf("err = %v", m["err"])
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller = %v", m["caller"])
	}
}

func TestLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level: %q", buf.String())
	}
	if log.Enabled(LevelDebug) {
		t.Fatal("debug should not be enabled")
	}
	log.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("warn missing: %q", buf.String())
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var log Logger
	if !log.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	log.Error("nothing happens")
	if Nop().IsZero() {
		t.Fatal("Nop logger is not the zero value")
	}
}

func TestServiceFileSinkAndReapply(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logs", "stationdb.log")

	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	t.Cleanup(func() { _ = svc.Close() })

	log.Info("first line")
	log.Debug("filtered")

	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	log.Debug("second line")

	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(b)
	if !strings.Contains(out, "first line") || !strings.Contains(out, "second line") {
		t.Fatalf("missing lines: %q", out)
	}
	if strings.Contains(out, "filtered") {
		t.Fatalf("debug line leaked before reapply: %q", out)
	}
}

func TestValidLevel(t *testing.T) {
	t.Parallel()
	for _, s := range []string{"", "info", "WARN", "warning", "trace", "off"} {
		if !ValidLevel(s) {
			t.Fatalf("ValidLevel(%q) = false", s)
		}
	}
	if ValidLevel("loud") {
		t.Fatal("ValidLevel(loud) = true")
	}
}

func TestComponentLevelOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stationdb.log")
	svc, log := New(Config{
		Level:      "warn",
		File:       FileConfig{Enabled: true, Path: path},
		Components: map[string]string{"seedlink": "debug", "storage": "off"},
	})
	t.Cleanup(func() { _ = svc.Close() })

	log.Component("seedlink").Debug("probe detail")
	log.Component("fdsnws").Debug("fetch detail")
	log.Component("storage").Error("silenced")
	if !log.Component("seedlink").Enabled(LevelDebug) || log.Component("fdsnws").Enabled(LevelDebug) {
		t.Fatal("Enabled does not follow component overrides")
	}

	_ = svc.Close()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(b)
	if !strings.Contains(out, "probe detail") || !strings.Contains(out, `"comp":"seedlink"`) {
		t.Fatalf("override did not lower the level: %q", out)
	}
	if strings.Contains(out, "fetch detail") || strings.Contains(out, "silenced") {
		t.Fatalf("unexpected lines: %q", out)
	}
}
