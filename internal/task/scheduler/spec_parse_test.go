package scheduler

import (
	"testing"
	"time"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		raw    string
		kind   SpecKind
		source string
		every  time.Duration
		spec   string
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron", spec: "*/5 * * * *"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron", spec: "0 0 * * *"},
		{name: "descriptor", raw: "@daily", kind: SpecCron, source: "cron", spec: "@daily"},
		{name: "duration", raw: "10m", kind: SpecInterval, source: "duration", every: 10 * time.Minute, spec: "@every 10m0s"},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", every: 45 * time.Second, spec: "@every 45s"},
		{name: "every prefix hhmm", raw: "every:06:00", kind: SpecInterval, source: "hhmm", every: 6 * time.Hour, spec: "@every 6h0m0s"},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", every: 90 * time.Minute, spec: "@every 1h30m0s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind || got.Source != tt.source {
				t.Fatalf("got kind=%v source=%s, want kind=%v source=%s", got.Kind, got.Source, tt.kind, tt.source)
			}
			if tt.kind == SpecInterval && got.Every != tt.every {
				t.Fatalf("Every = %v, want %v", got.Every, tt.every)
			}
			if got.Spec() != tt.spec {
				t.Fatalf("Spec() = %q, want %q", got.Spec(), tt.spec)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "0s", "-5m", "00:00", "01:75", "cron:", "interval:"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Errorf("ParseSchedule(%q): expected error", raw)
		}
	}
}

func TestIntervalSpreadDelaysFirstRunOnly(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	every := 10 * time.Second
	sched, jitter := intervalWithSpread(every, now, "catalog.refresh")
	if jitter < 0 || jitter >= every {
		t.Fatalf("jitter = %v, want [0, %v)", jitter, every)
	}
	first := sched.Next(now)
	if want := now.Add(every + jitter); !first.Equal(want) {
		t.Fatalf("first = %v, want %v", first, want)
	}
	if second := sched.Next(first); second.Sub(first) != every {
		t.Fatalf("second run %v after first, want %v", second.Sub(first), every)
	}
}

func TestIntervalSpreadIsCapped(t *testing.T) {
	t.Parallel()
	_, jitter := intervalWithSpread(24*time.Hour, time.Now(), "database.autosave")
	if jitter >= maxStartupSpread {
		t.Fatalf("jitter = %v, want < %v", jitter, maxStartupSpread)
	}
}
