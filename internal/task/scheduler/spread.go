package scheduler

import (
	"math/rand/v2"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zeebo/xxh3"
)

const maxStartupSpread = 30 * time.Second

// spreadSchedule overrides the first activation of an interval schedule.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

// intervalWithSpread delays the first run by a random jitter below
// min(every, maxStartupSpread) so jobs registered together do not fire together.
func intervalWithSpread(every time.Duration, now time.Time, tag string) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	spread := min(every, maxStartupSpread)
	if spread <= 0 {
		return base, 0
	}
	rng := rand.New(rand.NewPCG(uint64(now.UnixNano()), xxh3.HashString(tag)))
	jitter := time.Duration(rng.Int64N(int64(spread)))
	return &spreadSchedule{base: base, first: now.Add(every + jitter)}, jitter
}
