package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "stationdb/pkg/logx"
)

type Config struct {
	Enabled  bool
	Timezone string // IANA name, empty means Local
}

// Job is one named periodic task. Run receives a context cancelled on Stop
// and bounded by Timeout when set.
type Job struct {
	Name     string
	Schedule string
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

type ScheduleInfo struct {
	Name   string
	Spec   string
	Spread time.Duration
	Next   time.Time
	Prev   time.Time
}

type def struct {
	job    Job
	spec   ParsedSpec
	entry  cron.EntryID
	spread time.Duration
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	defs   []def

	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log.Component("scheduler"),
		// SecondOptional accepts both 5 and 6 field expressions.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Set replaces the registered jobs. Nothing changes when any job is invalid.
func (s *Service) Set(jobs []Job) error {
	defs := make([]def, 0, len(jobs))
	seen := map[string]bool{}
	var errs []error
	for _, j := range jobs {
		name := strings.TrimSpace(j.Name)
		switch {
		case name == "":
			errs = append(errs, errors.New("job name required"))
			continue
		case seen[name]:
			errs = append(errs, fmt.Errorf("%s: duplicate job", name))
			continue
		case j.Run == nil:
			errs = append(errs, fmt.Errorf("%s: run func required", name))
			continue
		}
		seen[name] = true
		ps, err := ParseSchedule(j.Schedule)
		if err == nil && ps.Kind == SpecCron {
			_, err = s.parser.Parse(ps.Cron)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		j.Name = name
		defs = append(defs, def{job: j, spec: ps})
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		for _, d := range s.defs {
			s.c.Remove(d.entry)
		}
	}
	s.defs = defs
	if s.c != nil {
		s.registerLocked()
	}
	return nil
}

// Start begins triggering. A disabled scheduler remembers ctx so a later
// Apply can enable it.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parent = ctx
	if s.c != nil || !s.cfg.Enabled {
		if !s.cfg.Enabled {
			s.log.Info("scheduler disabled")
		}
		return
	}
	s.startLocked()
}

func (s *Service) startLocked() {
	parent := s.parent
	if parent == nil {
		parent = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(parent)
	s.loc = s.loadLocationLocked()
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	s.registerLocked()
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.defs)))
}

// Stop cancels running jobs and waits for them until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	start := time.Now()
	cancel()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out; jobs still running")
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// Apply switches the scheduler on or off and restarts it when the timezone changes.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	running := s.c != nil
	started := s.parent != nil
	tzChanged := strings.TrimSpace(old.Timezone) != strings.TrimSpace(cfg.Timezone)
	s.mu.Unlock()

	switch {
	case running && !cfg.Enabled:
		s.Stop(context.Background())
	case running && tzChanged:
		s.Stop(context.Background())
		s.mu.Lock()
		s.startLocked()
		s.mu.Unlock()
	case !running && cfg.Enabled && started:
		s.mu.Lock()
		if s.c == nil {
			s.startLocked()
		}
		s.mu.Unlock()
	}
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c != nil
}

// Schedules lists registered jobs with their next and previous activation.
func (s *Service) Schedules() []ScheduleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleInfo, 0, len(s.defs))
	for _, d := range s.defs {
		info := ScheduleInfo{Name: d.job.Name, Spec: d.spec.Spec(), Spread: d.spread}
		if s.c != nil && d.entry != 0 {
			e := s.c.Entry(d.entry)
			info.Next, info.Prev = e.Next, e.Prev
		}
		out = append(out, info)
	}
	return out
}

// registerLocked adds every def to the running cron. Call with s.mu held.
func (s *Service) registerLocked() {
	now := time.Now().In(s.loc)
	for i := range s.defs {
		d := &s.defs[i]
		job := s.wrap(d.job)
		if d.spec.Kind == SpecInterval {
			sched, jitter := intervalWithSpread(d.spec.Every, now, d.job.Name)
			d.spread = jitter
			d.entry = s.c.Schedule(sched, job)
		} else {
			id, err := s.c.AddJob(d.spec.Cron, job)
			if err != nil {
				s.log.Error("schedule register failed", logx.String("job", d.job.Name), logx.Err(err))
				continue
			}
			d.spread, d.entry = 0, id
		}
		fields := []logx.Field{logx.String("job", d.job.Name), logx.String("spec", d.spec.Spec())}
		if d.spread > 0 {
			fields = append(fields, logx.Duration("spread", d.spread))
		}
		s.log.Debug("schedule registered", fields...)
	}
}

func (s *Service) wrap(j Job) cron.Job {
	ctx := s.ctx
	log := s.log.With(logx.String("job", j.Name))
	return cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		runCtx := ctx
		if j.Timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, j.Timeout)
			defer cancel()
		}
		start := time.Now()
		if err := j.Run(runCtx); err != nil {
			log.Warn("job failed", logx.Err(err), logx.Duration("took", time.Since(start)))
			return
		}
		log.Debug("job done", logx.Duration("took", time.Since(start)))
	})
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// cronLogger routes robfig/cron diagnostics into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Trace("cron "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
