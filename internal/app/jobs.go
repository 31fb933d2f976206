package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"stationdb/internal/config"
	"stationdb/internal/eventbus"
	"stationdb/internal/stationdb"
	"stationdb/internal/task/scheduler"
	logx "stationdb/pkg/logx"
)

const (
	jobCatalogRefresh    = "catalog.refresh"
	jobAvailabilityCheck = "availability.check"
	jobAutosave          = "database.autosave"
)

// jobs maps the scheduler section onto jobs. Empty schedules are skipped.
func (a *App) jobs(cfg *config.Config) []scheduler.Job {
	sc := cfg.Scheduler
	var out []scheduler.Job
	add := func(name, spec string, timeout time.Duration, run func(context.Context) error) {
		if strings.TrimSpace(spec) == "" {
			return
		}
		out = append(out, scheduler.Job{Name: name, Schedule: spec, Timeout: timeout, Run: run})
	}
	add(jobCatalogRefresh, sc.CatalogRefresh, 30*time.Minute, a.skipBusy(a.refreshCatalogs))
	add(jobAvailabilityCheck, sc.AvailabilityCheck, 15*time.Minute, a.skipBusy(a.checkAvailability))
	add(jobAutosave, sc.Autosave, saveTimeout, a.save)
	return out
}

// skipBusy turns ErrUpdating into a logged skip.
func (a *App) skipBusy(fn func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, stationdb.ErrUpdating) {
			a.log.Info("run skipped: update in progress")
			return nil
		}
		return err
	}
}

func (a *App) refreshCatalogs(ctx context.Context) error {
	wait, err := a.launchCatalogs(ctx)
	if err != nil {
		return err
	}
	return wait(ctx)
}

func (a *App) checkAvailability(ctx context.Context) error {
	wait, err := a.launchAvailability(ctx)
	if err != nil {
		return err
	}
	return wait(ctx)
}

func (a *App) launchCatalogs(ctx context.Context) (func(context.Context) error, error) {
	ids := sourceIDs(a.mgr.Database().CatalogSources(), func(s *stationdb.CatalogSource) string { return s.ID })
	return a.launch("catalog", func(done func()) error { return a.mgr.RefreshCatalogs(ctx, ids, done) })
}

func (a *App) launchAvailability(ctx context.Context) (func(context.Context) error, error) {
	ids := sourceIDs(a.mgr.Database().StreamingSources(), func(s *stationdb.StreamingSource) string { return s.ID })
	return a.launch("availability", func(done func()) error { return a.mgr.RefreshAvailability(ctx, ids, done) })
}

// launch starts an orchestration run. The returned wait blocks until the run
// completed, then publishes RunDone and saves the database.
func (a *App) launch(kind string, start func(done func()) error) (func(context.Context) error, error) {
	started := time.Now()
	done := make(chan struct{})
	if err := start(func() { close(done) }); err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		select {
		case <-done:
		case <-ctx.Done():
			// Workers observe the run context; the flag clears shortly.
			<-done
			return ctx.Err()
		}
		a.afterRun(kind, time.Since(started))
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
		defer cancel()
		return a.save(saveCtx)
	}, nil
}

func (a *App) afterRun(kind string, took time.Duration) {
	a.bus.Publish(eventbus.Event{Type: eventbus.EventRunDone, Data: eventbus.RunDone{Kind: kind, Took: took}})
	sum := a.mgr.Summary()
	st := a.mgr.Database().Stats()
	a.log.Info("run done",
		logx.String("kind", kind),
		logx.Duration("took", took),
		logx.Int("networks", st.Networks),
		logx.Int("stations", st.Stations),
		logx.Int("selected", sum.TotalSelectedStations),
	)
}

// Refresh starts a run of kind in the background ("catalog", "availability"
// or "all"). stationdb.ErrUpdating is returned synchronously.
func (a *App) Refresh(kind string) error {
	ctx := context.Background()
	if a.sup != nil {
		ctx = a.sup.Context()
	}
	var (
		wait func(context.Context) error
		err  error
	)
	switch kind {
	case "catalog", "all":
		wait, err = a.launchCatalogs(ctx)
	case "availability":
		wait, err = a.launchAvailability(ctx)
	default:
		return fmt.Errorf("unknown refresh kind %q", kind)
	}
	if err != nil {
		return err
	}
	a.goBackground("refresh."+kind, func(ctx context.Context) error {
		if err := wait(ctx); err != nil || kind != "all" {
			return err
		}
		return a.skipBusy(a.checkAvailability)(ctx)
	})
	return nil
}

// goBackground runs fn under the supervisor without failing the app.
func (a *App) goBackground(name string, fn func(context.Context) error) {
	run := func(ctx context.Context) {
		if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("background run failed", logx.String("name", name), logx.Err(err))
		}
	}
	if a.sup == nil {
		go run(context.Background())
		return
	}
	a.sup.Go0(name, run)
}

func sourceIDs[T any](srcs []T, id func(T) string) []string {
	out := make([]string, 0, len(srcs))
	for _, s := range srcs {
		out = append(out, id(s))
	}
	return out
}
