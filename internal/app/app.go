// Package app wires configuration, persistence, fetchers, orchestration,
// scheduling and the status server into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"stationdb/internal/config"
	"stationdb/internal/eventbus"
	"stationdb/internal/fetch/fdsnws"
	"stationdb/internal/fetch/seedlink"
	"stationdb/internal/observability/metrics"
	"stationdb/internal/observability/server"
	"stationdb/internal/runtime/supervisor"
	"stationdb/internal/stationdb"
	"stationdb/internal/storage"
	"stationdb/internal/task/scheduler"
	logx "stationdb/pkg/logx"
)

const (
	loadTimeout = 30 * time.Second
	saveTimeout = 30 * time.Second
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	gw      *storage.Gateway
	catalog *fdsnws.Client
	mgr     *stationdb.Manager
	reg     *prometheus.Registry
	met     *metrics.Metrics
	sched   *scheduler.Service
	http    *server.Service

	// storageErr is set when the configured backend could not be opened.
	storageErr error
	lastFatal  atomic.Pointer[error]
}

type Option func(*options)

type options struct {
	catalog stationdb.CatalogFetcher
	prober  stationdb.Prober
}

// WithCatalogFetcher replaces the FDSN client.
func WithCatalogFetcher(f stationdb.CatalogFetcher) Option { return func(o *options) { o.catalog = f } }

// WithProber replaces the SeedLink prober.
func WithProber(p stationdb.Prober) Option { return func(o *options) { o.prober = p } }

func NewApp(cfgPath string, opts ...Option) (_ *App, err error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log.Component("app"),
		logs:    logSvc,
		bus:     eventbus.New(),
		reg:     prometheus.NewRegistry(),
	}

	defaults, err := mapDefaults(cfg)
	if err != nil {
		return nil, err
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	backend, err := storage.Open(sc, log)
	if err != nil {
		if !stationdb.IsFatalIO(err) {
			return nil, err
		}
		// Keep running without persistence; /healthz reports it.
		a.storageErr = err
		a.reportFatal(err)
		backend = storage.NewMemory()
	}
	defer func() {
		if err != nil {
			_ = backend.Close()
			_ = logSvc.Close()
		}
	}()
	a.gw = storage.NewGateway(backend,
		storage.WithLogger(log),
		storage.WithDefaults(defaults),
		storage.WithErrorHandler(a.reportFatal),
	)
	loadCtx, cancel := context.WithTimeout(context.Background(), loadTimeout)
	db, err := a.gw.Load(loadCtx)
	cancel()
	if err != nil {
		return nil, err
	}

	catCfg, err := mapCatalogConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.catalog = fdsnws.New(catCfg, fdsnws.WithLogger(log))
	catalog := o.catalog
	if catalog == nil {
		catalog = a.catalog
	}
	prober := o.prober
	if prober == nil {
		prober = seedlink.New(seedlink.WithLogger(log))
	}

	a.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "stationdb_events_dropped_total",
			Help: "Event deliveries lost to slow subscribers.",
		}, func() float64 { return float64(a.bus.Dropped()) }),
	)
	a.met = metrics.New(a.reg)
	a.mgr = stationdb.NewManager(db, catalog, prober,
		stationdb.WithLogger(log),
		stationdb.WithObserver(a.met),
		stationdb.WithWorkers(cfg.Orchestrator.Workers),
		stationdb.WithProbeAttempts(cfg.Probe.Attempts),
		stationdb.WithDefaults(defaults),
	)
	if err := metrics.RegisterState(a.reg, a.mgr); err != nil {
		return nil, err
	}
	a.mgr.AddUpdateListener(func() { a.bus.Publish(eventbus.Event{Type: eventbus.EventUpdate}) })
	a.mgr.AddStatusListener(func() { a.bus.Publish(eventbus.Event{Type: eventbus.EventStatus}) })

	a.sched = scheduler.New(mapSchedulerConfig(cfg), log)
	if err := a.sched.Set(a.jobs(cfg)); err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}

	httpCfg, err := mapHTTPConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.http = server.New(httpCfg, server.Sources{
		Gatherer: a.reg,
		Summary:  func() any { return a.Summary() },
		Health:   a.health,
		Refresh:  a.Refresh,
	}, log)

	return a, nil
}

// Manager exposes the orchestration layer.
func (a *App) Manager() *stationdb.Manager { return a.mgr }

// Bus exposes the event bus.
func (a *App) Bus() eventbus.Bus { return a.bus }

// Done is closed when the app context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error of a supervised goroutine.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.logs.Logger().Component("config"))
	a.cfgm.SetValidator(a.validate)

	a.sched.Start(a.sup.Context())
	a.http.Start(a.sup.Context())

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
	a.sup.Go("config.watch", a.cfgm.Watch)

	st := a.mgr.Database().Stats()
	a.log.Info("app started",
		logx.Int("networks", st.Networks),
		logx.Int("catalog_sources", st.CatalogSources),
		logx.Int("streaming_sources", st.StreamingSources),
	)
	return nil
}

// ReloadConfig re-reads the config file immediately.
func (a *App) ReloadConfig(ctx context.Context) error {
	_, err := a.cfgm.Reload(ctx)
	if errors.Is(err, config.ErrUnchanged) {
		a.log.Info("config unchanged")
		return nil
	}
	return err
}

// RefreshAll downloads every catalog source, then probes every streaming source.
func (a *App) RefreshAll(ctx context.Context) error {
	if err := a.refreshCatalogs(ctx); err != nil {
		return err
	}
	return a.checkAvailability(ctx)
}

// RefreshInBackground runs RefreshAll under the app supervisor.
func (a *App) RefreshInBackground() {
	a.goBackground("startup.refresh", a.RefreshAll)
}

func (a *App) validate(ctx context.Context, cfg *config.Config) error {
	if _, err := mapDefaults(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	if _, err := mapCatalogConfig(cfg); err != nil {
		return err
	}
	// Set only validates on a scheduler that never starts.
	return scheduler.New(scheduler.Config{}, logx.Nop()).Set(a.jobs(cfg))
}

func (a *App) reportFatal(err error) {
	var fe *stationdb.FatalIOError
	ev := eventbus.FatalIO{Op: "io", Err: err.Error()}
	if errors.As(err, &fe) {
		ev.Op = fe.Op
	}
	a.log.Error("persistence failure", logx.String("op", ev.Op), logx.Err(err))
	a.lastFatal.Store(&err)
	a.bus.Publish(eventbus.Event{Type: eventbus.EventFatalIO, Data: ev})
}

func (a *App) save(ctx context.Context) error {
	if err := a.gw.Save(ctx, a.mgr.Database()); err != nil {
		a.reportFatal(err)
		return err
	}
	a.lastFatal.Store(nil)
	return nil
}

func (a *App) health() error {
	if a.storageErr != nil {
		return fmt.Errorf("persistence disabled: %w", a.storageErr)
	}
	if p := a.lastFatal.Load(); p != nil {
		return *p
	}
	return nil
}

// Stop shuts everything down in order and saves the database a final time.
// It is safe to call on an app that was never started.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.sup != nil {
		a.sup.Cancel()
	}

	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "http", time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	a.step(ctx, "orchestration", 5*time.Second, a.mgr.Wait)
	a.step(ctx, "save", 5*time.Second, a.save)
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.gw.Close() })
	if a.sup != nil {
		a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	}

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs fn bounded by max and the caller's deadline. A step that
// overruns is abandoned and logged when it eventually finishes.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	if max <= 0 {
		a.log.Warn("stop step skipped: no time left", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
	}
}
