package stationdb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"stationdb/internal/task/fanout"
	logx "stationdb/pkg/logx"
)

// Status texts shown on sources.
const (
	StatusQueued           = "Queued..."
	StatusUpdating         = "Updating..."
	StatusUpdatingDatabase = "Updating database..."
	StatusTimedOut         = "Timed out!"
	StatusError            = "Error!"
	StatusDone             = "Done"
	StatusTimeoutOccurred  = "Timeout occurred"
	StatusUnknownError     = "Unknown error occurred"
	StatusCancelled        = "Cancelled"
	statusNetworkErrorFmt  = "Network error: %s"
	statusExecutionErrFmt  = "Error during execution: %v"
	statusDownloadedFmt    = "%d networks downloaded"
)

// DefaultProbeAttempts is the retry budget of one availability probe.
const DefaultProbeAttempts = 3

// CatalogFetcher downloads the topology published by one catalog source.
type CatalogFetcher interface {
	FetchCatalog(ctx context.Context, src *CatalogSource) ([]DiscoveredNetwork, error)
}

// Prober checks what a streaming source currently serves and records it on db
// (typically through Database.ApplyProbe). It must observe ctx.
type Prober interface {
	Probe(ctx context.Context, src *StreamingSource, db *Database) error
}

type CatalogFetcherFunc func(ctx context.Context, src *CatalogSource) ([]DiscoveredNetwork, error)

func (f CatalogFetcherFunc) FetchCatalog(ctx context.Context, src *CatalogSource) ([]DiscoveredNetwork, error) {
	return f(ctx, src)
}

type ProberFunc func(ctx context.Context, src *StreamingSource, db *Database) error

func (f ProberFunc) Probe(ctx context.Context, src *StreamingSource, db *Database) error {
	return f(ctx, src, db)
}

// Outcome labels reported to the Observer.
const (
	OutcomeOK           = "ok"
	OutcomeTimeout      = "timeout"
	OutcomeProtocol     = "protocol"
	OutcomeConnectivity = "connectivity"
	OutcomePanic        = "panic"
	OutcomeCancelled    = "cancelled"
	OutcomeError        = "error"
)

// Observer receives per-source results (metrics).
type Observer interface {
	ObserveCatalogFetch(source string, networks int, took time.Duration, outcome string)
	ObserveProbeAttempt(source string, attempt int, took time.Duration, outcome string)
}

type nopObserver struct{}

func (nopObserver) ObserveCatalogFetch(string, int, time.Duration, string) {}
func (nopObserver) ObserveProbeAttempt(string, int, time.Duration, string) {}

// Manager owns the orchestration state around one Database: the shared
// updating flag and the update/status listener registries.
//
// Listeners run synchronously on the goroutine that fires them and must return quickly.
type Manager struct {
	db      *Database
	catalog CatalogFetcher
	prober  Prober

	log      logx.Logger
	obs      Observer
	attempts atomic.Int32
	now      func() time.Time

	workers  atomic.Int32
	defaults atomic.Pointer[Defaults]

	updating atomic.Bool
	runs     sync.WaitGroup

	lmu             sync.Mutex
	updateListeners []func()
	statusListeners []func()
}

type ManagerOption func(*Manager)

func WithLogger(log logx.Logger) ManagerOption { return func(m *Manager) { m.log = log } }

func WithObserver(o Observer) ManagerOption {
	return func(m *Manager) {
		if o != nil {
			m.obs = o
		}
	}
}

// WithWorkers bounds how many sources are processed at once (0 = all at once).
func WithWorkers(n int) ManagerOption { return func(m *Manager) { m.workers.Store(int32(max(n, 0))) } }

func WithProbeAttempts(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.attempts.Store(int32(n))
		}
	}
}

func WithDefaults(d Defaults) ManagerOption { return func(m *Manager) { m.defaults.Store(&d) } }

func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func NewManager(db *Database, catalog CatalogFetcher, prober Prober, opts ...ManagerOption) *Manager {
	if db == nil {
		db = New()
	}
	m := &Manager{
		db:      db,
		catalog: catalog,
		prober:  prober,
		log:     logx.Nop(),
		obs:     nopObserver{},
		now:     time.Now,
	}
	m.attempts.Store(DefaultProbeAttempts)
	def := BuiltinDefaults()
	m.defaults.Store(&def)
	for _, o := range opts {
		o(m)
	}
	if m.log.IsZero() {
		m.log = logx.Nop()
	}
	m.log = m.log.Component("manager")
	return m
}

func (m *Manager) Database() *Database { return m.db }

// IsUpdating reports whether a catalog refresh or availability check is running.
func (m *Manager) IsUpdating() bool { return m.updating.Load() }

func (m *Manager) Summary() Summary { return m.db.Summary() }

func (m *Manager) SetWorkers(n int) { m.workers.Store(int32(max(n, 0))) }

func (m *Manager) SetDefaults(d Defaults) { m.defaults.Store(&d) }

// SetProbeAttempts changes the retry budget of later probes; n <= 0 restores the default.
func (m *Manager) SetProbeAttempts(n int) {
	if n <= 0 {
		n = DefaultProbeAttempts
	}
	m.attempts.Store(int32(n))
}

func (m *Manager) Defaults() Defaults { return *m.defaults.Load() }

// AddUpdateListener registers fn for graph and progress changes. Registration is permanent.
func (m *Manager) AddUpdateListener(fn func()) {
	if fn == nil {
		return
	}
	m.lmu.Lock()
	m.updateListeners = append(m.updateListeners, fn)
	m.lmu.Unlock()
}

// AddStatusListener registers fn for updating flag transitions. Registration is permanent.
func (m *Manager) AddStatusListener(fn func()) {
	if fn == nil {
		return
	}
	m.lmu.Lock()
	m.statusListeners = append(m.statusListeners, fn)
	m.lmu.Unlock()
}

func (m *Manager) fireUpdate() { m.fire(&m.updateListeners) }
func (m *Manager) fireStatus() { m.fire(&m.statusListeners) }

func (m *Manager) fire(list *[]func()) {
	m.lmu.Lock()
	ls := append([]func(){}, *list...)
	m.lmu.Unlock()
	for _, fn := range ls {
		if err := fanout.Call(func() error { fn(); return nil }); err != nil {
			m.logPanic("listener panicked", err)
		}
	}
}

func (m *Manager) logPanic(msg string, err error) {
	pe, ok := err.(*fanout.PanicError)
	if !ok {
		return
	}
	m.log.Error(msg, logx.Any("panic", pe.Value), logx.Stack(pe.Stack))
}

// Wait blocks until running orchestrations finished or ctx is done.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ---- Maintainer ----

func (m *Manager) AddCatalogSource(spec CatalogSourceSpec) (*CatalogSource, error) {
	src, err := m.db.AddCatalogSource(spec)
	if err == nil {
		m.fireUpdate()
	}
	return src, err
}

func (m *Manager) AddStreamingSource(spec StreamingSourceSpec) (*StreamingSource, error) {
	src, err := m.db.AddStreamingSource(spec)
	if err == nil {
		m.fireUpdate()
	}
	return src, err
}

func (m *Manager) MergeCatalog(sourceID string, discovered []DiscoveredNetwork) (MergeResult, error) {
	res, err := m.db.MergeCatalog(sourceID, discovered)
	if err == nil {
		m.fireUpdate()
	}
	return res, err
}

func (m *Manager) RemoveStreamingSources(ids []string) int {
	n := m.db.RemoveStreamingSources(ids)
	m.fireUpdate()
	return n
}

func (m *Manager) RemoveCatalogSources(ids []string) int {
	n := m.db.RemoveCatalogSources(ids)
	m.fireUpdate()
	return n
}

// RestoreDefaults replaces every source with the configured defaults.
func (m *Manager) RestoreDefaults() {
	m.db.RestoreDefaults(m.Defaults())
	m.fireUpdate()
}

// ---- orchestration ----

func (m *Manager) resolveCatalog(ids []string) ([]*CatalogSource, error) {
	out := make([]*CatalogSource, 0, len(ids))
	for _, id := range ids {
		src, ok := m.db.CatalogSource(id)
		if !ok {
			return nil, fmt.Errorf("catalog source %s: %w", id, ErrUnknownSource)
		}
		out = append(out, src)
	}
	return out, nil
}

func (m *Manager) resolveStreaming(ids []string) ([]*StreamingSource, error) {
	out := make([]*StreamingSource, 0, len(ids))
	for _, id := range ids {
		src, ok := m.db.StreamingSource(id)
		if !ok {
			return nil, fmt.Errorf("streaming source %s: %w", id, ErrUnknownSource)
		}
		out = append(out, src)
	}
	return out, nil
}

func (m *Manager) begin() error {
	if !m.updating.CompareAndSwap(false, true) {
		return ErrUpdating
	}
	m.fireStatus()
	return nil
}

// finish always clears the flag, even when the run panicked. Panics from
// listeners and onComplete are logged, never propagated.
func (m *Manager) finish(op string, started time.Time, onComplete func()) {
	if r := recover(); r != nil {
		m.log.Error("orchestration panicked", logx.String("op", op), logx.Any("panic", r))
	}
	m.updating.Store(false)
	m.fireStatus()
	m.log.Debug("orchestration finished", logx.String("op", op), logx.Duration("took", time.Since(started)))
	if onComplete != nil {
		if err := fanout.Call(func() error { onComplete(); return nil }); err != nil {
			m.logPanic("completion callback panicked", err)
		}
	}
}

func (m *Manager) fanoutPanic(op string) fanout.Option {
	return fanout.WithPanicHandler(func(i int, err *fanout.PanicError) {
		m.log.Error("source task panicked", logx.String("op", op), logx.Int("index", i), logx.Any("panic", err.Value), logx.Stack(err.Stack))
	})
}

// RefreshCatalogs downloads the given catalog sources concurrently and merges
// the results. It returns immediately; onComplete runs once every source reached
// a terminal status. Returns ErrUpdating if another refresh is running.
func (m *Manager) RefreshCatalogs(ctx context.Context, ids []string, onComplete func()) error {
	srcs, err := m.resolveCatalog(ids)
	if err != nil {
		return err
	}
	if err := m.begin(); err != nil {
		return err
	}
	for _, s := range srcs {
		s.setStatus(0, StatusQueued)
	}
	m.log.Info("catalog refresh started", logx.Int("sources", len(srcs)))

	m.runs.Add(1)
	go func() {
		defer m.runs.Done()
		defer m.finish("catalog.refresh", time.Now(), onComplete)

		// Coarse monitor for (text, percent) writes of this run.
		var statusMu sync.Mutex
		fanout.Run(ctx, int(m.workers.Load()), len(srcs), func(ctx context.Context, i int) {
			m.refreshCatalog(ctx, srcs[i], &statusMu)
		}, m.fanoutPanic("catalog.refresh"), fanout.WithSkipHandler(func(i int) {
			m.skipCatalog(srcs[i], &statusMu)
		}))
	}()
	return nil
}

func (m *Manager) refreshCatalog(ctx context.Context, src *CatalogSource, statusMu *sync.Mutex) {
	defer m.fireUpdate()
	log := m.log.With(logx.String("source", src.Name), logx.String("source_id", src.ID))
	set := func(percent int, text string) {
		statusMu.Lock()
		src.setStatus(percent, text)
		statusMu.Unlock()
	}

	set(0, StatusUpdating)
	start := time.Now()

	var nets []DiscoveredNetwork
	err := fanout.Call(func() error {
		var ferr error
		nets, ferr = m.catalog.FetchCatalog(ctx, src)
		return ferr
	})
	var res MergeResult
	if err == nil {
		set(0, StatusUpdatingDatabase)
		res, err = m.db.MergeCatalog(src.ID, nets)
	}
	took := time.Since(start)

	if err != nil {
		outcome := OutcomeError
		text := StatusError
		if IsTimeout(err) {
			outcome, text = OutcomeTimeout, StatusTimedOut
		} else if msg, ok := AsProtocol(err); ok {
			outcome, text = OutcomeProtocol, msg
		} else if _, ok := err.(*fanout.PanicError); ok {
			outcome = OutcomePanic
		}
		set(0, text)
		m.obs.ObserveCatalogFetch(src.ID, 0, took, outcome)
		log.Warn("catalog.fetch.failed", logx.String("outcome", outcome), logx.Duration("took", took), logx.Err(err))
		return
	}

	statusMu.Lock()
	src.setStatus(100, fmt.Sprintf(statusDownloadedFmt, len(nets)))
	src.setLastUpdate(m.now())
	statusMu.Unlock()

	m.obs.ObserveCatalogFetch(src.ID, len(nets), took, OutcomeOK)
	log.Info("catalog.fetch.done",
		logx.Int("networks", len(nets)),
		logx.Int("channels_added", res.ChannelsAdded),
		logx.Int("channels_updated", res.ChannelsUpdated),
		logx.Duration("took", took),
	)
}

// skipCatalog ends a source that never started because the run was cancelled.
func (m *Manager) skipCatalog(src *CatalogSource, statusMu *sync.Mutex) {
	statusMu.Lock()
	src.setStatus(0, StatusError)
	statusMu.Unlock()
	m.obs.ObserveCatalogFetch(src.ID, 0, 0, OutcomeCancelled)
	m.log.Warn("catalog.fetch.skipped", logx.String("source", src.Name), logx.String("source_id", src.ID))
	m.fireUpdate()
}

func (m *Manager) skipProbe(src *StreamingSource, statusMu *sync.Mutex) {
	statusMu.Lock()
	src.setStatus(StateError, 0, StatusCancelled)
	statusMu.Unlock()
	m.obs.ObserveProbeAttempt(src.ID, 0, 0, OutcomeCancelled)
	m.log.Warn("probe.skipped", logx.String("source", src.Name), logx.String("source_id", src.ID))
	m.fireUpdate()
}

// RefreshAvailability probes the given streaming sources concurrently. Each
// source gets up to the configured number of sequential attempts, each bounded
// by the source timeout. It returns immediately; onComplete runs at the end.
func (m *Manager) RefreshAvailability(ctx context.Context, ids []string, onComplete func()) error {
	srcs, err := m.resolveStreaming(ids)
	if err != nil {
		return err
	}
	if err := m.begin(); err != nil {
		return err
	}
	for _, s := range srcs {
		s.setStatus(StateIdle, 0, StatusQueued)
	}
	m.log.Info("availability check started", logx.Int("sources", len(srcs)))

	m.runs.Add(1)
	go func() {
		defer m.runs.Done()
		defer m.finish("availability.check", time.Now(), onComplete)

		var statusMu sync.Mutex
		fanout.Run(ctx, int(m.workers.Load()), len(srcs), func(ctx context.Context, i int) {
			m.probeSource(ctx, srcs[i], &statusMu)
		}, m.fanoutPanic("availability.check"), fanout.WithSkipHandler(func(i int) {
			m.skipProbe(srcs[i], &statusMu)
		}))
	}()
	return nil
}

func (m *Manager) probeSource(ctx context.Context, src *StreamingSource, statusMu *sync.Mutex) {
	attempts := int(m.attempts.Load())
	for attempt := 1; attempt <= attempts; attempt++ {
		ok, stop := m.probeAttempt(ctx, src, attempt, statusMu)
		m.fireUpdate()
		if ok || stop {
			return
		}
	}
	m.log.Warn("probe.gave_up", logx.String("source", src.Name), logx.Int("attempts", attempts), logx.String("status", src.Status().Text))
}

// probeAttempt runs the prober on its own goroutine so a hung probe cannot
// outlive the attempt deadline. A late result lands in the buffered channel and is dropped.
func (m *Manager) probeAttempt(ctx context.Context, src *StreamingSource, attempt int, statusMu *sync.Mutex) (ok, stop bool) {
	log := m.log.With(logx.String("source", src.Name), logx.String("source_id", src.ID), logx.Int("attempt", attempt))
	set := func(state State, percent int, text string) {
		statusMu.Lock()
		src.setStatus(state, percent, text)
		statusMu.Unlock()
	}

	set(StateRunning, 0, StatusUpdating)
	start := time.Now()

	actx, cancel := context.WithTimeout(ctx, src.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fanout.Call(func() error { return m.prober.Probe(actx, src, m.db) })
	}()

	var err error
	select {
	case err = <-done:
	case <-actx.Done():
		err = actx.Err()
	}
	took := time.Since(start)

	outcome := OutcomeOK
	switch {
	case err == nil:
		set(StateDone, 100, StatusDone)
		m.obs.ObserveProbeAttempt(src.ID, attempt, took, outcome)
		log.Debug("probe.done", logx.Duration("took", took))
		return true, false
	case ctx.Err() != nil:
		outcome = OutcomeCancelled
		set(StateError, 0, StatusCancelled)
		stop = true
	case errors.Is(actx.Err(), context.DeadlineExceeded), IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		outcome = OutcomeTimeout
		set(StateError, 0, StatusTimeoutOccurred)
		log.Warn("probe.attempt.timeout", logx.Duration("timeout", src.Timeout))
	case isPanic(err):
		outcome = OutcomePanic
		set(StateError, 0, fmt.Sprintf(statusExecutionErrFmt, err.(*fanout.PanicError).Value))
		log.Error("probe.attempt.panic", logx.Err(err), logx.Stack(err.(*fanout.PanicError).Stack))
	case IsConnectivity(err):
		outcome = OutcomeConnectivity
		set(StateError, 0, fmt.Sprintf(statusNetworkErrorFmt, err.Error()))
		log.Warn("probe.attempt.network_error", logx.Err(err))
	default:
		outcome = OutcomeError
		set(StateError, 0, StatusUnknownError)
		log.Warn("probe.attempt.failed", logx.Err(err))
	}
	m.obs.ObserveProbeAttempt(src.ID, attempt, took, outcome)
	return false, stop
}

func isPanic(err error) bool {
	_, ok := err.(*fanout.PanicError)
	return ok
}
