package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"stationdb/internal/stationdb"
	logx "stationdb/pkg/logx"
)

// Gateway loads and saves a stationdb.Database through a Backend.
type Gateway struct {
	backend Backend
	log     logx.Logger
	onError func(error)
	dbOpts  []stationdb.Option

	defMu    sync.RWMutex
	defaults stationdb.Defaults

	saveMu sync.Mutex
}

type GatewayOption func(*Gateway)

func WithLogger(log logx.Logger) GatewayOption { return func(g *Gateway) { g.log = log } }

// WithErrorHandler receives fatal I/O errors that Load recovers from.
func WithErrorHandler(fn func(error)) GatewayOption { return func(g *Gateway) { g.onError = fn } }

// WithDefaults sets the sources of a fresh database.
func WithDefaults(def stationdb.Defaults) GatewayOption {
	return func(g *Gateway) { g.defaults = def }
}

func WithDatabaseOptions(opts ...stationdb.Option) GatewayOption {
	return func(g *Gateway) { g.dbOpts = append(g.dbOpts, opts...) }
}

func NewGateway(backend Backend, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		backend:  backend,
		log:      logx.Nop(),
		defaults: stationdb.BuiltinDefaults(),
	}
	for _, o := range opts {
		o(g)
	}
	if g.log.IsZero() {
		g.log = logx.Nop()
	}
	g.log = g.log.Component("storage")
	return g
}

func (g *Gateway) SetDefaults(def stationdb.Defaults) {
	g.defMu.Lock()
	g.defaults = def
	g.defMu.Unlock()
}

func (g *Gateway) fresh() *stationdb.Database {
	g.defMu.RLock()
	def := g.defaults
	g.defMu.RUnlock()
	return stationdb.NewWithDefaults(def, g.dbOpts...)
}

// Load reads the persisted database.
//
// A missing snapshot yields a fresh database with the default sources. An
// unreadable or inconsistent snapshot is reported as *stationdb.FatalIOError to
// the error handler and replaced by a fresh database as well.
func (g *Gateway) Load(ctx context.Context) (*stationdb.Database, error) {
	start := time.Now()
	b, err := g.backend.ReadSnapshot(ctx)
	if errors.Is(err, ErrNotFound) {
		g.log.Info("no stored database, starting with defaults")
		return g.fresh(), nil
	}
	if err == nil {
		var snap stationdb.Snapshot
		if err = json.Unmarshal(b, &snap); err == nil {
			var db *stationdb.Database
			if db, err = stationdb.FromSnapshot(snap, g.dbOpts...); err == nil {
				st := db.Stats()
				g.log.Info("database loaded",
					logx.Size("size", len(b)),
					logx.Count("networks", st.Networks),
					logx.Count("channels", st.Channels),
					logx.Duration("took", time.Since(start)),
				)
				return db, nil
			}
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	ferr := &stationdb.FatalIOError{Op: "load database", Err: err}
	g.log.Error("stored database unusable, starting with defaults", logx.Err(ferr))
	if g.onError != nil {
		g.onError(ferr)
	}
	return g.fresh(), nil
}

// Save writes db while holding its reader lock, so no writer can interleave
// with encoding or writing. Failures are returned as *stationdb.FatalIOError.
func (g *Gateway) Save(ctx context.Context, db *stationdb.Database) error {
	g.saveMu.Lock()
	defer g.saveMu.Unlock()

	start := time.Now()
	var size int
	err := db.WithSnapshot(func(snap stationdb.Snapshot) error {
		b, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		size = len(b)
		return g.backend.WriteSnapshot(ctx, b)
	})
	if err != nil {
		return &stationdb.FatalIOError{Op: "save database", Err: err}
	}
	g.log.Debug("database saved",
		logx.Size("size", size),
		logx.Duration("took", time.Since(start)),
	)
	return nil
}

func (g *Gateway) Close() error { return g.backend.Close() }
