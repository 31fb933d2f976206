package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "stationdb/pkg/logx"
)

const (
	reloadDebounce = 250 * time.Millisecond
	rewatchMin     = 250 * time.Millisecond
	rewatchMax     = 5 * time.Second
)

// Watch reloads the file whenever it changes until ctx is done.
//
// The directory is watched so editors that replace the file are seen. Bursts
// of events are debounced into one reload. A failing watcher is recreated with
// jittered exponential backoff. Watch returns nil on cancellation.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	wait := rewatchMin

	for ctx.Err() == nil {
		err := m.watchOnce(ctx, dir, file)
		if ctx.Err() != nil {
			break
		}
		d := wait + rand.N(wait/2+1)
		wait = min(wait*2, rewatchMax)
		m.log.Warn("config watcher failed; retrying", logx.String("dir", dir), logx.Duration("backoff", d), logx.Err(err))
		select {
		case <-ctx.Done():
		case <-time.After(d):
		}
	}
	return nil
}

// watchOnce runs one watcher until ctx is done or the watcher breaks.
// Reloads run on this goroutine, so they never overlap.
func (m *ConfigManager) watchOnce(ctx context.Context, dir, file string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("event channel closed")
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) && ev.Op != fsnotify.Chmod {
				debounce.Reset(reloadDebounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("error channel closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				m.log.Warn("config watch overflow; forcing reload", logx.Err(err))
				debounce.Reset(reloadDebounce)
				continue
			}
			m.log.Warn("config watch error", logx.Err(err))
		case <-debounce.C:
			m.reloadLogged(ctx)
		}
	}
}

func (m *ConfigManager) reloadLogged(ctx context.Context) {
	_, err := m.Reload(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrUnchanged):
		m.log.Debug("config unchanged", logx.String("path", m.path))
	default:
		m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
	}
}
