package storage

import (
	"fmt"
	"os"
	"strings"

	"stationdb/internal/stationdb"
	logx "stationdb/pkg/logx"
)

// Open initializes the configured backend.
// An unusable data directory is reported as *stationdb.FatalIOError.
func Open(cfg Config, log logx.Logger) (Backend, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = "file"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.Component("storage").With(logx.String("driver", driver))

	if driver == "memory" {
		return NewMemory(), nil
	}

	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		dir = DefaultPath
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &stationdb.FatalIOError{Op: "create data directory", Err: err}
	}

	var (
		b   Backend
		err error
	)
	switch driver {
	case "file":
		b, err = openFile(dir, log)
	case "sqlite", "sqlite3":
		b, err = openSQLite(dir, cfg.BusyTimeout, log)
	case "bolt", "bbolt":
		b, err = openBolt(dir, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
	if err != nil {
		return nil, &stationdb.FatalIOError{Op: "open " + driver + " storage", Err: err}
	}
	log.Info("storage opened", logx.String("path", dir))
	return b, nil
}
