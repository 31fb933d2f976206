package storage

import (
	"context"
	"errors"
	"time"

	"github.com/zeebo/xxh3"
)

var (
	// ErrNotFound means no snapshot was written yet.
	ErrNotFound = errors.New("snapshot not found")
	// ErrCorrupt means a stored snapshot failed its checksum or framing check.
	ErrCorrupt  = errors.New("snapshot corrupt")
	ErrDisabled = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values: "file" (default), "sqlite", "bolt", "memory".
// Path is the data directory; it is created on demand.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// DefaultPath is used when Config.Path is empty.
const DefaultPath = "./data"

// Backend stores a single snapshot blob.
type Backend interface {
	ReadSnapshot(ctx context.Context) ([]byte, error)
	WriteSnapshot(ctx context.Context, payload []byte) error
	Close() error
}

func checksum(b []byte) uint64 { return xxh3.Hash(b) }
