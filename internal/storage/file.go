package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	logx "stationdb/pkg/logx"
)

const (
	fileName     = "database.dat"
	fileFormat   = "stationdb"
	fileVersion  = 1
	checksumBase = 16
)

// fileStore keeps the snapshot in one file.
//
// Layout: a JSON envelope with format, version, the xxh3 checksum of the payload
// and the payload itself. Writes go to <file>.tmp, are fsynced and renamed over.
type fileStore struct {
	log  logx.Logger
	path string

	mu     sync.Mutex
	closed bool
}

type fileEnvelope struct {
	Format   string          `json:"format"`
	Version  int             `json:"version"`
	Checksum string          `json:"checksum"`
	SavedAt  time.Time       `json:"saved_at"`
	Payload  json.RawMessage `json:"payload"`
}

func openFile(dir string, log logx.Logger) (Backend, error) {
	path := filepath.Join(dir, fileName)
	// Leftover from an interrupted write; the previous file is still intact.
	_ = os.Remove(path + ".tmp")
	return &fileStore{log: log, path: path}, nil
}

func (s *fileStore) ReadSnapshot(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrDisabled
	}

	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var env fileEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if env.Format != fileFormat || env.Version != fileVersion {
		return nil, fmt.Errorf("%w: unexpected format %q version %d", ErrCorrupt, env.Format, env.Version)
	}
	if want := strconv.FormatUint(checksum(env.Payload), checksumBase); env.Checksum != want {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	return env.Payload, nil
}

func (s *fileStore) WriteSnapshot(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// The envelope re-encodes the payload compacted; checksum what is stored.
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err != nil {
		return fmt.Errorf("snapshot payload: %w", err)
	}
	payload = compact.Bytes()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDisabled
	}

	env := fileEnvelope{
		Format:   fileFormat,
		Version:  fileVersion,
		Checksum: strconv.FormatUint(checksum(payload), checksumBase),
		SavedAt:  time.Now().UTC(),
		Payload:  payload,
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
