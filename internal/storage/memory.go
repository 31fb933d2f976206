package storage

import (
	"context"
	"sync"
)

// Memory is a process local Backend.
type Memory struct {
	mu     sync.Mutex
	data   []byte
	writes int
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) ReadSnapshot(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil, ErrNotFound
	}
	return append([]byte(nil), m.data...), nil
}

func (m *Memory) WriteSnapshot(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.data = append([]byte(nil), payload...)
	m.writes++
	m.mu.Unlock()
	return nil
}

// Writes reports how many snapshots were written.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *Memory) Close() error { return nil }
