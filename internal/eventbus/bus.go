// Package eventbus is an in-memory, non-blocking fan-out of small events.
//
// Publish never blocks; slow subscribers drop events.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	// EventUpdate fires after the station graph changed.
	EventUpdate = "stationdb.update"
	// EventStatus fires after a source status or the updating flag changed.
	EventStatus = "stationdb.status"
	// EventFatalIO carries a persistence failure (FatalIO payload).
	EventFatalIO = "stationdb.fatal_io"
	// EventRunDone fires when an orchestration run completed (RunDone payload).
	EventRunDone = "stationdb.run_done"
	// EventConfigReload carries the changed config sections ([]string).
	EventConfigReload = "config.reload"
)

type FatalIO struct {
	Op  string `json:"op"`
	Err string `json:"err"`
}

type RunDone struct {
	Kind string        `json:"kind"` // catalog | availability
	Took time.Duration `json:"took"`
}

type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	// Subscribe delivers events of the given types, or all events when none
	// are given. unsubscribe closes ch and is idempotent.
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
	// Dropped counts deliveries lost to full subscribers.
	Dropped() uint64
}

func New() Bus {
	return &memBus{subs: map[uint64]*subscriber{}}
}

type subscriber struct {
	ch    chan Event
	types map[string]struct{}
}

func (s *subscriber) wants(typ string) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[typ]
	return ok
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	seq     atomic.Uint64
	dropped atomic.Uint64
}

// Publish holds the read lock while sending, so unsubscribe (write lock)
// never closes a channel under a pending send.
func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }

func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		s.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}
