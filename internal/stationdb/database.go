package stationdb

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var ErrDuplicateSource = errors.New("duplicate source id")

// Database is the in-memory entity graph.
//
// A single RWMutex guards networks, source lists and the per-source station
// counters. Source status values are swapped atomically and may be read without it.
type Database struct {
	mu sync.RWMutex

	networks         map[string]*Network
	catalogSources   []*CatalogSource
	streamingSources []*StreamingSource

	better SelectionPolicy
}

type Option func(*Database)

// WithSelectionPolicy replaces the best-available-channel rule.
func WithSelectionPolicy(p SelectionPolicy) Option {
	return func(d *Database) {
		if p != nil {
			d.better = p
		}
	}
}

// New returns an empty database (no sources).
func New(opts ...Option) *Database {
	d := &Database{
		networks: map[string]*Network{},
		better:   DefaultSelectionPolicy,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// NewWithDefaults returns an empty graph with def installed as its source set.
func NewWithDefaults(def Defaults, opts ...Option) *Database {
	d := New(opts...)
	d.addDefaultsLocked(def)
	return d
}

// ---- sources ----

func (d *Database) AddCatalogSource(spec CatalogSourceSpec) (*CatalogSource, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addCatalogSourceLocked(spec)
}

func (d *Database) addCatalogSourceLocked(spec CatalogSourceSpec) (*CatalogSource, error) {
	name := strings.TrimSpace(spec.Name)
	url := strings.TrimSpace(spec.URL)
	if name == "" || url == "" {
		return nil, fmt.Errorf("catalog source: name and url are required")
	}
	id := strings.TrimSpace(spec.ID)
	if id == "" {
		id = uuid.NewString()
	}
	if d.catalogIndexLocked(id) >= 0 {
		return nil, fmt.Errorf("catalog source %s: %w", id, ErrDuplicateSource)
	}
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = DefaultCatalogTimeout
	}
	src := &CatalogSource{ID: id, Name: name, URL: url, Timeout: timeout}
	d.catalogSources = append(d.catalogSources, src)
	return src, nil
}

func (d *Database) AddStreamingSource(spec StreamingSourceSpec) (*StreamingSource, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addStreamingSourceLocked(spec)
}

func (d *Database) addStreamingSourceLocked(spec StreamingSourceSpec) (*StreamingSource, error) {
	name := strings.TrimSpace(spec.Name)
	host := strings.TrimSpace(spec.Host)
	if name == "" || host == "" {
		return nil, fmt.Errorf("streaming source: name and host are required")
	}
	if spec.Port <= 0 || spec.Port > 65535 {
		return nil, fmt.Errorf("streaming source %s: invalid port %d", name, spec.Port)
	}
	id := strings.TrimSpace(spec.ID)
	if id == "" {
		id = uuid.NewString()
	}
	if d.streamingIndexLocked(id) >= 0 {
		return nil, fmt.Errorf("streaming source %s: %w", id, ErrDuplicateSource)
	}
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	src := &StreamingSource{ID: id, Name: name, Host: host, Port: spec.Port, Timeout: timeout}
	d.streamingSources = append(d.streamingSources, src)
	return src, nil
}

func (d *Database) catalogIndexLocked(id string) int {
	for i, s := range d.catalogSources {
		if s.ID == id {
			return i
		}
	}
	return -1
}

func (d *Database) streamingIndexLocked(id string) int {
	for i, s := range d.streamingSources {
		if s.ID == id {
			return i
		}
	}
	return -1
}

// CatalogSources returns the registered catalog sources in registration order.
func (d *Database) CatalogSources() []*CatalogSource {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]*CatalogSource(nil), d.catalogSources...)
}

// StreamingSources returns the registered streaming sources in registration order.
func (d *Database) StreamingSources() []*StreamingSource {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]*StreamingSource(nil), d.streamingSources...)
}

func (d *Database) CatalogSource(id string) (*CatalogSource, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if i := d.catalogIndexLocked(id); i >= 0 {
		return d.catalogSources[i], true
	}
	return nil, false
}

func (d *Database) StreamingSource(id string) (*StreamingSource, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if i := d.streamingIndexLocked(id); i >= 0 {
		return d.streamingSources[i], true
	}
	return nil, false
}

// Counters returns the station counters of a streaming source.
func (d *Database) Counters(id string) (Counters, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	i := d.streamingIndexLocked(id)
	if i < 0 {
		return Counters{}, false
	}
	s := d.streamingSources[i]
	return Counters{Available: s.availableStations, Selected: s.selectedStations, Connected: s.connectedStations}, true
}

// ---- reads ----

// Station returns a detached copy of one station.
func (d *Database) Station(network, station string) (*Station, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := d.networks[network]
	if n == nil {
		return nil, false
	}
	st := n.Stations[station]
	if st == nil {
		return nil, false
	}
	return st.clone(), true
}

func (d *Database) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s := Stats{
		Networks:         len(d.networks),
		CatalogSources:   len(d.catalogSources),
		StreamingSources: len(d.streamingSources),
	}
	for _, n := range d.networks {
		s.Stations += len(n.Stations)
		for _, st := range n.Stations {
			s.Channels += len(st.Channels)
		}
	}
	return s
}

// Summary aggregates the streaming source counters.
func (d *Database) Summary() Summary {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var sum Summary
	for _, s := range d.streamingSources {
		sum.TotalSelectedStations += s.selectedStations
		sum.TotalConnectedStations += s.connectedStations
		if s.selectedStations > 0 {
			sum.SourcesWithSelectedStations++
		}
		if s.Status().State == StateRunning {
			sum.SourcesWithRunningProbes++
		}
	}
	return sum
}

// ---- probe side effects ----

// ApplyProbe records the streams a streaming source currently advertises.
//
// Associations of the source are replaced as a whole, its available station count
// is updated and station selections are repaired.
func (d *Database) ApplyProbe(sourceID string, advertised []StreamID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	i := d.streamingIndexLocked(sourceID)
	if i < 0 {
		return fmt.Errorf("streaming source %s: %w", sourceID, ErrUnknownSource)
	}
	src := d.streamingSources[i]

	type stationRef struct{ net, sta string }
	// nil channel set means the whole station is advertised.
	index := make(map[stationRef]map[ChannelKey]struct{}, len(advertised))
	for _, s := range advertised {
		ref := stationRef{net: strings.TrimSpace(s.Network), sta: strings.TrimSpace(s.Station)}
		if ref.net == "" || ref.sta == "" {
			continue
		}
		cha := strings.TrimSpace(s.Channel)
		if cha == "" {
			index[ref] = nil
			continue
		}
		set, seen := index[ref]
		if seen && set == nil {
			continue
		}
		if set == nil {
			set = map[ChannelKey]struct{}{}
			index[ref] = set
		}
		set[ChannelKey{Location: strings.TrimSpace(s.Location), Code: cha}] = struct{}{}
	}

	available := 0
	for _, n := range d.networks {
		for _, st := range n.Stations {
			set, listed := index[stationRef{net: n.Code, sta: st.Code}]
			hit := false
			for key, ch := range st.Channels {
				match := false
				if listed {
					if set == nil {
						match = true
					} else {
						_, match = set[key]
					}
				}
				if match {
					ch.StreamingSources[sourceID] = struct{}{}
					hit = true
				} else {
					delete(ch.StreamingSources, sourceID)
				}
			}
			if hit {
				available++
			}
			d.repairSelectionLocked(st)
		}
	}
	src.availableStations = available
	d.recountSelectedLocked()
	return nil
}

// SetConnectedStations is called by the live streaming layer.
func (d *Database) SetConnectedStations(sourceID string, n int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.streamingIndexLocked(sourceID)
	if i < 0 {
		return fmt.Errorf("streaming source %s: %w", sourceID, ErrUnknownSource)
	}
	if n < 0 {
		n = 0
	}
	d.streamingSources[i].connectedStations = n
	return nil
}

// recountSelectedLocked attributes each station's selected channel to the first
// registered streaming source that serves it.
func (d *Database) recountSelectedLocked() {
	order := make(map[string]int, len(d.streamingSources))
	for i, s := range d.streamingSources {
		s.selectedStations = 0
		order[s.ID] = i
	}
	for _, n := range d.networks {
		for _, st := range n.Stations {
			ch := st.SelectedChannel()
			if ch == nil {
				continue
			}
			best := -1
			for id := range ch.StreamingSources {
				if i, ok := order[id]; ok && (best < 0 || i < best) {
					best = i
				}
			}
			if best >= 0 {
				d.streamingSources[best].selectedStations++
			}
		}
	}
}

// ---- invariants ----

// CheckInvariants verifies the structural rules of the graph.
func (d *Database) CheckInvariants() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.checkInvariantsLocked()
}

func (d *Database) checkInvariantsLocked() error {
	catalog := make(map[string]struct{}, len(d.catalogSources))
	for _, s := range d.catalogSources {
		catalog[s.ID] = struct{}{}
	}
	streaming := make(map[string]struct{}, len(d.streamingSources))
	for _, s := range d.streamingSources {
		streaming[s.ID] = struct{}{}
	}
	for code, n := range d.networks {
		if len(n.Stations) == 0 {
			return fmt.Errorf("%w: network %s has no stations", ErrInvariant, code)
		}
		for scode, st := range n.Stations {
			where := code + "." + scode
			if len(st.Channels) == 0 {
				return fmt.Errorf("%w: station %s has no channels", ErrInvariant, where)
			}
			if !st.Selected.IsZero() && st.Channels[st.Selected] == nil {
				return fmt.Errorf("%w: station %s selects missing channel %s", ErrInvariant, where, st.Selected)
			}
			for key, ch := range st.Channels {
				if len(ch.CatalogSources) == 0 {
					return fmt.Errorf("%w: channel %s.%s has no catalog source", ErrInvariant, where, key)
				}
				for id := range ch.CatalogSources {
					if _, ok := catalog[id]; !ok {
						return fmt.Errorf("%w: channel %s.%s references unknown catalog source %s", ErrInvariant, where, key, id)
					}
				}
				for id := range ch.StreamingSources {
					if _, ok := streaming[id]; !ok {
						return fmt.Errorf("%w: channel %s.%s references unknown streaming source %s", ErrInvariant, where, key, id)
					}
				}
			}
		}
	}
	return nil
}
