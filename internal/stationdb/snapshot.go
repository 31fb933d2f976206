package stationdb

import (
	"fmt"
	"sort"
	"time"
)

const SnapshotVersion = 1

// Snapshot is the serializable form of the whole graph.
// Slices are sorted so equal graphs produce equal snapshots.
type Snapshot struct {
	Version          int                     `json:"version"`
	Networks         []NetworkRecord         `json:"networks"`
	CatalogSources   []CatalogSourceRecord   `json:"catalog_sources"`
	StreamingSources []StreamingSourceRecord `json:"streaming_sources"`
}

type NetworkRecord struct {
	Code        string          `json:"code"`
	Description string          `json:"description,omitempty"`
	Stations    []StationRecord `json:"stations"`
}

type StationRecord struct {
	Code      string          `json:"code"`
	Site      string          `json:"site,omitempty"`
	Latitude  float64         `json:"lat"`
	Longitude float64         `json:"lon"`
	Elevation float64         `json:"elev"`
	Selected  *ChannelKey     `json:"selected,omitempty"`
	Channels  []ChannelRecord `json:"channels"`
}

type ChannelRecord struct {
	Location         string   `json:"location"`
	Code             string   `json:"code"`
	SampleRate       float64  `json:"sample_rate"`
	Latitude         float64  `json:"lat"`
	Longitude        float64  `json:"lon"`
	Elevation        float64  `json:"elev"`
	CatalogSources   []string `json:"catalog_sources"`
	StreamingSources []string `json:"streaming_sources,omitempty"`
}

type CatalogSourceRecord struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	URL           string     `json:"url"`
	Timeout       string     `json:"timeout"`
	LastUpdate    *time.Time `json:"last_update,omitempty"`
	StatusText    string     `json:"status,omitempty"`
	StatusPercent int        `json:"percent,omitempty"`
}

type StreamingSourceRecord struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Host              string `json:"host"`
	Port              int    `json:"port"`
	Timeout           string `json:"timeout"`
	StatusText        string `json:"status,omitempty"`
	StatusPercent     int    `json:"percent,omitempty"`
	State             string `json:"state,omitempty"`
	AvailableStations int    `json:"available_stations"`
	SelectedStations  int    `json:"selected_stations"`
}

// Snapshot copies the graph under the reader lock.
func (d *Database) Snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.snapshotLocked()
}

// WithSnapshot runs fn while the reader lock is held, so writers cannot change
// the graph until fn returns. fn must not call back into d's mutating methods.
func (d *Database) WithSnapshot(fn func(Snapshot) error) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return fn(d.snapshotLocked())
}

func (d *Database) snapshotLocked() Snapshot {
	snap := Snapshot{Version: SnapshotVersion}

	ncodes := make([]string, 0, len(d.networks))
	for code := range d.networks {
		ncodes = append(ncodes, code)
	}
	sort.Strings(ncodes)
	for _, code := range ncodes {
		n := d.networks[code]
		nr := NetworkRecord{Code: n.Code, Description: n.Description}

		scodes := make([]string, 0, len(n.Stations))
		for sc := range n.Stations {
			scodes = append(scodes, sc)
		}
		sort.Strings(scodes)
		for _, sc := range scodes {
			st := n.Stations[sc]
			sr := StationRecord{
				Code:      st.Code,
				Site:      st.Site,
				Latitude:  st.Latitude,
				Longitude: st.Longitude,
				Elevation: st.Elevation,
			}
			if !st.Selected.IsZero() {
				sel := st.Selected
				sr.Selected = &sel
			}
			keys := make([]ChannelKey, 0, len(st.Channels))
			for k := range st.Channels {
				keys = append(keys, k)
			}
			sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })
			for _, k := range keys {
				ch := st.Channels[k]
				sr.Channels = append(sr.Channels, ChannelRecord{
					Location:         ch.Location,
					Code:             ch.Code,
					SampleRate:       ch.SampleRate,
					Latitude:         ch.Latitude,
					Longitude:        ch.Longitude,
					Elevation:        ch.Elevation,
					CatalogSources:   sortedSet(ch.CatalogSources),
					StreamingSources: sortedSet(ch.StreamingSources),
				})
			}
			nr.Stations = append(nr.Stations, sr)
		}
		snap.Networks = append(snap.Networks, nr)
	}

	for _, s := range d.catalogSources {
		st := s.Status()
		rec := CatalogSourceRecord{
			ID:            s.ID,
			Name:          s.Name,
			URL:           s.URL,
			Timeout:       s.Timeout.String(),
			StatusText:    st.Text,
			StatusPercent: st.Percent,
		}
		if lu := s.LastUpdate(); !lu.IsZero() {
			lu = lu.Round(0).UTC()
			rec.LastUpdate = &lu
		}
		snap.CatalogSources = append(snap.CatalogSources, rec)
	}
	for _, s := range d.streamingSources {
		st := s.Status()
		snap.StreamingSources = append(snap.StreamingSources, StreamingSourceRecord{
			ID:                s.ID,
			Name:              s.Name,
			Host:              s.Host,
			Port:              s.Port,
			Timeout:           s.Timeout.String(),
			StatusText:        st.Text,
			StatusPercent:     st.Percent,
			State:             st.State.String(),
			AvailableStations: s.availableStations,
			SelectedStations:  s.selectedStations,
		})
	}
	return snap
}

// FromSnapshot rebuilds a database and validates its invariants.
// Probes cannot survive a restart, so RUNNING states come back as IDLE.
func FromSnapshot(snap Snapshot, opts ...Option) (*Database, error) {
	if snap.Version != SnapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}
	d := New(opts...)

	for _, rec := range snap.CatalogSources {
		timeout, err := time.ParseDuration(rec.Timeout)
		if err != nil {
			return nil, fmt.Errorf("catalog source %s: timeout: %w", rec.ID, err)
		}
		src, err := d.addCatalogSourceLocked(CatalogSourceSpec{ID: rec.ID, Name: rec.Name, URL: rec.URL, Timeout: timeout})
		if err != nil {
			return nil, err
		}
		src.setStatus(rec.StatusPercent, rec.StatusText)
		if rec.LastUpdate != nil {
			src.setLastUpdate(*rec.LastUpdate)
		}
	}
	for _, rec := range snap.StreamingSources {
		timeout, err := time.ParseDuration(rec.Timeout)
		if err != nil {
			return nil, fmt.Errorf("streaming source %s: timeout: %w", rec.ID, err)
		}
		src, err := d.addStreamingSourceLocked(StreamingSourceSpec{ID: rec.ID, Name: rec.Name, Host: rec.Host, Port: rec.Port, Timeout: timeout})
		if err != nil {
			return nil, err
		}
		state := parseState(rec.State)
		if state == StateRunning {
			state = StateIdle
		}
		src.setStatus(state, rec.StatusPercent, rec.StatusText)
		src.availableStations = rec.AvailableStations
		src.selectedStations = rec.SelectedStations
	}

	for _, nr := range snap.Networks {
		n := &Network{Code: nr.Code, Description: nr.Description, Stations: map[string]*Station{}}
		for _, sr := range nr.Stations {
			st := &Station{
				Network:   nr.Code,
				Code:      sr.Code,
				Site:      sr.Site,
				Latitude:  sr.Latitude,
				Longitude: sr.Longitude,
				Elevation: sr.Elevation,
				Channels:  map[ChannelKey]*Channel{},
			}
			if sr.Selected != nil {
				st.Selected = *sr.Selected
			}
			for _, cr := range sr.Channels {
				ch := &Channel{
					Location:         cr.Location,
					Code:             cr.Code,
					SampleRate:       cr.SampleRate,
					Latitude:         cr.Latitude,
					Longitude:        cr.Longitude,
					Elevation:        cr.Elevation,
					CatalogSources:   idSet(cr.CatalogSources),
					StreamingSources: idSet(cr.StreamingSources),
				}
				st.Channels[ch.Key()] = ch
			}
			n.Stations[st.Code] = st
		}
		if _, dup := d.networks[n.Code]; dup {
			return nil, fmt.Errorf("%w: duplicate network %s", ErrInvariant, n.Code)
		}
		d.networks[n.Code] = n
	}

	if err := d.checkInvariantsLocked(); err != nil {
		return nil, err
	}
	return d, nil
}
