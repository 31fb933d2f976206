package stationdb

import (
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

// ChannelKey identifies a channel within its station.
// The zero value means "no channel" (used for an empty selection).
type ChannelKey struct {
	Location string `json:"location"`
	Code     string `json:"code"`
}

func (k ChannelKey) IsZero() bool { return k.Code == "" && k.Location == "" }

func (k ChannelKey) String() string {
	loc := k.Location
	if loc == "" {
		loc = "--"
	}
	return loc + "." + k.Code
}

func (k ChannelKey) less(o ChannelKey) bool {
	if k.Location != o.Location {
		return k.Location < o.Location
	}
	return k.Code < o.Code
}

// Network is a set of stations operated under one network code.
// It exists only while it has at least one station.
type Network struct {
	Code        string
	Description string
	Stations    map[string]*Station
}

// Station is a site with one or more channels.
// Selected is a lookup key into Channels, never an owning reference.
type Station struct {
	Network   string
	Code      string
	Site      string
	Latitude  float64
	Longitude float64
	Elevation float64
	Channels  map[ChannelKey]*Channel
	Selected  ChannelKey
}

// SelectedChannel resolves the selection key; nil when nothing is selected.
func (s *Station) SelectedChannel() *Channel {
	if s == nil || s.Selected.IsZero() {
		return nil
	}
	return s.Channels[s.Selected]
}

// Channel is one data stream of a station.
// CatalogSources and StreamingSources hold source IDs.
type Channel struct {
	Location   string
	Code       string
	SampleRate float64
	Latitude   float64
	Longitude  float64
	Elevation  float64

	CatalogSources   map[string]struct{}
	StreamingSources map[string]struct{}
}

func (c *Channel) Key() ChannelKey { return ChannelKey{Location: c.Location, Code: c.Code} }

// Available reports whether at least one streaming source serves the channel.
func (c *Channel) Available() bool { return c != nil && len(c.StreamingSources) > 0 }

func (c *Channel) clone() *Channel {
	cp := *c
	cp.CatalogSources = cloneSet(c.CatalogSources)
	cp.StreamingSources = cloneSet(c.StreamingSources)
	return &cp
}

func (s *Station) clone() *Station {
	cp := *s
	cp.Channels = make(map[ChannelKey]*Channel, len(s.Channels))
	for k, ch := range s.Channels {
		cp.Channels[k] = ch.clone()
	}
	return &cp
}

func cloneSet(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}

func sortedSet(in map[string]struct{}) []string {
	out := make([]string, 0, len(in))
	for k := range in {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ---- Sources ----

// State is the lifecycle of a streaming source probe.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateError
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateError:
		return "ERROR"
	case StateDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

func parseState(s string) State {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "RUNNING":
		return StateRunning
	case "ERROR":
		return StateError
	case "DONE":
		return StateDone
	default:
		return StateIdle
	}
}

// Status is an immutable progress value. Text and Percent always change together.
type Status struct {
	Text    string
	Percent int
	State   State
}

type statusCell struct {
	p atomic.Pointer[Status]
}

func (c *statusCell) load() Status {
	if v := c.p.Load(); v != nil {
		return *v
	}
	return Status{}
}

func (c *statusCell) store(s Status) { c.p.Store(&s) }

// CatalogSource describes one FDSN station web service.
type CatalogSource struct {
	ID      string
	Name    string
	URL     string
	Timeout time.Duration

	status     statusCell
	lastUpdate atomic.Pointer[time.Time]
}

func (s *CatalogSource) Status() Status { return s.status.load() }

func (s *CatalogSource) setStatus(percent int, text string) {
	s.status.store(Status{Text: text, Percent: percent})
}

// LastUpdate is the time of the last successful catalog download (zero if never).
func (s *CatalogSource) LastUpdate() time.Time {
	if v := s.lastUpdate.Load(); v != nil {
		return *v
	}
	return time.Time{}
}

func (s *CatalogSource) setLastUpdate(t time.Time) { s.lastUpdate.Store(&t) }

// StreamingSource describes one SeedLink server.
//
// The station counters are guarded by the database lock.
type StreamingSource struct {
	ID      string
	Name    string
	Host    string
	Port    int
	Timeout time.Duration

	status statusCell

	availableStations int
	selectedStations  int
	connectedStations int
}

func (s *StreamingSource) Status() Status { return s.status.load() }

func (s *StreamingSource) setStatus(state State, percent int, text string) {
	s.status.store(Status{Text: text, Percent: percent, State: state})
}

// Counters is a point-in-time copy of a streaming source's station counters.
type Counters struct {
	Available int `json:"available"`
	Selected  int `json:"selected"`
	Connected int `json:"connected"`
}

// ---- Discovered topology (catalog fetcher output) ----

type DiscoveredNetwork struct {
	Code        string
	Description string
	Stations    []DiscoveredStation
}

type DiscoveredStation struct {
	Code      string
	Site      string
	Latitude  float64
	Longitude float64
	Elevation float64
	Channels  []DiscoveredChannel
}

type DiscoveredChannel struct {
	Location   string
	Code       string
	SampleRate float64
	Latitude   float64
	Longitude  float64
	Elevation  float64
}

// StreamID identifies what a streaming source advertises.
// An empty Channel means every channel of the station.
type StreamID struct {
	Network  string
	Station  string
	Location string
	Channel  string
}

// Summary is the aggregate over streaming sources.
type Summary struct {
	TotalSelectedStations       int `json:"total_selected_stations"`
	TotalConnectedStations      int `json:"total_connected_stations"`
	SourcesWithRunningProbes    int `json:"sources_with_running_probes"`
	SourcesWithSelectedStations int `json:"sources_with_selected_stations"`
}

// Stats counts graph entities.
type Stats struct {
	Networks         int `json:"networks"`
	Stations         int `json:"stations"`
	Channels         int `json:"channels"`
	CatalogSources   int `json:"catalog_sources"`
	StreamingSources int `json:"streaming_sources"`
}
