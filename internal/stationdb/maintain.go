package stationdb

import (
	"fmt"
	"strings"
)

// MergeResult counts what a merge created or changed.
type MergeResult struct {
	NetworksAdded   int
	StationsAdded   int
	ChannelsAdded   int
	ChannelsUpdated int
}

// MergeCatalog incorporates a downloaded topology under the writer lock.
//
// Every discovered channel gets sourceID as catalog associator. Re-merging
// identical input leaves the graph unchanged.
func (d *Database) MergeCatalog(sourceID string, discovered []DiscoveredNetwork) (MergeResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.catalogIndexLocked(sourceID) < 0 {
		return MergeResult{}, fmt.Errorf("catalog source %s: %w", sourceID, ErrUnknownSource)
	}
	return d.mergeLocked(sourceID, discovered), nil
}

func (d *Database) mergeLocked(sourceID string, discovered []DiscoveredNetwork) MergeResult {
	var res MergeResult
	for _, dn := range discovered {
		ncode := strings.TrimSpace(dn.Code)
		if ncode == "" {
			continue
		}
		for _, ds := range dn.Stations {
			scode := strings.TrimSpace(ds.Code)
			if scode == "" {
				continue
			}
			for _, dc := range ds.Channels {
				ccode := strings.TrimSpace(dc.Code)
				if ccode == "" {
					continue
				}

				n := d.networks[ncode]
				if n == nil {
					n = &Network{Code: ncode, Stations: map[string]*Station{}}
					d.networks[ncode] = n
					res.NetworksAdded++
				}
				if desc := strings.TrimSpace(dn.Description); desc != "" {
					n.Description = desc
				}

				st := n.Stations[scode]
				if st == nil {
					st = &Station{Network: ncode, Code: scode, Channels: map[ChannelKey]*Channel{}}
					n.Stations[scode] = st
					res.StationsAdded++
				}
				st.Site = strings.TrimSpace(ds.Site)
				st.Latitude = ds.Latitude
				st.Longitude = ds.Longitude
				st.Elevation = ds.Elevation

				key := ChannelKey{Location: strings.TrimSpace(dc.Location), Code: ccode}
				ch := st.Channels[key]
				if ch == nil {
					ch = &Channel{
						Location:         key.Location,
						Code:             key.Code,
						CatalogSources:   map[string]struct{}{},
						StreamingSources: map[string]struct{}{},
					}
					st.Channels[key] = ch
					res.ChannelsAdded++
				} else if ch.SampleRate != dc.SampleRate || ch.Latitude != dc.Latitude ||
					ch.Longitude != dc.Longitude || ch.Elevation != dc.Elevation {
					res.ChannelsUpdated++
				}
				ch.SampleRate = dc.SampleRate
				ch.Latitude = dc.Latitude
				ch.Longitude = dc.Longitude
				ch.Elevation = dc.Elevation
				ch.CatalogSources[sourceID] = struct{}{}
			}
		}
	}
	return res
}

func idSet(ids []string) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

// removeStreamingLocked detaches the sources from every channel, repairs
// selections whose channel lost availability and drops the sources.
func (d *Database) removeStreamingLocked(ids map[string]struct{}) int {
	if len(ids) == 0 {
		return 0
	}
	for _, n := range d.networks {
		for _, st := range n.Stations {
			for _, ch := range st.Channels {
				for id := range ids {
					delete(ch.StreamingSources, id)
				}
			}
			if !st.Selected.IsZero() {
				if cur := st.SelectedChannel(); cur == nil || !cur.Available() {
					d.selectBestLocked(st)
				}
			}
		}
	}

	kept := d.streamingSources[:0]
	removed := 0
	for _, s := range d.streamingSources {
		if _, drop := ids[s.ID]; drop {
			removed++
			continue
		}
		kept = append(kept, s)
	}
	clear(d.streamingSources[len(kept):])
	d.streamingSources = kept
	d.recountSelectedLocked()
	return removed
}

// removeCatalogLocked cascades Channel -> Station -> Network deletion.
func (d *Database) removeCatalogLocked(ids map[string]struct{}) int {
	if len(ids) == 0 {
		return 0
	}
	for ncode, n := range d.networks {
		for scode, st := range n.Stations {
			for key, ch := range st.Channels {
				for id := range ids {
					delete(ch.CatalogSources, id)
				}
				if len(ch.CatalogSources) == 0 {
					delete(st.Channels, key)
				}
			}
			if len(st.Channels) == 0 {
				delete(n.Stations, scode)
				continue
			}
			if !st.Selected.IsZero() && st.Channels[st.Selected] == nil {
				d.selectBestLocked(st)
			}
		}
		if len(n.Stations) == 0 {
			delete(d.networks, ncode)
		}
	}

	kept := d.catalogSources[:0]
	removed := 0
	for _, s := range d.catalogSources {
		if _, drop := ids[s.ID]; drop {
			removed++
			continue
		}
		kept = append(kept, s)
	}
	clear(d.catalogSources[len(kept):])
	d.catalogSources = kept
	d.recountSelectedLocked()
	return removed
}

// RemoveStreamingSources removes the given streaming sources and their channel associations.
func (d *Database) RemoveStreamingSources(ids []string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.removeStreamingLocked(idSet(ids))
}

// RemoveCatalogSources removes the given catalog sources and everything only they described.
func (d *Database) RemoveCatalogSources(ids []string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.removeCatalogLocked(idSet(ids))
}

// RestoreDefaults drops every source (and with them the whole topology) and
// installs def, in one writer-locked transaction.
func (d *Database) RestoreDefaults(def Defaults) {
	d.mu.Lock()
	defer d.mu.Unlock()

	all := make(map[string]struct{}, len(d.streamingSources))
	for _, s := range d.streamingSources {
		all[s.ID] = struct{}{}
	}
	d.removeStreamingLocked(all)

	all = make(map[string]struct{}, len(d.catalogSources))
	for _, s := range d.catalogSources {
		all[s.ID] = struct{}{}
	}
	d.removeCatalogLocked(all)

	d.addDefaultsLocked(def)
}
