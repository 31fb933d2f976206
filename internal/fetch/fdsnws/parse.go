package fdsnws

import (
	"bufio"
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"stationdb/internal/stationdb"
)

// Channel level text columns:
// Network|Station|Location|Channel|Latitude|Longitude|Elevation|Depth|Azimuth|Dip|
// SensorDescription|Scale|ScaleFreq|ScaleUnits|SampleRate|StartTime|EndTime
const (
	colNet = iota
	colSta
	colLoc
	colCha
	colLat
	colLon
	colElev
	_ // depth
	_ // azimuth
	_ // dip
	_ // sensor description
	_ // scale
	_ // scale freq
	_ // scale units
	colRate
	colStart
	colEnd
)

type stationRef struct{ net, sta string }

type channelRow struct {
	net, sta, loc, cha string
	lat, lon, elev     float64
	rate               float64
	start              time.Time
}

type stationRow struct {
	lat, lon, elev float64
	site           string
	start          time.Time
}

var timeLayouts = []string{
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, l := range timeLayouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q", s)
}

func parseFloat(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

// operating reports whether an epoch with the given end time is still open at now.
func operating(end string, now time.Time) (bool, error) {
	end = strings.TrimSpace(end)
	if end == "" {
		return true, nil
	}
	t, err := parseTime(end)
	if err != nil {
		return false, err
	}
	return t.After(now), nil
}

// eachRow calls fn with the fields of every data line.
func eachRow(body []byte, minCols int, fn func(line int, f []string) error) error {
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		f := strings.Split(line, "|")
		if len(f) < minCols {
			return fmt.Errorf("line %d: %d columns, want at least %d", n, len(f), minCols)
		}
		for i := range f {
			f[i] = strings.TrimSpace(f[i])
		}
		if err := fn(n, f); err != nil {
			return fmt.Errorf("line %d: %w", n, err)
		}
	}
	return sc.Err()
}

// parseChannels keeps operating epochs only; duplicate channels collapse to the latest epoch.
func parseChannels(body []byte, now time.Time) ([]channelRow, error) {
	type key struct{ net, sta, loc, cha string }
	latest := map[key]channelRow{}
	err := eachRow(body, colStart+1, func(_ int, f []string) error {
		if len(f) > colEnd {
			ok, err := operating(f[colEnd], now)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
		}
		row := channelRow{net: f[colNet], sta: f[colSta], loc: strings.Trim(f[colLoc], "-"), cha: f[colCha]}
		if row.net == "" || row.sta == "" || row.cha == "" {
			return fmt.Errorf("missing network, station or channel code")
		}
		var err error
		if row.lat, err = parseFloat(f[colLat]); err != nil {
			return err
		}
		if row.lon, err = parseFloat(f[colLon]); err != nil {
			return err
		}
		if row.elev, err = parseFloat(f[colElev]); err != nil {
			return err
		}
		if row.rate, err = parseFloat(f[colRate]); err != nil {
			return err
		}
		if f[colStart] != "" {
			if row.start, err = parseTime(f[colStart]); err != nil {
				return err
			}
		}
		k := key{row.net, row.sta, row.loc, row.cha}
		if prev, ok := latest[k]; !ok || row.start.After(prev.start) {
			latest[k] = row
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(latest) == 0 && !hasHeader(body) {
		return nil, fmt.Errorf("empty response")
	}
	out := make([]channelRow, 0, len(latest))
	for _, r := range latest {
		out = append(out, r)
	}
	return out, nil
}

func hasHeader(body []byte) bool {
	return bytes.HasPrefix(bytes.TrimSpace(body), []byte("#"))
}

// parseNetworks reads Network|Description|StartTime|EndTime|TotalStations.
func parseNetworks(body []byte) (map[string]string, error) {
	out := map[string]string{}
	err := eachRow(body, 2, func(_ int, f []string) error {
		if f[0] != "" && f[1] != "" {
			out[f[0]] = f[1]
		}
		return nil
	})
	return out, err
}

// parseStations reads Network|Station|Latitude|Longitude|Elevation|SiteName|StartTime|EndTime.
func parseStations(body []byte, now time.Time) (map[stationRef]stationRow, error) {
	out := map[stationRef]stationRow{}
	err := eachRow(body, 6, func(_ int, f []string) error {
		if len(f) > 7 {
			ok, err := operating(f[7], now)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
		}
		var (
			row stationRow
			err error
		)
		if row.lat, err = parseFloat(f[2]); err != nil {
			return err
		}
		if row.lon, err = parseFloat(f[3]); err != nil {
			return err
		}
		if row.elev, err = parseFloat(f[4]); err != nil {
			return err
		}
		row.site = f[5]
		if len(f) > 6 && f[6] != "" {
			if row.start, err = parseTime(f[6]); err != nil {
				return err
			}
		}
		ref := stationRef{f[0], f[1]}
		if prev, ok := out[ref]; !ok || row.start.After(prev.start) {
			out[ref] = row
		}
		return nil
	})
	return out, err
}

// assemble groups channel rows into a sorted network/station tree.
func assemble(chans []channelRow, nets map[string]string, sites map[stationRef]stationRow) []stationdb.DiscoveredNetwork {
	sort.Slice(chans, func(i, j int) bool {
		a, b := chans[i], chans[j]
		if a.net != b.net {
			return a.net < b.net
		}
		if a.sta != b.sta {
			return a.sta < b.sta
		}
		if a.loc != b.loc {
			return a.loc < b.loc
		}
		return a.cha < b.cha
	})

	var out []stationdb.DiscoveredNetwork
	for _, r := range chans {
		if len(out) == 0 || out[len(out)-1].Code != r.net {
			out = append(out, stationdb.DiscoveredNetwork{Code: r.net, Description: nets[r.net]})
		}
		n := &out[len(out)-1]
		if len(n.Stations) == 0 || n.Stations[len(n.Stations)-1].Code != r.sta {
			st := stationdb.DiscoveredStation{Code: r.sta, Latitude: r.lat, Longitude: r.lon, Elevation: r.elev}
			if s, ok := sites[stationRef{r.net, r.sta}]; ok {
				st.Site, st.Latitude, st.Longitude, st.Elevation = s.site, s.lat, s.lon, s.elev
			}
			n.Stations = append(n.Stations, st)
		}
		st := &n.Stations[len(n.Stations)-1]
		st.Channels = append(st.Channels, stationdb.DiscoveredChannel{
			Location:   r.loc,
			Code:       r.cha,
			SampleRate: r.rate,
			Latitude:   r.lat,
			Longitude:  r.lon,
			Elevation:  r.elev,
		})
	}
	return out
}
