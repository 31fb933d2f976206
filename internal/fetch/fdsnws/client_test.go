package fdsnws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"stationdb/internal/stationdb"
)

const channelText = `#Network|Station|Location|Channel|Latitude|Longitude|Elevation|Depth|Azimuth|Dip|SensorDescription|Scale|ScaleFreq|ScaleUnits|SampleRate|StartTime|EndTime
GE|APE||BHZ|37.07|25.53|620.0|0.0|0.0|-90.0|STS-2|6.0E8|1.0|M/S|20.0|2010-01-01T00:00:00|2012-01-01T00:00:00
GE|APE||BHZ|37.07|25.53|620.0|0.0|0.0|-90.0|STS-2|6.0E8|1.0|M/S|40.0|2012-01-01T00:00:00|
GE|APE|00|HHZ|37.07|25.53|620.0|0.0|0.0|-90.0|STS-2|6.0E8|1.0|M/S|100.0|2015-01-01T00:00:00|2099-01-01T00:00:00
GE|OLD||BHZ|10.0|10.0|10.0|0.0|0.0|-90.0|STS-2|6.0E8|1.0|M/S|20.0|2000-01-01T00:00:00|2001-01-01T00:00:00
NL|HGN|--|BHZ|50.76|5.93|135.0|0.0|0.0|-90.0|STS-2|6.0E8|1.0|M/S|40.0|2001-01-01T00:00:00|
`

const networkText = `#Network|Description|StartTime|EndTime|TotalStations
GE|GEOFON Program, GFZ|1993-01-01T00:00:00||80
`

const stationText = `#Network|Station|Latitude|Longitude|Elevation|SiteName|StartTime|EndTime
GE|APE|37.0689|25.5306|620.0|Apeiranthos, Naxos|2010-01-01T00:00:00|
`

func newServer(t *testing.T, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func source(url string, timeout time.Duration) *stationdb.CatalogSource {
	return &stationdb.CatalogSource{ID: "cat", Name: "test", URL: url, Timeout: timeout}
}

func TestFetchCatalogParsesOperatingChannels(t *testing.T) {
	t.Parallel()
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fdsnws/station/1/query" || r.URL.Query().Get("format") != "text" {
			http.NotFound(w, r)
			return
		}
		switch r.URL.Query().Get("level") {
		case "channel":
			_, _ = w.Write([]byte(channelText))
		case "network":
			_, _ = w.Write([]byte(networkText))
		case "station":
			_, _ = w.Write([]byte(stationText))
		}
	})

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(Config{}, WithClock(func() time.Time { return now }))
	nets, err := c.FetchCatalog(context.Background(), source(srv.URL+"/fdsnws/station/1", time.Second))
	if err != nil {
		t.Fatalf("FetchCatalog: %v", err)
	}
	if len(nets) != 2 || nets[0].Code != "GE" || nets[1].Code != "NL" {
		t.Fatalf("networks = %+v", nets)
	}
	ge := nets[0]
	if ge.Description != "GEOFON Program, GFZ" {
		t.Fatalf("description = %q", ge.Description)
	}
	if len(ge.Stations) != 1 || ge.Stations[0].Code != "APE" {
		t.Fatalf("GE stations = %+v (closed station must be dropped)", ge.Stations)
	}
	ape := ge.Stations[0]
	if ape.Site != "Apeiranthos, Naxos" || ape.Latitude != 37.0689 {
		t.Fatalf("station metadata = %+v", ape)
	}
	if len(ape.Channels) != 2 {
		t.Fatalf("APE channels = %+v", ape.Channels)
	}
	if ape.Channels[0].Code != "BHZ" || ape.Channels[0].SampleRate != 40 {
		t.Fatalf("duplicate epochs must collapse to the latest: %+v", ape.Channels[0])
	}
	if ape.Channels[1].Location != "00" || ape.Channels[1].Code != "HHZ" {
		t.Fatalf("second channel = %+v", ape.Channels[1])
	}
	if loc := nets[1].Stations[0].Channels[0].Location; loc != "" {
		t.Fatalf("-- location must map to empty, got %q", loc)
	}
}

func TestFetchCatalogErrorMapping(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		handler http.HandlerFunc
		check   func(error) bool
		want    string
	}{
		{
			name:    "no content",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) },
			check:   func(err error) bool { msg, ok := stationdb.AsProtocol(err); return ok && msg == "No data" },
			want:    "ProtocolError(No data)",
		},
		{
			name:    "server error",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusServiceUnavailable) },
			check: func(err error) bool {
				msg, ok := stationdb.AsProtocol(err)
				return ok && msg == "HTTP 503: Service Unavailable"
			},
			want: "ProtocolError(HTTP 503)",
		},
		{
			name:    "garbage",
			handler: func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("<html>oops</html>")) },
			check:   func(err error) bool { msg, ok := stationdb.AsProtocol(err); return ok && msg == "Invalid response" },
			want:    "ProtocolError(Invalid response)",
		},
		{
			name: "slow",
			handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(2 * time.Second):
				}
			},
			check: stationdb.IsTimeout,
			want:  "TimeoutError",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := newServer(t, tc.handler)
			c := New(Config{})
			_, err := c.FetchCatalog(context.Background(), source(srv.URL, 100*time.Millisecond))
			if err == nil || !tc.check(err) {
				t.Fatalf("err = %v, want %s", err, tc.want)
			}
		})
	}
}

func TestFetchCatalogUnreachableIsConnectivity(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(Config{}).FetchCatalog(context.Background(), source(url, time.Second))
	if !stationdb.IsConnectivity(err) {
		t.Fatalf("err = %v, want ConnectivityError", err)
	}
}

func TestRequestsArePaced(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	})
	// One request per second with burst 1: the second fetch cannot start within 200ms.
	c := New(Config{RequestsPerSec: 1})
	if _, err := c.FetchCatalog(context.Background(), source(srv.URL, time.Second)); err == nil {
		t.Fatal("expected No data error")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := c.FetchCatalog(ctx, source(srv.URL, time.Second))
	if !stationdb.IsTimeout(err) && !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want pacing to exhaust the deadline", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("server saw %d requests, want 1", hits.Load())
	}
}

func TestFetchCatalogRejectsOversizedResponse(t *testing.T) {
	t.Parallel()
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(channelText))
	})
	c := New(Config{})
	// Cut inside the body on a line boundary, where a silent truncation would still parse.
	c.maxBody = int64(strings.Index(channelText, "GE|APE|00|"))

	_, err := c.FetchCatalog(context.Background(), source(srv.URL, time.Second))
	if msg, ok := stationdb.AsProtocol(err); !ok || msg != "Response too large" {
		t.Fatalf("err = %v, want ProtocolError(Response too large)", err)
	}
}
