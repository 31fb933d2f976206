package seedlink

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"stationdb/internal/stationdb"
)

// fakeServer answers one connection with script(cmd) for every command it reads.
func fakeServer(t *testing.T, script func(cmd string) (reply string, hangup bool)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				r := bufio.NewReader(c)
				for {
					l, err := r.ReadString('\n')
					if err != nil {
						return
					}
					reply, hangup := script(strings.TrimSpace(l))
					if reply != "" {
						if _, err := c.Write([]byte(reply)); err != nil {
							return
						}
					}
					if hangup {
						return
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func standard(cmd string) (string, bool) {
	switch cmd {
	case "HELLO":
		return "SeedLink v3.1 (2020.075) :: SLPROTO:3.1 CAP\r\nGFZ Potsdam\r\n", false
	case "CAT":
		return "GE APE   Apeiranthos, Naxos\r\nGE KBS   Ny-Alesund\r\nGE APE   Apeiranthos, Naxos\r\nNL HGN   Heimansgroeve\r\nEND\r\n", false
	case "BYE":
		return "", true
	}
	return "ERROR\r\n", false
}

func TestCatalogListsStations(t *testing.T) {
	t.Parallel()
	addr := fakeServer(t, standard)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	streams, server, err := New().Catalog(ctx, addr)
	if err != nil {
		t.Fatalf("Catalog: %v", err)
	}
	if !strings.HasPrefix(server, "SeedLink v3.1") {
		t.Fatalf("server = %q", server)
	}
	want := []stationdb.StreamID{{Network: "GE", Station: "APE"}, {Network: "GE", Station: "KBS"}, {Network: "NL", Station: "HGN"}}
	if len(streams) != len(want) {
		t.Fatalf("streams = %+v", streams)
	}
	for i := range want {
		if streams[i] != want[i] {
			t.Fatalf("streams[%d] = %+v, want %+v", i, streams[i], want[i])
		}
	}
}

func TestProbeAppliesToDatabase(t *testing.T) {
	t.Parallel()
	addr := fakeServer(t, standard)
	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)

	db := stationdb.New()
	cat, _ := db.AddCatalogSource(stationdb.CatalogSourceSpec{ID: "cat", Name: "c", URL: "http://c/"})
	src, err := db.AddStreamingSource(stationdb.StreamingSourceSpec{ID: "sl", Name: "local", Host: host, Port: port})
	if err != nil {
		t.Fatal(err)
	}
	_, _ = db.MergeCatalog(cat.ID, []stationdb.DiscoveredNetwork{{
		Code:     "GE",
		Stations: []stationdb.DiscoveredStation{{Code: "APE", Channels: []stationdb.DiscoveredChannel{{Code: "BHZ", SampleRate: 20}}}},
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := New().Probe(ctx, src, db); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	c, _ := db.Counters(src.ID)
	if c.Available != 1 || c.Selected != 1 {
		t.Fatalf("counters = %+v", c)
	}
}

func TestCatalogErrors(t *testing.T) {
	t.Parallel()

	t.Run("refused", func(t *testing.T) {
		t.Parallel()
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		addr := ln.Addr().String()
		_ = ln.Close()
		_, _, err = New().Catalog(context.Background(), addr)
		if !stationdb.IsConnectivity(err) {
			t.Fatalf("err = %v, want ConnectivityError", err)
		}
	})

	t.Run("hangup", func(t *testing.T) {
		t.Parallel()
		addr := fakeServer(t, func(cmd string) (string, bool) {
			if cmd == "HELLO" {
				return "SeedLink v3.1\r\n", true
			}
			return "", true
		})
		_, _, err := New().Catalog(context.Background(), addr)
		if !stationdb.IsConnectivity(err) {
			t.Fatalf("err = %v, want ConnectivityError", err)
		}
	})

	t.Run("cat rejected", func(t *testing.T) {
		t.Parallel()
		addr := fakeServer(t, func(cmd string) (string, bool) {
			if cmd == "HELLO" {
				return "SeedLink v3.1\r\nOrg\r\n", false
			}
			return "ERROR\r\n", false
		})
		_, _, err := New().Catalog(context.Background(), addr)
		if err == nil || stationdb.IsConnectivity(err) || stationdb.IsTimeout(err) {
			t.Fatalf("err = %v, want plain protocol failure", err)
		}
	})

	t.Run("silent server", func(t *testing.T) {
		t.Parallel()
		addr := fakeServer(t, func(cmd string) (string, bool) { return "", false })
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		_, _, err := New().Catalog(ctx, addr)
		if !errors.Is(err, context.DeadlineExceeded) && !stationdb.IsTimeout(err) {
			t.Fatalf("err = %v, want deadline", err)
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		t.Parallel()
		addr := fakeServer(t, func(cmd string) (string, bool) { return "", false })
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(50*time.Millisecond, cancel)
		_, _, err := New().Catalog(ctx, addr)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	})
}

func TestParseCatLine(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"GE APE   Apeiranthos": true,
		"IU ANMO":              true,
		"GE":                   false,
		"TOOLONG APE":          false,
		"GE STATION6":          false,
	}
	for line, ok := range cases {
		if _, got := parseCatLine(line); got != ok {
			t.Errorf("parseCatLine(%q) ok = %v, want %v", line, got, ok)
		}
	}
}

func TestProbeDiscardsLateReply(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addr := fakeServer(t, func(cmd string) (string, bool) {
		if cmd == "CAT" {
			cancel()
		}
		return standard(cmd)
	})
	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)

	db := stationdb.New()
	cat, _ := db.AddCatalogSource(stationdb.CatalogSourceSpec{ID: "cat", Name: "c", URL: "http://c/"})
	src, err := db.AddStreamingSource(stationdb.StreamingSourceSpec{ID: "sl", Name: "local", Host: host, Port: port})
	if err != nil {
		t.Fatal(err)
	}
	_, _ = db.MergeCatalog(cat.ID, []stationdb.DiscoveredNetwork{{
		Code:     "GE",
		Stations: []stationdb.DiscoveredStation{{Code: "APE", Channels: []stationdb.DiscoveredChannel{{Code: "BHZ", SampleRate: 20}}}},
	}})

	if err := New().Probe(ctx, src, db); !errors.Is(err, context.Canceled) {
		t.Fatalf("Probe err = %v, want context.Canceled", err)
	}
	if c, _ := db.Counters(src.ID); c.Available != 0 || c.Selected != 0 {
		t.Fatalf("abandoned probe changed the graph: %+v", c)
	}
}
