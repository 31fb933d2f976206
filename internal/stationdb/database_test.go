package stationdb

import (
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"testing"
	"time"
)

func newTestDB(t *testing.T, catalog, streaming int) (*Database, []string, []string) {
	t.Helper()
	d := New()
	var cids, sids []string
	for i := 0; i < catalog; i++ {
		src, err := d.AddCatalogSource(CatalogSourceSpec{ID: fmt.Sprintf("cat-%d", i), Name: fmt.Sprintf("Catalog %d", i), URL: fmt.Sprintf("http://cat%d.test/", i)})
		if err != nil {
			t.Fatalf("AddCatalogSource: %v", err)
		}
		cids = append(cids, src.ID)
	}
	for i := 0; i < streaming; i++ {
		src, err := d.AddStreamingSource(StreamingSourceSpec{ID: fmt.Sprintf("sl-%d", i), Name: fmt.Sprintf("SeedLink %d", i), Host: fmt.Sprintf("sl%d.test", i), Port: 18000})
		if err != nil {
			t.Fatalf("AddStreamingSource: %v", err)
		}
		sids = append(sids, src.ID)
	}
	return d, cids, sids
}

func topo(net string, stations map[string][]DiscoveredChannel) []DiscoveredNetwork {
	dn := DiscoveredNetwork{Code: net, Description: net + " network"}
	for code, chans := range stations {
		dn.Stations = append(dn.Stations, DiscoveredStation{Code: code, Site: code + " site", Latitude: 1, Longitude: 2, Elevation: 3, Channels: chans})
	}
	return []DiscoveredNetwork{dn}
}

func chans(codes ...string) []DiscoveredChannel {
	out := make([]DiscoveredChannel, 0, len(codes))
	for _, c := range codes {
		rate := 20.0
		if c[0] == 'H' {
			rate = 100
		}
		out = append(out, DiscoveredChannel{Code: c, SampleRate: rate})
	}
	return out
}

func mustInvariants(t *testing.T, d *Database) {
	t.Helper()
	if err := d.CheckInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
}

func TestAddSourceValidation(t *testing.T) {
	d := New()
	if _, err := d.AddCatalogSource(CatalogSourceSpec{Name: "x"}); err == nil {
		t.Fatal("expected error for missing url")
	}
	if _, err := d.AddStreamingSource(StreamingSourceSpec{Name: "x", Host: "h", Port: 70000}); err == nil {
		t.Fatal("expected error for invalid port")
	}
	src, err := d.AddCatalogSource(CatalogSourceSpec{Name: "x", URL: "http://x/"})
	if err != nil {
		t.Fatalf("AddCatalogSource: %v", err)
	}
	if src.ID == "" || src.Timeout != DefaultCatalogTimeout {
		t.Fatalf("unexpected defaults: id=%q timeout=%v", src.ID, src.Timeout)
	}
	if _, err := d.AddCatalogSource(CatalogSourceSpec{ID: src.ID, Name: "y", URL: "http://y/"}); !errors.Is(err, ErrDuplicateSource) {
		t.Fatalf("duplicate id err = %v", err)
	}
}

func TestMergeCatalogCreatesHierarchy(t *testing.T) {
	d, cids, _ := newTestDB(t, 1, 0)
	res, err := d.MergeCatalog(cids[0], topo("GE", map[string][]DiscoveredChannel{
		"APE":   chans("BHZ", "BHN"),
		"EMPTY": nil,
	}))
	if err != nil {
		t.Fatalf("MergeCatalog: %v", err)
	}
	if res.NetworksAdded != 1 || res.StationsAdded != 1 || res.ChannelsAdded != 2 {
		t.Fatalf("merge result = %+v", res)
	}
	if _, ok := d.Station("GE", "EMPTY"); ok {
		t.Fatal("station without channels must not be created")
	}
	st, ok := d.Station("GE", "APE")
	if !ok || len(st.Channels) != 2 {
		t.Fatalf("station = %+v", st)
	}
	if !st.Selected.IsZero() {
		t.Fatalf("nothing is available, selection = %v", st.Selected)
	}
	mustInvariants(t, d)

	if _, err := d.MergeCatalog("nope", nil); !errors.Is(err, ErrUnknownSource) {
		t.Fatalf("unknown source err = %v", err)
	}
}

func TestMergeCatalogIsIdempotent(t *testing.T) {
	d, cids, _ := newTestDB(t, 1, 0)
	in := topo("GE", map[string][]DiscoveredChannel{"APE": chans("BHZ", "HHZ"), "KBS": chans("SHZ")})
	if _, err := d.MergeCatalog(cids[0], in); err != nil {
		t.Fatal(err)
	}
	before := d.Snapshot()
	res, err := d.MergeCatalog(cids[0], in)
	if err != nil {
		t.Fatal(err)
	}
	if res != (MergeResult{}) {
		t.Fatalf("second merge changed something: %+v", res)
	}
	if after := d.Snapshot(); !reflect.DeepEqual(before, after) {
		t.Fatalf("snapshot differs after re-merge:\n%+v\n%+v", before, after)
	}
}

func TestRemoveCatalogCascades(t *testing.T) {
	d, cids, _ := newTestDB(t, 2, 0)
	if _, err := d.MergeCatalog(cids[0], topo("GE", map[string][]DiscoveredChannel{"APE": chans("BHZ"), "KBS": chans("BHZ")})); err != nil {
		t.Fatal(err)
	}
	if _, err := d.MergeCatalog(cids[1], topo("GE", map[string][]DiscoveredChannel{"APE": chans("BHZ")})); err != nil {
		t.Fatal(err)
	}

	if n := d.RemoveCatalogSources([]string{cids[0]}); n != 1 {
		t.Fatalf("removed %d sources, want 1", n)
	}
	mustInvariants(t, d)
	if _, ok := d.Station("GE", "KBS"); ok {
		t.Fatal("KBS was only described by the removed source")
	}
	if _, ok := d.Station("GE", "APE"); !ok {
		t.Fatal("APE is still described by the second source")
	}

	d.RemoveCatalogSources([]string{cids[1]})
	if s := d.Stats(); s.Networks != 0 || s.Stations != 0 || s.Channels != 0 || s.CatalogSources != 0 {
		t.Fatalf("graph not empty: %+v", s)
	}
}

func TestApplyProbeSelectsAndCounts(t *testing.T) {
	d, cids, sids := newTestDB(t, 1, 2)
	if _, err := d.MergeCatalog(cids[0], topo("GE", map[string][]DiscoveredChannel{
		"APE": chans("BHZ", "HHZ", "HHN"),
		"KBS": chans("SHZ"),
	})); err != nil {
		t.Fatal(err)
	}

	if err := d.ApplyProbe(sids[1], []StreamID{{Network: "GE", Station: "APE"}}); err != nil {
		t.Fatal(err)
	}
	st, _ := d.Station("GE", "APE")
	if st.Selected != (ChannelKey{Code: "HHZ"}) {
		t.Fatalf("selected = %v, want HHZ", st.Selected)
	}
	c, _ := d.Counters(sids[1])
	if c.Available != 1 || c.Selected != 1 {
		t.Fatalf("counters = %+v", c)
	}

	// The first registered source takes over the attribution once it serves the channel.
	if err := d.ApplyProbe(sids[0], []StreamID{{Network: "GE", Station: "APE", Channel: "HHZ"}, {Network: "GE", Station: "KBS", Channel: "SHZ"}}); err != nil {
		t.Fatal(err)
	}
	c0, _ := d.Counters(sids[0])
	c1, _ := d.Counters(sids[1])
	if c0.Available != 2 || c0.Selected != 2 || c1.Selected != 0 {
		t.Fatalf("counters = %+v / %+v", c0, c1)
	}
	mustInvariants(t, d)

	if sum := d.Summary(); sum.TotalSelectedStations != 2 || sum.SourcesWithSelectedStations != 1 {
		t.Fatalf("summary = %+v", sum)
	}

	if err := d.ApplyProbe("missing", nil); !errors.Is(err, ErrUnknownSource) {
		t.Fatalf("err = %v", err)
	}
}

func TestRemoveStreamingRepairsSelection(t *testing.T) {
	d, cids, sids := newTestDB(t, 1, 2)
	if _, err := d.MergeCatalog(cids[0], topo("GE", map[string][]DiscoveredChannel{"APE": chans("BHZ", "HHZ")})); err != nil {
		t.Fatal(err)
	}
	_ = d.ApplyProbe(sids[0], []StreamID{{Network: "GE", Station: "APE", Channel: "HHZ"}})
	_ = d.ApplyProbe(sids[1], []StreamID{{Network: "GE", Station: "APE", Channel: "BHZ"}})

	d.RemoveStreamingSources([]string{sids[0]})
	st, _ := d.Station("GE", "APE")
	if st.Selected != (ChannelKey{Code: "BHZ"}) {
		t.Fatalf("selected = %v, want BHZ", st.Selected)
	}
	c, _ := d.Counters(sids[1])
	if c.Selected != 1 {
		t.Fatalf("counters = %+v", c)
	}

	d.RemoveStreamingSources([]string{sids[1]})
	st, _ = d.Station("GE", "APE")
	if !st.Selected.IsZero() {
		t.Fatalf("selected = %v, want none", st.Selected)
	}
	mustInvariants(t, d)
}

func TestRestoreDefaultsIsStable(t *testing.T) {
	def := BuiltinDefaults()
	d := NewWithDefaults(def)
	first := d.Snapshot()
	if len(first.CatalogSources) != len(def.Catalog) || len(first.StreamingSources) != len(def.Streaming) {
		t.Fatalf("unexpected sources: %d/%d", len(first.CatalogSources), len(first.StreamingSources))
	}
	if _, err := d.AddCatalogSource(CatalogSourceSpec{Name: "extra", URL: "http://extra/"}); err != nil {
		t.Fatal(err)
	}
	cat := d.CatalogSources()[0]
	if _, err := d.MergeCatalog(cat.ID, topo("GE", map[string][]DiscoveredChannel{"APE": chans("BHZ")})); err != nil {
		t.Fatal(err)
	}

	d.RestoreDefaults(def)
	if got := d.Snapshot(); !reflect.DeepEqual(first, got) {
		t.Fatalf("restore defaults differs:\n%+v\n%+v", first, got)
	}
	mustInvariants(t, d)
}

func TestSnapshotRoundTrip(t *testing.T) {
	d, cids, sids := newTestDB(t, 1, 1)
	if _, err := d.MergeCatalog(cids[0], topo("GE", map[string][]DiscoveredChannel{"APE": chans("BHZ", "HHZ"), "KBS": chans("SHZ")})); err != nil {
		t.Fatal(err)
	}
	_ = d.ApplyProbe(sids[0], []StreamID{{Network: "GE", Station: "APE"}})
	src, _ := d.CatalogSource(cids[0])
	src.setLastUpdate(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	stream, _ := d.StreamingSource(sids[0])
	stream.setStatus(StateRunning, 40, StatusUpdating)

	snap := d.Snapshot()
	back, err := FromSnapshot(snap)
	if err != nil {
		t.Fatalf("FromSnapshot: %v", err)
	}
	got := back.Snapshot()
	if got.StreamingSources[0].State != StateIdle.String() {
		t.Fatalf("running state restored as %s", got.StreamingSources[0].State)
	}
	got.StreamingSources[0].State = snap.StreamingSources[0].State
	if !reflect.DeepEqual(snap, got) {
		t.Fatalf("round trip differs:\n%+v\n%+v", snap, got)
	}
}

func TestFromSnapshotRejectsBrokenGraph(t *testing.T) {
	snap := Snapshot{
		Version: SnapshotVersion,
		Networks: []NetworkRecord{{
			Code: "GE",
			Stations: []StationRecord{{
				Code:     "APE",
				Channels: []ChannelRecord{{Code: "BHZ", CatalogSources: []string{"ghost"}}},
			}},
		}},
	}
	if _, err := FromSnapshot(snap); !errors.Is(err, ErrInvariant) {
		t.Fatalf("err = %v, want ErrInvariant", err)
	}
	if _, err := FromSnapshot(Snapshot{Version: 99}); err == nil {
		t.Fatal("expected version error")
	}
}

func TestInvariantsHoldUnderRandomOperations(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	d, cids, sids := newTestDB(t, 3, 3)
	nets := []string{"GE", "NL", "IU"}
	stas := []string{"A", "B", "C", "D"}
	codes := []string{"BHZ", "HHZ", "SHZ", "EHN"}

	for step := 0; step < 300; step++ {
		switch rng.Intn(5) {
		case 0, 1:
			var dn []DiscoveredNetwork
			for _, n := range nets {
				if rng.Intn(2) == 0 {
					continue
				}
				st := map[string][]DiscoveredChannel{}
				for _, s := range stas {
					if rng.Intn(2) == 0 {
						st[s] = chans(codes[rng.Intn(len(codes))], codes[rng.Intn(len(codes))])
					}
				}
				dn = append(dn, topo(n, st)...)
			}
			if _, err := d.MergeCatalog(cids[rng.Intn(len(cids))], dn); err != nil {
				t.Fatal(err)
			}
		case 2:
			var adv []StreamID
			for i := 0; i < 4; i++ {
				adv = append(adv, StreamID{Network: nets[rng.Intn(len(nets))], Station: stas[rng.Intn(len(stas))], Channel: codes[rng.Intn(len(codes))]})
			}
			if err := d.ApplyProbe(sids[rng.Intn(len(sids))], adv); err != nil {
				t.Fatal(err)
			}
		case 3:
			id := cids[rng.Intn(len(cids))]
			d.RemoveCatalogSources([]string{id})
			if _, err := d.AddCatalogSource(CatalogSourceSpec{ID: id, Name: id, URL: "http://" + id + "/"}); err != nil {
				t.Fatal(err)
			}
		case 4:
			id := sids[rng.Intn(len(sids))]
			d.RemoveStreamingSources([]string{id})
			if _, err := d.AddStreamingSource(StreamingSourceSpec{ID: id, Name: id, Host: id, Port: 18000}); err != nil {
				t.Fatal(err)
			}
		}
		if err := d.CheckInvariants(); err != nil {
			t.Fatalf("step %d: %v", step, err)
		}
		checkSelections(t, d)
	}
}

// checkSelections verifies that every station with an available channel selects one.
func checkSelections(t *testing.T, d *Database) {
	t.Helper()
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, n := range d.networks {
		for _, st := range n.Stations {
			anyAvail := false
			for _, ch := range st.Channels {
				if ch.Available() {
					anyAvail = true
				}
			}
			sel := st.SelectedChannel()
			if anyAvail && (sel == nil || !sel.Available()) {
				t.Fatalf("%s.%s has available channels but selection %v", n.Code, st.Code, st.Selected)
			}
			if !anyAvail && sel != nil {
				t.Fatalf("%s.%s selects %v without availability", n.Code, st.Code, st.Selected)
			}
		}
	}
}

func TestDefaultSelectionPolicy(t *testing.T) {
	cases := []struct {
		a, b Channel
		want bool
	}{
		{Channel{Code: "BHZ", SampleRate: 40}, Channel{Code: "HHZ", SampleRate: 20}, true},
		{Channel{Code: "HHZ", SampleRate: 100}, Channel{Code: "BHZ", SampleRate: 100}, true},
		{Channel{Code: "BHZ", SampleRate: 20}, Channel{Code: "BHN", SampleRate: 20}, true},
		{Channel{Code: "SHZ", SampleRate: 20}, Channel{Code: "EHZ", SampleRate: 20}, false},
		{Channel{Location: "00", Code: "BHZ"}, Channel{Location: "10", Code: "BHZ"}, true},
	}
	for i, tc := range cases {
		if got := DefaultSelectionPolicy(&tc.a, &tc.b); got != tc.want {
			t.Errorf("case %d: better(%v,%v) = %v, want %v", i, tc.a.Key(), tc.b.Key(), got, tc.want)
		}
	}
}
