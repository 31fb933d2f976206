package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"stationdb/internal/stationdb"
)

func TestObserverCountsByOutcome(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveCatalogFetch("geofon", 12, 2*time.Second, stationdb.OutcomeOK)
	m.ObserveCatalogFetch("geofon", 0, 30*time.Second, stationdb.OutcomeTimeout)
	m.ObserveProbeAttempt("local", 1, time.Second, stationdb.OutcomeTimeout)
	m.ObserveProbeAttempt("local", 2, time.Second, stationdb.OutcomeTimeout)
	m.ObserveProbeAttempt("local", 3, 100*time.Millisecond, stationdb.OutcomeOK)

	if got := testutil.ToFloat64(m.catalogFetches.WithLabelValues("geofon", stationdb.OutcomeTimeout)); got != 1 {
		t.Fatalf("catalog timeouts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.catalogNetworks.WithLabelValues("geofon")); got != 12 {
		t.Fatalf("catalog networks = %v, want 12 (failed fetch must not reset it)", got)
	}
	if got := testutil.ToFloat64(m.probeAttempts.WithLabelValues("local", stationdb.OutcomeTimeout)); got != 2 {
		t.Fatalf("probe timeouts = %v, want 2", got)
	}
	if n := testutil.CollectAndCount(m.probeDuration); n != 2 {
		t.Fatalf("probe duration series = %d, want 2", n)
	}

	m.Forget("geofon")
	if n := testutil.CollectAndCount(m.catalogFetches); n != 0 {
		t.Fatalf("catalog series after Forget = %d, want 0", n)
	}
}

type fakeState struct {
	db       *stationdb.Database
	updating bool
}

func (f fakeState) Summary() stationdb.Summary    { return f.db.Summary() }
func (f fakeState) IsUpdating() bool              { return f.updating }
func (f fakeState) Database() *stationdb.Database { return f.db }

func TestStateCollectorReadsAtScrape(t *testing.T) {
	t.Parallel()
	db := stationdb.New()
	cat, _ := db.AddCatalogSource(stationdb.CatalogSourceSpec{ID: "cat", Name: "c", URL: "http://c/"})
	sl, _ := db.AddStreamingSource(stationdb.StreamingSourceSpec{ID: "sl", Name: "s", Host: "h", Port: 18000})
	_, _ = db.MergeCatalog(cat.ID, []stationdb.DiscoveredNetwork{{
		Code: "GE",
		Stations: []stationdb.DiscoveredStation{
			{Code: "APE", Channels: []stationdb.DiscoveredChannel{{Code: "BHZ"}, {Code: "HHZ"}}},
			{Code: "KBS", Channels: []stationdb.DiscoveredChannel{{Code: "BHZ"}}},
		},
	}})

	reg := prometheus.NewRegistry()
	if err := RegisterState(reg, fakeState{db: db, updating: true}); err != nil {
		t.Fatalf("RegisterState: %v", err)
	}
	if err := db.ApplyProbe(sl.ID, []stationdb.StreamID{{Network: "GE", Station: "APE"}}); err != nil {
		t.Fatal(err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	got := map[string]float64{}
	for _, f := range families {
		for _, m := range f.GetMetric() {
			name := f.GetName()
			for _, l := range m.GetLabel() {
				name += "/" + l.GetValue()
			}
			got[name] = m.GetGauge().GetValue()
		}
	}
	want := map[string]float64{
		"stationdb_selected_stations":              1,
		"stationdb_sources_with_selected_stations": 1,
		"stationdb_updating":                       1,
		"stationdb_entities/network":               1,
		"stationdb_entities/station":               2,
		"stationdb_entities/channel":               3,
		"stationdb_entities/streaming_source":      1,
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %v, want %v", k, got[k], v)
		}
	}
}
