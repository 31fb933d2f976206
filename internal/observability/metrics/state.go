package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"stationdb/internal/stationdb"
)

// State is what the gauge collector reads at scrape time.
type State interface {
	Summary() stationdb.Summary
	IsUpdating() bool
	Database() *stationdb.Database
}

type stateCollector struct {
	state State

	selected  *prometheus.Desc
	connected *prometheus.Desc
	running   *prometheus.Desc
	serving   *prometheus.Desc
	updating  *prometheus.Desc
	entities  *prometheus.Desc
}

// RegisterState exports the database summary and entity counts as gauges.
func RegisterState(registerer prometheus.Registerer, state State) error {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return registerer.Register(&stateCollector{
		state:     state,
		selected:  desc("selected_stations", "Stations with a selected channel"),
		connected: desc("connected_stations", "Stations currently connected across streaming sources"),
		running:   desc("sources_probing", "Streaming sources with a probe in progress"),
		serving:   desc("sources_with_selected_stations", "Streaming sources serving at least one selected station"),
		updating:  desc("updating", "1 while a catalog or availability run is in progress"),
		entities:  desc("entities", "Entity counts of the station graph", "kind"),
	})
}

func (c *stateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.selected
	ch <- c.connected
	ch <- c.running
	ch <- c.serving
	ch <- c.updating
	ch <- c.entities
}

func (c *stateCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.state.Summary()
	gauge := func(d *prometheus.Desc, v int, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v), labels...)
	}
	gauge(c.selected, s.TotalSelectedStations)
	gauge(c.connected, s.TotalConnectedStations)
	gauge(c.running, s.SourcesWithRunningProbes)
	gauge(c.serving, s.SourcesWithSelectedStations)
	updating := 0
	if c.state.IsUpdating() {
		updating = 1
	}
	gauge(c.updating, updating)

	st := c.state.Database().Stats()
	gauge(c.entities, st.Networks, "network")
	gauge(c.entities, st.Stations, "station")
	gauge(c.entities, st.Channels, "channel")
	gauge(c.entities, st.CatalogSources, "catalog_source")
	gauge(c.entities, st.StreamingSources, "streaming_source")
}
