// Package metrics exports orchestration results and database gauges to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"stationdb/internal/stationdb"
)

const namespace = "stationdb"

var durationBuckets = []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120}

// Metrics implements stationdb.Observer.
type Metrics struct {
	catalogFetches  *prometheus.CounterVec
	catalogDuration *prometheus.HistogramVec
	catalogNetworks *prometheus.GaugeVec
	probeAttempts   *prometheus.CounterVec
	probeDuration   *prometheus.HistogramVec
}

func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &Metrics{
		catalogFetches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "catalog_fetch_total",
				Help:      "Catalog downloads by source and outcome",
			},
			[]string{"source", "outcome"},
		),
		catalogDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "catalog_fetch_duration_seconds",
				Help:      "Duration of catalog downloads in seconds",
				Buckets:   durationBuckets,
			},
			[]string{"outcome"},
		),
		catalogNetworks: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "catalog_networks",
				Help:      "Networks returned by the last successful download of each source",
			},
			[]string{"source"},
		),
		probeAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probe_attempts_total",
				Help:      "Availability probe attempts by source and outcome",
			},
			[]string{"source", "outcome"},
		),
		probeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "probe_duration_seconds",
				Help:      "Duration of availability probe attempts in seconds",
				Buckets:   durationBuckets,
			},
			[]string{"outcome"},
		),
	}
}

func (m *Metrics) ObserveCatalogFetch(source string, networks int, took time.Duration, outcome string) {
	m.catalogFetches.WithLabelValues(source, outcome).Inc()
	m.catalogDuration.WithLabelValues(outcome).Observe(took.Seconds())
	if outcome == stationdb.OutcomeOK {
		m.catalogNetworks.WithLabelValues(source).Set(float64(networks))
	}
}

func (m *Metrics) ObserveProbeAttempt(source string, _ int, took time.Duration, outcome string) {
	m.probeAttempts.WithLabelValues(source, outcome).Inc()
	m.probeDuration.WithLabelValues(outcome).Observe(took.Seconds())
}

// Forget drops per-source series of removed sources.
func (m *Metrics) Forget(source string) {
	m.catalogFetches.DeletePartialMatch(prometheus.Labels{"source": source})
	m.catalogNetworks.DeleteLabelValues(source)
	m.probeAttempts.DeletePartialMatch(prometheus.Labels{"source": source})
}

var _ stationdb.Observer = (*Metrics)(nil)
