// Package metrics defines the scanner's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tender_scanner"

// Metrics holds every instrument the scanner exports.
type Metrics struct {
	RunsTotal     *prometheus.CounterVec
	RunDuration   *prometheus.HistogramVec
	RunsInFlight  prometheus.Gauge
	RecordsTotal  *prometheus.CounterVec
	ErrorsTotal   *prometheus.CounterVec
	SessionsInUse prometheus.Gauge
}

// New creates and registers the instruments on reg, or on the default
// registerer when reg is nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "crawl_runs_total",
				Help:      "Finalized portal runs by outcome",
			},
			[]string{"portal_id", "outcome"},
		),
		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "crawl_run_duration_seconds",
				Help:      "Wall time of a portal run",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~34min
			},
			[]string{"portal_id"},
		),
		RunsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "crawl_runs_in_flight",
				Help:      "Portal runs currently executing",
			},
		),
		RecordsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_total",
				Help:      "Scraped records by dedup action",
			},
			[]string{"portal_id", "action"},
		),
		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Classified crawl errors by kind",
			},
			[]string{"portal_id", "kind"},
		),
		SessionsInUse: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions_in_use",
				Help:      "Remote browser sessions currently leased",
			},
		),
	}
}
