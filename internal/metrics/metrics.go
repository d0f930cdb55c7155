// Package metrics holds the Prometheus registry for the backfill engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all Prometheus metrics for candlekeep.
type Registry struct {
	reg *prometheus.Registry

	ChunksProcessed  *prometheus.CounterVec
	BarsWritten      prometheus.Counter
	ProviderRequests *prometheus.CounterVec
	InflightFetches  prometheus.Gauge
	TickDuration     prometheus.Histogram
	CoverageRequests *prometheus.CounterVec
}

// NewRegistry creates a registry with all candlekeep metrics registered.
// Each Registry owns its own Prometheus registry so independent instances
// never collide.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		ChunksProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candlekeep_chunks_processed_total",
				Help: "Total chunks that reached a terminal attempt outcome",
			},
			[]string{"status"},
		),

		BarsWritten: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "candlekeep_bars_written_total",
				Help: "Total bars upserted into storage",
			},
		),

		ProviderRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candlekeep_provider_requests_total",
				Help: "Upstream fetches by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),

		InflightFetches: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "candlekeep_inflight_fetches",
				Help: "Provider fetches currently in flight",
			},
		),

		TickDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "candlekeep_tick_duration_seconds",
				Help:    "Duration of orchestrator ticks in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
			},
		),

		CoverageRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candlekeep_coverage_requests_total",
				Help: "ensure-coverage calls by resulting status",
			},
			[]string{"status"},
		),
	}

	r.reg.MustRegister(
		r.ChunksProcessed,
		r.BarsWritten,
		r.ProviderRequests,
		r.InflightFetches,
		r.TickDuration,
		r.CoverageRequests,
	)

	return r
}

// RecordChunk records a chunk attempt outcome (done, retry, failed, conflict).
func (r *Registry) RecordChunk(status string) {
	r.ChunksProcessed.WithLabelValues(status).Inc()
}

// RecordBars adds to the written-bars counter.
func (r *Registry) RecordBars(n int) {
	r.BarsWritten.Add(float64(n))
}

// RecordProviderRequest records one upstream fetch by outcome.
func (r *Registry) RecordProviderRequest(provider, outcome string) {
	r.ProviderRequests.WithLabelValues(provider, outcome).Inc()
}

// RecordTick records one orchestrator tick duration.
func (r *Registry) RecordTick(d time.Duration) {
	r.TickDuration.Observe(d.Seconds())
}

// RecordCoverageRequest records one ensure-coverage call by result status.
func (r *Registry) RecordCoverageRequest(status string) {
	r.CoverageRequests.WithLabelValues(status).Inc()
}

// Handler exposes the registry for the /metrics route.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
