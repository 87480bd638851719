// Package metrics exposes ingestion and pipeline outcomes to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vuln_intel"

// Recorder holds every collector. A nil *Recorder records nothing.
type Recorder struct {
	registry *prometheus.Registry

	Records      *prometheus.CounterVec
	UnitRuns     *prometheus.CounterVec
	UnitDuration *prometheus.HistogramVec
	LastSuccess  *prometheus.GaugeVec
}

// New creates a Recorder with its own registry.
func New() *Recorder {
	r := &Recorder{registry: prometheus.NewRegistry()}

	r.Records = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Records processed by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	r.UnitRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unit_runs_total",
			Help:      "Pipeline unit runs by terminal status",
		},
		[]string{"unit", "status"},
	)

	r.UnitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "unit_duration_seconds",
			Help:      "Duration of pipeline unit runs in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"unit"},
	)

	r.LastSuccess = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unit_last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run of a unit",
		},
		[]string{"unit"},
	)

	r.registry.MustRegister(
		r.Records,
		r.UnitRuns,
		r.UnitDuration,
		r.LastSuccess,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// RecordReport adds the counters of one ingestion run.
func (r *Recorder) RecordReport(source string, counts map[string]int) {
	if r == nil {
		return
	}
	for outcome, n := range counts {
		r.Records.WithLabelValues(source, outcome).Add(float64(n))
	}
}

// ObserveUnit records the terminal status and duration of one unit run.
// Skipped units never ran, so only their status is counted.
func (r *Recorder) ObserveUnit(unit, status string, d time.Duration) {
	if r == nil {
		return
	}
	r.UnitRuns.WithLabelValues(unit, status).Inc()
	if status == "skipped" {
		return
	}
	r.UnitDuration.WithLabelValues(unit).Observe(d.Seconds())
	if status == "succeeded" {
		r.LastSuccess.WithLabelValues(unit).SetToCurrentTime()
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
