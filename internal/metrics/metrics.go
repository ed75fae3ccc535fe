// Package metrics exposes Prometheus collectors for sync activity.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	transfers    *prometheus.CounterVec
	retries      *prometheus.CounterVec
	conflicts    prometheus.Counter
	runs         *prometheus.CounterVec
	runDuration  prometheus.Histogram
	uploadedByte prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transfers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gophnote_transfers_total",
				Help: "Note and page transfers by operation and result",
			},
			[]string{"operation", "result"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gophnote_http_retries_total",
				Help: "HTTP retries by reason",
			},
			[]string{"reason"},
		),
		conflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gophnote_conflicts_total",
				Help: "Conflicts detected during full sync",
			},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gophnote_sync_runs_total",
				Help: "Full sync runs by outcome",
			},
			[]string{"outcome"},
		),
		runDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gophnote_sync_run_duration_seconds",
				Help:    "Duration of full sync runs",
				Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
		),
		uploadedByte: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gophnote_uploaded_bytes_total",
				Help: "Bytes uploaded to remote storage",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.transfers, m.retries, m.conflicts, m.runs, m.runDuration, m.uploadedByte)
	}
	return m
}

// Transfer counts one upload or download.
func (m *Metrics) Transfer(operation string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.transfers.WithLabelValues(operation, result).Inc()
}

// Retry counts one HTTP retry.
func (m *Metrics) Retry(reason string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(reason).Inc()
}

// Conflict counts one detected conflict.
func (m *Metrics) Conflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

// Uploaded adds n bytes to the upload counter.
func (m *Metrics) Uploaded(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.uploadedByte.Add(float64(n))
}

// Run records a finished full sync run.
func (m *Metrics) Run(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
	m.runDuration.Observe(d.Seconds())
}
