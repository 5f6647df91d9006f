// Package metrics exposes the hash chain's Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	LinksAppendedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "auditchain",
		Name:      "links_appended_total",
		Help:      "Total links added to the hash chain by this node.",
	})

	LinksSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "auditchain",
		Name:      "links_skipped_total",
		Help:      "Events not persisted as links, by reason (duplicate, encode).",
	}, []string{"reason"})

	AppendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "auditchain",
		Name:      "append_duration_seconds",
		Help:      "Latency of appending one event, including cell contention.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	CellConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "auditchain",
		Name:      "cell_conflicts_total",
		Help:      "Lost compare-and-swap attempts on a shared cell.",
	}, []string{"cell"})

	VerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "auditchain",
		Name:      "verifications_total",
		Help:      "Verifications by mode (event, complete) and outcome (valid, invalid, fault).",
	}, []string{"mode", "outcome"})

	IntegrityFaultsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "auditchain",
		Name:      "integrity_faults_total",
		Help:      "Chained events missing from the audit log during full verification.",
	})

	HeadSeq = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "auditchain",
		Name:      "head_seq",
		Help:      "Sequence number of the last link this node appended.",
	})
)

// Handler returns an http.Handler that serves the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// CellConflict is a cell.WithConflictHook callback.
func CellConflict(name string, _ int) {
	CellConflictsTotal.WithLabelValues(name).Inc()
}

// Outcome maps a verification result to its metric label.
func Outcome(valid bool, err error) string {
	switch {
	case err != nil:
		return "fault"
	case valid:
		return "valid"
	default:
		return "invalid"
	}
}
