// Package metrics provides Prometheus metrics for sync and mirror runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Remote API metrics
	apiRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strmsync_api_requests_total",
			Help: "Total remote API calls",
		},
		[]string{"endpoint", "result"},
	)

	// Run metrics
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strmsync_runs_total",
			Help: "Total sync and mirror runs",
		},
		[]string{"kind", "status"},
	)

	runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "strmsync_run_duration_seconds",
			Help:    "Run duration in seconds",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"kind"},
	)

	// Artifact metrics
	artifactsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strmsync_artifacts_total",
			Help: "Local artifacts processed, by outcome",
		},
		[]string{"job", "outcome"},
	)

	bytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "strmsync_bytes_downloaded_total",
			Help: "Total content bytes downloaded",
		},
	)

	rangeSegmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strmsync_range_segments_total",
			Help: "Byte-range segments fetched",
		},
		[]string{"result"},
	)

	// Mirror metrics
	treeLeaves = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "strmsync_tree_leaves",
			Help: "Leaves in a mirrored address tree after the last merge",
		},
		[]string{"mount"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

// RecordAPIRequest records one remote API call.
func RecordAPIRequest(endpoint string, ok bool) {
	apiRequestsTotal.WithLabelValues(endpoint, result(ok)).Inc()
}

// RecordRun records a finished run.
func RecordRun(kind, status string, duration time.Duration) {
	runsTotal.WithLabelValues(kind, status).Inc()
	runDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordArtifacts records n artifacts for a job with the same outcome:
// written, downloaded, skipped, failed or deleted.
func RecordArtifacts(job, outcome string, n int) {
	if n <= 0 {
		return
	}
	artifactsTotal.WithLabelValues(job, outcome).Add(float64(n))
}

// RecordBytes records downloaded content bytes.
func RecordBytes(n int64) {
	if n > 0 {
		bytesDownloaded.Add(float64(n))
	}
}

// RecordSegment records one byte-range segment fetch.
func RecordSegment(ok bool) {
	rangeSegmentsTotal.WithLabelValues(result(ok)).Inc()
}

// SetTreeLeaves records the leaf count of a mirrored tree.
func SetTreeLeaves(mount string, n int) {
	treeLeaves.WithLabelValues(mount).Set(float64(n))
}
