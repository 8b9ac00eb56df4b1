// Package metrics defines the Prometheus instrumentation for the AnnoMap
// server. Metrics register themselves via promauto.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobsTotal counts annotation jobs by their final status.
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "annomap_jobs_total",
			Help: "Total number of annotation jobs by final status",
		},
		[]string{"status"},
	)

	// CellsClassified counts every cell that went through the classifier.
	CellsClassified = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "annomap_cells_classified_total",
			Help: "Total number of cells classified",
		},
	)

	// ClassifyDuration measures annotation job phases. Buckets run from
	// sub-second training on small references to multi-minute integrated
	// runs on atlas-sized datasets.
	ClassifyDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "annomap_classify_duration_seconds",
			Help:    "Duration of annotation job phases in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"phase"},
	)

	// ActiveJobs tracks how many jobs are running right now.
	ActiveJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "annomap_active_jobs",
			Help: "Number of annotation jobs currently running",
		},
	)

	// HTTPRequestsTotal counts requests by method, route pattern, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "annomap_http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "path", "status"},
	)
)

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
