// Package metrics provides Prometheus metrics for the synchronization layer.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Backend request metrics
	backendRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetsync_backend_requests_total",
			Help: "Total number of backend requests by outcome",
		},
		[]string{"backend", "operation", "outcome"},
	)

	backendRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "assetsync_backend_request_duration_seconds",
			Help:    "Backend request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	// Upload metrics
	uploadChunksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetsync_upload_chunks_total",
			Help: "Total number of upload chunks by outcome",
		},
		[]string{"outcome"},
	)

	uploadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "assetsync_upload_bytes_total",
			Help: "Total bytes sent in upload chunks",
		},
	)

	uploadRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetsync_upload_retries_total",
			Help: "Total number of upload retries by phase",
		},
		[]string{"phase"},
	)

	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetsync_uploads_total",
			Help: "Total number of uploads by outcome",
		},
		[]string{"backend", "outcome"},
	)

	// Project lifecycle metrics
	projectPollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetsync_project_polls_total",
			Help: "Total number of project status polls by observed state",
		},
		[]string{"backend", "state"},
	)

	projectsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "assetsync_projects_launched",
			Help: "Number of launched projects",
		},
		[]string{"backend"},
	)

	// Cache metrics
	cacheInvalidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetsync_cache_invalidations_total",
			Help: "Total number of invalidated queries by query kind",
		},
		[]string{"query"},
	)

	cacheFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetsync_cache_fetches_total",
			Help: "Total number of cache lookups by result",
		},
		[]string{"result"},
	)

	// Bulk operation metrics
	bulkItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetsync_bulk_items_total",
			Help: "Total number of bulk operation items by outcome",
		},
		[]string{"operation", "outcome"},
	)

	conflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetsync_upload_conflicts_total",
			Help: "Total number of upload name conflicts by resolution",
		},
		[]string{"resolution"},
	)

	// Simulator storage metrics
	storageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetsync_storage_operations_total",
			Help: "Total number of object storage operations",
		},
		[]string{"storage", "operation", "status"},
	)

	storageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "assetsync_storage_operation_duration_seconds",
			Help:    "Object storage operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"storage", "operation"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordBackendRequest records one backend call.
func RecordBackendRequest(backend, operation string, err error, duration time.Duration) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	backendRequestsTotal.WithLabelValues(backend, operation, outcome).Inc()
	backendRequestDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
}

// RecordBackendStatus records one HTTP backend call by status code.
func RecordBackendStatus(backend, operation string, status int, duration time.Duration) {
	backendRequestsTotal.WithLabelValues(backend, operation, strconv.Itoa(status)).Inc()
	backendRequestDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
}

// RecordChunk records one chunk attempt outcome.
func RecordChunk(success bool, bytes int64) {
	if success {
		uploadChunksTotal.WithLabelValues("success").Inc()
		uploadBytesTotal.Add(float64(bytes))
	} else {
		uploadChunksTotal.WithLabelValues("error").Inc()
	}
}

// RecordUploadRetry records a retry of phase ("start", "chunk", "end").
func RecordUploadRetry(phase string) {
	uploadRetriesTotal.WithLabelValues(phase).Inc()
}

// RecordUpload records the outcome of a whole upload.
func RecordUpload(backend string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	uploadsTotal.WithLabelValues(backend, outcome).Inc()
}

// RecordProjectPoll records one lifecycle poll.
func RecordProjectPoll(backend, state string) {
	projectPollsTotal.WithLabelValues(backend, state).Inc()
}

// SetLaunchedProjects sets the launched project gauge.
func SetLaunchedProjects(backend string, n int) {
	projectsOpen.WithLabelValues(backend).Set(float64(n))
}

// RecordInvalidation records one invalidated query kind.
func RecordInvalidation(query string) {
	cacheInvalidationsTotal.WithLabelValues(query).Inc()
}

// RecordCacheFetch records a cache hit or miss.
func RecordCacheFetch(hit bool) {
	if hit {
		cacheFetchesTotal.WithLabelValues("hit").Inc()
	} else {
		cacheFetchesTotal.WithLabelValues("miss").Inc()
	}
}

// RecordBulkItem records one item of a bulk operation.
func RecordBulkItem(operation string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	bulkItemsTotal.WithLabelValues(operation, outcome).Inc()
}

// RecordConflict records how an upload conflict was resolved.
func RecordConflict(resolution string) {
	conflictsTotal.WithLabelValues(resolution).Inc()
}

// RecordStorageOperation records an object storage operation.
func RecordStorageOperation(storage, operation string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	storageOperationsTotal.WithLabelValues(storage, operation, status).Inc()
	storageOperationDuration.WithLabelValues(storage, operation).Observe(duration.Seconds())
}
