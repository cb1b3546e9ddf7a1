package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	httpRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_size_bytes",
			Help:    "HTTP request size in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 6),
		},
		[]string{"method", "path"},
	)

	httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "HTTP response size in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 6),
		},
		[]string{"method", "path"},
	)

	// Repository metrics

	ArchiveBuildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metarepo_archive_builds_total",
			Help: "Client archive requests by outcome (built, cached, not_modified, error)",
		},
		[]string{"client_type", "outcome"},
	)

	ArchiveBuildDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "metarepo_archive_build_duration_seconds",
			Help:    "Duration of client archive builds that staged and composed a new archive",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"client_type"},
	)

	CacheInvalidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metarepo_cache_invalidations_total",
			Help: "Total number of client archive cache invalidations",
		},
		[]string{"client_type"},
	)

	DeletionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metarepo_service_deletions_total",
			Help: "Service deletions by final state",
		},
		[]string{"state"},
	)

	RollbackFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "metarepo_rollback_failures_total",
			Help: "Deletions whose snapshot could not be restored",
		},
	)

	ConsistencyErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "metarepo_consistency_errors_total",
			Help: "Inconsistent archive cache states detected",
		},
	)

	TenantsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "metarepo_tenants_total",
			Help: "Number of tenant stores opened since start",
		},
	)

	SeedSyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "metarepo_seed_sync_duration_seconds",
			Help:    "Duration of seed catalogue sync operations",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
	)

	SeedSyncErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "metarepo_seed_sync_errors_total",
			Help: "Total number of seed catalogue sync errors",
		},
	)
)

// Metrics returns a middleware that records Prometheus metrics
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		path := normalizePath(r.URL.Path)

		if r.ContentLength > 0 {
			httpRequestSize.WithLabelValues(r.Method, path).Observe(float64(r.ContentLength))
		}

		next.ServeHTTP(ww, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(ww.Status())

		httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
		httpResponseSize.WithLabelValues(r.Method, path).Observe(float64(ww.BytesWritten()))
	})
}

// normalizePath maps URL paths to route templates for metrics labels so
// service ids and file paths do not explode label cardinality.
func normalizePath(path string) string {
	rest, ok := strings.CutPrefix(path, "/v1/")
	if !ok {
		return path
	}
	parts := strings.Split(strings.Trim(rest, "/"), "/")

	switch {
	case parts[0] == "client" && len(parts) >= 3 && parts[1] == "services":
		return "/v1/client/services/{serviceId}"
	case parts[0] == "client" && len(parts) == 2:
		return "/v1/client/{clientType}"
	case parts[0] != "admin" || len(parts) < 2:
		return path
	case parts[1] == "services" && len(parts) == 2:
		return "/v1/admin/services"
	case parts[1] == "services" && len(parts) == 4 && parts[3] == "toggle_enabled":
		return "/v1/admin/services/{serviceId}/toggle_enabled"
	case parts[1] == "services":
		return "/v1/admin/services/{serviceId}"
	case parts[1] == "reset_caches":
		return "/v1/admin/reset_caches"
	case len(parts) == 2:
		return "/v1/admin/{dataType}"
	default:
		return "/v1/admin/{dataType}/*"
	}
}
