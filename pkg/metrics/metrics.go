package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cache metrics
	CacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "depot_cache_hits_total",
			Help: "Total number of cache hits",
		},
	)

	CacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "depot_cache_misses_total",
			Help: "Total number of cache misses",
		},
	)

	CacheEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "depot_cache_evictions_total",
			Help: "Total number of cache entries evicted",
		},
	)

	CacheBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "depot_cache_bytes",
			Help: "Current number of payload bytes held by the cache",
		},
	)

	// Sync worker metrics
	VersionsSynced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "depot_versions_synced_total",
			Help: "Total number of versions uploaded to the object store",
		},
	)

	VersionsSyncFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "depot_versions_sync_failed_total",
			Help: "Total number of version uploads that failed",
		},
	)

	BlobsCulled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "depot_blobs_culled_total",
			Help: "Total number of local blobs reclaimed by the culler",
		},
	)

	// Availability metrics
	ReadOnlyMode = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "depot_read_only_mode",
			Help: "Whether the service rejects mutations (1 = read-only)",
		},
	)

	// Engine metrics
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depot_operations_total",
			Help: "Total number of namespace operations by op and status",
		},
		[]string{"op", "status"},
	)

	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "depot_operation_duration_seconds",
			Help:    "Namespace operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	TenantsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "depot_tenants_active",
			Help: "Number of tenant bundles currently resolved",
		},
	)
)

func init() {
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
	prometheus.MustRegister(CacheEvictions)
	prometheus.MustRegister(CacheBytes)
	prometheus.MustRegister(VersionsSynced)
	prometheus.MustRegister(VersionsSyncFailed)
	prometheus.MustRegister(BlobsCulled)
	prometheus.MustRegister(ReadOnlyMode)
	prometheus.MustRegister(OperationsTotal)
	prometheus.MustRegister(OperationDuration)
	prometheus.MustRegister(TenantsActive)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve starts an HTTP server exposing /metrics on the given address.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return http.ListenAndServe(addr, mux)
}
