package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SpMV metrics
	SpMVDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "spmv_duration_ms",
		Help:    "Duration of sparse matrix-vector multiplications in milliseconds",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 16), // 0.1ms to ~3s
	})

	SpMVGFLOPS = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spmv_gflops",
		Help: "Performance of the last sparse matrix-vector multiplication in GFLOPS",
	})

	SpMVOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spmv_operations_total",
		Help: "Total number of sparse matrix-vector multiplications by backend",
	}, []string{"backend"})

	// Vendor handle metrics
	HandleCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cusparse_handle_cache_hits_total",
		Help: "Vendor handle requests served from a worker's cache",
	})

	HandleCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cusparse_handle_cache_misses_total",
		Help: "Vendor handle requests that had to create a new handle",
	})

	HandlesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cusparse_handles_created_total",
		Help: "Vendor handles created across all workers",
	})

	HandlesDestroyed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cusparse_handles_destroyed_total",
		Help: "Vendor handles destroyed, by cache drain or context teardown",
	})
)
