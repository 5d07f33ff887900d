package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// NOTE: Currently, all metrics are defined globally here.
// This causes a harmless side-effect where a service (e.g., the data plane)
// initializes metrics from other services (e.g., the control plane) with zero values.
//
// TODO(refactor): When the number of metrics grows significantly, split this
// package into sub-packages (metrics/data, metrics/control) to isolate initialization.

// namespace defines the global prefix for all metrics (e.g., skuld_...).
const namespace = "skuld"

// lowLatencyBuckets defines custom buckets for high-performance operations (Data Plane).
// Standard buckets are too coarse (starting at 5ms), so we add 1ms and 2ms resolution.
// Range: 1ms to 500ms.
var lowLatencyBuckets = []float64{.001, .002, .005, .010, .015, .020, .025, .030, .050, .100, .500}

var (
	// -------------------------------------------------------------------------
	// CONTROL PLANE (management HTTP API)
	// -------------------------------------------------------------------------

	// ControlPlaneReqDuration measures the latency of HTTP requests.
	// Metric: skuld_control_plane_http_handling_seconds
	ControlPlaneReqDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "control_plane",
		Name:      "http_handling_seconds",
		Help:      "Time taken to handle HTTP requests in the control plane",
		Buckets:   prometheus.DefBuckets, // Standard buckets are fine for admin APIs (human speed)
	}, []string{"method", "path"})

	// ControlPlaneReqTotal counts the total number of HTTP requests.
	// Metric: skuld_control_plane_http_requests_total
	ControlPlaneReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "control_plane",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests in the control plane",
	}, []string{"method", "path", "code"})

	// -------------------------------------------------------------------------
	// DATA PLANE (evaluation HTTP API + caches)
	// -------------------------------------------------------------------------

	// DataPlaneReqDuration measures the latency of evaluation requests.
	// Metric: skuld_data_plane_http_handling_seconds
	DataPlaneReqDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "data_plane",
		Name:      "http_handling_seconds",
		Help:      "Time taken to handle evaluation requests",
		Buckets:   lowLatencyBuckets, // Custom buckets for < 20ms SLO
	}, []string{"method", "path"})

	// DataPlaneReqTotal counts the total number of evaluation requests.
	// Metric: skuld_data_plane_http_requests_total
	DataPlaneReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "data_plane",
		Name:      "http_requests_total",
		Help:      "Total evaluation requests",
	}, []string{"method", "path", "code"})

	// DataPlaneDecisions counts individual flag decisions by flag type and
	// whether the flag was actually evaluated or fell through to its default.
	// Metric: skuld_data_plane_flag_decisions_total
	DataPlaneDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "data_plane",
		Name:      "flag_decisions_total",
		Help:      "Total flag decisions by type and outcome",
	}, []string{"type", "outcome"}) // outcome: evaluated, default

	// --- Cache L1 Metrics (Otter) ---

	DataPlaneCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "data_plane",
		Name:      "l1_cache_hits_total",
		Help:      "Total L1 cache hits (in-memory)",
	})

	DataPlaneCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "data_plane",
		Name:      "l1_cache_misses_total",
		Help:      "Total L1 cache misses",
	})

	// DataPlaneCacheEvictions tracks snapshots removed due to capacity pressure.
	// Essential for tuning the L1 capacity.
	DataPlaneCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "data_plane",
		Name:      "l1_cache_evictions_total",
		Help:      "Total snapshots evicted due to capacity pressure",
	})

	// Note: 'items_count' rather than 'usage_bytes' because the S3-FIFO
	// algorithm (Otter) tracks item count efficiently, but not byte size.
	DataPlaneCacheUsage = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "data_plane",
		Name:      "l1_cache_items_count",
		Help:      "Current number of tenant snapshots in the L1 cache",
	})

	// DataPlaneCacheDropped tracks writes dropped because the buffer was full.
	// Indicates if the write throughput is too high for the cache configuration.
	DataPlaneCacheDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "data_plane",
		Name:      "l1_cache_dropped_total",
		Help:      "Total sets dropped due to write buffer contention",
	})

	DataPlaneInvalidations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "data_plane",
		Name:      "l1_invalidations_total",
		Help:      "Total cache invalidation events received via PubSub",
	})

	// -------------------------------------------------------------------------
	// REDIS (shared connection pool, exported by the sidecar monitor)
	// -------------------------------------------------------------------------

	// RedisPoolConnections reports the current pool composition.
	// Metric: skuld_redis_pool_connections{state="total|idle|stale"}
	RedisPoolConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "redis_pool_connections",
		Help:      "Current Redis pool connections by state",
	}, []string{"state"})

	RedisPoolHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "redis_pool_hits_total",
		Help:      "Total times a free connection was found in the pool",
	})

	RedisPoolMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "redis_pool_misses_total",
		Help:      "Total times a new connection had to be opened",
	})

	RedisPoolTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "redis_pool_timeouts_total",
		Help:      "Total times a pool wait timed out",
	})

	// -------------------------------------------------------------------------
	// POSTGRES (connection pool, exported by the sidecar monitor)
	// -------------------------------------------------------------------------

	// DatabasePoolConnections reports the current pool composition.
	// Metric: skuld_database_pool_connections{state="max|total|idle|in_use"}
	DatabasePoolConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "database",
		Name:      "pool_connections",
		Help:      "Current PostgreSQL pool connections by state",
	}, []string{"state"})

	DatabasePoolAcquireCount = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "database",
		Name:      "pool_acquire_count_total",
		Help:      "Total successful connection acquisitions from the pool",
	})

	DatabasePoolAcquireDuration = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "database",
		Name:      "pool_acquire_duration_seconds_total",
		Help:      "Cumulative time spent acquiring connections from the pool",
	})

	DatabasePoolWaitCount = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "database",
		Name:      "pool_wait_count_total",
		Help:      "Total acquisitions that had to wait for a free connection",
	})

	// -------------------------------------------------------------------------
	// STORE (tenant document persistence)
	// -------------------------------------------------------------------------

	// StoreSaveConflicts counts optimistic-lock retries on tenant document
	// writes. A sustained rate indicates contention on a single tenant.
	// Metric: skuld_store_save_conflicts_total
	StoreSaveConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "save_conflicts_total",
		Help:      "Total version conflicts while saving tenant documents",
	})

	// -------------------------------------------------------------------------
	// HYDRATOR (cache warming worker)
	// -------------------------------------------------------------------------

	// HydratorCycleDuration measures how long a full hydration cycle takes
	// across all tenants.
	// Metric: skuld_hydrator_cycle_duration_seconds
	HydratorCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "hydrator",
		Name:      "cycle_duration_seconds",
		Help:      "Duration of a full cache hydration cycle",
		Buckets:   prometheus.DefBuckets,
	})

	HydratorTenantsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "hydrator",
		Name:      "tenants_total",
		Help:      "Total tenant snapshots processed by the hydrator",
	}, []string{"status"}) // success, fail

	HydratorLastSuccess = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "hydrator",
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix timestamp of the last fully successful hydration cycle",
	})
)
