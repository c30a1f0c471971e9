// Package metrics provides Prometheus metrics for CrushDB-core
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus metric CrushDB-core's storage engine and
// index layer expose. There is no gRPC/HTTP layer in this repo, so there
// are no request metrics — only the paged-storage and B+Tree domain.
type Metrics struct {
	// Engine-level operation metrics (insert/find/rangeFind/scan/delete).
	EngineOperationsTotal   *prometheus.CounterVec
	EngineOperationDuration *prometheus.HistogramVec

	// Page cache metrics.
	PageCacheHitsTotal   prometheus.Counter
	PageCacheMissesTotal prometheus.Counter
	PageCacheEvictions   prometheus.Counter
	PagesAllocatedTotal  prometheus.Counter
	PageCompactionsTotal prometheus.Counter
	PageSplitsTotal      prometheus.Counter

	// B+Tree metrics.
	BTreeInsertsTotal    *prometheus.CounterVec // label: result=ok|duplicate
	BTreeSearchDuration  prometheus.Histogram
	BTreeRangeDuration   prometheus.Histogram
	BTreeNodeSplitsTotal prometheus.Counter
	BTreeNodeMergesTotal prometheus.Counter

	// WAL metrics.
	WALAppendsTotal prometheus.Counter
	WALBytesTotal   prometheus.Counter

	// Scan metrics — total documents yielded by scans across all crates.
	DocumentsScannedTotal prometheus.Counter

	ServerUptimeSeconds prometheus.Gauge
	ServerStartTime     time.Time
}

// New creates and registers every CrushDB-core metric against the
// default Prometheus registry.
func New() *Metrics {
	m := &Metrics{ServerStartTime: time.Now()}

	m.EngineOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crushdb_engine_operations_total",
			Help: "Total number of storage engine operations",
		},
		[]string{"operation", "status"},
	)
	m.EngineOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crushdb_engine_operation_duration_seconds",
			Help:    "Duration of storage engine operations in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"operation"},
	)

	m.PageCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crushdb_page_cache_hits_total",
		Help: "Total number of page cache hits",
	})
	m.PageCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crushdb_page_cache_misses_total",
		Help: "Total number of page cache misses",
	})
	m.PageCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crushdb_page_cache_evictions_total",
		Help: "Total number of page cache evictions",
	})
	m.PagesAllocatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crushdb_pages_allocated_total",
		Help: "Total number of pages allocated",
	})
	m.PageCompactionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crushdb_page_compactions_total",
		Help: "Total number of page compactions",
	})
	m.PageSplitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crushdb_page_splits_total",
		Help: "Total number of page splits",
	})

	m.BTreeInsertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crushdb_btree_inserts_total",
			Help: "Total number of B+Tree index inserts",
		},
		[]string{"result"},
	)
	m.BTreeSearchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "crushdb_btree_search_duration_seconds",
		Help:    "Duration of B+Tree point searches in seconds",
		Buckets: prometheus.DefBuckets,
	})
	m.BTreeRangeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "crushdb_btree_range_search_duration_seconds",
		Help:    "Duration of B+Tree range searches in seconds",
		Buckets: prometheus.DefBuckets,
	})
	m.BTreeNodeSplitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crushdb_btree_node_splits_total",
		Help: "Total number of B+Tree node splits",
	})
	m.BTreeNodeMergesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crushdb_btree_node_merges_total",
		Help: "Total number of B+Tree node merges",
	})

	m.WALAppendsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crushdb_wal_appends_total",
		Help: "Total number of WAL records appended",
	})
	m.WALBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crushdb_wal_bytes_total",
		Help: "Total number of bytes appended to the WAL",
	})

	m.DocumentsScannedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crushdb_documents_scanned_total",
		Help: "Total number of documents materialized by scan operations",
	})

	m.ServerUptimeSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crushdb_uptime_seconds",
		Help: "Process uptime in seconds",
	})

	go m.updateUptime()
	return m
}

func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		m.ServerUptimeSeconds.Set(time.Since(m.ServerStartTime).Seconds())
	}
}

// RecordEngineOperation records a completed façade operation.
func (m *Metrics) RecordEngineOperation(operation, status string, duration time.Duration) {
	m.EngineOperationsTotal.WithLabelValues(operation, status).Inc()
	m.EngineOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}
