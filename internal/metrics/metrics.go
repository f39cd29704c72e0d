// Package metrics exposes Prometheus collectors and the component health
// registry for the schedNERD substrate.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cache metrics
	CacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "schednerd_cache_hits_total",
			Help: "Total number of cache hits",
		},
	)

	CacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "schednerd_cache_misses_total",
			Help: "Total number of cache misses",
		},
	)

	CacheEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "schednerd_cache_evictions_total",
			Help: "Total number of entries evicted under memory pressure",
		},
	)

	CacheExpirationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "schednerd_cache_expirations_total",
			Help: "Total number of entries removed by TTL expiry",
		},
	)

	CacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "schednerd_cache_entries",
			Help: "Current number of live cache entries",
		},
	)

	CacheMemoryBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "schednerd_cache_memory_bytes",
			Help: "Estimated cache memory usage in bytes",
		},
	)

	// WAL metrics
	WALAppendsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "schednerd_wal_appends_total",
			Help: "Total number of WAL entries appended",
		},
	)

	WALRotationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "schednerd_wal_rotations_total",
			Help: "Total number of WAL segment rotations",
		},
	)

	WALReplayedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "schednerd_wal_replayed_total",
			Help: "Total number of WAL entries applied during replay",
		},
	)

	WALSkippedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "schednerd_wal_skipped_total",
			Help: "Total number of WAL entries skipped as corrupt during replay",
		},
	)

	// Snapshot metrics
	SnapshotsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "schednerd_snapshots_created_total",
			Help: "Total number of snapshots written",
		},
	)

	SnapshotsRestoredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "schednerd_snapshots_restored_total",
			Help: "Total number of snapshots restored",
		},
	)

	// Transaction metrics
	TxnActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "schednerd_txn_active",
			Help: "Current number of active transactions",
		},
	)

	TxnResolvedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schednerd_txn_resolved_total",
			Help: "Total number of transactions resolved by outcome",
		},
		[]string{"outcome"},
	)

	// Feedback metrics
	FeedbackRecordsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "schednerd_feedback_records_total",
			Help: "Total number of feedback records stored",
		},
	)

	RerankedQueriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "schednerd_reranked_queries_total",
			Help: "Total number of retrievals adjusted by feedback",
		},
	)

	// Review queue metrics
	ReviewQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "schednerd_review_queue_depth",
			Help: "Current number of pending review items",
		},
	)

	ReviewEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schednerd_review_enqueued_total",
			Help: "Total number of review items enqueued by reason",
		},
		[]string{"reason"},
	)

	// Audit pipeline metrics
	FindingsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schednerd_findings_processed_total",
			Help: "Total number of audit findings processed by error type",
		},
		[]string{"error_type"},
	)

	// Context enrichment metrics
	QueriesEnrichedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "schednerd_queries_enriched_total",
			Help: "Total number of queries that received enrichment context",
		},
	)

	EnrichFragmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schednerd_enrich_fragments_total",
			Help: "Total number of enrichment fragments emitted by kind",
		},
		[]string{"kind"},
	)

	// Knowledge graph metrics
	KGNodesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "schednerd_kg_nodes_total",
			Help: "Current number of knowledge graph nodes",
		},
	)

	KGEdgesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "schednerd_kg_edges_total",
			Help: "Current number of knowledge graph edges",
		},
	)

	KGRefreshesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "schednerd_kg_refreshes_total",
			Help: "Total number of knowledge graph cache refreshes",
		},
	)

	KGRefreshDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "schednerd_kg_refresh_duration_seconds",
			Help:    "Knowledge graph refresh duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	KGSyncChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schednerd_kg_sync_changes_total",
			Help: "Total number of scheduler sync changes by type",
		},
		[]string{"change_type"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(CacheMissesTotal)
	prometheus.MustRegister(CacheEvictionsTotal)
	prometheus.MustRegister(CacheExpirationsTotal)
	prometheus.MustRegister(CacheEntries)
	prometheus.MustRegister(CacheMemoryBytes)
	prometheus.MustRegister(WALAppendsTotal)
	prometheus.MustRegister(WALRotationsTotal)
	prometheus.MustRegister(WALReplayedTotal)
	prometheus.MustRegister(WALSkippedTotal)
	prometheus.MustRegister(SnapshotsCreatedTotal)
	prometheus.MustRegister(SnapshotsRestoredTotal)
	prometheus.MustRegister(TxnActive)
	prometheus.MustRegister(TxnResolvedTotal)
	prometheus.MustRegister(FeedbackRecordsTotal)
	prometheus.MustRegister(RerankedQueriesTotal)
	prometheus.MustRegister(ReviewQueueDepth)
	prometheus.MustRegister(ReviewEnqueuedTotal)
	prometheus.MustRegister(FindingsProcessedTotal)
	prometheus.MustRegister(QueriesEnrichedTotal)
	prometheus.MustRegister(EnrichFragmentsTotal)
	prometheus.MustRegister(KGNodesTotal)
	prometheus.MustRegister(KGEdgesTotal)
	prometheus.MustRegister(KGRefreshesTotal)
	prometheus.MustRegister(KGRefreshDuration)
	prometheus.MustRegister(KGSyncChangesTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
