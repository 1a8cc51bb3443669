package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits counts cache manager hits per key prefix.
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncd_cache_hits_total",
		Help: "Cache hits by key prefix",
	}, []string{"prefix"})

	// CacheMisses counts cache manager misses per key prefix.
	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncd_cache_misses_total",
		Help: "Cache misses by key prefix",
	}, []string{"prefix"})

	// CacheOpDuration tracks cache store operation latency.
	CacheOpDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "syncd_cache_op_duration_seconds",
		Help:    "Latency of cache store operations",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~2s
	})

	// UpstreamCallDuration tracks upstream API call latency per operation.
	UpstreamCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "syncd_upstream_call_duration_seconds",
		Help:    "Latency of upstream API calls",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
	}, []string{"operation"})

	// UpstreamErrors counts upstream failures by error kind.
	UpstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncd_upstream_errors_total",
		Help: "Upstream API failures by error kind",
	}, []string{"kind"})

	// LimiterQueueDepth tracks pending tasks in the rate limiter queue.
	LimiterQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "syncd_limiter_queue_depth",
		Help: "Current number of tasks waiting in the rate limiter",
	})

	// LimiterDecisions counts limiter outcomes (completed, failed, dropped).
	LimiterDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncd_limiter_decisions_total",
		Help: "Rate limiter task outcomes",
	}, []string{"outcome"})

	// SyncQueueDepth tracks the write pipeline backlog.
	SyncQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "syncd_sync_queue_depth",
		Help: "Current number of items in the sync queue",
	})

	// SyncQueueOutcomes counts processed/failed/retried/dropped queue items.
	SyncQueueOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncd_sync_queue_outcomes_total",
		Help: "Sync queue item outcomes",
	}, []string{"outcome"})

	// SyncItemDuration tracks end-to-end processing time per queue item.
	SyncItemDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "syncd_sync_item_duration_seconds",
		Help:    "Sync queue item processing time",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	// ConflictsDetected counts conflicts by type.
	ConflictsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncd_conflicts_detected_total",
		Help: "Scheduling conflicts detected by type",
	}, []string{"type"})

	// WebhooksReceived counts webhook deliveries by outcome.
	WebhooksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncd_webhooks_received_total",
		Help: "Webhook deliveries by outcome (accepted, invalid_signature, unknown_source)",
	}, []string{"outcome"})

	// APIRateLimited counts requests rejected at the HTTP boundary.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncd_api_rate_limited_total",
		Help: "Requests rejected by the HTTP boundary rate limit",
	}, []string{"scope"})

	// CronRunDuration tracks background job run time.
	CronRunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "syncd_cron_run_duration_seconds",
		Help:    "Background job run duration",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"job"})
)
