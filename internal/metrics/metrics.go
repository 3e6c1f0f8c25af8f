// Package metrics 定義服務的 Prometheus 指標
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Toggles 點讚／收藏切換結果：changed、unchanged、error
	Toggles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engagement_toggles_total",
			Help: "Total number of membership toggles by metric and result",
		},
		[]string{"metric", "result"},
	)

	// EventsPublished 事件發布結果
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engagement_events_published_total",
			Help: "Total number of events published to the bus",
		},
		[]string{"topic", "result"},
	)

	// Deliveries 消費者確認結果：ack、nak
	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engagement_deliveries_total",
			Help: "Total number of consumed deliveries by group and outcome",
		},
		[]string{"group", "outcome"},
	)

	// Accumulated 累加器寫入
	Accumulated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engagement_accumulated_total",
			Help: "Total number of deltas appended to the accumulator",
		},
		[]string{"result"},
	)

	FlushFields = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engagement_flush_fields_total",
			Help: "Pending accumulator fields processed by flush, by result",
		},
		[]string{"result"}, // applied, failed, dropped
	)

	FlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "engagement_flush_duration_seconds",
			Help:    "Duration of one accumulator flush cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	// RelationEvents 關係事件處理結果：applied、noop、duplicate、error
	RelationEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engagement_relation_events_total",
			Help: "Relation events processed by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	PartialFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "engagement_partial_failures_total",
			Help: "Relation mutations where only one of the companion writes succeeded",
		},
	)

	CDCRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engagement_cdc_rows_total",
			Help: "Outbox rows seen by the CDC bridge, by result",
		},
		[]string{"result"}, // published, skipped, dropped
	)

	CachePatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engagement_cache_patches_total",
			Help: "Cached snapshot patches by tier and result",
		},
		[]string{"tier", "result"},
	)

	UserCounterChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engagement_user_counter_checks_total",
			Help: "Sampled user counter checks against relation tables by result",
		},
		[]string{"result"},
	)

	StaleIndexRemovals = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "engagement_stale_index_removals_total",
			Help: "Reverse index entries removed because the cached snapshot was gone",
		},
	)

	LimiterDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engagement_limiter_decisions_total",
			Help: "Token bucket decisions",
		},
		[]string{"result"}, // allowed, rejected, error
	)

	// BreakerState 斷路器狀態：0 closed、1 half-open、2 open
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "engagement_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)
)
