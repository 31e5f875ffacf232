// Affinity - Event Interaction Analytics and Similarity Scoring
// Copyright 2026 Max Kraev (mkraev)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkraev/affinity

// Package metrics provides Prometheus instrumentation for the pipeline:
// ingestion throughput, engine state changes, stream publishes, dead-letter
// activity, store upserts, and API latency. All collectors are registered
// with the default registry via promauto and exposed at /metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion Gateway Metrics
	ActionsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "affinity_actions_received_total",
			Help: "Total user actions received by the ingestion gateway",
		},
		[]string{"action_type"},
	)

	ActionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "affinity_actions_rejected_total",
			Help: "Total user actions rejected at validation",
		},
		[]string{"reason"},
	)

	ActionPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "affinity_action_publish_retries_total",
			Help: "Total publish retry attempts in the gateway",
		},
	)

	ActionPublishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "affinity_action_publish_failures_total",
			Help: "Total publishes that exhausted retries",
		},
	)

	// Stream Metrics
	StreamPublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "affinity_stream_publishes_total",
			Help: "Total messages published, by stream",
		},
		[]string{"stream"},
	)

	StreamConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "affinity_stream_consumed_total",
			Help: "Total messages consumed, by stream and consumer",
		},
		[]string{"stream", "consumer"},
	)

	// Aggregation Engine Metrics
	EngineActionsApplied = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "affinity_engine_actions_applied_total",
			Help: "Total actions that changed aggregate state",
		},
	)

	EngineActionsSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "affinity_engine_actions_skipped_total",
			Help: "Total actions skipped as idempotent no-ops",
		},
	)

	SimilarityEmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "affinity_similarity_emitted_total",
			Help: "Total similarity updates emitted to the similarity stream",
		},
	)

	EngineProcessDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "affinity_engine_process_duration_seconds",
			Help:    "Duration of a single action aggregation",
			Buckets: []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .025},
		},
	)

	EnginePairsTracked = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "affinity_engine_pairs_tracked",
			Help: "Current number of event pairs with nonzero min-sum",
		},
	)

	// Dead Letter Queue Metrics
	DLQEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "affinity_dlq_entries_total",
			Help: "Total messages routed to the dead-letter queue",
		},
		[]string{"category"},
	)

	DLQRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "affinity_dlq_retries_total",
			Help: "Total DLQ retry attempts by outcome",
		},
		[]string{"success"},
	)

	DLQDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "affinity_dlq_dropped_total",
			Help: "Total DLQ entries dropped after exhausting retries",
		},
	)

	DLQSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "affinity_dlq_size",
			Help: "Current number of entries in the dead-letter queue",
		},
	)

	// Persistence & Query Metrics
	StoreUpserts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "affinity_store_upserts_total",
			Help: "Total similarity rows upserted into the materialized view",
		},
	)

	StoreDiscards = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "affinity_store_discards_total",
			Help: "Total similarity updates discarded as stale",
		},
	)

	StoreQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "affinity_store_query_duration_seconds",
			Help:    "Duration of materialized-view queries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	// API Metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "affinity_api_requests_total",
			Help: "Total API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "affinity_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"method", "endpoint"},
	)
)

// RecordActionReceived counts a validated action at the gateway.
func RecordActionReceived(actionType string) {
	ActionsReceived.WithLabelValues(actionType).Inc()
}

// RecordActionRejected counts a validation rejection.
func RecordActionRejected(reason string) {
	ActionsRejected.WithLabelValues(reason).Inc()
}

// RecordStreamPublish counts a successful publish to the named stream.
func RecordStreamPublish(stream string) {
	StreamPublishes.WithLabelValues(stream).Inc()
}

// RecordStreamConsumed counts a consumed message.
func RecordStreamConsumed(stream, consumer string) {
	StreamConsumed.WithLabelValues(stream, consumer).Inc()
}

// RecordDLQEntry counts a message routed to the DLQ.
func RecordDLQEntry(category string) {
	DLQEntries.WithLabelValues(category).Inc()
}

// RecordDLQRetry counts a retry attempt and its outcome.
func RecordDLQRetry(success bool) {
	DLQRetries.WithLabelValues(strconv.FormatBool(success)).Inc()
}

// ObserveEngineProcess records one aggregation duration.
func ObserveEngineProcess(d time.Duration) {
	EngineProcessDuration.Observe(d.Seconds())
}

// ObserveStoreQuery records one query duration.
func ObserveStoreQuery(query string, d time.Duration) {
	StoreQueryDuration.WithLabelValues(query).Observe(d.Seconds())
}

// RecordAPIRequest counts a finished API request.
func RecordAPIRequest(method, endpoint string, statusCode int, d time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(d.Seconds())
}
