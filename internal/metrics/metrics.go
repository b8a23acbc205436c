// Health BG Sync - Durable Health Sample Sync Daemon
// Copyright 2026 The Momentum (the-momentum)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/the-momentum/health-bg-sync

package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instrumentation for the sync pipeline:
// - sync runs and per-type record counts
// - outbox depth and lifecycle
// - upload attempts, latency, and circuit breaker state
// - trigger coalescing
// - control API latency and throughput

var (
	// Sync engine metrics
	SyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_runs_total",
			Help: "Total number of sync runs by trigger source and result",
		},
		[]string{"source", "result"}, // source: notify, refresh, processing, manual; result: ok, partial, error, canceled
	)

	SyncRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sync_run_duration_seconds",
			Help:    "Duration of complete sync runs in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SyncRecordsExported = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_records_exported_total",
			Help: "Total number of records serialized into outbox payloads, by data type",
		},
		[]string{"type"},
	)

	SyncTypeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_type_errors_total",
			Help: "Total number of per-type fetch or enqueue failures",
		},
		[]string{"type", "stage"}, // stage: fetch, enqueue
	)

	// Outbox metrics
	OutboxEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_items_enqueued_total",
			Help: "Total number of items durably enqueued to the outbox",
		},
	)

	OutboxCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_items_completed_total",
			Help: "Total number of outbox completions by result",
		},
		[]string{"result"}, // committed, retained
	)

	OutboxPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "outbox_pending_items",
			Help: "Current number of pending outbox items on stable storage",
		},
	)

	OutboxCorruptManifests = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_corrupt_manifests_total",
			Help: "Total number of manifests skipped as unreadable during pending scans",
		},
	)

	// Upload transport metrics
	UploadAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upload_attempts_total",
			Help: "Total number of upload attempts by HTTP status class",
		},
		[]string{"status_class"}, // 2xx, 4xx, 5xx, error
	)

	UploadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "upload_duration_seconds",
			Help:    "Duration of upload attempts in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	UploadsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "uploads_in_flight",
			Help: "Current number of uploads being attempted",
		},
	)

	CircuitBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "upload_circuit_breaker_state",
			Help: "Upload circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	// Trigger metrics
	TriggerFired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trigger_fired_total",
			Help: "Total number of trigger firings by source",
		},
		[]string{"source"}, // notify, refresh, processing
	)

	TriggerCoalesced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trigger_notifications_coalesced_total",
			Help: "Total number of change notifications absorbed into an already-armed debounce window",
		},
	)

	// Anchor store metrics
	AnchorCommits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anchor_commits_total",
			Help: "Total number of anchor commit attempts by outcome",
		},
		[]string{"outcome"}, // applied, stale
	)

	// Ingest metrics
	SamplesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "samples_ingested_total",
			Help: "Total number of samples accepted into the local store, by data type",
		},
		[]string{"type"},
	)

	// Control API metrics
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "Duration of control API requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of control API requests",
		},
		[]string{"method", "route", "status"},
	)

	// WebSocket metrics
	WebSocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_clients",
			Help: "Current number of connected event-stream clients",
		},
	)
)

// RecordSyncRun records one complete sync run.
func RecordSyncRun(source, result string, duration time.Duration) {
	SyncRuns.WithLabelValues(source, result).Inc()
	SyncRunDuration.Observe(duration.Seconds())
}

// RecordUploadAttempt records an upload attempt with its HTTP status.
// A status of 0 means the request never received a response.
func RecordUploadAttempt(status int, duration time.Duration) {
	class := "error"
	switch {
	case status >= 200 && status < 300:
		class = "2xx"
	case status >= 400 && status < 500:
		class = "4xx"
	case status >= 500:
		class = "5xx"
	}
	UploadAttempts.WithLabelValues(class).Inc()
	UploadDuration.Observe(duration.Seconds())
}

// RecordAPIRequest records a control API request.
func RecordAPIRequest(method, route string, status int, duration time.Duration) {
	code := strconv.Itoa(status)
	APIRequestsTotal.WithLabelValues(method, route, code).Inc()
	APIRequestDuration.WithLabelValues(method, route, code).Observe(duration.Seconds())
}
