// Quaver - Multi-User Music Download Coordinator
// Copyright 2026 The Quaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quaverhq/quaver

// Package metrics exposes Prometheus instrumentation for the
// coordinator: queue depth and job outcomes, download throughput,
// provider call health, sessions, and the API/WebSocket surfaces.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Job lifecycle
	JobsEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quaver_jobs_enqueued_total",
			Help: "Total track jobs added to the download queue",
		},
	)

	JobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quaver_jobs_completed_total",
			Help: "Total jobs that reached a terminal state",
		},
		[]string{"state"}, // done, failed, cancelled
	)

	JobRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quaver_job_retries_total",
			Help: "Total retryable job failures that were re-queued",
		},
		[]string{"error_code"},
	)

	JobsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quaver_jobs_running",
			Help: "Jobs currently held by scheduler workers",
		},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quaver_job_duration_seconds",
			Help:    "Wall time of a completed download attempt",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"quality"},
	)

	DownloadBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quaver_download_bytes_total",
			Help: "Total decrypted audio bytes written to disk",
		},
	)

	// Provider health
	ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quaver_provider_calls_total",
			Help: "Provider API calls by method and outcome",
		},
		[]string{"method", "outcome"}, // outcome: ok, error
	)

	ProviderBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quaver_provider_breaker_state",
			Help: "Provider circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	// Sessions
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quaver_sessions_active",
			Help: "Live sessions in the registry",
		},
	)

	SessionsReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quaver_sessions_reaped_total",
			Help: "Sessions destroyed by the idle reaper",
		},
	)

	// Sync channel / WebSocket surface
	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quaver_ws_connections",
			Help: "Open WebSocket connections",
		},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quaver_events_published_total",
			Help: "Events published to the sync channel",
		},
		[]string{"type"},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quaver_events_dropped_total",
			Help: "Events dropped because the sync channel buffer was full",
		},
	)

	// API surface
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quaver_api_requests_total",
			Help: "Total API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quaver_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)
)

// RecordAPIRequest tracks one served API request.
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordProviderCall tracks one provider API call.
func RecordProviderCall(method string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	ProviderCalls.WithLabelValues(method, outcome).Inc()
}

// RecordJobOutcome tracks a job reaching a terminal state.
func RecordJobOutcome(state string) {
	JobsCompleted.WithLabelValues(state).Inc()
}
