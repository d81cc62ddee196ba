// Telemetry Relay - Reliable Delivery Pipeline for Client Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telemetry-relay

// Package metrics exposes Prometheus instrumentation for the delivery pipeline.
//
// Every record that leaves the pipeline without reaching the collector
// (eviction, expiry, sampling, exhausted retries) is counted here, so loss is
// always observable to operators.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Event bus
	EventHandlerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_event_handler_failures_total",
			Help: "Total number of event handlers that returned an error or panicked",
		},
		[]string{"event"},
	)

	// Report queue
	QueueSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_queue_size",
		Help: "Current number of records buffered in the report queue",
	})

	QueueEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_queue_enqueued_total",
			Help: "Total number of records added to the report queue",
		},
		[]string{"type"},
	)

	QueueEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_queue_evicted_total",
		Help: "Total number of records evicted because the queue was at capacity",
	})

	QueueExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_queue_expired_total",
		Help: "Total number of persisted records discarded on load because they expired",
	})

	PersistenceFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_persistence_failures_total",
			Help: "Total number of queue snapshot read/write failures",
		},
		[]string{"op"},
	)

	// Transport
	RecordsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_records_sent_total",
			Help: "Total number of records delivered, by transport",
		},
		[]string{"transport"},
	)

	SendFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_send_failures_total",
			Help: "Total number of failed send attempts, by transport",
		},
		[]string{"transport"},
	)

	SendLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_send_latency_seconds",
			Help:    "Send attempt latency in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"transport"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// Retry scheduler
	RetryPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_retry_pending",
		Help: "Current number of records awaiting re-delivery",
	})

	RetryAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_retry_attempts_total",
		Help: "Total number of re-delivery attempts",
	})

	RetryDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_retry_dropped_total",
		Help: "Total number of records dropped after exhausting retries",
	})

	// Reporter
	SampledOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_records_sampled_out_total",
		Help: "Total number of records discarded by sampling",
	})

	// Plugins
	PluginErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_plugin_errors_total",
			Help: "Total number of plugin lifecycle failures",
		},
		[]string{"plugin", "phase"},
	)

	// Bridge
	BridgePublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_bridge_publish_failures_total",
		Help: "Total number of pipeline events that could not be forwarded to the message bridge",
	})

	// HTTP API
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_api_requests_total",
			Help: "Total number of API requests, by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_api_request_duration_seconds",
			Help:    "API request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	APIActiveRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_api_active_requests",
		Help: "Number of API requests currently being served",
	})

	// Ingest
	IngestRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_ingest_requests_total",
			Help: "Total number of ingest requests, by outcome",
		},
		[]string{"outcome"},
	)
)

// RecordHandlerFailure increments the handler failure counter for event.
func RecordHandlerFailure(event string) {
	EventHandlerFailures.WithLabelValues(event).Inc()
}

// RecordEnqueued increments the enqueue counter for a record type.
func RecordEnqueued(recordType string) {
	if recordType == "" {
		recordType = "untyped"
	}
	QueueEnqueued.WithLabelValues(recordType).Inc()
}

// RecordEvicted adds n evicted records.
func RecordEvicted(n int) {
	QueueEvicted.Add(float64(n))
}

// RecordExpired adds n expired records.
func RecordExpired(n int) {
	QueueExpired.Add(float64(n))
}

// SetQueueSize updates the queue size gauge.
func SetQueueSize(n int) {
	QueueSize.Set(float64(n))
}

// RecordPersistenceFailure increments the persistence failure counter for op (read|write).
func RecordPersistenceFailure(op string) {
	PersistenceFailures.WithLabelValues(op).Inc()
}

// RecordSend records the outcome and latency of one send attempt.
func RecordSend(transport string, seconds float64, err error) {
	SendLatency.WithLabelValues(transport).Observe(seconds)
	if err != nil {
		SendFailures.WithLabelValues(transport).Inc()
		return
	}
	RecordsSent.WithLabelValues(transport).Inc()
}

// SetCircuitBreakerState updates the breaker gauge.
func SetCircuitBreakerState(name string, state int) {
	CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// SetRetryPending updates the retry pending gauge.
func SetRetryPending(n int) {
	RetryPending.Set(float64(n))
}

// RecordRetryAttempt increments the retry attempt counter.
func RecordRetryAttempt() {
	RetryAttempts.Inc()
}

// RecordRetryDropped increments the permanently failed counter.
func RecordRetryDropped() {
	RetryDropped.Inc()
}

// RecordSampledOut increments the sampled-out counter.
func RecordSampledOut() {
	SampledOut.Inc()
}

// RecordPluginError increments the plugin error counter.
func RecordPluginError(plugin, phase string) {
	PluginErrors.WithLabelValues(plugin, phase).Inc()
}

// RecordBridgeFailure increments the bridge failure counter.
func RecordBridgeFailure() {
	BridgePublishFailures.Inc()
}

// TrackActiveRequest moves the active request gauge up on start and down on finish.
func TrackActiveRequest(start bool) {
	if start {
		APIActiveRequests.Inc()
		return
	}
	APIActiveRequests.Dec()
}

// RecordAPIRequest records one served API request.
func RecordAPIRequest(method, route, status string, duration time.Duration) {
	APIRequests.WithLabelValues(method, route, status).Inc()
	APIRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordIngest increments the ingest counter for outcome (accepted|invalid|limited).
func RecordIngest(outcome string) {
	IngestRequests.WithLabelValues(outcome).Inc()
}
