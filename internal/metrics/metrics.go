/*
Copyright 2024 Elevizion Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics exposes Prometheus instrumentation for the sync engine:
// outbox job outcomes, reconcile results, publish stage timings, lock
// contention and the state of the remote-platform circuit breaker.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OutboxJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "elevizion_outbox_jobs_total",
			Help: "Outbox jobs processed by provider and outcome (succeeded, retry, failed)",
		},
		[]string{"provider", "outcome"},
	)

	OutboxBatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "elevizion_outbox_batch_duration_seconds",
			Help:    "Time spent processing one outbox batch",
			Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 120},
		},
	)

	ReconcileTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "elevizion_reconcile_total",
			Help: "Location reconciliations by result (ok, partial, failed)",
		},
		[]string{"result"},
	)

	ContentGuaranteeStrategy = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "elevizion_content_guarantee_total",
			Help: "Content guarantee outcomes by winning strategy",
		},
		[]string{"strategy"},
	)

	PublishStageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "elevizion_publish_stage_duration_seconds",
			Help:    "Publish pipeline stage duration",
			Buckets: []float64{.05, .25, 1, 5, 15, 60, 180, 600},
		},
		[]string{"stage", "status"},
	)

	LockContention = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "elevizion_resource_lock_contention_total",
			Help: "Resource lock acquisitions denied because the resource was held",
		},
		[]string{"resource_type"},
	)

	SyncLockDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "elevizion_sync_lock_denied_total",
			Help: "Distributed sync lock acquisitions denied by reason",
		},
		[]string{"lock_id", "reason"},
	)

	RemoteRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "elevizion_remote_requests_total",
			Help: "Requests to the signage platform by method and status class",
		},
		[]string{"method", "status"},
	)

	APIRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "elevizion_api_rejected_total",
			Help: "Admin API requests rejected before reaching a handler, by reason code",
		},
		[]string{"code"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "elevizion_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "elevizion_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)
)

// RecordOutboxJob counts one processed job.
func RecordOutboxJob(provider, outcome string) {
	OutboxJobsTotal.WithLabelValues(provider, outcome).Inc()
}

// RecordPublishStage observes the duration of one pipeline stage.
func RecordPublishStage(stage, status string, d time.Duration) {
	PublishStageDuration.WithLabelValues(stage, status).Observe(d.Seconds())
}

// RecordLockContention is suitable as a lock.Manager contention hook.
func RecordLockContention(resourceType string) {
	LockContention.WithLabelValues(resourceType).Inc()
}

// StatusClass buckets an HTTP status for the remote request counter.
func StatusClass(status int) string {
	switch {
	case status == 0:
		return "error"
	case status == 429:
		return "429"
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
