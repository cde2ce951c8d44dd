// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LevelAttempts counts passcode submissions by result code
	LevelAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matrix_level_attempts_total",
		Help: "Passcode submissions by result",
	}, []string{"result"})

	// LevelsSolved counts successful level advances by the level that was solved
	LevelsSolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matrix_levels_solved_total",
		Help: "Levels solved by level index",
	}, []string{"level"})

	// SecretAttempts counts secret phrase submissions by result code
	SecretAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matrix_secret_attempts_total",
		Help: "Secret phrase submissions by result",
	}, []string{"result"})

	// Resets counts blue pill requests by result code
	Resets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matrix_reset_requests_total",
		Help: "Reset requests by result",
	}, []string{"result"})

	// MintOutcomes counts milestone mint outcomes (minted, failed, skipped)
	MintOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matrix_milestone_mints_total",
		Help: "Milestone mint outcomes",
	}, []string{"outcome"})

	// AdminOperations counts administrator calls by operation and result code
	AdminOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matrix_admin_operations_total",
		Help: "Administrative operations by result",
	}, []string{"operation", "result"})

	// EventPublishFailures counts events that failed to publish, by event type
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matrix_event_publish_failures_total",
		Help: "Events a publisher failed to deliver",
	}, []string{"type"})

	// HTTPRequestDuration observes API latency by route pattern and status
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "matrix_http_request_duration_seconds",
		Help:    "HTTP request duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "status"})
)
