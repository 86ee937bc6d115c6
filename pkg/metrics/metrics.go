// Package metrics holds the prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "runwatch"

var (
	// HTTPRequestsTotal counts handled HTTP requests.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of http requests handled by the service.",
		},
		[]string{"route", "method", "code"},
	)

	// RateLimited counts requests refused by a rate limit tier.
	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected with 429, by rate limit tier.",
		},
		[]string{"tier"},
	)

	// ExecutionsSubmitted counts accepted submissions by filter kind.
	ExecutionsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_submitted_total",
			Help:      "Executions accepted for supervision.",
		},
		[]string{"kind"},
	)

	// ExecutionsFinished counts finalized executions by written status.
	ExecutionsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_finished_total",
			Help:      "Executions finalized after the runner exited.",
		},
		[]string{"status"},
	)

	// ExecutionsActive is the number of runners supervised by this process.
	ExecutionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "executions_active",
			Help:      "Runner processes currently supervised by this instance.",
		},
	)

	// ResultsRecorded counts recorded results by status and outcome.
	ResultsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_recorded_total",
			Help:      "Result reports processed, by status and outcome.",
		},
		[]string{"status", "outcome"},
	)

	// ArchiveUploads counts report archive attempts by outcome.
	ArchiveUploads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_uploads_total",
			Help:      "Execution reports uploaded to object storage, by outcome.",
		},
		[]string{"outcome"},
	)

	// Subscribers is the number of live subscribers by scope.
	Subscribers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Live update subscribers connected to this instance.",
		},
		[]string{"scope"},
	)

	// SubscriptionsDropped counts subscriptions closed on delivery failure.
	SubscriptionsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriptions_dropped_total",
			Help:      "Subscriptions removed because a push failed or the queue was full.",
		},
		[]string{"scope"},
	)

	// RelayEvents counts events seen on the shared update channel.
	RelayEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_events_total",
			Help:      "Status change events published to or received from the relay.",
		},
		[]string{"direction"},
	)

	// StaleSnapshots counts status queries answered from the last-good cache.
	StaleSnapshots = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_snapshots_total",
			Help:      "Status queries answered from cache because the store failed.",
		},
	)
)
