// Package metrics declares the Prometheus collectors exported on /metrics.
// Collectors are registered once on the default registry at package init.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "checkout"

var (
	// SessionsCreated counts checkout sessions by payment method.
	SessionsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_created_total",
		Help:      "Checkout sessions created, by payment method.",
	}, []string{"payment_method"})

	// UpstreamErrors counts failed processor calls by operation.
	UpstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upstream_errors_total",
		Help:      "Payment processor calls that failed, by operation.",
	}, []string{"op"})

	// WebhookEvents counts verified webhook deliveries by event type and
	// outcome (handled, duplicate, handler_error, ignored).
	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_events_total",
		Help:      "Verified webhook events, by type and outcome.",
	}, []string{"type", "outcome"})

	// WebhookRejected counts deliveries rejected before dispatch.
	WebhookRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_rejected_total",
		Help:      "Webhook deliveries rejected by signature checks, by reason.",
	}, []string{"reason"})

	// Notifications counts outbox deliveries by kind and outcome.
	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_total",
		Help:      "Outbox notification deliveries, by kind and outcome.",
	}, []string{"kind", "outcome"})

	// HTTPDuration observes request latency by route pattern and status.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)
