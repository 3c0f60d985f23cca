// SPDX-License-Identifier: MIT

// Package metrics defines the gateway's Prometheus collectors. All collectors
// register themselves at init via promauto and are exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequests counts handled requests by route pattern and status class.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smsgw_http_requests_total",
		Help: "HTTP requests handled, by method, route and status code.",
	}, []string{"method", "route", "status"})

	// HTTPDuration observes request latency by route pattern.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "smsgw_http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"method", "route"})

	// RateLimited counts requests rejected by the per-key limiter.
	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smsgw_rate_limited_total",
		Help: "Requests rejected with 429, by limiter scope.",
	}, []string{"scope"})

	// MessagesQueued counts accepted outbound messages.
	MessagesQueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "smsgw_messages_queued_total",
		Help: "Outbound messages accepted into the queue.",
	})

	// MessagesSent counts messages handed to a device successfully.
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "smsgw_messages_sent_total",
		Help: "Outbound messages successfully handed to a device.",
	})

	// MessagesFailed counts terminal and retryable dispatch failures.
	MessagesFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smsgw_messages_failed_total",
		Help: "Dispatch failures, by kind (permanent, transient).",
	}, []string{"kind"})

	// MessagesInbound counts ingested inbound messages.
	MessagesInbound = promauto.NewCounter(prometheus.CounterOpts{
		Name: "smsgw_messages_inbound_total",
		Help: "Inbound messages ingested from devices.",
	})

	// QueueDepth is the number of queued outbound messages, sampled by the
	// dispatcher each poll.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "smsgw_queue_depth",
		Help: "Outbound messages currently in queued state.",
	})

	// DevicesOnline is the number of online, enabled devices.
	DevicesOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "smsgw_devices_online",
		Help: "Devices currently online and enabled.",
	})

	// WebhookDeliveries counts webhook delivery attempts by outcome.
	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smsgw_webhook_deliveries_total",
		Help: "Webhook delivery attempts, by outcome (ok, error).",
	}, []string{"outcome"})

	// WebhookDropped counts events dropped because the delivery queue was full.
	WebhookDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "smsgw_webhook_dropped_total",
		Help: "Webhook events dropped due to a full delivery queue.",
	})

	// BackgroundDropped counts bookkeeping tasks dropped because the
	// background queue was full.
	BackgroundDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smsgw_background_dropped_total",
		Help: "Background bookkeeping tasks dropped due to a full queue, by task.",
	}, []string{"task"})
)
