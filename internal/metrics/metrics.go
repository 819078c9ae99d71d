// Package metrics registers the Prometheus instruments the gateway
// exposes on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts dispatched protocol requests by method and
	// outcome ("ok" or the protocol error code as a string).
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conhub",
		Name:      "requests_total",
		Help:      "Protocol requests dispatched through the gateway.",
	}, []string{"method", "outcome"})

	// RequestDuration observes end-to-end dispatch latency per method.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "conhub",
		Name:      "request_duration_seconds",
		Help:      "Gateway dispatch latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})

	// ConnectorCalls counts forwarded connector operations.
	ConnectorCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conhub",
		Name:      "connector_calls_total",
		Help:      "Operations forwarded to connectors.",
	}, []string{"connector", "operation", "outcome"})

	// RuleViolations counts rule engine rejections by rule name.
	RuleViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conhub",
		Name:      "rule_violations_total",
		Help:      "Requests rejected by the rule engine.",
	}, []string{"rule"})

	// WebhooksReceived counts inbound webhooks by provider and outcome.
	WebhooksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conhub",
		Name:      "webhooks_received_total",
		Help:      "Inbound webhook deliveries.",
	}, []string{"provider", "outcome"})

	// ActiveConnections gauges live agent connections by agent type.
	ActiveConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "conhub",
		Name:      "active_connections",
		Help:      "Live agent connections.",
	}, []string{"agent_type"})
)

// Handler serves the Prometheus exposition endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
