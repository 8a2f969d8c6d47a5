// Package metrics exposes the bridge's Prometheus /metrics endpoint, built
// on github.com/prometheus/client_golang so operational counters and
// gauges are scrapable by a real monitoring stack rather than only
// available as a JSON status payload.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()

	// ReconcileTicks counts completed reconciler control-loop passes.
	ReconcileTicks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agentbridge_reconcile_ticks_total",
		Help: "Total number of completed reconciler ticks.",
	})

	// DeliverySuppressed counts Delivery Arbiter submissions that lost the
	// claim-then-commit race and were never sent to Matrix.
	DeliverySuppressed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agentbridge_delivery_suppressed_total",
		Help: "Total number of arbiter submissions suppressed as duplicates.",
	})

	// WebhookRequests counts inbound webhook requests by outcome.
	WebhookRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agentbridge_webhook_requests_total",
		Help: "Total webhook requests by outcome (accepted, rejected, duplicate).",
	}, []string{"outcome"})

	// ActiveIdentities is a live gauge of routable agent identities.
	ActiveIdentities = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agentbridge_active_identities",
		Help: "Number of agent identities currently in routing scope.",
	})

	// LiveClientSessions is a live gauge of the Client Pool's cached Matrix sessions.
	LiveClientSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agentbridge_live_client_sessions",
		Help: "Number of cached authenticated Matrix client sessions.",
	})

	// DegradedComponents is a live gauge of unhealthy components.
	DegradedComponents = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agentbridge_degraded_components",
		Help: "Number of components currently reporting degraded health.",
	})
)

func init() {
	registry.MustRegister(ReconcileTicks, DeliverySuppressed, WebhookRequests, ActiveIdentities, LiveClientSessions, DegradedComponents)
}

// Handler returns the http.Handler serving the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
