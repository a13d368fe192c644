package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Webhooks counts deliveries by event type and outcome
	// (pending, duplicate, ignored, invalid).
	Webhooks *prometheus.CounterVec

	// Decisions counts operator decisions by outcome
	// (resolved, not_found, in_progress, failed).
	Decisions *prometheus.CounterVec

	// Callbacks counts callback attempts by kind and outcome.
	Callbacks *prometheus.CounterVec

	TokenIssuance *prometheus.CounterVec

	PendingDeployments prometheus.Gauge
}

// New registers the relay collectors on reg. A nil reg gets a private
// registry so tests can build components without global state.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		Webhooks: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "relay_webhooks_total",
			Help: "Webhook deliveries received.",
		}, []string{"event", "outcome"}),

		Decisions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "relay_decisions_total",
			Help: "Operator decisions processed.",
		}, []string{"decision", "outcome"}),

		Callbacks: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "relay_callbacks_total",
			Help: "Deployment callback attempts sent to the platform.",
		}, []string{"kind", "outcome"}),

		TokenIssuance: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "relay_token_issuance_total",
			Help: "Installation token requests by outcome (issued, cached, failed).",
		}, []string{"outcome"}),

		PendingDeployments: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "relay_pending_deployments",
			Help: "Deployments currently awaiting a decision.",
		}),
	}
}
