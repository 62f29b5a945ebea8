package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricsRegistry bundles the Prometheus collectors this server exposes at
// /metrics, grounded on the teacher's go-sundheit/prometheus dependency
// pair even though the teacher's own metrics.go used otelhttp/otel
// semconv — this package uses prometheus/client_golang directly, the
// lower-level library the rest of the pack's Prometheus usage builds on.
type metricsRegistry struct {
	registry *prometheus.Registry

	flowTransitions *prometheus.CounterVec
	tokensIssued    *prometheus.CounterVec
	idpLatency      *prometheus.HistogramVec
}

func newMetricsRegistry() *metricsRegistry {
	reg := prometheus.NewRegistry()

	m := &metricsRegistry{
		registry: reg,
		flowTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dirac_auth_flow_transitions_total",
			Help: "Count of device/auth-code flow state transitions.",
		}, []string{"kind", "transition"}),
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dirac_auth_tokens_issued_total",
			Help: "Count of DIRAC access tokens issued, by VO and group.",
		}, []string{"vo", "group"}),
		idpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "dirac_auth_idp_exchange_seconds",
			Help: "Latency of upstream IdP code-exchange calls.",
		}, []string{"vo"}),
	}

	reg.MustRegister(m.flowTransitions, m.tokensIssued, m.idpLatency)
	return m
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
