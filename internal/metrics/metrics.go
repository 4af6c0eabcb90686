// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for AuthAttempts.
const (
	OutcomeSuccess      = "success"
	OutcomeInvalid      = "invalid"      // validation failure
	OutcomeConflict     = "conflict"     // email or federated id taken
	OutcomeUnauthorized = "unauthorized" // bad credentials or assertion
	OutcomeForbidden    = "forbidden"
	OutcomeError        = "error" // store or identity provider failure
)

// Metrics groups every collector the service records.
//
// All methods are safe on a nil *Metrics, so components built without
// metrics (most unit tests) need no special casing.
type Metrics struct {
	registry *prometheus.Registry

	AuthAttempts        *prometheus.CounterVec
	TokensRevoked       prometheus.Counter
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them, together with the Go
// runtime and process collectors, on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		AuthAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authcore_auth_attempts_total",
				Help: "Authentication operations by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		TokensRevoked: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "authcore_tokens_revoked_total",
				Help: "Session tokens placed on the denylist by logout",
			},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authcore_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "authcore_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	registry.MustRegister(
		m.AuthAttempts,
		m.TokensRevoked,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// AuthAttempt counts one finished authentication operation.
func (m *Metrics) AuthAttempt(operation, outcome string) {
	if m == nil {
		return
	}
	m.AuthAttempts.WithLabelValues(operation, outcome).Inc()
}

// TokenRevoked counts one logout that wrote to the denylist.
func (m *Metrics) TokenRevoked() {
	if m == nil {
		return
	}
	m.TokensRevoked.Inc()
}

// ObserveHTTP records one served request. route is the chi route pattern,
// not the raw path, to keep label cardinality bounded.
func (m *Metrics) ObserveHTTP(method, route, status string, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(seconds)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
