// Package metrics exposes Prometheus instrumentation for the HTTP layer.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors on a private registry so
// tests can run side by side without duplicate-registration panics.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	loginsTotal     *prometheus.CounterVec
	activeSessions  prometheus.GaugeFunc
}

// New builds the collectors. sessionCount is polled on scrape for the active
// session gauge.
func New(sessionCount func() float64) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "library",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route, method and status code.",
		}, []string{"route", "method", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "library",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		loginsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "library",
			Subsystem: "auth",
			Name:      "logins_total",
			Help:      "Login attempts by method and outcome.",
		}, []string{"method", "outcome"}),
		activeSessions: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "library",
			Subsystem: "auth",
			Name:      "active_sessions",
			Help:      "Sessions currently stored.",
		}, sessionCount),
	}

	reg.MustRegister(m.requestsTotal, m.requestDuration, m.loginsTotal, m.activeSessions)
	return m
}

// Handler serves the /metrics scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one completed HTTP request.
func (m *Metrics) ObserveRequest(route, method string, code int, took time.Duration) {
	m.requestsTotal.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(took.Seconds())
}

// ObserveLogin records a login attempt. method is "totp", "webauthn",
// "backup_code" or "magic_link"; outcome is "success" or "failure".
func (m *Metrics) ObserveLogin(method, outcome string) {
	m.loginsTotal.WithLabelValues(method, outcome).Inc()
}
