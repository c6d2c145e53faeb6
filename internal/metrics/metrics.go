// Package metrics holds the Prometheus collectors of the server
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Browser operations
	ActionsTotal   *prometheus.CounterVec
	ActionDuration *prometheus.HistogramVec

	// Readiness discovery
	DiscoveryTotal    *prometheus.CounterVec
	DiscoveryDuration *prometheus.HistogramVec

	// Sessions
	SessionsActive prometheus.Gauge
	SessionsTotal  *prometheus.CounterVec

	// HTTP
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New registers the collectors on a fresh registry
func New() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry registers the collectors on reg
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,

		ActionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "browser_actions_total",
				Help: "Total number of browser operations",
			},
			[]string{"op", "provider", "outcome", "kind"},
		),
		ActionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "browser_action_duration_seconds",
				Help:    "Browser operation duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"op", "provider"},
		),

		DiscoveryTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "browser_discovery_total",
				Help: "Browser startups by final discovery state",
			},
			[]string{"state"},
		),
		DiscoveryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "browser_discovery_duration_seconds",
				Help:    "Time from launch to a final discovery state",
				Buckets: []float64{.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"state"},
		),

		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "browser_sessions_active",
				Help: "Number of running sessions",
			},
		),
		SessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "browser_sessions_total",
				Help: "Sessions by final status",
			},
			[]string{"status"},
		),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"method", "route"},
		),
	}
}

// RecordAction records one browser operation. kind is empty on success.
func (m *Metrics) RecordAction(op, provider string, success bool, kind string, duration time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.ActionsTotal.WithLabelValues(op, provider, outcome, kind).Inc()
	m.ActionDuration.WithLabelValues(op, provider).Observe(duration.Seconds())
}

// RecordDiscovery records the final state of a browser startup
func (m *Metrics) RecordDiscovery(state string, elapsed time.Duration) {
	m.DiscoveryTotal.WithLabelValues(state).Inc()
	m.DiscoveryDuration.WithLabelValues(state).Observe(elapsed.Seconds())
}

// SetSessionsActive sets the number of running sessions
func (m *Metrics) SetSessionsActive(count int) {
	m.SessionsActive.Set(float64(count))
}

// RecordSessionEnd counts a session reaching a final status
func (m *Metrics) RecordSessionEnd(status string) {
	m.SessionsTotal.WithLabelValues(status).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, route, status).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records every request under its mux route template, so ids in
// paths do not explode the label space
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		m.RecordHTTPRequest(r.Method, route, strconv.Itoa(rec.status), time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the recorder
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}
