// Package metrics holds the Prometheus collectors for terminal sessions and
// the HTTP surface.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Inbound message kinds.
const (
	KindData      = "data"
	KindResize    = "resize"
	KindMalformed = "malformed"
)

// Metrics holds all Prometheus metrics.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	SessionsActive        prometheus.Gauge
	SessionsTotal         prometheus.Counter
	SessionDuration       prometheus.Histogram
	SessionEnds           *prometheus.CounterVec
	SpawnFailures         prometheus.Counter
	InboundMessages       *prometheus.CounterVec
	OutputBytes           prometheus.Counter
	HeartbeatTerminations prometheus.Counter

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "termbridge_sessions_active",
			Help: "Number of terminal sessions currently attached",
		}),
		SessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "termbridge_sessions_total",
			Help: "Total number of terminal sessions started",
		}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "termbridge_session_duration_seconds",
			Help:    "Lifetime of terminal sessions",
			Buckets: []float64{1, 10, 60, 300, 900, 3600, 4 * 3600, 24 * 3600},
		}),
		SessionEnds: f.NewCounterVec(prometheus.CounterOpts{
			Name: "termbridge_session_ends_total",
			Help: "Terminal sessions ended, by reason",
		}, []string{"reason"}),
		SpawnFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "termbridge_spawn_failures_total",
			Help: "Shell processes that could not be started",
		}),
		InboundMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "termbridge_inbound_messages_total",
			Help: "Socket messages received from clients, by kind",
		}, []string{"kind"}),
		OutputBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "termbridge_output_bytes_total",
			Help: "Bytes of shell output relayed to clients",
		}),
		HeartbeatTerminations: f.NewCounter(prometheus.CounterOpts{
			Name: "termbridge_heartbeat_terminations_total",
			Help: "Sessions closed after a missed liveness pong",
		}),
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "termbridge_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "termbridge_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// SessionStarted records a new attached session.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
	m.SessionsTotal.Inc()
}

// SessionEnded records a session teardown.
func (m *Metrics) SessionEnded(reason string, lifetime time.Duration) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionEnds.WithLabelValues(reason).Inc()
	m.SessionDuration.Observe(lifetime.Seconds())
}

// SpawnFailed records a shell that could not be started.
func (m *Metrics) SpawnFailed() {
	if m == nil {
		return
	}
	m.SpawnFailures.Inc()
}

// Inbound records one client message of the given kind.
func (m *Metrics) Inbound(kind string) {
	if m == nil {
		return
	}
	m.InboundMessages.WithLabelValues(kind).Inc()
}

// Output records relayed shell output.
func (m *Metrics) Output(n int) {
	if m == nil {
		return
	}
	m.OutputBytes.Add(float64(n))
}

// HeartbeatTerminated records a dead-peer termination.
func (m *Metrics) HeartbeatTerminated() {
	if m == nil {
		return
	}
	m.HeartbeatTerminations.Inc()
}

// Middleware creates a Gin middleware for request metrics.
func Middleware(m *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		if m == nil {
			return
		}
		route := c.FullPath()
		if route == "" {
			route = "static"
		}
		m.RequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.RequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}
