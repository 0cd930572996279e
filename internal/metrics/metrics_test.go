package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSessionLifecycleCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SessionStarted()
	m.SessionStarted()
	m.SessionEnded("client_closed", 3*time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SessionsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionEnds.WithLabelValues("client_closed")))
}

func TestInboundAndOutput(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Inbound(KindData)
	m.Inbound(KindData)
	m.Inbound(KindMalformed)
	m.Output(42)
	m.HeartbeatTerminated()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.InboundMessages.WithLabelValues(KindData)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.InboundMessages.WithLabelValues(KindMalformed)))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.OutputBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HeartbeatTerminations))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SessionStarted()
		m.SessionEnded("x", time.Second)
		m.SpawnFailed()
		m.Inbound(KindResize)
		m.Output(1)
		m.HeartbeatTerminated()
	})
}

func TestMiddlewareRecordsRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := New(prometheus.NewRegistry())

	r := gin.New()
	r.Use(Middleware(m))
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "/health", "200")))
}
