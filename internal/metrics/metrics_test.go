package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{301, "3xx"},
		{401, "4xx"},
		{429, "4xx"},
		{500, "5xx"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusBucket(tt.code), "code %d", tt.code)
	}
}

func TestResult(t *testing.T) {
	assert.Equal(t, "ok", Result(nil))
	assert.Equal(t, "error", Result(errors.New("x")))
}

func TestMetricsEndpointExportsGauges(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	for _, name := range []string{
		"verigate_active_sessions",
		"verigate_inflight_evaluations",
		"verigate_active_stream_clients",
	} {
		assert.True(t, strings.Contains(body, name), "missing %s", name)
	}
}

func TestMiddlewareCountsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/widgets/:id", func(c *gin.Context) { c.Status(http.StatusTeapot) })

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/widgets/:id", "4xx"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/widgets/7", nil))
	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/widgets/:id", "4xx"))

	assert.Equal(t, before+1, after)
}

func TestRiskScoreHistogramObserves(t *testing.T) {
	RiskScores.Observe(95)

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	var found *dto.MetricFamily
	for _, mf := range families {
		if mf.GetName() == "verigate_risk_score" {
			found = mf
		}
	}
	require.NotNil(t, found, "risk score histogram not registered")
	h := found.GetMetric()[0].GetHistogram()
	assert.GreaterOrEqual(t, h.GetSampleCount(), uint64(1))
}
