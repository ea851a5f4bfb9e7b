package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/verigate/internal/risk"
	"github.com/mbd888/verigate/internal/threat"
	"github.com/mbd888/verigate/internal/verification"
)

// --- Test helpers ---

func newTestSetup(t *testing.T, handler http.Handler) *Handlers {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return NewHandlers(NewClient(Config{APIURL: ts.URL, ServiceKey: "svc_test"}))
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func jsonHandler(t *testing.T, wantPath string, body any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, wantPath, r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}
}

// ============================================================
// Client tests
// ============================================================

func TestClient_SendsServiceKey(t *testing.T) {
	var gotKey, gotHours string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Service-Key")
		gotHours = r.URL.Query().Get("hours")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, ServiceKey: "svc_secret"})
	_, err := client.RiskScoreStats(context.Background(), 6)
	require.NoError(t, err)
	assert.Equal(t, "svc_secret", gotKey)
	assert.Equal(t, "6", gotHours)
}

func TestClient_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "unauthorized",
			"message": "Valid X-Service-Key header required",
		})
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL}).Status(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Contains(t, err.Error(), "X-Service-Key")
}

func TestClient_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL}).SessionStats(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_EscapesSessionID(t *testing.T) {
	var gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL}).SessionRisk(context.Background(), "a/b")
	require.NoError(t, err)
	assert.Equal(t, "/v1/security/live/session/a%2Fb", gotPath)
}

// ============================================================
// Tool handler tests
// ============================================================

func TestHandleGetSecurityStatus(t *testing.T) {
	cfg := verification.DefaultConfig()
	cfg.MonitoringOnly = true
	rep := verification.NewReporter(cfg, nil, nil, nil)
	h := newTestSetup(t, jsonHandler(t, "/v1/security/status", map[string]any{
		"status": "operational",
		"config": rep.ConfigStatus(),
	}))

	result, err := h.HandleGetSecurityStatus(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	require.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "Status: operational")
	assert.Contains(t, text, "Mode: async (monitoring only")
	assert.Contains(t, text, "revoke>90")
}

func TestHandleGetSecurityStatus_Disabled(t *testing.T) {
	h := newTestSetup(t, jsonHandler(t, "/v1/security/status", map[string]any{
		"status": "operational",
		"config": verification.ConfigStatus{Enabled: false},
	}))

	result, err := h.HandleGetSecurityStatus(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "disabled")
}

func TestHandleGetRiskScoreStats(t *testing.T) {
	h := newTestSetup(t, jsonHandler(t, "/v1/security/metrics/risk-scores", verification.ScoreStats{
		WindowHours: 24, Count: 4, Average: 41.25, Min: 2, Max: 94,
		Distribution:  map[risk.Level]int{risk.LevelLow: 2, risk.LevelHigh: 1, risk.LevelExtreme: 1},
		DegradedCount: 1,
	}))

	result, err := h.HandleGetRiskScoreStats(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Evaluations: 4")
	assert.Contains(t, text, "Average: 41.2")
	assert.Contains(t, text, "low=2 medium=0 high=1 extreme=1")
	assert.Contains(t, text, "Degraded evaluations: 1")
}

func TestHandleGetRiskScoreStats_InvalidHours(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not be sent")
	}))

	for _, hours := range []float64{0, 721} {
		result, err := h.HandleGetRiskScoreStats(context.Background(), makeRequest(map[string]any{"hours": hours}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
	}
}

func TestHandleGetThreatStats(t *testing.T) {
	h := newTestSetup(t, jsonHandler(t, "/v1/security/metrics/threats", verification.ThreatStats{
		WindowHours: 48, Total: 3, Mitigated: 3,
		TypeDistribution: map[threat.Type]int{
			threat.SuspiciousActivity: 1, threat.LocationAnomaly: 1, threat.UnusualBehavior: 1,
		},
		LevelDistribution: map[risk.Level]int{risk.LevelExtreme: 3},
	}))

	result, err := h.HandleGetThreatStats(context.Background(), makeRequest(map[string]any{"hours": float64(48)}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "last 48h: 3 (3 mitigated)")
	assert.Contains(t, text, "location_anomaly: 1")
	assert.Less(t, indexOf(text, "location_anomaly"), indexOf(text, "suspicious_activity"))
}

func TestHandleGetSessionStats(t *testing.T) {
	h := newTestSetup(t, jsonHandler(t, "/v1/security/metrics/sessions", verification.SessionStats{
		ActiveSessions: 12, EvaluatedSessions: 30, HighRiskSessions: 2,
	}))

	result, err := h.HandleGetSessionStats(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Active sessions: 12")
	assert.Contains(t, text, "High risk (24h): 2")
}

func TestHandleGetSessionRisk(t *testing.T) {
	at := time.Date(2026, 3, 1, 17, 0, 0, 0, time.UTC)
	h := newTestSetup(t, jsonHandler(t, "/v1/security/live/session/s1", verification.SessionSnapshot{
		SessionID: "s1", State: "inactive", CurrentScore: 94, Level: risk.LevelExtreme,
		Factors: []risk.Factor{
			{Name: risk.FactorTimeAnomaly, Weight: 0.2, Score: 80},
			{Name: risk.FactorPermissionEscalation, Weight: 0.35, Score: 100},
		},
		LastEval: &at,
		History: []*risk.ScoreRecord{
			{Score: 94, Timestamp: at, Method: "DELETE", Endpoint: "/admin/users"},
			{Score: 20, Timestamp: at.Add(-time.Minute), Method: "GET", Endpoint: "/api/proposals"},
		},
		Threats: []*threat.Record{
			{Type: threat.SuspiciousActivity, Level: risk.LevelExtreme, Mitigated: true,
				MitigationAction: threat.ActionSessionRevoked, DetectedAt: at},
		},
	}))

	result, err := h.HandleGetSessionRisk(context.Background(), makeRequest(map[string]any{"session_id": "s1"}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "Session s1 (inactive)")
	assert.Contains(t, text, "Current risk: 94 (extreme)")
	assert.Less(t, indexOf(text, string(risk.FactorPermissionEscalation)), indexOf(text, string(risk.FactorTimeAnomaly)))
	assert.Contains(t, text, "DELETE /admin/users")
	assert.Contains(t, text, "mitigated: session_revoked")
}

func TestHandleGetSessionRisk_MissingID(t *testing.T) {
	h := newTestSetup(t, http.NotFoundHandler())

	result, err := h.HandleGetSessionRisk(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "session_id is required")
}

func TestHandleGetSessionRisk_NotFound(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not_found","message":"Session not found"}`))
	}))

	result, err := h.HandleGetSessionRisk(context.Background(), makeRequest(map[string]any{"session_id": "nope"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Session not found")
}

func TestNewMCPServer(t *testing.T) {
	assert.NotNil(t, NewMCPServer(Config{APIURL: "http://localhost:8080"}))
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
