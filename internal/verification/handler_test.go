package verification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/verigate/internal/ratelimit"
	"github.com/mbd888/verigate/internal/risk"
	"github.com/mbd888/verigate/internal/session"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newGateRouter(t *testing.T, h *harness, limiter *ratelimit.Limiter) *gin.Engine {
	t.Helper()
	gate, err := NewGate(h.orch, h.registry, limiter, ratelimit.RuleGlobalIP)
	require.NoError(t, err)

	r := gin.New()
	r.GET("/v1/me", gate.Middleware(), func(c *gin.Context) {
		id, ok := IdentityFrom(c)
		require.True(t, ok)
		c.JSON(http.StatusOK, gin.H{"identity_id": id.ID, "session_id": c.GetString(ContextKeySessionID)})
	})
	return r
}

func openSession(t *testing.T, h *harness) *session.TokenPair {
	t.Helper()
	h.clock = time.Now()
	pair, err := h.registry.Open("u1", "user", session.Metadata{SourceAddress: "198.51.100.1"})
	require.NoError(t, err)
	return pair
}

func get(r http.Handler, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("X-Forwarded-For", "198.51.100.1")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestGateRejectsMissingAndInvalidTokens(t *testing.T) {
	h := newHarness(t, syncConfig(), time.Now())
	r := newGateRouter(t, h, nil)

	w := get(r, "/v1/me", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "unauthorized")

	w = get(r, "/v1/me", "not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_token")
}

func TestGateSyncAllowsLowRisk(t *testing.T) {
	h := newHarness(t, syncConfig(), time.Now())
	r := newGateRouter(t, h, nil)
	pair := openSession(t, h)

	w := get(r, "/v1/me", pair.AccessToken)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"identity_id":"u1"`)

	recs, _ := h.scores.ListBySession(context.Background(), pair.SessionID, 0)
	assert.Len(t, recs, 1)
}

func TestGateSyncDeniesAndRevokes(t *testing.T) {
	cfg := syncConfig()
	// Every non-zero score counts as extreme.
	cfg.Thresholds = risk.Thresholds{}
	h := newHarness(t, cfg, time.Now())
	r := newGateRouter(t, h, nil)
	pair := openSession(t, h)

	w := get(r, "/v1/me", pair.AccessToken)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "session_revoked")

	w = get(r, "/v1/me", pair.AccessToken)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "session_inactive")
}

func TestGateAsyncEvaluatesAfterHandler(t *testing.T) {
	h := newHarness(t, DefaultConfig(), time.Now())
	r := newGateRouter(t, h, nil)
	pair := openSession(t, h)

	w := get(r, "/v1/me", pair.AccessToken)
	require.Equal(t, http.StatusOK, w.Code)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.orch.Drain(ctx))

	recs, _ := h.scores.ListBySession(context.Background(), pair.SessionID, 0)
	assert.Len(t, recs, 1)
}

func TestGateRateLimitsBeforeScoring(t *testing.T) {
	h := newHarness(t, syncConfig(), time.Now())
	limiter := ratelimit.New([]ratelimit.Rule{{
		Name: ratelimit.RuleGlobalIP, MaxRequests: 1, Window: time.Hour, Scope: ratelimit.ScopeGlobal, Enabled: true,
	}})
	r := newGateRouter(t, h, limiter)
	pair := openSession(t, h)

	require.Equal(t, http.StatusOK, get(r, "/v1/me", pair.AccessToken).Code)
	w := get(r, "/v1/me", pair.AccessToken)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	recs, _ := h.scores.ListBySession(context.Background(), pair.SessionID, 0)
	assert.Len(t, recs, 1, "the limited request is not scored")
}

func TestNewGateUnknownRule(t *testing.T) {
	h := newHarness(t, syncConfig(), time.Now())
	_, err := NewGate(h.orch, h.registry, ratelimit.New(nil), "missing")
	assert.ErrorIs(t, err, ratelimit.ErrUnknownRule)
}

func TestGateDisabledOnlyTouches(t *testing.T) {
	cfg := syncConfig()
	cfg.Enabled = false
	h := newHarness(t, cfg, time.Now())
	r := newGateRouter(t, h, nil)
	pair := openSession(t, h)

	require.Equal(t, http.StatusOK, get(r, "/v1/me", pair.AccessToken).Code)
	recs, _ := h.scores.ListBySession(context.Background(), pair.SessionID, 0)
	assert.Empty(t, recs)
}

func statusRouter(h *harness) *gin.Engine {
	rep := NewReporter(h.orch.Config(), h.scores, h.threats, h.registry)
	r := gin.New()
	NewHandler(rep).RegisterRoutes(r.Group("/v1"))
	return r
}

func TestStatusEndpoints(t *testing.T) {
	at := scenarioBTime()
	h := newHarness(t, syncConfig(), at.Add(-25*time.Hour), withLocator(fixedLocator{km: 8500}))
	seedScenarioB(t, h, at)
	h.orch.Monitor(context.Background(), "s1",
		newRequest("DELETE", "/admin/config/bulk/users/export", "203.0.113.9", at, "u1"))

	// Windows are relative to now; pin it to the scenario time.
	rep := NewReporter(h.orch.Config(), h.scores, h.threats, h.registry)
	rep.now = func() time.Time { return at.Add(time.Minute) }

	scores, err := rep.RiskScoreStats(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 101, scores.Count)
	assert.Equal(t, 94, scores.Max)
	assert.Equal(t, 20, scores.Min)
	assert.Equal(t, 1, scores.Distribution[risk.LevelExtreme])

	threats, err := rep.ThreatStats(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 3, threats.Total)
	assert.Equal(t, 3, threats.Mitigated)
	assert.Equal(t, 3, threats.LevelDistribution[risk.LevelExtreme])

	sessions, err := rep.SessionStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sessions.EvaluatedSessions)
	assert.Equal(t, 1, sessions.HighRiskSessions)
	assert.Equal(t, 0, sessions.ActiveSessions)

	snap, err := rep.SessionSnapshot(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "inactive", snap.State)
	assert.Equal(t, 94, snap.CurrentScore)
	assert.Len(t, snap.Factors, 7)
	assert.Len(t, snap.History, snapshotHistory)

	_, err = rep.SessionSnapshot(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownSession)

	r := statusRouter(h)
	w := get(r, "/v1/security/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "operational", body["status"])

	assert.Equal(t, http.StatusOK, get(r, "/v1/security/live/session/s1", "").Code)
	assert.Equal(t, http.StatusNotFound, get(r, "/v1/security/live/session/nope", "").Code)
	assert.Equal(t, http.StatusBadRequest, get(r, "/v1/security/metrics/risk-scores?hours=0", "").Code)
	assert.Equal(t, http.StatusOK, get(r, "/v1/security/metrics/threats?hours=48", "").Code)
	assert.Equal(t, http.StatusOK, get(r, "/v1/security/metrics/sessions", "").Code)
}
