package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	_ "time/tzdata"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/verigate/internal/config"
	"github.com/mbd888/verigate/internal/logging"
	"github.com/mbd888/verigate/internal/verification"
)

const testServiceKey = "svc-test-key"

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal in-memory config for testing
func testConfig() *config.Config {
	v := verification.DefaultConfig()
	v.Mode = verification.ModeSync
	return &config.Config{
		Port:             "0",
		Env:              "development",
		LogLevel:         "error",
		TokenSecret:      "server-test-secret-0123456789abcdef",
		AccessTokenTTL:   config.DefaultAccessTokenTTL,
		RefreshTokenTTL:  config.DefaultRefreshTokenTTL,
		ServiceAPIKey:    testServiceKey,
		RateLimitEnabled: true,
		Verification:     v,
		CleanupInterval:  config.DefaultCleanupInterval,
		Retention:        config.DefaultRetention,
	}
}

// newTestServer creates a server backed by in-memory stores
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(), WithLogger(logging.Discard()), WithDrainDelay(0))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

func do(s *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := do(s, "GET", "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp.Status)
	}
	if len(resp.Checks) != 1 || resp.Checks[0].Name != "verification" {
		t.Errorf("Expected only the verification check, got %+v", resp.Checks)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("Expected X-Request-ID header")
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	if w := do(s, "GET", "/health/live", "", nil); w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	// Server hasn't called Run() so ready is false
	if w := do(s, "GET", "/health/ready", "", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}

	s.ready.Store(true)
	if w := do(s, "GET", "/health/ready", "", nil); w.Code != http.StatusOK {
		t.Errorf("Expected 200 once ready, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"POST:/v1/sessions",
		"POST:/v1/sessions/refresh",
		"GET:/v1/sessions/:id",
		"DELETE:/v1/sessions/:id",
		"DELETE:/v1/identities/:id/sessions",
		"GET:/v1/security/status",
		"GET:/v1/security/metrics/risk-scores",
		"GET:/v1/security/metrics/threats",
		"GET:/v1/security/metrics/sessions",
		"GET:/v1/security/live/session/:id",
		"GET:/v1/security/stream",
		"GET:/v1/security/rate-limits",
		"GET:/v1/me",
	}

	routeSet := make(map[string]bool)
	for _, route := range s.router.Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}
	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Route %s not registered", e)
		}
	}
}

// ---------------------------------------------------------------------------
// Service key tests
// ---------------------------------------------------------------------------

func TestServiceRoutesRequireKey(t *testing.T) {
	s := newTestServer(t)

	if w := do(s, "GET", "/v1/security/status", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without key, got %d", w.Code)
	}
	if w := do(s, "GET", "/v1/security/status", "", map[string]string{ServiceKeyHeader: "wrong"}); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 with wrong key, got %d", w.Code)
	}
	if w := do(s, "GET", "/v1/security/status", "", map[string]string{ServiceKeyHeader: testServiceKey}); w.Code != http.StatusOK {
		t.Errorf("Expected 200 with key, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Session lifecycle through continuous verification
// ---------------------------------------------------------------------------

func TestSessionLifecycle(t *testing.T) {
	s := newTestServer(t)
	svc := map[string]string{ServiceKeyHeader: testServiceKey}

	w := do(s, "POST", "/v1/sessions", `{"identity_id":"user-1","identity_kind":"user"}`, svc)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var pair struct {
		SessionID    string `json:"session_id"`
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &pair); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	bearer := map[string]string{"Authorization": "Bearer " + pair.AccessToken}
	w = do(s, "GET", "/v1/me", "", bearer)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 from /v1/me, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), pair.SessionID) {
		t.Errorf("Expected session id in response, got %s", w.Body.String())
	}

	recs, err := s.scores.ListBySession(context.Background(), pair.SessionID, 0)
	if err != nil || len(recs) != 1 {
		t.Fatalf("Expected one score record, got %d (err %v)", len(recs), err)
	}

	w = do(s, "GET", "/v1/security/live/session/"+pair.SessionID, "", svc)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 from live session, got %d", w.Code)
	}

	w = do(s, "POST", "/v1/sessions/refresh", `{"refresh_token":"`+pair.RefreshToken+`"}`, nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 from refresh, got %d: %s", w.Code, w.Body.String())
	}

	w = do(s, "DELETE", "/v1/sessions/"+pair.SessionID, "", svc)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 from logout, got %d", w.Code)
	}

	w = do(s, "GET", "/v1/me", "", bearer)
	if w.Code != http.StatusUnauthorized || !strings.Contains(w.Body.String(), "session_inactive") {
		t.Errorf("Expected 401 session_inactive after logout, got %d: %s", w.Code, w.Body.String())
	}
}

func TestProtectedRouteRequiresToken(t *testing.T) {
	s := newTestServer(t)

	if w := do(s, "GET", "/v1/me", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Rate limit read model
// ---------------------------------------------------------------------------

func TestRateLimitStats(t *testing.T) {
	s := newTestServer(t)
	svc := map[string]string{ServiceKeyHeader: testServiceKey}

	if w := do(s, "GET", "/v1/security/rate-limits?limit=0", "", svc); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad limit, got %d", w.Code)
	}

	w := do(s, "GET", "/v1/security/rate-limits", "", svc)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if rules, ok := resp["rules"].([]any); !ok || len(rules) != 6 {
		t.Errorf("Expected 6 rules, got %v", resp["rules"])
	}
}

// ---------------------------------------------------------------------------
// Misc
// ---------------------------------------------------------------------------

func TestSecurityHeadersApplied(t *testing.T) {
	s := newTestServer(t)

	w := do(s, "GET", "/health/live", "", nil)
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	if w := do(s, "GET", "/v1/nonexistent", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestShutdownWithoutRun(t *testing.T) {
	s := newTestServer(t)

	if err := s.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !s.orchestrator.Draining() {
		t.Error("Expected orchestrator to be draining after shutdown")
	}
}

func TestMaskDSN(t *testing.T) {
	got := maskDSN("postgres://app:secret@db:5432/verigate?sslmode=disable")
	if strings.Contains(got, "secret") {
		t.Errorf("password leaked: %s", got)
	}
}
