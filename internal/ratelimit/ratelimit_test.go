package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

var threePerMinute = Rule{Name: "test", MaxRequests: 3, Window: time.Minute, Scope: ScopeIP, Enabled: true}

func TestCheckSlidingWindow(t *testing.T) {
	clk := newClock()
	l := New([]Rule{threePerMinute}, WithClock(clk.Now))

	for i := 0; i < 3; i++ {
		ok, v := l.Check("1.2.3.4", threePerMinute, Meta{})
		require.True(t, ok, "request %d", i+1)
		require.Nil(t, v)
	}

	ok, v := l.Check("1.2.3.4", threePerMinute, Meta{IPAddress: "1.2.3.4", Endpoint: "/login"})
	assert.False(t, ok)
	require.NotNil(t, v)
	assert.Equal(t, 3, v.CurrentCount)
	assert.Equal(t, 3, v.MaxAllowed)
	assert.Equal(t, "/login", v.Endpoint)

	clk.Advance(time.Minute + time.Second)
	ok, _ = l.Check("1.2.3.4", threePerMinute, Meta{})
	assert.True(t, ok, "request after window elapses")
}

func TestCheckSlidesRatherThanResets(t *testing.T) {
	clk := newClock()
	l := New([]Rule{threePerMinute}, WithClock(clk.Now))

	l.Check("k", threePerMinute, Meta{})
	clk.Advance(30 * time.Second)
	l.Check("k", threePerMinute, Meta{})
	l.Check("k", threePerMinute, Meta{})

	// first request falls out; the other two are still inside
	clk.Advance(31 * time.Second)
	ok, _ := l.Check("k", threePerMinute, Meta{})
	assert.True(t, ok)
	ok, _ = l.Check("k", threePerMinute, Meta{})
	assert.False(t, ok)
}

func TestRulesHaveIndependentCounters(t *testing.T) {
	other := threePerMinute
	other.Name = "other"
	l := New([]Rule{threePerMinute, other})

	for i := 0; i < 3; i++ {
		l.Check("k", threePerMinute, Meta{})
	}
	ok, _ := l.Check("k", threePerMinute, Meta{})
	assert.False(t, ok)

	ok, _ = l.Check("k", other, Meta{})
	assert.True(t, ok)
	ok, _ = l.Check("k2", threePerMinute, Meta{})
	assert.True(t, ok)
}

func TestDisabledRuleAlwaysAllows(t *testing.T) {
	off := threePerMinute
	off.Enabled = false
	l := New([]Rule{off})
	for i := 0; i < 10; i++ {
		ok, _ := l.Check("k", off, Meta{})
		require.True(t, ok)
	}

	l = New([]Rule{threePerMinute}, WithDisabled())
	for i := 0; i < 10; i++ {
		ok, _ := l.Check("k", threePerMinute, Meta{})
		require.True(t, ok)
	}
}

func TestStatusReportsRemainingAndReset(t *testing.T) {
	clk := newClock()
	l := New([]Rule{threePerMinute}, WithClock(clk.Now))

	first := clk.Now()
	l.Check("k", threePerMinute, Meta{})
	clk.Advance(10 * time.Second)
	l.Check("k", threePerMinute, Meta{})

	st := l.Status("k", threePerMinute)
	assert.Equal(t, 2, st.Current)
	assert.Equal(t, 1, st.Remaining)
	assert.False(t, st.Blocked)
	assert.Equal(t, first.Add(time.Minute), st.ResetAt)

	l.Check("k", threePerMinute, Meta{})
	assert.True(t, l.Status("k", threePerMinute).Blocked)

	empty := l.Status("nobody", threePerMinute)
	assert.Equal(t, 3, empty.Remaining)
	assert.Equal(t, clk.Now(), empty.ResetAt)
}

func TestStatsAndViolations(t *testing.T) {
	var hooked []Violation
	l := New([]Rule{threePerMinute}, WithViolationHook(func(v Violation) { hooked = append(hooked, v) }))

	for i := 0; i < 5; i++ {
		l.Check("a", threePerMinute, Meta{})
	}
	l.Check("b", threePerMinute, Meta{})

	st := l.Stats()
	assert.EqualValues(t, 6, st.TotalRequests)
	assert.EqualValues(t, 2, st.BlockedRequests)
	assert.EqualValues(t, 2, st.Violations)
	assert.Equal(t, 2, st.ActiveIdentifiers)
	require.NotNil(t, st.LastViolation)

	vs := l.Violations(1)
	require.Len(t, vs, 1)
	assert.Len(t, hooked, 2)
	assert.Len(t, l.Violations(0), 2)
}

func TestCleanupAndReset(t *testing.T) {
	clk := newClock()
	l := New([]Rule{threePerMinute}, WithClock(clk.Now))

	l.Check("old", threePerMinute, Meta{})
	clk.Advance(2 * time.Minute)
	l.Check("fresh", threePerMinute, Meta{})

	assert.Equal(t, 1, l.Cleanup(clk.Now()))
	assert.Equal(t, 1, l.Stats().ActiveIdentifiers)

	for i := 0; i < 3; i++ {
		l.Check("fresh", threePerMinute, Meta{})
	}
	l.Reset("fresh", threePerMinute)
	ok, _ := l.Check("fresh", threePerMinute, Meta{})
	assert.True(t, ok)
}

func TestConcurrentChecksNeverOveradmit(t *testing.T) {
	rule := Rule{Name: "burst", MaxRequests: 50, Window: time.Hour, Enabled: true}
	l := New([]Rule{rule})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := l.Check("same", rule, Meta{}); ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, allowed)
}

func TestRuleLookup(t *testing.T) {
	l := New(DefaultRules())
	r, err := l.Rule(RuleAuthLogin)
	require.NoError(t, err)
	assert.Equal(t, 3, r.MaxRequests)
	assert.Equal(t, time.Minute, r.Window)

	_, err = l.Rule("nope")
	assert.ErrorIs(t, err, ErrUnknownRule)
	assert.Len(t, l.Rules(), 6)
}

func TestMiddlewareReturns429(t *testing.T) {
	gin.SetMode(gin.TestMode)
	clk := newClock()
	l := New([]Rule{threePerMinute}, WithClock(clk.Now))

	r := gin.New()
	r.GET("/login", l.Middleware("test"), func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/login", nil)
		req.Header.Set("X-Forwarded-For", "198.51.100.9")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	for i := 0; i < 3; i++ {
		w := do()
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "3", w.Header().Get("X-RateLimit-Limit"))
	}

	w := do()
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Contains(t, w.Body.String(), "rate_limit_exceeded")

	assert.Equal(t, "198.51.100.9", l.Violations(1)[0].IPAddress)
}

func TestIdentifierByScope(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/upload", nil)
	c.Request.RemoteAddr = "192.0.2.1:5555"

	assert.Equal(t, "192.0.2.1", Identifier(c, Rule{Scope: ScopeIP}))
	assert.Equal(t, "192.0.2.1", Identifier(c, Rule{Scope: ScopeUser}))
	c.Set(IdentityContextKey, "u1")
	assert.Equal(t, "user:u1", Identifier(c, Rule{Scope: ScopeUser}))
	assert.Equal(t, "POST:/upload", Identifier(c, Rule{Scope: ScopeEndpoint}))
}

func TestMiddlewarePanicsOnUnknownRule(t *testing.T) {
	assert.Panics(t, func() { New(nil).Middleware("missing") })
}
