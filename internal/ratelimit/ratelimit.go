// Package ratelimit implements sliding-window request limits keyed by
// rule and identifier.
package ratelimit

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/verigate/internal/metrics"
	"github.com/mbd888/verigate/internal/syncutil"
)

// ErrUnknownRule is returned when a rule name is not configured.
var ErrUnknownRule = errors.New("ratelimit: unknown rule")

// Scope selects how a request is mapped to an identifier.
type Scope string

const (
	ScopeIP       Scope = "ip"
	ScopeUser     Scope = "user"
	ScopeEndpoint Scope = "endpoint"
	ScopeGlobal   Scope = "global"
)

// Rule names used by the service.
const (
	RuleAuthLogin    = "auth_login"
	RuleUserRegister = "user_register"
	RuleFileUpload   = "file_upload"
	RuleCommentPost  = "comment_post"
	RuleReadAPI      = "read_api"
	RuleGlobalIP     = "global_ip"
)

// maxViolations bounds the in-memory violation log.
const maxViolations = 1000

// Rule is one limit: at most MaxRequests per Window.
type Rule struct {
	Name        string        `json:"name"`
	MaxRequests int           `json:"max_requests"`
	Window      time.Duration `json:"window"`
	Scope       Scope         `json:"scope"`
	Enabled     bool          `json:"enabled"`
	Message     string        `json:"message,omitempty"`
}

// DefaultRules returns the built-in rule set.
func DefaultRules() []Rule {
	return []Rule{
		{Name: RuleAuthLogin, MaxRequests: 3, Window: time.Minute, Scope: ScopeIP, Enabled: true,
			Message: "Too many login attempts. Please try again later."},
		{Name: RuleUserRegister, MaxRequests: 3, Window: time.Hour, Scope: ScopeIP, Enabled: true,
			Message: "Too many registration attempts. Please try again later."},
		{Name: RuleFileUpload, MaxRequests: 10, Window: time.Minute, Scope: ScopeUser, Enabled: true,
			Message: "Upload limit reached. Please wait before uploading again."},
		{Name: RuleCommentPost, MaxRequests: 20, Window: time.Minute, Scope: ScopeUser, Enabled: true,
			Message: "You are posting too quickly."},
		{Name: RuleReadAPI, MaxRequests: 100, Window: time.Minute, Scope: ScopeIP, Enabled: true},
		{Name: RuleGlobalIP, MaxRequests: 1000, Window: time.Hour, Scope: ScopeGlobal, Enabled: true},
	}
}

// Meta is client information attached to violations.
type Meta struct {
	IPAddress  string
	UserAgent  string
	Endpoint   string
	IdentityID string
}

// Violation records one denied request.
type Violation struct {
	Timestamp    time.Time     `json:"timestamp"`
	Identifier   string        `json:"identifier"`
	Scope        Scope         `json:"scope"`
	RuleName     string        `json:"rule_name"`
	CurrentCount int           `json:"current_count"`
	MaxAllowed   int           `json:"max_allowed"`
	Window       time.Duration `json:"window"`
	IPAddress    string        `json:"ip_address,omitempty"`
	UserAgent    string        `json:"user_agent,omitempty"`
	Endpoint     string        `json:"endpoint,omitempty"`
	IdentityID   string        `json:"identity_id,omitempty"`
}

// Status is the current state of one (rule, identifier) window.
type Status struct {
	Identifier string        `json:"identifier"`
	RuleName   string        `json:"rule_name"`
	Current    int           `json:"current_count"`
	Max        int           `json:"max_allowed"`
	Remaining  int           `json:"remaining_requests"`
	Window     time.Duration `json:"window"`
	ResetAt    time.Time     `json:"reset_at"`
	Blocked    bool          `json:"is_blocked"`
}

// Stats aggregates limiter activity.
type Stats struct {
	TotalRequests     int64      `json:"total_requests"`
	BlockedRequests   int64      `json:"blocked_requests"`
	Violations        int64      `json:"violations_count"`
	ActiveIdentifiers int        `json:"active_identifiers"`
	LastViolation     *time.Time `json:"last_violation,omitempty"`
}

// window holds accepted request timestamps, oldest first.
type window struct {
	span  time.Duration
	times []time.Time
}

func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.times) && !w.times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.times = append(w.times[:0], w.times[i:]...)
	}
}

// Limiter enforces rules. Each (rule, identifier) window is guarded by a
// per-key lock; the window map itself by mu.
type Limiter struct {
	enabled bool
	rules   map[string]Rule
	now     func() time.Time
	onDeny  func(Violation)

	locks   syncutil.ShardedMutex
	mu      sync.RWMutex
	windows map[string]*window

	vmu        sync.Mutex
	violations []Violation

	total   atomic.Int64
	blocked atomic.Int64
	denials atomic.Int64
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithViolationHook registers fn to be called, outside any lock, for
// every violation.
func WithViolationHook(fn func(Violation)) Option {
	return func(l *Limiter) { l.onDeny = fn }
}

// WithDisabled turns every check into an allow.
func WithDisabled() Option {
	return func(l *Limiter) { l.enabled = false }
}

// New creates a limiter with rules. Later rules override earlier ones
// with the same name.
func New(rules []Rule, opts ...Option) *Limiter {
	l := &Limiter{
		enabled: true,
		rules:   make(map[string]Rule, len(rules)),
		now:     time.Now,
		windows: make(map[string]*window),
	}
	for _, r := range rules {
		l.rules[r.Name] = r
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Rule returns the configured rule by name.
func (l *Limiter) Rule(name string) (Rule, error) {
	r, ok := l.rules[name]
	if !ok {
		return Rule{}, fmt.Errorf("%w: %s", ErrUnknownRule, name)
	}
	return r, nil
}

// Rules returns all configured rules sorted by name.
func (l *Limiter) Rules() []Rule {
	out := make([]Rule, 0, len(l.rules))
	for _, r := range l.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func windowKey(rule, identifier string) string {
	return rule + ":" + identifier
}

func (l *Limiter) windowFor(key string, span time.Duration, create bool) *window {
	l.mu.RLock()
	w := l.windows[key]
	l.mu.RUnlock()
	if w != nil || !create {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w = l.windows[key]; w == nil {
		w = &window{span: span}
		l.windows[key] = w
	}
	return w
}

// Check admits or denies one request from identifier under rule. Admitted
// requests are counted; denied ones are recorded as violations.
func (l *Limiter) Check(identifier string, rule Rule, meta Meta) (bool, *Violation) {
	if !l.enabled || !rule.Enabled || rule.MaxRequests <= 0 {
		return true, nil
	}
	l.total.Add(1)

	key := windowKey(rule.Name, identifier)
	now := l.now()

	unlock := l.locks.Lock(key)
	w := l.windowFor(key, rule.Window, true)
	w.span = rule.Window
	w.prune(now)
	current := len(w.times)
	allowed := current < rule.MaxRequests
	if allowed {
		w.times = append(w.times, now)
	}
	unlock()

	if allowed {
		metrics.RateLimitDecisionsTotal.WithLabelValues(rule.Name, "allowed").Inc()
		return true, nil
	}

	v := Violation{
		Timestamp:    now,
		Identifier:   identifier,
		Scope:        rule.Scope,
		RuleName:     rule.Name,
		CurrentCount: current,
		MaxAllowed:   rule.MaxRequests,
		Window:       rule.Window,
		IPAddress:    meta.IPAddress,
		UserAgent:    meta.UserAgent,
		Endpoint:     meta.Endpoint,
		IdentityID:   meta.IdentityID,
	}
	l.blocked.Add(1)
	l.denials.Add(1)
	l.vmu.Lock()
	l.violations = append(l.violations, v)
	if len(l.violations) > maxViolations {
		l.violations = append(l.violations[:0], l.violations[len(l.violations)-maxViolations:]...)
	}
	l.vmu.Unlock()

	metrics.RateLimitDecisionsTotal.WithLabelValues(rule.Name, "denied").Inc()
	if l.onDeny != nil {
		l.onDeny(v)
	}
	return false, &v
}

// Status reports the window for identifier without consuming a request.
func (l *Limiter) Status(identifier string, rule Rule) Status {
	key := windowKey(rule.Name, identifier)
	now := l.now()

	st := Status{
		Identifier: identifier,
		RuleName:   rule.Name,
		Max:        rule.MaxRequests,
		Window:     rule.Window,
		ResetAt:    now,
	}

	unlock := l.locks.Lock(key)
	if w := l.windowFor(key, rule.Window, false); w != nil {
		w.prune(now)
		st.Current = len(w.times)
		if st.Current > 0 {
			st.ResetAt = w.times[0].Add(rule.Window)
		}
	}
	unlock()

	st.Remaining = max(0, rule.MaxRequests-st.Current)
	st.Blocked = st.Current >= rule.MaxRequests
	return st
}

// Stats returns aggregate counters.
func (l *Limiter) Stats() Stats {
	l.mu.RLock()
	active := len(l.windows)
	l.mu.RUnlock()

	st := Stats{
		TotalRequests:     l.total.Load(),
		BlockedRequests:   l.blocked.Load(),
		Violations:        l.denials.Load(),
		ActiveIdentifiers: active,
	}
	l.vmu.Lock()
	if n := len(l.violations); n > 0 {
		ts := l.violations[n-1].Timestamp
		st.LastViolation = &ts
	}
	l.vmu.Unlock()
	return st
}

// Violations returns up to limit recent violations, newest first.
func (l *Limiter) Violations(limit int) []Violation {
	l.vmu.Lock()
	defer l.vmu.Unlock()

	n := len(l.violations)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Violation, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, l.violations[i])
	}
	return out
}

// Cleanup drops windows with no requests left inside their span and
// returns how many were removed.
func (l *Limiter) Cleanup(now time.Time) int {
	l.mu.RLock()
	keys := make([]string, 0, len(l.windows))
	for k := range l.windows {
		keys = append(keys, k)
	}
	l.mu.RUnlock()

	removed := 0
	for _, key := range keys {
		unlock := l.locks.Lock(key)
		l.mu.Lock()
		if w := l.windows[key]; w != nil {
			w.prune(now)
			if len(w.times) == 0 {
				delete(l.windows, key)
				removed++
			}
		}
		l.mu.Unlock()
		unlock()
	}
	return removed
}

// Reset clears the window for identifier under rule.
func (l *Limiter) Reset(identifier string, rule Rule) {
	key := windowKey(rule.Name, identifier)
	unlock := l.locks.Lock(key)
	defer unlock()
	l.mu.Lock()
	delete(l.windows, key)
	l.mu.Unlock()
}
