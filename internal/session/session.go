// Package session owns the lifecycle of authenticated sessions: creation,
// validation, expiry, revocation, and the access/refresh tokens bound to a
// session id.
//
// The registry is the only writer of session records. The risk engine reads
// through Lookup, which never mutates, and only the verification
// orchestrator revokes for continuous-verification reasons.
package session

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/verigate/internal/idgen"
	"github.com/mbd888/verigate/internal/metrics"
	"github.com/mbd888/verigate/internal/syncutil"
)

// DefaultMaxAge is the age after which a session is treated as expired.
const DefaultMaxAge = 30 * 24 * time.Hour

var (
	ErrNotFound        = errors.New("session: not found")
	ErrSessionInactive = errors.New("session: inactive or expired")
	ErrInvalidToken    = errors.New("session: invalid token")
	ErrExists          = errors.New("session: already exists")
)

// Reason records why a session left the active state.
type Reason string

const (
	ReasonLogout                 Reason = "logout"
	ReasonContinuousVerification Reason = "continuous_verification"
	ReasonExpired                Reason = "expired"
	ReasonRevokeAll              Reason = "revoke_all"
	ReasonRefreshFailure         Reason = "refresh_failure"
)

// Status is the result of a read-only Lookup.
type Status int

const (
	StatusMissing Status = iota
	StatusActive
	StatusInactive
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusInactive:
		return "inactive"
	case StatusExpired:
		return "expired"
	default:
		return "missing"
	}
}

// Record is one session. Values handed out by the registry are copies.
type Record struct {
	ID            string    `json:"session_id"`
	IdentityID    string    `json:"identity_id"`
	IdentityKind  string    `json:"identity_kind"`
	Permissions   []string  `json:"permissions"`
	CreatedAt     time.Time `json:"created_at"`
	LastActivity  time.Time `json:"last_activity"`
	SourceAddress string    `json:"source_address"`
	UserAgent     string    `json:"user_agent"`
	Active        bool      `json:"active"`
}

func (r *Record) clone() Record {
	cp := *r
	cp.Permissions = append([]string(nil), r.Permissions...)
	return cp
}

// Metadata is captured at login.
type Metadata struct {
	Permissions   []string
	SourceAddress string
	UserAgent     string
}

// Config tunes the registry.
type Config struct {
	MaxAge time.Duration
}

// Registry is the in-memory authoritative session store.
type Registry struct {
	maxAge time.Duration
	tokens *Tokens
	logger *slog.Logger
	now    func() time.Time

	locks syncutil.ShardedMutex // per session id

	mu         sync.RWMutex
	sessions   map[string]*Record
	byIdentity map[string]map[string]struct{}
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry builds a registry. tokens may be nil when the caller never
// issues tokens (tests, tooling).
func NewRegistry(cfg Config, tokens *Tokens, opts ...Option) *Registry {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	r := &Registry{
		maxAge:     cfg.MaxAge,
		tokens:     tokens,
		logger:     slog.Default(),
		now:        time.Now,
		sessions:   make(map[string]*Record),
		byIdentity: make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Tokens returns the token issuer, or nil.
func (r *Registry) Tokens() *Tokens { return r.tokens }

// MaxAge reports the configured expiry age.
func (r *Registry) MaxAge() time.Duration { return r.maxAge }

// Create registers a new active session. It returns false when the id is
// already taken.
func (r *Registry) Create(sessionID, identityID, identityKind string, meta Metadata) bool {
	if sessionID == "" {
		return false
	}
	unlock := r.locks.Lock(sessionID)
	defer unlock()

	now := r.now()
	rec := &Record{
		ID:            sessionID,
		IdentityID:    identityID,
		IdentityKind:  identityKind,
		Permissions:   append([]string(nil), meta.Permissions...),
		CreatedAt:     now,
		LastActivity:  now,
		SourceAddress: meta.SourceAddress,
		UserAgent:     meta.UserAgent,
		Active:        true,
	}

	r.mu.Lock()
	if _, exists := r.sessions[sessionID]; exists {
		r.mu.Unlock()
		return false
	}
	r.sessions[sessionID] = rec
	ids := r.byIdentity[identityID]
	if ids == nil {
		ids = make(map[string]struct{})
		r.byIdentity[identityID] = ids
	}
	ids[sessionID] = struct{}{}
	r.mu.Unlock()

	metrics.ActiveSessions.Inc()
	r.logger.Info("session created", "session_id", sessionID, "identity_id", identityID, "identity_kind", identityKind)
	return true
}

// Validate returns the session when it is active and younger than the max
// age. An aged session is removed as a side effect.
func (r *Registry) Validate(sessionID string) (Record, bool) {
	unlock := r.locks.Lock(sessionID)
	defer unlock()

	rec := r.get(sessionID)
	if rec == nil || !rec.Active {
		return Record{}, false
	}
	if r.expired(rec, r.now()) {
		r.terminate(rec, ReasonExpired, true)
		return Record{}, false
	}
	return rec.clone(), true
}

// Lookup is the read-only view: it reports the session and its state but
// never expires or removes anything.
func (r *Registry) Lookup(sessionID string) (Record, Status) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.sessions[sessionID]
	if !ok {
		return Record{}, StatusMissing
	}
	cp := rec.clone()
	switch {
	case !cp.Active:
		return cp, StatusInactive
	case r.expired(&cp, r.now()):
		return cp, StatusExpired
	default:
		return cp, StatusActive
	}
}

// Touch advances last_activity to at. Older timestamps are ignored so that
// out-of-order background evaluations cannot move it backwards.
func (r *Registry) Touch(sessionID string, at time.Time) bool {
	unlock := r.locks.Lock(sessionID)
	defer unlock()

	rec := r.get(sessionID)
	if rec == nil || !rec.Active {
		return false
	}
	r.mu.Lock()
	if at.After(rec.LastActivity) {
		rec.LastActivity = at
	}
	r.mu.Unlock()
	return true
}

// Revoke terminates a session. Unknown ids return false.
func (r *Registry) Revoke(sessionID string, reason Reason) bool {
	unlock := r.locks.Lock(sessionID)
	defer unlock()

	rec := r.get(sessionID)
	if rec == nil || !rec.Active {
		return false
	}
	r.terminate(rec, reason, false)
	return true
}

// RevokeAll terminates every session of an identity and returns the count.
func (r *Registry) RevokeAll(identityID string, reason Reason) int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.byIdentity[identityID]))
	for id := range r.byIdentity[identityID] {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	n := 0
	for _, id := range ids {
		if r.Revoke(id, reason) {
			n++
		}
	}
	return n
}

// ListByIdentity returns the identity's sessions ordered by creation time.
func (r *Registry) ListByIdentity(identityID string) []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.byIdentity[identityID]))
	for id := range r.byIdentity[identityID] {
		if rec, ok := r.sessions[id]; ok {
			out = append(out, rec.clone())
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ActiveCount returns the number of active sessions.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, rec := range r.sessions {
		if rec.Active {
			n++
		}
	}
	return n
}

// PruneExpired drops sessions older than the max age as of now, along with
// revoked records kept for inspection. It returns the number dropped.
func (r *Registry) PruneExpired(now time.Time) int {
	r.mu.RLock()
	var stale []string
	for id, rec := range r.sessions {
		if !rec.Active || r.expired(rec, now) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	n := 0
	for _, id := range stale {
		unlock := r.locks.Lock(id)
		if rec := r.get(id); rec != nil && (!rec.Active || r.expired(rec, now)) {
			r.terminate(rec, ReasonExpired, true)
			n++
		}
		unlock()
	}
	return n
}

// Open creates a session with a fresh id and issues its token pair.
func (r *Registry) Open(identityID, identityKind string, meta Metadata) (*TokenPair, error) {
	if r.tokens == nil {
		return nil, errors.New("session: token issuer not configured")
	}
	id := idgen.New()
	if !r.Create(id, identityID, identityKind, meta) {
		return nil, ErrExists
	}
	rec, _ := r.Lookup(id)
	access, exp, err := r.tokens.IssueAccess(rec)
	if err != nil {
		r.Revoke(id, ReasonRefreshFailure)
		return nil, err
	}
	refresh, err := r.tokens.IssueRefresh(id)
	if err != nil {
		r.Revoke(id, ReasonRefreshFailure)
		return nil, err
	}
	return &TokenPair{
		SessionID:    id,
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int(exp.Sub(r.now()).Seconds()),
		ExpiresAt:    exp,
	}, nil
}

// Refresh exchanges a refresh token for a new access token. The session
// must still validate; its last_activity is advanced.
func (r *Registry) Refresh(refreshToken string) (*TokenPair, error) {
	if r.tokens == nil {
		return nil, ErrInvalidToken
	}
	claims, err := r.tokens.ParseRefresh(refreshToken)
	if err != nil {
		return nil, err
	}
	rec, ok := r.Validate(claims.SessionID)
	if !ok {
		return nil, ErrSessionInactive
	}
	r.Touch(rec.ID, r.now())
	access, exp, err := r.tokens.IssueAccess(rec)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		SessionID:    rec.ID,
		AccessToken:  access,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(exp.Sub(r.now()).Seconds()),
		ExpiresAt:    exp,
	}, nil
}

func (r *Registry) get(id string) *Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

func (r *Registry) expired(rec *Record, now time.Time) bool {
	return now.Sub(rec.CreatedAt) > r.maxAge
}

// terminate flips a session inactive and, when drop is set, forgets it.
// Revoked sessions are kept until the next prune so that lookups can tell
// "revoked" from "never existed". Callers hold the session's key lock.
func (r *Registry) terminate(rec *Record, reason Reason, drop bool) {
	r.mu.Lock()
	wasActive := rec.Active
	rec.Active = false
	if drop {
		delete(r.sessions, rec.ID)
		if ids := r.byIdentity[rec.IdentityID]; ids != nil {
			delete(ids, rec.ID)
			if len(ids) == 0 {
				delete(r.byIdentity, rec.IdentityID)
			}
		}
	}
	r.mu.Unlock()

	if !wasActive {
		return
	}
	metrics.ActiveSessions.Dec()
	metrics.SessionRevocationsTotal.WithLabelValues(string(reason)).Inc()
	r.logger.Info("session ended", "session_id", rec.ID, "identity_id", rec.IdentityID, "reason", string(reason))
}
