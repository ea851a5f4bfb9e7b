// Package audit records security-relevant events: session lifecycle,
// forced revocations, and rate-limit violations.
package audit

import (
	"context"
	"strings"
	"time"
)

// Event types.
const (
	EventSecurityAlert      = "security:alert"
	EventSessionCreated     = "session:created"
	EventSessionRevoked     = "session:revoked"
	EventRateLimitViolation = "rate_limit:violation"
)

const maskedValue = "***MASKED***"

// sensitiveKeys are matched as substrings of lower-cased detail keys.
var sensitiveKeys = []string{"password", "token", "secret", "authorization", "api_key"}

// Event is a single audit record.
type Event struct {
	ID           int64          `json:"id"`
	Type         string         `json:"event_type"`
	Resource     string         `json:"resource"`
	Action       string         `json:"action"`
	IdentityID   string         `json:"identity_id,omitempty"`
	IdentityKind string         `json:"identity_kind,omitempty"`
	Success      bool           `json:"success"`
	SessionID    string         `json:"session_id,omitempty"`
	IPAddress    string         `json:"ip_address,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
	RequestID    string         `json:"request_id,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Filter narrows a Query. Zero fields match everything.
type Filter struct {
	Type       string
	IdentityID string
	SessionID  string
	From, To   time.Time
	Limit      int
}

func (f Filter) matches(e *Event) bool {
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.IdentityID != "" && e.IdentityID != f.IdentityID {
		return false
	}
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if !f.From.IsZero() && e.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.CreatedAt.After(f.To) {
		return false
	}
	return true
}

func (f Filter) limit() int {
	if f.Limit <= 0 || f.Limit > 1000 {
		return 100
	}
	return f.Limit
}

// Logger persists audit events.
type Logger interface {
	LogEvent(ctx context.Context, e *Event) error
	Query(ctx context.Context, f Filter) ([]*Event, error)
}

// MaskDetails returns a copy of details with sensitive values replaced.
// Nested maps are masked recursively.
func MaskDetails(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		if isSensitive(k) {
			out[k] = maskedValue
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = MaskDetails(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func isSensitive(key string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}
