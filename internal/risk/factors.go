package risk

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/mbd888/verigate/internal/behavior"
	"github.com/mbd888/verigate/internal/session"
)

const (
	frequencyWindow   = 5 * time.Minute
	highRiskWindow    = time.Hour
	highRiskScore     = 70
	unplacedDistScore = 50
)

var (
	adminPatterns     = []string{"/admin", "/manage", "/system", "/root", "/superuser"}
	bulkPatterns      = []string{"/bulk", "/batch", "/import", "/mass"}
	configPatterns    = []string{"/config", "/settings", "/permissions", "/roles"}
	sensitivePatterns = []string{"/users", "/personal", "/private", "/payment", "/billing", "/credentials", "/secrets", "/audit"}
	exportPatterns    = []string{"/export", "/download", "/backup", "/dump"}

	writeMethods = []string{"DELETE", "PUT", "PATCH"}
)

// evaluation carries everything the factor functions read.
type evaluation struct {
	in  Input
	now time.Time
	ip  string
}

func factor(name FactorName, score int, details map[string]any) Factor {
	return Factor{Name: name, Weight: Weight(name), Score: clampScore(score), Details: details}
}

// locationFactor compares the caller address to the last one seen on the
// session.
func (e *Engine) locationFactor(ctx context.Context, ev *evaluation) (Factor, error) {
	if !e.cfg.LocationEnabled {
		return factor(FactorLocationChange, 0, map[string]any{"disabled": true}), nil
	}

	previous := ""
	last, err := e.store.LastForSession(ctx, ev.in.SessionID)
	switch {
	case err == nil:
		previous = last.SourceAddress
	case errors.Is(err, ErrNotFound):
		if rec, status := e.sessions.Lookup(ev.in.SessionID); status != session.StatusMissing {
			previous = rec.SourceAddress
		}
	default:
		return Factor{}, fmt.Errorf("previous address: %w", err)
	}

	details := map[string]any{"current_ip": ev.ip, "previous_ip": previous}
	if previous == "" || previous == ev.ip {
		return factor(FactorLocationChange, 0, details), nil
	}

	km, ok, err := e.locator.Distance(ctx, previous, ev.ip)
	if err != nil {
		return Factor{}, fmt.Errorf("locate: %w", err)
	}
	if !ok {
		details["distance_known"] = false
		return factor(FactorLocationChange, unplacedDistScore, details), nil
	}
	details["distance_km"] = km

	var score int
	switch {
	case km < 10:
		score = 10
	case km < 100:
		score = 30
	case km < 1000:
		score = 60
	default:
		score = 90
	}
	return factor(FactorLocationChange, score, details), nil
}

// timeFactor scores the hour of day in the identity's zone.
func (e *Engine) timeFactor(ctx context.Context, ev *evaluation) (Factor, error) {
	if !e.cfg.TimeEnabled {
		return factor(FactorTimeAnomaly, 0, map[string]any{"disabled": true}), nil
	}
	loc, err := e.zones.Location(ctx, ev.in.IdentityID)
	if err != nil || loc == nil {
		return factor(FactorTimeAnomaly, 0, map[string]any{"timezone": "unknown"}), nil
	}

	hour := ev.now.In(loc).Hour()
	var score int
	switch {
	case hour < 6:
		score = 80
	case hour < 9:
		score = 40
	case hour < 18:
		score = 0
	default:
		score = 20
	}
	return factor(FactorTimeAnomaly, score, map[string]any{
		"local_hour": hour,
		"timezone":   loc.String(),
	}), nil
}

// behaviorFactor scores departure from the identity's learned profile.
func (e *Engine) behaviorFactor(ctx context.Context, ev *evaluation) (Factor, error) {
	insufficient := func(reason string) (Factor, error) {
		return factor(FactorBehaviorChange, 10, map[string]any{"reason": reason}), nil
	}
	if ev.in.IdentityID == "" || e.profiles == nil {
		return insufficient("no_identity")
	}
	p, ok, err := e.profiles.Profile(ctx, ev.in.IdentityID)
	if err != nil {
		return Factor{}, fmt.Errorf("load profile: %w", err)
	}
	if !ok {
		return insufficient("no_profile")
	}
	if p.Confidence < behavior.MinConfidence {
		return insufficient("insufficient_data")
	}

	score, details := behavior.AnomalyScore(p, ev.in.Request.Path, ev.in.Request.Method, ev.ip)
	return factor(FactorBehaviorChange, score, details), nil
}

// frequencyFactor counts evaluations already recorded for the session in
// the trailing window. The current request is not yet recorded.
func (e *Engine) frequencyFactor(ctx context.Context, ev *evaluation) (Factor, error) {
	n, err := e.store.CountSince(ctx, ev.in.SessionID, ev.now.Add(-frequencyWindow))
	if err != nil {
		return Factor{}, fmt.Errorf("count recent evaluations: %w", err)
	}

	var score int
	switch {
	case n == 0:
		score = 0
	case n <= 5:
		score = 10
	case n <= 20:
		score = 30
	case n <= 50:
		score = 60
	case n <= 100:
		score = 80
	default:
		score = 100
	}
	return factor(FactorAccessFrequency, score, map[string]any{"recent_evaluations": n, "window_seconds": int(frequencyWindow.Seconds())}), nil
}

// permissionFactor applies additive rules to the endpoint and method.
func (e *Engine) permissionFactor(_ context.Context, ev *evaluation) (Factor, error) {
	path := strings.ToLower(ev.in.Request.Path)
	method := strings.ToUpper(ev.in.Request.Method)
	score := 0
	var matched []string

	if containsAny(path, adminPatterns) {
		score += 40
		matched = append(matched, "admin")
	}
	if slices.Contains(writeMethods, method) {
		score += 30
		matched = append(matched, "write_method")
	}
	if containsAny(path, bulkPatterns) {
		score += 20
		matched = append(matched, "bulk")
	}
	if containsAny(path, configPatterns) {
		score += 25
		matched = append(matched, "config")
	}
	return factor(FactorPermissionEscalation, score, map[string]any{"matched": matched}), nil
}

// dataFactor applies additive rules for volume and sensitivity.
func (e *Engine) dataFactor(_ context.Context, ev *evaluation) (Factor, error) {
	path := strings.ToLower(ev.in.Request.Path)
	pageSize := ev.in.Request.PageSize()
	score := 0

	switch {
	case pageSize > 100:
		score += 30
	case pageSize > 50:
		score += 20
	case pageSize > 20:
		score += 10
	}
	sensitive := containsAny(path, sensitivePatterns)
	if sensitive {
		score += 40
	}
	export := containsAny(path, exportPatterns)
	if export {
		score += 25
	}
	if strings.EqualFold(ev.in.Request.Method, "DELETE") {
		score += 35
	}
	return factor(FactorDataAccessPattern, score, map[string]any{
		"page_size": pageSize,
		"sensitive": sensitive,
		"export":    export,
	}), nil
}

// sessionFactor scores session age, idleness, and recent high-risk history.
func (e *Engine) sessionFactor(ctx context.Context, ev *evaluation) (Factor, error) {
	rec, status := e.sessions.Lookup(ev.in.SessionID)
	if status != session.StatusActive {
		return factor(FactorSessionAnomaly, 100, map[string]any{"session_status": status.String()}), nil
	}

	score := 0
	age := ev.now.Sub(rec.CreatedAt)
	switch {
	case age > 24*time.Hour:
		score += 30
	case age > 12*time.Hour:
		score += 20
	case age > 6*time.Hour:
		score += 10
	}
	idle := ev.now.Sub(rec.LastActivity)
	switch {
	case idle > 2*time.Hour:
		score += 25
	case idle > time.Hour:
		score += 15
	}

	risky, err := e.store.HighRiskSessionsSince(ctx, highRiskScore, ev.now.Add(-highRiskWindow))
	if err != nil {
		return Factor{}, fmt.Errorf("recent high-risk sessions: %w", err)
	}
	recentHighRisk := slices.Contains(risky, ev.in.SessionID)
	if recentHighRisk {
		score += 50
	}
	return factor(FactorSessionAnomaly, score, map[string]any{
		"age_hours":        age.Hours(),
		"idle_minutes":     idle.Minutes(),
		"recent_high_risk": recentHighRisk,
	}), nil
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
