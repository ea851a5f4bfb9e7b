package verification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/verigate/internal/risk"
	"github.com/mbd888/verigate/internal/session"
	"github.com/mbd888/verigate/internal/threat"
)

// ErrUnknownSession is returned by SessionSnapshot when neither the
// registry nor the score history knows the session.
var ErrUnknownSession = errors.New("verification: unknown session")

const snapshotHistory = 10

// ConfigStatus is the public view of the active configuration.
type ConfigStatus struct {
	Enabled              bool            `json:"enabled"`
	Mode                 Mode            `json:"mode"`
	MonitoringOnly       bool            `json:"monitoring_only"`
	ThreatDetection      bool            `json:"threat_detection_enabled"`
	BehaviorLearning     bool            `json:"behavior_learning_enabled"`
	LocationMonitoring   bool            `json:"location_monitoring_enabled"`
	TimeAnomalyDetection bool            `json:"time_anomaly_detection_enabled"`
	Thresholds           risk.Thresholds `json:"thresholds"`
	CacheTTLSeconds      int64           `json:"cache_ttl_seconds"`
	MaxSessionAgeHours   int64           `json:"max_session_age_hours"`
}

// ScoreStats aggregates risk scores over a window. Degraded evaluations
// are counted separately and excluded from the score aggregates.
type ScoreStats struct {
	WindowHours   int                `json:"window_hours"`
	Count         int                `json:"count"`
	Average       float64            `json:"average"`
	Min           int                `json:"min"`
	Max           int                `json:"max"`
	Distribution  map[risk.Level]int `json:"level_distribution"`
	DegradedCount int                `json:"degraded_count"`
}

// ThreatStats aggregates threats over a window.
type ThreatStats struct {
	WindowHours       int                 `json:"window_hours"`
	Total             int                 `json:"total"`
	TypeDistribution  map[threat.Type]int `json:"type_distribution"`
	LevelDistribution map[risk.Level]int  `json:"level_distribution"`
	Mitigated         int                 `json:"mitigated"`
}

// SessionStats summarizes session activity over the last day.
type SessionStats struct {
	ActiveSessions    int `json:"active_sessions"`
	EvaluatedSessions int `json:"evaluated_sessions_24h"`
	HighRiskSessions  int `json:"high_risk_sessions_24h"`
}

// SessionSnapshot is the live risk view of one session.
type SessionSnapshot struct {
	SessionID    string              `json:"session_id"`
	State        string              `json:"state"`
	CurrentScore int                 `json:"current_score"`
	Level        risk.Level          `json:"level"`
	Factors      []risk.Factor       `json:"factors"`
	LastEval     *time.Time          `json:"last_evaluated_at,omitempty"`
	History      []*risk.ScoreRecord `json:"history"`
	Threats      []*threat.Record    `json:"threats"`
}

// Reporter builds read models from persisted records.
type Reporter struct {
	cfg      Config
	scores   risk.Store
	threats  threat.Store
	sessions Sessions
	now      func() time.Time
}

// NewReporter creates a reporter.
func NewReporter(cfg Config, scores risk.Store, threats threat.Store, sessions Sessions) *Reporter {
	return &Reporter{cfg: cfg, scores: scores, threats: threats, sessions: sessions, now: time.Now}
}

// ConfigStatus returns the active configuration.
func (r *Reporter) ConfigStatus() ConfigStatus {
	return ConfigStatus{
		Enabled:              r.cfg.Enabled,
		Mode:                 r.cfg.Mode,
		MonitoringOnly:       r.cfg.MonitoringOnly,
		ThreatDetection:      r.cfg.ThreatDetection,
		BehaviorLearning:     r.cfg.BehaviorLearning,
		LocationMonitoring:   r.cfg.LocationMonitoring,
		TimeAnomalyDetection: r.cfg.TimeAnomalyDetection,
		Thresholds:           r.cfg.Thresholds,
		CacheTTLSeconds:      int64(r.cfg.CacheTTL / time.Second),
		MaxSessionAgeHours:   int64(r.cfg.MaxSessionAge / time.Hour),
	}
}

// RiskScoreStats aggregates scores recorded within window.
func (r *Reporter) RiskScoreStats(ctx context.Context, window time.Duration) (*ScoreStats, error) {
	recs, err := r.scores.Since(ctx, r.now().Add(-window))
	if err != nil {
		return nil, fmt.Errorf("load risk scores: %w", err)
	}

	st := &ScoreStats{
		WindowHours:  int(window / time.Hour),
		Distribution: map[risk.Level]int{},
	}
	sum := 0
	for _, rec := range recs {
		if rec.Degraded {
			st.DegradedCount++
			continue
		}
		if st.Count == 0 || rec.Score < st.Min {
			st.Min = rec.Score
		}
		if rec.Score > st.Max {
			st.Max = rec.Score
		}
		sum += rec.Score
		st.Count++
		st.Distribution[r.cfg.Thresholds.Level(rec.Score)]++
	}
	if st.Count > 0 {
		st.Average = float64(sum) / float64(st.Count)
	}
	return st, nil
}

// ThreatStats aggregates threats detected within window.
func (r *Reporter) ThreatStats(ctx context.Context, window time.Duration) (*ThreatStats, error) {
	recs, err := r.threats.Since(ctx, r.now().Add(-window))
	if err != nil {
		return nil, fmt.Errorf("load threats: %w", err)
	}

	st := &ThreatStats{
		WindowHours:       int(window / time.Hour),
		Total:             len(recs),
		TypeDistribution:  map[threat.Type]int{},
		LevelDistribution: map[risk.Level]int{},
	}
	for _, rec := range recs {
		st.TypeDistribution[rec.Type]++
		st.LevelDistribution[rec.Level]++
		if rec.Mitigated {
			st.Mitigated++
		}
	}
	return st, nil
}

// SessionStats reports session counts for the last 24 hours.
func (r *Reporter) SessionStats(ctx context.Context) (*SessionStats, error) {
	since := r.now().Add(-24 * time.Hour)
	recs, err := r.scores.Since(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("load risk scores: %w", err)
	}
	evaluated := make(map[string]struct{}, len(recs))
	for _, rec := range recs {
		evaluated[rec.SessionID] = struct{}{}
	}
	high, err := r.scores.HighRiskSessionsSince(ctx, r.cfg.Thresholds.High, since)
	if err != nil {
		return nil, fmt.Errorf("load high risk sessions: %w", err)
	}

	st := &SessionStats{
		EvaluatedSessions: len(evaluated),
		HighRiskSessions:  len(high),
	}
	if r.sessions != nil {
		st.ActiveSessions = r.sessions.ActiveCount()
	}
	return st, nil
}

// SessionSnapshot returns the latest score, recent history, and threats
// for sessionID.
func (r *Reporter) SessionSnapshot(ctx context.Context, sessionID string) (*SessionSnapshot, error) {
	status := session.StatusMissing
	if r.sessions != nil {
		_, status = r.sessions.Lookup(sessionID)
	}

	history, err := r.scores.ListBySession(ctx, sessionID, snapshotHistory)
	if err != nil {
		return nil, fmt.Errorf("load session history: %w", err)
	}
	if status == session.StatusMissing && len(history) == 0 {
		return nil, ErrUnknownSession
	}
	threats, err := r.threats.ListBySession(ctx, sessionID, snapshotHistory)
	if err != nil {
		return nil, fmt.Errorf("load session threats: %w", err)
	}

	snap := &SessionSnapshot{
		SessionID: sessionID,
		State:     status.String(),
		Level:     risk.LevelLow,
		Factors:   []risk.Factor{},
		History:   history,
		Threats:   threats,
	}
	if snap.History == nil {
		snap.History = []*risk.ScoreRecord{}
	}
	if snap.Threats == nil {
		snap.Threats = []*threat.Record{}
	}
	if len(history) > 0 {
		latest := history[0]
		snap.CurrentScore = latest.Score
		snap.Level = latest.Level
		snap.Factors = latest.Factors
		ts := latest.Timestamp
		snap.LastEval = &ts
	}
	return snap, nil
}
