// Package risk implements per-request risk scoring for authenticated
// sessions.
//
// Every request is evaluated against 7 weighted factors: location change,
// time anomaly, behavior change, access frequency, permission escalation,
// data access pattern, and session anomaly. Each factor scores 0-100 and the
// composite is their weighted average, also 0-100. Scoring fails open: any
// internal error yields a degraded assessment with score 0.
package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// FactorName identifies one of the seven factors.
type FactorName string

const (
	FactorLocationChange       FactorName = "location_change"
	FactorTimeAnomaly          FactorName = "time_anomaly"
	FactorBehaviorChange       FactorName = "behavior_change"
	FactorAccessFrequency      FactorName = "access_frequency"
	FactorPermissionEscalation FactorName = "permission_escalation"
	FactorDataAccessPattern    FactorName = "data_access_pattern"
	FactorSessionAnomaly       FactorName = "session_anomaly"
)

// factorWeights lists every factor in evaluation order.
var factorWeights = []struct {
	name   FactorName
	weight float64
}{
	{FactorLocationChange, 0.25},
	{FactorTimeAnomaly, 0.20},
	{FactorBehaviorChange, 0.30},
	{FactorAccessFrequency, 0.15},
	{FactorPermissionEscalation, 0.35},
	{FactorDataAccessPattern, 0.25},
	{FactorSessionAnomaly, 0.20},
}

// Weight returns the fixed weight of a factor, or 0 for unknown names.
func Weight(name FactorName) float64 {
	for _, fw := range factorWeights {
		if fw.name == name {
			return fw.weight
		}
	}
	return 0
}

// FactorNames returns the factor names in evaluation order.
func FactorNames() []FactorName {
	out := make([]FactorName, len(factorWeights))
	for i, fw := range factorWeights {
		out[i] = fw.name
	}
	return out
}

// Factor is one scored dimension of an evaluation.
type Factor struct {
	Name    FactorName     `json:"name"`
	Weight  float64        `json:"weight"`
	Score   int            `json:"score"`
	Details map[string]any `json:"details,omitempty"`
}

// Composite returns round(sum(score*weight) / sum(weight)) clamped to
// [0, 100]. An empty list scores 0.
func Composite(factors []Factor) int {
	var weighted, total float64
	for _, f := range factors {
		weighted += float64(clampScore(f.Score)) * f.Weight
		total += f.Weight
	}
	if total == 0 {
		return 0
	}
	return clampScore(int(math.Round(weighted / total)))
}

func clampScore(s int) int {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

// Level buckets a score.
type Level string

const (
	LevelLow     Level = "low"
	LevelMedium  Level = "medium"
	LevelHigh    Level = "high"
	LevelExtreme Level = "extreme"
)

// Thresholds are the four configurable risk boundaries.
type Thresholds struct {
	Low     int `json:"low"`
	Medium  int `json:"medium"`
	High    int `json:"high"`
	Extreme int `json:"extreme"`
}

// DefaultThresholds returns 30/60/80/90.
func DefaultThresholds() Thresholds {
	return Thresholds{Low: 30, Medium: 60, High: 80, Extreme: 90}
}

// Validate checks that thresholds are in range and strictly ascending.
func (t Thresholds) Validate() error {
	vals := []int{t.Low, t.Medium, t.High, t.Extreme}
	for _, v := range vals {
		if v < 0 || v > 100 {
			return fmt.Errorf("risk threshold %d out of range [0,100]", v)
		}
	}
	if !(t.Low < t.Medium && t.Medium < t.High && t.High < t.Extreme) {
		return fmt.Errorf("risk thresholds must be strictly ascending, got %d/%d/%d/%d", t.Low, t.Medium, t.High, t.Extreme)
	}
	return nil
}

// Level maps score to a level: <= Low is low, <= Medium is medium,
// <= High is high, anything above is extreme.
func (t Thresholds) Level(score int) Level {
	switch {
	case score <= t.Low:
		return LevelLow
	case score <= t.Medium:
		return LevelMedium
	case score <= t.High:
		return LevelHigh
	default:
		return LevelExtreme
	}
}

// LevelFor maps a score using the default thresholds.
func LevelFor(score int) Level {
	return DefaultThresholds().Level(score)
}

// Assessment is the result of one evaluation. A degraded assessment carries
// the cause in Err and always has score 0 and no factors.
type Assessment struct {
	Score       int       `json:"score"`
	Level       Level     `json:"level"`
	Factors     []Factor  `json:"factors"`
	Degraded    bool      `json:"degraded"`
	Err         error     `json:"-"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Factor returns the named factor, if present.
func (a *Assessment) Factor(name FactorName) (Factor, bool) {
	for _, f := range a.Factors {
		if f.Name == name {
			return f, true
		}
	}
	return Factor{}, false
}

// ScoreRecord is the persisted, append-only trace of one evaluation.
type ScoreRecord struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	IdentityID    string    `json:"identity_id,omitempty"`
	Score         int       `json:"score"`
	Level         Level     `json:"level"`
	Factors       []Factor  `json:"factors"`
	Degraded      bool      `json:"degraded"`
	Timestamp     time.Time `json:"timestamp"`
	SourceAddress string    `json:"source_address"`
	Endpoint      string    `json:"endpoint"`
	Method        string    `json:"method"`
}

var ErrNotFound = errors.New("risk: record not found")

// Store persists score records.
type Store interface {
	Record(ctx context.Context, rec *ScoreRecord) error
	// ListBySession returns the most recent records first.
	ListBySession(ctx context.Context, sessionID string, limit int) ([]*ScoreRecord, error)
	// LastForSession returns ErrNotFound when the session has no records.
	LastForSession(ctx context.Context, sessionID string) (*ScoreRecord, error)
	CountSince(ctx context.Context, sessionID string, since time.Time) (int, error)
	// HighRiskSessionsSince lists sessions with any score above minScore
	// recorded at or after since.
	HighRiskSessionsSince(ctx context.Context, minScore int, since time.Time) ([]string, error)
	Since(ctx context.Context, since time.Time) ([]*ScoreRecord, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
