// Package threat classifies risk assessments into discrete threat records.
package threat

import (
	"context"
	"time"

	"github.com/mbd888/verigate/internal/idgen"
	"github.com/mbd888/verigate/internal/risk"
)

// Type is a threat classification.
type Type string

const (
	SuspiciousActivity  Type = "suspicious_activity"
	UnusualBehavior     Type = "unusual_behavior"
	LocationAnomaly     Type = "location_anomaly"
	TimeAnomaly         Type = "time_anomaly"
	AccessPatternChange Type = "access_pattern_change"
	PrivilegeEscalation Type = "privilege_escalation"
	DataExfiltration    Type = "data_exfiltration"
)

// factorSpikeThreshold is the per-factor score above which a factor raises
// its own threat.
const factorSpikeThreshold = 80

// Mitigation actions recorded on threats.
const (
	ActionSessionRevoked                 = "session_revoked"
	ActionAdditionalVerificationRequired = "additional_verification_required"
)

// factorThreats maps a factor to the threat it raises when it spikes.
var factorThreats = map[risk.FactorName]Type{
	risk.FactorLocationChange: LocationAnomaly,
	risk.FactorTimeAnomaly:    TimeAnomaly,
	risk.FactorBehaviorChange: UnusualBehavior,
}

// Record is a persisted threat detection.
type Record struct {
	ID               string         `json:"id"`
	SessionID        string         `json:"session_id"`
	IdentityID       string         `json:"identity_id,omitempty"`
	Type             Type           `json:"threat_type"`
	Level            risk.Level     `json:"threat_level"`
	Details          map[string]any `json:"details,omitempty"`
	Mitigated        bool           `json:"mitigated"`
	MitigationAction string         `json:"mitigation_action,omitempty"`
	ScoreAtDetection int            `json:"score_at_detection"`
	DetectedAt       time.Time      `json:"detected_at"`
}

// Store persists threat records.
type Store interface {
	Record(ctx context.Context, rec *Record) error
	// ListBySession returns the most recent records first.
	ListBySession(ctx context.Context, sessionID string, limit int) ([]*Record, error)
	Since(ctx context.Context, since time.Time) ([]*Record, error)
	MarkMitigated(ctx context.Context, ids []string, action string) error
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Detector maps an assessment to threat types.
type Detector struct {
	thresholds risk.Thresholds
}

// NewDetector creates a detector using th.High as the composite trigger.
func NewDetector(th risk.Thresholds) *Detector {
	return &Detector{thresholds: th}
}

// Detect returns the threats raised by score and factors: suspicious
// activity above the high threshold, plus one threat per spiking factor
// that has a mapping. Order follows the factor order.
func (d *Detector) Detect(score int, factors []risk.Factor) []Type {
	var out []Type
	if score > d.thresholds.High {
		out = append(out, SuspiciousActivity)
	}
	for _, f := range factors {
		if f.Score <= factorSpikeThreshold {
			continue
		}
		if t, ok := factorThreats[f.Name]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Build turns detected types into records for one evaluation.
func (d *Detector) Build(sessionID, identityID string, a risk.Assessment, endpoint, method string, types []Type) []*Record {
	if len(types) == 0 {
		return nil
	}
	names := make([]string, 0, len(a.Factors))
	for _, f := range a.Factors {
		names = append(names, string(f.Name))
	}
	level := d.thresholds.Level(a.Score)

	out := make([]*Record, 0, len(types))
	for _, t := range types {
		out = append(out, &Record{
			ID:         idgen.WithPrefix("thr_"),
			SessionID:  sessionID,
			IdentityID: identityID,
			Type:       t,
			Level:      level,
			Details: map[string]any{
				"risk_score":   a.Score,
				"risk_factors": names,
				"endpoint":     endpoint,
				"http_method":  method,
			},
			ScoreAtDetection: a.Score,
			DetectedAt:       a.EvaluatedAt,
		})
	}
	return out
}
