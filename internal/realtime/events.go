package realtime

import (
	"github.com/mbd888/verigate/internal/risk"
	"github.com/mbd888/verigate/internal/threat"
)

// PublishEvaluation streams a completed assessment.
func (h *Hub) PublishEvaluation(sessionID, identityID string, a risk.Assessment) {
	if h == nil {
		return
	}
	factors := make(map[string]int, len(a.Factors))
	for _, f := range a.Factors {
		factors[string(f.Name)] = f.Score
	}
	h.Broadcast(&Event{
		Type:      EventRiskEvaluated,
		SessionID: sessionID,
		Score:     a.Score,
		Timestamp: a.EvaluatedAt,
		Data: map[string]any{
			"identity_id": identityID,
			"level":       string(a.Level),
			"degraded":    a.Degraded,
			"factors":     factors,
		},
	})
}

// PublishThreat streams a persisted threat record.
func (h *Hub) PublishThreat(rec *threat.Record) {
	if h == nil || rec == nil {
		return
	}
	h.Broadcast(&Event{
		Type:      EventThreatDetected,
		SessionID: rec.SessionID,
		Score:     rec.ScoreAtDetection,
		Timestamp: rec.DetectedAt,
		Data:      rec,
	})
}

// PublishRevocation streams a forced session revocation.
func (h *Hub) PublishRevocation(sessionID, identityID, reason string, score int) {
	if h == nil {
		return
	}
	h.Broadcast(&Event{
		Type:      EventSessionRevoked,
		SessionID: sessionID,
		Score:     score,
		Data: map[string]any{
			"identity_id": identityID,
			"reason":      reason,
		},
	})
}
