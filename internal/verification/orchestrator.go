// Package verification re-scores every authenticated request and
// mitigates sessions whose risk crosses the configured thresholds.
//
// Evaluation is fail-open: a broken risk engine, store, or sink reduces
// verification to "allow" rather than denying legitimate traffic.
package verification

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/verigate/internal/alerts"
	"github.com/mbd888/verigate/internal/audit"
	"github.com/mbd888/verigate/internal/behavior"
	"github.com/mbd888/verigate/internal/metrics"
	"github.com/mbd888/verigate/internal/reqctx"
	"github.com/mbd888/verigate/internal/risk"
	"github.com/mbd888/verigate/internal/session"
	"github.com/mbd888/verigate/internal/threat"
	"github.com/mbd888/verigate/internal/traces"
)

// Sessions is the slice of the session registry the orchestrator uses.
type Sessions interface {
	Lookup(sessionID string) (session.Record, session.Status)
	Touch(sessionID string, at time.Time) bool
	Revoke(sessionID string, reason session.Reason) bool
	ActiveCount() int
}

// Learner records request samples into behavior profiles.
type Learner interface {
	Update(ctx context.Context, identityID string, s behavior.Sample) error
}

// Alerter delivers security alerts without blocking.
type Alerter interface {
	Send(a alerts.Alert)
}

// Auditor records audit events without returning errors.
type Auditor interface {
	Log(ctx context.Context, e audit.Event)
}

// Publisher streams pipeline events to live subscribers.
type Publisher interface {
	PublishEvaluation(sessionID, identityID string, a risk.Assessment)
	PublishThreat(rec *threat.Record)
	PublishRevocation(sessionID, identityID, reason string, score int)
}

// Action is the response chosen for one evaluation.
type Action string

const (
	ActionNone                   Action = "none"
	ActionEnhancedMonitoring     Action = "enhanced_monitoring"
	ActionAdditionalVerification Action = "additional_verification_required"
	ActionSessionRevoked         Action = "session_revoked"
)

// Outcome is the result of one pipeline run.
type Outcome struct {
	Assessment risk.Assessment
	Record     *risk.ScoreRecord
	Threats    []*threat.Record
	Action     Action
	Allowed    bool
}

// Orchestrator runs the evaluation pipeline.
type Orchestrator struct {
	cfg      Config
	engine   *risk.Engine
	scores   risk.Store
	threats  threat.Store
	detector *threat.Detector
	sessions Sessions

	learner   Learner
	alerter   Alerter
	auditor   Auditor
	publisher Publisher
	logger    *slog.Logger

	mu       sync.Mutex
	wg       sync.WaitGroup
	draining bool
	inflight atomic.Int64
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLearner enables behavior learning through l.
func WithLearner(l Learner) Option {
	return func(o *Orchestrator) { o.learner = l }
}

// WithAlerter sets the alert sink.
func WithAlerter(a Alerter) Option {
	return func(o *Orchestrator) { o.alerter = a }
}

// WithAuditor sets the audit sink.
func WithAuditor(a Auditor) Option {
	return func(o *Orchestrator) { o.auditor = a }
}

// WithPublisher sets the live event publisher.
func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New creates an orchestrator. cfg should already be validated.
func New(cfg Config, engine *risk.Engine, scores risk.Store, threats threat.Store, sessions Sessions, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		engine:   engine,
		scores:   scores,
		threats:  threats,
		detector: threat.NewDetector(cfg.Thresholds),
		sessions: sessions,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Config returns the active configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// Monitor verifies one request on sessionID. In async mode it schedules
// evaluation and returns true at once. In sync mode it evaluates inline
// and returns false only when the session was revoked.
func (o *Orchestrator) Monitor(ctx context.Context, sessionID string, req *reqctx.Request) bool {
	if !o.cfg.Enabled || req == nil {
		return true
	}
	in := risk.Input{
		SessionID:    sessionID,
		Request:      req,
		IdentityID:   req.IdentityID(),
		IdentityKind: req.IdentityKind(),
	}

	if o.cfg.Mode == ModeAsync {
		o.schedule(in)
		return true
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.EvaluationTimeout)
	defer cancel()
	return o.Evaluate(ctx, in, ModeSync).Allowed
}

// schedule runs the pipeline on its own goroutine with a fresh timeout,
// detached from the request context.
func (o *Orchestrator) schedule(in risk.Input) {
	o.mu.Lock()
	if o.draining {
		o.mu.Unlock()
		o.logger.Warn("evaluation skipped during shutdown", "session_id", in.SessionID)
		return
	}
	o.wg.Add(1)
	o.mu.Unlock()

	metrics.InflightEvaluations.Inc()
	o.inflight.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.inflight.Add(-1)
		defer metrics.InflightEvaluations.Dec()
		defer func() {
			if p := recover(); p != nil {
				o.logger.Error("background evaluation panicked", "session_id", in.SessionID, "panic", p)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.EvaluationTimeout)
		defer cancel()
		o.Evaluate(ctx, in, ModeAsync)
	}()
}

// Backlog reports background evaluations still running.
func (o *Orchestrator) Backlog() int64 { return o.inflight.Load() }

// Draining reports whether Drain has been called.
func (o *Orchestrator) Draining() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.draining
}

// Drain stops accepting background evaluations and waits for in-flight
// ones to finish or ctx to end.
func (o *Orchestrator) Drain(ctx context.Context) error {
	o.mu.Lock()
	o.draining = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Evaluate runs the full pipeline once. Graded responses below the
// extreme threshold apply only in sync mode.
func (o *Orchestrator) Evaluate(ctx context.Context, in risk.Input, mode Mode) Outcome {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "verification.Evaluate",
		traces.SessionID(in.SessionID),
		traces.IdentityID(in.IdentityID),
		traces.Mode(string(mode)),
	)
	defer span.End()

	a := o.engine.Compute(ctx, in)
	out := Outcome{Assessment: a, Action: ActionNone, Allowed: true}

	outcome := "ok"
	if a.Degraded {
		outcome = "degraded"
		traces.RecordError(span, a.Err)
	} else {
		metrics.RiskScores.Observe(float64(a.Score))
		metrics.RiskLevelsTotal.WithLabelValues(string(a.Level)).Inc()
	}
	metrics.EvaluationsTotal.WithLabelValues(string(mode), outcome).Inc()
	span.SetAttributes(traces.RiskScore(a.Score), traces.RiskLevel(string(a.Level)), traces.Degraded(a.Degraded))
	defer func() {
		metrics.EvaluationDuration.WithLabelValues(string(mode)).Observe(time.Since(start).Seconds())
	}()

	log := o.logger.With("session_id", in.SessionID, "score", a.Score, "level", string(a.Level))

	// The score record always lands before any mitigation derived from it.
	out.Record = risk.NewScoreRecord(in, a)
	if err := o.scores.Record(ctx, out.Record); err != nil {
		log.Warn("risk score not persisted", "error", err)
	}
	if o.sessions != nil {
		o.sessions.Touch(in.SessionID, a.EvaluatedAt)
	}
	o.publishEvaluation(in, a)

	if a.Degraded {
		return out
	}

	th := o.cfg.Thresholds
	switch {
	case a.Score > th.Extreme:
		out.Action = ActionSessionRevoked
	case mode == ModeSync && a.Score > th.High:
		out.Action = ActionAdditionalVerification
	case mode == ModeSync && a.Score > th.Medium:
		out.Action = ActionEnhancedMonitoring
	}
	if o.cfg.MonitoringOnly && out.Action != ActionEnhancedMonitoring && out.Action != ActionNone {
		log.Warn("mitigation suppressed in monitoring-only mode", "action", string(out.Action))
		out.Action = ActionNone
	}

	out.Threats = o.detectThreats(ctx, in, a, out.Action, log)
	o.learn(ctx, in, a, log)

	switch out.Action {
	case ActionSessionRevoked:
		o.mitigate(ctx, in, a, out.Threats, log)
		out.Allowed = false
	case ActionAdditionalVerification:
		log.Warn("high risk detected, additional verification required")
		metrics.MitigationsTotal.WithLabelValues("additional_verification", "ok").Inc()
	case ActionEnhancedMonitoring:
		log.Info("medium risk detected, enhanced monitoring")
	}
	if mode == ModeAsync {
		out.Allowed = true
	}
	return out
}

func (o *Orchestrator) publishEvaluation(in risk.Input, a risk.Assessment) {
	if o.publisher != nil {
		o.publisher.PublishEvaluation(in.SessionID, in.IdentityID, a)
	}
}

// detectThreats persists the threats raised by a and returns the ones
// that were stored. A high-risk sync evaluation always carries a
// suspicious activity record tagged with the additional verification
// action, even with detection disabled.
func (o *Orchestrator) detectThreats(ctx context.Context, in risk.Input, a risk.Assessment, action Action, log *slog.Logger) []*threat.Record {
	var types []threat.Type
	if o.cfg.ThreatDetection {
		types = o.detector.Detect(a.Score, a.Factors)
	}
	if action == ActionAdditionalVerification && !containsType(types, threat.SuspiciousActivity) {
		types = append([]threat.Type{threat.SuspiciousActivity}, types...)
	}
	if len(types) == 0 {
		return nil
	}

	method, path := "", ""
	if in.Request != nil {
		method, path = in.Request.Method, in.Request.Path
	}
	var persisted []*threat.Record
	for _, rec := range o.detector.Build(in.SessionID, in.IdentityID, a, path, method, types) {
		if action == ActionAdditionalVerification && rec.Type == threat.SuspiciousActivity {
			rec.MitigationAction = threat.ActionAdditionalVerificationRequired
			rec.Details["action"] = threat.ActionAdditionalVerificationRequired
		}
		if err := o.threats.Record(ctx, rec); err != nil {
			log.Warn("threat not persisted", "threat_type", string(rec.Type), "error", err)
			continue
		}
		persisted = append(persisted, rec)
		metrics.ThreatsTotal.WithLabelValues(string(rec.Type)).Inc()
		if o.publisher != nil {
			o.publisher.PublishThreat(rec)
		}
	}
	return persisted
}

func containsType(types []threat.Type, t threat.Type) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

func (o *Orchestrator) learn(ctx context.Context, in risk.Input, a risk.Assessment, log *slog.Logger) {
	if !o.cfg.BehaviorLearning || o.learner == nil || in.IdentityID == "" || in.Request == nil {
		return
	}
	err := o.learner.Update(ctx, in.IdentityID, behavior.Sample{
		Endpoint:      in.Request.Path,
		Method:        in.Request.Method,
		SourceAddress: in.Request.ClientIP(),
		Timestamp:     a.EvaluatedAt,
		Risk:          a.Score,
	})
	if err != nil {
		log.Warn("behavior profile not updated", "identity_id", in.IdentityID, "error", err)
	}
}

// mitigate revokes the session, then alerts and audits. Each step is
// independent; failures are logged and never undo persisted records.
func (o *Orchestrator) mitigate(ctx context.Context, in risk.Input, a risk.Assessment, threats []*threat.Record, log *slog.Logger) {
	log.Error("extreme risk detected, revoking session")

	revoked := o.sessions != nil && o.sessions.Revoke(in.SessionID, session.ReasonContinuousVerification)
	result := "ok"
	if !revoked {
		result = "noop"
	}
	metrics.MitigationsTotal.WithLabelValues("revoke", result).Inc()

	if len(threats) > 0 {
		ids := make([]string, 0, len(threats))
		for _, t := range threats {
			ids = append(ids, t.ID)
			t.Mitigated = true
			t.MitigationAction = threat.ActionSessionRevoked
		}
		if err := o.threats.MarkMitigated(ctx, ids, threat.ActionSessionRevoked); err != nil {
			log.Warn("threats not marked mitigated", "error", err)
		}
	}

	ip, endpoint, method, ua := "", "", "", ""
	if in.Request != nil {
		ip, endpoint, method, ua = in.Request.ClientIP(), in.Request.Path, in.Request.Method, in.Request.UserAgent()
	}

	if o.alerter != nil {
		o.alerter.Send(alerts.Alert{
			Kind:          alerts.KindHighRiskSession,
			SessionID:     in.SessionID,
			IdentityID:    in.IdentityID,
			Score:         a.Score,
			Level:         string(a.Level),
			Endpoint:      endpoint,
			Method:        method,
			SourceAddress: ip,
			Timestamp:     a.EvaluatedAt,
		})
		metrics.MitigationsTotal.WithLabelValues("alert", "ok").Inc()
	}

	if o.auditor != nil {
		o.auditor.Log(ctx, audit.Event{
			Type:         audit.EventSecurityAlert,
			Resource:     "session",
			Action:       "high_risk_detected",
			IdentityID:   in.IdentityID,
			IdentityKind: in.IdentityKind,
			Success:      false,
			SessionID:    in.SessionID,
			IPAddress:    ip,
			UserAgent:    ua,
			Details: map[string]any{
				"session_id": in.SessionID,
				"risk_score": a.Score,
				"endpoint":   endpoint,
				"ip_address": ip,
				"revoked":    revoked,
			},
		})
		metrics.MitigationsTotal.WithLabelValues("audit", "ok").Inc()
	}

	if revoked && o.publisher != nil {
		o.publisher.PublishRevocation(in.SessionID, in.IdentityID, string(session.ReasonContinuousVerification), a.Score)
	}
}
