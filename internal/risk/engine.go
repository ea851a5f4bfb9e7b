package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/verigate/internal/idgen"
	"github.com/mbd888/verigate/internal/reqctx"
)

// Config selects optional factors and the level thresholds.
type Config struct {
	Thresholds      Thresholds
	LocationEnabled bool
	TimeEnabled     bool
}

// DefaultConfig enables every factor with default thresholds.
func DefaultConfig() Config {
	return Config{
		Thresholds:      DefaultThresholds(),
		LocationEnabled: true,
		TimeEnabled:     true,
	}
}

// Input identifies the request being scored.
type Input struct {
	SessionID    string
	Request      *reqctx.Request
	IdentityID   string
	IdentityKind string
}

// Engine computes assessments. It only reads sessions and profiles.
type Engine struct {
	cfg      Config
	store    Store
	sessions SessionReader
	profiles ProfileReader
	locator  Locator
	zones    TimezoneResolver
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLocator sets the geo-distance estimator.
func WithLocator(l Locator) Option {
	return func(e *Engine) { e.locator = l }
}

// WithTimezones sets the timezone resolver.
func WithTimezones(z TimezoneResolver) Option {
	return func(e *Engine) { e.zones = z }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock sets the fallback time source for requests without a receive time.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a risk engine. profiles may be nil, in which case the
// behavior factor always reports insufficient data.
func NewEngine(cfg Config, store Store, sessions SessionReader, profiles ProfileReader, opts ...Option) *Engine {
	e := &Engine{
		cfg:      cfg,
		store:    store,
		sessions: sessions,
		profiles: profiles,
		locator:  NoopLocator{},
		zones:    &FixedZone{loc: time.UTC},
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Thresholds returns the configured thresholds.
func (e *Engine) Thresholds() Thresholds { return e.cfg.Thresholds }

type factorFunc func(context.Context, *evaluation) (Factor, error)

// Compute scores one request. It never fails: any error or panic produces
// a degraded assessment with score 0 and no factors.
func (e *Engine) Compute(ctx context.Context, in Input) (a Assessment) {
	now := e.now()
	if in.Request != nil && !in.Request.ReceivedAt.IsZero() {
		now = in.Request.ReceivedAt
	}

	defer func() {
		if p := recover(); p != nil {
			a = degraded(now, fmt.Errorf("risk engine panic: %v", p))
		}
		if a.Degraded {
			e.logger.Warn("risk evaluation degraded", "session_id", in.SessionID, "error", a.Err)
		}
	}()

	if in.Request == nil {
		return degraded(now, errors.New("risk: nil request"))
	}
	ev := &evaluation{in: in, now: now, ip: in.Request.ClientIP()}

	steps := []factorFunc{
		e.locationFactor,
		e.timeFactor,
		e.behaviorFactor,
		e.frequencyFactor,
		e.permissionFactor,
		e.dataFactor,
		e.sessionFactor,
	}
	factors := make([]Factor, 0, len(steps))
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return degraded(now, err)
		}
		f, err := step(ctx, ev)
		if err != nil {
			return degraded(now, err)
		}
		factors = append(factors, f)
	}

	score := Composite(factors)
	return Assessment{
		Score:       score,
		Level:       e.cfg.Thresholds.Level(score),
		Factors:     factors,
		EvaluatedAt: now,
	}
}

func degraded(now time.Time, err error) Assessment {
	return Assessment{
		Score:       0,
		Level:       LevelLow,
		Degraded:    true,
		Err:         err,
		EvaluatedAt: now,
	}
}

// NewScoreRecord builds the persisted trace of an assessment.
func NewScoreRecord(in Input, a Assessment) *ScoreRecord {
	rec := &ScoreRecord{
		ID:         idgen.WithPrefix("rsk_"),
		SessionID:  in.SessionID,
		IdentityID: in.IdentityID,
		Score:      a.Score,
		Level:      a.Level,
		Factors:    a.Factors,
		Degraded:   a.Degraded,
		Timestamp:  a.EvaluatedAt,
	}
	if rec.Factors == nil {
		rec.Factors = []Factor{}
	}
	if in.Request != nil {
		rec.SourceAddress = in.Request.ClientIP()
		rec.Endpoint = in.Request.Path
		rec.Method = in.Request.Method
	}
	return rec
}
