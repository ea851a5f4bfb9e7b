// Package retention periodically removes aged verification data.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/verigate/internal/metrics"
)

// Deleter removes records older than a cutoff. Risk score, threat, and
// behavior profile stores all satisfy it.
type Deleter interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Pruner drops expired in-memory entries.
type Pruner interface {
	PruneExpired(now time.Time) int
}

// Evictor drops idle cache entries.
type Evictor interface {
	EvictIdle(now time.Time) int
}

// Compactor drops empty rate-limit windows.
type Compactor interface {
	Cleanup(now time.Time) int
}

// Targets groups what a pass touches. Nil fields are skipped.
type Targets struct {
	Scores   Deleter
	Threats  Deleter
	Profiles Deleter
	Sessions Pruner
	Cache    Evictor
	Limiter  Compactor
}

// Result is the outcome of one pass.
type Result struct {
	Scores   int64
	Threats  int64
	Profiles int64
	Sessions int
	Evicted  int
	Windows  int
}

// Timer runs cleanup passes on an interval.
type Timer struct {
	targets   Targets
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
	stop      chan struct{}
	running   atomic.Bool
}

// Option configures a Timer.
type Option func(*Timer)

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(t *Timer) { t.now = now }
}

// NewTimer creates a retention worker. Records older than retention are
// removed every interval.
func NewTimer(targets Targets, interval, retention time.Duration, logger *slog.Logger, opts ...Option) *Timer {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &Timer{
		targets:   targets,
		interval:  interval,
		retention: retention,
		logger:    logger,
		now:       time.Now,
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Running reports whether the timer loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start blocks running passes until ctx is cancelled or Stop is called.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in retention pass", "panic", fmt.Sprint(r))
		}
	}()
	t.RunOnce(ctx)
}

// RunOnce performs one cleanup pass. A failing target is logged and does
// not stop the others.
func (t *Timer) RunOnce(ctx context.Context) Result {
	now := t.now()
	var res Result

	if t.retention > 0 {
		cutoff := now.Add(-t.retention)
		res.Scores = t.delete(ctx, "risk_scores", t.targets.Scores, cutoff)
		res.Threats = t.delete(ctx, "threats", t.targets.Threats, cutoff)
		res.Profiles = t.delete(ctx, "behavior_profiles", t.targets.Profiles, cutoff)
	}
	if t.targets.Sessions != nil {
		res.Sessions = t.targets.Sessions.PruneExpired(now)
		metrics.RetentionDeletedTotal.WithLabelValues("sessions").Add(float64(res.Sessions))
	}
	if t.targets.Cache != nil {
		res.Evicted = t.targets.Cache.EvictIdle(now)
	}
	if t.targets.Limiter != nil {
		res.Windows = t.targets.Limiter.Cleanup(now)
	}

	t.logger.Info("retention pass complete",
		"risk_scores", res.Scores,
		"threats", res.Threats,
		"behavior_profiles", res.Profiles,
		"sessions", res.Sessions,
		"evicted_profiles", res.Evicted,
		"rate_limit_windows", res.Windows,
	)
	return res
}

func (t *Timer) delete(ctx context.Context, kind string, d Deleter, cutoff time.Time) int64 {
	if d == nil {
		return 0
	}
	n, err := d.DeleteBefore(ctx, cutoff)
	if err != nil {
		t.logger.Warn("retention delete failed", "kind", kind, "error", err)
		return 0
	}
	metrics.RetentionDeletedTotal.WithLabelValues(kind).Add(float64(n))
	return n
}
