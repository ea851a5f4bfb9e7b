package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/verigate/internal/logging"
	"github.com/mbd888/verigate/internal/metrics"
)

const writeTimeout = 2 * time.Second

// Recorder is the fail-safe front of a Logger: write failures are logged
// and counted, never returned.
type Recorder struct {
	logger Logger
	log    *slog.Logger
}

// NewRecorder wraps logger. A nil logger makes every Log call a no-op.
func NewRecorder(logger Logger, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{logger: logger, log: log}
}

// Log writes e. The request id is taken from ctx when the event has none.
func (r *Recorder) Log(ctx context.Context, e Event) {
	if r == nil || r.logger == nil {
		return
	}
	if e.RequestID == "" {
		e.RequestID = logging.RequestID(ctx)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			metrics.AuditWritesTotal.WithLabelValues("error").Inc()
			r.log.Error("audit write panicked", "event_type", e.Type, "panic", p)
		}
	}()

	err := r.logger.LogEvent(wctx, &e)
	metrics.AuditWritesTotal.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		r.log.Warn("audit write failed", "event_type", e.Type, "session_id", e.SessionID, "error", err)
	}
}

// Query passes through to the underlying logger.
func (r *Recorder) Query(ctx context.Context, f Filter) ([]*Event, error) {
	if r == nil || r.logger == nil {
		return nil, nil
	}
	return r.logger.Query(ctx, f)
}
