package alerts

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/verigate/internal/idgen"
	"github.com/mbd888/verigate/internal/metrics"
)

const defaultSendTimeout = 10 * time.Second

// Notifier sends alerts in the background.
type Notifier struct {
	sink    Sink
	logger  *slog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewNotifier wraps sink. A nil sink makes Send a no-op.
func NewNotifier(sink Sink, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{sink: sink, logger: logger, timeout: defaultSendTimeout}
}

// Send schedules delivery and returns immediately.
func (n *Notifier) Send(a Alert) {
	if n == nil || n.sink == nil {
		return
	}
	if a.ID == "" {
		a.ID = idgen.WithPrefix("alr_")
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer func() {
			if p := recover(); p != nil {
				n.logger.Error("alert delivery panicked", "alert_id", a.ID, "panic", p)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()
		err := n.sink.Send(ctx, a)
		if _, multi := n.sink.(MultiSink); !multi {
			metrics.AlertDeliveriesTotal.WithLabelValues(n.sink.Name(), metrics.Result(err)).Inc()
		}
		if err != nil {
			n.logger.Warn("alert delivery failed", "alert_id", a.ID, "session_id", a.SessionID, "error", err)
		}
	}()
}

// Wait blocks until in-flight deliveries finish or ctx ends.
func (n *Notifier) Wait(ctx context.Context) error {
	if n == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
