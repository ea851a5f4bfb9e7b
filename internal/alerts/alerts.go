// Package alerts delivers security alerts to operators.
//
// Delivery is best-effort: a Notifier hands each alert to its sink on a
// background goroutine and never reports failures to the caller.
package alerts

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/verigate/internal/metrics"
)

// Kind classifies an alert.
type Kind string

const (
	KindHighRiskSession Kind = "high_risk_session"
)

// Alert is the payload sent to sinks.
type Alert struct {
	ID            string         `json:"id"`
	Kind          Kind           `json:"kind"`
	SessionID     string         `json:"session_id"`
	IdentityID    string         `json:"identity_id,omitempty"`
	Score         int            `json:"risk_score"`
	Level         string         `json:"risk_level"`
	Endpoint      string         `json:"endpoint"`
	Method        string         `json:"method"`
	SourceAddress string         `json:"source_address"`
	Details       map[string]any `json:"details,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Sink delivers one alert.
type Sink interface {
	Name() string
	Send(ctx context.Context, a Alert) error
}

// LogSink writes alerts to the structured log.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a log sink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(_ context.Context, a Alert) error {
	s.logger.Warn("SECURITY ALERT",
		"alert_id", a.ID,
		"kind", string(a.Kind),
		"session_id", a.SessionID,
		"identity_id", a.IdentityID,
		"risk_score", a.Score,
		"risk_level", a.Level,
		"endpoint", a.Endpoint,
		"method", a.Method,
		"source_address", a.SourceAddress,
	)
	return nil
}

// MultiSink fans an alert out to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Name() string { return "multi" }

func (m MultiSink) Send(ctx context.Context, a Alert) error {
	var errs []error
	for _, s := range m {
		err := s.Send(ctx, a)
		metrics.AlertDeliveriesTotal.WithLabelValues(s.Name(), metrics.Result(err)).Inc()
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
