package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/verigate/internal/logging"
	"github.com/mbd888/verigate/internal/metrics"
)

func TestMaskDetails(t *testing.T) {
	in := map[string]any{
		"password":      "hunter2",
		"Refresh_Token": "abc",
		"API_KEY":       "k",
		"client_secret": "s",
		"reason":        "logout",
		"headers": map[string]any{
			"Authorization": "Bearer x",
			"accept":        "json",
		},
	}
	out := MaskDetails(in)

	assert.Equal(t, maskedValue, out["password"])
	assert.Equal(t, maskedValue, out["Refresh_Token"])
	assert.Equal(t, maskedValue, out["API_KEY"])
	assert.Equal(t, maskedValue, out["client_secret"])
	assert.Equal(t, "logout", out["reason"])
	nested := out["headers"].(map[string]any)
	assert.Equal(t, maskedValue, nested["Authorization"])
	assert.Equal(t, "json", nested["accept"])

	assert.Equal(t, "hunter2", in["password"], "input is not modified")
	assert.Nil(t, MaskDetails(nil))
}

func TestMemoryLoggerQuery(t *testing.T) {
	l := NewMemoryLogger()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, l.LogEvent(ctx, &Event{Type: EventSessionCreated, SessionID: "s1", CreatedAt: base}))
	require.NoError(t, l.LogEvent(ctx, &Event{Type: EventSecurityAlert, SessionID: "s1", CreatedAt: base.Add(time.Minute)}))
	require.NoError(t, l.LogEvent(ctx, &Event{Type: EventSecurityAlert, SessionID: "s2", CreatedAt: base.Add(2 * time.Minute)}))

	got, err := l.Query(ctx, Filter{Type: EventSecurityAlert})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "s2", got[0].SessionID, "newest first")

	got, err = l.Query(ctx, Filter{SessionID: "s1", From: base.Add(30 * time.Second)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, EventSecurityAlert, got[0].Type)

	got, err = l.Query(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestMemoryLoggerMasksOnWrite(t *testing.T) {
	l := NewMemoryLogger()
	require.NoError(t, l.LogEvent(context.Background(), &Event{
		Type:    EventSessionRevoked,
		Details: map[string]any{"token": "raw-token-value"},
	}))
	events := l.Events()
	require.Len(t, events, 1)
	assert.Equal(t, maskedValue, events[0].Details["token"])
	assert.NotZero(t, events[0].ID)
}

type failingLogger struct{}

func (failingLogger) LogEvent(context.Context, *Event) error { return errors.New("db down") }
func (failingLogger) Query(context.Context, Filter) ([]*Event, error) {
	return nil, errors.New("db down")
}

type panickingLogger struct{ failingLogger }

func (panickingLogger) LogEvent(context.Context, *Event) error { panic("boom") }

func TestRecorderSwallowsFailures(t *testing.T) {
	before := testutil.ToFloat64(metrics.AuditWritesTotal.WithLabelValues("error"))

	r := NewRecorder(failingLogger{}, logging.Discard())
	assert.NotPanics(t, func() { r.Log(context.Background(), Event{Type: EventSecurityAlert}) })

	p := NewRecorder(panickingLogger{}, logging.Discard())
	assert.NotPanics(t, func() { p.Log(context.Background(), Event{Type: EventSecurityAlert}) })

	after := testutil.ToFloat64(metrics.AuditWritesTotal.WithLabelValues("error"))
	assert.Equal(t, before+2, after)
}

func TestRecorderFillsRequestID(t *testing.T) {
	mem := NewMemoryLogger()
	r := NewRecorder(mem, logging.Discard())
	ctx := logging.WithRequestID(context.Background(), "req-123")

	r.Log(ctx, Event{Type: EventSessionCreated})
	events := mem.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "req-123", events[0].RequestID)
	assert.False(t, events[0].CreatedAt.IsZero())

	var nilRecorder *Recorder
	assert.NotPanics(t, func() { nilRecorder.Log(ctx, Event{}) })
}
