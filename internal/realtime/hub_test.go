package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/verigate/internal/risk"
	"github.com/mbd888/verigate/internal/threat"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func startHub(t *testing.T) *Hub {
	t.Helper()
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

// ---------------------------------------------------------------------------
// Subscription filters
// ---------------------------------------------------------------------------

func TestWants_AllEvents(t *testing.T) {
	client := &Client{sub: Subscription{AllEvents: true, MinScore: 99}}
	if !client.wants(&Event{Type: EventRiskEvaluated, Score: 1}) {
		t.Error("AllEvents client should receive everything")
	}
}

func TestWants_EventTypeFilter(t *testing.T) {
	client := &Client{sub: Subscription{
		EventTypes: []EventType{EventThreatDetected, EventSessionRevoked},
	}}

	if client.wants(&Event{Type: EventRiskEvaluated}) {
		t.Error("Should NOT receive risk evaluations")
	}
	if !client.wants(&Event{Type: EventThreatDetected}) {
		t.Error("Should receive threats")
	}
	if !client.wants(&Event{Type: EventSessionRevoked}) {
		t.Error("Should receive revocations")
	}
}

func TestWants_SessionFilter(t *testing.T) {
	client := &Client{sub: Subscription{SessionIDs: []string{"s1"}}}

	if !client.wants(&Event{Type: EventRiskEvaluated, SessionID: "s1"}) {
		t.Error("Should match watched session")
	}
	if client.wants(&Event{Type: EventRiskEvaluated, SessionID: "s2"}) {
		t.Error("Should NOT match other sessions")
	}
}

func TestWants_MinScore(t *testing.T) {
	client := &Client{sub: Subscription{MinScore: 60}}

	if client.wants(&Event{Type: EventRiskEvaluated, Score: 59}) {
		t.Error("Score below floor should be filtered")
	}
	if !client.wants(&Event{Type: EventRiskEvaluated, Score: 60}) {
		t.Error("Score at floor should pass")
	}
	if !client.wants(&Event{Type: EventSessionRevoked}) {
		t.Error("Revocations should ignore the score floor")
	}
}

func TestWants_EmptySubscription(t *testing.T) {
	client := &Client{sub: Subscription{}}
	if !client.wants(&Event{Type: EventRiskEvaluated}) {
		t.Error("Empty subscription should receive events")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle
// ---------------------------------------------------------------------------

func TestHub_StatsInitial(t *testing.T) {
	stats := testHub().Stats()
	if stats["connected_clients"].(int) != 0 {
		t.Errorf("expected 0 connected clients, got %v", stats["connected_clients"])
	}
	if stats["total_events"].(int64) != 0 {
		t.Errorf("expected 0 total events, got %v", stats["total_events"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := startHub(t)

	client := &Client{hub: h, send: make(chan []byte, 8), sub: Subscription{AllEvents: true}}
	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connected_clients"].(int) != 1 {
		t.Errorf("expected 1 connected client, got %v", stats["connected_clients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connected_clients"].(int) != 0 {
		t.Errorf("expected 0 clients after unregister, got %v", stats["connected_clients"])
	}
	if stats["peak_clients"].(int64) != 1 {
		t.Errorf("expected peak 1, got %v", stats["peak_clients"])
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := startHub(t)

	client := &Client{hub: h, send: make(chan []byte, 8), sub: Subscription{MinScore: 80}}
	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.PublishEvaluation("s1", "u1", risk.Assessment{Score: 20, Level: risk.LevelLow})
	time.Sleep(100 * time.Millisecond)
	select {
	case <-client.send:
		t.Fatal("low score should be filtered")
	default:
	}

	h.PublishThreat(&threat.Record{SessionID: "s1", Type: threat.SuspiciousActivity, ScoreAtDetection: 94})
	select {
	case msg := <-client.send:
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if ev.Type != EventThreatDetected || ev.Score != 94 {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for threat event")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("hub did not stop after context cancellation")
	}
}

func TestHub_NilSafePublishers(t *testing.T) {
	var h *Hub
	h.PublishEvaluation("s", "u", risk.Assessment{})
	h.PublishThreat(nil)
	h.PublishRevocation("s", "u", "r", 0)
	h.Broadcast(&Event{})
}

func TestHub_WebSocketEndToEnd(t *testing.T) {
	h := startHub(t)
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	sub, _ := json.Marshal(Subscription{EventTypes: []EventType{EventSessionRevoked}})
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	h.PublishEvaluation("s1", "u1", risk.Assessment{Score: 95})
	h.PublishRevocation("s1", "u1", "continuous_verification", 95)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != EventSessionRevoked || ev.SessionID != "s1" {
		t.Errorf("expected revocation for s1, got %+v", ev)
	}
}
