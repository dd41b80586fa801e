package status

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alarmbot/homewatch/internal/alarm"
	"github.com/alarmbot/homewatch/internal/config"
	"github.com/alarmbot/homewatch/internal/health"
)

type rawMessage struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) rawMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg rawMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func waitForClients(t *testing.T, b *Broadcaster, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for b.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("client count = %d, want %d", b.ClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBroadcastFeed(t *testing.T) {
	srv, reg, b := newTestServer(t, config.StatusConfig{})
	reg.Subscribe(b)
	b.PublishBatch("Seattle", []alarm.Event{{KeypadMessage: "earlier"}})

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	conn := dial(t, ts.URL)

	msg := readMessage(t, conn)
	if msg.Type != MsgSnapshot {
		t.Fatalf("first message = %s, want snapshot", msg.Type)
	}
	var snap SnapshotPayload
	if err := json.Unmarshal(msg.Payload, &snap); err != nil {
		t.Fatal(err)
	}
	if len(snap.Events["Seattle"]) != 1 || snap.Events["Seattle"][0].KeypadMessage != "earlier" {
		t.Errorf("snapshot events = %+v", snap.Events)
	}
	waitForClients(t, b, 1)

	op, err := reg.Begin("Seattle", "https://sea.example/alarm")
	if err != nil {
		t.Fatal(err)
	}

	msg = readMessage(t, conn)
	var hp HealthPayload
	if msg.Type != MsgHealth {
		t.Fatalf("message = %s, want health", msg.Type)
	}
	json.Unmarshal(msg.Payload, &hp)
	if hp.Source != "Seattle" || hp.State != health.Connecting {
		t.Errorf("health = %+v", hp)
	}

	msg = readMessage(t, conn)
	var ip InflightPayload
	if msg.Type != MsgInflight {
		t.Fatalf("message = %s, want inflight", msg.Type)
	}
	json.Unmarshal(msg.Payload, &ip)
	if ip.Count != 1 {
		t.Errorf("inflight = %d, want 1", ip.Count)
	}

	b.PublishBatch("Seattle", []alarm.Event{})
	msg = readMessage(t, conn)
	if msg.Type != MsgBatch || string(msg.Payload) != `{"source":"Seattle","events":[]}` {
		t.Errorf("reset batch = %s %s", msg.Type, msg.Payload)
	}

	op.End(nil)
}

func TestBroadcastUnauthorized(t *testing.T) {
	srv, _, _ := newTestServer(t, config.StatusConfig{Token: "s3cret"})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err == nil {
		t.Fatal("expected dial to fail without a token")
	}
	if resp == nil || resp.StatusCode != 401 {
		t.Errorf("response = %v, want 401", resp)
	}
}

func TestSlowClientDropped(t *testing.T) {
	srv, _, b := newTestServer(t, config.StatusConfig{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	dial(t, ts.URL)
	waitForClients(t, b, 1)

	// Never read: the client's buffer and socket eventually fill.
	big := []alarm.Event{{KeypadMessage: strings.Repeat("x", 64*1024)}}
	deadline := time.Now().Add(5 * time.Second)
	for b.ClientCount() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("slow client was never dropped")
		}
		b.PublishBatch("Seattle", big)
	}
}

func TestCloseDisconnectsClients(t *testing.T) {
	srv, _, b := newTestServer(t, config.StatusConfig{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	conn := dial(t, ts.URL)
	readMessage(t, conn)
	waitForClients(t, b, 1)

	b.Close()
	if b.ClientCount() != 0 {
		t.Errorf("client count = %d after Close", b.ClientCount())
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected the connection to be closed")
	}
	b.PublishBatch("Seattle", nil) // no clients, no panic
}
