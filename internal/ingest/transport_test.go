package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"crowdguard/internal/config"
)

func testChannels() config.WebsocketConfig {
	return config.WebsocketConfig{
		SampleEvent:   "crowd_update",
		AlertEvent:    "alert_event",
		StampedeEvent: "stampede_alert",
		ReconnectMin:  10 * time.Millisecond,
		ReconnectMax:  50 * time.Millisecond,
	}
}

func TestWebsocketDispatchesByEventName(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"crowd_update","data":{"count":7}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"stampede_alert","data":{"type":"panic_movement"}}`))
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	cfg := testChannels()
	cfg.URL = "ws" + strings.TrimPrefix(srv.URL, "http")
	sub := NewWebsocketSubscriber(cfg, nil)

	samples := make(chan string, 4)
	stampedes := make(chan string, 4)
	if _, err := sub.SubscribeCrowdSamples(func(p []byte) { samples <- string(p) }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := sub.SubscribeStampedeEvents(func(p []byte) { stampedes <- string(p) }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sub.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	select {
	case p := <-samples:
		if p != `{"count":7}` {
			t.Fatalf("sample payload %s", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no sample received")
	}
	select {
	case p := <-stampedes:
		if !strings.Contains(p, "panic_movement") {
			t.Fatalf("stampede payload %s", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no stampede received")
	}
	if !sub.Connected() {
		t.Fatalf("expected connected")
	}
}

func TestWebsocketRunStopsWhileDialing(t *testing.T) {
	cfg := testChannels()
	cfg.URL = "ws://127.0.0.1:1/ws"
	sub := NewWebsocketSubscriber(cfg, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		sub.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
	if sub.Connected() {
		t.Fatalf("should not report connected")
	}
}

func TestWebhookEnvelopeAndChannelRoutes(t *testing.T) {
	sub := NewWebhookSubscriber(config.WebhookConfig{}, testChannels(), nil)
	alerts := make(chan string, 8)
	unsub, _ := sub.SubscribeAlertEvents(func(p []byte) { alerts <- string(p) })
	srv := httptest.NewServer(sub.Handler())
	defer srv.Close()

	if sub.Connected() {
		t.Fatalf("connected before any push")
	}
	body := `[{"event":"alert_event","data":{"type":"crowd_surge","count":9}},{"event":"unknown","data":{}}]`
	resp, err := http.Post(srv.URL+"/events", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	resp, err = http.Post(srv.URL+"/events/alert_event", "application/json", strings.NewReader(`{"type":"crowd_surge"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if len(alerts) != 2 {
		t.Fatalf("expected 2 alerts, got %d", len(alerts))
	}
	if !sub.Connected() {
		t.Fatalf("expected connected after push")
	}

	unsub()
	unsub()
	resp, err = http.Post(srv.URL+"/events/alert_event", "application/json", strings.NewReader(`{"type":"crowd_surge"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if len(alerts) != 2 {
		t.Fatalf("handler called after unsubscribe")
	}

	resp, err = http.Get(srv.URL + "/events")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestWebhookRateLimit(t *testing.T) {
	sub := NewWebhookSubscriber(config.WebhookConfig{RateLimit: 0.001, Burst: 1}, testChannels(), nil)
	srv := httptest.NewServer(sub.Handler())
	defer srv.Close()

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		resp, err := http.Post(srv.URL+"/events/crowd_update", "application/json", strings.NewReader(`{"count":3}`))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		resp.Body.Close()
		codes = append(codes, resp.StatusCode)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Fatalf("expected 200 then 429, got %v", codes)
	}
}

func TestParseJSONKeepsNumbersAndRejectsBooleans(t *testing.T) {
	f, err := ParseJSONBytes([]byte(`{"Count": 12.0, "velocity": "7.5", "Type": "crowd_surge", "id": 99}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.Count != "12.0" || f.Velocity != "7.5" || f.Type != "crowd_surge" || f.ID != "99" {
		t.Fatalf("unexpected fields %+v", f)
	}
	f, err = ParseJSONBytes([]byte(`{"count": false}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.Count != "bool" {
		t.Fatalf("boolean count should not look numeric: %q", f.Count)
	}
	if _, err := ParseJSONList([]byte(`{"nothing":[]}`)); err == nil {
		t.Fatalf("expected error for unwrapped object")
	}
}
