package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"crowdguard/internal/config"
)

// envelope is the frame shape the backend pushes: {"event": "crowd_update", "data": {...}}.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type WebsocketSubscriber struct {
	cfg       config.WebsocketConfig
	logger    *slog.Logger
	hub       *dispatcher
	connected atomic.Bool
	dialer    *websocket.Dialer
}

func NewWebsocketSubscriber(cfg config.WebsocketConfig, logger *slog.Logger) *WebsocketSubscriber {
	return &WebsocketSubscriber{
		cfg:    cfg,
		logger: logger,
		hub:    newDispatcher(),
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeLimit},
	}
}

func (w *WebsocketSubscriber) SubscribeCrowdSamples(h Handler) (Unsubscribe, error) {
	return w.hub.add(w.cfg.SampleEvent, h), nil
}

func (w *WebsocketSubscriber) SubscribeAlertEvents(h Handler) (Unsubscribe, error) {
	return w.hub.add(w.cfg.AlertEvent, h), nil
}

func (w *WebsocketSubscriber) SubscribeStampedeEvents(h Handler) (Unsubscribe, error) {
	return w.hub.add(w.cfg.StampedeEvent, h), nil
}

func (w *WebsocketSubscriber) Connected() bool {
	return w.connected.Load()
}

// Run dials the backend and reads frames until ctx ends, reconnecting with capped
// exponential backoff.
func (w *WebsocketSubscriber) Run(ctx context.Context) {
	backoff := time.Duration(0)
	for ctx.Err() == nil {
		conn, _, err := w.dialer.DialContext(ctx, w.cfg.URL, nil)
		if err != nil {
			backoff = nextBackoff(backoff, w.cfg.ReconnectMin, w.cfg.ReconnectMax)
			if w.logger != nil {
				w.logger.Warn("websocket dial failed", "url", w.cfg.URL, "err", err, "retry_in", backoff)
			}
			if !BackoffSleep(ctx, backoff) {
				return
			}
			continue
		}
		backoff = 0
		w.connected.Store(true)
		if w.logger != nil {
			w.logger.Info("websocket connected", "url", w.cfg.URL)
		}
		w.readLoop(ctx, conn)
		w.connected.Store(false)
		if ctx.Err() != nil {
			return
		}
		backoff = nextBackoff(backoff, w.cfg.ReconnectMin, w.cfg.ReconnectMax)
		if !BackoffSleep(ctx, backoff) {
			return
		}
	}
}

func (w *WebsocketSubscriber) readLoop(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()
	defer conn.Close()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && w.logger != nil {
				w.logger.Warn("websocket read error", "err", err)
			}
			return
		}
		var env envelope
		if err := json.Unmarshal(msg, &env); err != nil || env.Event == "" {
			if w.logger != nil {
				w.logger.Debug("ignoring websocket frame", "err", err)
			}
			continue
		}
		w.hub.dispatch(env.Event, env.Data)
	}
}
