package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"crowdguard/internal/config"
)

// WebhookSubscriber receives pushes over HTTP. The backend posts either
// {"event": "...", "data": {...}} envelopes (single or array) to /events, or a bare payload
// to /events/{event}.
type WebhookSubscriber struct {
	cfg      config.WebhookConfig
	logger   *slog.Logger
	hub      *dispatcher
	channels config.WebsocketConfig
	limiter  *rate.Limiter
	lastSeen atomic.Int64
	staleAge time.Duration
}

// NewWebhookSubscriber uses the websocket event names so both push transports share one
// naming scheme.
func NewWebhookSubscriber(cfg config.WebhookConfig, channels config.WebsocketConfig, logger *slog.Logger) *WebhookSubscriber {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RateLimit) + 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return &WebhookSubscriber{
		limiter:  limiter,
		cfg:      cfg,
		logger:   logger,
		hub:      newDispatcher(),
		channels: channels,
		staleAge: 30 * time.Second,
	}
}

func (s *WebhookSubscriber) SubscribeCrowdSamples(h Handler) (Unsubscribe, error) {
	return s.hub.add(s.channels.SampleEvent, h), nil
}

func (s *WebhookSubscriber) SubscribeAlertEvents(h Handler) (Unsubscribe, error) {
	return s.hub.add(s.channels.AlertEvent, h), nil
}

func (s *WebhookSubscriber) SubscribeStampedeEvents(h Handler) (Unsubscribe, error) {
	return s.hub.add(s.channels.StampedeEvent, h), nil
}

// Connected reports whether the backend has pushed anything recently.
func (s *WebhookSubscriber) Connected() bool {
	last := s.lastSeen.Load()
	if last == 0 {
		return false
	}
	return time.Since(time.Unix(0, last)) < s.staleAge
}

func (s *WebhookSubscriber) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.handleEnvelope)
	mux.HandleFunc("/events/", s.handleChannel)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Start serves the receiver until ctx ends.
func (s *WebhookSubscriber) Start(ctx context.Context) *http.Server {
	if s.logger != nil {
		s.logger.Info("webhook transport enabled", "addr", s.cfg.Addr)
	}
	httpServer := &http.Server{Addr: s.cfg.Addr, Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if s.logger != nil {
				s.logger.Error("webhook server error", "err", err)
			}
		}
	}()
	return httpServer
}

// admit rejects pushes beyond the configured rate with 429.
func (s *WebhookSubscriber) admit(w http.ResponseWriter) bool {
	if s.limiter.Allow() {
		return true
	}
	if s.logger != nil {
		s.logger.Warn("webhook push rate limited")
	}
	w.WriteHeader(http.StatusTooManyRequests)
	return false
}

func (s *WebhookSubscriber) handleEnvelope(w http.ResponseWriter, r *http.Request) {
	if !s.admit(w) {
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var envs []envelope
	if body[0] == '[' {
		if err := json.Unmarshal(body, &envs); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	} else {
		var env envelope
		if err := json.Unmarshal(body, &env); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		envs = append(envs, env)
	}
	accepted, ignored := 0, 0
	for _, env := range envs {
		if env.Event == "" || len(env.Data) == 0 {
			ignored++
			continue
		}
		if s.hub.dispatch(env.Event, env.Data) {
			accepted++
		} else {
			ignored++
		}
	}
	s.lastSeen.Store(time.Now().UnixNano())
	writeCounts(w, accepted, ignored)
}

func (s *WebhookSubscriber) handleChannel(w http.ResponseWriter, r *http.Request) {
	event := strings.Trim(strings.TrimPrefix(r.URL.Path, "/events/"), "/")
	if event == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if !s.admit(w) {
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	s.lastSeen.Store(time.Now().UnixNano())
	if s.hub.dispatch(event, body) {
		writeCounts(w, 1, 0)
		return
	}
	writeCounts(w, 0, 1)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return nil, false
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 2<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return nil, false
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return nil, false
	}
	return body, true
}

func writeCounts(w http.ResponseWriter, accepted, ignored int) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{
		"accepted": accepted,
		"ignored":  ignored,
	})
}
