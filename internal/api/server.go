package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"crowdguard/internal/config"
	"crowdguard/internal/engine"
	"crowdguard/internal/logging"
	"crowdguard/internal/metrics"
	"crowdguard/internal/model"
)

// Engine is the part of the session the API drives.
type Engine interface {
	View() model.View
	SetThreshold(v float64) error
	Reset()
	UpdateConfig(cfg *config.Config)
}

type Server struct {
	cfg     *config.Manager
	engine  Engine
	history *metrics.History
	metrics http.Handler
	logger  *slog.Logger
	version string
	router  *chi.Mux
}

type statusResponse struct {
	Status     string        `json:"status"`
	Time       string        `json:"time"`
	Version    string        `json:"version"`
	ConfigPath string        `json:"config_path"`
	Connected  bool          `json:"connected"`
	Transport  string        `json:"transport"`
	History    string        `json:"history_source"`
	Storage    storageStatus `json:"storage"`
	API        apiStatus     `json:"api"`
}

type storageStatus struct {
	Enabled bool   `json:"enabled"`
	Driver  string `json:"driver"`
}

type apiStatus struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

type thresholdRequest struct {
	Threshold *float64 `json:"threshold"`
}

func NewServer(cfg *config.Manager, eng Engine, history *metrics.History, metricsHandler http.Handler, logger *slog.Logger, version string) *Server {
	if cfg == nil {
		cfg = config.NewStaticManager(nil)
	}
	s := &Server{
		cfg:     cfg,
		engine:  eng,
		history: history,
		metrics: metricsHandler,
		logger:  logging.Component(logger, "api"),
		version: version,
		router:  chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/status", s.handleStatus)
	r.Get("/state", s.handleState)
	r.Get("/alerts", s.handleAlerts)
	r.Get("/history", s.handleHistory)
	r.Get("/threshold", s.handleGetThreshold)
	r.Post("/threshold", s.handleSetThreshold)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	r.Route("/admin", func(r chi.Router) {
		r.Post("/reset", s.handleReset)
		r.Post("/reload", s.handleReload)
	})
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves the API until ctx ends. It returns nil when the API is disabled.
func Start(ctx context.Context, srv *Server) *http.Server {
	if srv == nil {
		return nil
	}
	current := srv.cfg.Get().API
	if !current.Enabled {
		if srv.logger != nil {
			srv.logger.Info("api disabled")
		}
		return nil
	}
	if srv.logger != nil {
		srv.logger.Info("api enabled", "addr", current.Addr)
	}
	httpServer := &http.Server{Addr: current.Addr, Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if srv.logger != nil {
				srv.logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Get()
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Transport:  cfg.Transport.Kind,
		History:    cfg.History.Source,
		Storage:    storageStatus{Enabled: cfg.Storage.Enabled, Driver: cfg.Storage.Driver},
		API:        apiStatus{Enabled: cfg.API.Enabled, Addr: cfg.API.Addr},
	}
	if s.engine != nil {
		resp.Connected = s.engine.View().Connected
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.View())
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	view := s.engine.View()
	var list []model.AlertEvent
	switch panel := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("panel"))); panel {
	case "", string(engine.PanelGeneral):
		list = view.RecentAlerts
	case string(engine.PanelStampede):
		list = view.StampedeAlerts
	default:
		http.Error(w, "unknown panel", http.StatusBadRequest)
		return
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		if n > 0 && n < len(list) {
			list = list[:n]
		}
	}
	if list == nil {
		list = []model.AlertEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts":             list,
		"count":              len(list),
		"active_alert_count": view.ActiveAlertCount,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	points := []metrics.Point{}
	if s.history != nil {
		points = s.history.List()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"points": points,
		"count":  len(points),
	})
}

func (s *Server) handleGetThreshold(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"threshold": s.engine.View().Threshold})
}

func (s *Server) handleSetThreshold(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var req thresholdRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Threshold == nil {
		http.Error(w, "threshold required", http.StatusBadRequest)
		return
	}
	if err := s.engine.SetThreshold(*req.Threshold); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.logger != nil {
		s.logger.Info("threshold set via api", "threshold", *req.Threshold, "request_id", middleware.GetReqID(r.Context()))
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "threshold": *req.Threshold})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if s.engine != nil {
		s.engine.Reset()
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleReload re-reads the config file and pushes it to the engine.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Path() == "" {
		http.Error(w, "no config file", http.StatusConflict)
		return
	}
	cfg, err := s.cfg.Reload()
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("config reload failed", "err", err)
		}
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	if s.engine != nil {
		s.engine.UpdateConfig(cfg)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
