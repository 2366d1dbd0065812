package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	Backend   BackendConfig   `json:"backend" yaml:"backend"`
	Transport TransportConfig `json:"transport" yaml:"transport"`
	History   HistoryConfig   `json:"history" yaml:"history"`
	Fusion    FusionConfig    `json:"fusion" yaml:"fusion"`
	Alerts    AlertsConfig    `json:"alerts" yaml:"alerts"`
	Smoother  SmootherConfig  `json:"smoother" yaml:"smoother"`
	API       APIConfig       `json:"api" yaml:"api"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Notify    NotifyConfig    `json:"notify" yaml:"notify"`
}

type BackendConfig struct {
	BaseURL        string        `json:"base_url" yaml:"base_url"`
	PollInterval   time.Duration `json:"poll_interval" yaml:"poll_interval"`
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`
	ChannelBuffer  int           `json:"channel_buffer" yaml:"channel_buffer"`
	Timezone       string        `json:"timezone" yaml:"timezone"`
}

type TransportConfig struct {
	Kind      string          `json:"kind" yaml:"kind"`
	Websocket WebsocketConfig `json:"websocket" yaml:"websocket"`
	Kafka     KafkaConfig     `json:"kafka" yaml:"kafka"`
	NATS      NATSConfig      `json:"nats" yaml:"nats"`
	Webhook   WebhookConfig   `json:"webhook" yaml:"webhook"`
}

type WebsocketConfig struct {
	URL            string        `json:"url" yaml:"url"`
	ReconnectMin   time.Duration `json:"reconnect_min" yaml:"reconnect_min"`
	ReconnectMax   time.Duration `json:"reconnect_max" yaml:"reconnect_max"`
	SampleEvent    string        `json:"sample_event" yaml:"sample_event"`
	AlertEvent     string        `json:"alert_event" yaml:"alert_event"`
	StampedeEvent  string        `json:"stampede_event" yaml:"stampede_event"`
	HandshakeLimit time.Duration `json:"handshake_timeout" yaml:"handshake_timeout"`
}

type KafkaConfig struct {
	Brokers       []string `json:"brokers" yaml:"brokers"`
	GroupID       string   `json:"group_id" yaml:"group_id"`
	SampleTopic   string   `json:"sample_topic" yaml:"sample_topic"`
	AlertTopic    string   `json:"alert_topic" yaml:"alert_topic"`
	StampedeTopic string   `json:"stampede_topic" yaml:"stampede_topic"`
}

type NATSConfig struct {
	URL             string        `json:"url" yaml:"url"`
	ConnectTimeout  time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
	ReconnectWait   time.Duration `json:"reconnect_wait" yaml:"reconnect_wait"`
	MaxReconnects   int           `json:"max_reconnects" yaml:"max_reconnects"`
	SampleSubject   string        `json:"sample_subject" yaml:"sample_subject"`
	AlertSubject    string        `json:"alert_subject" yaml:"alert_subject"`
	StampedeSubject string        `json:"stampede_subject" yaml:"stampede_subject"`
}

type WebhookConfig struct {
	Addr string `json:"addr" yaml:"addr"`
	// RateLimit caps accepted pushes per second; zero disables the limit.
	RateLimit float64 `json:"rate_limit" yaml:"rate_limit"`
	Burst     int     `json:"burst" yaml:"burst"`
}

type HistoryConfig struct {
	Source string `json:"source" yaml:"source"`
	Limit  int    `json:"limit" yaml:"limit"`
}

type FusionConfig struct {
	Threshold              float64       `json:"threshold" yaml:"threshold"`
	VelocityThreshold      float64       `json:"velocity_threshold" yaml:"velocity_threshold"`
	PanicVelocityThreshold float64       `json:"panic_velocity_threshold" yaml:"panic_velocity_threshold"`
	AutoClear              time.Duration `json:"auto_clear" yaml:"auto_clear"`
}

type AlertsConfig struct {
	Retention        time.Duration `json:"retention" yaml:"retention"`
	GeneralCapacity  int           `json:"general_capacity" yaml:"general_capacity"`
	StampedeCapacity int           `json:"stampede_capacity" yaml:"stampede_capacity"`
	HistoryPoints    int           `json:"history_points" yaml:"history_points"`
}

type SmootherConfig struct {
	Frames int           `json:"frames" yaml:"frames"`
	Tick   time.Duration `json:"tick" yaml:"tick"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

type NotifyConfig struct {
	Webhook  string        `json:"webhook" yaml:"webhook"`
	Command  string        `json:"command" yaml:"command"`
	Cooldown time.Duration `json:"cooldown" yaml:"cooldown"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Backend: BackendConfig{
			BaseURL:        "http://localhost:5000",
			PollInterval:   2 * time.Second,
			RequestTimeout: 3 * time.Second,
			ChannelBuffer:  1024,
			Timezone:       "Local",
		},
		Transport: TransportConfig{
			Kind: "websocket",
			Websocket: WebsocketConfig{
				URL:            "ws://localhost:5000/ws",
				ReconnectMin:   1 * time.Second,
				ReconnectMax:   60 * time.Second,
				SampleEvent:    "crowd_update",
				AlertEvent:     "alert_event",
				StampedeEvent:  "stampede_alert",
				HandshakeLimit: 10 * time.Second,
			},
			Kafka: KafkaConfig{
				GroupID:       "crowdguard",
				SampleTopic:   "crowd_update",
				AlertTopic:    "alert_event",
				StampedeTopic: "stampede_alert",
			},
			NATS: NATSConfig{
				URL:             "nats://localhost:4222",
				ConnectTimeout:  10 * time.Second,
				ReconnectWait:   2 * time.Second,
				MaxReconnects:   -1,
				SampleSubject:   "crowd.update",
				AlertSubject:    "crowd.alert",
				StampedeSubject: "crowd.stampede",
			},
			Webhook: WebhookConfig{Addr: ":8090", RateLimit: 200, Burst: 400},
		},
		History: HistoryConfig{Source: "http", Limit: 10},
		Fusion: FusionConfig{
			Threshold:              25,
			VelocityThreshold:      30,
			PanicVelocityThreshold: 60,
			AutoClear:              20 * time.Second,
		},
		Alerts: AlertsConfig{
			Retention:        5 * time.Minute,
			GeneralCapacity:  3,
			StampedeCapacity: 5,
			HistoryPoints:    20,
		},
		Smoother: SmootherConfig{Frames: 12, Tick: 20 * time.Millisecond},
		API:      APIConfig{Enabled: true, Addr: ":8081"},
		Storage:  StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:crowdguard.db?_pragma=busy_timeout(5000)"},
		Notify:   NotifyConfig{Cooldown: 30 * time.Second},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return Parse(content)
}

// Parse decodes YAML or JSON over the defaults, then validates. Durations are strings such
// as "20s" in both formats; bare numbers are rejected for them.
func Parse(content []byte) (*Config, error) {
	cfg := DefaultConfig()
	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	data := []byte(trimmed)
	if looksLikeJSON(trimmed) {
		converted, err := jsonToYAML(data)
		if err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
		data = converted
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = yamlToJSON(cfg)
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// jsonToYAML lets JSON files share the YAML decoder, which reads durations from strings.
func jsonToYAML(data []byte) ([]byte, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return yaml.Marshal(doc)
}

func yamlToJSON(cfg *Config) ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return json.MarshalIndent(doc, "", "  ")
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Backend.PollInterval <= 0 {
		cfg.Backend.PollInterval = def.Backend.PollInterval
	}
	if cfg.Backend.RequestTimeout <= 0 {
		cfg.Backend.RequestTimeout = def.Backend.RequestTimeout
	}
	if cfg.Backend.ChannelBuffer <= 0 {
		cfg.Backend.ChannelBuffer = def.Backend.ChannelBuffer
	}
	if cfg.Backend.Timezone == "" {
		cfg.Backend.Timezone = def.Backend.Timezone
	}
	if cfg.Transport.Kind == "" {
		cfg.Transport.Kind = def.Transport.Kind
	}
	if cfg.Transport.Webhook.RateLimit > 0 && cfg.Transport.Webhook.Burst <= 0 {
		cfg.Transport.Webhook.Burst = int(cfg.Transport.Webhook.RateLimit) + 1
	}
	if cfg.History.Source == "" {
		cfg.History.Source = def.History.Source
	}
	if cfg.History.Limit <= 0 {
		cfg.History.Limit = def.History.Limit
	}
	if cfg.Fusion.AutoClear <= 0 {
		cfg.Fusion.AutoClear = def.Fusion.AutoClear
	}
	if cfg.Alerts.Retention <= 0 {
		cfg.Alerts.Retention = def.Alerts.Retention
	}
	if cfg.Alerts.GeneralCapacity <= 0 {
		cfg.Alerts.GeneralCapacity = def.Alerts.GeneralCapacity
	}
	if cfg.Alerts.StampedeCapacity <= 0 {
		cfg.Alerts.StampedeCapacity = def.Alerts.StampedeCapacity
	}
	if cfg.Alerts.HistoryPoints <= 0 {
		cfg.Alerts.HistoryPoints = def.Alerts.HistoryPoints
	}
	if cfg.Smoother.Frames <= 0 {
		cfg.Smoother.Frames = def.Smoother.Frames
	}
	if cfg.Smoother.Tick <= 0 {
		cfg.Smoother.Tick = def.Smoother.Tick
	}
}

// Validate rejects configurations that cannot run. A non-positive fusion threshold is
// accepted on purpose: the classifier degrades it instead of failing.
func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	switch strings.ToLower(cfg.Transport.Kind) {
	case "websocket":
		if cfg.Transport.Websocket.URL == "" {
			return errors.New("transport.websocket.url required for websocket transport")
		}
	case "kafka":
		k := cfg.Transport.Kafka
		if len(k.Brokers) == 0 || k.GroupID == "" {
			return errors.New("transport.kafka requires brokers and group_id")
		}
		if k.SampleTopic == "" || k.AlertTopic == "" || k.StampedeTopic == "" {
			return errors.New("transport.kafka requires sample_topic, alert_topic, stampede_topic")
		}
	case "nats":
		if cfg.Transport.NATS.URL == "" {
			return errors.New("transport.nats.url required for nats transport")
		}
	case "webhook":
		if cfg.Transport.Webhook.Addr == "" {
			return errors.New("transport.webhook.addr required for webhook transport")
		}
	default:
		return fmt.Errorf("unsupported transport kind: %q", cfg.Transport.Kind)
	}
	switch strings.ToLower(cfg.History.Source) {
	case "http":
		if cfg.Backend.BaseURL == "" {
			return errors.New("backend.base_url required when history.source is http")
		}
	case "storage":
		if cfg.Storage.DSN == "" {
			return errors.New("storage.dsn required when history.source is storage")
		}
	default:
		return fmt.Errorf("unsupported history source: %q", cfg.History.Source)
	}
	if cfg.Fusion.VelocityThreshold < 0 || cfg.Fusion.PanicVelocityThreshold < 0 {
		return errors.New("fusion velocity thresholds must be >= 0")
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps an in-memory config; Update and Watch are no-ops without a path.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if m.path != "" {
		if err := Save(m.path, cfg); err != nil {
			return err
		}
		if info, err := os.Stat(m.path); err == nil {
			m.modTime = info.ModTime()
		}
	}
	m.cfg.Store(cfg)
	return nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
