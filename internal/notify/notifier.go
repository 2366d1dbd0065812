// Package notify delivers stampede notifications to a webhook and/or a shell command.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"crowdguard/internal/config"
	"crowdguard/internal/model"
)

type Notification struct {
	Event    string          `json:"event"`
	Type     model.AlertType `json:"type,omitempty"`
	Severity model.Severity  `json:"severity,omitempty"`
	Message  string          `json:"message,omitempty"`
	Count    int             `json:"count"`
	Risk     model.RiskTier  `json:"risk"`
	At       time.Time       `json:"at"`
}

type Notifier struct {
	cfg      config.NotifyConfig
	client   *http.Client
	cooldown *Cooldown
	logger   *slog.Logger
	wg       sync.WaitGroup
}

func New(cfg config.NotifyConfig, logger *slog.Logger) *Notifier {
	return &Notifier{
		cfg:      cfg,
		client:   &http.Client{Timeout: 5 * time.Second},
		cooldown: NewCooldown(),
		logger:   logger,
	}
}

// Enabled returns true if any destination is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && (n.cfg.Webhook != "" || n.cfg.Command != "")
}

// Notify sends asynchronously. It returns false when nothing is configured or the same
// event and type fired within the cooldown.
func (n *Notifier) Notify(note Notification) bool {
	if !n.Enabled() {
		return false
	}
	if !n.cooldown.AllowKey(note.Event+"|"+string(note.Type), n.cfg.Cooldown) {
		return false
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.send(note)
	}()
	return true
}

// Wait blocks until in-flight deliveries finish.
func (n *Notifier) Wait() {
	if n == nil {
		return
	}
	n.wg.Wait()
}

func validateWebhookURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("webhook URL must use http or https scheme, got %q", scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("webhook URL has no host")
	}
	for _, b := range []string{"169.254.169.254", "metadata.google.internal"} {
		if host == b {
			return fmt.Errorf("webhook URL host %q is blocked", host)
		}
	}
	return nil
}

func (n *Notifier) send(note Notification) {
	data, err := json.Marshal(note)
	if err != nil {
		n.warn("notification marshal error", "err", err)
		return
	}

	if n.cfg.Webhook != "" {
		if err := validateWebhookURL(n.cfg.Webhook); err != nil {
			n.warn("webhook blocked", "err", err)
		} else if err := n.post(data); err != nil {
			n.warn("webhook delivery failed", "err", err)
		}
	}

	if n.cfg.Command != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		cmd := exec.CommandContext(ctx, "sh", "-c", n.cfg.Command)
		cmd.Env = append(os.Environ(),
			"CROWDGUARD_EVENT="+note.Event,
			"CROWDGUARD_TYPE="+string(note.Type),
			"CROWDGUARD_PAYLOAD="+string(data),
		)
		if err := cmd.Run(); err != nil {
			n.warn("notify command failed", "err", err)
		}
	}
}

func (n *Notifier) post(data []byte) error {
	req, err := http.NewRequest(http.MethodPost, n.cfg.Webhook, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

func (n *Notifier) warn(msg string, args ...any) {
	if n.logger != nil {
		n.logger.Warn(msg, args...)
	}
}
