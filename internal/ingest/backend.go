package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"

	"crowdguard/internal/config"
	"crowdguard/internal/normalize"
)

const (
	recentAlertsPath = "/api/recent_alerts"
	recentCountsPath = "/api/recent_counts"
	setThresholdPath = "/api/set_threshold"
)

// HTTPBackend talks to the backend's REST surface. Polls go through a circuit breaker so a
// dead backend is not hammered every tick; threshold writes are retried with backoff.
type HTTPBackend struct {
	baseURL  string
	limit    int
	client   *http.Client
	cb       *gobreaker.CircuitBreaker
	attempts uint
	logger   *slog.Logger
}

func NewHTTPBackend(cfg config.BackendConfig, limit int, logger *slog.Logger) *HTTPBackend {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "backend-poll",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logger != nil {
				logger.Warn("backend breaker state changed", "name", name, "from", from.String(), "to", to.String())
			}
		},
	})
	return &HTTPBackend{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		limit:    limit,
		client:   &http.Client{Timeout: timeout},
		cb:       cb,
		attempts: 3,
		logger:   logger,
	}
}

func (b *HTTPBackend) PollRecentAlerts(ctx context.Context) ([]normalize.Fields, error) {
	return b.pollList(ctx, recentAlertsPath)
}

func (b *HTTPBackend) PollRecentCounts(ctx context.Context) ([]normalize.Fields, error) {
	return b.pollList(ctx, recentCountsPath)
}

func (b *HTTPBackend) pollList(ctx context.Context, path string) ([]normalize.Fields, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.get(ctx, path)
	})
	if err != nil {
		return nil, fmt.Errorf("poll %s: %w", path, err)
	}
	list, err := ParseJSONList(res.([]byte))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return list, nil
}

func (b *HTTPBackend) get(ctx context.Context, path string) ([]byte, error) {
	u := b.baseURL + path
	if b.limit > 0 {
		u += "?" + url.Values{"limit": {strconv.Itoa(b.limit)}}.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return body, nil
}

// SetThreshold posts {"threshold": v}. Callers run it in the background; the result never
// feeds back into local state.
func (b *HTTPBackend) SetThreshold(ctx context.Context, threshold float64) error {
	payload, err := json.Marshal(map[string]float64{"threshold": threshold})
	if err != nil {
		return err
	}
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(b.attempts),
		retry.DelayType(func(n uint, err error, dc retry.DelayContext) time.Duration {
			return retry.BackOffDelay(n, err, dc)
		}),
	)
	err = r.Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+setThresholdPath, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := b.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		if resp.StatusCode/100 != 2 {
			return fmt.Errorf("set threshold: unexpected status %d", resp.StatusCode)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("set threshold %v: %w", threshold, err)
	}
	return nil
}
