package api

import (
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"crowdguard/internal/config"
	"crowdguard/internal/engine"
	"crowdguard/internal/metrics"
	"crowdguard/internal/model"
)

type fakeEngine struct {
	mu        sync.Mutex
	view      model.View
	threshold []float64
	resets    int
	updated   []*config.Config
}

func (f *fakeEngine) View() model.View {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.view
}

func (f *fakeEngine) SetThreshold(v float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if math.IsNaN(v) {
		return engine.ErrInvalidThreshold
	}
	f.threshold = append(f.threshold, v)
	f.view.Threshold = v
	return nil
}

func (f *fakeEngine) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
}

func (f *fakeEngine) UpdateConfig(cfg *config.Config) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, cfg)
}

func (f *fakeEngine) snapshot() (thresholds []float64, resets int, updated []*config.Config) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]float64(nil), f.threshold...), f.resets, append([]*config.Config(nil), f.updated...)
}

func testServer(t *testing.T, eng *fakeEngine, history *metrics.History) *httptest.Server {
	t.Helper()
	srv := NewServer(config.NewStaticManager(nil), eng, history, http.NotFoundHandler(), nil, "test")
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func decode(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestStateServesView(t *testing.T) {
	eng := &fakeEngine{view: model.View{Count: 42, Risk: model.RiskHigh, Stampede: true, Threshold: 25}}
	ts := testServer(t, eng, nil)
	resp, err := http.Get(ts.URL + "/state")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var got map[string]any
	decode(t, resp, &got)
	if got["count"].(float64) != 42 || got["risk"] != "HIGH" || got["stampede"] != true {
		t.Fatalf("unexpected state %v", got)
	}
}

func TestAlertsByPanel(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	eng := &fakeEngine{view: model.View{
		RecentAlerts: []model.AlertEvent{
			{Type: model.AlertCrowdSurge, OccurredAt: now},
			{Type: model.AlertCrowdThresholdExceeded, OccurredAt: now.Add(-time.Second)},
		},
		StampedeAlerts:   []model.AlertEvent{{Type: model.AlertPanicMovement, OccurredAt: now}},
		ActiveAlertCount: 2,
	}}
	ts := testServer(t, eng, nil)

	var general struct {
		Alerts []model.AlertEvent `json:"alerts"`
		Count  int                `json:"count"`
		Active int                `json:"active_alert_count"`
	}
	resp, err := http.Get(ts.URL + "/alerts?limit=1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	decode(t, resp, &general)
	if general.Count != 1 || general.Alerts[0].Type != model.AlertCrowdSurge || general.Active != 2 {
		t.Fatalf("general panel %+v", general)
	}

	var stampede struct {
		Alerts []model.AlertEvent `json:"alerts"`
	}
	resp, err = http.Get(ts.URL + "/alerts?panel=stampede")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	decode(t, resp, &stampede)
	if len(stampede.Alerts) != 1 || stampede.Alerts[0].Type != model.AlertPanicMovement {
		t.Fatalf("stampede panel %+v", stampede)
	}

	resp, err = http.Get(ts.URL + "/alerts?panel=bogus")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestSetThreshold(t *testing.T) {
	eng := &fakeEngine{}
	ts := testServer(t, eng, nil)
	resp, err := http.Post(ts.URL+"/threshold", "application/json", strings.NewReader(`{"threshold": 40}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if thresholds, _, _ := eng.snapshot(); len(thresholds) != 1 || thresholds[0] != 40 {
		t.Fatalf("threshold not forwarded: %v", thresholds)
	}

	var got map[string]float64
	resp, err = http.Get(ts.URL + "/threshold")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	decode(t, resp, &got)
	if got["threshold"] != 40 {
		t.Fatalf("threshold %v", got)
	}

	for _, body := range []string{`{}`, `not json`, `{"threshold":"high"}`} {
		resp, err := http.Post(ts.URL+"/threshold", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, resp.StatusCode)
		}
	}
}

func TestHistoryAndReset(t *testing.T) {
	eng := &fakeEngine{}
	history := metrics.NewHistory(20)
	history.Add(model.CrowdSample{Count: 7})
	history.Add(model.CrowdSample{Count: 9})
	ts := testServer(t, eng, history)

	var got struct {
		Points []metrics.Point `json:"points"`
		Count  int             `json:"count"`
	}
	resp, err := http.Get(ts.URL + "/history")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	decode(t, resp, &got)
	if got.Count != 2 || got.Points[0].Count != 7 {
		t.Fatalf("history %+v", got)
	}

	resp, err = http.Post(ts.URL+"/admin/reset", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if _, resets, _ := eng.snapshot(); resets != 1 {
		t.Fatalf("reset not forwarded")
	}

	resp, err = http.Get(ts.URL + "/admin/reset")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestReloadPushesConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crowdguard.yaml")
	if err := os.WriteFile(path, []byte("fusion:\n  threshold: 40\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	mgr, err := config.NewManager(path)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	eng := &fakeEngine{}
	ts := httptest.NewServer(NewServer(mgr, eng, nil, nil, nil, "test").Handler())
	defer ts.Close()

	if err := os.WriteFile(path, []byte("fusion:\n  threshold: 50\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp, err := http.Post(ts.URL+"/admin/reload", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if _, _, updated := eng.snapshot(); len(updated) != 1 || updated[0].Fusion.Threshold != 50 {
		t.Fatalf("reloaded config not pushed")
	}

	if err := os.WriteFile(path, []byte("transport:\n  kind: carrier_pigeon\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp, err = http.Post(ts.URL+"/admin/reload", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("invalid config should be rejected, got %d", resp.StatusCode)
	}
	if mgr.Get().Fusion.Threshold != 50 {
		t.Fatalf("failed reload replaced config")
	}
}

func TestStatus(t *testing.T) {
	eng := &fakeEngine{view: model.View{Connected: true}}
	ts := testServer(t, eng, nil)
	var got statusResponse
	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	decode(t, resp, &got)
	if got.Status != "ok" || !got.Connected || got.Transport != "websocket" || got.Version != "test" {
		t.Fatalf("status %+v", got)
	}
}
