package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"crowdguard/internal/config"
	"crowdguard/internal/model"
	"crowdguard/internal/normalize"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "crowd.db")
	store, err := NewStore(config.StorageConfig{Enabled: true, Driver: "sqlite", DSN: dsn}, time.UTC)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return store
}

func TestSQLiteRoundTripUsesBackendLayout(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		alert := model.AlertEvent{Type: model.AlertCrowdSurge, Count: 30 + i, OccurredAt: base.Add(time.Duration(i) * time.Second)}
		if err := store.SaveAlert(ctx, alert); err != nil {
			t.Fatalf("save alert: %v", err)
		}
		if err := store.SaveSample(ctx, model.CrowdSample{Count: i, ObservedAt: base.Add(time.Duration(i) * time.Second)}); err != nil {
			t.Fatalf("save sample: %v", err)
		}
	}

	alerts, err := store.RecentAlerts(ctx, 2)
	if err != nil {
		t.Fatalf("recent alerts: %v", err)
	}
	if len(alerts) != 2 || alerts[0].Count != "33" || alerts[1].Count != "32" {
		t.Fatalf("alerts newest first expected, got %+v", alerts)
	}
	ts, err := normalize.ParseTimestamp(alerts[0].Timestamp, time.UTC, base)
	if err != nil {
		t.Fatalf("timestamp %q: %v", alerts[0].Timestamp, err)
	}
	if !ts.Equal(base.Add(3 * time.Second)) {
		t.Fatalf("timestamp %v", ts)
	}

	counts, err := store.RecentCounts(ctx, 3)
	if err != nil {
		t.Fatalf("recent counts: %v", err)
	}
	if len(counts) != 3 || counts[0].Count != "1" || counts[2].Count != "3" {
		t.Fatalf("counts oldest first expected, got %+v", counts)
	}
}

func TestHistoryPollerDefaults(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 15; i++ {
		_ = store.SaveAlert(ctx, model.AlertEvent{Type: model.AlertCrowdThresholdExceeded, Count: i, OccurredAt: time.Now()})
	}
	p := HistoryPoller{Store: store}
	list, err := p.PollRecentAlerts(ctx)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(list) != 10 {
		t.Fatalf("expected 10 alerts, got %d", len(list))
	}
}

func TestJournalFlushesOnClose(t *testing.T) {
	store := openTestStore(t)
	j := NewJournal(store, 16, nil)
	j.RecordSample(model.CrowdSample{Count: 7, ObservedAt: time.Now()})
	j.RecordAlert(model.AlertEvent{Type: model.AlertPanicMovement, Count: 9, OccurredAt: time.Now()})
	j.Close()
	j.Close()
	j.RecordSample(model.CrowdSample{Count: 8})

	counts, err := store.RecentCounts(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent counts: %v", err)
	}
	if len(counts) != 1 || counts[0].Count != "7" {
		t.Fatalf("unexpected counts %+v", counts)
	}
}

func TestNilJournalIsNoop(t *testing.T) {
	var j *Journal
	j.RecordAlert(model.AlertEvent{})
	j.RecordSample(model.CrowdSample{})
	j.Close()
	if NewJournal(nil, 1, nil) != nil {
		t.Fatalf("expected nil journal without store")
	}
}

func TestUnsupportedDriver(t *testing.T) {
	if _, err := NewStore(config.StorageConfig{Enabled: true, Driver: "oracle"}, nil); err != ErrUnsupportedDriver {
		t.Fatalf("expected ErrUnsupportedDriver, got %v", err)
	}
	store, err := NewStore(config.StorageConfig{}, nil)
	if err != nil || store != nil {
		t.Fatalf("disabled storage should return nil store")
	}
}
