package normalize

import (
	"errors"
	"strconv"
	"testing"
	"time"

	"crowdguard/internal/model"
)

func newTestNormalizer(now time.Time) *Normalizer {
	n := NewNormalizer("UTC")
	n.now = func() time.Time { return now }
	seq := 0
	n.newID = func() string {
		seq++
		return "local-" + strconv.Itoa(seq)
	}
	return n
}

func TestSampleRequiresNumericCount(t *testing.T) {
	n := newTestNormalizer(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	if _, err := n.Sample(Fields{}); !errors.Is(err, ErrMissingCount) {
		t.Fatalf("expected ErrMissingCount, got %v", err)
	}
	if _, err := n.Sample(Fields{Count: "lots"}); !errors.Is(err, ErrInvalidCount) {
		t.Fatalf("expected ErrInvalidCount, got %v", err)
	}
	if _, err := n.Sample(Fields{Count: "-3"}); !errors.Is(err, ErrInvalidCount) {
		t.Fatalf("expected ErrInvalidCount for negative, got %v", err)
	}
	if _, err := n.Sample(Fields{Count: "12", Velocity: "fast"}); !errors.Is(err, ErrInvalidVelocity) {
		t.Fatalf("expected ErrInvalidVelocity, got %v", err)
	}
}

func TestSampleDefaultsVelocityAndTime(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	n := newTestNormalizer(now)
	s, err := n.Sample(Fields{Count: "17"})
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if s.Count != 17 || s.Velocity != 0 || !s.ObservedAt.Equal(now) {
		t.Fatalf("unexpected sample %+v", s)
	}
}

func TestAlertUsesSourceTimestampWhenPresent(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	n := newTestNormalizer(now)
	a, err := n.Alert(Fields{Type: "crowd_surge", Count: "40", Timestamp: "12:00:05"}, "poll")
	if err != nil {
		t.Fatalf("alert: %v", err)
	}
	want := time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)
	if !a.OccurredAt.Equal(want) {
		t.Fatalf("occurred_at %v want %v", a.OccurredAt, want)
	}
	if !a.ReceivedAt.Equal(now) {
		t.Fatalf("received_at %v", a.ReceivedAt)
	}
	if a.Type != model.AlertCrowdSurge || a.Severity != model.SeverityLow {
		t.Fatalf("type/severity %s/%s", a.Type, a.Severity)
	}
}

func TestAlertFallsBackToReceiptTime(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	n := newTestNormalizer(now)
	a, err := n.Alert(Fields{Type: "potential_stampede", Severity: "CRITICAL", Timestamp: "garbage"}, "push")
	if err != nil {
		t.Fatalf("alert: %v", err)
	}
	if !a.OccurredAt.Equal(now) {
		t.Fatalf("occurred_at %v", a.OccurredAt)
	}
	if a.Severity != model.SeverityCritical || !a.Type.IsStampedeClass() {
		t.Fatalf("unexpected %+v", a)
	}
}

func TestAlertIDsUniqueWithinInstant(t *testing.T) {
	n := NewNormalizer("UTC")
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return fixed }
	seen := map[string]bool{}
	for i := 0; i < 500; i++ {
		a, err := n.Alert(Fields{Type: "crowd_surge", Count: "9"}, "push")
		if err != nil {
			t.Fatalf("alert: %v", err)
		}
		if seen[a.ID] {
			t.Fatalf("duplicate id %s", a.ID)
		}
		seen[a.ID] = true
	}
}

func TestAlertRequiresType(t *testing.T) {
	n := newTestNormalizer(time.Now())
	if _, err := n.Alert(Fields{Count: "3"}, "push"); !errors.Is(err, ErrMissingType) {
		t.Fatalf("expected ErrMissingType, got %v", err)
	}
}

func TestParseTimestampTimeOfDayAcrossMidnight(t *testing.T) {
	now := time.Date(2026, 3, 2, 0, 0, 10, 0, time.UTC)
	ts, err := ParseTimestamp("23:59:58", time.UTC, now)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := time.Date(2026, 3, 1, 23, 59, 58, 0, time.UTC)
	if !ts.Equal(want) {
		t.Fatalf("got %v want %v", ts, want)
	}
}

func TestParseTimestampLayouts(t *testing.T) {
	now := time.Now()
	for _, v := range []string{
		"2026-03-01T12:00:00Z",
		"2026-03-01 12:00:00",
		"2026-03-01 12:00:00.123456",
		"1772366400",
		"1772366400000",
	} {
		if _, err := ParseTimestamp(v, time.UTC, now); err != nil {
			t.Fatalf("%q: %v", v, err)
		}
	}
}
