package ingest

import (
	"context"
	"log/slog"
	"time"

	"crowdguard/internal/model"
	"crowdguard/internal/normalize"
)

// Handler receives one raw push payload.
type Handler func(payload []byte)

// Unsubscribe detaches a handler. Calling it more than once is a no-op.
type Unsubscribe func()

// Subscriber is a push transport carrying the backend's three channels.
type Subscriber interface {
	SubscribeCrowdSamples(h Handler) (Unsubscribe, error)
	SubscribeAlertEvents(h Handler) (Unsubscribe, error)
	SubscribeStampedeEvents(h Handler) (Unsubscribe, error)
	Connected() bool
}

// Poller pulls history snapshots from the backend.
type Poller interface {
	PollRecentAlerts(ctx context.Context) ([]normalize.Fields, error)
	PollRecentCounts(ctx context.Context) ([]normalize.Fields, error)
}

type ThresholdWriter interface {
	SetThreshold(ctx context.Context, threshold float64) error
}

// Metrics receives adapter-level counters. A nil Metrics is allowed.
type Metrics interface {
	PayloadDropped(kind model.EventKind, reason string)
	PollFailed(what string)
}

func SendNonBlocking(ctx context.Context, out chan<- model.Event, ev model.Event, logger *slog.Logger) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("event channel full, dropping event", "kind", ev.Kind, "source", ev.Source)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func nextBackoff(cur, min, max time.Duration) time.Duration {
	if cur <= 0 {
		return min
	}
	cur *= 2
	if cur > max {
		cur = max
	}
	return cur
}
