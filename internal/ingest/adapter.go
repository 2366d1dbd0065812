package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"crowdguard/internal/model"
	"crowdguard/internal/normalize"
)

type AdapterOptions struct {
	Subscriber   Subscriber
	Poller       Poller
	Normalizer   *normalize.Normalizer
	Out          chan<- model.Event
	PollInterval time.Duration
	Logger       *slog.Logger
	Metrics      Metrics
}

// Adapter turns push payloads and pulled history into model.Events. It holds no
// business state; everything it learns goes out on the channel.
type Adapter struct {
	sub      Subscriber
	poller   Poller
	norm     *normalize.Normalizer
	out      chan<- model.Event
	interval time.Duration
	logger   *slog.Logger
	metrics  Metrics

	mu      sync.Mutex
	unsubs  []Unsubscribe
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	ctx     context.Context
	started bool
}

func NewAdapter(opts AdapterOptions) *Adapter {
	if opts.Normalizer == nil {
		opts.Normalizer = normalize.NewNormalizer("Local")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	return &Adapter{
		sub:      opts.Subscriber,
		poller:   opts.Poller,
		norm:     opts.Normalizer,
		out:      opts.Out,
		interval: opts.PollInterval,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
}

// Start subscribes to all push channels and launches the poll loop. The first alert poll and
// the one-off count history poll run immediately.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return errors.New("adapter already started")
	}
	if a.out == nil {
		return errors.New("adapter has no output channel")
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.ctx = runCtx
	a.cancel = cancel

	if a.sub != nil {
		subs := []struct {
			name string
			fn   func(Handler) (Unsubscribe, error)
			h    Handler
		}{
			{"crowd samples", a.sub.SubscribeCrowdSamples, a.handleSample},
			{"alert events", a.sub.SubscribeAlertEvents, a.handleAlert},
			{"stampede events", a.sub.SubscribeStampedeEvents, a.handleStampede},
		}
		for _, s := range subs {
			unsub, err := s.fn(s.h)
			if err != nil {
				a.unsubscribeLocked()
				cancel()
				return fmt.Errorf("subscribe %s: %w", s.name, err)
			}
			a.unsubs = append(a.unsubs, unsub)
		}
	}
	a.started = true

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.run(runCtx)
	}()
	return nil
}

// Stop unsubscribes every listener and waits for the poll loop to exit. Safe to call twice.
func (a *Adapter) Stop() {
	a.mu.Lock()
	a.unsubscribeLocked()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
}

func (a *Adapter) unsubscribeLocked() {
	for _, u := range a.unsubs {
		if u != nil {
			u()
		}
	}
	a.unsubs = nil
}

func (a *Adapter) run(ctx context.Context) {
	connected := false
	if a.sub != nil {
		connected = a.sub.Connected()
		a.emit(model.Event{Kind: model.KindConnection, Source: "adapter", Connected: connected, At: time.Now()})
	}
	a.pollCounts(ctx)
	a.pollAlerts(ctx)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if a.sub != nil {
				if now := a.sub.Connected(); now != connected {
					connected = now
					a.emit(model.Event{Kind: model.KindConnection, Source: "adapter", Connected: now, At: time.Now()})
				}
			}
			a.pollAlerts(ctx)
		}
	}
}

func (a *Adapter) pollAlerts(ctx context.Context) {
	if a.poller == nil {
		return
	}
	list, err := a.poller.PollRecentAlerts(ctx)
	if err != nil {
		if ctx.Err() == nil {
			a.warn("recent alerts poll failed", "err", err)
			if a.metrics != nil {
				a.metrics.PollFailed("alerts")
			}
		}
		return
	}
	alerts := make([]model.AlertEvent, 0, len(list))
	for _, f := range list {
		ev, err := a.norm.Alert(f, "poll")
		if err != nil {
			a.dropped(model.KindAlertHistory, err)
			continue
		}
		alerts = append(alerts, ev)
	}
	a.emit(model.Event{Kind: model.KindAlertHistory, Source: "poll", Alerts: alerts, At: time.Now()})
}

func (a *Adapter) pollCounts(ctx context.Context) {
	if a.poller == nil {
		return
	}
	list, err := a.poller.PollRecentCounts(ctx)
	if err != nil {
		if ctx.Err() == nil {
			a.warn("recent counts poll failed", "err", err)
			if a.metrics != nil {
				a.metrics.PollFailed("counts")
			}
		}
		return
	}
	samples := make([]model.CrowdSample, 0, len(list))
	for _, f := range list {
		s, err := a.norm.Sample(f)
		if err != nil {
			a.dropped(model.KindCountHistory, err)
			continue
		}
		samples = append(samples, s)
	}
	a.emit(model.Event{Kind: model.KindCountHistory, Source: "poll", Samples: samples, At: time.Now()})
}

func (a *Adapter) handleSample(payload []byte) {
	fields, err := ParseJSONBytes(payload)
	if err != nil {
		a.dropped(model.KindSample, err)
		return
	}
	s, err := a.norm.Sample(*fields)
	if err != nil {
		a.dropped(model.KindSample, err)
		return
	}
	a.emit(model.Event{Kind: model.KindSample, Source: "push", Sample: s, At: time.Now()})
}

func (a *Adapter) handleAlert(payload []byte) {
	a.handleAlertKind(payload, model.KindAlert)
}

func (a *Adapter) handleStampede(payload []byte) {
	a.handleAlertKind(payload, model.KindStampede)
}

func (a *Adapter) handleAlertKind(payload []byte, kind model.EventKind) {
	fields, err := ParseJSONBytes(payload)
	if err != nil {
		a.dropped(kind, err)
		return
	}
	if kind == model.KindStampede && fields.Type == "" {
		fields.Type = string(model.AlertPotentialStampede)
	}
	ev, err := a.norm.Alert(*fields, "push")
	if err != nil {
		a.dropped(kind, err)
		return
	}
	a.emit(model.Event{Kind: kind, Source: "push", Alert: ev, At: ev.ReceivedAt})
}

func (a *Adapter) emit(ev model.Event) {
	a.mu.Lock()
	ctx := a.ctx
	a.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	SendNonBlocking(ctx, a.out, ev, a.logger)
}

func (a *Adapter) dropped(kind model.EventKind, err error) {
	reason := "invalid"
	switch {
	case errors.Is(err, normalize.ErrMissingCount):
		reason = "missing_count"
	case errors.Is(err, normalize.ErrInvalidCount):
		reason = "invalid_count"
	case errors.Is(err, normalize.ErrInvalidVelocity):
		reason = "invalid_velocity"
	case errors.Is(err, normalize.ErrMissingType):
		reason = "missing_type"
	}
	a.warn("dropping payload", "kind", kind, "reason", reason, "err", err)
	if a.metrics != nil {
		a.metrics.PayloadDropped(kind, reason)
	}
}

func (a *Adapter) warn(msg string, args ...any) {
	if a.logger != nil {
		a.logger.Warn(msg, args...)
	}
}
