package engine

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"crowdguard/internal/config"
	"crowdguard/internal/ingest"
	"crowdguard/internal/logging"
	"crowdguard/internal/metrics"
	"crowdguard/internal/model"
	"crowdguard/internal/notify"
	"crowdguard/internal/risk"
)

var ErrInvalidThreshold = errors.New("threshold must be a finite number")

// maxFutureSkew bounds how far ahead of receipt a source timestamp may claim to be.
const maxFutureSkew = time.Minute

// Recorder receives engine-level metrics. metrics.Collector implements it.
type Recorder interface {
	SampleAccepted()
	AlertRecorded(panel string, t model.AlertType)
	StampedeChanged(active bool, reason string)
	ThresholdWritten(err error)
	ViewPublished(v model.View)
}

type Journal interface {
	RecordAlert(alert model.AlertEvent)
	RecordSample(sample model.CrowdSample)
}

type Notifier interface {
	Notify(n notify.Notification) bool
}

type Options struct {
	Logger    *slog.Logger
	Scheduler Scheduler
	Writer    ingest.ThresholdWriter
	Metrics   Recorder
	Journal   Journal
	Notifier  Notifier
	History   *metrics.History
	Now       func() time.Time
}

// Engine owns all session state. One goroutine applies every inbound event, timer fire
// and threshold change in order; readers get immutable snapshots through View.
type Engine struct {
	logger   *slog.Logger
	writer   ingest.ThresholdWriter
	recorder Recorder
	journal  Journal
	notifier Notifier
	history  *metrics.History
	now      func() time.Time

	cfg     atomic.Value
	view    atomic.Value
	mailbox chan func()
	writes  chan float64
	done    chan struct{}
	stopped chan struct{}
	started atomic.Bool
	once    sync.Once
	wg      sync.WaitGroup

	// Owned by the loop goroutine.
	threshold float64
	latest    model.CrowdSample
	connected bool
	stampede  *Stampede
	agg       *Aggregator
	smoother  *Smoother
	sched     actorScheduler
	expiry    Timer
	expiryAt  time.Time
	expiryGen uint64
	closed    bool
}

func NewEngine(cfg *config.Config, opts Options) *Engine {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Scheduler == nil {
		opts.Scheduler = WallScheduler()
	}
	e := &Engine{
		logger:    logging.Component(opts.Logger, "engine"),
		writer:    opts.Writer,
		recorder:  opts.Metrics,
		journal:   opts.Journal,
		notifier:  opts.Notifier,
		history:   opts.History,
		now:       opts.Now,
		mailbox:   make(chan func(), 1024),
		writes:    make(chan float64, 1),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
		threshold: cfg.Fusion.Threshold,
	}
	e.cfg.Store(cfg)
	e.sched = actorScheduler{base: opts.Scheduler, post: e.post}
	// Auto-clear fires change the flag outside any event, so they republish on their own.
	stampedeSched := actorScheduler{base: opts.Scheduler, post: func(f func()) bool {
		return e.post(func() {
			f()
			e.publish()
		})
	}}
	e.stampede = NewStampede(stampedeSched, fusionParams(cfg, e.threshold), e.now, e.onStampedeChange)
	e.agg = NewAggregator(aggregatorParams(cfg))
	e.smoother = NewSmoother(e.sched, cfg.Smoother.Frames, cfg.Smoother.Tick, func(int) { e.publish() })
	e.publish()
	return e
}

func fusionParams(cfg *config.Config, threshold float64) FusionParams {
	return FusionParams{
		Threshold:              threshold,
		VelocityThreshold:      cfg.Fusion.VelocityThreshold,
		PanicVelocityThreshold: cfg.Fusion.PanicVelocityThreshold,
		AutoClear:              cfg.Fusion.AutoClear,
	}
}

func aggregatorParams(cfg *config.Config) AggregatorParams {
	return AggregatorParams{
		Retention:        cfg.Alerts.Retention,
		GeneralCapacity:  cfg.Alerts.GeneralCapacity,
		StampedeCapacity: cfg.Alerts.StampedeCapacity,
	}
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

// Start runs the loop until ctx ends or Close is called. Calling it twice is a no-op.
func (e *Engine) Start(ctx context.Context, in <-chan model.Event) {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		defer close(e.stopped)
		defer e.shutdown()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.done:
				return
			case f := <-e.mailbox:
				f()
			case ev, ok := <-in:
				if !ok {
					in = nil
					continue
				}
				e.handle(ev)
			}
		}
	}()
	go func() {
		defer e.wg.Done()
		e.writeLoop(ctx)
	}()
}

// Close cancels every timer and stops the loop. Events arriving afterwards are ignored.
func (e *Engine) Close() {
	e.once.Do(func() {
		close(e.done)
		if e.started.Load() {
			e.wg.Wait()
			return
		}
		e.shutdown()
	})
}

func (e *Engine) shutdown() {
	e.closed = true
	e.stampede.Stop()
	e.smoother.Stop()
	e.stopExpiry()
}

// post queues f for the loop goroutine and reports whether it was accepted.
func (e *Engine) post(f func()) bool {
	select {
	case <-e.done:
		return false
	case <-e.stopped:
		return false
	default:
	}
	select {
	case e.mailbox <- f:
		return true
	case <-e.done:
		return false
	case <-e.stopped:
		return false
	}
}

// Submit queues an event through the mailbox rather than the inbound channel.
func (e *Engine) Submit(ev model.Event) bool {
	return e.post(func() { e.handle(ev) })
}

func (e *Engine) View() model.View {
	if v, ok := e.view.Load().(model.View); ok {
		return v
	}
	return model.View{}
}

// SetThreshold updates the session threshold and re-votes on the latest sample. Once the
// loop is running it returns only after View reflects the new value. The write-through to
// the backend happens in the background.
func (e *Engine) SetThreshold(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return ErrInvalidThreshold
	}
	applied := make(chan struct{})
	if !e.post(func() {
		e.applyThreshold(v)
		close(applied)
	}) {
		return nil
	}
	if e.started.Load() {
		select {
		case <-applied:
		case <-e.stopped:
		case <-e.done:
		}
	}
	if e.writer != nil {
		select {
		case <-e.writes:
		default:
		}
		select {
		case e.writes <- v:
		default:
		}
	}
	return nil
}

// Reset clears feeds, counts, chart history and the stampede flag.
func (e *Engine) Reset() {
	e.post(func() {
		e.stampede.Reset()
		e.agg.Reset()
		if e.history != nil {
			e.history.Clear()
		}
		e.latest = model.CrowdSample{}
		e.smoother.Jump(0)
		e.publish()
		if e.logger != nil {
			e.logger.Info("session reset")
		}
	})
}

// UpdateConfig applies hot-reloaded parameters. The session threshold is left alone unless
// the configured threshold itself changed.
func (e *Engine) UpdateConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	prev := e.config()
	e.cfg.Store(cfg)
	e.post(func() {
		if cfg.Fusion.Threshold != prev.Fusion.Threshold {
			e.threshold = cfg.Fusion.Threshold
		}
		e.stampede.SetParams(fusionParams(cfg, e.threshold))
		e.agg.SetParams(aggregatorParams(cfg))
		if e.history != nil {
			e.history.Resize(cfg.Alerts.HistoryPoints)
		}
		e.publish()
	})
}

func (e *Engine) applyThreshold(v float64) {
	e.threshold = v
	p := e.stampede.Params()
	p.Threshold = v
	e.stampede.SetParams(p)
	e.publish()
	if e.logger != nil {
		e.logger.Info("threshold updated", "threshold", v)
	}
}

func (e *Engine) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.done:
			return
		case v := <-e.writes:
			wctx, cancel := context.WithTimeout(ctx, 15*time.Second)
			err := e.writer.SetThreshold(wctx, v)
			cancel()
			if e.recorder != nil {
				e.recorder.ThresholdWritten(err)
			}
			if err != nil && e.logger != nil {
				e.logger.Warn("threshold write-through failed", "threshold", v, "err", err)
			}
		}
	}
}

func (e *Engine) handle(ev model.Event) {
	if e.closed {
		return
	}
	switch ev.Kind {
	case model.KindSample:
		e.handleSample(ev.Sample)
	case model.KindAlert, model.KindStampede:
		e.handleAlert(ev.Alert, ev.Kind)
	case model.KindAlertHistory:
		now := e.now()
		snapshot := make([]model.AlertEvent, 0, len(ev.Alerts))
		for _, a := range ev.Alerts {
			snapshot = append(snapshot, clampAlert(a, now))
		}
		e.agg.Reconcile(snapshot, now)
		e.stampede.OnHistory(snapshot)
	case model.KindCountHistory:
		if e.history != nil {
			e.history.Seed(ev.Samples)
		}
	case model.KindConnection:
		if e.connected != ev.Connected && e.logger != nil {
			e.logger.Info("backend connection changed", "connected", ev.Connected)
		}
		e.connected = ev.Connected
	default:
		if e.logger != nil {
			e.logger.Debug("ignoring event", "kind", ev.Kind)
		}
		return
	}
	e.publish()
}

func (e *Engine) handleSample(s model.CrowdSample) {
	e.latest = s
	if e.history != nil {
		e.history.Add(s)
	}
	if e.journal != nil {
		e.journal.RecordSample(s)
	}
	if e.recorder != nil {
		e.recorder.SampleAccepted()
	}
	e.smoother.SetTarget(s.Count)
	e.stampede.OnSample(s)
}

func (e *Engine) handleAlert(a model.AlertEvent, kind model.EventKind) {
	now := e.now()
	a = clampAlert(a, now)
	// The stampede channel only carries stampede signals, whatever type the source named.
	if kind == model.KindStampede && !a.Type.IsStampedeClass() {
		a.Type = model.AlertPotentialStampede
	}
	panel := PanelFor(a, kind)
	if e.agg.RecordAlert(a, panel, now) && e.recorder != nil {
		e.recorder.AlertRecorded(string(panel), a.Type)
	}
	if e.journal != nil {
		e.journal.RecordAlert(a)
	}
	if kind == model.KindStampede || a.Type.IsStampedeClass() {
		e.stampede.OnPush(a)
		if e.notifier != nil {
			e.notifier.Notify(notify.Notification{
				Event:    "stampede_alert",
				Type:     a.Type,
				Severity: a.Severity,
				Message:  a.Message,
				Count:    a.Count,
				Risk:     risk.Classify(e.latest.Count, e.threshold),
				At:       a.OccurredAt,
			})
		}
	}
}

func (e *Engine) onStampedeChange(c StampedeChange) {
	if e.recorder != nil {
		e.recorder.StampedeChanged(c.Active, c.Reason)
	}
	if e.logger != nil {
		if c.Active {
			e.logger.Warn("stampede flag raised", "reason", c.Reason, "count", e.latest.Count, "velocity", e.latest.Velocity)
		} else {
			e.logger.Info("stampede flag cleared", "reason", c.Reason)
		}
	}
	if c.Active && c.Reason == "velocity" && e.notifier != nil {
		e.notifier.Notify(notify.Notification{
			Event: "stampede_velocity",
			Count: e.latest.Count,
			Risk:  risk.Classify(e.latest.Count, e.threshold),
			At:    c.At,
		})
	}
}

func (e *Engine) publish() {
	now := e.now().UTC()
	v := model.View{
		Count:            e.latest.Count,
		DisplayCount:     e.smoother.Displayed(),
		Velocity:         e.latest.Velocity,
		Density:          risk.Density(e.latest.Count),
		Risk:             risk.Classify(e.latest.Count, e.threshold),
		Threshold:        e.threshold,
		Stampede:         e.stampede.Active(),
		ActiveAlertCount: e.agg.ActiveAlertCount(now),
		RecentAlerts:     e.agg.Recent(PanelGeneral),
		StampedeAlerts:   e.agg.Recent(PanelStampede),
		Connected:        e.connected,
		UpdatedAt:        now,
	}
	if since := e.stampede.Since(); !since.IsZero() {
		v.StampedeSince = &since
	}
	e.view.Store(v)
	if e.recorder != nil {
		e.recorder.ViewPublished(v)
	}
	e.armExpiry(now)
}

// armExpiry schedules a republish for the moment the oldest counted alert leaves the
// retention window, so the active count drops without further traffic.
func (e *Engine) armExpiry(now time.Time) {
	if e.closed {
		return
	}
	at, ok := e.agg.NextExpiry(now)
	if !ok {
		e.stopExpiry()
		return
	}
	if e.expiry != nil && e.expiryAt.Equal(at) {
		return
	}
	e.stopExpiry()
	gen := e.expiryGen
	e.expiryAt = at
	e.expiry = e.sched.AfterFunc(at.Sub(now), func() {
		if gen != e.expiryGen || e.expiry == nil {
			return
		}
		e.expiry = nil
		e.publish()
	})
}

func (e *Engine) stopExpiry() {
	if e.expiry != nil {
		e.expiry.Stop()
		e.expiry = nil
	}
	e.expiryGen++
}

// clampAlert replaces source timestamps that claim to be well in the future.
func clampAlert(a model.AlertEvent, now time.Time) model.AlertEvent {
	if a.OccurredAt.IsZero() || a.OccurredAt.Sub(now) > maxFutureSkew {
		a.OccurredAt = a.ReceivedAt
		if a.OccurredAt.IsZero() {
			a.OccurredAt = now.UTC()
		}
	}
	return a
}
