package engine

import (
	"time"

	"crowdguard/internal/alerts"
	"crowdguard/internal/model"
)

type Panel string

const (
	PanelGeneral  Panel = "general"
	PanelStampede Panel = "stampede"
)

type AggregatorParams struct {
	Retention        time.Duration
	GeneralCapacity  int
	StampedeCapacity int
}

// Aggregator keeps the two display panels and the rolling active-alert set. The pull
// snapshot is authoritative for the count; pushes only fill the gap between polls.
type Aggregator struct {
	params   AggregatorParams
	general  *alerts.Window
	stampede *alerts.Window
	set      *AlertSet
	shown    *DedupeCache

	pushed     bool
	reconciled bool
}

func NewAggregator(p AggregatorParams) *Aggregator {
	if p.Retention <= 0 {
		p.Retention = 5 * time.Minute
	}
	return &Aggregator{
		params:   p,
		general:  alerts.NewWindow(p.GeneralCapacity),
		stampede: alerts.NewWindow(p.StampedeCapacity),
		set:      NewAlertSet(),
		shown:    NewDedupeCache(),
	}
}

// PanelFor routes stampede-class alerts and anything pushed on the stampede channel to the
// stampede panel.
func PanelFor(ev model.AlertEvent, kind model.EventKind) Panel {
	if kind == model.KindStampede || ev.Type.IsStampedeClass() {
		return PanelStampede
	}
	return PanelGeneral
}

// RecordAlert reports whether the alert reached its display panel.
func (a *Aggregator) RecordAlert(ev model.AlertEvent, panel Panel, now time.Time) bool {
	a.pushed = true
	a.set.Add(ev)
	a.set.Evict(now.Add(-a.params.Retention))
	if a.shown.Seen(string(panel)+"|"+ev.IdentityKey(), now, a.params.Retention) {
		return false
	}
	return a.window(panel).Add(ev)
}

// Reconcile replaces the active set with snapshot. The first snapshot seen before any push
// also seeds both panels.
func (a *Aggregator) Reconcile(snapshot []model.AlertEvent, now time.Time) {
	a.set.Replace(snapshot)
	if !a.reconciled && !a.pushed {
		for _, ev := range snapshot {
			panel := PanelFor(ev, model.KindAlertHistory)
			if !a.shown.Seen(string(panel)+"|"+ev.IdentityKey(), now, a.params.Retention) {
				a.window(panel).Add(ev)
			}
		}
	}
	a.reconciled = true
}

func (a *Aggregator) ActiveAlertCount(now time.Time) int {
	return a.set.Active(now, a.params.Retention)
}

// NextExpiry reports when ActiveAlertCount will next drop on its own.
func (a *Aggregator) NextExpiry(now time.Time) (time.Time, bool) {
	return a.set.NextExpiry(now, a.params.Retention)
}

func (a *Aggregator) Recent(panel Panel) []model.AlertEvent {
	return a.window(panel).List(0)
}

func (a *Aggregator) SetParams(p AggregatorParams) {
	if p.Retention <= 0 {
		p.Retention = a.params.Retention
	}
	a.params = p
	a.general.Resize(p.GeneralCapacity)
	a.stampede.Resize(p.StampedeCapacity)
}

func (a *Aggregator) Reset() {
	a.general.Clear()
	a.stampede.Clear()
	a.set.Clear()
	a.shown.Reset()
	a.pushed = false
	a.reconciled = false
}

func (a *Aggregator) window(p Panel) *alerts.Window {
	if p == PanelStampede {
		return a.stampede
	}
	return a.general
}
