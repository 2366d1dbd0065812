package engine

import (
	"time"

	"crowdguard/internal/model"
)

type FusionParams struct {
	Threshold              float64
	VelocityThreshold      float64
	PanicVelocityThreshold float64
	AutoClear              time.Duration
}

// StampedeChange describes one flag transition.
type StampedeChange struct {
	Active bool
	At     time.Time
	Reason string
	Alert  *model.AlertEvent
}

// Stampede fuses server pushes, the local velocity vote and history scans into a single
// flag. It is not safe for concurrent use; the engine drives it from one goroutine.
//
// The flag is the OR of an armed auto-clear timer, the latest velocity vote, and a latch
// raised by history scans. The latch survives until the next sample or timer fire
// re-evaluates the flag.
type Stampede struct {
	sched    Scheduler
	params   FusionParams
	now      func() time.Time
	onChange func(StampedeChange)

	active  bool
	since   time.Time
	vote    bool
	latched bool

	latest     model.CrowdSample
	haveSample bool

	timer Timer
	gen   uint64
}

func NewStampede(sched Scheduler, params FusionParams, now func() time.Time, onChange func(StampedeChange)) *Stampede {
	if now == nil {
		now = time.Now
	}
	if params.AutoClear <= 0 {
		params.AutoClear = 20 * time.Second
	}
	return &Stampede{sched: sched, params: params, now: now, onChange: onChange}
}

func (s *Stampede) Active() bool { return s.active }

// Since is the activation time, zero when clear.
func (s *Stampede) Since() time.Time { return s.since }

func (s *Stampede) Vote() bool { return s.vote }

func (s *Stampede) TimerArmed() bool { return s.timer != nil }

// VelocityVote reports whether a sample alone indicates a stampede.
func VelocityVote(sample model.CrowdSample, p FusionParams) bool {
	if sample.Velocity > p.PanicVelocityThreshold {
		return true
	}
	threshold := p.Threshold
	if threshold < 0 {
		threshold = 0
	}
	return sample.Velocity > p.VelocityThreshold && float64(sample.Count) > threshold
}

// OnPush handles a server-pushed stampede alert: the flag goes up and the auto-clear timer
// is cancelled and replaced.
func (s *Stampede) OnPush(alert model.AlertEvent) {
	s.arm()
	s.set(true, "server_alert", &alert)
}

func (s *Stampede) OnSample(sample model.CrowdSample) {
	s.latest = sample
	s.haveSample = true
	s.vote = VelocityVote(sample, s.params)
	s.latched = false
	s.evaluate("velocity")
}

// OnHistory raises the flag when the snapshot holds any stampede-class alert. No timer is
// armed.
func (s *Stampede) OnHistory(snapshot []model.AlertEvent) {
	for i := range snapshot {
		if snapshot[i].Type.IsStampedeClass() {
			s.latched = true
			ev := snapshot[i]
			s.set(true, "history", &ev)
			return
		}
	}
}

// SetParams swaps thresholds and re-votes against the latest sample. An armed timer keeps
// its original deadline.
func (s *Stampede) SetParams(p FusionParams) {
	if p.AutoClear <= 0 {
		p.AutoClear = s.params.AutoClear
	}
	s.params = p
	if s.haveSample {
		s.vote = VelocityVote(s.latest, s.params)
		s.evaluate("threshold_change")
	}
}

func (s *Stampede) Params() FusionParams { return s.params }

// Reset clears everything through the normal transition path.
func (s *Stampede) Reset() {
	s.disarm()
	s.vote = false
	s.latched = false
	s.haveSample = false
	s.latest = model.CrowdSample{}
	s.set(false, "reset", nil)
}

// Stop cancels the timer without reporting a transition.
func (s *Stampede) Stop() {
	s.disarm()
}

func (s *Stampede) arm() {
	s.disarm()
	s.gen++
	gen := s.gen
	s.timer = s.sched.AfterFunc(s.params.AutoClear, func() {
		s.fire(gen)
	})
}

func (s *Stampede) disarm() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
}

func (s *Stampede) fire(gen uint64) {
	if gen != s.gen || s.timer == nil {
		return
	}
	s.timer = nil
	s.latched = false
	s.evaluate("auto_clear")
}

func (s *Stampede) evaluate(reason string) {
	s.set(s.timer != nil || s.vote || s.latched, reason, nil)
}

func (s *Stampede) set(active bool, reason string, alert *model.AlertEvent) {
	if active == s.active {
		return
	}
	s.active = active
	at := s.now().UTC()
	if active {
		s.since = at
	} else {
		s.since = time.Time{}
	}
	if s.onChange != nil {
		s.onChange(StampedeChange{Active: active, At: at, Reason: reason, Alert: alert})
	}
}
