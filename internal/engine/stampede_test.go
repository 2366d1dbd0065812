package engine

import (
	"testing"
	"time"

	"crowdguard/internal/model"
)

func defaultFusion() FusionParams {
	return FusionParams{Threshold: 25, VelocityThreshold: 30, PanicVelocityThreshold: 60, AutoClear: 20 * time.Second}
}

func newStampedeForTest() (*Stampede, *manualScheduler, *[]StampedeChange) {
	sched := newManualScheduler()
	changes := &[]StampedeChange{}
	s := NewStampede(sched, defaultFusion(), sched.Now, func(c StampedeChange) {
		*changes = append(*changes, c)
	})
	return s, sched, changes
}

func stampedeAlert() model.AlertEvent {
	return model.AlertEvent{Type: model.AlertPotentialStampede, Severity: model.SeverityCritical}
}

func TestVelocityVote(t *testing.T) {
	p := defaultFusion()
	cases := []struct {
		name     string
		count    int
		velocity float64
		want     bool
	}{
		{"panic_velocity_overrides_count", 10, 65, true},
		{"fast_and_crowded", 26, 35, true},
		{"velocity_at_boundary", 26, 30, false},
		{"crowded_but_slow", 100, 10, false},
		{"fast_but_sparse", 25, 45, false},
		{"panic_boundary", 0, 60, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := VelocityVote(model.CrowdSample{Count: c.count, Velocity: c.velocity}, p)
			if got != c.want {
				t.Fatalf("vote(%d, %v) = %v, want %v", c.count, c.velocity, got, c.want)
			}
		})
	}
}

func TestPushArmsAutoClear(t *testing.T) {
	s, sched, changes := newStampedeForTest()
	s.OnPush(stampedeAlert())
	if !s.Active() || !s.TimerArmed() {
		t.Fatalf("push should raise the flag and arm the timer")
	}
	sched.Advance(19 * time.Second)
	if !s.Active() {
		t.Fatalf("cleared before auto-clear deadline")
	}
	sched.Advance(time.Second)
	if s.Active() {
		t.Fatalf("expected flag cleared at 20s")
	}
	if len(*changes) != 2 || (*changes)[1].Reason != "auto_clear" {
		t.Fatalf("unexpected transitions %+v", *changes)
	}
}

func TestRetriggerReschedulesTimer(t *testing.T) {
	s, sched, changes := newStampedeForTest()
	s.OnPush(stampedeAlert())
	sched.Advance(15 * time.Second)
	s.OnPush(stampedeAlert())
	sched.Advance(10 * time.Second)
	if !s.Active() {
		t.Fatalf("flag should still be active at t=25s after retrigger at t=15s")
	}
	if sched.Pending() != 1 {
		t.Fatalf("expected exactly one outstanding timer, got %d", sched.Pending())
	}
	sched.Advance(10 * time.Second)
	if s.Active() {
		t.Fatalf("flag should clear at t=35s")
	}
	if len(*changes) != 2 {
		t.Fatalf("retrigger must not emit extra transitions: %+v", *changes)
	}
}

func TestTimerExpiryKeepsFlagWhileVelocityVotes(t *testing.T) {
	s, sched, _ := newStampedeForTest()
	s.OnPush(stampedeAlert())
	s.OnSample(model.CrowdSample{Count: 30, Velocity: 40})
	sched.Advance(20 * time.Second)
	if !s.Active() {
		t.Fatalf("velocity vote should hold the flag after the timer fires")
	}
	s.OnSample(model.CrowdSample{Count: 30, Velocity: 5})
	if s.Active() {
		t.Fatalf("a false vote with no timer should clear the flag")
	}
}

func TestFalseVoteDoesNotClearArmedTimer(t *testing.T) {
	s, sched, _ := newStampedeForTest()
	s.OnPush(stampedeAlert())
	s.OnSample(model.CrowdSample{Count: 1, Velocity: 0})
	if !s.Active() {
		t.Fatalf("flag dropped while timer armed")
	}
	sched.Advance(20 * time.Second)
	if s.Active() {
		t.Fatalf("flag should clear once the timer fires")
	}
}

func TestVelocityAloneRaisesAndClears(t *testing.T) {
	s, sched, changes := newStampedeForTest()
	s.OnSample(model.CrowdSample{Count: 10, Velocity: 65})
	if !s.Active() || s.TimerArmed() {
		t.Fatalf("panic velocity should raise without a timer")
	}
	if s.Since().IsZero() {
		t.Fatalf("activation time missing")
	}
	s.OnSample(model.CrowdSample{Count: 10, Velocity: 5})
	if s.Active() || !s.Since().IsZero() {
		t.Fatalf("flag should clear")
	}
	if sched.Pending() != 0 {
		t.Fatalf("no timer expected")
	}
	if len(*changes) != 2 || (*changes)[0].Reason != "velocity" {
		t.Fatalf("unexpected transitions %+v", *changes)
	}
}

func TestHistoryScanLatchesUntilNextSample(t *testing.T) {
	s, sched, _ := newStampedeForTest()
	s.OnHistory([]model.AlertEvent{{Type: model.AlertCrowdSurge}})
	if s.Active() {
		t.Fatalf("non-stampede history must not raise")
	}
	s.OnHistory([]model.AlertEvent{{Type: model.AlertCrowdSurge}, {Type: model.AlertCriticalDensity}})
	if !s.Active() || s.TimerArmed() {
		t.Fatalf("history scan should raise without arming a timer")
	}
	sched.Advance(time.Minute)
	if !s.Active() {
		t.Fatalf("latched flag has no timer to clear it")
	}
	s.OnSample(model.CrowdSample{Count: 3, Velocity: 1})
	if s.Active() {
		t.Fatalf("next false vote should clear the latch")
	}
}

func TestThresholdChangeRevotes(t *testing.T) {
	s, _, _ := newStampedeForTest()
	s.OnSample(model.CrowdSample{Count: 26, Velocity: 35})
	if !s.Active() {
		t.Fatalf("expected active at threshold 25")
	}
	p := s.Params()
	p.Threshold = 30
	s.SetParams(p)
	if s.Active() {
		t.Fatalf("raising the threshold above the count should clear the vote")
	}
	p.Threshold = 20
	s.SetParams(p)
	if !s.Active() {
		t.Fatalf("lowering the threshold should re-raise")
	}
}

func TestStaleTimerIgnored(t *testing.T) {
	s, sched, _ := newStampedeForTest()
	s.OnPush(stampedeAlert())
	first := s.timer.(*manualTimer)
	s.OnPush(stampedeAlert())
	first.f()
	if !s.Active() || !s.TimerArmed() {
		t.Fatalf("stale timer callback must not clear the flag")
	}
	sched.Advance(20 * time.Second)
	if s.Active() {
		t.Fatalf("current timer should still clear")
	}
}

func TestResetAndStop(t *testing.T) {
	s, sched, changes := newStampedeForTest()
	s.OnPush(stampedeAlert())
	s.Reset()
	if s.Active() || sched.Pending() != 0 {
		t.Fatalf("reset should clear the flag and cancel the timer")
	}
	if last := (*changes)[len(*changes)-1]; last.Reason != "reset" || last.Active {
		t.Fatalf("reset transition %+v", last)
	}
	s.OnPush(stampedeAlert())
	s.Stop()
	if sched.Pending() != 0 {
		t.Fatalf("stop should cancel the timer")
	}
}
