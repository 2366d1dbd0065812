package engine

import (
	"math"
	"time"
)

// Smoother animates the displayed count toward a target over a fixed number of ticks.
// Not safe for concurrent use.
type Smoother struct {
	sched   Scheduler
	frames  int
	tick    time.Duration
	onFrame func(int)

	displayed int
	base      int
	target    int
	frame     int
	timer     Timer
	gen       uint64
}

func NewSmoother(sched Scheduler, frames int, tick time.Duration, onFrame func(int)) *Smoother {
	if frames <= 0 {
		frames = 12
	}
	if tick <= 0 {
		tick = 20 * time.Millisecond
	}
	return &Smoother{sched: sched, frames: frames, tick: tick, onFrame: onFrame}
}

func (s *Smoother) Displayed() int { return s.displayed }

func (s *Smoother) Target() int { return s.target }

func (s *Smoother) Animating() bool { return s.timer != nil }

// SetTarget restarts the animation from whatever is on screen now.
func (s *Smoother) SetTarget(target int) {
	s.cancel()
	s.target = target
	if target == s.displayed {
		return
	}
	s.base = s.displayed
	s.frame = 0
	s.schedule()
}

// Jump shows value immediately with no animation.
func (s *Smoother) Jump(value int) {
	s.cancel()
	s.base, s.target, s.displayed = value, value, value
	if s.onFrame != nil {
		s.onFrame(value)
	}
}

func (s *Smoother) Stop() {
	s.cancel()
}

func (s *Smoother) cancel() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
}

func (s *Smoother) schedule() {
	gen := s.gen
	s.timer = s.sched.AfterFunc(s.tick, func() {
		s.step(gen)
	})
}

func (s *Smoother) step(gen uint64) {
	if gen != s.gen || s.timer == nil {
		return
	}
	s.frame++
	if s.frame >= s.frames {
		s.displayed = s.target
		s.timer = nil
	} else {
		delta := float64(s.target-s.base) * float64(s.frame) / float64(s.frames)
		s.displayed = int(math.Round(float64(s.base) + delta))
		s.schedule()
	}
	if s.onFrame != nil {
		s.onFrame(s.displayed)
	}
}
