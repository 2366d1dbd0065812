package engine

import "time"

// Timer is a cancellable one-shot callback.
type Timer interface {
	Stop() bool
}

// Scheduler creates timers. Production code uses the wall clock; tests drive time by hand.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type wallScheduler struct{}

func (wallScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// WallScheduler is backed by time.AfterFunc.
func WallScheduler() Scheduler {
	return wallScheduler{}
}

// actorScheduler defers every callback into the engine's mailbox so timer fires are
// serialized with all other mutations.
type actorScheduler struct {
	base Scheduler
	post func(func()) bool
}

func (s actorScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return s.base.AfterFunc(d, func() {
		s.post(f)
	})
}
