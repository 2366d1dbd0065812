package engine

import (
	"time"

	"crowdguard/internal/model"
)

// AlertSet holds alerts keyed by identity for the rolling active-alert count. Adding an
// alert that is already present is a no-op.
type AlertSet struct {
	items map[string]model.AlertEvent
}

func NewAlertSet() *AlertSet {
	return &AlertSet{items: make(map[string]model.AlertEvent)}
}

// Add reports whether the alert was new.
func (s *AlertSet) Add(ev model.AlertEvent) bool {
	key := ev.IdentityKey()
	if _, ok := s.items[key]; ok {
		return false
	}
	s.items[key] = ev
	return true
}

// Replace swaps the contents for snapshot, collapsing duplicates within it.
func (s *AlertSet) Replace(snapshot []model.AlertEvent) {
	s.items = make(map[string]model.AlertEvent, len(snapshot))
	for _, ev := range snapshot {
		s.Add(ev)
	}
}

// Active counts non-stampede alerts that occurred strictly after now-retention.
func (s *AlertSet) Active(now time.Time, retention time.Duration) int {
	cutoff := now.Add(-retention)
	n := 0
	for _, ev := range s.items {
		if ev.Type.IsStampedeClass() {
			continue
		}
		if ev.OccurredAt.After(cutoff) {
			n++
		}
	}
	return n
}

// NextExpiry returns when the earliest counted alert stops being active. ok is false when
// nothing is counted.
func (s *AlertSet) NextExpiry(now time.Time, retention time.Duration) (at time.Time, ok bool) {
	cutoff := now.Add(-retention)
	for _, ev := range s.items {
		if ev.Type.IsStampedeClass() || !ev.OccurredAt.After(cutoff) {
			continue
		}
		if !ok || ev.OccurredAt.Before(at) {
			at, ok = ev.OccurredAt, true
		}
	}
	if ok {
		at = at.Add(retention)
	}
	return at, ok
}

// Evict drops alerts that occurred before cutoff.
func (s *AlertSet) Evict(cutoff time.Time) {
	for k, ev := range s.items {
		if ev.OccurredAt.Before(cutoff) {
			delete(s.items, k)
		}
	}
}

func (s *AlertSet) Len() int { return len(s.items) }

func (s *AlertSet) Clear() {
	s.items = make(map[string]model.AlertEvent)
}
