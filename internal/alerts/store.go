package alerts

import (
	"sync"

	"crowdguard/internal/model"
)

type entry struct {
	alert model.AlertEvent
	seq   uint64
}

// Window is a bounded display feed ordered newest-first by OccurredAt. Ties go to the later
// arrival. Inserting into a full window evicts the oldest entry.
type Window struct {
	mu    sync.RWMutex
	buf   []entry
	limit int
	seq   uint64
}

func NewWindow(limit int) *Window {
	if limit <= 0 {
		limit = 3
	}
	return &Window{limit: limit}
}

// Add reports false when the alert sorts older than every entry of a full window.
func (w *Window) Add(alert model.AlertEvent) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seq++
	e := entry{alert: alert, seq: w.seq}
	pos := len(w.buf)
	for i, cur := range w.buf {
		if newer(e, cur) {
			pos = i
			break
		}
	}
	if pos >= w.limit {
		return false
	}
	w.buf = append(w.buf, entry{})
	copy(w.buf[pos+1:], w.buf[pos:])
	w.buf[pos] = e
	if len(w.buf) > w.limit {
		w.buf = w.buf[:w.limit]
	}
	return true
}

func newer(a, b entry) bool {
	if a.alert.OccurredAt.Equal(b.alert.OccurredAt) {
		return a.seq > b.seq
	}
	return a.alert.OccurredAt.After(b.alert.OccurredAt)
}

// List returns up to limit entries, newest first. limit <= 0 means all.
func (w *Window) List(limit int) []model.AlertEvent {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if limit <= 0 || limit > len(w.buf) {
		limit = len(w.buf)
	}
	out := make([]model.AlertEvent, 0, limit)
	for i := 0; i < limit; i++ {
		out = append(out, w.buf[i].alert)
	}
	return out
}

func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.buf)
}

func (w *Window) Capacity() int {
	return w.limit
}

// Resize trims the window when the capacity shrinks.
func (w *Window) Resize(limit int) {
	if limit <= 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.limit = limit
	if len(w.buf) > limit {
		w.buf = w.buf[:limit]
	}
}

func (w *Window) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = nil
}
