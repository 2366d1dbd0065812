package metrics

import (
	"sync"
	"time"

	"crowdguard/internal/model"
)

// Point is one entry of the count chart.
type Point struct {
	Count     int       `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}

// History keeps the most recent count samples for the dashboard chart.
type History struct {
	mu    sync.RWMutex
	buf   []Point
	limit int
}

func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = 20
	}
	return &History{limit: limit}
}

func (h *History) Add(sample model.CrowdSample) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.appendLocked(Point{Count: sample.Count, Timestamp: sample.ObservedAt})
}

// Seed replaces the chart with samples, keeping only the newest limit entries.
func (h *History) Seed(samples []model.CrowdSample) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf = h.buf[:0]
	for _, s := range samples {
		h.appendLocked(Point{Count: s.Count, Timestamp: s.ObservedAt})
	}
}

func (h *History) appendLocked(p Point) {
	if len(h.buf) < h.limit {
		h.buf = append(h.buf, p)
		return
	}
	copy(h.buf, h.buf[1:])
	h.buf[len(h.buf)-1] = p
}

// List returns points oldest first.
func (h *History) List() []Point {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Point, len(h.buf))
	copy(out, h.buf)
	return out
}

func (h *History) Resize(limit int) {
	if limit <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.limit = limit
	if len(h.buf) > limit {
		h.buf = append([]Point{}, h.buf[len(h.buf)-limit:]...)
	}
}

func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf = nil
}
