package engine

import "time"

// DedupeCache remembers alert identities shown on a display panel so a re-delivered alert
// is not listed twice.
type DedupeCache struct {
	items map[string]time.Time
	limit int
}

func NewDedupeCache() *DedupeCache {
	return &DedupeCache{items: make(map[string]time.Time), limit: 10000}
}

// Seen reports whether key was recorded within ttl of now, and records it otherwise.
func (d *DedupeCache) Seen(key string, now time.Time, ttl time.Duration) bool {
	if ts, ok := d.items[key]; ok {
		if now.Sub(ts) <= ttl {
			return true
		}
	}
	d.items[key] = now
	if len(d.items) > d.limit {
		d.compact(now, ttl)
	}
	return false
}

func (d *DedupeCache) compact(now time.Time, ttl time.Duration) {
	for k, ts := range d.items {
		if now.Sub(ts) > ttl {
			delete(d.items, k)
		}
	}
}

func (d *DedupeCache) Reset() {
	d.items = make(map[string]time.Time)
}
