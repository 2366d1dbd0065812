package ingest

import "sync"

// dispatcher fans one named channel out to its registered handlers.
type dispatcher struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[string]map[int]Handler
}

func newDispatcher() *dispatcher {
	return &dispatcher{handlers: map[string]map[int]Handler{}}
}

func (d *dispatcher) add(channel string, h Handler) Unsubscribe {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	if d.handlers[channel] == nil {
		d.handlers[channel] = map[int]Handler{}
	}
	d.handlers[channel][id] = h
	d.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.handlers[channel], id)
			d.mu.Unlock()
		})
	}
}

// dispatch reports whether any handler was listening.
func (d *dispatcher) dispatch(channel string, payload []byte) bool {
	d.mu.RLock()
	hs := make([]Handler, 0, len(d.handlers[channel]))
	for _, h := range d.handlers[channel] {
		hs = append(hs, h)
	}
	d.mu.RUnlock()
	for _, h := range hs {
		h(payload)
	}
	return len(hs) > 0
}

func (d *dispatcher) count(channel string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[channel])
}
