package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"crowdguard/internal/model"
)

// Journal writes alerts and samples to a Store from its own goroutine so the caller never
// waits on the database. When the queue is full, records are dropped and logged. All
// methods are safe on a nil *Journal.
type Journal struct {
	store  Store
	logger *slog.Logger
	queue  chan func(context.Context) error

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewJournal(store Store, buffer int, logger *slog.Logger) *Journal {
	if store == nil {
		return nil
	}
	if buffer <= 0 {
		buffer = 256
	}
	j := &Journal{store: store, logger: logger, queue: make(chan func(context.Context) error, buffer)}
	j.wg.Add(1)
	go j.run()
	return j
}

func (j *Journal) run() {
	defer j.wg.Done()
	for op := range j.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := op(ctx); err != nil && j.logger != nil {
			j.logger.Warn("journal write failed", "err", err)
		}
		cancel()
	}
}

func (j *Journal) RecordAlert(alert model.AlertEvent) {
	if j == nil {
		return
	}
	j.enqueue("alert", func(ctx context.Context) error {
		return j.store.SaveAlert(ctx, alert)
	})
}

func (j *Journal) RecordSample(sample model.CrowdSample) {
	if j == nil {
		return
	}
	j.enqueue("sample", func(ctx context.Context) error {
		return j.store.SaveSample(ctx, sample)
	})
}

func (j *Journal) enqueue(kind string, op func(context.Context) error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	select {
	case j.queue <- op:
	default:
		if j.logger != nil {
			j.logger.Warn("journal queue full, dropping record", "kind", kind)
		}
	}
}

// Close drains pending writes and stops the writer. The Store is left open.
func (j *Journal) Close() {
	if j == nil {
		return
	}
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	close(j.queue)
	j.mu.Unlock()
	j.wg.Wait()
}
