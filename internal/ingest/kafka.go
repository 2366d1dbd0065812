package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/segmentio/kafka-go"

	"crowdguard/internal/config"
)

// KafkaSubscriber reads one topic per push channel. Readers start when the first handler
// for a topic subscribes and stop when ctx ends.
type KafkaSubscriber struct {
	cfg    config.KafkaConfig
	logger *slog.Logger
	hub    *dispatcher

	ctx       context.Context
	mu        sync.Mutex
	readers   map[string]bool
	wg        sync.WaitGroup
	connected atomic.Bool
}

func NewKafkaSubscriber(ctx context.Context, cfg config.KafkaConfig, logger *slog.Logger) (*KafkaSubscriber, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka transport requires at least one broker")
	}
	if logger != nil {
		logger.Info("kafka transport enabled", "brokers", cfg.Brokers, "group_id", cfg.GroupID)
	}
	return &KafkaSubscriber{
		cfg:     cfg,
		logger:  logger,
		hub:     newDispatcher(),
		ctx:     ctx,
		readers: map[string]bool{},
	}, nil
}

func (k *KafkaSubscriber) SubscribeCrowdSamples(h Handler) (Unsubscribe, error) {
	return k.subscribe(k.cfg.SampleTopic, h)
}

func (k *KafkaSubscriber) SubscribeAlertEvents(h Handler) (Unsubscribe, error) {
	return k.subscribe(k.cfg.AlertTopic, h)
}

func (k *KafkaSubscriber) SubscribeStampedeEvents(h Handler) (Unsubscribe, error) {
	return k.subscribe(k.cfg.StampedeTopic, h)
}

func (k *KafkaSubscriber) Connected() bool {
	return k.connected.Load()
}

// Wait blocks until every reader goroutine has closed its reader.
func (k *KafkaSubscriber) Wait() {
	k.wg.Wait()
}

func (k *KafkaSubscriber) subscribe(topic string, h Handler) (Unsubscribe, error) {
	if topic == "" {
		return nil, errors.New("kafka topic is empty")
	}
	unsub := k.hub.add(topic, h)
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.readers[topic] {
		k.readers[topic] = true
		k.startReader(topic)
	}
	return unsub, nil
}

func (k *KafkaSubscriber) startReader(topic string) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  k.cfg.Brokers,
		Topic:    topic,
		GroupID:  k.cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		defer reader.Close()
		for {
			m, err := reader.ReadMessage(k.ctx)
			if err != nil {
				if k.ctx.Err() != nil {
					k.connected.Store(false)
					return
				}
				k.connected.Store(false)
				if k.logger != nil {
					k.logger.Warn("kafka read error", "topic", topic, "err", err)
				}
				if !BackoffSleep(k.ctx, 0) {
					return
				}
				continue
			}
			k.connected.Store(true)
			k.hub.dispatch(topic, m.Value)
		}
	}()
}
