package ingest

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"crowdguard/internal/config"
)

type NATSSubscriber struct {
	conn   *nats.Conn
	cfg    config.NATSConfig
	logger *slog.Logger
}

func NewNATSSubscriber(cfg config.NATSConfig, logger *slog.Logger) (*NATSSubscriber, error) {
	opts := []nats.Option{
		nats.Name("crowdguard"),
		nats.Timeout(cfg.ConnectTimeout),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if logger != nil {
				logger.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			if logger != nil {
				logger.Info("nats reconnected", "url", c.ConnectedUrl())
			}
		}),
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("nats connection established", "url", cfg.URL)
	}
	return &NATSSubscriber{conn: conn, cfg: cfg, logger: logger}, nil
}

func (n *NATSSubscriber) SubscribeCrowdSamples(h Handler) (Unsubscribe, error) {
	return n.subscribe(n.cfg.SampleSubject, h)
}

func (n *NATSSubscriber) SubscribeAlertEvents(h Handler) (Unsubscribe, error) {
	return n.subscribe(n.cfg.AlertSubject, h)
}

func (n *NATSSubscriber) SubscribeStampedeEvents(h Handler) (Unsubscribe, error) {
	return n.subscribe(n.cfg.StampedeSubject, h)
}

func (n *NATSSubscriber) Connected() bool {
	return n.conn != nil && n.conn.IsConnected()
}

func (n *NATSSubscriber) subscribe(subject string, h Handler) (Unsubscribe, error) {
	if subject == "" {
		return nil, errors.New("nats subject is empty")
	}
	sub, err := n.conn.Subscribe(subject, func(msg *nats.Msg) {
		h(msg.Data)
	})
	if err != nil {
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			if err := sub.Unsubscribe(); err != nil && n.logger != nil {
				n.logger.Warn("nats unsubscribe failed", "subject", subject, "err", err)
			}
		})
	}, nil
}

func (n *NATSSubscriber) Close() {
	if n.conn == nil {
		return
	}
	if err := n.conn.Drain(); err != nil {
		if n.logger != nil {
			n.logger.Warn("nats drain failed, closing immediately", "err", err)
		}
		n.conn.Close()
	}
}
