package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"crowdguard/internal/api"
	"crowdguard/internal/config"
	"crowdguard/internal/engine"
	"crowdguard/internal/ingest"
	"crowdguard/internal/logging"
	"crowdguard/internal/metrics"
	"crowdguard/internal/model"
	"crowdguard/internal/normalize"
	"crowdguard/internal/notify"
	"crowdguard/internal/storage"
)

var version = "dev"

func main() {
	configPath := flag.String("config", os.Getenv("CROWDGUARD_CONFIG"), "path to a yaml or json config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "crowdguard:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	mgr, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	cfg := mgr.Get()
	logger := logging.NewLogger(cfg.LogLevel)
	logger.Info("starting crowdguard",
		"version", version,
		"config", mgr.Path(),
		"transport", cfg.Transport.Kind,
		"history_source", cfg.History.Source,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	norm := normalize.NewNormalizer(cfg.Backend.Timezone)
	collector := metrics.NewCollector(nil)
	history := metrics.NewHistory(cfg.Alerts.HistoryPoints)
	notifier := notify.New(cfg.Notify, logging.Component(logger, "notify"))
	defer notifier.Wait()

	historyFromStorage := strings.EqualFold(cfg.History.Source, "storage")
	store, err := storage.NewStore(cfg.Storage, norm.Location())
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	if store == nil && historyFromStorage {
		return errors.New("history.source storage requires storage.enabled")
	}
	if store != nil {
		initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := store.Init(initCtx)
		cancel()
		if err != nil {
			store.Close()
			return fmt.Errorf("init storage: %w", err)
		}
		defer store.Close()
	}

	opts := engine.Options{
		Logger:   logger,
		Metrics:  collector,
		Notifier: notifier,
		History:  history,
	}
	// The backend's own database is read-only to us; journal only into a store we own.
	if store != nil && !historyFromStorage {
		journal := storage.NewJournal(store, 0, logging.Component(logger, "journal"))
		defer journal.Close()
		opts.Journal = journal
	}

	var poller ingest.Poller
	if cfg.Backend.BaseURL != "" {
		backend := ingest.NewHTTPBackend(cfg.Backend, cfg.History.Limit, logger)
		opts.Writer = backend
		poller = backend
	}
	if historyFromStorage {
		poller = storage.HistoryPoller{Store: store, AlertLimit: cfg.History.Limit, CountLimit: cfg.Alerts.HistoryPoints}
	}

	sub, closeSub, err := newSubscriber(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSub()

	events := make(chan model.Event, cfg.Backend.ChannelBuffer)
	eng := engine.NewEngine(cfg, opts)
	eng.Start(ctx, events)
	defer eng.Close()

	adapter := ingest.NewAdapter(ingest.AdapterOptions{
		Subscriber:   sub,
		Poller:       poller,
		Normalizer:   norm,
		Out:          events,
		PollInterval: cfg.Backend.PollInterval,
		Logger:       logger,
		Metrics:      collector,
	})
	if err := adapter.Start(ctx); err != nil {
		return fmt.Errorf("start adapter: %w", err)
	}
	defer adapter.Stop()

	srv := api.NewServer(mgr, eng, history, collector.Handler(), logger, version)
	api.Start(ctx, srv)

	if mgr.Path() != "" {
		stopWatch := make(chan struct{})
		defer close(stopWatch)
		go mgr.Watch(3*time.Second, func(next *config.Config) {
			logger.Info("config reloaded", "path", mgr.Path())
			eng.UpdateConfig(next)
		}, func(err error) {
			logger.Warn("config reload failed", "err", err)
		}, stopWatch)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")
	return nil
}

// loadConfig reads the file when one is given and falls back to defaults otherwise.
func loadConfig(path string) (*config.Manager, error) {
	if path == "" {
		return config.NewStaticManager(config.DefaultConfig()), nil
	}
	mgr, err := config.NewManager(config.ResolvePath(path))
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return mgr, nil
}

func newSubscriber(ctx context.Context, cfg *config.Config, logger *slog.Logger) (ingest.Subscriber, func(), error) {
	switch strings.ToLower(cfg.Transport.Kind) {
	case "kafka":
		kctx, cancel := context.WithCancel(ctx)
		sub, err := ingest.NewKafkaSubscriber(kctx, cfg.Transport.Kafka, logger)
		if err != nil {
			cancel()
			return nil, nil, fmt.Errorf("kafka transport: %w", err)
		}
		return sub, func() {
			cancel()
			sub.Wait()
		}, nil
	case "nats":
		sub, err := ingest.NewNATSSubscriber(cfg.Transport.NATS, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("nats transport: %w", err)
		}
		return sub, sub.Close, nil
	case "webhook":
		sub := ingest.NewWebhookSubscriber(cfg.Transport.Webhook, cfg.Transport.Websocket, logger)
		sub.Start(ctx)
		return sub, func() {}, nil
	default:
		sub := ingest.NewWebsocketSubscriber(cfg.Transport.Websocket, logger)
		go sub.Run(ctx)
		return sub, func() {}, nil
	}
}
