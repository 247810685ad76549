package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"muse/internal/delivery/server/app"
	httpserver "muse/internal/delivery/server/http"
	"muse/internal/domain/balancer"
	"muse/internal/domain/instance"
	"muse/internal/infra/discord"
	"muse/internal/infra/notify"
	"muse/internal/infra/observability"
	"muse/internal/shared/config"
	"muse/internal/shared/logging"
)

const shutdownGrace = 15 * time.Second

// serve wires all components and runs until the context is cancelled or a
// termination signal arrives.
func serve(ctx context.Context, cfg config.Config) error {
	logging.SetLevel(logging.ParseLevel(cfg.Log.Level))
	logger := logging.NewComponentLogger("Server")

	metrics := observability.Default()

	store := app.NewInMemoryTaskStore(
		app.WithTaskRetention(cfg.Store.Retention),
		app.WithMaxTasks(cfg.Store.MaxTasks),
		app.WithTaskPersistenceFile(cfg.Store.PersistFile),
	)
	defer store.Close()

	notifier := notify.NewWebhookNotifier(cfg.Notify.DefaultHook,
		notify.WithQueueSize(cfg.Notify.QueueSize),
		notify.WithMetrics(metrics),
	)
	defer notifier.Close()

	registry := instance.NewRegistry()
	gateways := make([]*discord.Gateway, 0, len(cfg.Accounts))
	for _, acc := range cfg.Accounts {
		client := discord.NewClient(acc)
		rt := instance.NewRuntime(acc, client, store, notifier,
			instance.WithWatchdog(cfg.Dispatch.Watchdog),
			instance.WithFinishObserver(func(instanceID, action, status string, elapsed time.Duration) {
				metrics.ObserveTaskFinished(instanceID, action, status, elapsed)
			}),
		)
		registry.Register(rt)

		handler := discord.NewMessageHandler(rt, store)
		gateways = append(gateways, discord.NewGateway(acc, handler))
	}

	chooser, err := balancer.New(cfg.Dispatch.Policy)
	if err != nil {
		return err
	}
	service := app.NewSubmitService(registry, chooser, store)

	server := httpserver.NewServer(httpserver.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		APISecret:    cfg.Server.APISecret,
		Debug:        cfg.Server.Debug,
		EnableCORS:   cfg.Server.EnableCORS,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, service, registry, metrics)

	registry.StartAll()
	for _, gw := range gateways {
		gw.Start()
	}
	logger.Info("started %d instances, policy=%s", len(cfg.Accounts), cfg.Dispatch.Policy)

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start() }()

	select {
	case err := <-serveErr:
		return err
	case <-runCtx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown: %v", err)
	}
	for _, gw := range gateways {
		if err := gw.Stop(shutdownCtx); err != nil {
			logger.Warn("%v", err)
		}
	}
	if err := registry.StopAll(shutdownCtx); err != nil {
		logger.Warn("instance drain: %v", err)
	}
	return nil
}
