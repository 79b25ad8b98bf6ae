package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"dfm/pkg/broker"
	"dfm/pkg/config"
	"dfm/pkg/logger"
	"dfm/pkg/metrics"
	"dfm/pkg/scheduler"
	"dfm/pkg/telemetry"
)

func main() {
	cfg, err := config.LoadWithServiceDefaults("scheduler-svc", 8082)
	if err != nil {
		logger.Init("error")
		logger.Fatal("failed to load config", "error", err)
	}

	logger.InitWithConfig(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})

	logger.Log.Info("starting scheduler-svc",
		"version", cfg.App.Version,
		"environment", cfg.App.Environment,
		"poll_interval", cfg.Scheduler.PollInterval,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Tracing.Enabled {
		tp, err := telemetry.Init(ctx, telemetry.Config{
			Enabled:     cfg.Tracing.Enabled,
			Endpoint:    cfg.Tracing.Endpoint,
			ServiceName: cfg.Tracing.ServiceName,
			SampleRate:  cfg.Tracing.SampleRate,
		})
		if err != nil {
			logger.Fatal("failed to init telemetry", "error", err)
		}
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	if cfg.Metrics.Enabled {
		metrics.InitMetrics(cfg.Metrics.Namespace, cfg.Metrics.Subsystem)
		go func() {
			logger.Info("starting metrics server", "port", cfg.Metrics.Port)
			if err := metrics.StartMetricsServer(cfg.Metrics.Port); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	b, err := broker.New(ctx, &cfg.Broker)
	if err != nil {
		logger.Fatal("failed to connect to broker", "error", err)
	}
	defer func() { _ = b.Close() }()

	ownerID := hostnamePID()
	sched := scheduler.New(cfg.Scheduler, b, ownerID)

	errCh := make(chan error, 1)
	go func() { errCh <- sched.Run(ctx) }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Fatal("scheduler stopped with error", "error", err)
		}
	case sig := <-quit:
		logger.Log.Info("received shutdown signal", "signal", sig)
		cancel()
		<-errCh
	}

	logger.Log.Info("scheduler-svc stopped")
}

func hostnamePID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "scheduler-svc"
	}
	return host + ":" + strconv.Itoa(os.Getpid())
}
