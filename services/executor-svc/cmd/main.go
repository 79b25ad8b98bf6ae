package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"dfm/pkg/audit"
	"dfm/pkg/broker"
	"dfm/pkg/cache"
	"dfm/pkg/config"
	"dfm/pkg/database"
	"dfm/pkg/executor"
	"dfm/pkg/logger"
	"dfm/pkg/metrics"
	"dfm/pkg/provider"
	"dfm/pkg/registry"
	"dfm/pkg/telemetry"

	"dfm/migrations"
)

func main() {
	cfg, err := config.LoadWithServiceDefaults("executor-svc", 8081)
	if err != nil {
		logger.Init("error")
		logger.Fatal("failed to load config", "error", err)
	}

	logger.InitWithConfig(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})

	logger.Log.Info("starting executor-svc",
		"version", cfg.App.Version,
		"environment", cfg.App.Environment,
		"workers", cfg.Executor.Workers,
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

	cacheBroker, err := broker.New(ctx, &config.BrokerConfig{
		Addr:     cfg.Cache.Addr,
		Password: cfg.Cache.Password,
		DB:       cfg.Cache.DB,
	})
	if err != nil {
		logger.Fatal("failed to connect to cache broker", "error", err)
	}
	defer func() { _ = cacheBroker.Close() }()

	blob, err := cache.NewBlobStore(ctx, cfg.Cache.Blob)
	if err != nil {
		logger.Fatal("failed to init blob store", "error", err)
	}
	fc := cache.NewFingerprintCache(cacheBroker, blob, cfg.Cache.LockTTL, cfg.Cache.MaxBytes)

	reg := registry.New()
	dispatch, err := provider.Build(&cfg.Site, provider.BuiltinFactories())
	if err != nil {
		logger.Fatal("failed to build provider dispatch table", "error", err)
	}

	if cfg.Audit.Enabled {
		var auditLogger audit.Logger
		if cfg.Audit.Backend == "postgres" {
			pdb, err := database.NewPostgresDB(ctx, &cfg.Database)
			if err != nil {
				logger.Fatal("failed to connect to audit database", "error", err)
			}
			defer pdb.Close()

			if cfg.Database.AutoMigrate {
				if err := database.RunMigrations(ctx, pdb.Pool(), &cfg.Database, migrations.PostgresMigrations, "postgres"); err != nil {
					logger.Fatal("failed to run audit migrations", "error", err)
				}
			}
			auditLogger = audit.NewPostgresLogger(pdb)
		} else {
			auditLogger, err = audit.New(&audit.Config{
				Enabled:        cfg.Audit.Enabled,
				Backend:        cfg.Audit.Backend,
				FilePath:       cfg.Audit.FilePath,
				BufferSize:     cfg.Audit.BufferSize,
				ExcludeMethods: cfg.Audit.ExcludeMethods,
			})
			if err != nil {
				logger.Fatal("failed to init audit logger", "error", err)
			}
		}
		audit.SetGlobal(auditLogger)
	}

	ownerID := hostnamePID()
	pool := executor.NewPool(cfg.Executor, b, fc, dispatch, reg, ownerID)

	errCh := make(chan error, 1)
	go func() { errCh <- pool.Run(ctx) }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Fatal("executor pool stopped with error", "error", err)
		}
	case sig := <-quit:
		logger.Log.Info("received shutdown signal", "signal", sig)
		cancel()
		<-errCh
	}

	logger.Log.Info("executor-svc stopped")
}

func hostnamePID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "executor-svc"
	}
	return host + ":" + strconv.Itoa(os.Getpid())
}
