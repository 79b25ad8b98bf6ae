package main

import (
	"context"
	"net/http"

	"dfm/pkg/audit"
	"dfm/pkg/broker"
	"dfm/pkg/config"
	"dfm/pkg/database"
	"dfm/pkg/executor"
	"dfm/pkg/httpserver"
	"dfm/pkg/logger"
	"dfm/pkg/metrics"
	"dfm/pkg/ratelimit"
	"dfm/pkg/registry"
	"dfm/pkg/telemetry"

	"dfm/migrations"
	"dfm/services/process-svc/internal/handlers"
)

func main() {
	cfg, err := config.LoadWithServiceDefaults("process-svc", 8080)
	if err != nil {
		logger.Init("error")
		logger.Fatal("failed to load config", "error", err)
	}

	logger.InitWithConfig(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})

	logger.Log.Info("starting process-svc",
		"version", cfg.App.Version,
		"environment", cfg.App.Environment,
		"site", cfg.Site.Name,
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
	}

	b, err := broker.New(ctx, &cfg.Broker)
	if err != nil {
		logger.Fatal("failed to connect to broker", "error", err)
	}
	defer func() { _ = b.Close() }()

	reg := registry.New()
	store := executor.NewRequestStore(b)

	var auditLogger audit.Logger
	if cfg.Audit.Enabled {
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

	var limiter ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter, err = ratelimit.New(&ratelimit.Config{
			Requests:        cfg.RateLimit.Requests,
			Window:          cfg.RateLimit.Window,
			Strategy:        cfg.RateLimit.Strategy,
			Backend:         cfg.RateLimit.Backend,
			BurstSize:       cfg.RateLimit.BurstSize,
			CleanupInterval: cfg.RateLimit.CleanupInterval,
			RedisAddr:       cfg.RateLimit.RedisAddr,
		})
		if err != nil {
			logger.Fatal("failed to init rate limiter", "error", err)
		}
	} else {
		limiter = ratelimit.NewMemoryLimiter(ratelimit.DefaultConfig())
	}

	process := handlers.New(&cfg.Site, reg, b, store, auditLogger, cfg.HTTP.LongPollTimeout)

	mux := http.NewServeMux()
	handlers.Mount(mux, process, cfg.App.Version, cfg, limiter)
	if cfg.Metrics.Enabled {
		mux.Handle("/metrics", metrics.Handler())
	}

	srv := httpserver.New(mux, httpserver.Options{
		ServiceName: "process-svc",
		HTTP:        cfg.HTTP,
		Metrics:     cfg.Metrics,
		RateLimiter: limiter,
		AuditLogger: auditLogger,
	})

	if err := srv.Run(ctx); err != nil {
		logger.Fatal("process-svc stopped with error", "error", err)
	}
}
