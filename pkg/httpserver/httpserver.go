// Package httpserver is Process's HTTP/JSON ingress lifecycle wrapper. It
// mirrors the teacher's pkg/server.GRPCServer shape -- wire the rate
// limiter and audit logger, start a metrics server goroutine, serve,
// then wait for SIGINT/SIGTERM and shut down gracefully within a fixed
// budget -- with the transport swapped from a grpc.Server to a plain
// *http.Server, since spec.md §6 mandates HTTP/JSON rather than gRPC.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dfm/pkg/audit"
	"dfm/pkg/config"
	"dfm/pkg/logger"
	"dfm/pkg/metrics"
	"dfm/pkg/ratelimit"
)

// shutdownTimeout bounds how long graceful shutdown may take before the
// server is stopped forcibly.
const shutdownTimeout = 30 * time.Second

// shutdownGrace is slept before closing listeners, giving in-flight load
// balancer health checks one last chance to route around this instance.
const shutdownGrace = 2 * time.Second

// Server wraps a *http.Server with the ambient lifecycle every DFM HTTP
// service shares: rate limiting, audit logging, a side metrics server, and
// signal-driven graceful shutdown.
type Server struct {
	http        *http.Server
	serviceName string
	cfg         config.HTTPConfig
	metricsCfg  config.MetricsConfig
	rateLimiter ratelimit.Limiter
	auditLogger audit.Logger
}

// Options carries the collaborators New wires into a Server. A nil
// RateLimiter or AuditLogger simply disables that concern.
type Options struct {
	ServiceName string
	HTTP        config.HTTPConfig
	Metrics     config.MetricsConfig
	RateLimiter ratelimit.Limiter
	AuditLogger audit.Logger
}

// New builds a Server around handler, ready to Run.
func New(handler http.Handler, opts Options) *Server {
	return &Server{
		http: &http.Server{
			Addr:         fmt.Sprintf(":%d", opts.HTTP.Port),
			Handler:      handler,
			ReadTimeout:  opts.HTTP.ReadTimeout,
			WriteTimeout: opts.HTTP.WriteTimeout,
		},
		serviceName: opts.ServiceName,
		cfg:         opts.HTTP,
		metricsCfg:  opts.Metrics,
		rateLimiter: opts.RateLimiter,
		auditLogger: opts.AuditLogger,
	}
}

// Run starts the HTTP server and the side metrics server (if enabled),
// then blocks until the server exits -- either because ListenAndServe
// returned an error, or because a shutdown signal was handled.
func (s *Server) Run(ctx context.Context) error {
	if s.metricsCfg.Enabled {
		go func() {
			logger.Info("starting metrics server", "port", s.metricsCfg.Port)
			if err := metrics.StartMetricsServer(s.metricsCfg.Port); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	lc := net.ListenConfig{}
	lis, err := lc.Listen(ctx, "tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("httpserver: listen: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting http server", "service", s.serviceName, "addr", s.http.Addr)
		if err := s.http.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if m := metrics.Get(); m != nil {
		m.SetServiceInfo(s.serviceName, "")
	}

	if s.auditLogger != nil {
		entry := audit.NewEntry().
			Service(s.serviceName).
			Method("httpserver.Start").
			Action(audit.ActionProcess).
			Outcome(audit.OutcomeSuccess).
			Meta("addr", s.http.Addr).
			Build()
		if err := s.auditLogger.Log(ctx, entry); err != nil {
			logger.Warn("failed to log audit entry", "error", err)
		}
	}

	return s.waitForShutdown(ctx, errCh)
}

func (s *Server) waitForShutdown(ctx context.Context, errCh chan error) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
		logger.Info("shutting down: context cancelled")
	}

	if s.auditLogger != nil {
		entry := audit.NewEntry().
			Service(s.serviceName).
			Method("httpserver.Shutdown").
			Action(audit.ActionProcess).
			Outcome(audit.OutcomeSuccess).
			Meta("reason", "signal").
			Build()
		if err := s.auditLogger.Log(context.Background(), entry); err != nil {
			logger.Warn("failed to log audit entry", "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if s.rateLimiter != nil {
		if err := s.rateLimiter.Close(); err != nil {
			logger.Warn("failed to close rate limiter", "error", err)
		}
	}
	if s.auditLogger != nil {
		if err := s.auditLogger.Close(); err != nil {
			logger.Warn("failed to close audit logger", "error", err)
		}
	}

	time.Sleep(shutdownGrace)

	done := make(chan struct{})
	go func() {
		if err := s.http.Shutdown(ctx); err != nil {
			logger.Warn("graceful shutdown error", "error", err)
		}
		close(done)
	}()

	select {
	case <-done:
		logger.Info("server stopped gracefully")
	case <-ctx.Done():
		logger.Warn("forcing server close")
		_ = s.http.Close()
	}
	return nil
}

// Shutdown calls http.Server.Shutdown directly, bypassing the
// signal-driven path (no audit entry, no grace sleep, no forced close);
// it waits for active connections until ctx ends. Used by tests and by a
// supervisor that already has its own shutdown timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
