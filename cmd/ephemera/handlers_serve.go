package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/ephemera/internal/channels/discord"
	"github.com/haasonsaas/ephemera/internal/config"
	"github.com/haasonsaas/ephemera/internal/lifecycle"
	"github.com/haasonsaas/ephemera/internal/observability"
)

// readyTimeout bounds how long serve waits for the gateway to deliver every
// guild's voice states before starting the reconciler anyway.
const readyTimeout = time.Minute

// runServe implements the serve command logic.
// It handles configuration loading, service initialization, and graceful shutdown.
func runServe(ctx context.Context, configPath string, debug bool) error {
	configPath = config.ResolvePath(configPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.RequireDiscord(); err != nil {
		return err
	}

	logger := newLogger(cfg, debug)
	slog.SetDefault(logger)
	logger.Info("starting ephemera",
		"version", version,
		"commit", commit,
		"config", configPath,
		"debug", debug,
	)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Observability.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Observability.Tracing.Environment,
		Endpoint:       cfg.Observability.Tracing.Endpoint,
		SamplingRate:   cfg.Observability.Tracing.SamplingRate,
		EnableInsecure: cfg.Observability.Tracing.Insecure,
		Logger:         logger,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("store close failed", "error", err)
		}
	}()

	adapter, err := discord.NewAdapter(discord.Config{
		Token:           cfg.Discord.BotToken,
		AppID:           cfg.Discord.AppID,
		CommandGuildID:  cfg.Discord.GuildID,
		CategoryID:      cfg.Voice.CategoryID,
		RulesLink:       cfg.Moderation.RulesLink,
		RateLimit:       cfg.Discord.RateLimit,
		RateBurst:       cfg.Discord.RateBurst,
		ConnectAttempts: cfg.Discord.ConnectAttempts,
		Logger:          logger,
		Metrics:         metrics,
		Tracer:          tracer,
	})
	if err != nil {
		return err
	}

	manager := lifecycle.NewManager(settingsFromConfig(cfg), store, adapter,
		lifecycle.WithLogger(logger),
		lifecycle.WithMetrics(metrics),
		lifecycle.WithTracer(tracer),
	)
	adapter.SetCreator(manager)

	metricsServer := startMetricsServer(cfg.Observability.MetricsAddr, registry, logger)

	if err := adapter.Start(ctx); err != nil {
		shutdownMetricsServer(metricsServer, logger)
		return fmt.Errorf("start discord adapter: %w", err)
	}
	defer func() {
		if err := adapter.Stop(); err != nil {
			logger.Warn("discord adapter stop failed", "error", err)
		}
	}()

	readyCtx, cancelReady := context.WithTimeout(ctx, readyTimeout)
	if err := adapter.WaitReady(readyCtx); err != nil && ctx.Err() == nil {
		logger.Warn("voice state cache incomplete, recounts skip unseen guilds until it fills", "error", err)
	}
	cancelReady()

	runErr := manager.Run(ctx)
	shutdownMetricsServer(metricsServer, logger)
	logger.Info("ephemera stopped")
	return runErr
}

func startMetricsServer(addr string, registry *prometheus.Registry, logger *slog.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}

func shutdownMetricsServer(srv *http.Server, logger *slog.Logger) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("metrics server shutdown failed", "error", err)
	}
}
