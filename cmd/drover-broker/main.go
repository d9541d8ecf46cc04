// Copyright (c) Drover Systems
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/drover-io/drover/broker"
	"github.com/drover-io/drover/config"
	"github.com/drover-io/drover/server/health"
	"github.com/drover-io/drover/server/otel"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Starting dispatch broker", "version", "0.1.0")
	slog.Info("Configuration loaded",
		"client_addr", cfg.Broker.ClientAddr,
		"worker_addr", cfg.Broker.WorkerAddr,
		"events_addr", cfg.Broker.EventsAddr,
		"max_retries", cfg.Broker.MaxRetries,
		"health_enabled", cfg.Health.Enabled,
		"log_level", cfg.Log.Level)

	var otelShutdown func(context.Context) error
	var metrics *otel.Metrics

	if cfg.Otel.MetricsEnabled || cfg.Otel.TracesEnabled {
		shutdown, err := otel.InitProvider(cfg.Otel, "broker")
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		otelShutdown = shutdown
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Otel.Endpoint)

		if cfg.Otel.MetricsEnabled {
			m, err := otel.NewMetrics()
			if err != nil {
				slog.Error("Failed to create metrics", "error", err)
				os.Exit(1)
			}
			metrics = m
			slog.Info("OTel metrics enabled")
		}
	} else {
		slog.Info("OpenTelemetry disabled")
	}

	srvCfg := broker.ServerConfig{
		ClientAddr: cfg.Broker.ClientAddr,
		WorkerAddr: cfg.Broker.WorkerAddr,
		EventsAddr: cfg.Broker.EventsAddr,
	}
	srv := broker.NewServer(srvCfg, broker.Config{MaxRetries: cfg.Broker.MaxRetries}, metrics, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	serverErr := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Starting broker server",
			"client_addr", cfg.Broker.ClientAddr,
			"worker_addr", cfg.Broker.WorkerAddr)
		if err := srv.Listen(ctx); err != nil {
			serverErr <- err
		}
	}()

	if cfg.Health.Enabled {
		healthCfg := health.Config{
			Address:         cfg.Health.Address,
			ShutdownTimeout: cfg.Health.ShutdownTimeout,
		}
		healthServer := health.New(healthCfg, srv.Broker().Stats(), logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("Starting health check server", "address", cfg.Health.Address)
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	slog.Info("Dispatch broker started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	cancel()

	if otelShutdown != nil {
		otelCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		}
	}

	wg.Wait()
	slog.Info("Dispatch broker stopped")
}
