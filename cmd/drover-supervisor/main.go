// Copyright (c) Drover Systems
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/drover-io/drover/config"
	"github.com/drover-io/drover/event"
	"github.com/drover-io/drover/supervisor"
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

	slog.Info("Starting worker supervisor", "version", "0.1.0")
	slog.Info("Configuration loaded",
		"events_addr", cfg.Supervisor.EventsAddr,
		"workers", cfg.Supervisor.Workers,
		"name_prefix", cfg.Supervisor.NamePrefix,
		"worker_command", cfg.Supervisor.WorkerCommand,
		"log_level", cfg.Log.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	publisher, err := event.Listen(ctx, cfg.Supervisor.EventsAddr, logger)
	if err != nil {
		slog.Error("Failed to bind membership publisher", "error", err)
		os.Exit(1)
	}
	defer publisher.Close()
	slog.Info("Membership events publishing", "address", cfg.Supervisor.EventsAddr)

	launcher := &supervisor.ExecLauncher{
		Command: cfg.Supervisor.WorkerCommand,
		Args:    cfg.Supervisor.WorkerArgs,
	}
	sup := supervisor.New(cfg.Supervisor, launcher, publisher, logger)

	runErr := make(chan error, 1)
	go func() {
		runErr <- sup.Run(ctx)
	}()

	slog.Info("Worker supervisor started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
		cancel()
		// Run returns once the fleet is down.
		if err := <-runErr; err != nil {
			slog.Error("Supervisor error", "error", err)
		}
	case err := <-runErr:
		if err != nil {
			slog.Error("Supervisor error", "error", err)
			os.Exit(1)
		}
	}

	slog.Info("Worker supervisor stopped")
}
