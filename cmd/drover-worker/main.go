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
	"github.com/drover-io/drover/docstore"
	"github.com/drover-io/drover/docstore/badgerstore"
	"github.com/drover-io/drover/docstore/memory"
	"github.com/drover-io/drover/reader"
	"github.com/drover-io/drover/supervisor"
	"github.com/drover-io/drover/worker"
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

	workerID := cfg.Worker.Identity
	if workerID == "" {
		workerID = os.Getenv(supervisor.WorkerIDEnv)
	}
	if workerID == "" {
		slog.Error("Worker identity not set", "env", supervisor.WorkerIDEnv)
		os.Exit(1)
	}

	slog.Info("Starting reader worker", "worker_id", workerID, "version", "0.1.0")
	slog.Info("Configuration loaded",
		"worker_addr", cfg.Worker.WorkerAddr,
		"store_type", cfg.Store.Type,
		"log_level", cfg.Log.Level)

	var store docstore.Store
	switch cfg.Store.Type {
	case "memory":
		store = memory.New()
		slog.Info("Using in-memory document store")
	case "badger":
		badgerStore, err := badgerstore.New(badgerstore.Config{
			Dir:        cfg.Store.BadgerDir,
			GCInterval: cfg.Store.GCInterval,
		})
		if err != nil {
			slog.Error("Failed to initialize BadgerDB store", "error", err)
			os.Exit(1)
		}
		store = badgerStore
		defer store.Close()
		slog.Info("Using BadgerDB persistent store", "dir", cfg.Store.BadgerDir)
	default:
		slog.Error("Unknown store type", "type", cfg.Store.Type)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, err := worker.Dial(ctx, cfg.Worker.WorkerAddr, workerID, reader.New(store, cfg.Store.Breaker, logger), logger)
	if err != nil {
		slog.Error("Failed to connect to broker", "error", err)
		os.Exit(1)
	}
	defer w.Close()

	runErr := make(chan error, 1)
	go func() {
		runErr <- w.Run(ctx)
	}()

	slog.Info("Reader worker started successfully", "worker_id", workerID)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
		cancel()
		// Closing the socket releases the serve loop's blocking receive.
		w.Close()
		if err := <-runErr; err != nil {
			slog.Error("Worker error", "error", err)
		}
	case err := <-runErr:
		// A broken broker conversation ends the process; the supervisor
		// restarts it and announces the membership change.
		if err != nil {
			slog.Error("Worker terminated", "error", err)
			os.Exit(1)
		}
	}

	slog.Info("Reader worker stopped", "worker_id", workerID)
}
