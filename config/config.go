// Copyright (c) Drover Systems
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the dispatch fabric.
type Config struct {
	Broker     BrokerConfig     `yaml:"broker"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Worker     WorkerConfig     `yaml:"worker"`
	Client     ClientConfig     `yaml:"client"`
	Store      StoreConfig      `yaml:"store"`
	Log        LogConfig        `yaml:"log"`
	Health     HealthConfig     `yaml:"health"`
	Otel       OtelConfig       `yaml:"otel"`
}

// BrokerConfig holds broker-related configuration.
type BrokerConfig struct {
	ClientAddr string `yaml:"client_addr"` // frontend ROUTER bind
	WorkerAddr string `yaml:"worker_addr"` // backend ROUTER bind
	EventsAddr string `yaml:"events_addr"` // membership SUB connect

	// MaxRetries is the number of worker deaths one request survives
	// before the broker fails it back to the client.
	MaxRetries int `yaml:"max_retries"`
}

// SupervisorConfig holds worker fleet supervision settings.
type SupervisorConfig struct {
	EventsAddr string `yaml:"events_addr"` // membership PUB bind

	// Workers is the fleet size; identities run <name_prefix>-1 through
	// <name_prefix>-N.
	Workers    int    `yaml:"workers"`
	NamePrefix string `yaml:"name_prefix"`

	WorkerCommand string   `yaml:"worker_command"`
	WorkerArgs    []string `yaml:"worker_args"`

	Restart         RestartConfig `yaml:"restart"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RestartConfig holds backoff and throttle settings for worker restarts.
type RestartConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`

	// HealthyAfter is how long a worker must run for its crash count to
	// reset.
	HealthyAfter time.Duration `yaml:"healthy_after"`

	// Rate and Burst throttle restarts fleet-wide so a crash loop in
	// many workers cannot spin the host.
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

// WorkerConfig holds per-worker process settings.
type WorkerConfig struct {
	WorkerAddr string `yaml:"worker_addr"` // broker backend DEALER connect

	// Identity overrides the DROVER_WORKER_ID environment variable;
	// normally left empty so the supervisor assigns it.
	Identity string `yaml:"identity"`
}

// ClientConfig holds client library settings.
type ClientConfig struct {
	ClientAddr string `yaml:"client_addr"` // broker frontend REQ connect

	// Timeout bounds one wait for a reply; Retries is how many times a
	// silent call is re-sent before giving up.
	Timeout time.Duration `yaml:"timeout"`
	Retries int           `yaml:"retries"`
}

// StoreConfig holds document store configuration.
type StoreConfig struct {
	Type string `yaml:"type"` // memory, badger

	// BadgerDB settings
	BadgerDir  string        `yaml:"badger_dir"`
	GCInterval time.Duration `yaml:"gc_interval"`

	Breaker CircuitBreakerConfig `yaml:"breaker"`
}

// CircuitBreakerConfig holds circuit breaker configuration for store
// access.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// HealthConfig holds the health endpoint configuration.
type HealthConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// OtelConfig holds OpenTelemetry configuration.
type OtelConfig struct {
	ServiceName     string  `yaml:"service_name"`
	ServiceVersion  string  `yaml:"service_version"`
	Endpoint        string  `yaml:"endpoint"` // OTLP gRPC endpoint
	MetricsEnabled  bool    `yaml:"metrics_enabled"`
	TracesEnabled   bool    `yaml:"traces_enabled"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"` // 0.0 to 1.0
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			ClientAddr: "tcp://0.0.0.0:5555",
			WorkerAddr: "tcp://0.0.0.0:5556",
			EventsAddr: "tcp://127.0.0.1:5557",
			MaxRetries: 3,
		},
		Supervisor: SupervisorConfig{
			EventsAddr:    "tcp://0.0.0.0:5557",
			Workers:       4,
			NamePrefix:    "reader",
			WorkerCommand: "drover-worker",
			WorkerArgs:    []string{},
			Restart: RestartConfig{
				InitialInterval: 1 * time.Second,
				MaxInterval:     30 * time.Second,
				Multiplier:      2.0,
				HealthyAfter:    60 * time.Second,
				Rate:            1.0,
				Burst:           5,
			},
			ShutdownTimeout: 30 * time.Second,
		},
		Worker: WorkerConfig{
			WorkerAddr: "tcp://127.0.0.1:5556",
		},
		Client: ClientConfig{
			ClientAddr: "tcp://127.0.0.1:5555",
			Timeout:    10 * time.Second,
			Retries:    3,
		},
		Store: StoreConfig{
			Type:       "badger",
			BadgerDir:  "/tmp/drover/data",
			GCInterval: 5 * time.Minute,
			Breaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     60 * time.Second,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Health: HealthConfig{
			Enabled:         true,
			Address:         ":8081",
			ShutdownTimeout: 10 * time.Second,
		},
		Otel: OtelConfig{
			ServiceName:     "drover",
			ServiceVersion:  "1.0.0",
			Endpoint:        "localhost:4317",
			MetricsEnabled:  false,
			TracesEnabled:   false,
			TraceSampleRate: 0.1,
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Broker.ClientAddr == "" {
		return fmt.Errorf("broker.client_addr cannot be empty")
	}
	if c.Broker.WorkerAddr == "" {
		return fmt.Errorf("broker.worker_addr cannot be empty")
	}
	if c.Broker.EventsAddr == "" {
		return fmt.Errorf("broker.events_addr cannot be empty")
	}
	if c.Broker.MaxRetries < 0 {
		return fmt.Errorf("broker.max_retries cannot be negative")
	}

	if c.Supervisor.Workers < 1 {
		return fmt.Errorf("supervisor.workers must be at least 1")
	}
	if c.Supervisor.NamePrefix == "" {
		return fmt.Errorf("supervisor.name_prefix cannot be empty")
	}
	if c.Supervisor.WorkerCommand == "" {
		return fmt.Errorf("supervisor.worker_command cannot be empty")
	}
	if c.Supervisor.ShutdownTimeout < time.Second {
		return fmt.Errorf("supervisor.shutdown_timeout must be at least 1 second")
	}
	if c.Supervisor.Restart.InitialInterval <= 0 {
		return fmt.Errorf("supervisor.restart.initial_interval must be positive")
	}
	if c.Supervisor.Restart.MaxInterval < c.Supervisor.Restart.InitialInterval {
		return fmt.Errorf("supervisor.restart.max_interval cannot be below initial_interval")
	}
	if c.Supervisor.Restart.Multiplier < 1.0 {
		return fmt.Errorf("supervisor.restart.multiplier must be at least 1.0")
	}
	if c.Supervisor.Restart.Rate <= 0 {
		return fmt.Errorf("supervisor.restart.rate must be positive")
	}
	if c.Supervisor.Restart.Burst < 1 {
		return fmt.Errorf("supervisor.restart.burst must be at least 1")
	}

	if c.Worker.WorkerAddr == "" {
		return fmt.Errorf("worker.worker_addr cannot be empty")
	}

	if c.Client.ClientAddr == "" {
		return fmt.Errorf("client.client_addr cannot be empty")
	}
	if c.Client.Timeout < 100*time.Millisecond {
		return fmt.Errorf("client.timeout must be at least 100ms")
	}
	if c.Client.Retries < 0 {
		return fmt.Errorf("client.retries cannot be negative")
	}

	validStore := map[string]bool{"memory": true, "badger": true}
	if !validStore[c.Store.Type] {
		return fmt.Errorf("store.type must be one of: memory, badger")
	}
	if c.Store.Type == "badger" && c.Store.BadgerDir == "" {
		return fmt.Errorf("store.badger_dir required when type is badger")
	}
	if c.Store.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("store.breaker.failure_threshold must be at least 1")
	}
	if c.Store.Breaker.ResetTimeout < time.Second {
		return fmt.Errorf("store.breaker.reset_timeout must be at least 1 second")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Health.Enabled && c.Health.Address == "" {
		return fmt.Errorf("health.address cannot be empty when health is enabled")
	}

	if c.Otel.MetricsEnabled || c.Otel.TracesEnabled {
		if c.Otel.ServiceName == "" {
			return fmt.Errorf("otel.service_name cannot be empty when telemetry is enabled")
		}
		if c.Otel.Endpoint == "" {
			return fmt.Errorf("otel.endpoint cannot be empty when telemetry is enabled")
		}
	}
	if c.Otel.TraceSampleRate < 0.0 || c.Otel.TraceSampleRate > 1.0 {
		return fmt.Errorf("otel.trace_sample_rate must be between 0.0 and 1.0")
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
