// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	tlsconfig "github.com/absmach/vtbridge/pkg/tls"
	"github.com/absmach/vtbridge/ratelimit"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the bridge.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Session   SessionConfig    `yaml:"session"`
	Log       LogConfig        `yaml:"log"`
	Storage   StorageConfig    `yaml:"storage"`
	RateLimit ratelimit.Config `yaml:"ratelimit"`
	Otel      OtelConfig       `yaml:"otel"`
	Webhook   WebhookConfig    `yaml:"webhook"`
}

// ServerConfig holds listener configuration.
type ServerConfig struct {
	NodeID          string           `yaml:"node_id"`
	TCPAddr         string           `yaml:"tcp_addr"`
	TCPMaxConn      int              `yaml:"tcp_max_connections"`
	TLS             tlsconfig.Config `yaml:"tls"`
	WSEnabled       bool             `yaml:"ws_enabled"`
	WSAddr          string           `yaml:"ws_addr"`
	WSPath          string           `yaml:"ws_path"`
	WSAllowedOrigin []string         `yaml:"ws_allowed_origins"` // empty allows any origin
	HealthEnabled   bool             `yaml:"health_enabled"`
	HealthAddr      string           `yaml:"health_addr"`
	ShutdownTimeout time.Duration    `yaml:"shutdown_timeout"`
}

// SessionConfig holds MQTT session settings.
type SessionConfig struct {
	// Strategy names the subscription strategy: "virtual-topic" or "default".
	Strategy string `yaml:"strategy"`

	// SubscriptionPrefetch caps unacknowledged queue messages per subscription.
	SubscriptionPrefetch int `yaml:"subscription_prefetch"`

	// MaxQoS is the highest QoS granted to subscriptions.
	MaxQoS byte `yaml:"max_qos"`

	// MaxMessageSize bounds incoming packets, in bytes.
	MaxMessageSize int `yaml:"max_message_size"`

	// ConnectTimeout is how long a new connection may take to send CONNECT.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// WriteTimeout bounds each outbound packet write.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// TopicBuffer is the channel size of async topic consumers.
	TopicBuffer int `yaml:"topic_buffer"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// StorageConfig holds storage backend configuration.
type StorageConfig struct {
	Type string `yaml:"type"` // memory, badger

	// BadgerDB settings
	BadgerDir   string `yaml:"badger_dir"`
	Compression string `yaml:"compression"` // none, s2, zstd
}

// OtelConfig holds OpenTelemetry configuration.
type OtelConfig struct {
	MetricsEnabled  bool          `yaml:"metrics_enabled"`
	TracesEnabled   bool          `yaml:"traces_enabled"`
	Endpoint        string        `yaml:"endpoint"` // OTLP gRPC collector
	Insecure        bool          `yaml:"insecure"`
	ServiceName     string        `yaml:"service_name"`
	ServiceVersion  string        `yaml:"service_version"`
	TraceSampleRate float64       `yaml:"trace_sample_rate"` // 0.0 to 1.0
	ExportInterval  time.Duration `yaml:"export_interval"`
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled         bool              `yaml:"enabled"`
	QueueSize       int               `yaml:"queue_size"`
	DropPolicy      string            `yaml:"drop_policy"`      // "oldest" or "newest"
	Workers         int               `yaml:"workers"`          // Number of worker goroutines
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout"` // Graceful shutdown timeout
	Defaults        WebhookDefaults   `yaml:"defaults"`
	Endpoints       []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookDefaults holds default settings for webhook endpoints.
type WebhookDefaults struct {
	Timeout        time.Duration        `yaml:"timeout"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig holds retry configuration for webhook delivery.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// WebhookEndpoint defines a single webhook endpoint.
type WebhookEndpoint struct {
	Name         string            `yaml:"name"`
	URL          string            `yaml:"url"`
	Events       []string          `yaml:"events"`        // Event type filter (empty = all)
	TopicFilters []string          `yaml:"topic_filters"` // MQTT topic filters (empty = all)
	Headers      map[string]string `yaml:"headers"`
	Timeout      time.Duration     `yaml:"timeout,omitempty"` // Override default
	Retry        *RetryConfig      `yaml:"retry,omitempty"`   // Override default
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			NodeID:          "vtbridge-1",
			TCPAddr:         ":1883",
			TCPMaxConn:      10000,
			WSEnabled:       false,
			WSAddr:          ":8083",
			WSPath:          "/mqtt",
			HealthEnabled:   true,
			HealthAddr:      ":8081",
			ShutdownTimeout: 30 * time.Second,
		},
		Session: SessionConfig{
			Strategy:             "virtual-topic",
			SubscriptionPrefetch: 100,
			MaxQoS:               2,
			MaxMessageSize:       1024 * 1024, // 1MB
			ConnectTimeout:       10 * time.Second,
			WriteTimeout:         10 * time.Second,
			TopicBuffer:          256,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Type:        "badger",
			BadgerDir:   "/tmp/vtbridge/data",
			Compression: "none",
		},
		RateLimit: ratelimit.DefaultConfig(),
		Otel: OtelConfig{
			MetricsEnabled:  false,
			TracesEnabled:   false,
			Endpoint:        "localhost:4317",
			Insecure:        true,
			ServiceName:     "vtbridge",
			ServiceVersion:  "1.0.0",
			TraceSampleRate: 0.1,
			ExportInterval:  10 * time.Second,
		},
		Webhook: WebhookConfig{
			Enabled:         false,
			QueueSize:       10000,
			DropPolicy:      "oldest",
			Workers:         5,
			ShutdownTimeout: 30 * time.Second,
			Defaults: WebhookDefaults{
				Timeout: 5 * time.Second,
				Retry: RetryConfig{
					MaxAttempts:     3,
					InitialInterval: 1 * time.Second,
					MaxInterval:     30 * time.Second,
					Multiplier:      2.0,
				},
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold: 5,
					ResetTimeout:     60 * time.Second,
				},
			},
			Endpoints: []WebhookEndpoint{},
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
	if c.Server.TCPAddr == "" && !c.Server.WSEnabled {
		return fmt.Errorf("server: at least one of tcp_addr or ws_enabled is required")
	}
	if c.Server.TCPMaxConn < 0 {
		return fmt.Errorf("server.tcp_max_connections cannot be negative")
	}
	if err := c.Server.TLS.Validate(); err != nil {
		return fmt.Errorf("server.tls: %w", err)
	}
	if c.Server.WSEnabled && (c.Server.WSAddr == "" || c.Server.WSPath == "") {
		return fmt.Errorf("server.ws_addr and server.ws_path required when websocket is enabled")
	}
	if c.Server.HealthEnabled && c.Server.HealthAddr == "" {
		return fmt.Errorf("server.health_addr required when health is enabled")
	}

	validStrategies := map[string]bool{"virtual-topic": true, "default": true}
	if !validStrategies[c.Session.Strategy] {
		return fmt.Errorf("session.strategy must be one of: virtual-topic, default")
	}
	if c.Session.SubscriptionPrefetch < 1 {
		return fmt.Errorf("session.subscription_prefetch must be at least 1")
	}
	if c.Session.MaxQoS > 2 {
		return fmt.Errorf("session.max_qos must be 0, 1 or 2")
	}
	if c.Session.MaxMessageSize < 1024 {
		return fmt.Errorf("session.max_message_size must be at least 1KB")
	}
	if c.Session.ConnectTimeout < time.Second {
		return fmt.Errorf("session.connect_timeout must be at least 1 second")
	}
	if c.Session.WriteTimeout < 0 {
		return fmt.Errorf("session.write_timeout must not be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	validStorage := map[string]bool{"memory": true, "badger": true}
	if !validStorage[c.Storage.Type] {
		return fmt.Errorf("storage.type must be one of: memory, badger")
	}
	if c.Storage.Type == "badger" && c.Storage.BadgerDir == "" {
		return fmt.Errorf("storage.badger_dir required when type is badger")
	}
	validCompression := map[string]bool{"": true, "none": true, "s2": true, "zstd": true}
	if !validCompression[c.Storage.Compression] {
		return fmt.Errorf("storage.compression must be one of: none, s2, zstd")
	}

	if c.Otel.MetricsEnabled || c.Otel.TracesEnabled {
		if c.Otel.Endpoint == "" {
			return fmt.Errorf("otel.endpoint required when metrics or traces are enabled")
		}
		if c.Otel.ServiceName == "" {
			return fmt.Errorf("otel.service_name cannot be empty")
		}
		if c.Otel.TraceSampleRate < 0.0 || c.Otel.TraceSampleRate > 1.0 {
			return fmt.Errorf("otel.trace_sample_rate must be between 0.0 and 1.0")
		}
		if c.Otel.ExportInterval < time.Second {
			return fmt.Errorf("otel.export_interval must be at least 1 second")
		}
	}

	if c.Webhook.Enabled {
		if err := c.Webhook.validate(); err != nil {
			return err
		}
	}

	return nil
}

func (w *WebhookConfig) validate() error {
	if w.QueueSize < 100 {
		return fmt.Errorf("webhook.queue_size must be at least 100")
	}
	if w.DropPolicy != "oldest" && w.DropPolicy != "newest" {
		return fmt.Errorf("webhook.drop_policy must be 'oldest' or 'newest'")
	}
	if w.Workers < 1 {
		return fmt.Errorf("webhook.workers must be at least 1")
	}
	if w.ShutdownTimeout < time.Second {
		return fmt.Errorf("webhook.shutdown_timeout must be at least 1 second")
	}
	if w.Defaults.Timeout < time.Second {
		return fmt.Errorf("webhook.defaults.timeout must be at least 1 second")
	}
	if w.Defaults.Retry.MaxAttempts < 1 {
		return fmt.Errorf("webhook.defaults.retry.max_attempts must be at least 1")
	}
	if w.Defaults.Retry.Multiplier < 1.0 {
		return fmt.Errorf("webhook.defaults.retry.multiplier must be at least 1.0")
	}
	if w.Defaults.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("webhook.defaults.circuit_breaker.failure_threshold must be at least 1")
	}

	for i, endpoint := range w.Endpoints {
		if endpoint.Name == "" {
			return fmt.Errorf("webhook.endpoints[%d].name cannot be empty", i)
		}
		if endpoint.URL == "" {
			return fmt.Errorf("webhook.endpoints[%d].url cannot be empty", i)
		}
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
