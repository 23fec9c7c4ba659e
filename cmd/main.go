// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/vtbridge/broker"
	"github.com/absmach/vtbridge/broker/webhook"
	"github.com/absmach/vtbridge/config"
	tlsconfig "github.com/absmach/vtbridge/pkg/tls"
	"github.com/absmach/vtbridge/ratelimit"
	"github.com/absmach/vtbridge/server/health"
	"github.com/absmach/vtbridge/server/otel"
	"github.com/absmach/vtbridge/server/tcp"
	"github.com/absmach/vtbridge/server/websocket"
	"github.com/absmach/vtbridge/session"
	"github.com/absmach/vtbridge/storage"
	"github.com/absmach/vtbridge/storage/badger"
	"github.com/absmach/vtbridge/storage/memory"
	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const version = "0.1.0"

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	slog.Info("Starting virtual topic bridge", "version", version)
	slog.Info("Configuration loaded",
		"node_id", cfg.Server.NodeID,
		"tcp_listener", cfg.Server.TCPAddr,
		"tls", cfg.Server.TLS.Enabled(),
		"ws_enabled", cfg.Server.WSEnabled,
		"health_enabled", cfg.Server.HealthEnabled,
		"strategy", cfg.Session.Strategy,
		"storage", cfg.Storage.Type,
		"log_level", cfg.Log.Level)

	store, err := newStore(cfg.Storage)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	var otelShutdown func(context.Context) error
	var metrics *otel.Metrics
	var tracer trace.Tracer

	if cfg.Otel.MetricsEnabled || cfg.Otel.TracesEnabled {
		shutdown, err := otel.InitProvider(cfg.Otel, cfg.Server.NodeID)
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
		}
		if cfg.Otel.TracesEnabled {
			tracer = otelapi.Tracer("vtbridge")
			slog.Info("Distributed tracing enabled", "sample_rate", cfg.Otel.TraceSampleRate)
		}
	} else {
		slog.Info("OpenTelemetry disabled")
	}

	var notifier webhook.Notifier
	if cfg.Webhook.Enabled {
		wh, err := webhook.NewNotifier(cfg.Webhook, cfg.Server.NodeID, webhook.NewHTTPSender(), logger)
		if err != nil {
			slog.Error("Failed to initialize webhooks", "error", err)
			os.Exit(1)
		}
		notifier = wh
		defer wh.Close()
		slog.Info("Webhooks enabled",
			"endpoints", len(cfg.Webhook.Endpoints),
			"workers", cfg.Webhook.Workers,
			"queue_size", cfg.Webhook.QueueSize)
	}

	var limits *ratelimit.Manager
	if cfg.RateLimit.Enabled {
		limits = ratelimit.NewManager(cfg.RateLimit)
		defer limits.Stop()
		slog.Info("Rate limiting enabled",
			slog.Bool("connection", cfg.RateLimit.Connection.Enabled),
			slog.Bool("publish", cfg.RateLimit.Publish.Enabled),
			slog.Bool("subscribe", cfg.RateLimit.Subscribe.Enabled))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := broker.New(ctx, store,
		broker.WithLogger(logger),
		broker.WithMetrics(metrics),
		broker.WithTopicBuffer(cfg.Session.TopicBuffer))
	if err != nil {
		slog.Error("Failed to start broker", "error", err)
		os.Exit(1)
	}
	defer b.Close()

	opts := []session.Option{
		session.WithLogger(logger),
		session.WithMetrics(metrics),
		session.WithTracer(tracer),
	}
	if notifier != nil {
		opts = append(opts, session.WithNotifier(notifier))
	}
	if limits != nil {
		opts = append(opts, session.WithRateLimits(limits))
	}
	sessions := session.NewManager(session.Config{
		Strategy:             cfg.Session.Strategy,
		SubscriptionPrefetch: cfg.Session.SubscriptionPrefetch,
		MaxQoS:               cfg.Session.MaxQoS,
		MaxMessageSize:       cfg.Session.MaxMessageSize,
		ConnectTimeout:       cfg.Session.ConnectTimeout,
		WriteTimeout:         cfg.Session.WriteTimeout,
	}, b, opts...)

	tlsConfig, err := tlsconfig.LoadTLSConfig(&cfg.Server.TLS)
	if err != nil {
		slog.Error("Failed to load TLS configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("MQTT listener security", "status", tlsconfig.SecurityStatus(tlsConfig))

	var wg sync.WaitGroup
	errCh := make(chan error, 3)
	run := func(name string, listen func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := listen(ctx); err != nil && !errors.Is(err, tcp.ErrShutdownTimeout) {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	if cfg.Server.TCPAddr != "" {
		srv := tcp.New(tcp.Config{
			Address:         cfg.Server.TCPAddr,
			TLSConfig:       tlsConfig,
			Logger:          logger,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			MaxConnections:  cfg.Server.TCPMaxConn,
		}, sessions)
		run("tcp", srv.Listen)
	}

	if cfg.Server.WSEnabled {
		srv := websocket.New(websocket.Config{
			Address:         cfg.Server.WSAddr,
			Path:            cfg.Server.WSPath,
			AllowedOrigins:  cfg.Server.WSAllowedOrigin,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, sessions, logger)
		run("websocket", srv.Listen)
	}

	if cfg.Server.HealthEnabled {
		srv := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			NodeID:          cfg.Server.NodeID,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, b, sessions, logger)
		run("health", srv.Listen)
	}

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-errCh:
		slog.Error("Server failed", "error", err)
		stop()
	}
	wg.Wait()

	if otelShutdown != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Error("OpenTelemetry shutdown error", "error", err)
		}
		cancel()
	}

	slog.Info("Bridge stopped")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

func newStore(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "memory":
		slog.Info("Using in-memory storage")
		return memory.New(), nil
	case "badger":
		compression, err := badger.ParseCompression(cfg.Compression)
		if err != nil {
			return nil, err
		}
		s, err := badger.New(badger.Config{
			Dir:         cfg.BadgerDir,
			Compression: compression,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("Using BadgerDB persistent storage", "dir", cfg.BadgerDir, "compression", cfg.Compression)
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}
