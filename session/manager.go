// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package session converts MQTT 3.1 and 3.1.1 connections into broker
// commands. Each connection gets a Session, which drives a subscription
// strategy and receives the messages of the consumers it binds.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/vtbridge/broker"
	"github.com/absmach/vtbridge/broker/events"
	"github.com/absmach/vtbridge/broker/webhook"
	tlsconfig "github.com/absmach/vtbridge/pkg/tls"
	"github.com/absmach/vtbridge/ratelimit"
	"github.com/absmach/vtbridge/server/otel"
	"github.com/absmach/vtbridge/strategy"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrExpectedConnect = errors.New("first packet must be CONNECT")
	ErrConnectRefused  = errors.New("connection refused")
	ErrRateLimited     = errors.New("connection rate limit exceeded")
)

// Config holds session settings.
type Config struct {
	Strategy             string
	SubscriptionPrefetch int
	MaxQoS               byte
	MaxMessageSize       int
	MaxInflight          int
	ConnectTimeout       time.Duration
	OutboundQueue        int
	WriteFlushTimeout    time.Duration
	WriteTimeout         time.Duration // per packet; a client that stops reading is dropped
}

// DefaultConfig returns the settings used for zero fields.
func DefaultConfig() Config {
	return Config{
		Strategy:             strategy.NameVirtualTopic,
		SubscriptionPrefetch: 100,
		MaxQoS:               2,
		MaxMessageSize:       1024 * 1024,
		MaxInflight:          65535,
		ConnectTimeout:       10 * time.Second,
		OutboundQueue:        1024,
		WriteFlushTimeout:    time.Second,
		WriteTimeout:         10 * time.Second,
	}
}

func (c *Config) setDefaults() {
	def := DefaultConfig()
	if c.Strategy == "" {
		c.Strategy = def.Strategy
	}
	if c.SubscriptionPrefetch <= 0 {
		c.SubscriptionPrefetch = def.SubscriptionPrefetch
	}
	if c.MaxQoS > 2 {
		c.MaxQoS = def.MaxQoS
	}
	if c.MaxInflight <= 0 {
		c.MaxInflight = def.MaxInflight
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = def.OutboundQueue
	}
	if c.WriteFlushTimeout <= 0 {
		c.WriteFlushTimeout = def.WriteFlushTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
}

// Manager accepts MQTT connections and tracks the session of every
// connected client ID.
type Manager struct {
	cfg    Config
	broker *broker.Broker
	logger *slog.Logger

	metrics  *otel.Metrics
	notifier webhook.Notifier
	limits   *ratelimit.Manager
	tracer   trace.Tracer

	locks    keyLock
	mu       sync.Mutex
	sessions map[string]*Session
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics enables OTel metrics.
func WithMetrics(metrics *otel.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithNotifier sends connection and subscription events to webhooks.
func WithNotifier(n webhook.Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// WithRateLimits enables connection, publish and subscribe limits.
func WithRateLimits(l *ratelimit.Manager) Option {
	return func(m *Manager) { m.limits = l }
}

// WithTracer sets the tracer handed to strategies.
func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) { m.tracer = t }
}

// NewManager creates a session manager on top of b.
func NewManager(cfg Config, b *broker.Broker, opts ...Option) *Manager {
	cfg.setDefaults()
	m := &Manager{
		cfg:      cfg,
		broker:   b,
		logger:   slog.Default(),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Handle runs the MQTT protocol on nc until the client goes away or ctx is
// cancelled. It owns nc and closes it before returning.
func (m *Manager) Handle(ctx context.Context, nc net.Conn) error {
	if m.limits != nil && !m.limits.AllowConnection(nc.RemoteAddr()) {
		_ = nc.Close()
		if m.metrics != nil {
			m.metrics.RecordError("connection_rate_limited")
		}
		return ErrRateLimited
	}

	c := newConn(nc, m.cfg.OutboundQueue, m.cfg.MaxMessageSize, m.cfg.WriteTimeout)
	_ = c.setReadDeadline(m.cfg.ConnectTimeout)

	pkt, err := c.ReadPacket()
	if err != nil {
		_ = c.Close()
		return fmt.Errorf("failed to read CONNECT: %w", err)
	}
	connect, ok := pkt.(*packets.ConnectPacket)
	if !ok {
		_ = c.Close()
		return ErrExpectedConnect
	}

	if code := connect.Validate(); code != packets.Accepted {
		m.refuse(c, code)
		return fmt.Errorf("%w: return code %d", ErrConnectRefused, code)
	}
	if connect.ClientIdentifier == "" {
		id, err := GenerateClientID()
		if err != nil {
			m.refuse(c, packets.ErrRefusedServerUnavailable)
			return err
		}
		connect.ClientIdentifier = id
	}

	clientID := connect.ClientIdentifier
	m.locks.Lock(clientID)
	s, err := m.open(ctx, c, connect)
	m.locks.Unlock(clientID)
	if err != nil {
		return err
	}

	return s.serve(ctx)
}

// open takes over an existing session with the same client ID, runs the
// strategy's CONNECT hook and acknowledges the connection.
func (m *Manager) open(ctx context.Context, c *conn, connect *packets.ConnectPacket) (*Session, error) {
	clientID := connect.ClientIdentifier
	s := newSession(m, c, uuid.NewString(), connect)

	if old := m.lookup(clientID); old != nil {
		old.close("takeover")
		<-old.Done()
		m.notify(ctx, events.SessionTakeover{
			ClientID:       clientID,
			FromConnection: old.id,
			ToConnection:   s.id,
		})
		m.logger.Info("session taken over",
			slog.String("client_id", clientID),
			slog.String("from", old.id),
			slog.String("to", s.id))
	}

	fail := func(code byte, err error) (*Session, error) {
		m.refuse(c, code)
		s.closePipeline()
		m.broker.Disconnect(context.WithoutCancel(ctx), s.id)
		return nil, err
	}

	if err := m.broker.Connect(s.id, s); err != nil {
		return fail(packets.ErrRefusedServerUnavailable, err)
	}

	opts := []strategy.Option{strategy.WithLogger(s.logger), strategy.WithMetrics(m.metrics)}
	if m.tracer != nil {
		opts = append(opts, strategy.WithTracer(m.tracer))
	}
	if m.notifier != nil {
		opts = append(opts, strategy.WithNotifier(m.notifier))
	}
	strat, err := strategy.New(m.cfg.Strategy, s, m.broker, opts...)
	if err != nil {
		return fail(packets.ErrRefusedServerUnavailable, err)
	}
	s.strategy = strat

	if err := strat.OnConnect(ctx, s.clean); err != nil {
		s.logger.Error("connect refused", slog.String("error", err.Error()))
		return fail(packets.ErrRefusedServerUnavailable, err)
	}

	present := !s.clean && len(s.Subscriptions()) > 0
	ack := packets.NewControlPacket(packets.Connack).(*packets.ConnackPacket)
	ack.ReturnCode = packets.Accepted
	ack.SessionPresent = present

	m.mu.Lock()
	m.sessions[clientID] = s
	m.mu.Unlock()

	if err := c.WriteControl(ack); err != nil {
		s.close("error")
		return nil, fmt.Errorf("failed to write CONNACK: %w", err)
	}
	c.start()

	version := "3.1.1"
	if connect.ProtocolVersion == 3 {
		version = "3.1"
	}
	if m.metrics != nil {
		m.metrics.RecordConnection(version)
	}
	m.notify(ctx, events.ClientConnected{
		ClientID:       clientID,
		Version:        version,
		CleanSession:   s.clean,
		SessionPresent: present,
		KeepAlive:      connect.Keepalive,
		RemoteAddr:     c.RemoteAddr().String(),
	})
	attrs := []any{
		slog.String("version", version),
		slog.Bool("clean_session", s.clean),
		slog.Bool("session_present", present),
		slog.String("remote", c.RemoteAddr().String()),
	}
	if cert, err := tlsconfig.ClientCert(c.nc); err == nil && cert.Subject.CommonName != "" {
		attrs = append(attrs, slog.String("cert_cn", cert.Subject.CommonName))
	}
	s.logger.Info("client connected", attrs...)

	return s, nil
}

func (m *Manager) refuse(c *conn, code byte) {
	ack := packets.NewControlPacket(packets.Connack).(*packets.ConnackPacket)
	ack.ReturnCode = code
	if err := c.WriteControl(ack); err != nil {
		m.logger.Debug("failed to write CONNACK", slog.String("error", err.Error()))
	}
	_ = c.Close()
}

func (m *Manager) lookup(clientID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[clientID]
}

// remove drops s unless a newer session already replaced it.
func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.clientID] == s {
		delete(m.sessions, s.clientID)
	}
}

// Session returns the connected session of a client, if any.
func (m *Manager) Session(clientID string) (*Session, bool) {
	s := m.lookup(clientID)
	return s, s != nil
}

// Count returns the number of connected clients.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) notify(ctx context.Context, e events.Event) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Notify(ctx, e); err != nil {
		m.logger.Debug("webhook notify failed", slog.String("error", err.Error()))
	}
}
