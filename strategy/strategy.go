// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package strategy maps MQTT subscriptions onto broker destinations.
//
// A Strategy decides which broker destination backs an MQTT subscription,
// how publish topics are named on the broker, and what happens to
// server-side subscription state when a client connects. Each client
// connection owns one Strategy instance.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/absmach/vtbridge/broker"
	"github.com/absmach/vtbridge/broker/webhook"
	"github.com/absmach/vtbridge/server/otel"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Registered strategy names.
const (
	NameDefault      = "default"
	NameVirtualTopic = "virtual-topic"
)

var (
	// ErrRestoreDurable is returned by OnConnect when the persisted
	// subscription state cannot be read. The connection must be refused.
	ErrRestoreDurable  = errors.New("error restoring durable subscriptions")
	ErrUnknownStrategy = errors.New("unknown subscription strategy")
)

// Strategy is the contract every subscription strategy implements.
type Strategy interface {
	// OnConnect runs once per CONNECT, before any SUBSCRIBE is handled.
	OnConnect(ctx context.Context, cleanStart bool) error

	// OnSubscribe binds a consumer for a new subscription and returns the
	// SUBACK return code.
	OnSubscribe(ctx context.Context, topic string, qos QoS) (byte, error)

	// OnReSubscribe handles a SUBSCRIBE repeating an existing subscription.
	OnReSubscribe(ctx context.Context, sub *Subscription) error

	// OnUnSubscribe runs after the subscription's consumer was removed.
	OnUnSubscribe(ctx context.Context, sub *Subscription) error

	// OnSend maps an MQTT publish topic to its broker destination.
	OnSend(topic string) broker.Destination

	// OnDeliver maps a broker destination back to an MQTT topic name.
	OnDeliver(dest broker.Destination) string

	// IsControlTopic reports administrative topics excluded from routing.
	IsControlTopic(dest broker.Destination) bool
}

// Protocol is the per-connection side a strategy drives.
type Protocol interface {
	ClientID() string
	CleanSession() bool
	ConnectionID() string

	// NextConsumerID allocates a consumer ID that was never used on this connection.
	NextConsumerID() broker.ConsumerID

	// Prefetch is the configured prefetch for subscription consumers.
	Prefetch() int

	// DoSubscribe binds info, records the subscription under topic and
	// returns the SUBACK return code.
	DoSubscribe(ctx context.Context, info broker.ConsumerInfo, topic string, qos QoS) (byte, error)

	// DoUnSubscribe removes the subscription's consumer and forgets it.
	DoUnSubscribe(ctx context.Context, sub *Subscription) error

	// Request sends cmd to the broker and waits for the outcome.
	Request(ctx context.Context, cmd broker.Command) error

	// Forget sends cmd to the broker without waiting; the outcome is
	// discarded.
	Forget(cmd broker.Command)
}

// QueueLister enumerates persisted queues.
type QueueLister interface {
	ListQueues(ctx context.Context, match func(broker.Destination) bool) ([]broker.Destination, error)
}

// Subscription is an active MQTT subscription and the consumer serving it.
type Subscription struct {
	TopicName string
	QoS       QoS
	Consumer  broker.ConsumerInfo
}

// Destination returns the broker destination the subscription consumes from.
func (s *Subscription) Destination() broker.Destination {
	return s.Consumer.Destination
}

// consumerInfo builds the binding every strategy uses.
func consumerInfo(p Protocol, dest broker.Destination) broker.ConsumerInfo {
	return broker.ConsumerInfo{
		ConsumerID:    p.NextConsumerID(),
		Destination:   dest,
		Prefetch:      p.Prefetch(),
		Retroactive:   true,
		DispatchAsync: true,
	}
}

type options struct {
	logger   *slog.Logger
	metrics  *otel.Metrics
	tracer   trace.Tracer
	webhooks webhook.Notifier
}

// Option configures a Strategy.
type Option func(*options)

// WithLogger sets the strategy logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics enables OTel metrics.
func WithMetrics(m *otel.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithTracer sets the tracer used for CONNECT-time recovery spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithNotifier sends durable subscription events to webhooks.
func WithNotifier(n webhook.Notifier) Option {
	return func(o *options) { o.webhooks = n }
}

func newOptions(opts []Option) options {
	o := options{
		logger: slog.Default(),
		tracer: noop.NewTracerProvider().Tracer("strategy"),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New returns the strategy registered under name for one connection.
func New(name string, p Protocol, queues QueueLister, opts ...Option) (Strategy, error) {
	switch name {
	case NameDefault:
		return NewBase(p, opts...), nil
	case NameVirtualTopic, "":
		return NewVirtualTopic(p, queues, opts...), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
}
