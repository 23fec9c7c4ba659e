// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry metric instruments for the bridge.
type Metrics struct {
	meter metric.Meter

	// Counters
	connectionsTotal    metric.Int64Counter
	disconnectionsTotal metric.Int64Counter
	messagesReceived    metric.Int64Counter
	messagesSent        metric.Int64Counter
	messagesEnqueued    metric.Int64Counter
	bytesReceived       metric.Int64Counter
	bytesSent           metric.Int64Counter
	durableRestored     metric.Int64Counter
	durablePurged       metric.Int64Counter
	errorsTotal         metric.Int64Counter

	// UpDownCounters (Gauges)
	connectionsCurrent  metric.Int64UpDownCounter
	subscriptionsActive metric.Int64UpDownCounter
	retainedMessages    metric.Int64UpDownCounter

	// Histograms
	messageSize     metric.Int64Histogram
	publishDuration metric.Float64Histogram
}

// NewMetrics creates a new Metrics instance with all instruments initialized.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("vtbridge"),
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.connectionsTotal, "mqtt.connections.total", "Total number of MQTT connections"},
		{&m.disconnectionsTotal, "mqtt.disconnections.total", "Total number of MQTT disconnections"},
		{&m.messagesReceived, "mqtt.messages.received.total", "Total messages received from clients"},
		{&m.messagesSent, "mqtt.messages.sent.total", "Total messages sent to clients"},
		{&m.messagesEnqueued, "broker.messages.enqueued.total", "Total messages copied into durable queues"},
		{&m.bytesReceived, "mqtt.bytes.received.total", "Total bytes received"},
		{&m.bytesSent, "mqtt.bytes.sent.total", "Total bytes sent"},
		{&m.durableRestored, "strategy.durable.restored.total", "Durable subscriptions re-bound on reconnect"},
		{&m.durablePurged, "strategy.durable.purged.total", "Durable queues removed by clean sessions"},
		{&m.errorsTotal, "mqtt.errors.total", "Total errors by type"},
	}
	for _, c := range counters {
		counter, err := m.meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = counter
	}

	var err error

	m.connectionsCurrent, err = m.meter.Int64UpDownCounter(
		"mqtt.connections.current",
		metric.WithDescription("Current number of active MQTT connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connectionsCurrent gauge: %w", err)
	}

	m.subscriptionsActive, err = m.meter.Int64UpDownCounter(
		"mqtt.subscriptions.active",
		metric.WithDescription("Number of active subscriptions by destination kind"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscriptionsActive gauge: %w", err)
	}

	m.retainedMessages, err = m.meter.Int64UpDownCounter(
		"broker.retained.messages",
		metric.WithDescription("Number of retained messages"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retainedMessages gauge: %w", err)
	}

	m.messageSize, err = m.meter.Int64Histogram(
		"mqtt.message.size.bytes",
		metric.WithDescription("Message payload size distribution"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messageSize histogram: %w", err)
	}

	m.publishDuration, err = m.meter.Float64Histogram(
		"broker.publish.duration.ms",
		metric.WithDescription("Publish routing duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create publishDuration histogram: %w", err)
	}

	return m, nil
}

// RecordConnection records a new connection.
func (m *Metrics) RecordConnection(version string) {
	ctx := context.Background()
	m.connectionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("version", version),
	))
	m.connectionsCurrent.Add(ctx, 1)
}

// RecordDisconnection records a disconnection.
func (m *Metrics) RecordDisconnection(reason string) {
	ctx := context.Background()
	m.disconnectionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
	m.connectionsCurrent.Add(ctx, -1)
}

// RecordMessageReceived records a message received from a client.
func (m *Metrics) RecordMessageReceived(qos byte, sizeBytes int64) {
	ctx := context.Background()
	m.messagesReceived.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("qos", int(qos)),
	))
	m.bytesReceived.Add(ctx, sizeBytes)
	m.messageSize.Record(ctx, sizeBytes)
}

// RecordMessageSent records a message sent to a client.
func (m *Metrics) RecordMessageSent(qos byte, sizeBytes int64) {
	ctx := context.Background()
	m.messagesSent.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("qos", int(qos)),
	))
	m.bytesSent.Add(ctx, sizeBytes)
}

// RecordEnqueued records a message copied into a durable queue.
func (m *Metrics) RecordEnqueued() {
	m.messagesEnqueued.Add(context.Background(), 1)
}

// RecordSubscriptionAdded records a new subscription. kind is "queue" or "topic".
func (m *Metrics) RecordSubscriptionAdded(kind string) {
	m.subscriptionsActive.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("kind", kind),
	))
}

// RecordSubscriptionRemoved records a subscription removal.
func (m *Metrics) RecordSubscriptionRemoved(kind string) {
	m.subscriptionsActive.Add(context.Background(), -1, metric.WithAttributes(
		attribute.String("kind", kind),
	))
}

// RecordDurableRestored records durable subscriptions re-bound during CONNECT.
func (m *Metrics) RecordDurableRestored(n int) {
	m.durableRestored.Add(context.Background(), int64(n))
}

// RecordDurablePurged records durable queues removed for a clean session.
func (m *Metrics) RecordDurablePurged(n int) {
	m.durablePurged.Add(context.Background(), int64(n))
}

// RecordRetainedSet records a retained message being set.
func (m *Metrics) RecordRetainedSet() {
	m.retainedMessages.Add(context.Background(), 1)
}

// RecordRetainedDeleted records a retained message being deleted.
func (m *Metrics) RecordRetainedDeleted() {
	m.retainedMessages.Add(context.Background(), -1)
}

// RecordError records an error by type.
func (m *Metrics) RecordError(errorType string) {
	m.errorsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("type", errorType),
	))
}

// RecordPublishDuration records the duration of a publish operation.
func (m *Metrics) RecordPublishDuration(durationMs float64) {
	m.publishDuration.Record(context.Background(), durationMs)
}
