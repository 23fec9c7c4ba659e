// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/vtbridge/broker/events"
	"github.com/absmach/vtbridge/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSender struct {
	mu       sync.Mutex
	calls    atomic.Int32
	sendFunc func(ctx context.Context) error
	payloads [][]byte
	headers  map[string]string
}

func (m *mockSender) Send(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error {
	m.calls.Add(1)
	m.mu.Lock()
	m.payloads = append(m.payloads, payload)
	m.headers = headers
	m.mu.Unlock()
	if m.sendFunc != nil {
		return m.sendFunc(ctx)
	}
	return nil
}

func (m *mockSender) count() int { return int(m.calls.Load()) }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(endpoints ...config.WebhookEndpoint) config.WebhookConfig {
	cfg := config.Default().Webhook
	cfg.Enabled = true
	cfg.QueueSize = 100
	cfg.Workers = 1
	cfg.ShutdownTimeout = 2 * time.Second
	cfg.Defaults.Retry.MaxAttempts = 1
	cfg.Endpoints = endpoints
	if len(endpoints) == 0 {
		cfg.Endpoints = []config.WebhookEndpoint{{Name: "test", URL: "http://example.com/hook"}}
	}
	return cfg
}

func TestNewNotifier(t *testing.T) {
	n, err := NewNotifier(testConfig(config.WebhookEndpoint{
		Name:    "audit",
		URL:     "http://example.com/hook",
		Headers: map[string]string{"Authorization": "Bearer token"},
		Timeout: 2 * time.Second,
	}), "vtbridge-1", &mockSender{}, testLogger())
	require.NoError(t, err)
	defer n.Close()

	require.Len(t, n.endpoints, 1)
	assert.Equal(t, 2*time.Second, n.endpoints[0].timeout)
}

func TestNewNotifier_NilSender(t *testing.T) {
	_, err := NewNotifier(testConfig(), "vtbridge-1", nil, nil)
	assert.ErrorIs(t, err, errNilSender)
}

func TestNotifier_Envelope(t *testing.T) {
	sender := &mockSender{}
	n, err := NewNotifier(testConfig(), "vtbridge-1", sender, testLogger())
	require.NoError(t, err)
	defer n.Close()

	require.NoError(t, n.Notify(context.Background(), events.DurableRestored{
		ClientID: "car1",
		Queues:   []string{"Consumer.car1:AT_LEAST_ONCE.VirtualTopic.a"},
	}))
	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 10*time.Millisecond)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	var env map[string]any
	require.NoError(t, json.Unmarshal(sender.payloads[0], &env))
	assert.Equal(t, events.TypeDurableRestored, env["event_type"])
	assert.Equal(t, "vtbridge-1", env["broker_id"])
	assert.NotEmpty(t, env["event_id"])
}

func TestNotifier_EventTypeFilter(t *testing.T) {
	sender := &mockSender{}
	n, err := NewNotifier(testConfig(config.WebhookEndpoint{
		Name:   "test",
		URL:    "http://example.com/hook",
		Events: []string{events.TypeClientConnected},
	}), "vtbridge-1", sender, testLogger())
	require.NoError(t, err)
	defer n.Close()

	require.NoError(t, n.Notify(context.Background(), events.ClientConnected{ClientID: "c1"}))
	require.NoError(t, n.Notify(context.Background(), events.ClientDisconnected{ClientID: "c1"}))

	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, sender.count())
}

func TestEndpoint_Accepts(t *testing.T) {
	ep := newEndpoint(testConfig(), config.WebhookEndpoint{
		Name:         "test",
		URL:          "http://example.com/hook",
		TopicFilters: []string{"sensors/#", "devices/+/telemetry"},
	}, testLogger())

	tests := []struct {
		topic string
		want  bool
	}{
		{"sensors/temperature", true},
		{"sensors/humidity/room1", true},
		{"sensors", true},
		{"devices/d1/telemetry", true},
		{"devices/d1/status", false},
		{"other/topic", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ep.accepts(events.MessagePublished{MessageTopic: tt.topic}), tt.topic)
	}

	// Events without a topic ignore topic filters.
	assert.True(t, ep.accepts(events.ClientConnected{ClientID: "c1"}))
}

func TestNotifier_Retry(t *testing.T) {
	sender := &mockSender{}
	sender.sendFunc = func(context.Context) error {
		if sender.count() < 3 {
			return errors.New("temporary failure")
		}
		return nil
	}

	cfg := testConfig()
	cfg.Defaults.Retry = config.RetryConfig{
		MaxAttempts:     3,
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     100 * time.Millisecond,
		Multiplier:      2,
	}
	n, err := NewNotifier(cfg, "vtbridge-1", sender, testLogger())
	require.NoError(t, err)
	defer n.Close()

	require.NoError(t, n.Notify(context.Background(), events.ClientConnected{ClientID: "c1"}))
	require.Eventually(t, func() bool { return sender.count() == 3 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 3, sender.count())
}

func TestNotifier_CircuitBreakerOpens(t *testing.T) {
	sender := &mockSender{sendFunc: func(context.Context) error { return errors.New("down") }}

	cfg := testConfig()
	cfg.Defaults.CircuitBreaker = config.CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute}
	n, err := NewNotifier(cfg, "vtbridge-1", sender, testLogger())
	require.NoError(t, err)
	defer n.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, n.Notify(context.Background(), events.ClientConnected{ClientID: "c1"}))
	}
	require.Eventually(t, func() bool { return len(n.jobs) == 0 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, sender.count())
}

func TestNotifier_DropNewest(t *testing.T) {
	release := make(chan struct{})
	sender := &mockSender{sendFunc: func(context.Context) error {
		<-release
		return nil
	}}

	cfg := testConfig()
	cfg.QueueSize = 2
	cfg.DropPolicy = "newest"
	n, err := NewNotifier(cfg, "vtbridge-1", sender, testLogger())
	require.NoError(t, err)

	// The first event occupies the worker; two fill the queue; the rest drop.
	require.NoError(t, n.Notify(context.Background(), events.ClientConnected{ClientID: "c0"}))
	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 5*time.Millisecond)
	for i := 0; i < 5; i++ {
		require.NoError(t, n.Notify(context.Background(), events.ClientConnected{ClientID: "c"}))
	}
	assert.Equal(t, 2, len(n.jobs))

	close(release)
	require.NoError(t, n.Close())
	assert.Equal(t, 3, sender.count())
}

func TestNotifier_NotifyAfterClose(t *testing.T) {
	n, err := NewNotifier(testConfig(), "vtbridge-1", &mockSender{}, testLogger())
	require.NoError(t, err)
	require.NoError(t, n.Close())

	assert.Error(t, n.Notify(context.Background(), events.ClientConnected{ClientID: "c1"}))
}

func TestBackoff(t *testing.T) {
	cfg := config.RetryConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      2,
	}
	assert.Equal(t, 100*time.Millisecond, backoff(1, cfg))
	assert.Equal(t, 200*time.Millisecond, backoff(2, cfg))
	assert.Equal(t, 400*time.Millisecond, backoff(3, cfg))
	assert.Equal(t, time.Second, backoff(10, cfg))
}
