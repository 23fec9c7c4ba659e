// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/absmach/vtbridge/broker"
	"github.com/absmach/vtbridge/session"
	"github.com/absmach/vtbridge/storage/memory"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tokenTimeout = 2 * time.Second

func nullLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startServer runs a TCP server backed by an in-memory broker and returns
// its address.
func startServer(t *testing.T, tlsConfig *tls.Config) string {
	t.Helper()

	b, err := broker.New(context.Background(), memory.New(), broker.WithLogger(nullLogger()))
	require.NoError(t, err)

	m := session.NewManager(session.DefaultConfig(), b, session.WithLogger(nullLogger()))
	server := New(Config{
		Address:         "127.0.0.1:0",
		TLSConfig:       tlsConfig,
		ShutdownTimeout: time.Second,
		Logger:          nullLogger(),
	}, m)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- server.Listen(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(3 * time.Second):
			t.Error("server shutdown timeout")
		}
		b.Close()
	})

	require.Eventually(t, func() bool { return server.Addr() != nil }, tokenTimeout, 5*time.Millisecond)
	return server.Addr().String()
}

func newClient(t *testing.T, url, clientID string, clean bool, configure ...func(*mqtt.ClientOptions)) mqtt.Client {
	t.Helper()

	opts := mqtt.NewClientOptions().
		AddBroker(url).
		SetClientID(clientID).
		SetCleanSession(clean).
		SetAutoReconnect(false).
		SetConnectTimeout(tokenTimeout)
	for _, fn := range configure {
		fn(opts)
	}

	c := mqtt.NewClient(opts)
	tok := c.Connect()
	require.True(t, tok.WaitTimeout(tokenTimeout), "connect timed out")
	require.NoError(t, tok.Error())
	t.Cleanup(func() {
		if c.IsConnected() {
			c.Disconnect(50)
		}
	})
	return c
}

func TestPahoPublishSubscribe(t *testing.T) {
	url := "tcp://" + startServer(t, nil)

	got := make(chan mqtt.Message, 1)
	sub := newClient(t, url, "sub", true)
	tok := sub.Subscribe("sensors/+", 1, func(_ mqtt.Client, m mqtt.Message) { got <- m })
	require.True(t, tok.WaitTimeout(tokenTimeout))
	require.NoError(t, tok.Error())

	pub := newClient(t, url, "pub", true)
	tok = pub.Publish("sensors/temp", 1, false, "21.5")
	require.True(t, tok.WaitTimeout(tokenTimeout))
	require.NoError(t, tok.Error())

	select {
	case m := <-got:
		assert.Equal(t, "sensors/temp", m.Topic())
		assert.Equal(t, "21.5", string(m.Payload()))
		assert.Equal(t, byte(1), m.Qos())
	case <-time.After(tokenTimeout):
		t.Fatal("message not delivered")
	}
}

func TestPahoDurableSubscription(t *testing.T) {
	url := "tcp://" + startServer(t, nil)

	car := newClient(t, url, "car1", false)
	tok := car.Subscribe("alerts/#", 1, nil)
	require.True(t, tok.WaitTimeout(tokenTimeout))
	require.NoError(t, tok.Error())
	car.Disconnect(50)

	pub := newClient(t, url, "pub", true)
	ptok := pub.Publish("alerts/fire", 1, false, "now")
	require.True(t, ptok.WaitTimeout(tokenTimeout))
	require.NoError(t, ptok.Error())

	got := make(chan mqtt.Message, 1)
	opts := mqtt.NewClientOptions().
		AddBroker(url).
		SetClientID("car1").
		SetCleanSession(false).
		SetAutoReconnect(false).
		SetDefaultPublishHandler(func(_ mqtt.Client, m mqtt.Message) { got <- m })
	car = mqtt.NewClient(opts)
	ctok := car.Connect()
	require.True(t, ctok.WaitTimeout(tokenTimeout))
	require.NoError(t, ctok.Error())
	defer car.Disconnect(50)
	assert.True(t, ctok.(*mqtt.ConnectToken).SessionPresent())

	select {
	case m := <-got:
		assert.Equal(t, "alerts/fire", m.Topic())
		assert.Equal(t, "now", string(m.Payload()))
	case <-time.After(tokenTimeout):
		t.Fatal("stored message not delivered after reconnect")
	}
}
