// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/absmach/vtbridge/broker"
	"github.com/absmach/vtbridge/session"
	"github.com/absmach/vtbridge/storage/memory"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

func nullLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startServer serves the WebSocket handler from an httptest server and
// returns its ws:// URL.
func startServer(t *testing.T, cfg Config) string {
	t.Helper()

	b, err := broker.New(context.Background(), memory.New(), broker.WithLogger(nullLogger()))
	require.NoError(t, err)
	m := session.NewManager(session.DefaultConfig(), b, session.WithLogger(nullLogger()))

	s := New(cfg, m, nullLogger())
	hs := httptest.NewServer(http.HandlerFunc(s.handleWebSocket))
	t.Cleanup(func() {
		hs.CloseClientConnections()
		hs.Close()
		b.Close()
	})
	return "ws" + strings.TrimPrefix(hs.URL, "http") + "/mqtt"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	dialer := websocket.Dialer{Subprotocols: []string{"mqtt"}, HandshakeTimeout: waitTimeout}
	ws, resp, err := dialer.Dial(url, nil)
	require.NoError(t, err)
	assert.Equal(t, "mqtt", resp.Header.Get("Sec-WebSocket-Protocol"))
	t.Cleanup(func() { ws.Close() })
	return ws
}

func connectBytes(t *testing.T, clientID string) []byte {
	t.Helper()
	p := packets.NewControlPacket(packets.Connect).(*packets.ConnectPacket)
	p.ProtocolName = "MQTT"
	p.ProtocolVersion = 4
	p.ClientIdentifier = clientID
	p.CleanSession = true
	p.Keepalive = 30

	var buf bytes.Buffer
	require.NoError(t, p.Write(&buf))
	return buf.Bytes()
}

func readPacket(t *testing.T, ws *websocket.Conn) packets.ControlPacket {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(waitTimeout)))
	mt, r, err := ws.NextReader()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, mt)
	pkt, err := packets.ReadPacket(r)
	require.NoError(t, err)
	return pkt
}

func TestConnectOverWebSocket(t *testing.T) {
	ws := dial(t, startServer(t, Config{}))

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, connectBytes(t, "ws-client")))

	ack, ok := readPacket(t, ws).(*packets.ConnackPacket)
	require.True(t, ok)
	assert.Equal(t, byte(packets.Accepted), ack.ReturnCode)
}

func TestPacketSplitAcrossFrames(t *testing.T) {
	ws := dial(t, startServer(t, Config{}))

	raw := connectBytes(t, "split-client")
	half := len(raw) / 2
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, raw[:half]))
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, raw[half:]))

	_, ok := readPacket(t, ws).(*packets.ConnackPacket)
	assert.True(t, ok)
}

func TestTextFrameClosesConnection(t *testing.T) {
	ws := dial(t, startServer(t, Config{}))

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("hello")))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(waitTimeout)))
	_, _, err := ws.ReadMessage()
	assert.Error(t, err)
}

func TestOriginCheck(t *testing.T) {
	check := checkOrigin([]string{"https://app.example.com"})

	req := httptest.NewRequest(http.MethodGet, "/mqtt", nil)
	assert.True(t, check(req), "requests without Origin are allowed")

	req.Header.Set("Origin", "https://app.example.com")
	assert.True(t, check(req))

	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, check(req))

	assert.True(t, checkOrigin(nil)(req))
}

func TestRejectedOrigin(t *testing.T) {
	url := startServer(t, Config{AllowedOrigins: []string{"https://app.example.com"}})

	header := http.Header{}
	header.Set("Origin", "https://evil.example.com")
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestPahoOverWebSocket(t *testing.T) {
	url := startServer(t, Config{})

	connect := func(id string) mqtt.Client {
		opts := mqtt.NewClientOptions().
			AddBroker(url).
			SetClientID(id).
			SetAutoReconnect(false).
			SetConnectTimeout(waitTimeout)
		c := mqtt.NewClient(opts)
		tok := c.Connect()
		require.True(t, tok.WaitTimeout(waitTimeout))
		require.NoError(t, tok.Error())
		t.Cleanup(func() { c.Disconnect(50) })
		return c
	}

	got := make(chan mqtt.Message, 1)
	sub := connect("ws-sub")
	tok := sub.Subscribe("cars/+/speed", 1, func(_ mqtt.Client, m mqtt.Message) { got <- m })
	require.True(t, tok.WaitTimeout(waitTimeout))
	require.NoError(t, tok.Error())

	pub := connect("ws-pub")
	tok = pub.Publish("cars/car1/speed", 1, false, "88")
	require.True(t, tok.WaitTimeout(waitTimeout))
	require.NoError(t, tok.Error())

	select {
	case m := <-got:
		assert.Equal(t, "cars/car1/speed", m.Topic())
		assert.Equal(t, "88", string(m.Payload()))
	case <-time.After(waitTimeout):
		t.Fatal("message not delivered over websocket")
	}
}
