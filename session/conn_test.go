// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"bufio"
	"bytes"
	"net"
	"os"
	"testing"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encode(t *testing.T, pkt packets.ControlPacket) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, pkt.Write(&buf))
	return buf.Bytes()
}

func publishPacket(topic string, size int) *packets.PublishPacket {
	p := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	p.TopicName = topic
	p.Payload = make([]byte, size)
	return p
}

func TestPeekRemainingLength(t *testing.T) {
	cases := []struct {
		name    string
		payload int
	}{
		{"single byte length", 10},
		{"two byte length", 300},
		{"three byte length", 20000},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw := encode(t, publishPacket("a/b", tc.payload))
			c := &conn{reader: bufio.NewReader(bytes.NewReader(raw))}

			n, err := c.peekRemainingLength()
			require.NoError(t, err)
			// Topic length prefix plus topic plus payload.
			assert.Equal(t, 2+len("a/b")+tc.payload, n)

			// Peeking does not consume the header.
			pkt, err := packets.ReadPacket(c.reader)
			require.NoError(t, err)
			assert.Len(t, pkt.(*packets.PublishPacket).Payload, tc.payload)
		})
	}
}

func TestReadPacketMaxSize(t *testing.T) {
	raw := encode(t, publishPacket("a/b", 100))

	c := &conn{reader: bufio.NewReader(bytes.NewReader(raw)), maxSize: 64}
	_, err := c.ReadPacket()
	assert.ErrorIs(t, err, ErrPacketTooLarge)

	c = &conn{reader: bufio.NewReader(bytes.NewReader(raw)), maxSize: 1024}
	pkt, err := c.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, "a/b", pkt.(*packets.PublishPacket).TopicName)
}

func TestPeekRemainingLengthMalformed(t *testing.T) {
	raw := []byte{0x30, 0xff, 0xff, 0xff, 0xff, 0x01}
	c := &conn{reader: bufio.NewReader(bytes.NewReader(raw))}

	_, err := c.peekRemainingLength()
	assert.Error(t, err)
}

func TestWriteTimeoutDropsStalledReader(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	c := newConn(server, 4, 0, 50*time.Millisecond)
	defer c.Close()

	// Nobody reads from client, so the write cannot complete.
	err := c.WriteControl(packets.NewControlPacket(packets.Pingresp))
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)

	c.start()
	require.NoError(t, c.WriteData(publishPacket("a/b", 10), nil))
	assert.Eventually(t, c.closed.Load, time.Second, 10*time.Millisecond)
}

func TestKeyLockSerializesClientID(t *testing.T) {
	var kl keyLock
	assert.Equal(t, kl.index("car1"), kl.index("car1"))

	kl.Lock("car1")
	locked := make(chan struct{})
	go func() {
		kl.Lock("car1")
		close(locked)
		kl.Unlock("car1")
	}()

	select {
	case <-locked:
		t.Fatal("second Lock did not wait")
	default:
	}
	kl.Unlock("car1")
	<-locked
}
