// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool pools the buffers MQTT packets are encoded into before
// they are written.
package bufpool

import (
	"bytes"
	"io"
	"sync"
)

// maxPooledCap keeps buffers used for large PUBLISH payloads out of the pool.
const maxPooledCap = 64 * 1024

var pool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// Encoder is implemented by every paho control packet.
type Encoder interface {
	Write(w io.Writer) error
}

// Get returns an empty buffer.
func Get() *bytes.Buffer {
	b := pool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// Put returns b to the pool.
func Put(b *bytes.Buffer) {
	if b.Cap() > maxPooledCap {
		return
	}
	pool.Put(b)
}

// WritePacket encodes pkt into a pooled buffer and hands it to w in a
// single Write, so a message-oriented transport carries one packet per frame.
// It returns the number of bytes written.
func WritePacket(w io.Writer, pkt Encoder) (int, error) {
	b := Get()
	defer Put(b)

	if err := pkt.Write(b); err != nil {
		return 0, err
	}
	return w.Write(b.Bytes())
}
