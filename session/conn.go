// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/vtbridge/internal/bufpool"
	"github.com/eclipse/paho.mqtt.golang/packets"
)

const controlBurst = 32

var (
	ErrPacketTooLarge        = errors.New("packet exceeds maximum size")
	ErrCannotEncodeNilPacket = errors.New("cannot encode nil packet")
)

type sendItem struct {
	pkt    packets.ControlPacket
	onSent func()
}

// conn wraps a net.Conn with MQTT packet I/O. Writes are synchronous until
// start is called; after that a send loop drains the control queue ahead
// of the data queue.
type conn struct {
	nc      net.Conn
	reader       *bufio.Reader
	maxSize      int
	writeTimeout time.Duration

	sendMu    sync.Mutex
	controlCh chan sendItem
	dataCh    chan sendItem
	closeCh   chan struct{}
	closeOnce sync.Once
	sendWg    sync.WaitGroup
	started   atomic.Bool
	closed    atomic.Bool
}

func newConn(nc net.Conn, queueSize, maxSize int, writeTimeout time.Duration) *conn {
	controlCap := max(queueSize/4, 1)
	return &conn{
		nc:           nc,
		reader:       bufio.NewReader(nc),
		maxSize:      maxSize,
		writeTimeout: writeTimeout,
		controlCh:    make(chan sendItem, controlCap),
		dataCh:       make(chan sendItem, max(queueSize, 1)),
		closeCh:      make(chan struct{}),
	}
}

// start switches the connection to queued writes.
func (c *conn) start() {
	if c.started.CompareAndSwap(false, true) {
		c.sendWg.Add(1)
		go c.sendLoop()
	}
}

// ReadPacket reads the next packet, rejecting packets whose remaining
// length exceeds maxSize before the body is read.
func (c *conn) ReadPacket() (packets.ControlPacket, error) {
	if c.maxSize > 0 {
		n, err := c.peekRemainingLength()
		if err != nil {
			return nil, err
		}
		if n > c.maxSize {
			return nil, fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, n, c.maxSize)
		}
	}
	return packets.ReadPacket(c.reader)
}

// peekRemainingLength decodes the variable length header without consuming it.
func (c *conn) peekRemainingLength() (int, error) {
	var length, mult int
	for i := 1; i <= 4; i++ {
		b, err := c.reader.Peek(i + 1)
		if err != nil {
			return 0, err
		}
		d := b[i]
		length += int(d&127) << mult
		if d&128 == 0 {
			return length, nil
		}
		mult += 7
	}
	return 0, errors.New("malformed remaining length")
}

// WriteControl queues an acknowledgement or other protocol packet.
func (c *conn) WriteControl(pkt packets.ControlPacket) error {
	return c.write(c.controlCh, sendItem{pkt: pkt})
}

// WriteData queues a PUBLISH. onSent runs once the packet is on the wire.
func (c *conn) WriteData(pkt packets.ControlPacket, onSent func()) error {
	return c.write(c.dataCh, sendItem{pkt: pkt, onSent: onSent})
}

func (c *conn) write(ch chan sendItem, item sendItem) error {
	if item.pkt == nil {
		return ErrCannotEncodeNilPacket
	}
	if c.closed.Load() {
		return net.ErrClosed
	}
	if !c.started.Load() {
		if ch == c.controlCh {
			return c.writeSync(item)
		}
	}

	select {
	case ch <- item:
		return nil
	case <-c.closeCh:
		return net.ErrClosed
	}
}

func (c *conn) writeSync(item sendItem) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed.Load() {
		return net.ErrClosed
	}
	if c.writeTimeout > 0 {
		if err := c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	// One write per packet keeps WebSocket frames aligned to packets.
	if _, err := bufpool.WritePacket(c.nc, item.pkt); err != nil {
		return err
	}
	if item.onSent != nil {
		item.onSent()
	}
	return nil
}

func (c *conn) sendLoop() {
	defer c.sendWg.Done()

	for {
		controlCount := 0
		for draining := true; draining && controlCount < controlBurst; {
			select {
			case <-c.closeCh:
				return
			case item := <-c.controlCh:
				if !c.doWrite(item) {
					return
				}
				controlCount++
			default:
				draining = false
			}
		}

		if controlCount == controlBurst {
			select {
			case <-c.closeCh:
				return
			case item := <-c.dataCh:
				if !c.doWrite(item) {
					return
				}
			default:
			}
			continue
		}

		select {
		case <-c.closeCh:
			return
		case item := <-c.controlCh:
			if !c.doWrite(item) {
				return
			}
		case item := <-c.dataCh:
			if !c.doWrite(item) {
				return
			}
		}
	}
}

func (c *conn) doWrite(item sendItem) bool {
	if err := c.writeSync(item); err != nil {
		c.markClosed()
		_ = c.nc.Close()
		return false
	}
	return true
}

func (c *conn) markClosed() {
	c.closed.Store(true)
	c.closeOnce.Do(func() { close(c.closeCh) })
}

// Close closes the socket and waits for the send loop to exit. Packets
// still queued are discarded.
func (c *conn) Close() error {
	c.markClosed()
	err := c.nc.Close()
	c.sendWg.Wait()
	return err
}

// flush waits up to timeout for queued packets to be written.
func (c *conn) flush(timeout time.Duration) {
	if !c.started.Load() {
		return
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(c.controlCh) == 0 && len(c.dataCh) == 0 {
			return
		}
		select {
		case <-c.closeCh:
			return
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (c *conn) setReadDeadline(d time.Duration) error {
	if d <= 0 {
		return c.nc.SetReadDeadline(time.Time{})
	}
	return c.nc.SetReadDeadline(time.Now().Add(d))
}

func (c *conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}
