// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/absmach/vtbridge/broker"
)

var (
	ErrInflightFull   = errors.New("inflight window full")
	ErrPacketNotFound = errors.New("packet ID not in flight")
)

type inflightState int

const (
	// statePublishSent waits for PUBACK (QoS 1) or PUBREC (QoS 2).
	statePublishSent inflightState = iota
	// statePubRecReceived has sent PUBREL and waits for PUBCOMP.
	statePubRecReceived
)

// delivery is an outbound PUBLISH awaiting acknowledgement. Queue
// deliveries carry what the broker needs to ack them.
type delivery struct {
	PacketID uint16
	Consumer broker.ConsumerID
	Queue    string
	Sequence uint64
	QoS      byte
	State    inflightState
	SentAt   time.Time
}

// inflight tracks outbound QoS 1/2 deliveries and inbound QoS 2 packet IDs
// that were published but not yet released.
type inflight struct {
	mu       sync.Mutex
	out      map[uint16]*delivery
	maxSize  int
	received map[uint16]time.Time
	lastID   uint16
}

func newInflight(maxSize int) *inflight {
	if maxSize <= 0 || maxSize > 65535 {
		maxSize = 65535
	}
	return &inflight{
		out:      make(map[uint16]*delivery),
		maxSize:  maxSize,
		received: make(map[uint16]time.Time),
	}
}

// add assigns a free packet ID to d and tracks it.
func (t *inflight) add(d *delivery) (uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.out) >= t.maxSize {
		return 0, ErrInflightFull
	}
	for {
		t.lastID++
		if t.lastID == 0 {
			t.lastID = 1
		}
		if _, busy := t.out[t.lastID]; !busy {
			break
		}
	}
	d.PacketID = t.lastID
	d.State = statePublishSent
	d.SentAt = time.Now()
	t.out[d.PacketID] = d
	return d.PacketID, nil
}

// ack removes the delivery completed by PUBACK or PUBCOMP.
func (t *inflight) ack(packetID uint16) (*delivery, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.out[packetID]
	if !ok {
		return nil, fmt.Errorf("ack packet ID %d: %w", packetID, ErrPacketNotFound)
	}
	delete(t.out, packetID)
	return d, nil
}

func (t *inflight) updateState(packetID uint16, state inflightState) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.out[packetID]
	if !ok {
		return fmt.Errorf("update state for packet ID %d: %w", packetID, ErrPacketNotFound)
	}
	d.State = state
	return nil
}

func (t *inflight) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.out)
}

// markReceived records an inbound QoS 2 packet ID and reports whether it
// was already recorded.
func (t *inflight) markReceived(packetID uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.received[packetID]; ok {
		return true
	}
	t.received[packetID] = time.Now()
	return false
}

// release forgets an inbound QoS 2 packet ID once PUBREL arrives.
func (t *inflight) release(packetID uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.received, packetID)
}

// clear drops everything, returning the outbound deliveries.
func (t *inflight) clear() []*delivery {
	t.mu.Lock()
	defer t.mu.Unlock()

	ret := make([]*delivery, 0, len(t.out))
	for _, d := range t.out {
		ret = append(ret, d)
	}
	t.out = make(map[uint16]*delivery)
	t.received = make(map[uint16]time.Time)
	return ret
}
