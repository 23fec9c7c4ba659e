// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package strategy

import (
	"context"
	"sync"

	"github.com/absmach/vtbridge/broker"
)

type subscribeCall struct {
	info  broker.ConsumerInfo
	topic string
	qos   QoS
}

// mockProtocol records what a strategy asks of its connection.
type mockProtocol struct {
	mu sync.Mutex

	clientID string
	clean    bool
	prefetch int
	nextID   int64

	subscribeErr   error
	subscribeErrOn string // fail only for this queue name when set
	requestErr     error

	subscribed   []subscribeCall
	unsubscribed []*Subscription
	requested    []broker.Command
	forgotten    []broker.Command
}

func newMockProtocol(clientID string, clean bool) *mockProtocol {
	return &mockProtocol{clientID: clientID, clean: clean, prefetch: 10}
}

func (m *mockProtocol) ClientID() string     { return m.clientID }
func (m *mockProtocol) CleanSession() bool   { return m.clean }
func (m *mockProtocol) ConnectionID() string { return "conn-1" }
func (m *mockProtocol) Prefetch() int        { return m.prefetch }

func (m *mockProtocol) NextConsumerID() broker.ConsumerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return broker.ConsumerID{ConnectionID: "conn-1", Value: m.nextID}
}

func (m *mockProtocol) DoSubscribe(ctx context.Context, info broker.ConsumerInfo, topic string, qos QoS) (byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribeErr != nil && (m.subscribeErrOn == "" || m.subscribeErrOn == info.Destination.Name) {
		return 0x80, m.subscribeErr
	}
	m.subscribed = append(m.subscribed, subscribeCall{info: info, topic: topic, qos: qos})
	return byte(qos), nil
}

func (m *mockProtocol) DoUnSubscribe(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubscribed = append(m.unsubscribed, sub)
	return nil
}

func (m *mockProtocol) Request(ctx context.Context, cmd broker.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requested = append(m.requested, cmd)
	return m.requestErr
}

func (m *mockProtocol) Forget(cmd broker.Command) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forgotten = append(m.forgotten, cmd)
}

// mockQueues serves ListQueues from a fixed list of queue names.
type mockQueues struct {
	names []string
	err   error
	calls int
}

func (m *mockQueues) ListQueues(ctx context.Context, match func(broker.Destination) bool) ([]broker.Destination, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	var out []broker.Destination
	for _, n := range m.names {
		d := broker.NewQueue(n)
		if match == nil || match(d) {
			out = append(out, d)
		}
	}
	return out, nil
}

func queueNames(cmds []broker.Command) []string {
	var names []string
	for _, c := range cmds {
		if di, ok := c.(broker.DestinationInfo); ok {
			names = append(names, di.Destination.Name)
		}
	}
	return names
}

func (s *recoveredSet) Contains(d broker.Destination) bool {
	_, ok := s.m.Load(d)
	return ok
}

func (s *recoveredSet) Len() int {
	n := 0
	s.m.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}
