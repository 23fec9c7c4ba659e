// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/absmach/vtbridge/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type delivery struct {
	id  ConsumerID
	msg *Message
}

type mockDeliverer struct {
	mu   sync.Mutex
	msgs []delivery
}

func (d *mockDeliverer) Deliver(id ConsumerID, msg *Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msgs = append(d.msgs, delivery{id: id, msg: msg})
	return nil
}

func (d *mockDeliverer) received() []delivery {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]delivery(nil), d.msgs...)
}

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	b, err := New(context.Background(), memory.New())
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func bind(t *testing.T, b *Broker, id ConsumerID, dest Destination, prefetch int) {
	t.Helper()
	err := b.Send(context.Background(), ConsumerInfo{
		ConsumerID:  id,
		Destination: dest,
		Prefetch:    prefetch,
		Retroactive: true,
	})
	require.NoError(t, err)
}

func TestPublish_TopicWildcardAndRetain(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	d := &mockDeliverer{}
	require.NoError(t, b.Connect("c1", d))

	id := ConsumerID{ConnectionID: "c1", Value: 1}
	bind(t, b, id, NewTopic("VirtualTopic.sensors.*"), 10)

	require.NoError(t, b.Publish(ctx, NewTopic("VirtualTopic.sensors.temp"), &Message{Payload: []byte("21"), Retain: true}))
	require.NoError(t, b.Publish(ctx, NewTopic("VirtualTopic.other.temp"), &Message{Payload: []byte("x")}))

	got := d.received()
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].id)
	assert.Equal(t, "VirtualTopic.sensors.temp", got[0].msg.Destination.Name)
	assert.False(t, got[0].msg.Retain, "live deliveries carry retain=false")
	assert.NotEmpty(t, got[0].msg.ID)

	// A late subscriber gets the retained message.
	late := ConsumerID{ConnectionID: "c1", Value: 2}
	bind(t, b, late, NewTopic("VirtualTopic.sensors.>"), 10)
	got = d.received()
	require.Len(t, got, 2)
	assert.Equal(t, late, got[1].id)
	assert.True(t, got[1].msg.Retain)

	// RecoverRetained replays it again to an existing consumer.
	require.NoError(t, b.Send(ctx, RecoverRetained{ConsumerID: late}))
	assert.Len(t, d.received(), 3)

	// Empty retained payload clears it.
	require.NoError(t, b.Publish(ctx, NewTopic("VirtualTopic.sensors.temp"), &Message{Retain: true}))
	_, ok := b.Retained("VirtualTopic.sensors.temp")
	assert.False(t, ok)
}

func TestPublish_VirtualTopicFanOutWhileOffline(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	queue := "Consumer.car1:AT_LEAST_ONCE.VirtualTopic.sensors.temp"

	require.NoError(t, b.Send(ctx, DestinationInfo{Destination: NewQueue(queue), Operation: OperationAdd}))
	require.NoError(t, b.Publish(ctx, NewTopic("VirtualTopic.sensors.temp"), &Message{Payload: []byte("1"), QoS: 1}))
	require.NoError(t, b.Publish(ctx, NewTopic("VirtualTopic.sensors.temp"), &Message{Payload: []byte("2"), QoS: 1}))

	d := &mockDeliverer{}
	require.NoError(t, b.Connect("c1", d))
	id := ConsumerID{ConnectionID: "c1", Value: 1}
	bind(t, b, id, NewQueue(queue), 1)

	got := d.received()
	require.Len(t, got, 1, "prefetch limits unacked deliveries")
	assert.Equal(t, queue, got[0].msg.Queue)
	assert.Equal(t, "VirtualTopic.sensors.temp", got[0].msg.Destination.Name)
	assert.Equal(t, []byte("1"), got[0].msg.Payload)

	require.NoError(t, b.Ack(ctx, id, queue, got[0].msg.Sequence))
	got = d.received()
	require.Len(t, got, 2)
	assert.Equal(t, []byte("2"), got[1].msg.Payload)

	assert.ErrorIs(t, b.Ack(ctx, id, queue, got[0].msg.Sequence), ErrNotPending)
	require.NoError(t, b.Ack(ctx, id, queue, got[1].msg.Sequence))

	count, err := b.messageStore.Count(ctx, queue)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestPublish_WildcardQueueAndControlTopic(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	queue := "Consumer.car1:AT_LEAST_ONCE.VirtualTopic.sensors.>"

	require.NoError(t, b.Send(ctx, DestinationInfo{Destination: NewQueue(queue), Operation: OperationAdd}))
	require.NoError(t, b.Publish(ctx, NewTopic("VirtualTopic.sensors.a.b"), &Message{Payload: []byte("x")}))
	require.NoError(t, b.Publish(ctx, NewTopic("VirtualTopic.$SYS.sensors"), &Message{Payload: []byte("x")}))
	require.NoError(t, b.Publish(ctx, NewTopic("sensors.a"), &Message{Payload: []byte("x")}))

	count, err := b.messageStore.Count(ctx, queue)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDisconnect_RedeliversPending(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	queue := "orders"

	require.NoError(t, b.Publish(ctx, NewQueue(queue), &Message{Payload: []byte("o1"), QoS: 1}))

	d1 := &mockDeliverer{}
	require.NoError(t, b.Connect("c1", d1))
	bind(t, b, ConsumerID{ConnectionID: "c1", Value: 1}, NewQueue(queue), 10)
	require.Len(t, d1.received(), 1)
	assert.False(t, d1.received()[0].msg.Redelivered)

	b.Disconnect(ctx, "c1")

	d2 := &mockDeliverer{}
	require.NoError(t, b.Connect("c2", d2))
	bind(t, b, ConsumerID{ConnectionID: "c2", Value: 1}, NewQueue(queue), 10)

	got := d2.received()
	require.Len(t, got, 1)
	assert.Equal(t, []byte("o1"), got[0].msg.Payload)
	assert.True(t, got[0].msg.Redelivered)
}

func TestQueue_RoundRobin(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	d := &mockDeliverer{}
	require.NoError(t, b.Connect("c1", d))
	a := ConsumerID{ConnectionID: "c1", Value: 1}
	c := ConsumerID{ConnectionID: "c1", Value: 2}
	bind(t, b, a, NewQueue("work"), 5)
	bind(t, b, c, NewQueue("work"), 5)

	for i := 0; i < 4; i++ {
		require.NoError(t, b.Publish(ctx, NewQueue("work"), &Message{Payload: []byte{byte(i)}}))
	}

	counts := map[ConsumerID]int{}
	for _, got := range d.received() {
		counts[got.id]++
	}
	assert.Equal(t, 2, counts[a])
	assert.Equal(t, 2, counts[c])
}

func TestDestinationRemove(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	queue := NewQueue("Consumer.car1:AT_LEAST_ONCE.VirtualTopic.a")

	require.NoError(t, b.Connect("c1", &mockDeliverer{}))
	id := ConsumerID{ConnectionID: "c1", Value: 1}
	bind(t, b, id, queue, 1)

	err := b.Send(ctx, DestinationInfo{Destination: queue, Operation: OperationRemove})
	assert.ErrorIs(t, err, ErrDestinationInUse)

	require.NoError(t, b.Send(ctx, RemoveInfo{ConsumerID: id}))
	require.NoError(t, b.Send(ctx, DestinationInfo{Destination: queue, Operation: OperationRemove}))

	queues, err := b.ListQueues(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, queues)
}

func TestListQueues_Match(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	for _, name := range []string{
		"Consumer.car1:AT_LEAST_ONCE.VirtualTopic.a",
		"Consumer.car10:AT_LEAST_ONCE.VirtualTopic.a",
		"orders",
	} {
		require.NoError(t, b.Send(ctx, DestinationInfo{Destination: NewQueue(name), Operation: OperationAdd}))
	}

	queues, err := b.ListQueues(ctx, func(d Destination) bool {
		return d.Name == "orders"
	})
	require.NoError(t, err)
	assert.Equal(t, []Destination{NewQueue("orders")}, queues)

	all, err := b.ListQueues(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestSend_Errors(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	id := ConsumerID{ConnectionID: "c1", Value: 1}

	err := b.Send(ctx, ConsumerInfo{ConsumerID: id, Destination: NewTopic("a")})
	assert.ErrorIs(t, err, ErrConnectionNotFound)

	require.NoError(t, b.Connect("c1", &mockDeliverer{}))
	assert.ErrorIs(t, b.Connect("c1", &mockDeliverer{}), ErrConnectionExists)

	require.NoError(t, b.Send(ctx, ConsumerInfo{ConsumerID: id, Destination: NewTopic("a")}))
	err = b.Send(ctx, ConsumerInfo{ConsumerID: id, Destination: NewTopic("a")})
	assert.ErrorIs(t, err, ErrConsumerExists)

	assert.ErrorIs(t, b.Send(ctx, RemoveInfo{ConsumerID: ConsumerID{ConnectionID: "c1", Value: 9}}), ErrConsumerNotFound)
	assert.ErrorIs(t, b.Send(ctx, nil), ErrUnknownCommand)
}

func TestAsyncDispatch(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	d := &mockDeliverer{}
	require.NoError(t, b.Connect("c1", d))

	err := b.Send(ctx, ConsumerInfo{
		ConsumerID:    ConsumerID{ConnectionID: "c1", Value: 1},
		Destination:   NewTopic("a.b"),
		Prefetch:      10,
		DispatchAsync: true,
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, NewTopic("a.b"), &Message{Payload: []byte("x"), QoS: 1}))

	require.Eventually(t, func() bool {
		return len(d.received()) == 1
	}, time.Second, 10*time.Millisecond)

	snap := b.Stats().Snapshot()
	assert.Equal(t, uint64(1), snap.Published)
	assert.Equal(t, int64(1), snap.TopicConsumers)
}

func TestNew_LoadsPersistedQueues(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	b1, err := New(ctx, store)
	require.NoError(t, err)
	queue := "Consumer.car1:AT_LEAST_ONCE.VirtualTopic.a"
	require.NoError(t, b1.Send(ctx, DestinationInfo{Destination: NewQueue(queue), Operation: OperationAdd}))
	require.NoError(t, b1.Close())

	b2, err := New(ctx, store)
	require.NoError(t, err)
	defer b2.Close()

	require.NoError(t, b2.Publish(ctx, NewTopic("VirtualTopic.a"), &Message{Payload: []byte("x")}))
	count, err := b2.messageStore.Count(ctx, queue)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDestination(t *testing.T) {
	q := NewQueue("orders")
	assert.True(t, q.IsQueue())
	assert.False(t, q.IsTopic())
	assert.Equal(t, "queue://orders", q.String())
	assert.Equal(t, "topic://a.b", NewTopic("a.b").String())
	assert.NotEqual(t, NewQueue("x"), NewTopic("x"))
}
