// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/absmach/vtbridge/storage"
)

// ErrNotPending is returned when acknowledging a message the consumer does not hold.
var ErrNotPending = errors.New("message not pending for consumer")

type queueState struct {
	name string

	mu          sync.Mutex
	consumers   []*consumer
	next        int
	pending     map[uint64]*consumer
	redelivered map[uint64]struct{}
	deleted     bool
}

func newQueueState(name string) *queueState {
	return &queueState{
		name:        name,
		pending:     make(map[uint64]*consumer),
		redelivered: make(map[uint64]struct{}),
	}
}

// pick returns the next consumer, round robin, with prefetch room left.
func (q *queueState) pick() *consumer {
	n := len(q.consumers)
	for i := range n {
		idx := (q.next + i) % n
		c := q.consumers[idx]
		if c.inflight < c.prefetch() {
			q.next = (idx + 1) % n
			return c
		}
	}
	return nil
}

func (q *queueState) capacity() int {
	free := 0
	for _, c := range q.consumers {
		free += c.prefetch() - c.inflight
	}
	return free
}

// remove detaches c and marks the messages it held for redelivery.
func (q *queueState) remove(c *consumer) {
	q.consumers = slices.DeleteFunc(q.consumers, func(x *consumer) bool { return x == c })
	if q.next >= len(q.consumers) {
		q.next = 0
	}
	for seq, owner := range q.pending {
		if owner == c {
			delete(q.pending, seq)
			q.redelivered[seq] = struct{}{}
		}
	}
	c.inflight = 0
}

func (q *queueState) message(m *storage.Message) *Message {
	_, again := q.redelivered[m.Sequence]
	return &Message{
		ID:          m.ID,
		Destination: NewTopic(m.Destination),
		Queue:       q.name,
		Sequence:    m.Sequence,
		Payload:     m.Payload,
		QoS:         m.QoS,
		Redelivered: again,
		PublishedAt: m.PublishedAt,
	}
}

type assignment struct {
	c   *consumer
	msg *Message
}

// dispatch hands stored messages to consumers with free prefetch room.
// Async consumers are fed while the queue lock is held so that each one
// sees the queue's order; their channels hold at least prefetch messages,
// so the sends never wait. Sync consumers are called after unlocking.
func (b *Broker) dispatch(ctx context.Context, q *queueState) error {
	q.mu.Lock()
	free := q.capacity()
	if free <= 0 || q.deleted {
		q.mu.Unlock()
		return nil
	}

	msgs, err := b.messageStore.List(ctx, q.name, len(q.pending)+free)
	if err != nil {
		q.mu.Unlock()
		return fmt.Errorf("failed to list queue %s: %w", q.name, err)
	}

	var direct []assignment
	for _, m := range msgs {
		if _, busy := q.pending[m.Sequence]; busy {
			continue
		}
		c := q.pick()
		if c == nil {
			break
		}
		c.inflight++
		q.pending[m.Sequence] = c

		msg := q.message(m)
		if c.info.DispatchAsync {
			b.deliverTo(ctx, c, msg)
			continue
		}
		direct = append(direct, assignment{c: c, msg: msg})
	}
	q.mu.Unlock()

	for _, a := range direct {
		b.deliverTo(ctx, a.c, a.msg)
	}
	return nil
}

func (b *Broker) enqueue(ctx context.Context, q *queueState, msg *Message) error {
	q.mu.Lock()
	if q.deleted {
		q.mu.Unlock()
		return nil
	}
	err := b.messageStore.Enqueue(ctx, q.name, &storage.Message{
		ID:          msg.ID,
		Destination: msg.Destination.Name,
		Payload:     msg.Payload,
		QoS:         msg.QoS,
		PublishedAt: msg.PublishedAt,
	})
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to enqueue into %s: %w", q.name, err)
	}

	b.stats.enqueued.Add(1)
	if b.metrics != nil {
		b.metrics.RecordEnqueued()
	}

	return b.dispatch(ctx, q)
}

// Ack acknowledges a queue message delivered to the consumer and removes it
// from the queue.
func (b *Broker) Ack(ctx context.Context, id ConsumerID, queue string, seq uint64) error {
	b.mu.RLock()
	q, ok := b.queues[queue]
	b.mu.RUnlock()
	if !ok {
		return storage.ErrQueueNotFound
	}

	q.mu.Lock()
	owner, ok := q.pending[seq]
	if !ok || owner.info.ConsumerID != id {
		q.mu.Unlock()
		return ErrNotPending
	}
	// Deleting under the lock keeps a concurrent dispatch from handing the
	// message out again.
	err := b.messageStore.Delete(ctx, queue, seq)
	if err != nil && !errors.Is(err, storage.ErrMessageNotFound) {
		q.mu.Unlock()
		return fmt.Errorf("failed to ack %s/%d: %w", queue, seq, err)
	}
	delete(q.pending, seq)
	delete(q.redelivered, seq)
	owner.inflight--
	q.mu.Unlock()

	b.stats.acked.Add(1)
	b.logger.Debug("message acked",
		slog.String("queue", queue),
		slog.Uint64("sequence", seq))

	return b.dispatch(ctx, q)
}

func (b *Broker) deliverTo(ctx context.Context, c *consumer, msg *Message) {
	if c.deliver(ctx, msg) {
		b.stats.delivered.Add(1)
		return
	}
	b.stats.dropped.Add(1)
}
