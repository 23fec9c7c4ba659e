// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/absmach/vtbridge/topics"
	"github.com/google/uuid"
)

// Publish routes msg to dest.
//
// Queue destinations store the message and hand it to one consumer.
// Topic destinations deliver it to every matching topic consumer and, for
// VirtualTopic.* names, copy it into every matching consumer queue. Control
// topics never reach consumer queues. A retained message with an empty
// payload clears the retained message of that topic.
func (b *Broker) Publish(ctx context.Context, dest Destination, msg *Message) error {
	if b.closed.Load() {
		return ErrClosed
	}

	start := time.Now()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.PublishedAt.IsZero() {
		msg.PublishedAt = start
	}
	msg.Destination = dest
	b.stats.published.Add(1)

	if dest.IsQueue() {
		q, err := b.ensureQueue(ctx, dest.Name)
		if err != nil {
			return err
		}
		return b.enqueue(ctx, q, msg)
	}

	if msg.Retain {
		b.retain(dest.Name, msg)
	}

	fanout := strings.HasPrefix(dest.Name, topics.VirtualTopicPrefix) && !topics.IsControl(dest.Name)

	b.mu.RLock()
	var targets []*consumer
	for _, c := range b.consumers {
		if c.info.Destination.IsTopic() && topics.Match(c.info.Destination.Name, dest.Name) {
			targets = append(targets, c)
		}
	}
	var queues []*queueState
	if fanout {
		for name, q := range b.queues {
			if _, pattern, ok := topics.SplitVirtualQueue(name); ok && topics.Match(pattern, dest.Name) {
				queues = append(queues, q)
			}
		}
	}
	b.mu.RUnlock()

	for _, c := range targets {
		live := *msg
		live.Retain = false
		b.deliverTo(ctx, c, &live)
	}

	var errs []error
	for _, q := range queues {
		if err := b.enqueue(ctx, q, msg); err != nil {
			errs = append(errs, err)
		}
	}

	if b.metrics != nil {
		b.metrics.RecordPublishDuration(float64(time.Since(start).Microseconds()) / 1000)
	}
	if err := errors.Join(errs...); err != nil {
		b.logger.Warn("virtual topic fan-out incomplete",
			slog.String("topic", dest.Name),
			slog.String("error", err.Error()))
		return err
	}
	return nil
}

func (b *Broker) retain(topic string, msg *Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, existed := b.retained[topic]
	if len(msg.Payload) == 0 {
		delete(b.retained, topic)
		if existed && b.metrics != nil {
			b.metrics.RecordRetainedDeleted()
		}
		return
	}

	cp := *msg
	cp.Payload = append([]byte(nil), msg.Payload...)
	b.retained[topic] = &cp
	if !existed && b.metrics != nil {
		b.metrics.RecordRetainedSet()
	}
}

// Retained returns the retained message of a topic, if any.
func (b *Broker) Retained(topic string) (*Message, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	msg, ok := b.retained[topic]
	if !ok {
		return nil, false
	}
	cp := *msg
	return &cp, true
}

func (b *Broker) replayRetained(ctx context.Context, c *consumer) {
	b.mu.RLock()
	var msgs []*Message
	for topic, msg := range b.retained {
		if topics.Match(c.info.Destination.Name, topic) {
			cp := *msg
			cp.Retain = true
			msgs = append(msgs, &cp)
		}
	}
	b.mu.RUnlock()

	for _, msg := range msgs {
		b.deliverTo(ctx, c, msg)
	}
}

func (b *Broker) recoverRetained(ctx context.Context, id ConsumerID) error {
	b.mu.RLock()
	c, ok := b.consumers[id]
	b.mu.RUnlock()
	if !ok {
		return ErrConsumerNotFound
	}
	if c.info.Destination.IsTopic() {
		b.replayRetained(ctx, c)
	}
	return nil
}
