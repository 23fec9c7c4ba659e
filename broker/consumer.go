// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"log/slog"
	"sync"
)

type connection struct {
	id        string
	deliverer Deliverer
	consumers map[int64]*consumer // guarded by Broker.mu
}

type consumer struct {
	info   ConsumerInfo
	conn   *connection
	logger *slog.Logger

	ch   chan *Message
	quit chan struct{}
	once sync.Once

	// inflight counts unacknowledged queue messages; guarded by queueState.mu.
	inflight int
}

func newConsumer(info ConsumerInfo, conn *connection, buffer int, logger *slog.Logger) *consumer {
	c := &consumer{
		info:   info,
		conn:   conn,
		logger: logger,
		quit:   make(chan struct{}),
	}
	if info.DispatchAsync {
		c.ch = make(chan *Message, buffer)
	}
	return c
}

func (c *consumer) prefetch() int {
	return max(c.info.Prefetch, 1)
}

// deliver hands msg to the consumer. Async consumers get it through their
// channel; QoS 0 topic messages are dropped instead of waiting on a full one.
func (c *consumer) deliver(ctx context.Context, msg *Message) bool {
	if !c.info.DispatchAsync {
		select {
		case <-c.quit:
			return false
		default:
		}
		return c.send(msg)
	}

	if msg.QoS == 0 && c.info.Destination.IsTopic() {
		select {
		case c.ch <- msg:
			return true
		case <-c.quit:
			return false
		default:
			return false
		}
	}

	select {
	case c.ch <- msg:
		return true
	case <-c.quit:
		return false
	case <-ctx.Done():
		return false
	}
}

func (c *consumer) run() {
	for {
		select {
		case <-c.quit:
			return
		case msg := <-c.ch:
			c.send(msg)
		}
	}
}

func (c *consumer) send(msg *Message) bool {
	if err := c.conn.deliverer.Deliver(c.info.ConsumerID, msg); err != nil {
		c.logger.Debug("delivery failed",
			slog.String("consumer_id", c.info.ConsumerID.String()),
			slog.String("destination", c.info.Destination.String()),
			slog.String("error", err.Error()))
		return false
	}
	return true
}

func (c *consumer) stop() {
	c.once.Do(func() { close(c.quit) })
}
