// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrQueueNotFound      = errors.New("queue not found")
	ErrQueueAlreadyExists = errors.New("queue already exists")
	ErrMessageNotFound    = errors.New("message not found")
)

// Store is the composite storage interface for durable queue state.
type Store interface {
	// Queues returns the queue metadata store.
	Queues() QueueStore

	// Messages returns the queued message store.
	Messages() MessageStore

	// Close closes all storage backends.
	Close() error
}

// Queue is the persisted record of a durable broker queue.
// Name is the queue's physical name, e.g. "Consumer.car1:AT_LEAST_ONCE.VirtualTopic.sensors.temp".
type Queue struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is a message held by a durable queue until it is acknowledged.
type Message struct {
	ID          string    `json:"id"`
	Sequence    uint64    `json:"sequence"`
	Destination string    `json:"destination"` // topic the message was published to
	Payload     []byte    `json:"payload,omitempty"`
	QoS         byte      `json:"qos"`
	Retain      bool      `json:"retain,omitempty"`
	PublishedAt time.Time `json:"published_at"`
}

// QueueStore manages durable queue metadata.
type QueueStore interface {
	// CreateQueue persists a new queue. Returns ErrQueueAlreadyExists if present.
	CreateQueue(ctx context.Context, queue Queue) error

	// GetQueue returns the queue with the given name.
	GetQueue(ctx context.Context, name string) (*Queue, error)

	// DeleteQueue removes the queue and every message it holds.
	DeleteQueue(ctx context.Context, name string) error

	// ListQueues returns all persisted queues.
	ListQueues(ctx context.Context) ([]Queue, error)
}

// MessageStore manages messages held by durable queues.
type MessageStore interface {
	// Enqueue appends a message to the queue, assigning msg.Sequence.
	Enqueue(ctx context.Context, queue string, msg *Message) error

	// List returns up to limit messages in sequence order. limit <= 0 returns all.
	List(ctx context.Context, queue string, limit int) ([]*Message, error)

	// Delete removes an acknowledged message.
	Delete(ctx context.Context, queue string, seq uint64) error

	// Count returns the number of messages held by the queue.
	Count(ctx context.Context, queue string) (int, error)
}

// CopyMessage creates a deep copy of a message.
func CopyMessage(msg *Message) *Message {
	if msg == nil {
		return nil
	}
	cp := *msg
	if len(msg.Payload) > 0 {
		cp.Payload = make([]byte, len(msg.Payload))
		copy(cp.Payload, msg.Payload)
	}
	return &cp
}
