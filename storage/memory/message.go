// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sync"

	"github.com/absmach/vtbridge/storage"
)

var _ storage.MessageStore = (*MessageStore)(nil)

// MessageStore is an in-memory implementation of storage.MessageStore.
// Messages of a queue are kept in sequence order.
type MessageStore struct {
	mu     sync.RWMutex
	queues map[string][]*storage.Message
	seqs   map[string]uint64
}

// NewMessageStore creates a new in-memory message store.
func NewMessageStore() *MessageStore {
	return &MessageStore{
		queues: make(map[string][]*storage.Message),
		seqs:   make(map[string]uint64),
	}
}

// Enqueue appends a message and assigns its sequence number.
func (s *MessageStore) Enqueue(ctx context.Context, queue string, msg *storage.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seqs[queue]++
	msg.Sequence = s.seqs[queue]
	s.queues[queue] = append(s.queues[queue], storage.CopyMessage(msg))
	return nil
}

// List returns up to limit messages in sequence order.
func (s *MessageStore) List(ctx context.Context, queue string, limit int) ([]*storage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.queues[queue]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}

	result := make([]*storage.Message, 0, len(msgs))
	for _, msg := range msgs {
		result = append(result, storage.CopyMessage(msg))
	}
	return result, nil
}

// Delete removes an acknowledged message.
func (s *MessageStore) Delete(ctx context.Context, queue string, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.queues[queue]
	for i, msg := range msgs {
		if msg.Sequence == seq {
			s.queues[queue] = append(msgs[:i], msgs[i+1:]...)
			return nil
		}
	}
	return storage.ErrMessageNotFound
}

// Count returns the number of messages held by the queue.
func (s *MessageStore) Count(ctx context.Context, queue string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.queues[queue]), nil
}

func (s *MessageStore) drop(queue string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.queues, queue)
	delete(s.seqs, queue)
}
