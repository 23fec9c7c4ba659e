// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"github.com/absmach/vtbridge/storage"
)

var _ storage.Store = (*Store)(nil)

// Store is the composite in-memory store.
type Store struct {
	queues   *QueueStore
	messages *MessageStore
}

// New creates a new in-memory store.
func New() *Store {
	messages := NewMessageStore()
	return &Store{
		queues:   NewQueueStore(messages),
		messages: messages,
	}
}

// Queues returns the queue store.
func (s *Store) Queues() storage.QueueStore {
	return s.queues
}

// Messages returns the message store.
func (s *Store) Messages() storage.MessageStore {
	return s.messages
}

// Close closes all stores (no-op for memory).
func (s *Store) Close() error {
	return nil
}
