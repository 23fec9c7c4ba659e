// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/absmach/vtbridge/storage"
)

var _ storage.QueueStore = (*QueueStore)(nil)

// QueueStore is an in-memory implementation of storage.QueueStore.
type QueueStore struct {
	mu       sync.RWMutex
	queues   map[string]storage.Queue
	messages *MessageStore
}

// NewQueueStore creates a new in-memory queue store. Deleting a queue drops
// its messages from the given message store.
func NewQueueStore(messages *MessageStore) *QueueStore {
	return &QueueStore{
		queues:   make(map[string]storage.Queue),
		messages: messages,
	}
}

func (s *QueueStore) CreateQueue(ctx context.Context, queue storage.Queue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.queues[queue.Name]; ok {
		return storage.ErrQueueAlreadyExists
	}
	s.queues[queue.Name] = queue
	return nil
}

func (s *QueueStore) GetQueue(ctx context.Context, name string) (*storage.Queue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.queues[name]
	if !ok {
		return nil, storage.ErrQueueNotFound
	}
	return &q, nil
}

func (s *QueueStore) DeleteQueue(ctx context.Context, name string) error {
	s.mu.Lock()
	delete(s.queues, name)
	s.mu.Unlock()

	if s.messages != nil {
		s.messages.drop(name)
	}
	return nil
}

func (s *QueueStore) ListQueues(ctx context.Context) ([]storage.Queue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	queues := make([]storage.Queue, 0, len(s.queues))
	for _, q := range s.queues {
		queues = append(queues, q)
	}
	sort.Slice(queues, func(i, j int) bool { return queues[i].Name < queues[j].Name })
	return queues, nil
}
