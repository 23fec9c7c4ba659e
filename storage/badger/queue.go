// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/absmach/vtbridge/storage"
	"github.com/dgraph-io/badger/v4"
)

const (
	queueMetaPrefix    = "queue:meta:"
	queueMessagePrefix = "queue:msg:"
	queueSeqPrefix     = "queue:seq:"

	deleteBatchSize = 10000
)

var _ storage.QueueStore = (*QueueStore)(nil)

// QueueStore implements storage.QueueStore using BadgerDB.
//
// Key format: queue:meta:{name}.
type QueueStore struct {
	db *badger.DB
}

// NewQueueStore creates a new BadgerDB queue store.
func NewQueueStore(db *badger.DB) *QueueStore {
	return &QueueStore{db: db}
}

func (s *QueueStore) CreateQueue(ctx context.Context, queue storage.Queue) error {
	key := []byte(queueMetaPrefix + queue.Name)
	data, err := json.Marshal(queue)
	if err != nil {
		return fmt.Errorf("failed to marshal queue: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return storage.ErrQueueAlreadyExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
}

func (s *QueueStore) GetQueue(ctx context.Context, name string) (*storage.Queue, error) {
	var queue storage.Queue

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(queueMetaPrefix + name))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrQueueNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &queue)
		})
	})
	if err != nil {
		return nil, err
	}

	return &queue, nil
}

// DeleteQueue removes queue metadata, its messages and its sequence counter.
// Messages are deleted in batches of deleteBatchSize keys so that a large
// backlog does not exceed Badger's transaction size limit.
func (s *QueueStore) DeleteQueue(ctx context.Context, name string) error {
	prefix := messagePrefix(name)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		keys, err := s.messageKeys(prefix, deleteBatchSize)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			break
		}
		err = s.db.Update(func(txn *badger.Txn) error {
			for _, key := range keys {
				if err := txn.Delete(key); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to delete messages of queue %s: %w", name, err)
		}
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(queueSeqPrefix + name)); err != nil {
			return err
		}
		return txn.Delete([]byte(queueMetaPrefix + name))
	})
}

func (s *QueueStore) messageKeys(prefix []byte, limit int) ([][]byte, error) {
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid() && len(keys) < limit; it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	return keys, err
}

func (s *QueueStore) ListQueues(ctx context.Context) ([]storage.Queue, error) {
	queues := make([]storage.Queue, 0)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(queueMetaPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := it.Item().Value(func(val []byte) error {
				var q storage.Queue
				if err := json.Unmarshal(val, &q); err != nil {
					return err
				}
				queues = append(queues, q)
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal queue: %w", err)
			}
		}
		return nil
	})

	return queues, err
}
