// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/absmach/vtbridge/storage"
	"github.com/dgraph-io/badger/v4"
)

const maxConflictRetries = 8

var _ storage.MessageStore = (*MessageStore)(nil)

// MessageStore implements storage.MessageStore using BadgerDB.
//
// Key format: queue:msg:{queue}\x00{seq as 8 bytes big endian}.
// The sequence counter lives at queue:seq:{queue}.
type MessageStore struct {
	db          *badger.DB
	compression CompressionType
}

// storedMessage is the on-disk form. Codec records how Payload was
// compressed so that changing the configured compression keeps old
// messages readable.
type storedMessage struct {
	storage.Message
	Codec CompressionType `json:"codec,omitempty"`
}

// NewMessageStore creates a new BadgerDB message store.
func NewMessageStore(db *badger.DB, compression CompressionType) *MessageStore {
	if compression == "" {
		compression = CompressionNone
	}
	return &MessageStore{db: db, compression: compression}
}

func (s *MessageStore) Enqueue(ctx context.Context, queue string, msg *storage.Message) error {
	if msg == nil {
		return fmt.Errorf("nil message")
	}

	var err error
	for range maxConflictRetries {
		if err = ctx.Err(); err != nil {
			return err
		}
		err = s.db.Update(func(txn *badger.Txn) error {
			seq, err := nextSequence(txn, queue)
			if err != nil {
				return err
			}

			stored := storedMessage{Message: *msg, Codec: s.compression}
			stored.Sequence = seq
			stored.Payload = compress(msg.Payload, s.compression)

			data, err := json.Marshal(stored)
			if err != nil {
				return fmt.Errorf("failed to marshal message: %w", err)
			}
			if err := txn.Set(messageKey(queue, seq), data); err != nil {
				return err
			}

			msg.Sequence = seq
			return nil
		})
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}

	return err
}

func (s *MessageStore) List(ctx context.Context, queue string, limit int) ([]*storage.Message, error) {
	msgs := make([]*storage.Message, 0)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = messagePrefix(queue)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if limit > 0 && len(msgs) >= limit {
				break
			}
			if err := ctx.Err(); err != nil {
				return err
			}

			var stored storedMessage
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &stored)
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}

			payload, err := decompress(stored.Payload, stored.Codec)
			if err != nil {
				return fmt.Errorf("failed to decompress message %d: %w", stored.Sequence, err)
			}
			msg := stored.Message
			msg.Payload = payload
			msgs = append(msgs, &msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return msgs, nil
}

func (s *MessageStore) Delete(ctx context.Context, queue string, seq uint64) error {
	key := messageKey(queue, seq)

	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrMessageNotFound
			}
			return err
		}
		return txn.Delete(key)
	})
}

func (s *MessageStore) Count(ctx context.Context, queue string) (int, error) {
	count := 0

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = messagePrefix(queue)
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})

	return count, err
}

func nextSequence(txn *badger.Txn, queue string) (uint64, error) {
	key := []byte(queueSeqPrefix + queue)

	var last uint64
	item, err := txn.Get(key)
	switch {
	case err == nil:
		err = item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("corrupt sequence for queue %s", queue)
			}
			last = binary.BigEndian.Uint64(val)
			return nil
		})
		if err != nil {
			return 0, err
		}
	case !errors.Is(err, badger.ErrKeyNotFound):
		return 0, err
	}

	next := last + 1
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, next)
	if err := txn.Set(key, buf); err != nil {
		return 0, err
	}

	return next, nil
}

// messagePrefix terminates the queue name with a NUL byte, which topic
// validation rejects, so that no queue's prefix covers another queue.
func messagePrefix(queue string) []byte {
	prefix := make([]byte, 0, len(queueMessagePrefix)+len(queue)+1)
	prefix = append(prefix, queueMessagePrefix...)
	prefix = append(prefix, queue...)
	return append(prefix, 0)
}

func messageKey(queue string, seq uint64) []byte {
	key := messagePrefix(queue)
	return binary.BigEndian.AppendUint64(key, seq)
}
