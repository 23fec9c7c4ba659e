// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"fmt"
	"sync"
	"time"

	"github.com/absmach/vtbridge/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.Store = (*Store)(nil)

// Store is the composite BadgerDB store implementing all storage interfaces.
type Store struct {
	db *badger.DB

	queues   *QueueStore
	messages *MessageStore

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// Config holds BadgerDB configuration.
type Config struct {
	Dir         string          // Directory for BadgerDB data
	Compression CompressionType // Payload compression for queued messages
	GCInterval  time.Duration   // Value log GC interval (default 5m)
}

// New creates a new BadgerDB-backed store.
func New(cfg Config) (*Store, error) {
	if _, err := ParseCompression(string(cfg.Compression)); err != nil {
		return nil, err
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = 5 * time.Minute
	}

	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil // Disable BadgerDB's internal logging
	// Durable queues are the only state this store holds; losing a write
	// means losing an offline client's message, so writes are synced.
	opts.SyncWrites = true
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %s: %w", cfg.Dir, err)
	}

	messages := NewMessageStore(db, cfg.Compression)
	s := &Store{
		db:       db,
		queues:   NewQueueStore(db),
		messages: messages,
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}

	go s.runGC(cfg.GCInterval)

	return s, nil
}

// Queues returns the queue store.
func (s *Store) Queues() storage.QueueStore {
	return s.queues
}

// Messages returns the message store.
func (s *Store) Messages() storage.MessageStore {
	return s.messages
}

// Close gracefully closes the BadgerDB database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	return s.db.Close()
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (s *Store) runGC(interval time.Duration) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Returns an error when nothing was rewritten, which is fine.
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			return
		}
	}
}
