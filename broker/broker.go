// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/vtbridge/server/otel"
	"github.com/absmach/vtbridge/storage"
	"github.com/absmach/vtbridge/storage/memory"
)

var (
	ErrClosed             = errors.New("broker closed")
	ErrConnectionExists   = errors.New("connection already registered")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrConsumerExists     = errors.New("consumer already exists")
	ErrConsumerNotFound   = errors.New("consumer not found")
	ErrDestinationInUse   = errors.New("destination has active consumers")
	ErrUnknownCommand     = errors.New("unknown command")
)

const defaultTopicBuffer = 256

// Message is a message routed by the broker.
type Message struct {
	ID string
	// Destination is the topic the message was published to. Queue copies
	// keep the original topic so consumers can map it back to a client name.
	Destination Destination
	// Queue names the queue a delivery came from; empty for topic deliveries.
	Queue    string
	Sequence uint64
	Payload  []byte
	QoS      byte
	Retain   bool
	// Redelivered is set when a queue message is handed out again after its
	// previous consumer went away without acknowledging it.
	Redelivered bool
	PublishedAt time.Time
}

// Deliverer receives messages for the consumers of one connection.
type Deliverer interface {
	Deliver(id ConsumerID, msg *Message) error
}

// Broker is an in-process topic/queue broker. Topics fan out to every
// matching consumer; queues are persisted and hand each message to one
// consumer until it is acknowledged. Publishing to a VirtualTopic.* topic
// also copies the message into every queue Consumer.<name>.VirtualTopic.*
// that matches it.
type Broker struct {
	mu        sync.RWMutex
	conns     map[string]*connection
	consumers map[ConsumerID]*consumer
	queues    map[string]*queueState
	retained  map[string]*Message

	queueStore   storage.QueueStore
	messageStore storage.MessageStore

	logger  *slog.Logger
	stats   *Stats
	metrics *otel.Metrics // nil if metrics disabled

	topicBuffer int
	closed      atomic.Bool
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the broker logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithMetrics enables OTel metrics.
func WithMetrics(m *otel.Metrics) Option {
	return func(b *Broker) { b.metrics = m }
}

// WithStats sets the stats collector.
func WithStats(s *Stats) Option {
	return func(b *Broker) {
		if s != nil {
			b.stats = s
		}
	}
}

// WithTopicBuffer sets the channel size of async topic consumers.
func WithTopicBuffer(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.topicBuffer = n
		}
	}
}

// New creates a broker on top of the given store and loads the queues it holds.
// A nil store falls back to memory storage.
func New(ctx context.Context, store storage.Store, opts ...Option) (*Broker, error) {
	if store == nil {
		store = memory.New()
	}

	b := &Broker{
		conns:        make(map[string]*connection),
		consumers:    make(map[ConsumerID]*consumer),
		queues:       make(map[string]*queueState),
		retained:     make(map[string]*Message),
		queueStore:   store.Queues(),
		messageStore: store.Messages(),
		logger:       slog.Default(),
		stats:        NewStats(),
		topicBuffer:  defaultTopicBuffer,
	}
	for _, opt := range opts {
		opt(b)
	}

	queues, err := b.queueStore.ListQueues(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load queues: %w", err)
	}
	for _, q := range queues {
		b.queues[q.Name] = newQueueState(q.Name)
	}
	b.logger.Info("broker started", slog.Int("queues", len(queues)))

	return b, nil
}

// Stats returns the broker statistics.
func (b *Broker) Stats() *Stats {
	return b.stats
}

// Connect registers a connection and the deliverer for its consumers.
func (b *Broker) Connect(connID string, d Deliverer) error {
	if b.closed.Load() {
		return ErrClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.conns[connID]; ok {
		return ErrConnectionExists
	}
	b.conns[connID] = &connection{
		id:        connID,
		deliverer: d,
		consumers: make(map[int64]*consumer),
	}
	b.stats.currentConnections.Add(1)
	b.stats.totalConnections.Add(1)

	return nil
}

// Disconnect removes a connection and all its consumers. Unacknowledged
// queue messages go back to their queues.
func (b *Broker) Disconnect(ctx context.Context, connID string) {
	b.mu.Lock()
	conn, ok := b.conns[connID]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.conns, connID)

	removed := make([]*consumer, 0, len(conn.consumers))
	for _, c := range conn.consumers {
		delete(b.consumers, c.info.ConsumerID)
		removed = append(removed, c)
	}
	b.mu.Unlock()

	b.stats.currentConnections.Add(-1)
	for _, c := range removed {
		b.release(ctx, c)
	}
}

// Send executes a control command.
func (b *Broker) Send(ctx context.Context, cmd Command) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	switch c := cmd.(type) {
	case ConsumerInfo:
		return b.addConsumer(ctx, c)
	case RemoveInfo:
		return b.removeConsumer(ctx, c.ConsumerID)
	case DestinationInfo:
		return b.destination(ctx, c)
	case RecoverRetained:
		return b.recoverRetained(ctx, c.ConsumerID)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)
	}
}

// ListQueues enumerates the persisted queues accepted by match.
func (b *Broker) ListQueues(ctx context.Context, match func(Destination) bool) ([]Destination, error) {
	queues, err := b.queueStore.ListQueues(ctx)
	if err != nil {
		return nil, err
	}

	var ret []Destination
	for _, q := range queues {
		d := NewQueue(q.Name)
		if match == nil || match(d) {
			ret = append(ret, d)
		}
	}
	return ret, nil
}

// Close stops every consumer. Persisted queues are left untouched.
func (b *Broker) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	b.mu.Lock()
	consumers := make([]*consumer, 0, len(b.consumers))
	for _, c := range b.consumers {
		consumers = append(consumers, c)
	}
	b.consumers = make(map[ConsumerID]*consumer)
	b.conns = make(map[string]*connection)
	b.mu.Unlock()

	for _, c := range consumers {
		c.stop()
	}
	return nil
}

func (b *Broker) addConsumer(ctx context.Context, info ConsumerInfo) error {
	b.mu.Lock()
	conn, ok := b.conns[info.ConsumerID.ConnectionID]
	if !ok {
		b.mu.Unlock()
		return ErrConnectionNotFound
	}
	if _, ok := b.consumers[info.ConsumerID]; ok {
		b.mu.Unlock()
		return ErrConsumerExists
	}

	var q *queueState
	if info.Destination.IsQueue() {
		var err error
		if q, err = b.ensureQueueLocked(ctx, info.Destination.Name); err != nil {
			b.mu.Unlock()
			return err
		}
	}

	buffer := b.topicBuffer
	if q != nil {
		// Queue consumers never hold more than Prefetch undelivered messages.
		buffer = max(info.Prefetch, 1)
	}
	c := newConsumer(info, conn, buffer, b.logger)
	b.consumers[info.ConsumerID] = c
	conn.consumers[info.ConsumerID.Value] = c
	if q != nil {
		q.mu.Lock()
		q.consumers = append(q.consumers, c)
		q.mu.Unlock()
	}
	b.mu.Unlock()

	if info.DispatchAsync {
		go c.run()
	}
	b.stats.consumerAdded(info.Destination)

	b.logger.Debug("consumer added",
		slog.String("consumer_id", info.ConsumerID.String()),
		slog.String("destination", info.Destination.String()),
		slog.Int("prefetch", info.Prefetch))

	if q != nil {
		return b.dispatch(ctx, q)
	}
	if info.Retroactive {
		b.replayRetained(ctx, c)
	}
	return nil
}

func (b *Broker) removeConsumer(ctx context.Context, id ConsumerID) error {
	b.mu.Lock()
	c, ok := b.consumers[id]
	if !ok {
		b.mu.Unlock()
		return ErrConsumerNotFound
	}
	delete(b.consumers, id)
	delete(c.conn.consumers, id.Value)
	b.mu.Unlock()

	b.release(ctx, c)
	return nil
}

// release stops a removed consumer and hands its unacknowledged queue
// messages to the remaining consumers.
func (b *Broker) release(ctx context.Context, c *consumer) {
	c.stop()
	b.stats.consumerRemoved(c.info.Destination)

	if !c.info.Destination.IsQueue() {
		return
	}

	b.mu.RLock()
	q, ok := b.queues[c.info.Destination.Name]
	b.mu.RUnlock()
	if !ok {
		return
	}

	q.mu.Lock()
	q.remove(c)
	q.mu.Unlock()

	if err := b.dispatch(ctx, q); err != nil {
		b.logger.Warn("queue redispatch failed",
			slog.String("queue", q.name),
			slog.String("error", err.Error()))
	}
}

func (b *Broker) destination(ctx context.Context, info DestinationInfo) error {
	if !info.Destination.IsQueue() {
		// Topics exist implicitly.
		return nil
	}

	switch info.Operation {
	case OperationAdd:
		_, err := b.ensureQueue(ctx, info.Destination.Name)
		return err
	case OperationRemove:
		return b.deleteQueue(ctx, info.Destination.Name)
	default:
		return fmt.Errorf("unknown destination operation %d", info.Operation)
	}
}

func (b *Broker) ensureQueue(ctx context.Context, name string) (*queueState, error) {
	b.mu.RLock()
	q, ok := b.queues[name]
	b.mu.RUnlock()
	if ok {
		return q, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	return b.ensureQueueLocked(ctx, name)
}

// ensureQueueLocked must be called with b.mu held.
func (b *Broker) ensureQueueLocked(ctx context.Context, name string) (*queueState, error) {
	if q, ok := b.queues[name]; ok {
		return q, nil
	}

	err := b.queueStore.CreateQueue(ctx, storage.Queue{Name: name, CreatedAt: time.Now()})
	if err != nil && !errors.Is(err, storage.ErrQueueAlreadyExists) {
		return nil, fmt.Errorf("failed to create queue %s: %w", name, err)
	}

	q := newQueueState(name)
	b.queues[name] = q
	b.logger.Info("queue created", slog.String("queue", name))

	return q, nil
}

func (b *Broker) deleteQueue(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if ok {
		q.mu.Lock()
		defer q.mu.Unlock()
		if len(q.consumers) > 0 {
			return fmt.Errorf("remove queue %s: %w", name, ErrDestinationInUse)
		}
	}

	if err := b.queueStore.DeleteQueue(ctx, name); err != nil && !errors.Is(err, storage.ErrQueueNotFound) {
		return fmt.Errorf("failed to delete queue %s: %w", name, err)
	}
	if ok {
		q.deleted = true
	}
	delete(b.queues, name)
	b.logger.Info("queue removed", slog.String("queue", name))

	return nil
}
