// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/vtbridge/broker"
	"github.com/absmach/vtbridge/broker/events"
	"github.com/absmach/vtbridge/strategy"
	"github.com/eclipse/paho.mqtt.golang/packets"
)

var (
	_ strategy.Protocol = (*Session)(nil)
	_ broker.Deliverer  = (*Session)(nil)

	ErrSessionClosed   = errors.New("session closed")
	ErrUnknownConsumer = errors.New("no subscription for consumer")
)

// will is the message published when the connection drops without DISCONNECT.
type will struct {
	topic   string
	payload []byte
	qos     byte
	retain  bool
}

// subackFailure is the SUBACK return code for a refused subscription.
const subackFailure byte = 0x80

type command struct {
	cmd  broker.Command
	done chan error // nil for fire-and-forget
}

// Session is one MQTT client connection. It is the strategy's Protocol and
// the broker's Deliverer for the consumers it binds.
type Session struct {
	id        string
	clientID  string
	clean     bool
	keepAlive time.Duration
	version   byte
	will      *will

	mgr      *Manager
	conn     *conn
	strategy strategy.Strategy
	logger   *slog.Logger

	nextConsumer atomic.Int64
	inflight     *inflight

	mu         sync.Mutex
	subs       map[string]*strategy.Subscription // by MQTT topic filter
	byConsumer map[broker.ConsumerID]*strategy.Subscription

	cmdMu        sync.Mutex
	cmds         chan command
	cmdsClosed   bool
	pipelineDone chan struct{}

	done      chan struct{} // closed once cleanup finished
	closeOnce sync.Once
	reason    string
}

func newSession(m *Manager, c *conn, id string, connect *packets.ConnectPacket) *Session {
	s := &Session{
		id:           id,
		clientID:     connect.ClientIdentifier,
		clean:        connect.CleanSession,
		keepAlive:    time.Duration(connect.Keepalive) * time.Second,
		version:      connect.ProtocolVersion,
		mgr:          m,
		conn:         c,
		logger:       m.logger.With(slog.String("client_id", connect.ClientIdentifier)),
		inflight:     newInflight(m.cfg.MaxInflight),
		subs:         make(map[string]*strategy.Subscription),
		byConsumer:   make(map[broker.ConsumerID]*strategy.Subscription),
		cmds:         make(chan command, 64),
		pipelineDone: make(chan struct{}),
		done:         make(chan struct{}),
	}
	if connect.WillFlag {
		s.will = &will{
			topic:   connect.WillTopic,
			payload: connect.WillMessage,
			qos:     connect.WillQos,
			retain:  connect.WillRetain,
		}
	}
	go s.pipeline()
	return s
}

func (s *Session) ClientID() string     { return s.clientID }
func (s *Session) CleanSession() bool   { return s.clean }
func (s *Session) ConnectionID() string { return s.id }
func (s *Session) Prefetch() int        { return s.mgr.cfg.SubscriptionPrefetch }

func (s *Session) NextConsumerID() broker.ConsumerID {
	return broker.ConsumerID{ConnectionID: s.id, Value: s.nextConsumer.Add(1)}
}

// pipeline executes broker commands one at a time, in submission order.
// Commands still queued when the session closes are executed before it exits.
func (s *Session) pipeline() {
	defer close(s.pipelineDone)

	for c := range s.cmds {
		err := s.mgr.broker.Send(context.Background(), c.cmd)
		if c.done != nil {
			c.done <- err
			continue
		}
		if err != nil {
			s.logger.Debug("broker command failed",
				slog.String("command", commandName(c.cmd)),
				slog.String("error", err.Error()))
		}
	}
}

func (s *Session) submit(c command) error {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	if s.cmdsClosed {
		return ErrSessionClosed
	}
	s.cmds <- c
	return nil
}

// Request sends cmd to the broker and waits for its outcome.
func (s *Session) Request(ctx context.Context, cmd broker.Command) error {
	done := make(chan error, 1)
	if err := s.submit(command{cmd: cmd, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Forget sends cmd to the broker and ignores the outcome.
func (s *Session) Forget(cmd broker.Command) {
	if err := s.submit(command{cmd: cmd}); err != nil {
		s.logger.Debug("command dropped",
			slog.String("command", commandName(cmd)),
			slog.String("error", err.Error()))
	}
}

func (s *Session) closePipeline() {
	s.cmdMu.Lock()
	if !s.cmdsClosed {
		s.cmdsClosed = true
		close(s.cmds)
	}
	s.cmdMu.Unlock()
	<-s.pipelineDone
}

// DoSubscribe binds the consumer and records the subscription.
func (s *Session) DoSubscribe(ctx context.Context, info broker.ConsumerInfo, topic string, qos strategy.QoS) (byte, error) {
	sub := &strategy.Subscription{TopicName: topic, QoS: qos, Consumer: info}

	// Recorded first so that deliveries racing the bind find it.
	s.mu.Lock()
	s.subs[topic] = sub
	s.byConsumer[info.ConsumerID] = sub
	s.mu.Unlock()

	if err := s.Request(ctx, info); err != nil {
		s.mu.Lock()
		if s.subs[topic] == sub {
			delete(s.subs, topic)
		}
		delete(s.byConsumer, info.ConsumerID)
		s.mu.Unlock()
		return subackFailure, err
	}

	kind := info.Destination.Kind.String()
	if m := s.mgr.metrics; m != nil {
		m.RecordSubscriptionAdded(kind)
	}
	s.mgr.notify(context.WithoutCancel(ctx), events.SubscriptionCreated{
		ClientID:    s.clientID,
		TopicFilter: topic,
		QoS:         byte(qos),
		Destination: info.Destination.String(),
	})
	s.logger.Debug("subscribed",
		slog.String("topic", topic),
		slog.String("qos", qos.String()),
		slog.String("destination", info.Destination.String()))

	return byte(qos), nil
}

// DoUnSubscribe removes the subscription's consumer and forgets it.
func (s *Session) DoUnSubscribe(ctx context.Context, sub *strategy.Subscription) error {
	s.mu.Lock()
	if s.subs[sub.TopicName] == sub {
		delete(s.subs, sub.TopicName)
	}
	delete(s.byConsumer, sub.Consumer.ConsumerID)
	s.mu.Unlock()

	err := s.Request(ctx, broker.RemoveInfo{ConsumerID: sub.Consumer.ConsumerID})
	if err != nil && !errors.Is(err, broker.ErrConsumerNotFound) {
		return err
	}

	if m := s.mgr.metrics; m != nil {
		m.RecordSubscriptionRemoved(sub.Destination().Kind.String())
	}
	s.mgr.notify(context.WithoutCancel(ctx), events.SubscriptionRemoved{
		ClientID:    s.clientID,
		TopicFilter: sub.TopicName,
		Destination: sub.Destination().String(),
	})
	return nil
}

func (s *Session) subscription(topic string) *strategy.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs[topic]
}

// Subscriptions returns the active subscriptions by MQTT topic filter.
func (s *Session) Subscriptions() map[string]strategy.QoS {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := make(map[string]strategy.QoS, len(s.subs))
	for t, sub := range s.subs {
		ret[t] = sub.QoS
	}
	return ret
}

// Deliver writes a broker message to the client. Queue messages delivered
// at QoS 0 are acknowledged right away; the others when the client acks.
func (s *Session) Deliver(id broker.ConsumerID, msg *broker.Message) error {
	s.mu.Lock()
	sub, ok := s.byConsumer[id]
	s.mu.Unlock()
	if !ok {
		return ErrUnknownConsumer
	}

	topic := s.strategy.OnDeliver(msg.Destination)
	qos := min(msg.QoS, byte(sub.QoS))

	pkt := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	pkt.TopicName = topic
	pkt.Payload = msg.Payload
	pkt.Qos = qos
	pkt.Retain = msg.Retain

	if qos > 0 {
		pid, err := s.inflight.add(&delivery{
			Consumer: id,
			Queue:    msg.Queue,
			Sequence: msg.Sequence,
			QoS:      qos,
		})
		if err != nil {
			return err
		}
		pkt.MessageID = pid
		pkt.Dup = msg.Redelivered
	}

	size := int64(len(msg.Payload))
	err := s.conn.WriteData(pkt, func() {
		if m := s.mgr.metrics; m != nil {
			m.RecordMessageSent(qos, size)
		}
	})
	if err != nil {
		if qos > 0 {
			_, _ = s.inflight.ack(pkt.MessageID)
		}
		return err
	}

	if qos == 0 && msg.Queue != "" {
		s.ack(&delivery{Consumer: id, Queue: msg.Queue, Sequence: msg.Sequence})
	}
	return nil
}

func (s *Session) ack(d *delivery) {
	if d.Queue == "" {
		return
	}
	if err := s.mgr.broker.Ack(context.Background(), d.Consumer, d.Queue, d.Sequence); err != nil {
		s.logger.Debug("queue ack failed",
			slog.String("queue", d.Queue),
			slog.Uint64("sequence", d.Sequence),
			slog.String("error", err.Error()))
	}
}

func commandName(cmd broker.Command) string {
	switch cmd.(type) {
	case broker.ConsumerInfo:
		return "consumer_info"
	case broker.RemoveInfo:
		return "remove_info"
	case broker.DestinationInfo:
		return "destination_info"
	case broker.RecoverRetained:
		return "recover_retained"
	default:
		return "unknown"
	}
}
