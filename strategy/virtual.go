// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/absmach/vtbridge/broker"
	"github.com/absmach/vtbridge/broker/events"
	"github.com/absmach/vtbridge/topics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var _ Strategy = (*VirtualTopic)(nil)

// VirtualTopic routes publishes through VirtualTopic.* topics and backs
// QoS 1 and 2 subscriptions of persistent sessions with consumer queues
// named Consumer.<clientID>:<QOS>.VirtualTopic.<topic>. The queue name is
// the only record of the subscription, so a reconnecting client gets its
// subscriptions back by listing its queues.
type VirtualTopic struct {
	Base

	queues    QueueLister
	recovered recoveredSet
}

// NewVirtualTopic returns the virtual topic strategy for one connection.
func NewVirtualTopic(p Protocol, queues QueueLister, opts ...Option) *VirtualTopic {
	return &VirtualTopic{
		Base:   Base{protocol: p, opts: newOptions(opts)},
		queues: queues,
	}
}

// OnConnect purges the client's durable queues for a clean session and
// re-binds consumers to them otherwise. Only failing to list the queues is
// an error; problems with single queues are logged and skipped.
func (s *VirtualTopic) OnConnect(ctx context.Context, cleanStart bool) error {
	clientID := s.protocol.ClientID()
	if clientID == "" || s.queues == nil {
		return nil
	}

	ctx, span := s.opts.tracer.Start(ctx, "strategy.restore_durable",
		trace.WithAttributes(
			attribute.String("client_id", clientID),
			attribute.Bool("clean_start", cleanStart),
		))
	defer span.End()

	queues, err := s.queues.ListQueues(ctx, func(d broker.Destination) bool {
		return ownsQueue(d.Name, clientID)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list queues")
		return fmt.Errorf("%w: %w", ErrRestoreDurable, err)
	}
	span.SetAttributes(attribute.Int("queues", len(queues)))

	if cleanStart {
		s.purge(ctx, queues)
		return nil
	}
	s.restore(ctx, queues)
	return nil
}

// ownsQueue matches the durable queues of clientID. Queues that start with
// the client's prefix but do not decode are included so that recovery
// reports them; queues of another client whose ID extends this one are not.
// Matching on "Consumer.<id>:" rather than "Consumer.<id>" narrows recovery:
// a queue such as Consumer.car1.x is neither restored nor purged for car1.
func ownsQueue(name, clientID string) bool {
	if !strings.HasPrefix(name, topics.ConsumerPrefix+clientID+":") {
		return false
	}
	d, err := DecodeDurableQueue(name)
	return err != nil || d.ClientID == clientID
}

func (s *VirtualTopic) purge(ctx context.Context, queues []broker.Destination) {
	names := make([]string, 0, len(queues))
	for _, q := range queues {
		s.protocol.Forget(broker.DestinationInfo{
			ConnectionID: s.protocol.ConnectionID(),
			Destination:  q,
			Operation:    broker.OperationRemove,
		})
		names = append(names, q.Name)
	}
	if len(queues) == 0 {
		return
	}

	s.opts.logger.Debug("durable subscriptions purged",
		slog.String("client_id", s.protocol.ClientID()),
		slog.Any("queues", names))
	if s.opts.metrics != nil {
		s.opts.metrics.RecordDurablePurged(len(queues))
	}
	s.notify(ctx, events.DurablePurged{ClientID: s.protocol.ClientID(), Queues: names})
}

func (s *VirtualTopic) restore(ctx context.Context, queues []broker.Destination) {
	names := make([]string, 0, len(queues))
	for _, q := range queues {
		d, err := DecodeDurableQueue(q.Name)
		if err != nil {
			s.opts.logger.Warn("could not restore durable subscription",
				slog.String("client_id", s.protocol.ClientID()),
				slog.String("queue", q.Name),
				slog.String("error", err.Error()))
			if s.opts.metrics != nil {
				s.opts.metrics.RecordError("durable_decode")
			}
			continue
		}

		if _, err := s.protocol.DoSubscribe(ctx, consumerInfo(s.protocol, q), d.Topic, d.QoS); err != nil {
			s.opts.logger.Warn("could not restore durable subscription",
				slog.String("client_id", s.protocol.ClientID()),
				slog.String("queue", q.Name),
				slog.String("error", err.Error()))
			continue
		}
		s.recovered.Add(q)
		names = append(names, q.Name)

		s.opts.logger.Debug("durable subscription restored",
			slog.String("client_id", s.protocol.ClientID()),
			slog.String("topic", d.Topic),
			slog.String("qos", d.QoS.String()))
	}
	if len(names) == 0 {
		return
	}

	if s.opts.metrics != nil {
		s.opts.metrics.RecordDurableRestored(len(names))
	}
	s.notify(ctx, events.DurableRestored{ClientID: s.protocol.ClientID(), Queues: names})
}

// OnSubscribe uses a durable queue for QoS 1 and 2 subscriptions of a
// persistent session with a client ID, and a virtual topic otherwise.
func (s *VirtualTopic) OnSubscribe(ctx context.Context, topic string, qos QoS) (byte, error) {
	var dest broker.Destination
	clientID := s.protocol.ClientID()
	if !s.protocol.CleanSession() && clientID != "" && qos >= AtLeastOnce {
		dest = broker.NewQueue(EncodeDurableQueue(clientID, qos, topic))
	} else {
		dest = broker.NewTopic(topics.ToVirtual(topics.MQTTToBroker(topic)))
	}

	return s.protocol.DoSubscribe(ctx, consumerInfo(s.protocol, dest), topic, qos)
}

// OnReSubscribe is a no-op for a queue whose consumer OnConnect already
// bound. Other queue subscriptions get a new consumer; topic subscriptions
// behave as in Base.
func (s *VirtualTopic) OnReSubscribe(ctx context.Context, sub *Subscription) error {
	dest := sub.Destination()
	if s.recovered.Take(dest) {
		return nil
	}

	if dest.IsTopic() {
		return s.Base.OnReSubscribe(ctx, sub)
	}

	if err := s.protocol.DoUnSubscribe(ctx, sub); err != nil {
		return err
	}
	info := sub.Consumer
	info.ConsumerID = s.protocol.NextConsumerID()
	_, err := s.protocol.DoSubscribe(ctx, info, sub.TopicName, sub.QoS)
	return err
}

// OnUnSubscribe removes the durable queue behind a queue subscription.
// The outcome is not awaited.
func (s *VirtualTopic) OnUnSubscribe(ctx context.Context, sub *Subscription) error {
	if sub.Destination().IsQueue() {
		s.protocol.Forget(broker.DestinationInfo{
			ConnectionID: s.protocol.ConnectionID(),
			Destination:  sub.Destination(),
			Operation:    broker.OperationRemove,
		})
	}
	return nil
}

// OnSend returns the virtual topic for an MQTT topic. Names already in the
// VirtualTopic namespace are not prefixed again.
func (s *VirtualTopic) OnSend(topic string) broker.Destination {
	return broker.NewTopic(topics.ToVirtual(topics.MQTTToBroker(topic)))
}

// OnDeliver strips one VirtualTopic prefix and converts back to MQTT syntax.
func (s *VirtualTopic) OnDeliver(dest broker.Destination) string {
	return topics.BrokerToMQTT(topics.FromVirtual(dest.Name))
}

func (s *VirtualTopic) IsControlTopic(dest broker.Destination) bool {
	return topics.IsControl(dest.Name)
}

func (s *VirtualTopic) notify(ctx context.Context, e events.Event) {
	if s.opts.webhooks == nil {
		return
	}
	if err := s.opts.webhooks.Notify(ctx, e); err != nil {
		s.opts.logger.Debug("webhook notify failed", slog.String("error", err.Error()))
	}
}
