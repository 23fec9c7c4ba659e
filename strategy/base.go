// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package strategy

import (
	"context"
	"log/slog"
	"strings"

	"github.com/absmach/vtbridge/broker"
	"github.com/absmach/vtbridge/topics"
)

var _ Strategy = (*Base)(nil)

// Base maps every subscription to a plain broker topic. It keeps no
// server-side state across connections.
type Base struct {
	protocol Protocol
	opts     options
}

// NewBase returns the default strategy.
func NewBase(p Protocol, opts ...Option) *Base {
	return &Base{protocol: p, opts: newOptions(opts)}
}

func (s *Base) OnConnect(ctx context.Context, cleanStart bool) error {
	return nil
}

func (s *Base) OnSubscribe(ctx context.Context, topic string, qos QoS) (byte, error) {
	info := consumerInfo(s.protocol, broker.NewTopic(topics.MQTTToBroker(topic)))
	return s.protocol.DoSubscribe(ctx, info, topic, qos)
}

// OnReSubscribe keeps the existing topic consumer and replays the retained
// messages matching it, as a fresh SUBSCRIBE would.
func (s *Base) OnReSubscribe(ctx context.Context, sub *Subscription) error {
	if !sub.Destination().IsTopic() {
		return nil
	}
	err := s.protocol.Request(ctx, broker.RecoverRetained{ConsumerID: sub.Consumer.ConsumerID})
	if err != nil {
		s.opts.logger.Warn("retained message replay failed",
			slog.String("client_id", s.protocol.ClientID()),
			slog.String("topic", sub.TopicName),
			slog.String("error", err.Error()))
	}
	return err
}

func (s *Base) OnUnSubscribe(ctx context.Context, sub *Subscription) error {
	return nil
}

func (s *Base) OnSend(topic string) broker.Destination {
	return broker.NewTopic(topics.MQTTToBroker(topic))
}

func (s *Base) OnDeliver(dest broker.Destination) string {
	return topics.BrokerToMQTT(dest.Name)
}

func (s *Base) IsControlTopic(dest broker.Destination) bool {
	return strings.HasPrefix(dest.Name, "$")
}
