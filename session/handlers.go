// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/absmach/vtbridge/broker"
	"github.com/absmach/vtbridge/broker/events"
	"github.com/absmach/vtbridge/strategy"
	"github.com/absmach/vtbridge/topics"
	"github.com/eclipse/paho.mqtt.golang/packets"
)

var (
	ErrUnexpectedConnect = errors.New("second CONNECT on the same connection")
	ErrUnexpectedPacket  = errors.New("unexpected packet type")
	errDisconnect        = errors.New("client disconnected")
)

// serve reads packets until the connection fails, the client disconnects
// or ctx is cancelled.
func (s *Session) serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.close("shutdown") })
	defer stop()

	if s.keepAlive == 0 {
		_ = s.conn.setReadDeadline(0)
	}
	for {
		if s.keepAlive > 0 {
			// MQTT allows one and a half keep-alive periods of silence.
			_ = s.conn.setReadDeadline(s.keepAlive + s.keepAlive/2)
		}

		pkt, err := s.conn.ReadPacket()
		if err != nil {
			reason := "error"
			var ne net.Error
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				reason = "connection_lost"
			case errors.As(err, &ne) && ne.Timeout():
				reason = "timeout"
			}
			s.close(reason)
			if reason == "error" {
				return err
			}
			return nil
		}

		if err := s.handle(ctx, pkt); err != nil {
			if errors.Is(err, errDisconnect) {
				s.close("normal")
				return nil
			}
			s.close("error")
			return err
		}
	}
}

func (s *Session) handle(ctx context.Context, pkt packets.ControlPacket) error {
	switch p := pkt.(type) {
	case *packets.PublishPacket:
		return s.handlePublish(ctx, p)
	case *packets.PubackPacket:
		s.handleAck(p.MessageID)
		return nil
	case *packets.PubrecPacket:
		return s.handlePubrec(p)
	case *packets.PubrelPacket:
		return s.handlePubrel(p)
	case *packets.PubcompPacket:
		s.handleAck(p.MessageID)
		return nil
	case *packets.SubscribePacket:
		return s.handleSubscribe(ctx, p)
	case *packets.UnsubscribePacket:
		return s.handleUnsubscribe(ctx, p)
	case *packets.PingreqPacket:
		return s.conn.WriteControl(packets.NewControlPacket(packets.Pingresp))
	case *packets.DisconnectPacket:
		// A clean DISCONNECT discards the will.
		s.mu.Lock()
		s.will = nil
		s.mu.Unlock()
		return errDisconnect
	case *packets.ConnectPacket:
		return ErrUnexpectedConnect
	default:
		return fmt.Errorf("%w: %s", ErrUnexpectedPacket, pkt.String())
	}
}

func (s *Session) handlePublish(ctx context.Context, p *packets.PublishPacket) error {
	if err := topics.ValidateTopicName(p.TopicName); err != nil {
		return err
	}
	if p.Qos > 2 {
		return fmt.Errorf("invalid QoS %d", p.Qos)
	}

	if m := s.mgr.metrics; m != nil {
		m.RecordMessageReceived(p.Qos, int64(len(p.Payload)))
	}

	switch p.Qos {
	case 2:
		// A duplicate of a message not yet released is only acknowledged again.
		if !s.inflight.markReceived(p.MessageID) {
			s.route(ctx, p)
		}
		rec := packets.NewControlPacket(packets.Pubrec).(*packets.PubrecPacket)
		rec.MessageID = p.MessageID
		return s.conn.WriteControl(rec)
	case 1:
		s.route(ctx, p)
		ack := packets.NewControlPacket(packets.Puback).(*packets.PubackPacket)
		ack.MessageID = p.MessageID
		return s.conn.WriteControl(ack)
	default:
		s.route(ctx, p)
		return nil
	}
}

// route hands a client publish to the broker. Rate-limited publishes and
// publishes to control topics are acknowledged but not routed.
func (s *Session) route(ctx context.Context, p *packets.PublishPacket) {
	if limits := s.mgr.limits; limits != nil && !limits.AllowPublish(s.clientID) {
		s.logger.Warn("publish rate limit exceeded", slog.String("topic", p.TopicName))
		if m := s.mgr.metrics; m != nil {
			m.RecordError("publish_rate_limited")
		}
		return
	}

	dest := s.strategy.OnSend(p.TopicName)
	if s.strategy.IsControlTopic(dest) {
		s.logger.Debug("publish to control topic not routed", slog.String("topic", p.TopicName))
		return
	}

	s.publish(ctx, dest, p.TopicName, p.Payload, p.Qos, p.Retain)
}

func (s *Session) publish(ctx context.Context, dest broker.Destination, topic string, payload []byte, qos byte, retain bool) {
	err := s.mgr.broker.Publish(ctx, dest, &broker.Message{
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	})
	if err != nil {
		s.logger.Warn("publish failed",
			slog.String("topic", topic),
			slog.String("error", err.Error()))
		if m := s.mgr.metrics; m != nil {
			m.RecordError("publish")
		}
		return
	}

	s.mgr.notify(ctx, events.MessagePublished{
		ClientID:     s.clientID,
		MessageTopic: topic,
		Destination:  dest.String(),
		QoS:          qos,
		Retained:     retain,
		PayloadSize:  len(payload),
	})
}

func (s *Session) handleAck(packetID uint16) {
	d, err := s.inflight.ack(packetID)
	if err != nil {
		s.logger.Debug("unexpected acknowledgement", slog.Int("packet_id", int(packetID)))
		return
	}
	s.ack(d)
}

func (s *Session) handlePubrec(p *packets.PubrecPacket) error {
	if err := s.inflight.updateState(p.MessageID, statePubRecReceived); err != nil {
		s.logger.Debug("unexpected PUBREC", slog.Int("packet_id", int(p.MessageID)))
	}
	rel := packets.NewControlPacket(packets.Pubrel).(*packets.PubrelPacket)
	rel.MessageID = p.MessageID
	return s.conn.WriteControl(rel)
}

func (s *Session) handlePubrel(p *packets.PubrelPacket) error {
	s.inflight.release(p.MessageID)
	comp := packets.NewControlPacket(packets.Pubcomp).(*packets.PubcompPacket)
	comp.MessageID = p.MessageID
	return s.conn.WriteControl(comp)
}

func (s *Session) handleSubscribe(ctx context.Context, p *packets.SubscribePacket) error {
	if len(p.Topics) == 0 || len(p.Topics) != len(p.Qoss) {
		return fmt.Errorf("malformed SUBSCRIBE: %d topics, %d QoS", len(p.Topics), len(p.Qoss))
	}

	codes := make([]byte, len(p.Topics))
	for i, filter := range p.Topics {
		codes[i] = s.subscribe(ctx, filter, p.Qoss[i])
	}

	ack := packets.NewControlPacket(packets.Suback).(*packets.SubackPacket)
	ack.MessageID = p.MessageID
	ack.ReturnCodes = codes
	return s.conn.WriteControl(ack)
}

// subscribe returns the SUBACK code for one topic filter. A filter the
// session already holds at the same QoS is handed to OnReSubscribe; at a
// different QoS the old subscription is removed first.
func (s *Session) subscribe(ctx context.Context, filter string, requested byte) byte {
	if err := topics.ValidateFilter(filter); err != nil || requested > 2 {
		s.logger.Debug("invalid subscription", slog.String("topic", filter))
		return subackFailure
	}
	if limits := s.mgr.limits; limits != nil && !limits.AllowSubscribe(s.clientID) {
		s.logger.Warn("subscribe rate limit exceeded", slog.String("topic", filter))
		return subackFailure
	}
	qos := strategy.QoS(min(requested, s.mgr.cfg.MaxQoS))

	if existing := s.subscription(filter); existing != nil {
		if existing.QoS == qos {
			if err := s.strategy.OnReSubscribe(ctx, existing); err != nil {
				s.logger.Warn("re-subscribe failed",
					slog.String("topic", filter),
					slog.String("error", err.Error()))
				return subackFailure
			}
			return byte(qos)
		}
		if err := s.unsubscribe(ctx, existing); err != nil {
			return subackFailure
		}
	}

	code, err := s.strategy.OnSubscribe(ctx, filter, qos)
	if err != nil {
		s.logger.Warn("subscribe failed",
			slog.String("topic", filter),
			slog.String("error", err.Error()))
		return subackFailure
	}
	return code
}

func (s *Session) handleUnsubscribe(ctx context.Context, p *packets.UnsubscribePacket) error {
	for _, filter := range p.Topics {
		sub := s.subscription(filter)
		if sub == nil {
			continue
		}
		if err := s.unsubscribe(ctx, sub); err != nil {
			s.logger.Warn("unsubscribe failed",
				slog.String("topic", filter),
				slog.String("error", err.Error()))
		}
	}

	ack := packets.NewControlPacket(packets.Unsuback).(*packets.UnsubackPacket)
	ack.MessageID = p.MessageID
	return s.conn.WriteControl(ack)
}

func (s *Session) unsubscribe(ctx context.Context, sub *strategy.Subscription) error {
	if err := s.DoUnSubscribe(ctx, sub); err != nil {
		return err
	}
	return s.strategy.OnUnSubscribe(ctx, sub)
}

// close tears the session down once: the will is published if set, the
// broker drops the connection's consumers and unacknowledged queue
// messages go back to their queues.
func (s *Session) close(reason string) {
	s.closeOnce.Do(func() {
		s.reason = reason
		ctx := context.Background()

		if reason == "normal" {
			s.conn.flush(s.mgr.cfg.WriteFlushTimeout)
		}
		_ = s.conn.Close()

		s.mu.Lock()
		w := s.will
		s.will = nil
		s.mu.Unlock()
		if w != nil && s.strategy != nil {
			dest := s.strategy.OnSend(w.topic)
			if !s.strategy.IsControlTopic(dest) {
				s.publish(ctx, dest, w.topic, w.payload, w.qos, w.retain)
			}
		}

		s.closePipeline()
		s.mgr.broker.Disconnect(ctx, s.id)
		s.inflight.clear()
		s.mgr.remove(s)

		if m := s.mgr.metrics; m != nil {
			m.RecordDisconnection(reason)
		}
		if limits := s.mgr.limits; limits != nil {
			limits.OnClientDisconnect(s.clientID)
		}
		s.mgr.notify(ctx, events.ClientDisconnected{
			ClientID:   s.clientID,
			Reason:     reason,
			RemoteAddr: s.conn.RemoteAddr().String(),
		})
		s.logger.Info("client disconnected", slog.String("reason", reason))

		close(s.done)
	})
}

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}
