// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event type constants.
const (
	TypeClientConnected     = "client.connected"
	TypeClientDisconnected  = "client.disconnected"
	TypeSessionTakeover     = "client.session_takeover"
	TypeMessagePublished    = "message.published"
	TypeSubscriptionCreated = "subscription.created"
	TypeSubscriptionRemoved = "subscription.removed"
	TypeDurableRestored     = "durable.restored"
	TypeDurablePurged       = "durable.purged"
)

// Event is the common interface for all webhook events.
type Event interface {
	// Type returns the event type identifier (e.g., "client.connected")
	Type() string

	// Topic returns the MQTT topic for topic-scoped events, empty for others
	Topic() string

	// Wrap wraps the event in a common envelope with metadata
	Wrap(brokerID string) *Envelope
}

// Envelope is the common wrapper for all webhook events.
type Envelope struct {
	EventType string `json:"event_type"`
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
	BrokerID  string `json:"broker_id"`
	Data      any    `json:"data"`
}

// MarshalJSON serializes the envelope to JSON.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	type envelope Envelope
	return json.Marshal((*envelope)(e))
}

func wrap(e Event, brokerID string) *Envelope {
	return &Envelope{
		EventType: e.Type(),
		EventID:   uuid.NewString(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		BrokerID:  brokerID,
		Data:      e,
	}
}

// ClientConnected is emitted when a client successfully connects.
type ClientConnected struct {
	ClientID       string `json:"client_id"`
	Version        string `json:"version"` // "3.1" or "3.1.1"
	CleanSession   bool   `json:"clean_session"`
	SessionPresent bool   `json:"session_present"`
	KeepAlive      uint16 `json:"keep_alive"`
	RemoteAddr     string `json:"remote_addr"`
}

func (e ClientConnected) Type() string                   { return TypeClientConnected }
func (e ClientConnected) Topic() string                  { return "" }
func (e ClientConnected) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// ClientDisconnected is emitted when a client disconnects.
type ClientDisconnected struct {
	ClientID   string `json:"client_id"`
	Reason     string `json:"reason"` // "normal", "error", "timeout", "takeover"
	RemoteAddr string `json:"remote_addr"`
}

func (e ClientDisconnected) Type() string                   { return TypeClientDisconnected }
func (e ClientDisconnected) Topic() string                  { return "" }
func (e ClientDisconnected) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// SessionTakeover is emitted when a new connection takes over a client ID.
type SessionTakeover struct {
	ClientID       string `json:"client_id"`
	FromConnection string `json:"from_connection"`
	ToConnection   string `json:"to_connection"`
}

func (e SessionTakeover) Type() string                   { return TypeSessionTakeover }
func (e SessionTakeover) Topic() string                  { return "" }
func (e SessionTakeover) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// MessagePublished is emitted when a client publishes a message.
type MessagePublished struct {
	ClientID     string `json:"client_id"`
	MessageTopic string `json:"topic"`
	Destination  string `json:"destination"`
	QoS          byte   `json:"qos"`
	Retained     bool   `json:"retained"`
	PayloadSize  int    `json:"payload_size"`
}

func (e MessagePublished) Type() string                   { return TypeMessagePublished }
func (e MessagePublished) Topic() string                  { return e.MessageTopic }
func (e MessagePublished) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// SubscriptionCreated is emitted when a client subscribes to a topic.
type SubscriptionCreated struct {
	ClientID    string `json:"client_id"`
	TopicFilter string `json:"topic_filter"`
	QoS         byte   `json:"qos"`
	Destination string `json:"destination"` // e.g. "queue://Consumer.c1:AT_LEAST_ONCE.VirtualTopic.a"
}

func (e SubscriptionCreated) Type() string                   { return TypeSubscriptionCreated }
func (e SubscriptionCreated) Topic() string                  { return e.TopicFilter }
func (e SubscriptionCreated) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// SubscriptionRemoved is emitted when a client unsubscribes from a topic.
type SubscriptionRemoved struct {
	ClientID    string `json:"client_id"`
	TopicFilter string `json:"topic_filter"`
	Destination string `json:"destination"`
}

func (e SubscriptionRemoved) Type() string                   { return TypeSubscriptionRemoved }
func (e SubscriptionRemoved) Topic() string                  { return e.TopicFilter }
func (e SubscriptionRemoved) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// DurableRestored is emitted when durable subscriptions are re-bound on CONNECT.
type DurableRestored struct {
	ClientID string   `json:"client_id"`
	Queues   []string `json:"queues"`
}

func (e DurableRestored) Type() string                   { return TypeDurableRestored }
func (e DurableRestored) Topic() string                  { return "" }
func (e DurableRestored) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// DurablePurged is emitted when a clean session removes durable queues.
type DurablePurged struct {
	ClientID string   `json:"client_id"`
	Queues   []string `json:"queues"`
}

func (e DurablePurged) Type() string                   { return TypeDurablePurged }
func (e DurablePurged) Topic() string                  { return "" }
func (e DurablePurged) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }
