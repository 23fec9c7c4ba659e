// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import "fmt"

// ConsumerID identifies one consumer binding. Value is allocated per
// connection and never reused, so every re-bind gets a new ID.
type ConsumerID struct {
	ConnectionID string
	Value        int64
}

func (id ConsumerID) String() string {
	return fmt.Sprintf("%s:%d", id.ConnectionID, id.Value)
}

// Command is a control request sent to the broker with Broker.Send.
type Command interface {
	command()
}

// ConsumerInfo binds a consumer to a destination.
type ConsumerInfo struct {
	ConsumerID  ConsumerID
	Destination Destination
	// Prefetch caps the number of unacknowledged queue messages held by the consumer.
	Prefetch int
	// Retroactive replays retained messages to topic consumers on bind.
	Retroactive bool
	// DispatchAsync delivers from a dedicated goroutine instead of the publisher's.
	DispatchAsync bool
}

// RemoveInfo unbinds a consumer. Unacknowledged queue messages return to the queue.
type RemoveInfo struct {
	ConsumerID ConsumerID
}

// Operation is the action carried by a DestinationInfo.
type Operation uint8

const (
	OperationAdd Operation = iota
	OperationRemove
)

// DestinationInfo creates or removes a destination.
type DestinationInfo struct {
	ConnectionID string
	Destination  Destination
	Operation    Operation
}

// RecoverRetained replays retained messages to an existing topic consumer.
type RecoverRetained struct {
	ConsumerID ConsumerID
}

func (ConsumerInfo) command()    {}
func (RemoveInfo) command()      {}
func (DestinationInfo) command() {}
func (RecoverRetained) command() {}
