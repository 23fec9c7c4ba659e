// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

// Kind tells queues apart from topics.
type Kind uint8

const (
	KindTopic Kind = iota
	KindQueue
)

func (k Kind) String() string {
	switch k {
	case KindQueue:
		return "queue"
	default:
		return "topic"
	}
}

// Destination addresses a broker topic or queue. Identity is (Kind, Name),
// so Destination values can be compared and used as map keys.
type Destination struct {
	Kind Kind
	Name string
}

// NewTopic returns a topic destination.
func NewTopic(name string) Destination {
	return Destination{Kind: KindTopic, Name: name}
}

// NewQueue returns a queue destination.
func NewQueue(name string) Destination {
	return Destination{Kind: KindQueue, Name: name}
}

func (d Destination) IsQueue() bool { return d.Kind == KindQueue }
func (d Destination) IsTopic() bool { return d.Kind == KindTopic }

// String renders the destination ActiveMQ style, e.g. "queue://orders".
func (d Destination) String() string {
	return d.Kind.String() + "://" + d.Name
}
