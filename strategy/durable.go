// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package strategy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/absmach/vtbridge/topics"
)

// ErrMalformedDurableName is returned for queue names that do not follow
// the durable subscription grammar.
var ErrMalformedDurableName = errors.New("malformed durable queue name")

// DurableName is the decoded form of a durable subscription queue name.
type DurableName struct {
	ClientID string
	QoS      QoS
	Topic    string // MQTT syntax
}

// EncodeDurableQueue builds the queue name backing a durable subscription:
//
//	Consumer.<clientID>:<QOS_NAME>.VirtualTopic.<topic in broker syntax>
func EncodeDurableQueue(clientID string, qos QoS, topic string) string {
	return topics.ConsumerPrefix + clientID + ":" + qos.String() + "." +
		topics.VirtualTopicPrefix + topics.MQTTToBroker(topic)
}

// DecodeDurableQueue parses a name built by EncodeDurableQueue.
//
// The client ID ends at the first ":<QOS_NAME>.VirtualTopic." marker, so
// client IDs holding ':' or '.' still decode unless they contain the marker
// itself. The VirtualTopic token is part of the marker, so a name whose QoS
// token is followed by anything else is rejected rather than decoded
// positionally.
func DecodeDurableQueue(name string) (DurableName, error) {
	rest, ok := strings.CutPrefix(name, topics.ConsumerPrefix)
	if !ok {
		return DurableName{}, fmt.Errorf("%w: %q has no %s prefix", ErrMalformedDurableName, name, topics.ConsumerPrefix)
	}

	best := -1
	var qos QoS
	var marker string
	for i, n := range qosNames {
		m := ":" + n + "." + topics.VirtualTopicPrefix
		if idx := strings.Index(rest, m); idx >= 0 && (best < 0 || idx < best) {
			best, qos, marker = idx, QoS(i), m
		}
	}
	if best < 0 {
		return DurableName{}, fmt.Errorf("%w: %q has no QoS token", ErrMalformedDurableName, name)
	}

	clientID := rest[:best]
	tail := rest[best+len(marker):]
	if clientID == "" || tail == "" {
		return DurableName{}, fmt.Errorf("%w: %q", ErrMalformedDurableName, name)
	}

	return DurableName{
		ClientID: clientID,
		QoS:      qos,
		Topic:    topics.BrokerToMQTT(tail),
	}, nil
}
