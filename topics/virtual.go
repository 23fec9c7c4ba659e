// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import "strings"

const (
	// VirtualTopicPrefix marks a broker topic as a virtual topic. Publishes to
	// VirtualTopic.T are copied into every queue named Consumer.<id>.VirtualTopic.T.
	VirtualTopicPrefix = "VirtualTopic."

	// ConsumerPrefix starts the name of every virtual-topic consumer queue.
	ConsumerPrefix = "Consumer."

	controlPrefix = "$"
)

// ToVirtual prefixes a broker topic name with VirtualTopicPrefix unless it
// already carries it.
func ToVirtual(name string) string {
	if strings.HasPrefix(name, VirtualTopicPrefix) {
		return name
	}
	return VirtualTopicPrefix + name
}

// FromVirtual strips exactly one leading VirtualTopicPrefix, if present.
func FromVirtual(name string) string {
	return strings.TrimPrefix(name, VirtualTopicPrefix)
}

// IsControl reports whether a broker destination name is an administrative
// topic: it starts with '$', either directly or right after the virtual-topic prefix.
func IsControl(name string) bool {
	return strings.HasPrefix(name, controlPrefix) ||
		strings.HasPrefix(name, VirtualTopicPrefix+controlPrefix)
}

// SplitVirtualQueue splits a consumer queue name into its consumer part and
// the virtual topic it drains.
//
// Examples:
//   - "Consumer.car1:AT_LEAST_ONCE.VirtualTopic.sensors.temp" -> ("car1:AT_LEAST_ONCE", "VirtualTopic.sensors.temp", true)
//   - "orders" -> ("", "", false)
func SplitVirtualQueue(queue string) (consumer, topic string, ok bool) {
	rest, found := strings.CutPrefix(queue, ConsumerPrefix)
	if !found {
		return "", "", false
	}

	// The consumer part may itself contain dots, so split at the first
	// ".VirtualTopic." rather than the first dot.
	i := strings.Index(rest, "."+VirtualTopicPrefix)
	if i <= 0 {
		return "", "", false
	}
	consumer, topic = rest[:i], rest[i+1:]
	if len(topic) == len(VirtualTopicPrefix) {
		return "", "", false
	}

	return consumer, topic, true
}
