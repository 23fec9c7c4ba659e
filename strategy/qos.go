// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package strategy

import "fmt"

// QoS is the MQTT delivery guarantee. The ordering is meaningful:
// AtLeastOnce and above select durable subscriptions.
type QoS byte

const (
	AtMostOnce QoS = iota
	AtLeastOnce
	ExactlyOnce
)

var qosNames = [...]string{
	AtMostOnce:  "AT_MOST_ONCE",
	AtLeastOnce: "AT_LEAST_ONCE",
	ExactlyOnce: "EXACTLY_ONCE",
}

func (q QoS) String() string {
	if int(q) < len(qosNames) {
		return qosNames[q]
	}
	return fmt.Sprintf("QoS(%d)", byte(q))
}

// Valid reports whether q is one of the three MQTT levels.
func (q QoS) Valid() bool {
	return q <= ExactlyOnce
}

// ParseQoS parses a QoS name such as "AT_LEAST_ONCE".
func ParseQoS(name string) (QoS, error) {
	for i, n := range qosNames {
		if n == name {
			return QoS(i), nil
		}
	}
	return 0, fmt.Errorf("unknown QoS %q", name)
}
