// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import "strings"

// MQTTToBroker translates an MQTT topic name or filter to broker destination syntax.
//
//	'/' -> '.'
//	'.' -> '/'
//	'+' -> '*'
//	'#' -> '>'
//
// For names without '*' or '>', BrokerToMQTT(MQTTToBroker(s)) == s.
func MQTTToBroker(name string) string {
	if name == "" {
		return ""
	}
	if !strings.ContainsAny(name, "/.+#") {
		return name
	}

	var b strings.Builder
	b.Grow(len(name))
	for i := 0; i < len(name); i++ {
		switch name[i] {
		case '/':
			b.WriteByte('.')
		case '.':
			b.WriteByte('/')
		case '+':
			b.WriteByte('*')
		case '#':
			b.WriteByte('>')
		default:
			b.WriteByte(name[i])
		}
	}
	return b.String()
}

// BrokerToMQTT translates a broker destination name back to MQTT syntax.
//
//	'.' -> '/'
//	'/' -> '.'
//	'*' -> '+'
//	'>' -> '#'
func BrokerToMQTT(name string) string {
	if name == "" {
		return ""
	}
	if !strings.ContainsAny(name, "./*>") {
		return name
	}

	var b strings.Builder
	b.Grow(len(name))
	for i := 0; i < len(name); i++ {
		switch name[i] {
		case '.':
			b.WriteByte('/')
		case '/':
			b.WriteByte('.')
		case '*':
			b.WriteByte('+')
		case '>':
			b.WriteByte('#')
		default:
			b.WriteByte(name[i])
		}
	}
	return b.String()
}
