// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// Common validation errors.
var (
	ErrInvalidTopicName   = errors.New("invalid topic name: contains wildcards or illegal characters")
	ErrInvalidTopicFilter = errors.New("invalid topic filter")
)

const maxTopicLength = 65535

// ValidateTopicName checks if the topic name is valid for PUBLISH (no wildcards).
func ValidateTopicName(topic string) error {
	if topic == "" || len(topic) > maxTopicLength {
		return ErrInvalidTopicName
	}
	// "The Topic Name ... MUST NOT contain wildcard characters"
	if strings.ContainsAny(topic, "+#") {
		return ErrInvalidTopicName
	}
	if !utf8.ValidString(topic) || strings.ContainsRune(topic, 0) {
		return ErrInvalidTopicName
	}
	return nil
}

// ValidateFilter checks if the topic filter is valid for SUBSCRIBE.
// '+' must occupy a whole level and '#' must be the last level.
func ValidateFilter(filter string) error {
	if filter == "" || len(filter) > maxTopicLength {
		return ErrInvalidTopicFilter
	}
	if !utf8.ValidString(filter) || strings.ContainsRune(filter, 0) {
		return ErrInvalidTopicFilter
	}

	levels := strings.Split(filter, "/")
	for i, level := range levels {
		if strings.Contains(level, "#") {
			if level != "#" || i != len(levels)-1 {
				return ErrInvalidTopicFilter
			}
		}
		if strings.Contains(level, "+") && level != "+" {
			return ErrInvalidTopicFilter
		}
	}
	return nil
}
