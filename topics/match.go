// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import "strings"

// Match checks if a broker destination name matches the given broker-syntax pattern.
// Rules:
//   - levels are separated by '.'.
//   - '*' matches exactly one level.
//   - '>' must be the last level and matches the parent level and all children.
//   - names starting with '$' are only matched by patterns whose first level is literal.
//
// When both pattern and name carry VirtualTopicPrefix, the prefix is ignored.
func Match(pattern, name string) bool {
	if pattern == "" || name == "" {
		return false
	}
	if pattern == name {
		return true
	}

	if strings.HasPrefix(pattern, VirtualTopicPrefix) && strings.HasPrefix(name, VirtualTopicPrefix) {
		pattern = pattern[len(VirtualTopicPrefix):]
		name = name[len(VirtualTopicPrefix):]
		if pattern == "" || name == "" {
			return false
		}
	}

	patternLevels := strings.Split(pattern, ".")
	nameLevels := strings.Split(name, ".")

	if strings.HasPrefix(name, controlPrefix) {
		if patternLevels[0] == "*" || patternLevels[0] == ">" {
			return false
		}
	}

	for i, level := range patternLevels {
		if level == ">" {
			return i == len(patternLevels)-1
		}
		if i >= len(nameLevels) {
			return false
		}
		if level == "*" {
			continue
		}
		if level != nameLevels[i] {
			return false
		}
	}

	return len(patternLevels) == len(nameLevels)
}
