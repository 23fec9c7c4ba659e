// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope(t *testing.T) {
	e := DurableRestored{ClientID: "car1", Queues: []string{"Consumer.car1:AT_LEAST_ONCE.VirtualTopic.a"}}
	env := e.Wrap("node-1")

	assert.Equal(t, TypeDurableRestored, env.EventType)
	assert.Equal(t, "node-1", env.BrokerID)
	assert.NotEmpty(t, env.EventID)

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "durable.restored", decoded["event_type"])
	payload, ok := decoded["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "car1", payload["client_id"])
}

func TestTopicScopedEvents(t *testing.T) {
	assert.Equal(t, "sensors/temp", SubscriptionCreated{TopicFilter: "sensors/temp"}.Topic())
	assert.Equal(t, "a/b", MessagePublished{MessageTopic: "a/b"}.Topic())
	assert.Empty(t, ClientConnected{ClientID: "c"}.Topic())
}
