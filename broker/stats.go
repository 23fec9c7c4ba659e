// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync/atomic"
	"time"
)

// Stats tracks broker statistics.
type Stats struct {
	startTime time.Time

	// Connection stats
	currentConnections atomic.Int64
	totalConnections   atomic.Uint64

	// Consumer stats
	topicConsumers atomic.Int64
	queueConsumers atomic.Int64

	// Message stats
	published atomic.Uint64
	enqueued  atomic.Uint64
	delivered atomic.Uint64
	acked     atomic.Uint64
	dropped   atomic.Uint64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
	}
}

// Snapshot is a point-in-time copy of Stats, suitable for JSON encoding.
type Snapshot struct {
	Uptime             string `json:"uptime"`
	CurrentConnections int64  `json:"current_connections"`
	TotalConnections   uint64 `json:"total_connections"`
	TopicConsumers     int64  `json:"topic_consumers"`
	QueueConsumers     int64  `json:"queue_consumers"`
	Published          uint64 `json:"messages_published"`
	Enqueued           uint64 `json:"messages_enqueued"`
	Delivered          uint64 `json:"messages_delivered"`
	Acked              uint64 `json:"messages_acked"`
	Dropped            uint64 `json:"messages_dropped"`
}

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Uptime:             time.Since(s.startTime).Round(time.Second).String(),
		CurrentConnections: s.currentConnections.Load(),
		TotalConnections:   s.totalConnections.Load(),
		TopicConsumers:     s.topicConsumers.Load(),
		QueueConsumers:     s.queueConsumers.Load(),
		Published:          s.published.Load(),
		Enqueued:           s.enqueued.Load(),
		Delivered:          s.delivered.Load(),
		Acked:              s.acked.Load(),
		Dropped:            s.dropped.Load(),
	}
}

func (s *Stats) consumerAdded(d Destination) {
	if d.IsQueue() {
		s.queueConsumers.Add(1)
		return
	}
	s.topicConsumers.Add(1)
}

func (s *Stats) consumerRemoved(d Destination) {
	if d.IsQueue() {
		s.queueConsumers.Add(-1)
		return
	}
	s.topicConsumers.Add(-1)
}
