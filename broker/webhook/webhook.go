// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package webhook delivers bridge events to external HTTP endpoints.
package webhook

import (
	"context"
	"time"

	"github.com/absmach/vtbridge/broker/events"
)

// Notifier sends webhook notifications asynchronously.
type Notifier interface {
	// Notify queues an event for every matching endpoint without blocking.
	Notify(ctx context.Context, event events.Event) error

	// Close stops the workers, flushing what it can before the shutdown timeout.
	Close() error
}

// Sender performs a single delivery attempt.
type Sender interface {
	Send(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error
}
