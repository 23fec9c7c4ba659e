// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/absmach/vtbridge/broker/events"
	"github.com/absmach/vtbridge/config"
	"github.com/absmach/vtbridge/topics"
	"github.com/sony/gobreaker"
)

var _ Notifier = (*GenericNotifier)(nil)

var errNilSender = errors.New("webhook sender cannot be nil")

// GenericNotifier fans events out to configured endpoints through a worker
// pool. Each endpoint has its own circuit breaker.
type GenericNotifier struct {
	cfg       config.WebhookConfig
	brokerID  string
	endpoints []*endpoint
	jobs      chan job
	sender    Sender
	logger    *slog.Logger

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

type endpoint struct {
	name    string
	url     string
	events  map[string]bool
	filters []string // broker syntax
	headers map[string]string
	timeout time.Duration
	retry   config.RetryConfig
	breaker *gobreaker.CircuitBreaker
}

type job struct {
	event    events.Event
	endpoint *endpoint
	attempt  int
	final    bool // no retry, set while draining
}

// NewNotifier creates a notifier and starts its workers.
func NewNotifier(cfg config.WebhookConfig, brokerID string, sender Sender, logger *slog.Logger) (*GenericNotifier, error) {
	if sender == nil {
		return nil, errNilSender
	}
	if logger == nil {
		logger = slog.Default()
	}

	workers := max(cfg.Workers, 1)
	ctx, cancel := context.WithCancel(context.Background())
	n := &GenericNotifier{
		cfg:      cfg,
		brokerID: brokerID,
		jobs:     make(chan job, max(cfg.QueueSize, 1)),
		sender:   sender,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, ep := range cfg.Endpoints {
		n.endpoints = append(n.endpoints, newEndpoint(cfg, ep, logger))
	}

	for i := 0; i < workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}

	logger.Info("webhook notifier started",
		slog.Int("workers", workers),
		slog.Int("queue_size", cap(n.jobs)),
		slog.Int("endpoints", len(n.endpoints)))

	return n, nil
}

func newEndpoint(cfg config.WebhookConfig, ep config.WebhookEndpoint, logger *slog.Logger) *endpoint {
	e := &endpoint{
		name:    ep.Name,
		url:     ep.URL,
		events:  make(map[string]bool, len(ep.Events)),
		headers: ep.Headers,
		timeout: cfg.Defaults.Timeout,
		retry:   cfg.Defaults.Retry,
	}
	for _, t := range ep.Events {
		e.events[t] = true
	}
	for _, f := range ep.TopicFilters {
		e.filters = append(e.filters, topics.MQTTToBroker(f))
	}
	if ep.Timeout > 0 {
		e.timeout = ep.Timeout
	}
	if ep.Retry != nil {
		e.retry = *ep.Retry
	}

	threshold := uint32(max(cfg.Defaults.CircuitBreaker.FailureThreshold, 1))
	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        ep.Name,
		MaxRequests: 1,
		Timeout:     cfg.Defaults.CircuitBreaker.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("webhook circuit breaker state changed",
				slog.String("endpoint", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	return e
}

// accepts reports whether the endpoint subscribed to the event.
// Events without a topic pass any topic filter.
func (e *endpoint) accepts(ev events.Event) bool {
	if len(e.events) > 0 && !e.events[ev.Type()] {
		return false
	}
	if ev.Topic() == "" || len(e.filters) == 0 {
		return true
	}
	name := topics.MQTTToBroker(ev.Topic())
	for _, f := range e.filters {
		if topics.Match(f, name) {
			return true
		}
	}
	return false
}

// Notify queues the event for every endpoint that accepts it.
func (n *GenericNotifier) Notify(ctx context.Context, ev events.Event) error {
	if ev == nil {
		return fmt.Errorf("webhook: nil event")
	}
	if n.ctx.Err() != nil {
		return fmt.Errorf("webhook notifier closed")
	}
	for _, ep := range n.endpoints {
		if ep.accepts(ev) {
			n.enqueue(job{event: ev, endpoint: ep})
		}
	}
	return nil
}

// enqueue applies the drop policy when the queue is full.
func (n *GenericNotifier) enqueue(j job) {
	select {
	case n.jobs <- j:
		return
	default:
	}

	if n.cfg.DropPolicy == "oldest" {
		select {
		case <-n.jobs:
		default:
		}
		select {
		case n.jobs <- j:
			return
		default:
		}
	}
	n.logger.Error("webhook queue full, event dropped",
		slog.String("event_type", j.event.Type()),
		slog.String("endpoint", j.endpoint.name))
}

func (n *GenericNotifier) worker() {
	defer n.wg.Done()

	for {
		select {
		case <-n.ctx.Done():
			n.drain()
			return
		case j := <-n.jobs:
			n.process(j)
		}
	}
}

// drain delivers whatever is still queued once the notifier is closing.
// Failed jobs are not retried.
func (n *GenericNotifier) drain() {
	for {
		select {
		case j := <-n.jobs:
			j.final = true
			n.process(j)
		default:
			return
		}
	}
}

func (n *GenericNotifier) process(j job) {
	_, err := j.endpoint.breaker.Execute(func() (any, error) {
		return nil, n.send(j)
	})
	if err == nil {
		return
	}

	if j.final || j.attempt >= j.endpoint.retry.MaxAttempts-1 {
		n.logger.Error("webhook delivery failed",
			slog.String("endpoint", j.endpoint.name),
			slog.String("event_type", j.event.Type()),
			slog.Int("attempts", j.attempt+1),
			slog.String("error", err.Error()))
		return
	}

	j.attempt++
	delay := backoff(j.attempt, j.endpoint.retry)
	n.logger.Debug("webhook delivery failed, retrying",
		slog.String("endpoint", j.endpoint.name),
		slog.String("event_type", j.event.Type()),
		slog.Int("attempt", j.attempt),
		slog.Duration("retry_after", delay),
		slog.String("error", err.Error()))

	time.AfterFunc(delay, func() {
		if n.ctx.Err() != nil {
			return
		}
		select {
		case n.jobs <- j:
		default:
			n.logger.Error("failed to requeue webhook for retry",
				slog.String("endpoint", j.endpoint.name),
				slog.String("event_type", j.event.Type()))
		}
	})
}

func (n *GenericNotifier) send(j job) error {
	payload, err := json.Marshal(j.event.Wrap(n.brokerID))
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), j.endpoint.timeout)
	defer cancel()

	if err := n.sender.Send(ctx, j.endpoint.url, j.endpoint.headers, payload, j.endpoint.timeout); err != nil {
		return err
	}

	n.logger.Debug("webhook delivered",
		slog.String("endpoint", j.endpoint.name),
		slog.String("event_type", j.event.Type()))
	return nil
}

// backoff returns InitialInterval * Multiplier^(attempt-1), capped at MaxInterval.
func backoff(attempt int, cfg config.RetryConfig) time.Duration {
	mult := cfg.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(cfg.InitialInterval) * math.Pow(mult, float64(attempt-1))
	if cfg.MaxInterval > 0 && delay > float64(cfg.MaxInterval) {
		delay = float64(cfg.MaxInterval)
	}
	return time.Duration(delay)
}

// Close stops the workers, waiting at most the configured shutdown timeout.
func (n *GenericNotifier) Close() error {
	n.cancel()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	timeout := n.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	select {
	case <-done:
		n.logger.Info("webhook notifier stopped")
	case <-time.After(timeout):
		n.logger.Warn("webhook notifier shutdown timed out",
			slog.Int("queue_depth", len(n.jobs)))
	}
	return nil
}
