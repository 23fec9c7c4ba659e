// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/absmach/vtbridge/broker"
	"github.com/absmach/vtbridge/storage/memory"
)

type failingBroker struct {
	stats *broker.Stats
}

func (f *failingBroker) ListQueues(context.Context, func(broker.Destination) bool) ([]broker.Destination, error) {
	return nil, errors.New("disk unavailable")
}

func (f *failingBroker) Stats() *broker.Stats { return f.stats }

type fixedSessions int

func (n fixedSessions) Count() int { return int(n) }

func newBroker(t *testing.T) *broker.Broker {
	t.Helper()
	b, err := broker.New(context.Background(), memory.New())
	if err != nil {
		t.Fatalf("failed to create broker: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestAddrWithoutListener(t *testing.T) {
	server := New(Config{}, newBroker(t), nil, slog.Default())
	if server.Addr() != "" {
		t.Fatalf("expected empty address before listen, got %q", server.Addr())
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := New(Config{}, newBroker(t), nil, slog.Default())

	tests := []struct {
		name           string
		method         string
		expectedStatus int
	}{
		{"GET request returns healthy", http.MethodGet, http.StatusOK},
		{"POST request not allowed", http.MethodPost, http.StatusMethodNotAllowed},
		{"PUT request not allowed", http.MethodPut, http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "http://test/health", nil)
			rec := httptest.NewRecorder()

			server.handleHealth(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}
			if tt.expectedStatus != http.StatusOK {
				return
			}

			var response HealthResponse
			if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if response.Status != "healthy" {
				t.Errorf("expected status %q, got %q", "healthy", response.Status)
			}
		})
	}
}

func TestReadyEndpoint(t *testing.T) {
	tests := []struct {
		name           string
		broker         Broker
		method         string
		expectedStatus int
		expectedReady  string
	}{
		{
			name:           "ready with working storage",
			broker:         newBroker(t),
			method:         http.MethodGet,
			expectedStatus: http.StatusOK,
			expectedReady:  "ready",
		},
		{
			name:           "storage failure",
			broker:         &failingBroker{stats: broker.NewStats()},
			method:         http.MethodGet,
			expectedStatus: http.StatusServiceUnavailable,
			expectedReady:  "not_ready",
		},
		{
			name:           "no broker",
			broker:         nil,
			method:         http.MethodGet,
			expectedStatus: http.StatusServiceUnavailable,
			expectedReady:  "not_ready",
		},
		{
			name:           "POST not allowed",
			broker:         newBroker(t),
			method:         http.MethodPost,
			expectedStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := New(Config{}, tt.broker, nil, slog.Default())
			req := httptest.NewRequest(tt.method, "http://test/ready", nil)
			rec := httptest.NewRecorder()

			server.handleReady(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Fatalf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}
			if tt.expectedReady == "" {
				return
			}

			var response ReadyResponse
			if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if response.Status != tt.expectedReady {
				t.Errorf("expected status %q, got %q", tt.expectedReady, response.Status)
			}
		})
	}
}

func TestReadyCountsQueues(t *testing.T) {
	b := newBroker(t)
	ctx := context.Background()
	for _, name := range []string{"Consumer.car1:AT_LEAST_ONCE.VirtualTopic.a", "Consumer.car2:AT_LEAST_ONCE.VirtualTopic.a"} {
		if err := b.Send(ctx, broker.DestinationInfo{Destination: broker.NewQueue(name), Operation: broker.OperationAdd}); err != nil {
			t.Fatalf("failed to create queue: %v", err)
		}
	}

	server := New(Config{}, b, nil, slog.Default())
	rec := httptest.NewRecorder()
	server.handleReady(rec, httptest.NewRequest(http.MethodGet, "http://test/ready", nil))

	var response ReadyResponse
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.Queues != 2 {
		t.Errorf("expected 2 queues, got %d", response.Queues)
	}
}

func TestStatsEndpoint(t *testing.T) {
	server := New(Config{NodeID: "node-a"}, newBroker(t), fixedSessions(3), slog.Default())

	rec := httptest.NewRecorder()
	server.handleStats(rec, httptest.NewRequest(http.MethodGet, "http://test/stats", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %q", ct)
	}

	var response StatsResponse
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.NodeID != "node-a" {
		t.Errorf("expected node_id node-a, got %q", response.NodeID)
	}
	if response.Sessions != 3 {
		t.Errorf("expected 3 sessions, got %d", response.Sessions)
	}
	if response.Broker.Uptime == "" {
		t.Error("expected uptime to be set")
	}
}
