// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPSender_Send(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		delay       time.Duration
		timeout     time.Duration
		errContains string
	}{
		{name: "ok", status: http.StatusOK, timeout: 5 * time.Second},
		{name: "created", status: http.StatusCreated, timeout: 5 * time.Second},
		{name: "bad request", status: http.StatusBadRequest, timeout: 5 * time.Second, errContains: "non-2xx status: 400"},
		{name: "server error", status: http.StatusInternalServerError, timeout: 5 * time.Second, errContains: "non-2xx status: 500"},
		{name: "timeout", status: http.StatusOK, delay: time.Second, timeout: 50 * time.Millisecond, errContains: "deadline exceeded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
				assert.Equal(t, userAgent, r.Header.Get("User-Agent"))
				assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

				body, err := io.ReadAll(r.Body)
				assert.NoError(t, err)
				assert.JSONEq(t, `{"test":"payload"}`, string(body))

				if tt.delay > 0 {
					select {
					case <-time.After(tt.delay):
					case <-r.Context().Done():
					}
				}
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			err := NewHTTPSender().Send(context.Background(), server.URL,
				map[string]string{"Authorization": "Bearer test-token"},
				[]byte(`{"test":"payload"}`), tt.timeout)

			if tt.errContains == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestHTTPSender_Send_InvalidURL(t *testing.T) {
	err := NewHTTPSender().Send(context.Background(), "invalid://url", nil, []byte("test"), time.Second)
	assert.Error(t, err)
}
