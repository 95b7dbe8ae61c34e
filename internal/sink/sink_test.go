package sink

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuongbtq/notify-dispatch/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testPayload = domain.Payload{
	Title:       "Reminder",
	Description: "Pay invoice #42",
	Recipient:   "user@example.com",
}

func TestSimulated_Deliver(t *testing.T) {
	tests := []struct {
		name        string
		failureRate float64
		roll        float64
		wantErr     bool
	}{
		{name: "never fails", failureRate: 0, roll: 0, wantErr: false},
		{name: "roll above rate succeeds", failureRate: 0.3, roll: 0.5, wantErr: false},
		{name: "roll below rate fails", failureRate: 0.3, roll: 0.1, wantErr: true},
		{name: "always fails", failureRate: 1, roll: 0.99, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSimulated(SimulatedConfig{FailureRate: tt.failureRate}, testLogger())
			s.roll = func() float64 { return tt.roll }

			err := s.Deliver(context.Background(), "job-1", testPayload)

			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrDeliveryFailed)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestSimulated_Latency(t *testing.T) {
	s := NewSimulated(SimulatedConfig{MinLatency: 10 * time.Millisecond, MaxLatency: 30 * time.Millisecond}, testLogger())

	s.roll = func() float64 { return 0 }
	assert.Equal(t, 10*time.Millisecond, s.latency())

	s.roll = func() float64 { return 0.5 }
	assert.Equal(t, 20*time.Millisecond, s.latency())

	s.config.MaxLatency = 0
	assert.Equal(t, 10*time.Millisecond, s.latency())
}

func TestSimulated_RespectsContext(t *testing.T) {
	s := NewSimulated(SimulatedConfig{MinLatency: time.Minute, MaxLatency: time.Minute}, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := s.Deliver(ctx, "job-1", testPayload)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWebhook_Deliver(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		wantErr    bool
	}{
		{name: "accepted", statusCode: http.StatusAccepted, wantErr: false},
		{name: "ok", statusCode: http.StatusOK, wantErr: false},
		{name: "server error", statusCode: http.StatusBadGateway, wantErr: true},
		{name: "client error", statusCode: http.StatusUnauthorized, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got webhookBody
			var headers http.Header

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				headers = r.Header.Clone()
				_ = json.NewDecoder(r.Body).Decode(&got)
				w.WriteHeader(tt.statusCode)
			}))
			defer server.Close()

			hook := NewWebhook(WebhookConfig{URL: server.URL, Token: "secret"}, server.Client(), testLogger())
			err := hook.Deliver(context.Background(), "job-42", testPayload)

			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrDeliveryFailed)
			} else {
				require.NoError(t, err)
			}

			assert.Equal(t, "job-42", got.JobID)
			assert.Equal(t, testPayload.Title, got.Payload.Title)
			assert.Equal(t, "Bearer secret", headers.Get("Authorization"))
			assert.Equal(t, "job-42", headers.Get("Idempotency-Key"))
			assert.Equal(t, "application/json", headers.Get("Content-Type"))
		})
	}
}

func TestWebhook_ContextDeadline(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	hook := NewWebhook(WebhookConfig{URL: server.URL}, server.Client(), testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := hook.Deliver(ctx, "job-1", testPayload)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWebhook_RateLimited(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	// one token, refilled once per minute
	hook := NewWebhook(WebhookConfig{URL: server.URL, RatePerSecond: 1.0 / 60, Burst: 1}, server.Client(), testLogger())

	require.NoError(t, hook.Deliver(context.Background(), "job-1", testPayload))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := hook.Deliver(ctx, "job-2", testPayload)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit")
	assert.Equal(t, int32(1), calls.Load())
}
