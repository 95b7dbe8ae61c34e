package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/notify-dispatch/internal/domain"
	"golang.org/x/time/rate"
)

// WebhookConfig configures the HTTP provider
type WebhookConfig struct {
	URL   string
	Token string
	// RatePerSecond <= 0 disables throttling
	RatePerSecond float64
	Burst         int
}

type webhookBody struct {
	JobID   string         `json:"job_id"`
	Payload domain.Payload `json:"payload"`
}

// Webhook POSTs each notification as JSON. Any non-2xx answer is a failed
// delivery.
type Webhook struct {
	config  WebhookConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewWebhook creates a Webhook sink. A nil client uses http.DefaultClient;
// request deadlines come from the caller's context.
func NewWebhook(config WebhookConfig, client *http.Client, logger *slog.Logger) *Webhook {
	if client == nil {
		client = http.DefaultClient
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if config.RatePerSecond > 0 {
		burst := config.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RatePerSecond), burst)
	}

	return &Webhook{
		config:  config,
		client:  client,
		limiter: limiter,
		logger:  logger,
	}
}

// Deliver implements Sink
func (w *Webhook) Deliver(ctx context.Context, jobID string, payload domain.Payload) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("webhook rate limit wait: %w", err)
	}

	body, err := json.Marshal(webhookBody{JobID: jobID, Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to encode webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", jobID)
	if w.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.config.Token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	// drain so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		w.logger.Warn("Webhook rejected notification",
			slog.String("job_id", jobID),
			slog.Int("status_code", resp.StatusCode),
		)
		return fmt.Errorf("%w: webhook returned %d", ErrDeliveryFailed, resp.StatusCode)
	}

	return nil
}
