package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// Webhook is the channel key for WebhookStrategy.
const Webhook = "webhook"

// WebhookPayload is the JSON body posted to the recipient URL.
type WebhookPayload struct {
	NotificationID string `json:"notification_id,omitempty"`
	Template       string `json:"template,omitempty"`
	Subject        string `json:"subject,omitempty"`
	Message        string `json:"message"`
	SentAt         string `json:"sent_at"`
}

type WebhookConfig struct {
	Timeout time.Duration // defaults to 30s
}

// WebhookStrategy POSTs the rendered message to the recipient, which must be
// an absolute http(s) URL.
type WebhookStrategy struct {
	client *http.Client
	logger *zap.Logger
	now    func() time.Time
}

func NewWebhookStrategy(cfg WebhookConfig, logger *zap.Logger) *WebhookStrategy {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WebhookStrategy{
		client: &http.Client{Timeout: timeout},
		logger: logger,
		now:    time.Now,
	}
}

func (s *WebhookStrategy) Name() string { return Webhook }

func (s *WebhookStrategy) ValidateRecipient(recipient string) bool {
	u, err := url.Parse(recipient)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func (s *WebhookStrategy) Send(ctx context.Context, recipient, message string, opts Options) Outcome {
	if !s.ValidateRecipient(recipient) {
		return Failed(fmt.Sprintf("invalid webhook url: %q", recipient))
	}

	now := s.now()
	body, err := json.Marshal(WebhookPayload{
		NotificationID: opts.NotificationID,
		Template:       opts.Template,
		Subject:        opts.Subject,
		Message:        message,
		SentAt:         now.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return Failed(fmt.Sprintf("marshal webhook payload: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, recipient, bytes.NewReader(body))
	if err != nil {
		return Failed(fmt.Sprintf("failed to create webhook request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Notifier/1.0.0")
	if opts.NotificationID != "" {
		req.Header.Set("X-Notification-ID", opts.NotificationID)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Failed(fmt.Sprintf("webhook request failed: %v", err))
	}
	defer resp.Body.Close()

	preview, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Failed(fmt.Sprintf("webhook returned non-2xx status: %d, body: %s", resp.StatusCode, string(preview)))
	}

	s.logger.Info("webhook delivered successfully",
		zap.String("notification_id", opts.NotificationID),
		zap.String("url", recipient),
		zap.Int("status_code", resp.StatusCode),
	)

	return Succeeded(resp.Header.Get("X-Request-ID"), now)
}
