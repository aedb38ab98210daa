package notifications

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dca57/MesSnippets-sub002/pkg/events"
	"go.uber.org/zap"
)

// Webhook posts events to a single HTTP endpoint, signed with HMAC-SHA256
// when a secret is configured.
type Webhook struct {
	url    string
	secret string
	client *http.Client
	logger *zap.Logger
}

// WebhookPayload is the body sent to the endpoint
type WebhookPayload struct {
	EventID   string                 `json:"event_id"`
	EventType string                 `json:"event_type"`
	Timestamp string                 `json:"timestamp"`
	UserID    string                 `json:"user_id,omitempty"`
	Data      map[string]interface{} `json:"data"`
}

// NewWebhook creates a webhook sender
func NewWebhook(url, secret string, logger *zap.Logger) *Webhook {
	return &Webhook{
		url:    url,
		secret: secret,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// Send delivers one event. Any non-2xx response is an error.
func (w *Webhook) Send(ctx context.Context, event events.Event) error {
	payload := WebhookPayload{
		EventID:   event.ID,
		EventType: string(event.Type),
		Timestamp: event.Timestamp.Format(time.RFC3339),
		UserID:    event.UserID,
		Data:      event.Payload,
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "MesSnippets-Notifications/1.0")
	req.Header.Set("X-MesSnippets-Event-Type", string(event.Type))
	req.Header.Set("X-MesSnippets-Event-ID", event.ID)
	if w.secret != "" {
		req.Header.Set("X-MesSnippets-Signature", Sign(jsonData, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	w.logger.Debug("webhook sent",
		zap.String("event_id", event.ID),
		zap.Int("status_code", resp.StatusCode),
	)
	return nil
}

// Sign returns the signature header value for payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature header for receivers of these webhooks.
func VerifySignature(payload []byte, signature, secret string) bool {
	return hmac.Equal([]byte(signature), []byte(Sign(payload, secret)))
}
