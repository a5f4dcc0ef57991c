package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/gatehouse-io/gatehouse/internal/auth"
)

// WebhookSender delivers verification codes by POSTing JSON to an external
// gateway, typically an SMS provider bridge. The gateway is expected to
// answer 2xx on acceptance.
type WebhookSender struct {
	url    string
	token  string
	client *http.Client
	logger *zap.Logger
}

// NewWebhookSender creates a WebhookSender. token, when non-empty, is sent
// as a Bearer Authorization header.
func NewWebhookSender(url, token string, logger *zap.Logger) *WebhookSender {
	return &WebhookSender{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger.Named("webhook_sender"),
	}
}

// webhookPayload is the JSON body posted to the gateway.
type webhookPayload struct {
	To      string    `json:"to"`
	Code    string    `json:"code"`
	Expires time.Time `json:"expires"`
}

// SendVerificationRequest satisfies the provider delivery hook.
func (s *WebhookSender) SendVerificationRequest(ctx context.Context, req auth.VerificationRequest) error {
	body, err := json.Marshal(webhookPayload{
		To:      req.Identifier,
		Code:    req.Token,
		Expires: req.Expires,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	s.logger.Info("verification code dispatched",
		zap.String("to", auth.Redact(req.Identifier)))
	return nil
}
