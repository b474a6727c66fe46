// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/soothill/fleetwatch/model"
	fwerrors "github.com/soothill/fleetwatch/pkg/errors"
)

// webhookPayload is the generic webhook body.
type webhookPayload struct {
	Channel   string `json:"channel"`
	Message   string `json:"message"`
	Severity  string `json:"severity"`
	Timestamp string `json:"timestamp"`
}

// WebhookSender posts notifications as JSON to an arbitrary HTTP endpoint.
// The URL comes from the channel's config under "url"; optional
// "auth_header" is forwarded as Authorization.
type WebhookSender struct {
	client *http.Client
}

// NewWebhookSender creates a generic webhook adapter.
func NewWebhookSender() *WebhookSender {
	return &WebhookSender{
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Send posts the notification. Any 2xx response counts as delivered.
func (w *WebhookSender) Send(ctx context.Context, ch *model.NotificationChannel, n model.Notification) error {
	url := ch.Config["url"]
	if url == "" {
		return fwerrors.NewNotificationError(ch.Name, fmt.Errorf("webhook channel has no url"))
	}

	body := webhookPayload{
		Channel:   ch.Name,
		Message:   fmt.Sprintf("%s\n%s", n.Title, n.Message),
		Severity:  string(n.Severity),
		Timestamp: n.Timestamp.UTC().Format(time.RFC3339),
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return fwerrors.NewNotificationError(ch.Name, fmt.Errorf("failed to marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fwerrors.NewNotificationError(ch.Name, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if auth := ch.Config["auth_header"]; auth != "" {
		req.Header.Set("Authorization", auth)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fwerrors.NewNotificationError(ch.Name, fmt.Errorf("failed to send request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fwerrors.NewNotificationError(ch.Name, fmt.Errorf("webhook returned status %d", resp.StatusCode))
	}

	return nil
}
