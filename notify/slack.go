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

const slackFooter = "FleetWatch"

// slackMessage is the Slack incoming-webhook payload.
type slackMessage struct {
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

// slackAttachment is one color-coded attachment.
type slackAttachment struct {
	Color  string `json:"color,omitempty"`
	Title  string `json:"title,omitempty"`
	Text   string `json:"text,omitempty"`
	Footer string `json:"footer,omitempty"`
	Ts     int64  `json:"ts,omitempty"`
}

// SlackSender posts notifications to Slack incoming webhooks. The webhook
// URL comes from the channel's config under "webhook_url".
type SlackSender struct {
	client *http.Client
}

// NewSlackSender creates a Slack adapter.
func NewSlackSender() *SlackSender {
	return &SlackSender{
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Send posts the notification as a single attachment.
func (s *SlackSender) Send(ctx context.Context, ch *model.NotificationChannel, n model.Notification) error {
	url := ch.Config["webhook_url"]
	if url == "" {
		return fwerrors.NewNotificationError(ch.Name, fmt.Errorf("slack channel has no webhook_url"))
	}

	payload := slackMessage{
		Username:  slackFooter,
		IconEmoji: ":satellite:",
		Attachments: []slackAttachment{
			{
				Color:  severityColor(n),
				Title:  n.Title,
				Text:   n.Message,
				Footer: slackFooter,
				Ts:     n.Timestamp.Unix(),
			},
		},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fwerrors.NewNotificationError(ch.Name, fmt.Errorf("failed to marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fwerrors.NewNotificationError(ch.Name, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fwerrors.NewNotificationError(ch.Name, fmt.Errorf("failed to send request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fwerrors.NewNotificationError(ch.Name, fmt.Errorf("slack webhook returned status %d", resp.StatusCode))
	}

	return nil
}
