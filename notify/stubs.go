// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package notify

import (
	"context"

	"github.com/soothill/fleetwatch/model"
	"github.com/soothill/fleetwatch/pkg/logger"
)

// stubSender stands in for delivery mechanisms that need an external
// provider integration (SMS, WhatsApp, call API). It logs the rendered
// body so operators can verify routing before wiring a provider.
type stubSender struct {
	kind model.ChannelType
}

func (s stubSender) Send(_ context.Context, ch *model.NotificationChannel, n model.Notification) error {
	logger.Info().
		Str("type", string(s.kind)).
		Str("channel", ch.Name).
		Str("severity", string(n.Severity)).
		Str("title", n.Title).
		Str("message", n.Message).
		Msg("Notification (provider not configured)")
	return nil
}
