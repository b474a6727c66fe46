// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/soothill/fleetwatch/model"
	fwerrors "github.com/soothill/fleetwatch/pkg/errors"
)

// EmailSender delivers notifications over SMTP. Channel config keys:
// smtp_host, smtp_port, smtp_username, smtp_password, from, to
// (comma-separated).
type EmailSender struct {
	// send is swappable for tests; defaults to smtp.SendMail.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailSender creates an SMTP adapter.
func NewEmailSender() *EmailSender {
	return &EmailSender{send: smtp.SendMail}
}

// Send builds a plain-text message and hands it to SMTP. The context only
// gates entry; smtp.SendMail is bounded by the dialer's own timeouts.
func (e *EmailSender) Send(ctx context.Context, ch *model.NotificationChannel, n model.Notification) error {
	if err := ctx.Err(); err != nil {
		return fwerrors.NewNotificationError(ch.Name, err)
	}

	host := ch.Config["smtp_host"]
	port := ch.Config["smtp_port"]
	from := ch.Config["from"]
	toRaw := ch.Config["to"]
	if host == "" || from == "" || toRaw == "" {
		return fwerrors.NewNotificationError(ch.Name, fmt.Errorf("email channel missing smtp_host, from, or to"))
	}
	if port == "" {
		port = "587"
	}

	var to []string
	for _, addr := range strings.Split(toRaw, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			to = append(to, addr)
		}
	}
	if len(to) == 0 {
		return fwerrors.NewNotificationError(ch.Name, fmt.Errorf("email channel has no recipients"))
	}

	var auth smtp.Auth
	if user := ch.Config["smtp_username"]; user != "" {
		auth = smtp.PlainAuth("", user, ch.Config["smtp_password"], host)
	}

	subject := fmt.Sprintf("[%s] %s", strings.ToUpper(string(n.Severity)), n.Title)
	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	msg.WriteString(n.Message)
	msg.WriteString("\r\n")

	if err := e.send(host+":"+port, auth, from, to, []byte(msg.String())); err != nil {
		return fwerrors.NewNotificationError(ch.Name, fmt.Errorf("smtp send failed: %w", err))
	}
	return nil
}
