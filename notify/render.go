// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package notify

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/soothill/fleetwatch/model"
)

// alertTitles maps alert types to human titles.
var alertTitles = map[model.AlertType]string{
	model.AlertOffline:       "Device Offline",
	model.AlertOnline:        "Device Online",
	model.AlertServiceDown:   "Service Down",
	model.AlertSIPIssue:      "SIP Issue",
	model.AlertHighLatency:   "High Latency",
	model.AlertThreshold:     "Threshold Exceeded",
	model.AlertRuleViolation: "Rule Violation",
	model.AlertIPChange:      "IP Address Changed",
}

// RenderAlert builds the notification for an alert event. The same text
// body goes to every channel; adapters only change framing.
func RenderAlert(kind model.NotificationKind, a *model.AlertTracking, deviceName string, now time.Time) model.Notification {
	title := alertTitles[a.Type]
	if title == "" {
		title = "Alert"
	}
	if deviceName != "" {
		title = fmt.Sprintf("%s: %s", title, deviceName)
	}

	msg := a.Message
	switch kind {
	case model.NotifyReminder:
		msg = fmt.Sprintf("Reminder (%dx): %s", a.NotificationCount, a.Message)
	case model.NotifyEscalation:
		msg = fmt.Sprintf("Escalated to %s: %s", a.Severity, a.Message)
	}

	return model.Notification{
		Kind:      kind,
		Severity:  a.Severity,
		AlertType: a.Type,
		DeviceID:  a.DeviceID,
		Title:     title,
		Message:   msg,
		Timestamp: now,
	}
}

// RenderResolved builds the recovery notification for a single resolved
// alert.
func RenderResolved(a *model.AlertTracking, deviceName string, now time.Time) model.Notification {
	title := alertTitles[a.Type]
	if title == "" {
		title = "Alert"
	}
	if deviceName != "" {
		title = fmt.Sprintf("Resolved - %s: %s", title, deviceName)
	} else {
		title = "Resolved - " + title
	}

	msg := a.Message
	if a.DurationMinutes > 0 || a.DurationSeconds > 0 {
		msg = fmt.Sprintf("%s (active for %s)", a.Message,
			FormatDuration(time.Duration(a.DurationMinutes)*time.Minute+time.Duration(a.DurationSeconds)*time.Second))
	}

	return model.Notification{
		Kind:      model.NotifyRecovery,
		Severity:  model.SeverityInfo,
		AlertType: a.Type,
		DeviceID:  a.DeviceID,
		Title:     title,
		Message:   msg,
		Timestamp: now,
	}
}

// RenderRecoveryBundle builds the single message emitted when a device
// comes back after an outage, covering the offline alert and any
// service_down alerts closed with it.
func RenderRecoveryBundle(b model.RecoveryBundle, now time.Time) model.Notification {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Offline Duration: %s", FormatDuration(b.OfflineDuration))
	if len(b.RestoredServices) > 0 {
		services := append([]string(nil), b.RestoredServices...)
		sort.Strings(services)
		fmt.Fprintf(&sb, "\nRestored Services: %s", strings.Join(services, ", "))
	}
	if b.ResolvedAlerts > 1 {
		fmt.Fprintf(&sb, "\nResolved Alerts: %d", b.ResolvedAlerts)
	}

	return model.Notification{
		Kind:      model.NotifyRecovery,
		Severity:  model.SeverityInfo,
		AlertType: model.AlertOnline,
		DeviceID:  b.DeviceID,
		Title:     fmt.Sprintf("Device Recovery: %s", b.DeviceName),
		Message:   sb.String(),
		Timestamp: now,
	}
}

// FormatDuration renders a duration as "Xm Ys", or "Xh Ym" past the hour.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d >= time.Hour {
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		return fmt.Sprintf("%dh %dm", h, m)
	}
	m := int(d.Minutes())
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dm %ds", m, s)
}

// severityColor maps severity to the Slack attachment color. Recovery
// notifications are always good.
func severityColor(n model.Notification) string {
	if n.Kind == model.NotifyRecovery {
		return "good"
	}
	switch n.Severity {
	case model.SeverityCritical:
		return "danger"
	case model.SeverityWarning:
		return "warning"
	default:
		return "good"
	}
}
