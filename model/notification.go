// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package model

import "time"

// NotificationKind distinguishes why a notification is being sent.
type NotificationKind string

const (
	NotifyInitial    NotificationKind = "initial"
	NotifyEscalation NotificationKind = "escalation"
	NotifyReminder   NotificationKind = "reminder"
	NotifyRecovery   NotificationKind = "recovery"
	NotifyDigest     NotificationKind = "digest"
)

// Notification is one rendered event handed to the dispatcher. Channel
// adapters format it for their transport; the text body is identical
// across channels.
type Notification struct {
	Kind      NotificationKind
	Severity  Severity
	AlertType AlertType
	DeviceID  string
	Title     string
	Message   string
	Timestamp time.Time
	// ChannelIDs, when non-empty, restricts delivery to the named
	// channels (used by the license monitor). Empty means filter-based
	// routing.
	ChannelIDs []string
	// SlackOnly restricts delivery to slack channels (fleet digests).
	SlackOnly bool
}

// RecoveryBundle summarizes a device coming back after an outage: the
// resolved offline alert plus any service_down alerts closed with it.
type RecoveryBundle struct {
	DeviceID         string
	DeviceName       string
	OfflineDuration  time.Duration
	RestoredServices []string
	ResolvedAlerts   int
}
