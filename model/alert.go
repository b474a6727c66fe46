// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package model

import (
	"fmt"
	"time"
)

// ActiveKey deduplicates alerts: at most one non-resolved AlertTracking row
// may exist per key.
type ActiveKey struct {
	DeviceID string    `bson:"device_id" json:"device_id"`
	Type     AlertType `bson:"alert_type" json:"alert_type"`
	Service  string    `bson:"specific_service,omitempty" json:"specific_service,omitempty"`
	Endpoint string    `bson:"specific_endpoint,omitempty" json:"specific_endpoint,omitempty"`
}

func (k ActiveKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.DeviceID, k.Type, k.Service, k.Endpoint)
}

// ThrottlingConfig is the reminder cadence attached to an alert. A zero
// Duration means the alert never decays into hourly-only reminders.
type ThrottlingConfig struct {
	RepeatIntervalMinutes     int `bson:"repeat_interval_minutes" json:"repeat_interval_minutes"`
	ThrottlingDurationMinutes int `bson:"throttling_duration_minutes" json:"throttling_duration_minutes"`
}

// RepeatInterval returns the reminder interval as a duration.
func (t ThrottlingConfig) RepeatInterval() time.Duration {
	return time.Duration(t.RepeatIntervalMinutes) * time.Minute
}

// Duration returns the throttling window as a duration.
func (t ThrottlingConfig) Duration() time.Duration {
	return time.Duration(t.ThrottlingDurationMinutes) * time.Minute
}

// AlertTracking is the live alert record owned by the lifecycle engine. No
// component outside the engine may transition State.
type AlertTracking struct {
	ID                string           `bson:"_id,omitempty" json:"id,omitempty"`
	DeviceID          string           `bson:"device_id" json:"device_id"`
	Type              AlertType        `bson:"alert_type" json:"alert_type"`
	SpecificService   string           `bson:"specific_service,omitempty" json:"specific_service,omitempty"`
	SpecificEndpoint  string           `bson:"specific_endpoint,omitempty" json:"specific_endpoint,omitempty"`
	Severity          Severity         `bson:"severity" json:"severity"`
	State             AlertState       `bson:"state" json:"state"`
	Message           string           `bson:"message,omitempty" json:"message,omitempty"`
	Details           map[string]any   `bson:"details,omitempty" json:"details,omitempty"`
	FirstTriggered    time.Time        `bson:"first_triggered" json:"first_triggered"`
	LastNotified      time.Time        `bson:"last_notified" json:"last_notified"`
	NotificationCount int              `bson:"notification_count" json:"notification_count"`
	Throttling        ThrottlingConfig `bson:"throttling_config" json:"throttling_config"`
	ResolvedAt        *time.Time       `bson:"resolved_at,omitempty" json:"resolved_at,omitempty"`
	ResolutionReason  string           `bson:"resolution_reason,omitempty" json:"resolution_reason,omitempty"`
	DurationSeconds   int64            `bson:"duration_seconds,omitempty" json:"duration_seconds,omitempty"`
	DurationMinutes   int64            `bson:"duration_minutes,omitempty" json:"duration_minutes,omitempty"`
}

// Key returns the alert's dedup key.
func (a *AlertTracking) Key() ActiveKey {
	return ActiveKey{DeviceID: a.DeviceID, Type: a.Type, Service: a.SpecificService, Endpoint: a.SpecificEndpoint}
}

// Resolved reports whether the record has left the active set.
func (a *AlertTracking) Resolved() bool {
	return a.State == AlertStateResolved
}

// MergeDetails folds new detail fields into the record, newer values
// winning per key.
func (a *AlertTracking) MergeDetails(details map[string]any) {
	if len(details) == 0 {
		return
	}
	if a.Details == nil {
		a.Details = make(map[string]any, len(details))
	}
	for k, v := range details {
		a.Details[k] = v
	}
}

// Incident is a long-lived record of a problem on one target. At most one
// open incident exists per (TargetType, TargetID, Summary).
type Incident struct {
	ID         string           `bson:"_id,omitempty" json:"id,omitempty"`
	TargetType TargetType       `bson:"target_type" json:"target_type"`
	TargetID   string           `bson:"target_id" json:"target_id"`
	Severity   Severity         `bson:"severity" json:"severity"`
	Status     IncidentStatus   `bson:"status" json:"status"`
	Summary    string           `bson:"summary" json:"summary"`
	StartedAt  time.Time        `bson:"started_at" json:"started_at"`
	ResolvedAt *time.Time       `bson:"resolved_at,omitempty" json:"resolved_at,omitempty"`
	Updates    []IncidentUpdate `bson:"updates" json:"updates"`
}

// IncidentUpdate is one entry in an incident's chronological trail.
type IncidentUpdate struct {
	At       time.Time `bson:"at" json:"at"`
	Severity Severity  `bson:"severity,omitempty" json:"severity,omitempty"`
	Message  string    `bson:"message" json:"message"`
}
