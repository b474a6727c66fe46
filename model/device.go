// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package model

import "time"

// HeartbeatWindowSize caps the rolling window of recent heartbeat
// timestamps kept on each device.
const HeartbeatWindowSize = 4

// DefaultExpectedIntervalSeconds is the agent publish cadence assumed when
// a device does not declare its own.
const DefaultExpectedIntervalSeconds = 15

// DeviceOverrides holds per-device alerting knobs. Nil fields inherit the
// system defaults.
type DeviceOverrides struct {
	OfflineThresholdMultiplier *float64 `bson:"offline_threshold_multiplier,omitempty" json:"offline_threshold_multiplier,omitempty"`
	OfflineWarningThreshold    *int     `bson:"offline_warning_threshold,omitempty" json:"offline_warning_threshold,omitempty"`
	OfflineCriticalThreshold   *int     `bson:"offline_critical_threshold,omitempty" json:"offline_critical_threshold,omitempty"`
	RepeatIntervalMinutes      *int     `bson:"repeat_interval_minutes,omitempty" json:"repeat_interval_minutes,omitempty"`
	ThrottlingDurationMinutes  *int     `bson:"throttling_duration_minutes,omitempty" json:"throttling_duration_minutes,omitempty"`
	SIPRTTThresholdMS          *float64 `bson:"sip_rtt_threshold_ms,omitempty" json:"sip_rtt_threshold_ms,omitempty"`
}

// Device is a monitored endpoint in the fleet. The opaque DeviceID is the
// natural key; all lookups use it.
type Device struct {
	ID                      string               `bson:"_id" json:"device_id"`
	Name                    string               `bson:"name" json:"name"`
	Type                    DeviceType           `bson:"type" json:"type"`
	EnabledModules          []Module             `bson:"enabled_modules" json:"enabled_modules"`
	MonitoringEnabled       bool                 `bson:"monitoring_enabled" json:"monitoring_enabled"`
	MonitoringPaused        bool                 `bson:"monitoring_paused" json:"monitoring_paused"`
	Status                  DeviceStatus         `bson:"status" json:"status"`
	LastSeen                time.Time            `bson:"last_seen" json:"last_seen"`
	HeartbeatWindow         []time.Time          `bson:"heartbeat_window" json:"heartbeat_window"`
	ConsecutiveMissed       int                  `bson:"consecutive_missed_messages" json:"consecutive_missed_messages"`
	ExpectedIntervalSeconds int                  `bson:"expected_message_interval_seconds" json:"expected_message_interval_seconds"`
	LastModuleMetrics       map[Module]time.Time `bson:"last_successful_metrics" json:"last_successful_metrics"`
	Hostname                string               `bson:"hostname,omitempty" json:"hostname,omitempty"`
	PublicIP                string               `bson:"public_ip,omitempty" json:"public_ip,omitempty"`
	LocalIPs                []string             `bson:"local_ips,omitempty" json:"local_ips,omitempty"`
	MemoryTotalBytes        int64                `bson:"memory_total,omitempty" json:"memory_total,omitempty"`
	DiskTotalBytes          int64                `bson:"disk_total,omitempty" json:"disk_total,omitempty"`
	Overrides               DeviceOverrides      `bson:"overrides" json:"overrides"`
	AssignedUserIDs         []string             `bson:"assigned_user_ids,omitempty" json:"assigned_user_ids,omitempty"`
	CreatedAt               time.Time            `bson:"created_at" json:"created_at"`
	UpdatedAt               time.Time            `bson:"updated_at" json:"updated_at"`
}

// ModuleEnabled reports whether the agent module is active on this device.
func (d *Device) ModuleEnabled(m Module) bool {
	for _, em := range d.EnabledModules {
		if em == m {
			return true
		}
	}
	return false
}

// ExpectedInterval returns the expected agent publish interval.
func (d *Device) ExpectedInterval() time.Duration {
	secs := d.ExpectedIntervalSeconds
	if secs <= 0 {
		secs = DefaultExpectedIntervalSeconds
	}
	return time.Duration(secs) * time.Second
}

// PushHeartbeat appends ts to the rolling window, trimming to the window
// size, and refreshes LastSeen.
func (d *Device) PushHeartbeat(ts time.Time) {
	d.HeartbeatWindow = append(d.HeartbeatWindow, ts)
	if len(d.HeartbeatWindow) > HeartbeatWindowSize {
		d.HeartbeatWindow = d.HeartbeatWindow[len(d.HeartbeatWindow)-HeartbeatWindowSize:]
	}
	if ts.After(d.LastSeen) {
		d.LastSeen = ts
	}
	d.ConsecutiveMissed = 0
}

// MonitoringCheck is a per-device monitoring rule.
type MonitoringCheck struct {
	ID                  string     `bson:"_id" json:"id"`
	DeviceID            string     `bson:"device_id" json:"device_id"`
	Type                CheckType  `bson:"check_type" json:"check_type"`
	Target              string     `bson:"target,omitempty" json:"target,omitempty"`
	WarningThreshold    float64    `bson:"warning_threshold" json:"warning_threshold"`
	CriticalThreshold   float64    `bson:"critical_threshold" json:"critical_threshold"`
	ConsecutiveFailures int        `bson:"consecutive_failures" json:"consecutive_failures"`
	IntervalSeconds     int        `bson:"interval_seconds" json:"interval_seconds"`
	Enabled             bool       `bson:"enabled" json:"enabled"`
	LastState           CheckState `bson:"last_state" json:"last_state"`
	LastValue           float64    `bson:"last_value" json:"last_value"`
	LastEvaluatedAt     time.Time  `bson:"last_evaluated_at" json:"last_evaluated_at"`
	LastMessage         string     `bson:"last_message,omitempty" json:"last_message,omitempty"`
}
