// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package model

import "time"

// AlertTypeAll in a channel filter accepts every alert type.
const AlertTypeAll = "all"

// NotificationChannel is one configured delivery target. Among enabled
// channels exactly one must have IsDefault set.
type NotificationChannel struct {
	ID             string            `bson:"_id" json:"id"`
	Name           string            `bson:"name" json:"name"`
	Type           ChannelType       `bson:"type" json:"type"`
	Enabled        bool              `bson:"enabled" json:"enabled"`
	IsDefault      bool              `bson:"is_default" json:"is_default"`
	AlertTypes     []string          `bson:"alert_types,omitempty" json:"alert_types,omitempty"`
	SeverityLevels []Severity        `bson:"severity_levels,omitempty" json:"severity_levels,omitempty"`
	DeviceFilters  []string          `bson:"device_filters,omitempty" json:"device_filters,omitempty"`
	Config         map[string]string `bson:"config,omitempty" json:"config,omitempty"`
	CreatedAt      time.Time         `bson:"created_at" json:"created_at"`
}

// AcceptsAlertType reports whether the channel's alert_types filter admits
// the alert type. An empty filter admits nothing; the literal "all" admits
// everything.
func (c *NotificationChannel) AcceptsAlertType(t AlertType) bool {
	for _, at := range c.AlertTypes {
		if at == AlertTypeAll || at == string(t) {
			return true
		}
	}
	return false
}

// AcceptsSeverity reports whether the channel admits the severity. An empty
// filter admits all severities.
func (c *NotificationChannel) AcceptsSeverity(s Severity) bool {
	if len(c.SeverityLevels) == 0 {
		return true
	}
	for _, lvl := range c.SeverityLevels {
		if lvl == s {
			return true
		}
	}
	return false
}

// AcceptsDevice reports whether the channel admits the device. An empty
// filter admits all devices.
func (c *NotificationChannel) AcceptsDevice(deviceID string) bool {
	if len(c.DeviceFilters) == 0 {
		return true
	}
	for _, id := range c.DeviceFilters {
		if id == deviceID {
			return true
		}
	}
	return false
}
