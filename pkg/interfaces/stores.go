// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package interfaces defines the contracts between the control plane's
// components. Concrete implementations live in storage (mongo, memory,
// influxdb) and notify.
package interfaces

import (
	"context"

	"github.com/soothill/fleetwatch/model"
)

// DeviceStore persists devices. Writers for a single device are serialized
// by the ingest dispatcher, so whole-document saves are safe.
type DeviceStore interface {
	GetDevice(ctx context.Context, id string) (*model.Device, error)
	ListDevices(ctx context.Context) ([]*model.Device, error)
	SaveDevice(ctx context.Context, d *model.Device) error
}

// CheckStore persists per-device monitoring rules.
type CheckStore interface {
	ListChecksByDevice(ctx context.Context, deviceID string) ([]*model.MonitoringCheck, error)
	GetCheck(ctx context.Context, id string) (*model.MonitoringCheck, error)
	SaveCheck(ctx context.Context, c *model.MonitoringCheck) error
}

// TelemetryStore keeps the consolidated telemetry documents.
type TelemetryStore interface {
	// LatestTelemetry returns the most recent record for the device, or
	// errors.ErrDeviceNotFound-style nil when none exists.
	LatestTelemetry(ctx context.Context, deviceID string) (*model.Telemetry, error)
	SaveTelemetry(ctx context.Context, t *model.Telemetry) error
}

// AlertStore persists AlertTracking rows and enforces the active-key
// uniqueness invariant.
type AlertStore interface {
	// FindOpenAlert returns the single non-resolved row for the key, or
	// errors.ErrAlertNotFound.
	FindOpenAlert(ctx context.Context, key model.ActiveKey) (*model.AlertTracking, error)
	// FindOpenAlerts returns every non-resolved row for the key, oldest
	// first. More than one element signals a consistency violation the
	// engine repairs.
	FindOpenAlerts(ctx context.Context, key model.ActiveKey) ([]*model.AlertTracking, error)
	// InsertActiveAlert inserts a new non-resolved row. It fails with
	// errors.ErrDuplicateActiveAlert when an open row already holds the key.
	InsertActiveAlert(ctx context.Context, a *model.AlertTracking) error
	UpdateAlert(ctx context.Context, a *model.AlertTracking) error
	ListUnresolvedAlerts(ctx context.Context) ([]*model.AlertTracking, error)
	ListUnresolvedAlertsByDevice(ctx context.Context, deviceID string) ([]*model.AlertTracking, error)
}

// IncidentStore persists incidents.
type IncidentStore interface {
	// FindOpenIncident returns the open incident for the tuple, or
	// errors.ErrIncidentNotFound.
	FindOpenIncident(ctx context.Context, target model.TargetType, targetID, summary string) (*model.Incident, error)
	InsertIncident(ctx context.Context, in *model.Incident) error
	UpdateIncident(ctx context.Context, in *model.Incident) error
	ListOpenIncidents(ctx context.Context) ([]*model.Incident, error)
}

// SyntheticStore persists synthetic checks.
type SyntheticStore interface {
	ListSynthetics(ctx context.Context) ([]*model.SyntheticCheck, error)
	SaveSynthetic(ctx context.Context, s *model.SyntheticCheck) error
}

// LicenseStore persists license assets.
type LicenseStore interface {
	ListLicenses(ctx context.Context) ([]*model.LicenseAsset, error)
	SaveLicense(ctx context.Context, l *model.LicenseAsset) error
}

// ChannelStore persists notification channels.
type ChannelStore interface {
	ListChannels(ctx context.Context) ([]*model.NotificationChannel, error)
}

// SettingsStore persists the SystemSettings singleton.
type SettingsStore interface {
	GetSettings(ctx context.Context) (model.SystemSettings, error)
	SaveSettings(ctx context.Context, s model.SystemSettings) error
}

// TelemetryHistory is the time-series sink for consolidated telemetry.
type TelemetryHistory interface {
	WriteTelemetry(t *model.Telemetry, deviceName string) error
	Flush()
	Health(ctx context.Context) error
	Close()
}
