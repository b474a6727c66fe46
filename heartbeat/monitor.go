// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package heartbeat tracks per-device liveness: rolling heartbeat windows,
// the periodic offline scan, module staleness detection, and the explicit
// MQTT status transitions.
package heartbeat

import (
	"context"
	"fmt"
	"time"

	"github.com/soothill/fleetwatch/alerting"
	"github.com/soothill/fleetwatch/model"
	"github.com/soothill/fleetwatch/notify"
	"github.com/soothill/fleetwatch/pkg/clock"
	"github.com/soothill/fleetwatch/pkg/interfaces"
	"github.com/soothill/fleetwatch/pkg/logger"
	"github.com/soothill/fleetwatch/pkg/metrics"
)

// ModuleStaleness is how long a module may go without a payload on an
// online device before a service_down alert opens for it.
const ModuleStaleness = 120 * time.Second

// Monitor owns device liveness state transitions.
type Monitor struct {
	devices  interfaces.DeviceStore
	settings interfaces.SettingsStore
	engine   *alerting.Engine
	clock    clock.Clock
}

// NewMonitor builds a heartbeat monitor.
func NewMonitor(devices interfaces.DeviceStore, settings interfaces.SettingsStore, engine *alerting.Engine, clk clock.Clock) *Monitor {
	return &Monitor{devices: devices, settings: settings, engine: engine, clock: clk}
}

// RecordHeartbeat registers activity from a device: it pushes the
// timestamp into the rolling window, resets the missed counter, and if the
// device was offline brings it back online with a bundled recovery.
func (m *Monitor) RecordHeartbeat(ctx context.Context, d *model.Device, now time.Time) error {
	wasDown := d.Status == model.StatusOffline || d.Status == model.StatusNotMonitored

	d.PushHeartbeat(now)
	d.Status = model.StatusOnline
	if err := m.devices.SaveDevice(ctx, d); err != nil {
		return err
	}

	if wasDown {
		logger.Info().Str("device_id", d.ID).Str("name", d.Name).Msg("Device back online")
		m.engine.ResolveOfflineRecoveryBundle(ctx, d)
	}
	return nil
}

// ModuleSeen records a successful payload for one module and resolves any
// open staleness alert for it.
func (m *Monitor) ModuleSeen(ctx context.Context, d *model.Device, module model.Module, now time.Time) error {
	if d.LastModuleMetrics == nil {
		d.LastModuleMetrics = make(map[model.Module]time.Time)
	}
	d.LastModuleMetrics[module] = now
	if err := m.devices.SaveDevice(ctx, d); err != nil {
		return err
	}

	m.engine.Resolve(ctx, alerting.ResolveParams{
		DeviceID: d.ID,
		Type:     model.AlertServiceDown,
		Service:  string(module),
		Reason:   fmt.Sprintf("%s metrics flowing again", module),
	})
	return nil
}

// Scan is the periodic offline detector. For every monitored device it
// compares the time since the last heartbeat against the expected interval
// scaled by the offline multiplier, transitioning status and driving the
// alert engine. It also opens service_down alerts for stale modules on
// online devices.
func (m *Monitor) Scan(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.OfflineScanDuration.Observe(time.Since(start).Seconds())
	}()

	now := m.clock.Now()
	settings, err := m.settings.GetSettings(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Settings unavailable, using defaults")
		settings = model.DefaultSettings()
	}

	devices, err := m.devices.ListDevices(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Offline scan failed to list devices")
		return
	}

	statusCounts := map[model.DeviceStatus]int{}
	for _, d := range devices {
		m.checkDevice(ctx, d, now, settings)
		statusCounts[d.Status]++
	}

	for _, status := range []model.DeviceStatus{model.StatusOnline, model.StatusOffline, model.StatusWarning, model.StatusNotMonitored} {
		metrics.DevicesByStatus.WithLabelValues(string(status)).Set(float64(statusCounts[status]))
	}
}

// checkDevice evaluates one device's liveness, mutating d.Status to the
// post-scan state.
func (m *Monitor) checkDevice(ctx context.Context, d *model.Device, now time.Time, settings model.SystemSettings) {
	if !d.MonitoringEnabled || d.MonitoringPaused {
		return
	}
	if d.LastSeen.IsZero() {
		return
	}

	expected := d.ExpectedInterval()
	threshold := time.Duration(float64(expected) * settings.OfflineMultiplier(d))
	delta := now.Sub(d.LastSeen)

	if delta > threshold {
		if d.Status != model.StatusOffline {
			m.markOffline(ctx, d, delta, expected, threshold)
		}
		return
	}

	if d.Status == model.StatusOffline {
		d.Status = model.StatusOnline
		if err := m.devices.SaveDevice(ctx, d); err != nil {
			logger.Error().Err(err).Str("device_id", d.ID).Msg("Device status update failed")
			return
		}
		logger.Info().Str("device_id", d.ID).Str("name", d.Name).Msg("Device back online")
		m.engine.ResolveOfflineRecoveryBundle(ctx, d)
	}

	m.scanModules(ctx, d, now)
}

// markOffline flips the device to offline and raises the critical offline
// alert, carrying the device's own cadence overrides.
func (m *Monitor) markOffline(ctx context.Context, d *model.Device, delta, expected, threshold time.Duration) {
	d.Status = model.StatusOffline
	d.ConsecutiveMissed = int(delta / expected)
	if err := m.devices.SaveDevice(ctx, d); err != nil {
		logger.Error().Err(err).Str("device_id", d.ID).Msg("Device status update failed")
		return
	}

	logger.Warn().
		Str("device_id", d.ID).
		Str("name", d.Name).
		Dur("silence", delta).
		Int("missed", d.ConsecutiveMissed).
		Msg("Device offline")

	m.engine.Trigger(ctx, alerting.TriggerParams{
		DeviceID: d.ID,
		Type:     model.AlertOffline,
		Severity: model.SeverityCritical,
		Message: fmt.Sprintf("No data received for %s (threshold %s)",
			notify.FormatDuration(delta), notify.FormatDuration(threshold)),
		Details: map[string]any{
			"device_name":         d.Name,
			"consecutive_missed":  d.ConsecutiveMissed,
			"expected_interval_s": int(expected / time.Second),
			"silence_seconds":     int(delta / time.Second),
		},
		Overrides: deviceOverrides(d),
	})
}

// scanModules opens a warning service_down alert for every enabled module
// that has gone stale on an otherwise online device.
func (m *Monitor) scanModules(ctx context.Context, d *model.Device, now time.Time) {
	for _, module := range d.EnabledModules {
		last, ok := d.LastModuleMetrics[module]
		if !ok || last.IsZero() {
			continue
		}
		if now.Sub(last) <= ModuleStaleness {
			continue
		}
		m.engine.Trigger(ctx, alerting.TriggerParams{
			DeviceID: d.ID,
			Type:     model.AlertServiceDown,
			Service:  string(module),
			Severity: model.SeverityWarning,
			Message: fmt.Sprintf("No %s metrics for %s", module,
				notify.FormatDuration(now.Sub(last))),
			Details: map[string]any{"device_name": d.Name, "module": string(module)},
		})
	}
}

// HandleStatus applies an explicit MQTT status payload. Retained messages
// are replays from the broker: they never notify, and only an `online`
// refreshes last_seen. A live `offline` opens the alert immediately
// without waiting for the scanner.
func (m *Monitor) HandleStatus(ctx context.Context, d *model.Device, status model.DeviceStatus, retained bool) error {
	now := m.clock.Now()

	if retained {
		if status == model.StatusOnline && now.After(d.LastSeen) {
			d.LastSeen = now
			return m.devices.SaveDevice(ctx, d)
		}
		return nil
	}

	switch status {
	case model.StatusOnline:
		return m.RecordHeartbeat(ctx, d, now)

	case model.StatusOffline:
		d.Status = model.StatusOffline
		if err := m.devices.SaveDevice(ctx, d); err != nil {
			return err
		}
		m.engine.Trigger(ctx, alerting.TriggerParams{
			DeviceID:  d.ID,
			Type:      model.AlertOffline,
			Severity:  model.SeverityCritical,
			Message:   "Device reported offline",
			Details:   map[string]any{"device_name": d.Name},
			Overrides: deviceOverrides(d),
		})
		return nil

	default:
		d.Status = status
		return m.devices.SaveDevice(ctx, d)
	}
}

// deviceOverrides lifts the device's cadence overrides into a throttling
// config, or nil when the device has none.
func deviceOverrides(d *model.Device) *model.ThrottlingConfig {
	if d.Overrides.RepeatIntervalMinutes == nil {
		return nil
	}
	cfg := model.ThrottlingConfig{RepeatIntervalMinutes: *d.Overrides.RepeatIntervalMinutes}
	if d.Overrides.ThrottlingDurationMinutes != nil {
		cfg.ThrottlingDurationMinutes = *d.Overrides.ThrottlingDurationMinutes
	} else {
		cfg.ThrottlingDurationMinutes = 60
	}
	return &cfg
}
