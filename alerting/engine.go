// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package alerting implements the alert lifecycle engine: dedup, severity
// escalation, throttled reminder cadence, recovery bundling, and startup
// reconciliation. It is the only writer of AlertTracking records.
package alerting

import (
	"context"
	"errors"
	"time"

	"github.com/soothill/fleetwatch/incidents"
	"github.com/soothill/fleetwatch/model"
	"github.com/soothill/fleetwatch/notify"
	"github.com/soothill/fleetwatch/pkg/clock"
	fwerrors "github.com/soothill/fleetwatch/pkg/errors"
	"github.com/soothill/fleetwatch/pkg/interfaces"
	"github.com/soothill/fleetwatch/pkg/logger"
	"github.com/soothill/fleetwatch/pkg/metrics"
)

// Silent resolution reasons. These paths must never emit a notification.
const (
	ReasonUnmonitored     = "Service/endpoint no longer monitored"
	ReasonPaused          = "Monitoring paused/disabled"
	ReasonStartup         = "Auto-resolved during startup normalization"
	ReasonDuplicateMerged = "Merged into older duplicate alert"
)

// TriggerParams describes one alert condition observation.
type TriggerParams struct {
	DeviceID string
	Type     model.AlertType
	Service  string
	Endpoint string
	Severity model.Severity
	Message  string
	Details  map[string]any
	// Overrides, when set, wins over the alert-type cadence defaults.
	Overrides *model.ThrottlingConfig
	// Target selects the incident target type; zero value means device.
	Target model.TargetType
}

func (p TriggerParams) key() model.ActiveKey {
	return model.ActiveKey{DeviceID: p.DeviceID, Type: p.Type, Service: p.Service, Endpoint: p.Endpoint}
}

// ResolveParams identifies the alert to close.
type ResolveParams struct {
	DeviceID string
	Type     model.AlertType
	Service  string
	Endpoint string
	Reason   string
	// Silent suppresses the recovery notification.
	Silent bool
	Target model.TargetType
}

// Engine is the alert lifecycle engine.
type Engine struct {
	alerts     interfaces.AlertStore
	devices    interfaces.DeviceStore
	checks     interfaces.CheckStore
	synthetics interfaces.SyntheticStore
	settings   interfaces.SettingsStore
	dispatcher interfaces.Dispatcher
	incidents  interfaces.IncidentSink
	clock      clock.Clock
}

// NewEngine builds the lifecycle engine.
func NewEngine(
	alerts interfaces.AlertStore,
	devices interfaces.DeviceStore,
	checks interfaces.CheckStore,
	synthetics interfaces.SyntheticStore,
	settings interfaces.SettingsStore,
	dispatcher interfaces.Dispatcher,
	sink interfaces.IncidentSink,
	clk clock.Clock,
) *Engine {
	return &Engine{
		alerts:     alerts,
		devices:    devices,
		checks:     checks,
		synthetics: synthetics,
		settings:   settings,
		dispatcher: dispatcher,
		incidents:  sink,
		clock:      clk,
	}
}

// Trigger records an alert condition. Idempotent in the active-key: a
// duplicate trigger merges details into the open row, and only a severity
// escalation sends again. Errors are absorbed; the returned record is
// best-effort and nil only when persistence failed outright.
func (e *Engine) Trigger(ctx context.Context, p TriggerParams) *model.AlertTracking {
	now := e.clock.Now()
	key := p.key()

	open, err := e.alerts.FindOpenAlerts(ctx, key)
	if err != nil {
		logger.Error().Err(err).Str("key", key.String()).Msg("Alert lookup failed")
		return nil
	}
	if len(open) > 1 {
		open = e.repairDuplicates(ctx, open)
	}

	if len(open) == 1 {
		return e.escalateOrMerge(ctx, open[0], p, now)
	}

	settings, err := e.settings.GetSettings(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Settings unavailable, using defaults")
		settings = model.DefaultSettings()
	}

	a := &model.AlertTracking{
		DeviceID:          p.DeviceID,
		Type:              p.Type,
		SpecificService:   p.Service,
		SpecificEndpoint:  p.Endpoint,
		Severity:          p.Severity,
		State:             model.AlertStateNew,
		Message:           p.Message,
		Details:           p.Details,
		FirstTriggered:    now,
		LastNotified:      now,
		NotificationCount: 1,
		Throttling:        resolvePolicy(p.Type, p.Severity, p.Overrides, settings),
	}

	if err := e.alerts.InsertActiveAlert(ctx, a); err != nil {
		if errors.Is(err, fwerrors.ErrDuplicateActiveAlert) {
			// Lost the race to a concurrent trigger; fold into the winner.
			if existing, lookupErr := e.alerts.FindOpenAlert(ctx, key); lookupErr == nil {
				return e.escalateOrMerge(ctx, existing, p, now)
			}
		}
		logger.Error().Err(err).Str("key", key.String()).Msg("Alert insert failed")
		return nil
	}

	metrics.AlertsOpened.WithLabelValues(string(p.Type), string(p.Severity)).Inc()
	metrics.ActiveAlerts.Inc()
	logger.Info().
		Str("key", key.String()).
		Str("severity", string(p.Severity)).
		Str("message", p.Message).
		Msg("Alert opened")

	e.dispatcher.Dispatch(ctx, notify.RenderAlert(model.NotifyInitial, a, e.deviceName(ctx, p.DeviceID), now))

	a.State = model.AlertStateThrottling
	if err := e.alerts.UpdateAlert(ctx, a); err != nil {
		logger.Error().Err(err).Str("key", key.String()).Msg("Alert state update failed")
	}

	e.mirrorIncident(ctx, p.targetType(), p.DeviceID, p.Type, p.Service, p.Endpoint, a.Severity, p.Message)
	return a
}

func (p TriggerParams) targetType() model.TargetType {
	if p.Target != "" {
		return p.Target
	}
	return model.TargetDevice
}

func (p ResolveParams) targetType() model.TargetType {
	if p.Target != "" {
		return p.Target
	}
	return model.TargetDevice
}

// escalateOrMerge folds a repeated trigger into the open row. A higher
// severity bumps the record and sends immediately; anything else only
// persists the merged details.
func (e *Engine) escalateOrMerge(ctx context.Context, a *model.AlertTracking, p TriggerParams, now time.Time) *model.AlertTracking {
	a.MergeDetails(p.Details)
	if p.Message != "" {
		a.Message = p.Message
	}

	if p.Severity.Rank() > a.Severity.Rank() {
		a.Severity = p.Severity
		a.LastNotified = now
		a.NotificationCount++
		if err := e.alerts.UpdateAlert(ctx, a); err != nil {
			logger.Error().Err(err).Str("key", a.Key().String()).Msg("Alert escalation update failed")
			return a
		}
		logger.Info().
			Str("key", a.Key().String()).
			Str("severity", string(p.Severity)).
			Msg("Alert escalated")
		e.dispatcher.Dispatch(ctx, notify.RenderAlert(model.NotifyEscalation, a, e.deviceName(ctx, a.DeviceID), now))
		e.mirrorIncident(ctx, p.targetType(), a.DeviceID, a.Type, a.SpecificService, a.SpecificEndpoint, a.Severity, a.Message)
		return a
	}

	if err := e.alerts.UpdateAlert(ctx, a); err != nil {
		logger.Error().Err(err).Str("key", a.Key().String()).Msg("Alert merge update failed")
	}
	return a
}

// Resolve closes the open alert for the key, if any. It returns the
// resolved record or nil when no alert was open.
func (e *Engine) Resolve(ctx context.Context, p ResolveParams) *model.AlertTracking {
	key := model.ActiveKey{DeviceID: p.DeviceID, Type: p.Type, Service: p.Service, Endpoint: p.Endpoint}
	open, err := e.alerts.FindOpenAlerts(ctx, key)
	if err != nil {
		logger.Error().Err(err).Str("key", key.String()).Msg("Alert lookup failed")
		return nil
	}
	if len(open) == 0 {
		return nil
	}

	now := e.clock.Now()
	var first *model.AlertTracking
	for _, a := range open {
		e.close(ctx, a, p.Reason, now)
		if first == nil {
			first = a
		}
	}

	if !p.Silent {
		e.dispatcher.Dispatch(ctx, notify.RenderResolved(first, e.deviceName(ctx, p.DeviceID), now))
	}

	summary := incidents.SummaryFor(p.Type, p.Service, p.Endpoint)
	if err := e.incidents.Resolve(ctx, p.targetType(), p.DeviceID, summary, p.Reason); err != nil {
		logger.Error().Err(err).Str("summary", summary).Msg("Incident resolve failed")
	}
	return first
}

// close marks a single row resolved and persists it. No notification.
func (e *Engine) close(ctx context.Context, a *model.AlertTracking, reason string, now time.Time) {
	a.State = model.AlertStateResolved
	a.ResolvedAt = &now
	a.ResolutionReason = reason
	elapsed := now.Sub(a.FirstTriggered)
	if elapsed < 0 {
		elapsed = 0
	}
	a.DurationSeconds = int64(elapsed / time.Second)
	a.DurationMinutes = int64(elapsed / time.Minute)

	if err := e.alerts.UpdateAlert(ctx, a); err != nil {
		logger.Error().Err(err).Str("key", a.Key().String()).Msg("Alert resolve update failed")
		return
	}
	metrics.AlertsResolved.WithLabelValues(string(a.Type)).Inc()
	metrics.ActiveAlerts.Dec()
	logger.Info().
		Str("key", a.Key().String()).
		Str("reason", reason).
		Int64("duration_seconds", a.DurationSeconds).
		Msg("Alert resolved")
}

// ResolveOfflineRecoveryBundle closes every open offline and service_down
// alert for the device in one pass and emits a single recovery
// notification, suppressing the per-alert recoveries.
func (e *Engine) ResolveOfflineRecoveryBundle(ctx context.Context, device *model.Device) {
	open, err := e.alerts.ListUnresolvedAlertsByDevice(ctx, device.ID)
	if err != nil {
		logger.Error().Err(err).Str("device_id", device.ID).Msg("Alert lookup failed")
		return
	}

	now := e.clock.Now()
	bundle := model.RecoveryBundle{DeviceID: device.ID, DeviceName: device.Name}
	for _, a := range open {
		switch a.Type {
		case model.AlertOffline:
			if d := offlineDuration(a, now); d > bundle.OfflineDuration {
				bundle.OfflineDuration = d
			}
		case model.AlertServiceDown:
			if a.SpecificService != "" {
				bundle.RestoredServices = append(bundle.RestoredServices, a.SpecificService)
			}
		default:
			continue
		}

		e.close(ctx, a, "Device back online", now)
		bundle.ResolvedAlerts++

		summary := incidents.SummaryFor(a.Type, a.SpecificService, a.SpecificEndpoint)
		if err := e.incidents.Resolve(ctx, model.TargetDevice, device.ID, summary, "Device back online"); err != nil {
			logger.Error().Err(err).Str("summary", summary).Msg("Incident resolve failed")
		}
	}

	if bundle.ResolvedAlerts == 0 {
		return
	}
	e.dispatcher.Dispatch(ctx, notify.RenderRecoveryBundle(bundle, now))
}

// offlineDuration prefers the silence measured when the offline alert was
// detected; the detector records it under "silence_seconds". Without it,
// the alert's own age is the best estimate.
func offlineDuration(a *model.AlertTracking, now time.Time) time.Duration {
	switch v := a.Details["silence_seconds"].(type) {
	case int:
		return time.Duration(v) * time.Second
	case int64:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	}
	return now.Sub(a.FirstTriggered)
}

// mirrorIncident opens or updates the matching incident. Failures are
// logged and absorbed so notification delivery never blocks on incident
// persistence.
func (e *Engine) mirrorIncident(ctx context.Context, target model.TargetType, targetID string, alertType model.AlertType, service, endpoint string, severity model.Severity, update string) {
	summary := incidents.SummaryFor(alertType, service, endpoint)
	if err := e.incidents.EnsureOpen(ctx, target, targetID, summary, severity, update); err != nil {
		logger.Error().Err(err).Str("summary", summary).Msg("Incident update failed")
	}
}

// deviceName resolves the human name for notifications, falling back to
// the raw ID for synthetic targets and unknown devices.
func (e *Engine) deviceName(ctx context.Context, deviceID string) string {
	d, err := e.devices.GetDevice(ctx, deviceID)
	if err != nil {
		return deviceID
	}
	if d.Name != "" {
		return d.Name
	}
	return deviceID
}

// repairDuplicates merges extra open rows for one key into the oldest,
// resolving the rest silently. Returns the surviving single-element slice.
func (e *Engine) repairDuplicates(ctx context.Context, open []*model.AlertTracking) []*model.AlertTracking {
	oldest := open[0]
	now := e.clock.Now()
	for _, dup := range open[1:] {
		oldest.MergeDetails(dup.Details)
		if dup.Severity.Rank() > oldest.Severity.Rank() {
			oldest.Severity = dup.Severity
		}
		if dup.NotificationCount > 0 {
			oldest.NotificationCount += dup.NotificationCount - 1
		}
		e.close(ctx, dup, ReasonDuplicateMerged, now)
	}
	if err := e.alerts.UpdateAlert(ctx, oldest); err != nil {
		logger.Error().Err(err).Str("key", oldest.Key().String()).Msg("Duplicate repair update failed")
	}
	logger.Warn().
		Str("key", oldest.Key().String()).
		Int("duplicates", len(open)-1).
		Msg("Repaired duplicate active alerts")
	return open[:1]
}
