// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package alerting

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/soothill/fleetwatch/incidents"
	"github.com/soothill/fleetwatch/model"
	"github.com/soothill/fleetwatch/notify"
	fwerrors "github.com/soothill/fleetwatch/pkg/errors"
	"github.com/soothill/fleetwatch/pkg/logger"
)

const hourlyReminderInterval = time.Hour

// ProcessThrottled walks every non-resolved alert and advances its
// reminder state machine. Driven by the 60s ticker; safe to run
// concurrently with triggers and resolves.
func (e *Engine) ProcessThrottled(ctx context.Context) {
	now := e.clock.Now()

	open, err := e.alerts.ListUnresolvedAlerts(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Throttle scan failed to list alerts")
		return
	}

	for _, a := range open {
		if monitored, reason := e.stillMonitored(ctx, a); !monitored {
			e.close(ctx, a, reason, now)
			summary := incidents.SummaryFor(a.Type, a.SpecificService, a.SpecificEndpoint)
			if err := e.incidents.Resolve(ctx, e.targetFor(ctx, a), a.DeviceID, summary, reason); err != nil {
				logger.Error().Err(err).Str("summary", summary).Msg("Incident resolve failed")
			}
			continue
		}

		switch a.State {
		case model.AlertStateHourlyOnly:
			if now.Sub(a.LastNotified) >= hourlyReminderInterval {
				e.remind(ctx, a, now)
			}

		case model.AlertStateThrottling:
			if now.Sub(a.LastNotified) < a.Throttling.RepeatInterval() {
				continue
			}
			if d := a.Throttling.Duration(); d > 0 && now.Sub(a.FirstTriggered) >= d {
				a.State = model.AlertStateHourlyOnly
				if err := e.alerts.UpdateAlert(ctx, a); err != nil {
					logger.Error().Err(err).Str("key", a.Key().String()).Msg("Alert state update failed")
				}
				continue
			}
			e.remind(ctx, a, now)
		}
	}
}

// remind sends a reminder and advances the bookkeeping, keeping the state
// unchanged.
func (e *Engine) remind(ctx context.Context, a *model.AlertTracking, now time.Time) {
	a.LastNotified = now
	a.NotificationCount++
	if err := e.alerts.UpdateAlert(ctx, a); err != nil {
		logger.Error().Err(err).Str("key", a.Key().String()).Msg("Reminder update failed")
		return
	}
	e.dispatcher.Dispatch(ctx, notify.RenderAlert(model.NotifyReminder, a, e.deviceName(ctx, a.DeviceID), now))
}

// stillMonitored re-validates that the condition an alert tracks is still
// being watched. Unmonitored alerts are resolved silently.
func (e *Engine) stillMonitored(ctx context.Context, a *model.AlertTracking) (bool, string) {
	d, err := e.devices.GetDevice(ctx, a.DeviceID)
	if errors.Is(err, fwerrors.ErrDeviceNotFound) {
		return e.syntheticStillMonitored(ctx, a)
	}
	if err != nil {
		// Transient storage failure must not silently resolve alerts.
		logger.Warn().Err(err).Str("device_id", a.DeviceID).Msg("Monitored-ness check skipped")
		return true, ""
	}

	if !d.MonitoringEnabled || d.MonitoringPaused {
		return false, ReasonPaused
	}

	switch a.Type {
	case model.AlertRuleViolation, model.AlertThreshold:
		if a.SpecificService == "" {
			return true, ""
		}
		checks, err := e.checks.ListChecksByDevice(ctx, a.DeviceID)
		if err != nil {
			logger.Warn().Err(err).Str("device_id", a.DeviceID).Msg("Monitored-ness check skipped")
			return true, ""
		}
		for _, c := range checks {
			if !c.Enabled || string(c.Type) != a.SpecificService || c.Target != a.SpecificEndpoint {
				continue
			}
			if m := c.Type.RequiredModule(); m != "" && !d.ModuleEnabled(m) {
				continue
			}
			return true, ""
		}
		return false, ReasonUnmonitored

	case model.AlertSIPIssue, model.AlertHighLatency:
		// SIP peer monitoring is implied by the asterisk module.
		if !d.ModuleEnabled(model.ModuleAsterisk) {
			return false, ReasonUnmonitored
		}
	}

	return true, ""
}

// targetFor classifies an alert's incident target: alerts whose ID does
// not resolve to a device belong to a synthetic check.
func (e *Engine) targetFor(ctx context.Context, a *model.AlertTracking) model.TargetType {
	if _, err := e.devices.GetDevice(ctx, a.DeviceID); errors.Is(err, fwerrors.ErrDeviceNotFound) {
		return model.TargetSynthetic
	}
	return model.TargetDevice
}

// syntheticStillMonitored handles alerts whose target is a synthetic check
// rather than a device.
func (e *Engine) syntheticStillMonitored(ctx context.Context, a *model.AlertTracking) (bool, string) {
	all, err := e.synthetics.ListSynthetics(ctx)
	if err != nil {
		logger.Warn().Err(err).Str("target_id", a.DeviceID).Msg("Monitored-ness check skipped")
		return true, ""
	}
	for _, sc := range all {
		if sc.ID == a.DeviceID {
			if sc.Enabled {
				return true, ""
			}
			return false, ReasonUnmonitored
		}
	}
	return false, ReasonUnmonitored
}

// legacyObjectID reports whether a device_id looks like a raw Mongo
// ObjectId hex string left behind by older releases.
func legacyObjectID(id string) bool {
	if len(id) != 24 {
		return false
	}
	return strings.IndexFunc(id, func(r rune) bool {
		return !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f'))
	}) == -1
}
