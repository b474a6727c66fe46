// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package alerting

import (
	"context"
	"errors"

	"github.com/soothill/fleetwatch/incidents"
	"github.com/soothill/fleetwatch/model"
	fwerrors "github.com/soothill/fleetwatch/pkg/errors"
	"github.com/soothill/fleetwatch/pkg/logger"
)

// Reconcile normalizes the alert table on boot: offline alerts whose
// device is already online are closed without notifying, and legacy
// ObjectId-keyed rows are rewritten to the canonical device_id when the
// owning device can still be identified by name.
func (e *Engine) Reconcile(ctx context.Context) {
	open, err := e.alerts.ListUnresolvedAlerts(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Startup reconciliation failed to list alerts")
		return
	}

	now := e.clock.Now()
	repaired, resolved := 0, 0

	for _, a := range open {
		if legacyObjectID(a.DeviceID) {
			if _, err := e.devices.GetDevice(ctx, a.DeviceID); errors.Is(err, fwerrors.ErrDeviceNotFound) {
				if id := e.canonicalIDByName(ctx, a); id != "" {
					a.DeviceID = id
					if err := e.alerts.UpdateAlert(ctx, a); err != nil {
						logger.Error().Err(err).Str("alert_id", a.ID).Msg("Legacy device_id rewrite failed")
						continue
					}
					repaired++
				}
			}
		}

		if a.Type != model.AlertOffline {
			continue
		}
		d, err := e.devices.GetDevice(ctx, a.DeviceID)
		if err != nil {
			continue
		}
		if d.Status == model.StatusOnline {
			e.close(ctx, a, ReasonStartup, now)
			summary := incidents.SummaryFor(a.Type, a.SpecificService, a.SpecificEndpoint)
			if err := e.incidents.Resolve(ctx, model.TargetDevice, d.ID, summary, ReasonStartup); err != nil {
				logger.Error().Err(err).Str("summary", summary).Msg("Incident resolve failed")
			}
			resolved++
		}
	}

	if repaired > 0 || resolved > 0 {
		logger.Info().
			Int("legacy_ids_rewritten", repaired).
			Int("stale_offline_resolved", resolved).
			Msg("Startup alert reconciliation complete")
	}
}

// canonicalIDByName matches a legacy alert row to a device via the
// device_name recorded in its details.
func (e *Engine) canonicalIDByName(ctx context.Context, a *model.AlertTracking) string {
	name, _ := a.Details["device_name"].(string)
	if name == "" {
		return ""
	}
	all, err := e.devices.ListDevices(ctx)
	if err != nil {
		return ""
	}
	for _, d := range all {
		if d.Name == name {
			return d.ID
		}
	}
	return ""
}
