// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package reporter renders the periodic fleet digest: device status
// counts, active alerts, and offline devices, fanned out to slack
// channels.
package reporter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/soothill/fleetwatch/model"
	"github.com/soothill/fleetwatch/pkg/clock"
	"github.com/soothill/fleetwatch/pkg/interfaces"
	"github.com/soothill/fleetwatch/pkg/logger"
)

// MinInterval floors the digest cadence.
const MinInterval = 360 * time.Minute

// Reporter renders the fleet summary digest.
type Reporter struct {
	devices    interfaces.DeviceStore
	alerts     interfaces.AlertStore
	settings   interfaces.SettingsStore
	dispatcher interfaces.Dispatcher
	clock      clock.Clock
}

// NewReporter builds a reporter.
func NewReporter(
	devices interfaces.DeviceStore,
	alerts interfaces.AlertStore,
	settings interfaces.SettingsStore,
	dispatcher interfaces.Dispatcher,
	clk clock.Clock,
) *Reporter {
	return &Reporter{
		devices:    devices,
		alerts:     alerts,
		settings:   settings,
		dispatcher: dispatcher,
		clock:      clk,
	}
}

// Interval resolves the digest cadence from settings, floored at
// MinInterval.
func (r *Reporter) Interval(ctx context.Context) time.Duration {
	settings, err := r.settings.GetSettings(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Settings unavailable, using default digest interval")
		return MinInterval
	}
	interval := time.Duration(settings.SummaryIntervalMinutes) * time.Minute
	if interval < MinInterval {
		return MinInterval
	}
	return interval
}

// SendDigest renders and dispatches one fleet summary to slack
// channels.
func (r *Reporter) SendDigest(ctx context.Context) {
	devices, err := r.devices.ListDevices(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Fleet digest failed to list devices")
		return
	}
	alerts, err := r.alerts.ListUnresolvedAlerts(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Fleet digest failed to list alerts")
		return
	}

	now := r.clock.Now()
	r.dispatcher.Dispatch(ctx, model.Notification{
		Kind:      model.NotifyDigest,
		Severity:  model.SeverityInfo,
		Title:     "Fleet Summary",
		Message:   renderDigest(devices, alerts, now),
		Timestamp: now,
		SlackOnly: true,
	})
}

// renderDigest builds the plain-text digest body.
func renderDigest(devices []*model.Device, alerts []*model.AlertTracking, now time.Time) string {
	byStatus := map[model.DeviceStatus]int{}
	names := map[string]string{}
	var offline []*model.Device
	for _, d := range devices {
		byStatus[d.Status]++
		names[d.ID] = d.Name
		if d.Status == model.StatusOffline {
			offline = append(offline, d)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Devices: %d total | %d online | %d offline | %d warning | %d not monitored",
		len(devices),
		byStatus[model.StatusOnline],
		byStatus[model.StatusOffline],
		byStatus[model.StatusWarning],
		byStatus[model.StatusNotMonitored])

	if len(alerts) > 0 {
		fmt.Fprintf(&b, "\n\nActive alerts (%d):", len(alerts))
		for _, a := range alerts {
			name := names[a.DeviceID]
			if name == "" {
				name = deviceNameFromDetails(a)
			}
			fmt.Fprintf(&b, "\n- [%s] %s %s (%dm)", a.Severity, name, alertLabel(a), int(now.Sub(a.FirstTriggered)/time.Minute))
		}
	} else {
		b.WriteString("\n\nNo active alerts.")
	}

	if len(offline) > 0 {
		fmt.Fprintf(&b, "\n\nOffline devices (%d):", len(offline))
		for _, d := range offline {
			fmt.Fprintf(&b, "\n- %s: last seen %dm ago", d.Name, int(now.Sub(d.LastSeen)/time.Minute))
		}
	}
	return b.String()
}

// alertLabel formats the alert's type with its service/endpoint scope.
func alertLabel(a *model.AlertTracking) string {
	label := string(a.Type)
	if a.SpecificService != "" {
		label += "/" + a.SpecificService
	}
	if a.SpecificEndpoint != "" {
		label += "/" + a.SpecificEndpoint
	}
	return label
}

func deviceNameFromDetails(a *model.AlertTracking) string {
	if v, ok := a.Details["device_name"].(string); ok && v != "" {
		return v
	}
	return a.DeviceID
}
