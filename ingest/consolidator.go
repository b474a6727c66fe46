// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package ingest is the MQTT ingress pipeline: payload decoding, the
// telemetry consolidation window, device-fact mirroring, and the
// per-device worker dispatch that serializes consolidation with rule
// evaluation.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/soothill/fleetwatch/alerting"
	"github.com/soothill/fleetwatch/model"
	"github.com/soothill/fleetwatch/pkg/clock"
	fwerrors "github.com/soothill/fleetwatch/pkg/errors"
	"github.com/soothill/fleetwatch/pkg/interfaces"
	"github.com/soothill/fleetwatch/pkg/logger"
	"github.com/soothill/fleetwatch/pkg/metrics"
)

// Consolidator merges per-module payloads into telemetry records. One
// Apply call per device runs at a time; the pipeline's key-sharded
// workers enforce that.
type Consolidator struct {
	telemetry interfaces.TelemetryStore
	devices   interfaces.DeviceStore
	engine    *alerting.Engine
	clock     clock.Clock
}

// NewConsolidator builds a consolidator.
func NewConsolidator(telemetry interfaces.TelemetryStore, devices interfaces.DeviceStore, engine *alerting.Engine, clk clock.Clock) *Consolidator {
	return &Consolidator{telemetry: telemetry, devices: devices, engine: engine, clock: clk}
}

// Apply decodes the module payload and folds it into the device's
// telemetry: the most recent record inside the consolidation window is
// updated in place, otherwise a new record is inserted. Static device
// facts carried by the payload are mirrored onto the Device. The
// returned record is the post-merge snapshot rule evaluation runs on.
func (c *Consolidator) Apply(ctx context.Context, d *model.Device, module model.Module, raw []byte) (*model.Telemetry, error) {
	now := c.clock.Now()

	t, err := c.telemetry.LatestTelemetry(ctx, d.ID)
	if err != nil {
		return nil, fwerrors.NewStorageError("latest", "telemetry", err)
	}

	outcome := "merged"
	if t == nil || now.Sub(t.Timestamp) > model.ConsolidationWindow {
		t = &model.Telemetry{DeviceID: d.ID, Timestamp: now}
		outcome = "inserted"
	}

	switch module {
	case model.ModuleSystem:
		var sys model.SystemMetrics
		if err := json.Unmarshal(raw, &sys); err != nil {
			return nil, fwerrors.NewIngestError("decode system payload", d.ID, err)
		}
		t.Extra.System = &sys
		mergeSystemScalars(t, &sys)
		c.mirrorSystemFacts(ctx, d, &sys)

	case model.ModuleNetwork:
		var net model.NetworkMetrics
		if err := json.Unmarshal(raw, &net); err != nil {
			return nil, fwerrors.NewIngestError("decode network payload", d.ID, err)
		}
		t.Extra.Network = &net
		mergeNetworkScalars(t, &net)
		c.mirrorNetworkFacts(ctx, d, &net)

	case model.ModuleDocker:
		var docker model.DockerMetrics
		if err := json.Unmarshal(raw, &docker); err != nil {
			return nil, fwerrors.NewIngestError("decode docker payload", d.ID, err)
		}
		t.Extra.Docker = &docker

	case model.ModuleAsterisk:
		var ast model.AsteriskMetrics
		if err := json.Unmarshal(raw, &ast); err != nil {
			return nil, fwerrors.NewIngestError("decode asterisk payload", d.ID, err)
		}
		mergeAsterisk(t, &ast)

	default:
		return nil, fwerrors.NewIngestError(fmt.Sprintf("unknown module %q", module), d.ID, nil)
	}

	if err := c.telemetry.SaveTelemetry(ctx, t); err != nil {
		return nil, fwerrors.NewStorageError("save", "telemetry", err)
	}
	metrics.ConsolidationsTotal.WithLabelValues(outcome).Inc()
	return t, nil
}

// mergeSystemScalars lifts the system payload's figures into the
// normalized scalar columns, preferring the same sources the rule
// extraction fallbacks do.
func mergeSystemScalars(t *model.Telemetry, sys *model.SystemMetrics) {
	switch {
	case sys.CPUUsage != nil:
		t.CPUUsage = sys.CPUUsage
	case sys.CPUPercent != nil:
		t.CPUUsage = sys.CPUPercent
	}
	switch {
	case sys.MemoryUsage != nil:
		t.MemoryUsage = sys.MemoryUsage
	case sys.Memory != nil && sys.Memory.UsedPercent != nil:
		t.MemoryUsage = sys.Memory.UsedPercent
	}
	if sys.DiskUsage != nil {
		t.DiskUsage = sys.DiskUsage
	}
}

// mergeNetworkScalars fills network_in/out from the payload's own
// figures, or by summing interface rates when only those are present.
func mergeNetworkScalars(t *model.Telemetry, net *model.NetworkMetrics) {
	if net.NetworkIn != nil {
		t.NetworkIn = net.NetworkIn
	}
	if net.NetworkOut != nil {
		t.NetworkOut = net.NetworkOut
	}
	if (t.NetworkIn == nil || t.NetworkOut == nil) && len(net.Interfaces) > 0 {
		var in, out float64
		for _, iface := range net.Interfaces {
			in += iface.RxBps
			out += iface.TxBps
		}
		if t.NetworkIn == nil {
			t.NetworkIn = &in
		}
		if t.NetworkOut == nil {
			t.NetworkOut = &out
		}
	}
}

// mergeAsterisk folds the asterisk payload into the record without
// discarding sections an earlier payload in the window already carried.
func mergeAsterisk(t *model.Telemetry, ast *model.AsteriskMetrics) {
	if t.Extra.Asterisk == nil {
		t.Extra.Asterisk = &model.AsteriskMetrics{}
	}
	cur := t.Extra.Asterisk
	if len(ast.Contacts) > 0 {
		cur.Contacts = ast.Contacts
	}
	if len(ast.Registrations) > 0 {
		cur.Registrations = ast.Registrations
	}
	if len(ast.Summary) > 0 {
		cur.Summary = ast.Summary
	}
}

// mirrorSystemFacts copies static facts from the system payload onto the
// device document.
func (c *Consolidator) mirrorSystemFacts(ctx context.Context, d *model.Device, sys *model.SystemMetrics) {
	changed := false
	if sys.Hostname != "" && sys.Hostname != d.Hostname {
		d.Hostname = sys.Hostname
		changed = true
	}
	if sys.MemoryTotal > 0 && sys.MemoryTotal != d.MemoryTotalBytes {
		d.MemoryTotalBytes = sys.MemoryTotal
		changed = true
	}
	if sys.DiskTotal > 0 && sys.DiskTotal != d.DiskTotalBytes {
		d.DiskTotalBytes = sys.DiskTotal
		changed = true
	}
	if changed {
		if err := c.devices.SaveDevice(ctx, d); err != nil {
			logger.Error().Err(err).Str("device_id", d.ID).Msg("Device fact mirror failed")
		}
	}
}

// mirrorNetworkFacts copies the address facts from the network payload,
// raising an ip_change alert when the public IP moved.
func (c *Consolidator) mirrorNetworkFacts(ctx context.Context, d *model.Device, net *model.NetworkMetrics) {
	changed := false
	if net.PublicIP != "" && net.PublicIP != d.PublicIP {
		oldIP := d.PublicIP
		d.PublicIP = net.PublicIP
		changed = true
		if oldIP != "" {
			c.engine.Trigger(ctx, alerting.TriggerParams{
				DeviceID: d.ID,
				Type:     model.AlertIPChange,
				Severity: model.SeverityInfo,
				Message:  fmt.Sprintf("%s: public IP changed from %s to %s", d.Name, oldIP, net.PublicIP),
				Details: map[string]any{
					"device_name": d.Name,
					"old_ip":      oldIP,
					"new_ip":      net.PublicIP,
				},
			})
		}
	}
	if len(net.LocalIPs) > 0 && !equalStrings(net.LocalIPs, d.LocalIPs) {
		d.LocalIPs = append([]string(nil), net.LocalIPs...)
		changed = true
	}
	if changed {
		if err := c.devices.SaveDevice(ctx, d); err != nil {
			logger.Error().Err(err).Str("device_id", d.ID).Msg("Device fact mirror failed")
		}
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
