// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package ingest

import (
	"context"
	"errors"

	"github.com/soothill/fleetwatch/heartbeat"
	"github.com/soothill/fleetwatch/model"
	"github.com/soothill/fleetwatch/pkg/clock"
	fwerrors "github.com/soothill/fleetwatch/pkg/errors"
	"github.com/soothill/fleetwatch/pkg/interfaces"
	"github.com/soothill/fleetwatch/pkg/logger"
	"github.com/soothill/fleetwatch/pkg/metrics"
	"github.com/soothill/fleetwatch/rules"
)

// ResponseHandler receives command output relayed from a device's
// responses topic.
type ResponseHandler func(deviceID string, payload []byte)

// Pipeline routes decoded MQTT messages through consolidation, liveness
// tracking, and rule evaluation. All work for one device runs on that
// device's worker shard; the MQTT receive path never blocks on storage.
type Pipeline struct {
	devices      interfaces.DeviceStore
	consolidator *Consolidator
	monitor      *heartbeat.Monitor
	evaluator    *rules.Evaluator
	history      interfaces.TelemetryHistory
	pool         *WorkerPool
	clock        clock.Clock
	onResponse   ResponseHandler
}

// NewPipeline wires the ingest pipeline. history may be nil when no
// time-series backend is configured; pool may be nil to run tasks
// inline, which tests rely on.
func NewPipeline(
	devices interfaces.DeviceStore,
	consolidator *Consolidator,
	monitor *heartbeat.Monitor,
	evaluator *rules.Evaluator,
	history interfaces.TelemetryHistory,
	pool *WorkerPool,
	clk clock.Clock,
) *Pipeline {
	return &Pipeline{
		devices:      devices,
		consolidator: consolidator,
		monitor:      monitor,
		evaluator:    evaluator,
		history:      history,
		pool:         pool,
		clock:        clk,
	}
}

// SetResponseHandler registers the terminal relay for command output.
func (p *Pipeline) SetResponseHandler(h ResponseHandler) {
	p.onResponse = h
}

// HandleMetrics processes one module payload for a device.
func (p *Pipeline) HandleMetrics(ctx context.Context, deviceID, moduleName string, payload []byte) {
	module := model.Module(moduleName)
	switch module {
	case model.ModuleSystem, model.ModuleNetwork, model.ModuleDocker, model.ModuleAsterisk:
	default:
		metrics.MessagesDropped.WithLabelValues("unknown_module").Inc()
		logger.Warn().Str("device_id", deviceID).Str("module", moduleName).Msg("Unknown metrics module")
		return
	}

	p.dispatch(deviceID, func() {
		p.processMetrics(ctx, deviceID, module, payload)
	})
}

// HandleStatus processes an explicit status payload.
func (p *Pipeline) HandleStatus(ctx context.Context, deviceID string, payload []byte, retained bool) {
	status := model.DeviceStatus(string(payload))
	switch status {
	case model.StatusOnline, model.StatusOffline, model.StatusWarning, model.StatusNotMonitored:
	default:
		metrics.MessagesDropped.WithLabelValues("invalid_status").Inc()
		logger.Warn().Str("device_id", deviceID).Str("status", string(payload)).Msg("Invalid status payload")
		return
	}

	p.dispatch(deviceID, func() {
		d, err := p.device(ctx, deviceID)
		if err != nil {
			metrics.MessagesDropped.WithLabelValues("storage").Inc()
			logger.Error().Err(err).Str("device_id", deviceID).Msg("Status handling failed")
			return
		}
		metrics.MessagesIngested.WithLabelValues("status").Inc()
		if err := p.monitor.HandleStatus(ctx, d, status, retained); err != nil {
			logger.Error().Err(err).Str("device_id", deviceID).Msg("Status transition failed")
		}
	})
}

// HandleResponse relays command output to the registered handler.
func (p *Pipeline) HandleResponse(deviceID string, payload []byte) {
	if p.onResponse == nil {
		logger.Debug().Str("device_id", deviceID).Int("bytes", len(payload)).Msg("Command response with no relay attached")
		return
	}
	p.onResponse(deviceID, payload)
}

// dispatch runs fn on the device's shard, or inline when no pool is
// attached.
func (p *Pipeline) dispatch(deviceID string, fn func()) {
	if p.pool == nil {
		fn()
		return
	}
	if !p.pool.Submit(deviceID, fn) {
		metrics.MessagesDropped.WithLabelValues("queue_full").Inc()
		logger.Warn().Str("device_id", deviceID).Msg("Ingest shard saturated, payload dropped")
	}
}

func (p *Pipeline) processMetrics(ctx context.Context, deviceID string, module model.Module, payload []byte) {
	d, err := p.device(ctx, deviceID)
	if err != nil {
		metrics.MessagesDropped.WithLabelValues("storage").Inc()
		logger.Error().Err(err).Str("device_id", deviceID).Msg("Metrics handling failed")
		return
	}

	t, err := p.consolidator.Apply(ctx, d, module, payload)
	if err != nil {
		if fwerrors.IsIngestError(err) {
			metrics.MessagesDropped.WithLabelValues("malformed").Inc()
		} else {
			metrics.MessagesDropped.WithLabelValues("storage").Inc()
		}
		logger.Warn().Err(err).Str("device_id", deviceID).Str("module", string(module)).Msg("Payload dropped")
		return
	}
	metrics.MessagesIngested.WithLabelValues(string(module)).Inc()

	now := p.clock.Now()
	if err := p.monitor.RecordHeartbeat(ctx, d, now); err != nil {
		logger.Error().Err(err).Str("device_id", deviceID).Msg("Heartbeat record failed")
	}
	if err := p.monitor.ModuleSeen(ctx, d, module, now); err != nil {
		logger.Error().Err(err).Str("device_id", deviceID).Msg("Module timestamp update failed")
	}

	p.evaluator.Evaluate(ctx, d, t)

	if p.history != nil {
		if err := p.history.WriteTelemetry(t, d.Name); err != nil {
			logger.Error().Err(err).Str("device_id", deviceID).Msg("Telemetry history write failed")
		}
	}
}

// device loads the device, registering it on first contact so a fresh
// agent shows up without an operator step.
func (p *Pipeline) device(ctx context.Context, deviceID string) (*model.Device, error) {
	d, err := p.devices.GetDevice(ctx, deviceID)
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, fwerrors.ErrDeviceNotFound) {
		return nil, err
	}

	now := p.clock.Now()
	d = &model.Device{
		ID:                      deviceID,
		Name:                    deviceID,
		Type:                    model.DeviceServer,
		MonitoringEnabled:       true,
		Status:                  model.StatusOnline,
		ExpectedIntervalSeconds: model.DefaultExpectedIntervalSeconds,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	if err := p.devices.SaveDevice(ctx, d); err != nil {
		return nil, err
	}
	logger.Info().Str("device_id", deviceID).Msg("Device auto-registered")
	return d, nil
}
