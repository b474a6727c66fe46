// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package main

import (
	"context"
	"runtime"
	"time"

	"github.com/soothill/fleetwatch/model"
	"github.com/soothill/fleetwatch/pkg/logger"
)

const stateDumpTimeout = 5 * time.Second

// DumpApplicationState dumps current application state to logs
func (a *App) DumpApplicationState() {
	logger.Info().Msg("=== APPLICATION STATE DUMP (SIGUSR1) ===")

	ctx, cancel := context.WithTimeout(context.Background(), stateDumpTimeout)
	defer cancel()

	devices, err := a.store.ListDevices(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("State dump failed to list devices")
	} else {
		byStatus := map[model.DeviceStatus]int{}
		for _, d := range devices {
			byStatus[d.Status]++
		}
		logger.Info().
			Int("total_devices", len(devices)).
			Int("online", byStatus[model.StatusOnline]).
			Int("offline", byStatus[model.StatusOffline]).
			Int("warning", byStatus[model.StatusWarning]).
			Msg("Fleet state")

		for _, d := range devices {
			logger.Info().
				Str("device_id", d.ID).
				Str("device_name", d.Name).
				Str("status", string(d.Status)).
				Time("last_seen", d.LastSeen).
				Bool("monitoring_enabled", d.MonitoringEnabled).
				Msg("Device")
		}
	}

	alerts, err := a.store.ListUnresolvedAlerts(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("State dump failed to list alerts")
	} else {
		logger.Info().Int("active_alerts", len(alerts)).Msg("Alert state")
		for _, al := range alerts {
			logger.Info().
				Str("alert_id", al.ID).
				Str("device_id", al.DeviceID).
				Str("type", string(al.Type)).
				Str("severity", string(al.Severity)).
				Str("state", string(al.State)).
				Int("notification_count", al.NotificationCount).
				Msg("Active alert")
		}
	}

	incidents, err := a.store.ListOpenIncidents(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("State dump failed to list incidents")
	} else {
		logger.Info().Int("open_incidents", len(incidents)).Msg("Incident state")
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	logger.Info().
		Uint64("alloc_mb", m.Alloc/1024/1024).
		Uint64("total_alloc_mb", m.TotalAlloc/1024/1024).
		Uint32("num_gc", m.NumGC).
		Int("num_goroutines", runtime.NumGoroutine()).
		Msg("Runtime statistics")

	logger.Info().Msg("=== END STATE DUMP ===")
}

// DumpGoroutineStackTraces dumps all goroutine stack traces to logs
func DumpGoroutineStackTraces() {
	logger.Info().Msg("=== GOROUTINE STACK TRACES (SIGUSR2) ===")
	logger.Info().Int("num_goroutines", runtime.NumGoroutine()).Msg("Current goroutine count")

	buf := make([]byte, 1024*1024) // 1MB buffer
	stackLen := runtime.Stack(buf, true)
	logger.Info().Str("stack_traces", string(buf[:stackLen])).Msg("Full stack trace")

	logger.Info().Msg("=== END STACK TRACES ===")
}
