// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package storage provides the persistence layer: MongoDB for the control
// plane documents, InfluxDB for telemetry history, and an in-memory store
// for tests and single-node deployments.
package storage

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/soothill/fleetwatch/model"
	"github.com/soothill/fleetwatch/pkg/logger"
	"github.com/soothill/fleetwatch/pkg/metrics"
)

// InfluxDBStorage writes consolidated telemetry to InfluxDB for history
// queries and dashboards. Writes are asynchronous; errors surface through
// the write API's error channel.
type InfluxDBStorage struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	bucket   string
	org      string
}

// NewInfluxDBStorage creates a new InfluxDB storage client
func NewInfluxDBStorage(url, token, org, bucket string) (*InfluxDBStorage, error) {
	client := influxdb2.NewClient(url, token)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to InfluxDB: %w", err)
	}

	if health.Status != "pass" {
		client.Close()
		message := "unknown error"
		if health.Message != nil {
			message = *health.Message
		}
		return nil, fmt.Errorf("InfluxDB health check failed: %s", message)
	}

	logger.Info().Str("url", url).Str("status", string(health.Status)).Msg("Connected to InfluxDB")

	writeAPI := client.WriteAPI(org, bucket)

	// Handle async write errors
	go func() {
		for err := range writeAPI.Errors() {
			metrics.TelemetryWriteErrors.Inc()
			logger.Error().Err(err).Msg("InfluxDB write error")
		}
	}()

	return &InfluxDBStorage{
		client:   client,
		writeAPI: writeAPI,
		bucket:   bucket,
		org:      org,
	}, nil
}

// WriteTelemetry writes one consolidated snapshot as a telemetry point.
// Only the normalized scalars are written; module payloads stay in the
// document store.
func (s *InfluxDBStorage) WriteTelemetry(t *model.Telemetry, deviceName string) error {
	if t == nil {
		return fmt.Errorf("telemetry cannot be nil")
	}
	if t.DeviceID == "" {
		return fmt.Errorf("device ID cannot be empty")
	}
	if t.Timestamp.IsZero() {
		return fmt.Errorf("timestamp cannot be zero")
	}

	fields := map[string]interface{}{}
	if t.CPUUsage != nil {
		fields["cpu_usage"] = *t.CPUUsage
	}
	if t.MemoryUsage != nil {
		fields["memory_usage"] = *t.MemoryUsage
	}
	if t.DiskUsage != nil {
		fields["disk_usage"] = *t.DiskUsage
	}
	if t.NetworkIn != nil {
		fields["network_in"] = *t.NetworkIn
	}
	if t.NetworkOut != nil {
		fields["network_out"] = *t.NetworkOut
	}
	if len(fields) == 0 {
		// Heartbeat-only payloads carry no scalars; nothing to chart.
		return nil
	}

	p := influxdb2.NewPoint(
		"telemetry",
		map[string]string{
			"device_id":   t.DeviceID,
			"device_name": deviceName,
		},
		fields,
		t.Timestamp,
	)

	s.writeAPI.WritePoint(p)
	metrics.TelemetryWritesTotal.Inc()
	return nil
}

// Flush forces all pending writes to complete
func (s *InfluxDBStorage) Flush() {
	s.writeAPI.Flush()
}

// Health checks connectivity for readiness probes.
func (s *InfluxDBStorage) Health(ctx context.Context) error {
	health, err := s.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("InfluxDB health check failed: %w", err)
	}
	if health.Status != "pass" {
		return fmt.Errorf("InfluxDB unhealthy: %s", health.Status)
	}
	return nil
}

// Close closes the InfluxDB client and flushes pending writes
func (s *InfluxDBStorage) Close() {
	logger.Info().Msg("Closing InfluxDB connection")
	s.writeAPI.Flush()
	s.client.Close()
}

// QueryLatestScalars retrieves the most recent telemetry scalars for a
// device from history, for backfilling dashboards after a restart.
func (s *InfluxDBStorage) QueryLatestScalars(ctx context.Context, deviceID string) (*model.Telemetry, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("device ID cannot be empty")
	}

	queryAPI := s.client.QueryAPI(s.org)

	query := fmt.Sprintf(`
		from(bucket: "%s")
			|> range(start: -1h)
			|> filter(fn: (r) => r._measurement == "telemetry")
			|> filter(fn: (r) => r.device_id == "%s")
			|> last()
	`, s.bucket, deviceID)

	result, err := queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer func() {
		_ = result.Close()
	}()

	t := &model.Telemetry{DeviceID: deviceID}

	for result.Next() {
		record := result.Record()
		t.Timestamp = record.Time()

		val, ok := record.Value().(float64)
		if !ok {
			continue
		}
		v := val
		switch record.Field() {
		case "cpu_usage":
			t.CPUUsage = &v
		case "memory_usage":
			t.MemoryUsage = &v
		case "disk_usage":
			t.DiskUsage = &v
		case "network_in":
			t.NetworkIn = &v
		case "network_out":
			t.NetworkOut = &v
		}
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("query parsing failed: %w", result.Err())
	}

	return t, nil
}
