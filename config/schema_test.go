// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	tmpFile := filepath.Join(t.TempDir(), "config.yaml")
	err := os.WriteFile(tmpFile, []byte(content), 0600)
	if err != nil {
		t.Fatalf("Failed to write temp config: %v", err)
	}
	return tmpFile
}

func TestValidateWithSchema_ValidConfig(t *testing.T) {
	validConfig := `mqtt:
  broker: "mqtt://localhost:1883"
  username: "monitor"
  client_id: "fleetwatch-server"
mongodb:
  uri: "mongodb://localhost:27017"
  database: "fleetwatch"
influxdb:
  url: "http://localhost:8086"
  token: "test-token-12345"
  organization: "my-org"
  bucket: "telemetry"
monitoring:
  timezone: "UTC"
  offline_scan_interval: "30s"
  worker_shards: 8
metrics:
  port: 9090
logging:
  level: "info"
`

	err := ValidateWithSchema(writeTempConfig(t, validConfig))
	if err != nil {
		t.Errorf("ValidateWithSchema() with valid config failed: %v", err)
	}
}

func TestValidateWithSchema_MissingRequired(t *testing.T) {
	invalidConfig := `mongodb:
  uri: "mongodb://localhost:27017"
logging:
  level: "info"
`

	err := ValidateWithSchema(writeTempConfig(t, invalidConfig))
	if err == nil {
		t.Error("ValidateWithSchema() should fail without the mqtt section")
	}
}

func TestValidateWithSchema_InvalidDuration(t *testing.T) {
	invalidConfig := `mqtt:
  broker: "mqtt://localhost:1883"
monitoring:
  offline_scan_interval: "not-a-duration"
`

	err := ValidateWithSchema(writeTempConfig(t, invalidConfig))
	if err == nil {
		t.Error("ValidateWithSchema() should fail with invalid duration format")
	}
}

func TestValidateWithSchema_InvalidLogLevel(t *testing.T) {
	invalidConfig := `mqtt:
  broker: "mqtt://localhost:1883"
logging:
  level: "invalid-level"
`

	err := ValidateWithSchema(writeTempConfig(t, invalidConfig))
	if err == nil {
		t.Error("ValidateWithSchema() should fail with invalid log level")
	}
}

func TestValidateWithSchema_PortOutOfRange(t *testing.T) {
	invalidConfig := `mqtt:
  broker: "mqtt://localhost:1883"
metrics:
  port: 700000
`

	err := ValidateWithSchema(writeTempConfig(t, invalidConfig))
	if err == nil {
		t.Error("ValidateWithSchema() should fail with a port above 65535")
	}
}

func TestValidateWithSchema_FileNotFound(t *testing.T) {
	err := ValidateWithSchema("nonexistent-file.yaml")
	if err == nil {
		t.Error("ValidateWithSchema() should fail with nonexistent file")
	}
}

func TestGetSchemaJSON(t *testing.T) {
	schema := GetSchemaJSON()
	if !strings.Contains(schema, "FleetWatch Configuration") {
		t.Error("GetSchemaJSON() missing schema title")
	}
}
