// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package config provides configuration management for the fleet monitor.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/soothill/fleetwatch/pkg/util"
)

// Config represents the application configuration
type Config struct {
	MQTT       MQTTConfig       `yaml:"mqtt"`
	MongoDB    MongoDBConfig    `yaml:"mongodb"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// MQTTConfig holds broker connection settings
type MQTTConfig struct {
	Broker   string `yaml:"broker" validate:"required,uri"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	ClientID string `yaml:"client_id"`
}

// MongoDBConfig holds document store settings
type MongoDBConfig struct {
	URI      string `yaml:"uri" validate:"required"`
	Database string `yaml:"database" validate:"required"`
}

// InfluxDBConfig holds telemetry history settings. Leaving the URL empty
// disables the time-series backend.
type InfluxDBConfig struct {
	URL          string `yaml:"url" validate:"omitempty,uri"`
	Token        string `yaml:"token"`
	Organization string `yaml:"organization"`
	Bucket       string `yaml:"bucket"`
}

// Enabled reports whether a time-series backend is configured.
func (c InfluxDBConfig) Enabled() bool {
	return c.URL != ""
}

// MonitoringConfig holds scheduler settings
type MonitoringConfig struct {
	Timezone     string        `yaml:"timezone"`
	OfflineScan  time.Duration `yaml:"offline_scan_interval"`
	ThrottleTick time.Duration `yaml:"throttle_tick_interval"`
	WorkerShards int           `yaml:"worker_shards" validate:"omitempty,min=1,max=256"`
}

// MetricsConfig holds the observability HTTP server settings
type MetricsConfig struct {
	Port int `yaml:"port" validate:"min=0,max=65535"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level string `yaml:"level"`
}

var validate = validator.New()

// Load reads configuration from a YAML file and applies environment variable overrides
func Load(path string) (*Config, error) {
	data, err := util.ReadFileSafely(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply environment variable overrides and defaults
	cfg.applyEnvironmentOverrides()
	cfg.setDefaults()

	// Validate configuration
	err = cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to the configuration
func (c *Config) applyEnvironmentOverrides() {
	if broker := os.Getenv("MQTT_BROKER"); broker != "" {
		c.MQTT.Broker = broker
	}
	if user := os.Getenv("MQTT_USERNAME"); user != "" {
		c.MQTT.Username = user
	}
	if pass := os.Getenv("MQTT_PASSWORD"); pass != "" {
		c.MQTT.Password = pass
	}
	if uri := os.Getenv("MONGODB_URI"); uri != "" {
		c.MongoDB.URI = uri
	}
	if db := os.Getenv("MONGODB_DATABASE"); db != "" {
		c.MongoDB.Database = db
	}
	if url := os.Getenv("INFLUXDB_URL"); url != "" {
		c.InfluxDB.URL = url
	}
	if token := os.Getenv("INFLUXDB_TOKEN"); token != "" {
		c.InfluxDB.Token = token
	}
	if org := os.Getenv("INFLUXDB_ORG"); org != "" {
		c.InfluxDB.Organization = org
	}
	if bucket := os.Getenv("INFLUXDB_BUCKET"); bucket != "" {
		c.InfluxDB.Bucket = bucket
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if tz := os.Getenv("TIMEZONE"); tz != "" {
		c.Monitoring.Timezone = tz
	}
	if port := os.Getenv("METRICS_PORT"); port != "" {
		p, parseErr := strconv.Atoi(port)
		if parseErr == nil {
			c.Metrics.Port = p
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Failed to parse METRICS_PORT '%s': %v\n", port, parseErr)
		}
	}
}

// setDefaults sets default values for configuration fields if not provided
func (c *Config) setDefaults() {
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "fleetwatch-server"
	}
	if c.MongoDB.URI == "" {
		c.MongoDB.URI = "mongodb://localhost:27017"
	}
	if c.MongoDB.Database == "" {
		c.MongoDB.Database = "fleetwatch"
	}
	if c.Monitoring.Timezone == "" {
		c.Monitoring.Timezone = "UTC"
	}
	if c.Monitoring.OfflineScan == 0 {
		c.Monitoring.OfflineScan = 30 * time.Second
	}
	if c.Monitoring.ThrottleTick == 0 {
		c.Monitoring.ThrottleTick = time.Minute
	}
	if c.Monitoring.WorkerShards == 0 {
		c.Monitoring.WorkerShards = 8
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatFieldErrors(err)
	}

	if validateErr := c.validateMQTT(); validateErr != nil {
		return validateErr
	}

	if validateErr := c.validateInfluxDB(); validateErr != nil {
		return validateErr
	}

	if validateErr := c.validateMonitoring(); validateErr != nil {
		return validateErr
	}

	return c.validateLogging()
}

// formatFieldErrors converts validator errors into a readable message
func formatFieldErrors(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q validation", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}

// validateMQTT validates the broker URL scheme
func (c *Config) validateMQTT() error {
	parsed, parseErr := url.Parse(c.MQTT.Broker)
	if parseErr != nil {
		return fmt.Errorf("mqtt.broker is not a valid URL: %w", parseErr)
	}
	switch parsed.Scheme {
	case "mqtt", "tcp", "mqtts", "ssl", "tls", "ws", "wss":
		return nil
	}
	return fmt.Errorf("mqtt.broker scheme %q is not supported", parsed.Scheme)
}

// validateInfluxDB validates the InfluxDB configuration when enabled
func (c *Config) validateInfluxDB() error {
	if !c.InfluxDB.Enabled() {
		return nil
	}

	parsedURL, parseErr := url.Parse(c.InfluxDB.URL)
	if parseErr != nil {
		return fmt.Errorf("influxdb.url is not a valid URL: %w", parseErr)
	}

	// Check for HTTPS in production-like URLs (not localhost/127.0.0.1)
	if securityErr := validateURLSecurity(parsedURL); securityErr != nil {
		return securityErr
	}

	if c.InfluxDB.Token == "" {
		return fmt.Errorf("influxdb.token is required when influxdb.url is set")
	}
	if len(c.InfluxDB.Token) < 8 {
		return fmt.Errorf("influxdb.token must be at least 8 characters long")
	}
	if c.InfluxDB.Organization == "" {
		return fmt.Errorf("influxdb.organization is required when influxdb.url is set")
	}
	if c.InfluxDB.Bucket == "" {
		return fmt.Errorf("influxdb.bucket is required when influxdb.url is set")
	}

	return nil
}

// validateURLSecurity checks if the URL uses HTTPS for non-local connections
func validateURLSecurity(parsedURL *url.URL) error {
	if parsedURL.Scheme != "http" {
		return nil
	}

	hostname := strings.ToLower(parsedURL.Hostname())
	isLocal := hostname == "localhost" ||
		hostname == "127.0.0.1" ||
		hostname == "::1" ||
		strings.HasPrefix(hostname, "192.168.") ||
		strings.HasPrefix(hostname, "10.") ||
		strings.HasPrefix(hostname, "172.")

	if !isLocal {
		return fmt.Errorf("influxdb.url must use HTTPS for non-local connections (got %s). Using HTTP transmits credentials in plaintext and is a security risk", parsedURL.Scheme)
	}

	return nil
}

// validateMonitoring validates the scheduler configuration
func (c *Config) validateMonitoring() error {
	if _, err := time.LoadLocation(c.Monitoring.Timezone); err != nil {
		return fmt.Errorf("monitoring.timezone is not a valid IANA zone: %w", err)
	}
	if c.Monitoring.OfflineScan < time.Second {
		return fmt.Errorf("monitoring.offline_scan_interval must be at least 1 second")
	}
	if c.Monitoring.OfflineScan > time.Hour {
		return fmt.Errorf("monitoring.offline_scan_interval must not exceed 1 hour")
	}
	if c.Monitoring.ThrottleTick < time.Second {
		return fmt.Errorf("monitoring.throttle_tick_interval must be at least 1 second")
	}

	return nil
}

// validateLogging validates the logging configuration
func (c *Config) validateLogging() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true,
		"warning": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error, fatal, panic")
	}

	return nil
}
