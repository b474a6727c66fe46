// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package errors provides structured error types for the fleet monitoring
// control plane.
//
// Each subsystem has its own error type so callers can inspect failures
// with errors.As()/errors.Is() and loggers can attach the operation and the
// entity involved instead of a flattened string.
package errors

import (
	"errors"
	"fmt"
)

// IngestError represents a failure while handling an inbound MQTT payload.
type IngestError struct {
	Op       string // Operation being performed (e.g., "consolidate", "parse payload")
	DeviceID string // Device the payload belongs to
	Err      error  // Underlying error
}

func (e *IngestError) Error() string {
	if e.DeviceID != "" {
		return fmt.Sprintf("ingest %s (device=%s): %v", e.Op, e.DeviceID, e.Err)
	}
	return fmt.Sprintf("ingest %s: %v", e.Op, e.Err)
}

func (e *IngestError) Unwrap() error { return e.Err }

// NewIngestError creates a new ingest error.
func NewIngestError(op, deviceID string, err error) *IngestError {
	return &IngestError{Op: op, DeviceID: deviceID, Err: err}
}

// IsIngestError checks if an error is an IngestError.
func IsIngestError(err error) bool {
	var ie *IngestError
	return errors.As(err, &ie)
}

// StorageError represents an error during storage operations.
type StorageError struct {
	Op         string // Operation being performed (e.g., "upsert alert", "list devices")
	Collection string // Collection involved
	Err        error  // Underlying error
}

func (e *StorageError) Error() string {
	if e.Collection != "" {
		return fmt.Sprintf("storage %s (collection=%s): %v", e.Op, e.Collection, e.Err)
	}
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError creates a new storage error.
func NewStorageError(op, collection string, err error) *StorageError {
	return &StorageError{Op: op, Collection: collection, Err: err}
}

// IsStorageError checks if an error is a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// ProbeError represents a synthetic probe failure that is not itself a
// probe result (e.g., malformed check configuration).
type ProbeError struct {
	Op      string // Operation being performed (e.g., "build request", "tls dial")
	CheckID string // Synthetic check involved
	Err     error  // Underlying error
}

func (e *ProbeError) Error() string {
	if e.CheckID != "" {
		return fmt.Sprintf("probe %s (check=%s): %v", e.Op, e.CheckID, e.Err)
	}
	return fmt.Sprintf("probe %s: %v", e.Op, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// NewProbeError creates a new probe error.
func NewProbeError(op, checkID string, err error) *ProbeError {
	return &ProbeError{Op: op, CheckID: checkID, Err: err}
}

// IsProbeError checks if an error is a ProbeError.
func IsProbeError(err error) bool {
	var pe *ProbeError
	return errors.As(err, &pe)
}

// NotificationError represents an error delivering a notification.
type NotificationError struct {
	Channel string // Channel type (e.g., "slack", "email")
	Err     error  // Underlying error
}

func (e *NotificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("notification %s: %v", e.Channel, e.Err)
	}
	return fmt.Sprintf("notification %s failed", e.Channel)
}

func (e *NotificationError) Unwrap() error { return e.Err }

// NewNotificationError creates a new notification error.
func NewNotificationError(channel string, err error) *NotificationError {
	return &NotificationError{Channel: channel, Err: err}
}

// IsNotificationError checks if an error is a NotificationError.
func IsNotificationError(err error) bool {
	var ne *NotificationError
	return errors.As(err, &ne)
}

// ConfigError represents a configuration error.
type ConfigError struct {
	Field string // Configuration field that caused the error
	Value string // Invalid value (optional, may be redacted for sensitive fields)
	Err   error  // Underlying error or description
}

func (e *ConfigError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("config error in field %q (value=%q): %v", e.Field, e.Value, e.Err)
	}
	return fmt.Sprintf("config error in field %q: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// NewConfigError creates a new configuration error.
func NewConfigError(field, value string, err error) *ConfigError {
	return &ConfigError{Field: field, Value: value, Err: err}
}

// IsConfigError checks if an error is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// ValidationError represents a data validation error on an inbound entity.
type ValidationError struct {
	Field  string // Field that failed validation
	Value  any    // Invalid value
	Reason string // Why validation failed
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: field %q with value %v: %s", e.Field, e.Value, e.Reason)
}

// NewValidationError creates a new validation error.
func NewValidationError(field string, value any, reason string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Reason: reason}
}

// IsValidationError checks if an error is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Sentinel errors for common conditions
var (
	// ErrDeviceNotFound indicates a device was not found
	ErrDeviceNotFound = errors.New("device not found")

	// ErrAlertNotFound indicates no open alert matched the active key
	ErrAlertNotFound = errors.New("alert not found")

	// ErrIncidentNotFound indicates no open incident matched the target and summary
	ErrIncidentNotFound = errors.New("incident not found")

	// ErrChannelNotFound indicates a notification channel was not found
	ErrChannelNotFound = errors.New("notification channel not found")

	// ErrDuplicateActiveAlert indicates a second non-resolved alert shares an active key
	ErrDuplicateActiveAlert = errors.New("duplicate active alert for key")

	// ErrModuleNotEnabled indicates a rule references a module the device lacks
	ErrModuleNotEnabled = errors.New("required module not enabled on device")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = errors.New("operation timeout")

	// ErrInvalidConfig indicates invalid configuration
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNotConnected indicates the MQTT client has no broker connection
	ErrNotConnected = errors.New("not connected")
)
