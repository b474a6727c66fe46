// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package model defines the persisted entities and closed enumerations for
// the fleet monitoring control plane.
package model

// DeviceStatus is the reported health of a device.
type DeviceStatus string

const (
	StatusOnline       DeviceStatus = "online"
	StatusOffline      DeviceStatus = "offline"
	StatusWarning      DeviceStatus = "warning"
	StatusNotMonitored DeviceStatus = "not_monitored"
)

// DeviceType classifies what kind of endpoint a device is.
type DeviceType string

const (
	DeviceServer  DeviceType = "server"
	DeviceNetwork DeviceType = "network_device"
	DeviceWebsite DeviceType = "website"
)

// Module is an agent-side metrics module.
type Module string

const (
	ModuleSystem   Module = "system"
	ModuleDocker   Module = "docker"
	ModuleAsterisk Module = "asterisk"
	ModuleNetwork  Module = "network"
)

// CheckType identifies what a monitoring rule measures.
type CheckType string

const (
	CheckCPU             CheckType = "cpu"
	CheckMemory          CheckType = "memory"
	CheckDisk            CheckType = "disk"
	CheckBandwidth       CheckType = "bandwidth"
	CheckUtilization     CheckType = "utilization"
	CheckSIPRTT          CheckType = "sip_rtt"
	CheckSIPRegistration CheckType = "sip_registration"
	CheckContainerStatus CheckType = "container_status"
	CheckCustom          CheckType = "custom"
)

// NormalizeCheckType maps legacy aliases stored by older agents onto the
// closed CheckType set. Applied at the ingest boundary only.
func NormalizeCheckType(raw string) CheckType {
	switch raw {
	case "sip":
		return CheckSIPRTT
	case "registration":
		return CheckSIPRegistration
	default:
		return CheckType(raw)
	}
}

// RequiredModule returns the agent module a check type depends on, or ""
// when the check has no module requirement.
func (c CheckType) RequiredModule() Module {
	switch c {
	case CheckCPU, CheckMemory, CheckDisk:
		return ModuleSystem
	case CheckBandwidth, CheckUtilization:
		return ModuleNetwork
	case CheckSIPRTT, CheckSIPRegistration:
		return ModuleAsterisk
	case CheckContainerStatus:
		return ModuleDocker
	default:
		return ""
	}
}

// CheckState is the last evaluated state of a monitoring rule.
type CheckState string

const (
	CheckOK       CheckState = "ok"
	CheckWarning  CheckState = "warning"
	CheckCritical CheckState = "critical"
	CheckUnknown  CheckState = "unknown"
)

// AlertType identifies the condition an alert tracks.
type AlertType string

const (
	AlertOffline       AlertType = "offline"
	AlertOnline        AlertType = "online"
	AlertServiceDown   AlertType = "service_down"
	AlertSIPIssue      AlertType = "sip_issue"
	AlertHighLatency   AlertType = "high_latency"
	AlertThreshold     AlertType = "threshold"
	AlertRuleViolation AlertType = "rule_violation"
	AlertIPChange      AlertType = "ip_change"
)

// Severity orders alert importance.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank returns a comparable weight; higher is more severe.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// AlertState is the lifecycle state of an AlertTracking record.
type AlertState string

const (
	AlertStateNew        AlertState = "new"
	AlertStateThrottling AlertState = "throttling"
	AlertStateHourlyOnly AlertState = "hourly_only"
	AlertStateResolved   AlertState = "resolved"
)

// IncidentStatus is the lifecycle state of an incident.
type IncidentStatus string

const (
	IncidentOpen     IncidentStatus = "open"
	IncidentResolved IncidentStatus = "resolved"
)

// TargetType identifies what an incident is about.
type TargetType string

const (
	TargetDevice    TargetType = "device"
	TargetSynthetic TargetType = "synthetic"
	TargetLicense   TargetType = "license"
	TargetService   TargetType = "service"
)

// SyntheticType selects the probe flavor for a synthetic check.
type SyntheticType string

const (
	SyntheticHTTP SyntheticType = "http"
	SyntheticSSL  SyntheticType = "ssl"
)

// MatchType selects how a response-body matcher compares.
type MatchType string

const (
	MatchContains MatchType = "contains"
	MatchExact    MatchType = "exact"
	MatchRegex    MatchType = "regex"
)

// SSLState classifies certificate expiry proximity.
type SSLState string

const (
	SSLOK       SSLState = "ok"
	SSLWarning  SSLState = "warning"
	SSLCritical SSLState = "critical"
	SSLExpired  SSLState = "expired"
)

// LicenseStatus is the operator-facing state of a license asset.
type LicenseStatus string

const (
	LicenseActive  LicenseStatus = "active"
	LicensePaused  LicenseStatus = "paused"
	LicenseExpired LicenseStatus = "expired"
)

// ChannelType identifies a notification delivery mechanism.
type ChannelType string

const (
	ChannelSlack    ChannelType = "slack"
	ChannelEmail    ChannelType = "email"
	ChannelWebhook  ChannelType = "webhook"
	ChannelSMS      ChannelType = "sms"
	ChannelWhatsApp ChannelType = "whatsapp"
	ChannelCallAPI  ChannelType = "call_api"
)
