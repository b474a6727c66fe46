// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package model

import "time"

// ConsolidationWindow is the span during which module payloads for one
// device merge into a single telemetry record.
const ConsolidationWindow = 2 * time.Second

// TelemetryTTL is how long telemetry history is retained.
const TelemetryTTL = 30 * 24 * time.Hour

// Telemetry is one consolidated snapshot of a device. Normalized scalars
// are pointers so "absent" and "zero" stay distinguishable for the rule
// extraction fallbacks.
type Telemetry struct {
	ID          string       `bson:"_id,omitempty" json:"id,omitempty"`
	DeviceID    string       `bson:"device_id" json:"device_id"`
	Timestamp   time.Time    `bson:"timestamp" json:"timestamp"`
	CPUUsage    *float64     `bson:"cpu_usage,omitempty" json:"cpu_usage,omitempty"`
	MemoryUsage *float64     `bson:"memory_usage,omitempty" json:"memory_usage,omitempty"`
	DiskUsage   *float64     `bson:"disk_usage,omitempty" json:"disk_usage,omitempty"`
	NetworkIn   *float64     `bson:"network_in,omitempty" json:"network_in,omitempty"`
	NetworkOut  *float64     `bson:"network_out,omitempty" json:"network_out,omitempty"`
	Extra       ModuleExtras `bson:"extra" json:"extra"`
}

// ModuleExtras is the tagged union of per-module payloads attached to a
// telemetry record. At most one consolidation writer touches it at a time.
type ModuleExtras struct {
	System   *SystemMetrics   `bson:"system,omitempty" json:"system,omitempty"`
	Network  *NetworkMetrics  `bson:"network,omitempty" json:"network,omitempty"`
	Docker   *DockerMetrics   `bson:"docker,omitempty" json:"docker,omitempty"`
	Asterisk *AsteriskMetrics `bson:"asterisk,omitempty" json:"asterisk,omitempty"`
}

// SystemMetrics is the system module payload.
type SystemMetrics struct {
	CPUUsage    *float64   `bson:"cpu_usage,omitempty" json:"cpu_usage,omitempty"`
	CPUPercent  *float64   `bson:"cpu_percent,omitempty" json:"cpu_percent,omitempty"`
	CPULoad     *float64   `bson:"cpu_load,omitempty" json:"cpu_load,omitempty"`
	MemoryUsage *float64   `bson:"memory_usage,omitempty" json:"memory_usage,omitempty"`
	Memory      *MemoryStat `bson:"memory,omitempty" json:"memory,omitempty"`
	DiskUsage   *float64   `bson:"disk_usage,omitempty" json:"disk_usage,omitempty"`
	Disks       []DiskStat `bson:"disks,omitempty" json:"disks,omitempty"`
	MemoryTotal int64      `bson:"memory_total,omitempty" json:"memory_total,omitempty"`
	DiskTotal   int64      `bson:"disk_total,omitempty" json:"disk_total,omitempty"`
	Hostname    string     `bson:"hostname,omitempty" json:"hostname,omitempty"`
	Uptime      int64      `bson:"uptime,omitempty" json:"uptime,omitempty"`
}

// MemoryStat carries detailed memory figures from newer agents.
type MemoryStat struct {
	UsedPercent *float64 `bson:"used_percent,omitempty" json:"used_percent,omitempty"`
	UsedBytes   int64    `bson:"used_bytes,omitempty" json:"used_bytes,omitempty"`
	TotalBytes  int64    `bson:"total_bytes,omitempty" json:"total_bytes,omitempty"`
}

// DiskStat is one mounted filesystem. Agents disagree on which field names
// the mount point arrives under, so all four are matched against a rule
// target.
type DiskStat struct {
	Mount       string   `bson:"mount,omitempty" json:"mount,omitempty"`
	Path        string   `bson:"path,omitempty" json:"path,omitempty"`
	Name        string   `bson:"name,omitempty" json:"name,omitempty"`
	Device      string   `bson:"device,omitempty" json:"device,omitempty"`
	UsedPercent *float64 `bson:"used_percent,omitempty" json:"used_percent,omitempty"`
}

// MatchesTarget reports whether any of the disk's identifiers equals the
// rule target.
func (d DiskStat) MatchesTarget(target string) bool {
	return target != "" && (d.Mount == target || d.Path == target || d.Name == target || d.Device == target)
}

// NetworkMetrics is the network module payload.
type NetworkMetrics struct {
	PublicIP    string          `bson:"public_ip,omitempty" json:"public_ip,omitempty"`
	LocalIPs    []string        `bson:"local_ips,omitempty" json:"local_ips,omitempty"`
	Interfaces  []InterfaceStat `bson:"interfaces,omitempty" json:"interfaces,omitempty"`
	PingResults []PingResult    `bson:"ping_results,omitempty" json:"ping_results,omitempty"`
	NetworkIn   *float64        `bson:"network_in,omitempty" json:"network_in,omitempty"`
	NetworkOut  *float64        `bson:"network_out,omitempty" json:"network_out,omitempty"`
}

// InterfaceStat is one network interface sample.
type InterfaceStat struct {
	Name               string   `bson:"name" json:"name"`
	RxBps              float64  `bson:"rx_bps" json:"rx_bps"`
	TxBps              float64  `bson:"tx_bps" json:"tx_bps"`
	UtilizationPercent *float64 `bson:"utilization_percent,omitempty" json:"utilization_percent,omitempty"`
}

// PingResult is one reachability sample from the agent.
type PingResult struct {
	Target    string  `bson:"target" json:"target"`
	Reachable bool    `bson:"reachable" json:"reachable"`
	LatencyMS float64 `bson:"latency_ms" json:"latency_ms"`
}

// DockerMetrics is the docker module payload.
type DockerMetrics struct {
	Containers []ContainerStat `bson:"containers,omitempty" json:"containers,omitempty"`
}

// ContainerStat is one container observation.
type ContainerStat struct {
	Name         string `bson:"name" json:"name"`
	State        string `bson:"state,omitempty" json:"state,omitempty"`
	Status       string `bson:"status,omitempty" json:"status,omitempty"`
	Health       string `bson:"health,omitempty" json:"health,omitempty"`
	RestartCount int    `bson:"restart_count,omitempty" json:"restart_count,omitempty"`
}

// AsteriskMetrics is the asterisk module payload.
type AsteriskMetrics struct {
	Contacts      []SIPContact      `bson:"contacts,omitempty" json:"contacts,omitempty"`
	Registrations []SIPRegistration `bson:"registrations,omitempty" json:"registrations,omitempty"`
	Summary       map[string]any    `bson:"summary,omitempty" json:"summary,omitempty"`
}

// SIPContact is one PJSIP contact observation.
type SIPContact struct {
	AOR    string   `bson:"aor" json:"aor"`
	Status string   `bson:"status,omitempty" json:"status,omitempty"`
	RTTMs  *float64 `bson:"rttMs,omitempty" json:"rttMs,omitempty"`
}

// SIPRegistration is one outbound registration observation.
type SIPRegistration struct {
	Name   string `bson:"name" json:"name"`
	Status string `bson:"status,omitempty" json:"status,omitempty"`
}
