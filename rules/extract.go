// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package rules

import (
	"strings"

	"github.com/soothill/fleetwatch/model"
)

// extractValue pulls the scalar a rule evaluates from the telemetry
// record, trying each documented fallback in order. The second return is
// false when no source path yielded a value.
func extractValue(c *model.MonitoringCheck, t *model.Telemetry) (float64, bool) {
	sys := t.Extra.System
	net := t.Extra.Network
	ast := t.Extra.Asterisk

	switch c.Type {
	case model.CheckCPU:
		if sys != nil {
			if sys.CPUUsage != nil {
				return *sys.CPUUsage, true
			}
			if sys.CPUPercent != nil {
				return *sys.CPUPercent, true
			}
		}
		if t.CPUUsage != nil {
			return *t.CPUUsage, true
		}
		if sys != nil && sys.CPULoad != nil {
			return *sys.CPULoad, true
		}

	case model.CheckMemory:
		if sys != nil {
			if sys.MemoryUsage != nil {
				return *sys.MemoryUsage, true
			}
			if sys.Memory != nil && sys.Memory.UsedPercent != nil {
				return *sys.Memory.UsedPercent, true
			}
		}
		if t.MemoryUsage != nil {
			return *t.MemoryUsage, true
		}

	case model.CheckDisk:
		if sys != nil {
			if c.Target != "" {
				for _, disk := range sys.Disks {
					if disk.MatchesTarget(c.Target) && disk.UsedPercent != nil {
						return *disk.UsedPercent, true
					}
				}
			}
			if sys.DiskUsage != nil {
				return *sys.DiskUsage, true
			}
		}
		if t.DiskUsage != nil {
			return *t.DiskUsage, true
		}

	case model.CheckBandwidth:
		if iface := findInterface(net, c.Target); iface != nil {
			return (iface.RxBps + iface.TxBps) / 1e6, true
		}

	case model.CheckUtilization:
		if iface := findInterface(net, c.Target); iface != nil && iface.UtilizationPercent != nil {
			return *iface.UtilizationPercent, true
		}

	case model.CheckSIPRTT:
		if ast != nil {
			for _, contact := range ast.Contacts {
				if contact.AOR == c.Target && contact.RTTMs != nil {
					return *contact.RTTMs, true
				}
			}
		}

	case model.CheckSIPRegistration:
		if ast != nil {
			for _, reg := range ast.Registrations {
				if reg.Name == c.Target {
					if strings.EqualFold(reg.Status, "Registered") {
						return 100, true
					}
					return 0, true
				}
			}
		}
	}

	return 0, false
}

func findInterface(net *model.NetworkMetrics, name string) *model.InterfaceStat {
	if net == nil || name == "" {
		return nil
	}
	for i := range net.Interfaces {
		if net.Interfaces[i].Name == name {
			return &net.Interfaces[i]
		}
	}
	return nil
}

// lowerIsWorse reports whether smaller values are unhealthier for the
// check type. Only SIP registration works that way; everything else
// alarms on high values.
func lowerIsWorse(t model.CheckType) bool {
	return t == model.CheckSIPRegistration
}

// unitFor returns the unit attached to alert details.
func unitFor(t model.CheckType) string {
	switch t {
	case model.CheckBandwidth:
		return "Mbps"
	case model.CheckSIPRTT:
		return "ms"
	default:
		return "%"
	}
}

// containerState classifies a container_status rule against the docker
// payload. A missing container only alarms when other containers were
// reported, so an empty payload is not mistaken for a removal.
func containerState(target string, docker *model.DockerMetrics) (model.CheckState, string) {
	if docker == nil || len(docker.Containers) == 0 {
		return model.CheckUnknown, "no container data"
	}

	var found *model.ContainerStat
	for i := range docker.Containers {
		if docker.Containers[i].Name == target {
			found = &docker.Containers[i]
			break
		}
	}
	if found == nil {
		return model.CheckCritical, "container not found"
	}

	state := strings.ToLower(found.State)
	if state == "" {
		state = strings.ToLower(found.Status)
	}
	if strings.EqualFold(found.Health, "unhealthy") {
		return model.CheckCritical, "container unhealthy"
	}
	switch state {
	case "stopped", "dead", "exited", "unhealthy":
		return model.CheckCritical, "container " + state
	case "restarting", "paused", "created":
		return model.CheckWarning, "container " + state
	}
	return model.CheckOK, "container " + state
}
