// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package metrics provides Prometheus metrics for the fleet monitor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesIngested tracks inbound MQTT payloads by module
	MessagesIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetwatch_messages_ingested_total",
		Help: "Total number of MQTT payloads ingested",
	}, []string{"module"})

	// MessagesDropped tracks payloads dropped as malformed or rate limited
	MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetwatch_messages_dropped_total",
		Help: "Total number of MQTT payloads dropped",
	}, []string{"reason"})

	// ConsolidationsTotal tracks telemetry consolidation operations
	ConsolidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetwatch_consolidations_total",
		Help: "Total number of telemetry consolidations by outcome (merged or inserted)",
	}, []string{"outcome"})

	// DevicesByStatus tracks the fleet status breakdown
	DevicesByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleetwatch_devices",
		Help: "Number of devices by status",
	}, []string{"status"})

	// RuleEvaluationsTotal tracks monitoring rule evaluations
	RuleEvaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetwatch_rule_evaluations_total",
		Help: "Total number of rule evaluations by resulting state",
	}, []string{"state"})

	// AlertsOpened tracks alerts opened by the lifecycle engine
	AlertsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetwatch_alerts_opened_total",
		Help: "Total number of alerts opened",
	}, []string{"alert_type", "severity"})

	// AlertsResolved tracks alerts resolved by the lifecycle engine
	AlertsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetwatch_alerts_resolved_total",
		Help: "Total number of alerts resolved",
	}, []string{"alert_type"})

	// ActiveAlerts tracks the current number of non-resolved alerts
	ActiveAlerts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetwatch_active_alerts",
		Help: "Current number of non-resolved alerts",
	})

	// NotificationsSent tracks outbound notifications per channel type
	NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetwatch_notifications_sent_total",
		Help: "Total number of notifications delivered",
	}, []string{"channel"})

	// NotificationErrors tracks failed notification deliveries per channel type
	NotificationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetwatch_notification_errors_total",
		Help: "Total number of failed notification deliveries",
	}, []string{"channel"})

	// ProbesTotal tracks synthetic probe runs by outcome
	ProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetwatch_probes_total",
		Help: "Total number of synthetic probes run",
	}, []string{"outcome"})

	// ProbeDuration tracks synthetic probe wall time
	ProbeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleetwatch_probe_duration_seconds",
		Help:    "Duration of synthetic probes in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// OfflineScanDuration tracks how long a full offline scan takes
	OfflineScanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleetwatch_offline_scan_duration_seconds",
		Help:    "Duration of the offline detection scan in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// TelemetryWritesTotal tracks the total number of writes to InfluxDB
	TelemetryWritesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetwatch_telemetry_writes_total",
		Help: "Total number of telemetry history writes to InfluxDB",
	})

	// TelemetryWriteErrors tracks the number of failed writes to InfluxDB
	TelemetryWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetwatch_telemetry_write_errors_total",
		Help: "Total number of failed telemetry history writes to InfluxDB",
	})

	// MQTTConnected reports whether the broker connection is up
	MQTTConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetwatch_mqtt_connected",
		Help: "1 when the MQTT broker connection is established, 0 otherwise",
	})

	// IncidentsOpen tracks the current number of open incidents
	IncidentsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetwatch_incidents_open",
		Help: "Current number of open incidents",
	})
)
