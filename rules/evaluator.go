// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package rules evaluates per-device monitoring rules against the latest
// consolidated telemetry and drives the alert engine on state transitions.
package rules

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/soothill/fleetwatch/alerting"
	"github.com/soothill/fleetwatch/model"
	"github.com/soothill/fleetwatch/pkg/clock"
	"github.com/soothill/fleetwatch/pkg/interfaces"
	"github.com/soothill/fleetwatch/pkg/logger"
	"github.com/soothill/fleetwatch/pkg/metrics"
)

// DefaultSIPRTTThresholdMS is the latency ceiling for the legacy
// high_latency path when the device carries no override.
const DefaultSIPRTTThresholdMS = 300

// Evaluator runs monitoring rules. Per-device serialization is the ingest
// dispatcher's responsibility; Evaluate assumes it is the only writer for
// the device's checks at a time.
type Evaluator struct {
	checks interfaces.CheckStore
	engine *alerting.Engine
	clock  clock.Clock

	mu            sync.Mutex
	skippedLogged map[string]bool
}

// NewEvaluator builds a rule evaluator.
func NewEvaluator(checks interfaces.CheckStore, engine *alerting.Engine, clk clock.Clock) *Evaluator {
	return &Evaluator{
		checks:        checks,
		engine:        engine,
		clock:         clk,
		skippedLogged: make(map[string]bool),
	}
}

// Evaluate runs every enabled rule for the device against the telemetry
// record, then the SIP peer checks implied by the asterisk module.
func (ev *Evaluator) Evaluate(ctx context.Context, d *model.Device, t *model.Telemetry) {
	checks, err := ev.checks.ListChecksByDevice(ctx, d.ID)
	if err != nil {
		logger.Error().Err(err).Str("device_id", d.ID).Msg("Rule evaluation failed to list checks")
		return
	}

	covered := map[string]bool{}
	for _, c := range checks {
		if !c.Enabled {
			continue
		}
		if c.Type == model.CheckSIPRTT {
			covered[c.Target] = true
		}
		ev.evaluateCheck(ctx, d, c, t)
	}

	if d.ModuleEnabled(model.ModuleAsterisk) && t.Extra.Asterisk != nil {
		ev.evaluateSIPPeers(ctx, d, t.Extra.Asterisk, covered)
	}
}

func (ev *Evaluator) evaluateCheck(ctx context.Context, d *model.Device, c *model.MonitoringCheck, t *model.Telemetry) {
	if m := c.Type.RequiredModule(); m != "" && !d.ModuleEnabled(m) {
		ev.logSkippedOnce(c, "required module not enabled")
		return
	}
	if c.Type == model.CheckCustom {
		ev.logSkippedOnce(c, "custom checks are evaluated externally")
		return
	}

	var newState model.CheckState
	var value float64
	var message string

	if c.Type == model.CheckContainerStatus {
		newState, message = containerState(c.Target, t.Extra.Docker)
		if newState == model.CheckUnknown {
			return
		}
	} else {
		var ok bool
		value, ok = extractValue(c, t)
		if !ok {
			// No source in this payload; leave the rule untouched.
			return
		}
		newState = classify(c, value)
		message = thresholdMessage(c, value, newState)
	}

	metrics.RuleEvaluationsTotal.WithLabelValues(string(newState)).Inc()

	lastState := c.LastState
	c.LastState = newState
	c.LastValue = value
	c.LastEvaluatedAt = ev.clock.Now()
	c.LastMessage = message
	if err := ev.checks.SaveCheck(ctx, c); err != nil {
		logger.Error().Err(err).Str("check_id", c.ID).Msg("Rule state persist failed")
	}

	switch {
	case newState != model.CheckOK:
		ev.engine.Trigger(ctx, alerting.TriggerParams{
			DeviceID: d.ID,
			Type:     model.AlertRuleViolation,
			Service:  string(c.Type),
			Endpoint: c.Target,
			Severity: severityFor(newState),
			Message:  fmt.Sprintf("%s: %s", d.Name, message),
			Details: map[string]any{
				"device_name": d.Name,
				"value":       value,
				"threshold":   thresholdFor(c, newState),
				"unit":        unitFor(c.Type),
			},
		})

	case lastState != model.CheckOK && lastState != "":
		ev.engine.Resolve(ctx, alerting.ResolveParams{
			DeviceID: d.ID,
			Type:     model.AlertRuleViolation,
			Service:  string(c.Type),
			Endpoint: c.Target,
			Reason:   fmt.Sprintf("%s back to normal", c.Type),
		})
	}
}

// classify applies the thresholds in the check's direction.
func classify(c *model.MonitoringCheck, value float64) model.CheckState {
	if lowerIsWorse(c.Type) {
		switch {
		case value <= c.CriticalThreshold:
			return model.CheckCritical
		case value <= c.WarningThreshold:
			return model.CheckWarning
		}
		return model.CheckOK
	}
	switch {
	case c.CriticalThreshold > 0 && value >= c.CriticalThreshold:
		return model.CheckCritical
	case c.WarningThreshold > 0 && value >= c.WarningThreshold:
		return model.CheckWarning
	}
	return model.CheckOK
}

func severityFor(state model.CheckState) model.Severity {
	if state == model.CheckCritical {
		return model.SeverityCritical
	}
	return model.SeverityWarning
}

func thresholdFor(c *model.MonitoringCheck, state model.CheckState) float64 {
	if state == model.CheckCritical {
		return c.CriticalThreshold
	}
	return c.WarningThreshold
}

func thresholdMessage(c *model.MonitoringCheck, value float64, state model.CheckState) string {
	unit := unitFor(c.Type)
	label := strings.ReplaceAll(string(c.Type), "_", " ")
	if c.Target != "" {
		label = fmt.Sprintf("%s (%s)", label, c.Target)
	}
	switch state {
	case model.CheckOK:
		return fmt.Sprintf("%s %.1f%s within thresholds", label, value, unit)
	default:
		cmp := "exceeds"
		if lowerIsWorse(c.Type) {
			cmp = "below"
		}
		return fmt.Sprintf("%s %.1f%s %s %s threshold %.1f%s",
			label, value, unit, cmp, state, thresholdFor(c, state), unit)
	}
}

// evaluateSIPPeers emits sip_issue alerts for unreachable contacts and
// legacy high_latency alerts for slow ones. Endpoints covered by an
// explicit sip_rtt rule defer to the rule pipeline: any stale
// high_latency alert for them is resolved here.
func (ev *Evaluator) evaluateSIPPeers(ctx context.Context, d *model.Device, ast *model.AsteriskMetrics, covered map[string]bool) {
	threshold := float64(DefaultSIPRTTThresholdMS)
	if d.Overrides.SIPRTTThresholdMS != nil && *d.Overrides.SIPRTTThresholdMS > 0 {
		threshold = *d.Overrides.SIPRTTThresholdMS
	}

	for _, contact := range ast.Contacts {
		if unreachableStatus(contact.Status) {
			ev.engine.Trigger(ctx, alerting.TriggerParams{
				DeviceID: d.ID,
				Type:     model.AlertSIPIssue,
				Service:  "asterisk",
				Endpoint: contact.AOR,
				Severity: model.SeverityCritical,
				Message:  fmt.Sprintf("%s: SIP contact %s is %s", d.Name, contact.AOR, contact.Status),
				Details:  map[string]any{"device_name": d.Name, "status": contact.Status},
			})
			continue
		}

		ev.engine.Resolve(ctx, alerting.ResolveParams{
			DeviceID: d.ID,
			Type:     model.AlertSIPIssue,
			Service:  "asterisk",
			Endpoint: contact.AOR,
			Reason:   fmt.Sprintf("SIP contact %s reachable again", contact.AOR),
		})

		if covered[contact.AOR] {
			// An explicit sip_rtt rule owns this endpoint now.
			ev.engine.Resolve(ctx, alerting.ResolveParams{
				DeviceID: d.ID,
				Type:     model.AlertHighLatency,
				Service:  "asterisk",
				Endpoint: contact.AOR,
				Reason:   "Covered by explicit sip_rtt rule",
				Silent:   true,
			})
			continue
		}

		if contact.RTTMs == nil {
			continue
		}
		if *contact.RTTMs > threshold {
			ev.engine.Trigger(ctx, alerting.TriggerParams{
				DeviceID: d.ID,
				Type:     model.AlertHighLatency,
				Service:  "asterisk",
				Endpoint: contact.AOR,
				Severity: model.SeverityWarning,
				Message: fmt.Sprintf("%s: SIP contact %s RTT %.0fms exceeds %.0fms",
					d.Name, contact.AOR, *contact.RTTMs, threshold),
				Details: map[string]any{"device_name": d.Name, "rtt_ms": *contact.RTTMs, "threshold_ms": threshold},
			})
		} else {
			ev.engine.Resolve(ctx, alerting.ResolveParams{
				DeviceID: d.ID,
				Type:     model.AlertHighLatency,
				Service:  "asterisk",
				Endpoint: contact.AOR,
				Reason:   fmt.Sprintf("SIP contact %s RTT back under %.0fms", contact.AOR, threshold),
			})
		}
	}
}

// unreachableStatus matches the PJSIP status strings that mean the peer is
// not answering qualify probes.
func unreachableStatus(status string) bool {
	s := strings.ToLower(status)
	return strings.Contains(s, "unavail") || strings.Contains(s, "unreachable")
}

func (ev *Evaluator) logSkippedOnce(c *model.MonitoringCheck, reason string) {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	if ev.skippedLogged[c.ID] {
		return
	}
	ev.skippedLogged[c.ID] = true
	logger.Warn().
		Str("check_id", c.ID).
		Str("check_type", string(c.Type)).
		Str("reason", reason).
		Msg("Rule skipped")
}
