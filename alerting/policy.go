// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package alerting

import (
	"github.com/soothill/fleetwatch/model"
)

// resolvePolicy decides the reminder cadence for a new alert. Caller
// overrides win over alert-type defaults, which win over the settings
// defaults. A zero throttling duration means the alert reminds at its
// repeat interval forever and never decays to hourly-only.
func resolvePolicy(alertType model.AlertType, severity model.Severity, overrides *model.ThrottlingConfig, settings model.SystemSettings) model.ThrottlingConfig {
	if overrides != nil && overrides.RepeatIntervalMinutes > 0 {
		return *overrides
	}

	switch alertType {
	case model.AlertServiceDown, model.AlertOffline:
		return model.ThrottlingConfig{RepeatIntervalMinutes: 15, ThrottlingDurationMinutes: 60}
	case model.AlertRuleViolation, model.AlertHighLatency:
		if severity == model.SeverityCritical {
			return model.ThrottlingConfig{RepeatIntervalMinutes: 5, ThrottlingDurationMinutes: 0}
		}
		return model.ThrottlingConfig{RepeatIntervalMinutes: 15, ThrottlingDurationMinutes: 60}
	}

	repeat := settings.DefaultRepeatIntervalMinutes
	if repeat <= 0 {
		repeat = 5
	}
	duration := settings.DefaultThrottlingDurationMinutes
	if duration < 0 {
		duration = 60
	}
	return model.ThrottlingConfig{RepeatIntervalMinutes: repeat, ThrottlingDurationMinutes: duration}
}
