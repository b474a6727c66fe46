// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package model

// SystemSettings is the singleton of fleet-wide defaults and digest
// bookkeeping.
type SystemSettings struct {
	ID                                string  `bson:"_id" json:"id"`
	DefaultOfflineThresholdMultiplier float64 `bson:"default_offline_threshold_multiplier" json:"default_offline_threshold_multiplier"`
	MonitoringCheckIntervalSeconds    int     `bson:"monitoring_check_interval_seconds" json:"monitoring_check_interval_seconds"`
	DefaultRepeatIntervalMinutes      int     `bson:"default_repeat_interval_minutes" json:"default_repeat_interval_minutes"`
	DefaultThrottlingDurationMinutes  int     `bson:"default_throttling_duration_minutes" json:"default_throttling_duration_minutes"`
	SummaryIntervalMinutes            int     `bson:"summary_interval_minutes" json:"summary_interval_minutes"`
	Timezone                          string  `bson:"timezone,omitempty" json:"timezone,omitempty"`
	SSLWeeklySummaryLastSentOn        string  `bson:"ssl_weekly_summary_last_sent_on,omitempty" json:"ssl_weekly_summary_last_sent_on,omitempty"`
	LicenseWeeklySummaryLastSentOn    string  `bson:"license_weekly_summary_last_sent_on,omitempty" json:"license_weekly_summary_last_sent_on,omitempty"`
}

// DefaultSettings returns the settings applied before an operator has saved
// any.
func DefaultSettings() SystemSettings {
	return SystemSettings{
		ID:                                "system",
		DefaultOfflineThresholdMultiplier: 4,
		MonitoringCheckIntervalSeconds:    30,
		DefaultRepeatIntervalMinutes:      5,
		DefaultThrottlingDurationMinutes:  60,
		SummaryIntervalMinutes:            360,
		Timezone:                          "UTC",
	}
}

// OfflineMultiplier resolves the offline threshold multiplier for a device:
// device override, then settings default, then 4.
func (s SystemSettings) OfflineMultiplier(d *Device) float64 {
	if d != nil && d.Overrides.OfflineThresholdMultiplier != nil && *d.Overrides.OfflineThresholdMultiplier > 0 {
		return *d.Overrides.OfflineThresholdMultiplier
	}
	if s.DefaultOfflineThresholdMultiplier > 0 {
		return s.DefaultOfflineThresholdMultiplier
	}
	return 4
}
