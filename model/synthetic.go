// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package model

import "time"

// DefaultSSLExpiryDays is the warning horizon before certificate expiry.
const DefaultSSLExpiryDays = 7

// ResponseMatch is the optional response-body matcher of an HTTP probe.
type ResponseMatch struct {
	Type  MatchType `bson:"type" json:"type"`
	Value string    `bson:"value" json:"value"`
}

// SyntheticCheck is a scheduled HTTP and/or TLS probe against a URL.
type SyntheticCheck struct {
	ID                  string            `bson:"_id" json:"id"`
	Name                string            `bson:"name" json:"name"`
	TargetKind          string            `bson:"target_kind" json:"target_kind"` // website | api
	Type                SyntheticType     `bson:"type" json:"type"`
	URL                 string            `bson:"url" json:"url"`
	Method              string            `bson:"method,omitempty" json:"method,omitempty"`
	Headers             map[string]string `bson:"headers,omitempty" json:"headers,omitempty"`
	Body                string            `bson:"body,omitempty" json:"body,omitempty"`
	IntervalSeconds     int               `bson:"interval_seconds" json:"interval_seconds"`
	TimeoutSeconds      int               `bson:"timeout_seconds" json:"timeout_seconds"`
	ExpectedStatusCodes []int             `bson:"expected_status_codes,omitempty" json:"expected_status_codes,omitempty"`
	ResponseMatch       *ResponseMatch    `bson:"response_match,omitempty" json:"response_match,omitempty"`
	MaxResponseTimeMS   int64             `bson:"max_response_time_ms,omitempty" json:"max_response_time_ms,omitempty"`
	SSLEnabled          bool              `bson:"ssl_enabled" json:"ssl_enabled"`
	SSLExpiryDays       int               `bson:"ssl_expiry_days,omitempty" json:"ssl_expiry_days,omitempty"`
	Enabled             bool              `bson:"enabled" json:"enabled"`

	// Runtime fields, updated atomically after each probe.
	LastRun                  time.Time  `bson:"last_run,omitempty" json:"last_run,omitempty"`
	LastStatus               string     `bson:"last_status,omitempty" json:"last_status,omitempty"` // pass | fail
	LastMessage              string     `bson:"last_message,omitempty" json:"last_message,omitempty"`
	SSLExpiryAt              *time.Time `bson:"ssl_expiry_at,omitempty" json:"ssl_expiry_at,omitempty"`
	SSLLastState             SSLState   `bson:"ssl_last_state,omitempty" json:"ssl_last_state,omitempty"`
	SSLLastReminderBucket    string     `bson:"ssl_last_reminder_bucket,omitempty" json:"ssl_last_reminder_bucket,omitempty"`
	SSLRenewalNotifiedExpiry *time.Time `bson:"ssl_last_renewal_notified_expiry_at,omitempty" json:"ssl_last_renewal_notified_expiry_at,omitempty"`
}

// ExpiryHorizonDays returns the configured warning horizon.
func (s *SyntheticCheck) ExpiryHorizonDays() int {
	if s.SSLExpiryDays > 0 {
		return s.SSLExpiryDays
	}
	return DefaultSSLExpiryDays
}

// ExpectsStatus reports whether the HTTP status code counts as a pass. An
// empty list accepts any 2xx.
func (s *SyntheticCheck) ExpectsStatus(code int) bool {
	if len(s.ExpectedStatusCodes) == 0 {
		return code >= 200 && code < 300
	}
	for _, want := range s.ExpectedStatusCodes {
		if code == want {
			return true
		}
	}
	return false
}

// ProbeTimeout returns the probe budget covering connect, TLS handshake,
// and response read.
func (s *SyntheticCheck) ProbeTimeout() time.Duration {
	if s.TimeoutSeconds > 0 {
		return time.Duration(s.TimeoutSeconds) * time.Second
	}
	return 10 * time.Second
}

// Due reports whether the check should run at now.
func (s *SyntheticCheck) Due(now time.Time) bool {
	if !s.Enabled {
		return false
	}
	if s.LastRun.IsZero() {
		return true
	}
	return now.Sub(s.LastRun) >= time.Duration(s.IntervalSeconds)*time.Second
}

// LicenseAsset is a subscription or license with a renewal date tracked by
// the license monitor.
type LicenseAsset struct {
	ID                 string        `bson:"_id" json:"id"`
	Name               string        `bson:"name" json:"name"`
	RenewalDate        time.Time     `bson:"renewal_date" json:"renewal_date"`
	WarningDays        int           `bson:"warning_days" json:"warning_days"`
	CriticalDays       int           `bson:"critical_days" json:"critical_days"`
	Enabled            bool          `bson:"enabled" json:"enabled"`
	Status             LicenseStatus `bson:"status" json:"status"`
	ChannelIDs         []string      `bson:"channel_ids,omitempty" json:"channel_ids,omitempty"`
	LastState          SSLState      `bson:"last_state,omitempty" json:"last_state,omitempty"`
	LastNotifiedBucket string        `bson:"last_notified_bucket,omitempty" json:"last_notified_bucket,omitempty"`
}
