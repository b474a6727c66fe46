// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package licenses tracks license and subscription renewal dates,
// notifying on expiry proximity with the same bucket cadence the SSL
// prober uses, and mirroring state into incidents.
package licenses

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/soothill/fleetwatch/model"
	"github.com/soothill/fleetwatch/pkg/clock"
	"github.com/soothill/fleetwatch/pkg/interfaces"
	"github.com/soothill/fleetwatch/pkg/logger"
)

// CheckInterval is the cadence of the renewal scan.
const CheckInterval = 15 * time.Minute

// reminderHorizonDays is how close to renewal the reminder cadence
// stays active.
const reminderHorizonDays = 7

// Monitor owns the license renewal state machine.
type Monitor struct {
	licenses   interfaces.LicenseStore
	settings   interfaces.SettingsStore
	dispatcher interfaces.Dispatcher
	incidents  interfaces.IncidentSink
	clock      clock.Clock
}

// NewMonitor builds a license monitor.
func NewMonitor(
	licenses interfaces.LicenseStore,
	settings interfaces.SettingsStore,
	dispatcher interfaces.Dispatcher,
	incidents interfaces.IncidentSink,
	clk clock.Clock,
) *Monitor {
	return &Monitor{
		licenses:   licenses,
		settings:   settings,
		dispatcher: dispatcher,
		incidents:  incidents,
		clock:      clk,
	}
}

// Scan evaluates every enabled license against its renewal date.
func (m *Monitor) Scan(ctx context.Context) {
	items, err := m.licenses.ListLicenses(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("License scan failed to list assets")
		return
	}

	now := m.clock.Now()
	for _, l := range items {
		if !l.Enabled || l.Status == model.LicensePaused {
			continue
		}
		m.check(ctx, l, now)
	}
}

// check classifies one license and drives its notification cadence.
func (m *Monitor) check(ctx context.Context, l *model.LicenseAsset, now time.Time) {
	days := daysUntil(l.RenewalDate, now)
	state := stateFor(l, days)
	summary := fmt.Sprintf("license_renewal: %s", l.Name)

	if state == model.SSLOK {
		if l.LastState != "" && l.LastState != model.SSLOK {
			if err := m.incidents.Resolve(ctx, model.TargetLicense, l.ID, summary, "Renewal date moved out"); err != nil {
				logger.Error().Err(err).Str("license_id", l.ID).Msg("License incident resolve failed")
			}
		}
		l.LastState = model.SSLOK
		l.LastNotifiedBucket = ""
		if l.Status == model.LicenseExpired {
			l.Status = model.LicenseActive
		}
		m.save(ctx, l)
		return
	}

	severity := model.SeverityWarning
	if state == model.SSLCritical || state == model.SSLExpired {
		severity = model.SeverityCritical
	}
	message := renewalMessage(l, days, m.clock)

	if err := m.incidents.EnsureOpen(ctx, model.TargetLicense, l.ID, summary, severity, message); err != nil {
		logger.Error().Err(err).Str("license_id", l.ID).Msg("License incident update failed")
	}

	if state == model.SSLExpired {
		l.Status = model.LicenseExpired
	}

	// Notify on transition into the state or at a new reminder bucket,
	// and only inside the reminder horizon.
	if days <= reminderHorizonDays {
		bucket := clock.DateBucket(m.clock, now)
		if days <= 1 {
			bucket = clock.HourBucket(m.clock, now)
		}
		if state != l.LastState || bucket != l.LastNotifiedBucket {
			m.dispatcher.Dispatch(ctx, model.Notification{
				Kind:       model.NotifyReminder,
				Severity:   severity,
				Title:      renewalTitle(l, state),
				Message:    message,
				Timestamp:  now,
				ChannelIDs: l.ChannelIDs,
			})
			l.LastNotifiedBucket = bucket
		}
	}

	l.LastState = state
	m.save(ctx, l)
}

func (m *Monitor) save(ctx context.Context, l *model.LicenseAsset) {
	if err := m.licenses.SaveLicense(ctx, l); err != nil {
		logger.Error().Err(err).Str("license_id", l.ID).Msg("License state persist failed")
	}
}

// daysUntil floors the whole days between now and the renewal date.
func daysUntil(renewal, now time.Time) int {
	return int(math.Floor(renewal.Sub(now).Seconds() / 86400))
}

// stateFor applies the license's own thresholds.
func stateFor(l *model.LicenseAsset, days int) model.SSLState {
	critical := l.CriticalDays
	if critical <= 0 {
		critical = 1
	}
	warning := l.WarningDays
	if warning <= 0 {
		warning = reminderHorizonDays
	}
	switch {
	case days < 0:
		return model.SSLExpired
	case days <= critical:
		return model.SSLCritical
	case days <= warning:
		return model.SSLWarning
	}
	return model.SSLOK
}

func renewalTitle(l *model.LicenseAsset, state model.SSLState) string {
	if state == model.SSLExpired {
		return fmt.Sprintf("License Expired: %s", l.Name)
	}
	return fmt.Sprintf("License Renewal Due: %s", l.Name)
}

func renewalMessage(l *model.LicenseAsset, days int, clk clock.Clock) string {
	date := l.RenewalDate.In(clk.Location()).Format("2006-01-02")
	if days < 0 {
		return fmt.Sprintf("%s expired on %s", l.Name, date)
	}
	return fmt.Sprintf("%s renews in %d days (%s)", l.Name, days, date)
}

// WeeklySummary renders the Friday renewal digest once per date.
func (m *Monitor) WeeklySummary(ctx context.Context) {
	now := m.clock.Now()
	if !clock.IsFriday(m.clock, now) {
		return
	}

	settings, err := m.settings.GetSettings(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Weekly license summary failed to load settings")
		return
	}
	today := clock.DateBucket(m.clock, now)
	if settings.LicenseWeeklySummaryLastSentOn == today {
		return
	}

	items, err := m.licenses.ListLicenses(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Weekly license summary failed to list assets")
		return
	}

	message := renderWeeklySummary(items, now)
	if message == "" {
		return
	}

	m.dispatcher.Dispatch(ctx, model.Notification{
		Kind:      model.NotifyDigest,
		Severity:  model.SeverityInfo,
		Title:     "Weekly License Renewal Summary",
		Message:   message,
		Timestamp: now,
		SlackOnly: true,
	})

	settings.LicenseWeeklySummaryLastSentOn = today
	if err := m.settings.SaveSettings(ctx, settings); err != nil {
		logger.Error().Err(err).Msg("Weekly license summary bucket persist failed")
	}
}

func renderWeeklySummary(items []*model.LicenseAsset, now time.Time) string {
	type entry struct {
		name string
		days int
	}
	var entries []entry
	expired := 0
	for _, l := range items {
		if !l.Enabled {
			continue
		}
		days := daysUntil(l.RenewalDate, now)
		if days < 0 {
			expired++
		}
		entries = append(entries, entry{name: l.Name, days: days})
	}
	if len(entries) == 0 {
		return ""
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].days < entries[j].days })

	var b strings.Builder
	fmt.Fprintf(&b, "Licenses tracked: %d (expired: %d)", len(entries), expired)
	b.WriteString("\nUpcoming renewals:")
	for i, e := range entries {
		if i == 10 {
			break
		}
		if e.days < 0 {
			fmt.Fprintf(&b, "\n- %s: expired %d days ago", e.name, -e.days)
		} else {
			fmt.Fprintf(&b, "\n- %s: %d days", e.name, e.days)
		}
	}
	return b.String()
}
