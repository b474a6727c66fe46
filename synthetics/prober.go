// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package synthetics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/soothill/fleetwatch/alerting"
	"github.com/soothill/fleetwatch/model"
	"github.com/soothill/fleetwatch/pkg/clock"
	"github.com/soothill/fleetwatch/pkg/interfaces"
	"github.com/soothill/fleetwatch/pkg/logger"
	"github.com/soothill/fleetwatch/pkg/metrics"
)

// ProbeInterval is how often the scheduler looks for due checks.
const ProbeInterval = 15 * time.Second

// Failure categories attached to synthetic alerts as specific_service.
const (
	CategoryResponse        = "response"
	CategoryLatency         = "latency"
	CategorySSLConnectivity = "ssl_connectivity"
)

// failure is a classified probe failure.
type failure struct {
	category string
	severity model.Severity
	message  string
}

// Prober schedules synthetic checks and feeds their outcomes into the
// alert lifecycle. SSL expiry proximity runs on its own bucket cadence
// rather than the engine's reminder clock, so the prober talks to the
// incident sink and dispatcher directly for it.
type Prober struct {
	synthetics interfaces.SyntheticStore
	settings   interfaces.SettingsStore
	engine     *alerting.Engine
	dispatcher interfaces.Dispatcher
	incidents  interfaces.IncidentSink
	clock      clock.Clock

	runHTTP func(ctx context.Context, c *model.SyntheticCheck) httpOutcome
	runSSL  func(ctx context.Context, c *model.SyntheticCheck) sslOutcome
}

// NewProber builds a prober using the real probe runners.
func NewProber(
	synthetics interfaces.SyntheticStore,
	settings interfaces.SettingsStore,
	engine *alerting.Engine,
	dispatcher interfaces.Dispatcher,
	incidents interfaces.IncidentSink,
	clk clock.Clock,
) *Prober {
	return &Prober{
		synthetics: synthetics,
		settings:   settings,
		engine:     engine,
		dispatcher: dispatcher,
		incidents:  incidents,
		clock:      clk,
		runHTTP:    runHTTPProbe,
		runSSL:     runSSLProbe,
	}
}

// RunDue probes every enabled check whose interval has elapsed. Probes
// run in parallel; each honors its own timeout.
func (p *Prober) RunDue(ctx context.Context) {
	checks, err := p.synthetics.ListSynthetics(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Synthetic scheduler failed to list checks")
		return
	}

	now := p.clock.Now()
	var wg sync.WaitGroup
	for _, c := range checks {
		if !c.Due(now) {
			continue
		}
		wg.Add(1)
		go func(c *model.SyntheticCheck) {
			defer wg.Done()
			p.probe(ctx, c)
		}(c)
	}
	wg.Wait()
}

// probe runs one check end to end: execute, classify, sync the alert
// lifecycle, advance the SSL expiry state machine, and persist the
// runtime fields.
func (p *Prober) probe(ctx context.Context, c *model.SyntheticCheck) {
	start := time.Now()
	defer func() {
		metrics.ProbeDuration.Observe(time.Since(start).Seconds())
	}()

	now := p.clock.Now()

	var hout *httpOutcome
	if c.Type == model.SyntheticHTTP {
		out := p.runHTTP(ctx, c)
		hout = &out
	}
	var sout *sslOutcome
	if c.Type == model.SyntheticSSL || c.SSLEnabled {
		out := p.runSSL(ctx, c)
		sout = &out
	}

	httpFail := classifyHTTP(c, hout)
	p.syncHTTPAlerts(ctx, c, hout, httpFail)

	var sslConnFail *failure
	if sout != nil {
		if sout.err != nil {
			sslConnFail = &failure{
				category: CategorySSLConnectivity,
				severity: model.SeverityCritical,
				message:  fmt.Sprintf("TLS handshake failed: %v", sout.err),
			}
			p.engine.Trigger(ctx, alerting.TriggerParams{
				DeviceID: c.ID,
				Type:     model.AlertServiceDown,
				Service:  CategorySSLConnectivity,
				Severity: model.SeverityCritical,
				Message:  fmt.Sprintf("%s: %s", c.Name, sslConnFail.message),
				Details:  map[string]any{"device_name": c.Name, "url": c.URL},
				Target:   model.TargetSynthetic,
			})
		} else {
			p.engine.Resolve(ctx, alerting.ResolveParams{
				DeviceID: c.ID,
				Type:     model.AlertServiceDown,
				Service:  CategorySSLConnectivity,
				Reason:   "TLS handshake succeeding again",
				Target:   model.TargetSynthetic,
			})
		}
	}

	var sslMessage string
	if sout != nil && sout.err == nil {
		sslMessage = p.sslExpiry(ctx, c, sout.notAfter, now)
	}

	status, message := effectiveResult(c, hout, httpFail, sslConnFail, sslMessage)

	c.LastRun = now
	c.LastStatus = status
	c.LastMessage = message
	if err := p.synthetics.SaveSynthetic(ctx, c); err != nil {
		logger.Error().Err(err).Str("check_id", c.ID).Msg("Synthetic state persist failed")
	}
	metrics.ProbesTotal.WithLabelValues(status).Inc()
}

// classifyHTTP walks the failure ladder: transport error, unexpected
// status, matcher miss, then latency.
func classifyHTTP(c *model.SyntheticCheck, out *httpOutcome) *failure {
	if out == nil {
		return nil
	}
	if out.err != nil {
		return &failure{
			category: CategoryResponse,
			severity: model.SeverityCritical,
			message:  fmt.Sprintf("request failed: %v", out.err),
		}
	}
	if !c.ExpectsStatus(out.statusCode) {
		return &failure{
			category: CategoryResponse,
			severity: model.SeverityCritical,
			message:  fmt.Sprintf("unexpected status %d", out.statusCode),
		}
	}
	if c.ResponseMatch != nil {
		ok, err := matchBody(c.ResponseMatch, out.body)
		if err != nil {
			return &failure{
				category: CategoryResponse,
				severity: model.SeverityCritical,
				message:  fmt.Sprintf("response matcher invalid: %v", err),
			}
		}
		if !ok {
			return &failure{
				category: CategoryResponse,
				severity: model.SeverityCritical,
				message:  fmt.Sprintf("response body did not match (%s)", c.ResponseMatch.Type),
			}
		}
	}
	if c.MaxResponseTimeMS > 0 && out.responseTimeMS > c.MaxResponseTimeMS {
		return &failure{
			category: CategoryLatency,
			severity: model.SeverityWarning,
			message:  fmt.Sprintf("response took %dms (max %dms)", out.responseTimeMS, c.MaxResponseTimeMS),
		}
	}
	return nil
}

// syncHTTPAlerts triggers the failing category and resolves the
// passing ones, so a latency regression and a later outage never hold
// two open alerts for the same probe.
func (p *Prober) syncHTTPAlerts(ctx context.Context, c *model.SyntheticCheck, out *httpOutcome, fail *failure) {
	if out == nil {
		return
	}

	if fail != nil {
		details := map[string]any{
			"device_name":      c.Name,
			"url":              c.URL,
			"response_time_ms": out.responseTimeMS,
		}
		if out.statusCode > 0 {
			details["status_code"] = out.statusCode
		}
		p.engine.Trigger(ctx, alerting.TriggerParams{
			DeviceID: c.ID,
			Type:     model.AlertServiceDown,
			Service:  fail.category,
			Severity: fail.severity,
			Message:  fmt.Sprintf("%s: %s", c.Name, fail.message),
			Details:  details,
			Target:   model.TargetSynthetic,
		})
	}

	for _, category := range []string{CategoryResponse, CategoryLatency} {
		if fail != nil && fail.category == category {
			continue
		}
		p.engine.Resolve(ctx, alerting.ResolveParams{
			DeviceID: c.ID,
			Type:     model.AlertServiceDown,
			Service:  category,
			Reason:   "Probe passing again",
			Target:   model.TargetSynthetic,
		})
	}
}

// effectiveResult picks the status and message recorded on the check,
// per the dual-runner precedence: an ssl check reports its SSL result,
// an http check reports the http failure first, then any SSL failure,
// then the healthy http result.
func effectiveResult(c *model.SyntheticCheck, hout *httpOutcome, httpFail, sslConnFail *failure, sslMessage string) (string, string) {
	sslBad := sslConnFail != nil || (sslMessage != "" && c.SSLLastState != model.SSLOK)

	if c.Type == model.SyntheticSSL {
		if sslConnFail != nil {
			return "fail", sslConnFail.message
		}
		if sslBad {
			return "fail", sslMessage
		}
		return "pass", sslMessage
	}

	if httpFail != nil {
		return "fail", httpFail.message
	}
	if sslConnFail != nil {
		return "fail", sslConnFail.message
	}
	if sslBad {
		return "fail", sslMessage
	}
	if hout != nil {
		return "pass", fmt.Sprintf("%d in %dms", hout.statusCode, hout.responseTimeMS)
	}
	return "pass", "OK"
}

// sslExpiry advances the certificate expiry state machine: renewal
// detection, proximity classification, the bucket-gated reminder
// cadence, and incident mirroring. Returns the human-readable expiry
// summary for the runtime fields.
func (p *Prober) sslExpiry(ctx context.Context, c *model.SyntheticCheck, notAfter time.Time, now time.Time) string {
	// Renewal: the certificate was replaced with a later expiry.
	if c.SSLExpiryAt != nil && notAfter.After(c.SSLExpiryAt.Add(time.Hour)) {
		already := c.SSLRenewalNotifiedExpiry != nil && c.SSLRenewalNotifiedExpiry.Equal(notAfter)
		if !already {
			p.dispatcher.Dispatch(ctx, model.Notification{
				Kind:      model.NotifyRecovery,
				Severity:  model.SeverityInfo,
				AlertType: model.AlertServiceDown,
				DeviceID:  c.ID,
				Title:     fmt.Sprintf("SSL Certificate Renewed: %s", c.Name),
				Message: fmt.Sprintf("Certificate for %s now expires %s",
					c.URL, notAfter.In(p.clock.Location()).Format("2006-01-02")),
				Timestamp: now,
			})
			renewed := notAfter
			c.SSLRenewalNotifiedExpiry = &renewed
		}
	}

	days := int(math.Floor(notAfter.Sub(now).Seconds() / 86400))
	state := sslStateFor(days, c.ExpiryHorizonDays())
	summary := fmt.Sprintf("ssl_expiry: %s", c.URL)

	expiry := notAfter
	c.SSLExpiryAt = &expiry

	if state == model.SSLOK {
		if c.SSLLastState != "" && c.SSLLastState != model.SSLOK {
			if err := p.incidents.Resolve(ctx, model.TargetSynthetic, c.ID, summary, "Certificate expiry back above the warning horizon"); err != nil {
				logger.Error().Err(err).Str("check_id", c.ID).Msg("SSL incident resolve failed")
			}
			p.dispatcher.Dispatch(ctx, model.Notification{
				Kind:      model.NotifyRecovery,
				Severity:  model.SeverityInfo,
				AlertType: model.AlertServiceDown,
				DeviceID:  c.ID,
				Title:     fmt.Sprintf("SSL Certificate OK: %s", c.Name),
				Message:   fmt.Sprintf("Certificate for %s expires in %d days", c.URL, days),
				Timestamp: now,
			})
		}
		c.SSLLastState = model.SSLOK
		c.SSLLastReminderBucket = ""
		return fmt.Sprintf("certificate expires in %d days", days)
	}

	severity := model.SeverityWarning
	if state == model.SSLCritical || state == model.SSLExpired {
		severity = model.SeverityCritical
	}
	message := sslExpiryMessage(c.URL, days, notAfter, p.clock)

	if err := p.incidents.EnsureOpen(ctx, model.TargetSynthetic, c.ID, summary, severity, message); err != nil {
		logger.Error().Err(err).Str("check_id", c.ID).Msg("SSL incident update failed")
	}

	// Reminder cadence: hourly buckets inside the last day, daily
	// buckets otherwise.
	bucket := clock.DateBucket(p.clock, now)
	if days <= 1 {
		bucket = clock.HourBucket(p.clock, now)
	}
	if bucket != c.SSLLastReminderBucket {
		title := fmt.Sprintf("SSL Certificate Expiring: %s", c.Name)
		if state == model.SSLExpired {
			title = fmt.Sprintf("SSL Certificate Expired: %s", c.Name)
		}
		p.dispatcher.Dispatch(ctx, model.Notification{
			Kind:      model.NotifyReminder,
			Severity:  severity,
			AlertType: model.AlertServiceDown,
			DeviceID:  c.ID,
			Title:     title,
			Message:   message,
			Timestamp: now,
		})
		c.SSLLastReminderBucket = bucket
	}
	c.SSLLastState = state
	return message
}

func sslStateFor(days, horizon int) model.SSLState {
	switch {
	case days < 0:
		return model.SSLExpired
	case days <= 1:
		return model.SSLCritical
	case days <= horizon:
		return model.SSLWarning
	}
	return model.SSLOK
}

func sslExpiryMessage(url string, days int, notAfter time.Time, clk clock.Clock) string {
	date := notAfter.In(clk.Location()).Format("2006-01-02")
	if days < 0 {
		return fmt.Sprintf("certificate for %s expired on %s", url, date)
	}
	return fmt.Sprintf("certificate for %s expires in %d days (%s)", url, days, date)
}

// WeeklySummary renders the Friday certificate digest once per date.
func (p *Prober) WeeklySummary(ctx context.Context) {
	now := p.clock.Now()
	if !clock.IsFriday(p.clock, now) {
		return
	}

	settings, err := p.settings.GetSettings(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Weekly SSL summary failed to load settings")
		return
	}
	today := clock.DateBucket(p.clock, now)
	if settings.SSLWeeklySummaryLastSentOn == today {
		return
	}

	checks, err := p.synthetics.ListSynthetics(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Weekly SSL summary failed to list checks")
		return
	}

	message := renderWeeklySummary(checks, now)
	if message == "" {
		return
	}

	p.dispatcher.Dispatch(ctx, model.Notification{
		Kind:      model.NotifyDigest,
		Severity:  model.SeverityInfo,
		Title:     "Weekly SSL Certificate Summary",
		Message:   message,
		Timestamp: now,
		SlackOnly: true,
	})

	settings.SSLWeeklySummaryLastSentOn = today
	if err := p.settings.SaveSettings(ctx, settings); err != nil {
		logger.Error().Err(err).Msg("Weekly SSL summary bucket persist failed")
	}
}

// renderWeeklySummary groups ssl-enabled checks by expiry proximity and
// lists the ten soonest renewals.
func renderWeeklySummary(checks []*model.SyntheticCheck, now time.Time) string {
	type entry struct {
		name string
		days int
	}
	var expired, critical, warning, healthy, unknown []entry

	for _, c := range checks {
		if c.Type != model.SyntheticSSL && !c.SSLEnabled {
			continue
		}
		if c.SSLExpiryAt == nil {
			unknown = append(unknown, entry{name: c.Name})
			continue
		}
		days := int(math.Floor(c.SSLExpiryAt.Sub(now).Seconds() / 86400))
		e := entry{name: c.Name, days: days}
		switch {
		case days < 0:
			expired = append(expired, e)
		case days <= 1:
			critical = append(critical, e)
		case days <= model.DefaultSSLExpiryDays:
			warning = append(warning, e)
		default:
			healthy = append(healthy, e)
		}
	}

	total := len(expired) + len(critical) + len(warning) + len(healthy) + len(unknown)
	if total == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Certificates tracked: %d\n", total)
	fmt.Fprintf(&b, "Expired: %d | Expiring within 1 day: %d | Expiring within 7 days: %d | Healthy: %d | Unknown: %d",
		len(expired), len(critical), len(warning), len(healthy), len(unknown))

	known := append(append(append(append([]entry(nil), expired...), critical...), warning...), healthy...)
	sort.Slice(known, func(i, j int) bool { return known[i].days < known[j].days })
	if len(known) > 10 {
		known = known[:10]
	}
	if len(known) > 0 {
		b.WriteString("\nUpcoming renewals:")
		for _, e := range known {
			if e.days < 0 {
				fmt.Fprintf(&b, "\n- %s: expired %d days ago", e.name, -e.days)
			} else {
				fmt.Fprintf(&b, "\n- %s: %d days", e.name, e.days)
			}
		}
	}
	return b.String()
}
