// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package alerting

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/soothill/fleetwatch/incidents"
	"github.com/soothill/fleetwatch/model"
	"github.com/soothill/fleetwatch/pkg/clock"
	"github.com/soothill/fleetwatch/storage"
)

// recordingDispatcher captures every notification the engine emits.
type recordingDispatcher struct {
	mu   sync.Mutex
	sent []model.Notification
}

func (r *recordingDispatcher) Dispatch(_ context.Context, n model.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
}

func (r *recordingDispatcher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func (r *recordingDispatcher) last() model.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sent) == 0 {
		return model.Notification{}
	}
	return r.sent[len(r.sent)-1]
}

type fixture struct {
	engine     *Engine
	store      *storage.MemoryStore
	clk        *clock.Mock
	dispatcher *recordingDispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	clk := clock.NewMock(time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC))
	disp := &recordingDispatcher{}
	sink := incidents.NewAggregator(store, clk)
	engine := NewEngine(store, store, store, store, store, disp, sink, clk)
	return &fixture{engine: engine, store: store, clk: clk, dispatcher: disp}
}

func (f *fixture) addDevice(t *testing.T, id, name string) *model.Device {
	t.Helper()
	d := &model.Device{
		ID:                id,
		Name:              name,
		Type:              model.DeviceServer,
		EnabledModules:    []model.Module{model.ModuleSystem, model.ModuleDocker},
		MonitoringEnabled: true,
		Status:            model.StatusOnline,
	}
	if err := f.store.SaveDevice(context.Background(), d); err != nil {
		t.Fatalf("SaveDevice() error = %v", err)
	}
	return d
}

func (f *fixture) addCPUCheck(t *testing.T) *model.MonitoringCheck {
	t.Helper()
	check := &model.MonitoringCheck{
		DeviceID: "dev-1", Type: model.CheckCPU,
		WarningThreshold: 80, CriticalThreshold: 95, Enabled: true,
	}
	if err := f.store.SaveCheck(context.Background(), check); err != nil {
		t.Fatalf("SaveCheck() error = %v", err)
	}
	return check
}

func cpuTrigger(severity model.Severity, msg string) TriggerParams {
	return TriggerParams{
		DeviceID: "dev-1",
		Type:     model.AlertRuleViolation,
		Service:  "cpu",
		Severity: severity,
		Message:  msg,
	}
}

func TestTrigger_DedupUnderBurst(t *testing.T) {
	f := newFixture(t)
	f.addDevice(t, "dev-1", "kitchen-pi")
	f.addCPUCheck(t)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		f.engine.Trigger(ctx, cpuTrigger(model.SeverityCritical, "CPU usage 96.0%"))
	}

	open, err := f.store.ListUnresolvedAlerts(ctx)
	if err != nil {
		t.Fatalf("ListUnresolvedAlerts() error = %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("expected 1 open alert after burst, got %d", len(open))
	}
	if open[0].NotificationCount != 1 {
		t.Errorf("notification_count = %d, want 1", open[0].NotificationCount)
	}
	if f.dispatcher.count() != 1 {
		t.Errorf("notifications sent = %d, want 1", f.dispatcher.count())
	}

	// No reminder inside the repeat interval.
	f.clk.Advance(4 * time.Minute)
	f.engine.ProcessThrottled(ctx)
	if f.dispatcher.count() != 1 {
		t.Errorf("reminder fired early: %d notifications", f.dispatcher.count())
	}

	// One reminder once the interval has elapsed (critical rule: 5m).
	f.clk.Advance(1*time.Minute + time.Second)
	f.engine.ProcessThrottled(ctx)
	if f.dispatcher.count() != 2 {
		t.Errorf("notifications after repeat interval = %d, want 2", f.dispatcher.count())
	}
	if f.dispatcher.last().Kind != model.NotifyReminder {
		t.Errorf("last notification kind = %s, want reminder", f.dispatcher.last().Kind)
	}
}

func TestTrigger_EscalationSendsImmediately(t *testing.T) {
	f := newFixture(t)
	f.addDevice(t, "dev-1", "kitchen-pi")
	ctx := context.Background()

	f.engine.Trigger(ctx, cpuTrigger(model.SeverityWarning, "CPU usage 82.0%"))
	f.clk.Advance(30 * time.Second)
	a := f.engine.Trigger(ctx, cpuTrigger(model.SeverityCritical, "CPU usage 96.0%"))

	if a.Severity != model.SeverityCritical {
		t.Errorf("severity = %s, want critical", a.Severity)
	}
	if a.NotificationCount != 2 {
		t.Errorf("notification_count = %d, want 2", a.NotificationCount)
	}
	if f.dispatcher.count() != 2 {
		t.Fatalf("notifications = %d, want 2 (initial + escalation)", f.dispatcher.count())
	}
	if f.dispatcher.last().Kind != model.NotifyEscalation {
		t.Errorf("escalation kind = %s", f.dispatcher.last().Kind)
	}

	// A later lower-severity trigger must not downgrade or notify.
	f.engine.Trigger(ctx, cpuTrigger(model.SeverityWarning, "CPU usage 85.0%"))
	open, _ := f.store.ListUnresolvedAlerts(ctx)
	if open[0].Severity != model.SeverityCritical {
		t.Errorf("severity downgraded to %s", open[0].Severity)
	}
	if f.dispatcher.count() != 2 {
		t.Errorf("lower severity trigger sent a notification")
	}

	// Recovery completes the scenario with the third notification.
	f.clk.Advance(30 * time.Second)
	f.engine.Resolve(ctx, ResolveParams{
		DeviceID: "dev-1", Type: model.AlertRuleViolation, Service: "cpu",
		Reason: "CPU usage back to normal",
	})
	if f.dispatcher.count() != 3 {
		t.Errorf("total notifications = %d, want 3", f.dispatcher.count())
	}
	if f.dispatcher.last().Kind != model.NotifyRecovery {
		t.Errorf("final kind = %s, want recovery", f.dispatcher.last().Kind)
	}
}

func TestTrigger_RoundTripOpensFreshRecord(t *testing.T) {
	f := newFixture(t)
	f.addDevice(t, "dev-1", "kitchen-pi")
	ctx := context.Background()

	first := f.engine.Trigger(ctx, cpuTrigger(model.SeverityWarning, "high"))
	f.engine.Resolve(ctx, ResolveParams{
		DeviceID: "dev-1", Type: model.AlertRuleViolation, Service: "cpu", Reason: "ok",
	})
	second := f.engine.Trigger(ctx, cpuTrigger(model.SeverityWarning, "high again"))

	if second.ID == first.ID {
		t.Error("second trigger reused the resolved record")
	}
	if second.NotificationCount != 1 {
		t.Errorf("fresh record notification_count = %d, want 1", second.NotificationCount)
	}
	if second.State != model.AlertStateThrottling {
		t.Errorf("fresh record state = %s, want throttling", second.State)
	}
}

func TestProcessThrottled_DecaysToHourly(t *testing.T) {
	f := newFixture(t)
	f.addDevice(t, "dev-1", "kitchen-pi")
	f.addCPUCheck(t)
	ctx := context.Background()

	// Warning cadence: repeat 15m, duration 60m.
	f.engine.Trigger(ctx, cpuTrigger(model.SeverityWarning, "high"))

	f.clk.Advance(61 * time.Minute)
	f.engine.ProcessThrottled(ctx)

	open, _ := f.store.ListUnresolvedAlerts(ctx)
	if open[0].State != model.AlertStateHourlyOnly {
		t.Fatalf("state after duration = %s, want hourly_only", open[0].State)
	}
	// The decay transition itself must not send.
	if f.dispatcher.count() != 1 {
		t.Errorf("notifications = %d, want 1", f.dispatcher.count())
	}

	// Hourly reminder fires once 60m have passed since last_notified.
	f.engine.ProcessThrottled(ctx)
	if f.dispatcher.count() != 2 {
		t.Errorf("hourly reminder missing: %d notifications", f.dispatcher.count())
	}
	open, _ = f.store.ListUnresolvedAlerts(ctx)
	if open[0].State != model.AlertStateHourlyOnly {
		t.Errorf("state after hourly reminder = %s", open[0].State)
	}
}

func TestProcessThrottled_CriticalNeverDecays(t *testing.T) {
	f := newFixture(t)
	f.addDevice(t, "dev-1", "kitchen-pi")
	f.addCPUCheck(t)
	ctx := context.Background()

	f.engine.Trigger(ctx, cpuTrigger(model.SeverityCritical, "critical"))

	// Well past any 60m window; duration 0 keeps the 5m cadence.
	for i := 0; i < 24; i++ {
		f.clk.Advance(5*time.Minute + time.Second)
		f.engine.ProcessThrottled(ctx)
	}

	open, _ := f.store.ListUnresolvedAlerts(ctx)
	if open[0].State != model.AlertStateThrottling {
		t.Errorf("critical alert state = %s, want throttling", open[0].State)
	}
	if f.dispatcher.count() != 25 {
		t.Errorf("notifications = %d, want 25 (initial + 24 reminders)", f.dispatcher.count())
	}
}

func TestProcessThrottled_PauseSilences(t *testing.T) {
	f := newFixture(t)
	d := f.addDevice(t, "dev-1", "kitchen-pi")
	ctx := context.Background()

	f.engine.Trigger(ctx, cpuTrigger(model.SeverityWarning, "high"))
	sentBefore := f.dispatcher.count()

	d.MonitoringPaused = true
	_ = f.store.SaveDevice(ctx, d)

	f.engine.ProcessThrottled(ctx)

	open, _ := f.store.ListUnresolvedAlerts(ctx)
	if len(open) != 0 {
		t.Fatalf("expected alert resolved after pause, %d still open", len(open))
	}
	if f.dispatcher.count() != sentBefore {
		t.Errorf("silent resolve sent a notification")
	}

	byDevice, _ := f.store.ListUnresolvedAlertsByDevice(ctx, "dev-1")
	if len(byDevice) != 0 {
		t.Errorf("device still has %d open alerts", len(byDevice))
	}
}

func TestProcessThrottled_UnmonitoredRuleResolvesSilently(t *testing.T) {
	f := newFixture(t)
	f.addDevice(t, "dev-1", "kitchen-pi")
	ctx := context.Background()

	check := &model.MonitoringCheck{
		DeviceID: "dev-1", Type: model.CheckCPU,
		WarningThreshold: 80, CriticalThreshold: 95, Enabled: true,
	}
	if err := f.store.SaveCheck(ctx, check); err != nil {
		t.Fatalf("SaveCheck() error = %v", err)
	}

	f.engine.Trigger(ctx, cpuTrigger(model.SeverityWarning, "high"))
	sentBefore := f.dispatcher.count()

	// Rule still enabled: the alert survives the tick.
	f.engine.ProcessThrottled(ctx)
	open, _ := f.store.ListUnresolvedAlerts(ctx)
	if len(open) != 1 {
		t.Fatalf("alert resolved while rule still enabled")
	}

	check.Enabled = false
	_ = f.store.SaveCheck(ctx, check)
	f.engine.ProcessThrottled(ctx)

	open, _ = f.store.ListUnresolvedAlerts(ctx)
	if len(open) != 0 {
		t.Fatalf("expected silent resolve after rule disabled, %d open", len(open))
	}
	if f.dispatcher.count() != sentBefore {
		t.Errorf("silent resolve sent a notification")
	}
}

func TestResolveOfflineRecoveryBundle(t *testing.T) {
	f := newFixture(t)
	d := f.addDevice(t, "dev-1", "kitchen-pi")
	ctx := context.Background()

	f.engine.Trigger(ctx, TriggerParams{
		DeviceID: "dev-1", Type: model.AlertOffline,
		Severity: model.SeverityCritical, Message: "No data for 90s",
	})
	f.engine.Trigger(ctx, TriggerParams{
		DeviceID: "dev-1", Type: model.AlertServiceDown, Service: "nginx",
		Severity: model.SeverityWarning, Message: "nginx stale",
	})
	sentBefore := f.dispatcher.count()

	f.clk.Advance(90 * time.Second)
	f.engine.ResolveOfflineRecoveryBundle(ctx, d)

	open, _ := f.store.ListUnresolvedAlertsByDevice(ctx, "dev-1")
	if len(open) != 0 {
		t.Fatalf("expected all alerts bundled and resolved, %d open", len(open))
	}
	if f.dispatcher.count() != sentBefore+1 {
		t.Fatalf("expected exactly one bundle notification, got %d new", f.dispatcher.count()-sentBefore)
	}

	n := f.dispatcher.last()
	if n.Title != "Device Recovery: kitchen-pi" {
		t.Errorf("bundle title = %q", n.Title)
	}
	if !strings.Contains(n.Message, "Offline Duration: 1m 30s") {
		t.Errorf("bundle message = %q", n.Message)
	}
	if !strings.Contains(n.Message, "nginx") {
		t.Errorf("bundle message missing restored service: %q", n.Message)
	}
}

func TestReconcile_ResolvesStaleOffline(t *testing.T) {
	f := newFixture(t)
	f.addDevice(t, "dev-1", "kitchen-pi")
	ctx := context.Background()

	f.engine.Trigger(ctx, TriggerParams{
		DeviceID: "dev-1", Type: model.AlertOffline,
		Severity: model.SeverityCritical, Message: "No data",
	})
	sentBefore := f.dispatcher.count()

	// Device is online; a stale offline alert survived a crash.
	f.engine.Reconcile(ctx)

	open, _ := f.store.ListUnresolvedAlerts(ctx)
	if len(open) != 0 {
		t.Fatalf("stale offline alert not reconciled")
	}
	if f.dispatcher.count() != sentBefore {
		t.Errorf("reconciliation sent a notification")
	}
}

func TestReconcile_RewritesLegacyObjectID(t *testing.T) {
	f := newFixture(t)
	f.addDevice(t, "dev-1", "kitchen-pi")
	ctx := context.Background()

	legacy := &model.AlertTracking{
		DeviceID: "64f1c2d3e4a5b6c7d8e9f0a1",
		Type:     model.AlertRuleViolation,
		Severity: model.SeverityWarning,
		State:    model.AlertStateThrottling,
		Message:  "high",
		Details:  map[string]any{"device_name": "kitchen-pi"},
		FirstTriggered: f.clk.Now(), LastNotified: f.clk.Now(),
		NotificationCount: 1,
	}
	legacy.Throttling = model.ThrottlingConfig{RepeatIntervalMinutes: 15, ThrottlingDurationMinutes: 60}
	if err := f.store.InsertActiveAlert(ctx, legacy); err != nil {
		t.Fatalf("InsertActiveAlert() error = %v", err)
	}

	f.engine.Reconcile(ctx)

	open, _ := f.store.ListUnresolvedAlertsByDevice(ctx, "dev-1")
	if len(open) != 1 {
		t.Fatalf("legacy row not rewritten to canonical device_id")
	}
}

func TestResolvePolicy(t *testing.T) {
	settings := model.DefaultSettings()
	tests := []struct {
		name         string
		alertType    model.AlertType
		severity     model.Severity
		overrides    *model.ThrottlingConfig
		wantRepeat   int
		wantDuration int
	}{
		{"service_down any", model.AlertServiceDown, model.SeverityWarning, nil, 15, 60},
		{"offline any", model.AlertOffline, model.SeverityCritical, nil, 15, 60},
		{"rule_violation critical", model.AlertRuleViolation, model.SeverityCritical, nil, 5, 0},
		{"rule_violation warning", model.AlertRuleViolation, model.SeverityWarning, nil, 15, 60},
		{"high_latency critical", model.AlertHighLatency, model.SeverityCritical, nil, 5, 0},
		{"high_latency warning", model.AlertHighLatency, model.SeverityWarning, nil, 15, 60},
		{"other falls back to settings", model.AlertIPChange, model.SeverityInfo, nil, 5, 60},
		{"caller override wins", model.AlertOffline, model.SeverityCritical,
			&model.ThrottlingConfig{RepeatIntervalMinutes: 30, ThrottlingDurationMinutes: 120}, 30, 120},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := resolvePolicy(tt.alertType, tt.severity, tt.overrides, settings)
			if got.RepeatIntervalMinutes != tt.wantRepeat || got.ThrottlingDurationMinutes != tt.wantDuration {
				t.Errorf("resolvePolicy() = %d/%d, want %d/%d",
					got.RepeatIntervalMinutes, got.ThrottlingDurationMinutes, tt.wantRepeat, tt.wantDuration)
			}
		})
	}
}

func TestInvariants_MonotonicAndResolved(t *testing.T) {
	f := newFixture(t)
	f.addDevice(t, "dev-1", "kitchen-pi")
	f.addCPUCheck(t)
	ctx := context.Background()

	a := f.engine.Trigger(ctx, cpuTrigger(model.SeverityWarning, "high"))
	if a.NotificationCount < 1 {
		t.Errorf("notification_count = %d, want >= 1", a.NotificationCount)
	}
	if a.LastNotified.Before(a.FirstTriggered) {
		t.Error("last_notified before first_triggered")
	}

	f.clk.Advance(16 * time.Minute)
	f.engine.ProcessThrottled(ctx)

	open, _ := f.store.ListUnresolvedAlerts(ctx)
	if open[0].NotificationCount != 2 {
		t.Errorf("notification_count after reminder = %d", open[0].NotificationCount)
	}

	resolved := f.engine.Resolve(ctx, ResolveParams{
		DeviceID: "dev-1", Type: model.AlertRuleViolation, Service: "cpu", Reason: "ok",
	})
	if resolved.ResolvedAt == nil || resolved.ResolvedAt.Before(resolved.FirstTriggered) {
		t.Error("resolved_at missing or before first_triggered")
	}
	if resolved.DurationMinutes != 16 {
		t.Errorf("duration_minutes = %d, want 16", resolved.DurationMinutes)
	}

	// A resolved record never gets reminders.
	countBefore := f.dispatcher.count()
	f.clk.Advance(2 * time.Hour)
	f.engine.ProcessThrottled(ctx)
	if f.dispatcher.count() != countBefore {
		t.Error("reminder fired for resolved record")
	}
}
