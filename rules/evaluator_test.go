// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package rules

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/soothill/fleetwatch/alerting"
	"github.com/soothill/fleetwatch/incidents"
	"github.com/soothill/fleetwatch/model"
	"github.com/soothill/fleetwatch/pkg/clock"
	"github.com/soothill/fleetwatch/storage"
)

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

type fixture struct {
	eval       *Evaluator
	store      *storage.MemoryStore
	clk        *clock.Mock
	dispatcher *recordingDispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	clk := clock.NewMock(time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC))
	disp := &recordingDispatcher{}
	engine := alerting.NewEngine(store, store, store, store, store, disp, incidents.NewAggregator(store, clk), clk)
	return &fixture{
		eval:       NewEvaluator(store, engine, clk),
		store:      store,
		clk:        clk,
		dispatcher: disp,
	}
}

func (f *fixture) addDevice(t *testing.T, modules ...model.Module) *model.Device {
	t.Helper()
	if len(modules) == 0 {
		modules = []model.Module{model.ModuleSystem, model.ModuleNetwork, model.ModuleDocker, model.ModuleAsterisk}
	}
	d := &model.Device{
		ID:                "dev-1",
		Name:              "pbx-1",
		Type:              model.DeviceServer,
		EnabledModules:    modules,
		MonitoringEnabled: true,
		Status:            model.StatusOnline,
	}
	if err := f.store.SaveDevice(context.Background(), d); err != nil {
		t.Fatalf("SaveDevice() error = %v", err)
	}
	return d
}

func (f *fixture) addCheck(t *testing.T, ct model.CheckType, target string, warn, crit float64) *model.MonitoringCheck {
	t.Helper()
	c := &model.MonitoringCheck{
		DeviceID:          "dev-1",
		Type:              ct,
		Target:            target,
		WarningThreshold:  warn,
		CriticalThreshold: crit,
		Enabled:           true,
	}
	if err := f.store.SaveCheck(context.Background(), c); err != nil {
		t.Fatalf("SaveCheck() error = %v", err)
	}
	return c
}

func fp(v float64) *float64 { return &v }

func telemetryWithCPU(cpu float64) *model.Telemetry {
	return &model.Telemetry{
		DeviceID:  "dev-1",
		Timestamp: time.Now(),
		Extra:     model.ModuleExtras{System: &model.SystemMetrics{CPUUsage: fp(cpu)}},
	}
}

func TestEvaluate_ThresholdLifecycle(t *testing.T) {
	f := newFixture(t)
	d := f.addDevice(t)
	f.addCheck(t, model.CheckCPU, "", 80, 95)
	ctx := context.Background()

	// cpu=82: warning opens.
	f.eval.Evaluate(ctx, d, telemetryWithCPU(82))
	open, _ := f.store.ListUnresolvedAlertsByDevice(ctx, "dev-1")
	if len(open) != 1 || open[0].Severity != model.SeverityWarning {
		t.Fatalf("expected warning rule_violation, got %+v", open)
	}
	if open[0].SpecificService != "cpu" {
		t.Errorf("specific_service = %q, want cpu", open[0].SpecificService)
	}

	// cpu=96: the same row escalates and notifies immediately.
	f.eval.Evaluate(ctx, d, telemetryWithCPU(96))
	open, _ = f.store.ListUnresolvedAlertsByDevice(ctx, "dev-1")
	if len(open) != 1 || open[0].Severity != model.SeverityCritical {
		t.Fatalf("expected escalation to critical, got %+v", open)
	}
	if f.dispatcher.count() != 2 {
		t.Errorf("notifications = %d, want 2 (warning + escalation)", f.dispatcher.count())
	}

	// cpu=40: resolves with the third notification.
	f.eval.Evaluate(ctx, d, telemetryWithCPU(40))
	open, _ = f.store.ListUnresolvedAlertsByDevice(ctx, "dev-1")
	if len(open) != 0 {
		t.Fatalf("alert not resolved on recovery")
	}
	if f.dispatcher.count() != 3 {
		t.Errorf("notifications = %d, want 3", f.dispatcher.count())
	}

	checks, _ := f.store.ListChecksByDevice(ctx, "dev-1")
	if checks[0].LastState != model.CheckOK || checks[0].LastValue != 40 {
		t.Errorf("persisted state = %s value = %v", checks[0].LastState, checks[0].LastValue)
	}
}

func TestEvaluate_ModuleGate(t *testing.T) {
	f := newFixture(t)
	d := f.addDevice(t, model.ModuleSystem)
	// Bypass the creation invariant to simulate a module disabled later.
	c := &model.MonitoringCheck{
		ID: "chk-docker", DeviceID: "dev-1", Type: model.CheckContainerStatus,
		Target: "nginx", Enabled: true,
	}
	_ = f.store.SaveCheck(context.Background(), c)

	telemetry := &model.Telemetry{
		DeviceID: "dev-1", Timestamp: time.Now(),
		Extra: model.ModuleExtras{Docker: &model.DockerMetrics{
			Containers: []model.ContainerStat{{Name: "nginx", State: "exited"}},
		}},
	}
	f.eval.Evaluate(context.Background(), d, telemetry)

	open, _ := f.store.ListUnresolvedAlertsByDevice(context.Background(), "dev-1")
	if len(open) != 0 {
		t.Errorf("rule fired despite disabled module: %+v", open)
	}
}

func TestEvaluate_NoDataLeavesRuleUntouched(t *testing.T) {
	f := newFixture(t)
	d := f.addDevice(t)
	f.addCheck(t, model.CheckMemory, "", 80, 95)

	// Payload without memory data.
	telemetry := &model.Telemetry{DeviceID: "dev-1", Timestamp: time.Now()}
	f.eval.Evaluate(context.Background(), d, telemetry)

	checks, _ := f.store.ListChecksByDevice(context.Background(), "dev-1")
	if checks[0].LastEvaluatedAt.IsZero() == false {
		t.Errorf("rule evaluated without data")
	}
	if f.dispatcher.count() != 0 {
		t.Errorf("notifications = %d, want 0", f.dispatcher.count())
	}
}

func TestEvaluate_ContainerStates(t *testing.T) {
	tests := []struct {
		name      string
		container model.ContainerStat
		want      model.CheckState
	}{
		{"running ok", model.ContainerStat{Name: "nginx", State: "running"}, model.CheckOK},
		{"exited critical", model.ContainerStat{Name: "nginx", State: "exited"}, model.CheckCritical},
		{"restarting warning", model.ContainerStat{Name: "nginx", State: "restarting"}, model.CheckWarning},
		{"unhealthy health wins", model.ContainerStat{Name: "nginx", State: "running", Health: "unhealthy"}, model.CheckCritical},
		{"paused warning", model.ContainerStat{Name: "nginx", State: "paused"}, model.CheckWarning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := containerState("nginx", &model.DockerMetrics{Containers: []model.ContainerStat{tt.container}})
			if got != tt.want {
				t.Errorf("containerState() = %s, want %s", got, tt.want)
			}
		})
	}

	t.Run("not found among others is critical", func(t *testing.T) {
		got, _ := containerState("nginx", &model.DockerMetrics{
			Containers: []model.ContainerStat{{Name: "redis", State: "running"}},
		})
		if got != model.CheckCritical {
			t.Errorf("containerState() = %s, want critical", got)
		}
	})

	t.Run("empty payload is unknown", func(t *testing.T) {
		got, _ := containerState("nginx", &model.DockerMetrics{})
		if got != model.CheckUnknown {
			t.Errorf("containerState() = %s, want unknown", got)
		}
	})
}

func TestExtractValue_Fallbacks(t *testing.T) {
	cpu := &model.MonitoringCheck{Type: model.CheckCPU}
	tests := []struct {
		name string
		t    *model.Telemetry
		want float64
	}{
		{
			"system cpu_usage first",
			&model.Telemetry{
				CPUUsage: fp(10),
				Extra:    model.ModuleExtras{System: &model.SystemMetrics{CPUUsage: fp(50), CPUPercent: fp(60)}},
			},
			50,
		},
		{
			"cpu_percent second",
			&model.Telemetry{
				CPUUsage: fp(10),
				Extra:    model.ModuleExtras{System: &model.SystemMetrics{CPUPercent: fp(60)}},
			},
			60,
		},
		{
			"root scalar third",
			&model.Telemetry{CPUUsage: fp(10), Extra: model.ModuleExtras{System: &model.SystemMetrics{}}},
			10,
		},
		{
			"cpu_load last",
			&model.Telemetry{Extra: model.ModuleExtras{System: &model.SystemMetrics{CPULoad: fp(3)}}},
			3,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := extractValue(cpu, tt.t)
			if !ok || got != tt.want {
				t.Errorf("extractValue() = %v (%v), want %v", got, ok, tt.want)
			}
		})
	}

	t.Run("disk target match", func(t *testing.T) {
		disk := &model.MonitoringCheck{Type: model.CheckDisk, Target: "/var"}
		tel := &model.Telemetry{Extra: model.ModuleExtras{System: &model.SystemMetrics{
			DiskUsage: fp(20),
			Disks: []model.DiskStat{
				{Mount: "/", UsedPercent: fp(30)},
				{Mount: "/var", UsedPercent: fp(85)},
			},
		}}}
		got, ok := extractValue(disk, tel)
		if !ok || got != 85 {
			t.Errorf("extractValue(disk /var) = %v (%v), want 85", got, ok)
		}
	})

	t.Run("bandwidth from interface", func(t *testing.T) {
		bw := &model.MonitoringCheck{Type: model.CheckBandwidth, Target: "eth0"}
		tel := &model.Telemetry{Extra: model.ModuleExtras{Network: &model.NetworkMetrics{
			Interfaces: []model.InterfaceStat{{Name: "eth0", RxBps: 4e6, TxBps: 6e6}},
		}}}
		got, ok := extractValue(bw, tel)
		if !ok || got != 10 {
			t.Errorf("extractValue(bandwidth) = %v (%v), want 10", got, ok)
		}
	})

	t.Run("sip registration registered", func(t *testing.T) {
		reg := &model.MonitoringCheck{Type: model.CheckSIPRegistration, Target: "trunk-1"}
		tel := &model.Telemetry{Extra: model.ModuleExtras{Asterisk: &model.AsteriskMetrics{
			Registrations: []model.SIPRegistration{{Name: "trunk-1", Status: "Registered"}},
		}}}
		got, ok := extractValue(reg, tel)
		if !ok || got != 100 {
			t.Errorf("extractValue(sip_registration) = %v (%v), want 100", got, ok)
		}
	})
}

func sipTelemetry(aor string, status string, rtt *float64) *model.Telemetry {
	return &model.Telemetry{
		DeviceID: "dev-1", Timestamp: time.Now(),
		Extra: model.ModuleExtras{Asterisk: &model.AsteriskMetrics{
			Contacts: []model.SIPContact{{AOR: aor, Status: status, RTTMs: rtt}},
		}},
	}
}

func TestEvaluate_SIPUnreachable(t *testing.T) {
	f := newFixture(t)
	d := f.addDevice(t)
	ctx := context.Background()

	f.eval.Evaluate(ctx, d, sipTelemetry("sip-100", "Unavail", nil))

	open, _ := f.store.ListUnresolvedAlertsByDevice(ctx, "dev-1")
	if len(open) != 1 || open[0].Type != model.AlertSIPIssue {
		t.Fatalf("expected sip_issue alert, got %+v", open)
	}
	if open[0].SpecificEndpoint != "sip-100" {
		t.Errorf("endpoint = %q", open[0].SpecificEndpoint)
	}

	f.eval.Evaluate(ctx, d, sipTelemetry("sip-100", "Reachable", fp(40)))
	open, _ = f.store.ListUnresolvedAlertsByDevice(ctx, "dev-1")
	if len(open) != 0 {
		t.Errorf("sip_issue not resolved on reachable")
	}
}

func TestEvaluate_HighLatencyDefersToExplicitRule(t *testing.T) {
	f := newFixture(t)
	d := f.addDevice(t)
	ctx := context.Background()

	// Legacy path first: slow contact, no explicit rule.
	f.eval.Evaluate(ctx, d, sipTelemetry("sip-100", "Reachable", fp(450)))
	open, _ := f.store.ListUnresolvedAlertsByDevice(ctx, "dev-1")
	if len(open) != 1 || open[0].Type != model.AlertHighLatency {
		t.Fatalf("expected high_latency alert, got %+v", open)
	}
	sentBefore := f.dispatcher.count()

	// An explicit sip_rtt rule takes over: stale high_latency resolves
	// silently and the rule pipeline owns the endpoint.
	f.addCheck(t, model.CheckSIPRTT, "sip-100", 200, 400)
	f.eval.Evaluate(ctx, d, sipTelemetry("sip-100", "Reachable", fp(450)))

	open, _ = f.store.ListUnresolvedAlertsByDevice(ctx, "dev-1")
	if len(open) != 1 || open[0].Type != model.AlertRuleViolation {
		t.Fatalf("expected only rule_violation after handover, got %+v", open)
	}
	for i := sentBefore; i < f.dispatcher.count(); i++ {
		f.dispatcher.mu.Lock()
		n := f.dispatcher.sent[i]
		f.dispatcher.mu.Unlock()
		if n.AlertType == model.AlertHighLatency {
			t.Errorf("high_latency handover produced a notification: %+v", n)
		}
	}
}

func TestEvaluate_SIPRTTOverride(t *testing.T) {
	f := newFixture(t)
	d := f.addDevice(t)
	threshold := 100.0
	d.Overrides.SIPRTTThresholdMS = &threshold
	_ = f.store.SaveDevice(context.Background(), d)
	ctx := context.Background()

	f.eval.Evaluate(ctx, d, sipTelemetry("sip-100", "Reachable", fp(150)))

	open, _ := f.store.ListUnresolvedAlertsByDevice(ctx, "dev-1")
	if len(open) != 1 || open[0].Type != model.AlertHighLatency {
		t.Fatalf("override threshold not applied: %+v", open)
	}
}
