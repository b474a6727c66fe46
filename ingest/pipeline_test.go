// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/soothill/fleetwatch/model"
)

func (f *fixture) addCPUCheck(t *testing.T, deviceID string) {
	t.Helper()
	c := &model.MonitoringCheck{
		ID:                "chk-cpu",
		DeviceID:          deviceID,
		Type:              model.CheckCPU,
		WarningThreshold:  80,
		CriticalThreshold: 95,
		Enabled:           true,
	}
	if err := f.store.SaveCheck(context.Background(), c); err != nil {
		t.Fatalf("SaveCheck() error = %v", err)
	}
}

func TestHandleMetrics_FullFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addDevice(t, "dev-1", "D1")
	f.addCPUCheck(t, "dev-1")

	f.clk.Advance(30 * time.Second)
	f.pipeline.HandleMetrics(ctx, "dev-1", "system", []byte(`{"cpu_usage": 97.2}`))

	// Telemetry persisted.
	rec, err := f.store.LatestTelemetry(ctx, "dev-1")
	if err != nil || rec == nil {
		t.Fatalf("LatestTelemetry() = %v, %v", rec, err)
	}
	if rec.CPUUsage == nil || *rec.CPUUsage != 97.2 {
		t.Errorf("cpu_usage = %v, want 97.2", rec.CPUUsage)
	}

	// Heartbeat and module timestamp advanced.
	d, _ := f.store.GetDevice(ctx, "dev-1")
	if !d.LastSeen.Equal(f.clk.Now()) {
		t.Errorf("last_seen = %v, want %v", d.LastSeen, f.clk.Now())
	}
	if !d.LastModuleMetrics[model.ModuleSystem].Equal(f.clk.Now()) {
		t.Errorf("system module timestamp not recorded")
	}

	// The CPU rule fired through the engine.
	open, _ := f.store.ListUnresolvedAlertsByDevice(ctx, "dev-1")
	if len(open) != 1 || open[0].Type != model.AlertRuleViolation || open[0].Severity != model.SeverityCritical {
		t.Fatalf("expected one critical rule_violation, got %+v", open)
	}
	if f.dispatcher.count() != 1 {
		t.Errorf("notifications = %d, want 1", f.dispatcher.count())
	}
}

func TestHandleMetrics_AutoRegistersDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.pipeline.HandleMetrics(ctx, "fresh-device", "system", []byte(`{"cpu_usage": 10}`))

	d, err := f.store.GetDevice(ctx, "fresh-device")
	if err != nil {
		t.Fatalf("device not auto-registered: %v", err)
	}
	if d.Name != "fresh-device" || !d.MonitoringEnabled {
		t.Errorf("auto-registered device = %+v", d)
	}
	if rec, _ := f.store.LatestTelemetry(ctx, "fresh-device"); rec == nil {
		t.Errorf("telemetry not persisted for auto-registered device")
	}
}

func TestHandleMetrics_UnknownModuleDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addDevice(t, "dev-1", "D1")

	f.pipeline.HandleMetrics(ctx, "dev-1", "gpu", []byte(`{}`))

	if rec, _ := f.store.LatestTelemetry(ctx, "dev-1"); rec != nil {
		t.Errorf("unknown module produced telemetry")
	}
}

func TestHandleStatus_LiveOffline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addDevice(t, "dev-1", "D1")

	f.pipeline.HandleStatus(ctx, "dev-1", []byte("offline"), false)

	d, _ := f.store.GetDevice(ctx, "dev-1")
	if d.Status != model.StatusOffline {
		t.Errorf("status = %s, want offline", d.Status)
	}
	open, _ := f.store.ListUnresolvedAlertsByDevice(ctx, "dev-1")
	if len(open) != 1 || open[0].Type != model.AlertOffline {
		t.Fatalf("live offline did not open an alert: %+v", open)
	}
}

func TestHandleStatus_InvalidDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addDevice(t, "dev-1", "D1")

	f.pipeline.HandleStatus(ctx, "dev-1", []byte("rebooting"), false)

	d, _ := f.store.GetDevice(ctx, "dev-1")
	if d.Status != model.StatusOnline {
		t.Errorf("invalid status mutated the device to %s", d.Status)
	}
	if f.dispatcher.count() != 0 {
		t.Errorf("invalid status notified")
	}
}

func TestHandleResponse_Relay(t *testing.T) {
	f := newFixture(t)

	var gotDevice string
	var gotPayload []byte
	f.pipeline.SetResponseHandler(func(deviceID string, payload []byte) {
		gotDevice = deviceID
		gotPayload = payload
	})

	f.pipeline.HandleResponse("dev-1", []byte(`{"command_id":"c1","output":"ok"}`))
	if gotDevice != "dev-1" || len(gotPayload) == 0 {
		t.Errorf("response not relayed: %q %q", gotDevice, gotPayload)
	}
}

func TestParseTopic(t *testing.T) {
	tests := []struct {
		topic    string
		deviceID string
		kind     string
		module   string
		ok       bool
	}{
		{"iotmonitor/device/dev-1/status", "dev-1", "status", "", true},
		{"iotmonitor/device/dev-1/metrics/system", "dev-1", "metrics", "system", true},
		{"iotmonitor/device/dev-1/metrics/asterisk", "dev-1", "metrics", "asterisk", true},
		{"iotmonitor/device/dev-1/responses", "dev-1", "responses", "", true},
		{"iotmonitor/device/dev-1/metrics", "", "", "", false},
		{"iotmonitor/device//status", "", "", "", false},
		{"iotmonitor/server/status", "", "", "", false},
		{"other/topic", "", "", "", false},
	}
	for _, tt := range tests {
		deviceID, kind, module, ok := parseTopic(tt.topic)
		if ok != tt.ok || deviceID != tt.deviceID || kind != tt.kind || module != tt.module {
			t.Errorf("parseTopic(%q) = (%q, %q, %q, %v), want (%q, %q, %q, %v)",
				tt.topic, deviceID, kind, module, ok, tt.deviceID, tt.kind, tt.module, tt.ok)
		}
	}
}

func TestWorkerPool_SerializesPerKey(t *testing.T) {
	pool := NewWorkerPool(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	const perKey = 50
	var mu sync.Mutex
	order := map[string][]int{}
	var wg sync.WaitGroup

	for _, key := range []string{"a", "b", "c", "d", "e"} {
		for i := 0; i < perKey; i++ {
			key, i := key, i
			wg.Add(1)
			if !pool.Submit(key, func() {
				defer wg.Done()
				mu.Lock()
				order[key] = append(order[key], i)
				mu.Unlock()
			}) {
				t.Fatalf("Submit(%q, %d) rejected", key, i)
			}
		}
	}

	wg.Wait()
	pool.Stop()

	for key, seen := range order {
		if len(seen) != perKey {
			t.Fatalf("key %q ran %d tasks, want %d", key, len(seen), perKey)
		}
		for i, v := range seen {
			if v != i {
				t.Fatalf("key %q task order violated at %d: %v", key, i, seen[:i+1])
			}
		}
	}
}

func TestWorkerPool_PanicDoesNotKillShard(t *testing.T) {
	pool := NewWorkerPool(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	done := make(chan struct{})
	pool.Submit("k", func() { panic("bad payload") })
	pool.Submit("k", func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shard did not survive a panicking task")
	}
	pool.Stop()
}
