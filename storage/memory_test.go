// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/soothill/fleetwatch/model"
	fwerrors "github.com/soothill/fleetwatch/pkg/errors"
)

func openAlert(id, deviceID string, typ model.AlertType, first time.Time) *model.AlertTracking {
	return &model.AlertTracking{
		ID:             id,
		DeviceID:       deviceID,
		Type:           typ,
		Severity:       model.SeverityWarning,
		State:          model.AlertStateNew,
		FirstTriggered: first,
		LastNotified:   first,
	}
}

func TestInsertActiveAlert_EnforcesActiveKeyUniqueness(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

	first := openAlert("al-1", "dev-1", model.AlertOffline, base)
	if err := store.InsertActiveAlert(ctx, first); err != nil {
		t.Fatalf("InsertActiveAlert() error = %v", err)
	}

	dup := openAlert("al-2", "dev-1", model.AlertOffline, base.Add(time.Minute))
	err := store.InsertActiveAlert(ctx, dup)
	if !errors.Is(err, fwerrors.ErrDuplicateActiveAlert) {
		t.Fatalf("duplicate insert error = %v, want ErrDuplicateActiveAlert", err)
	}

	// A different key for the same device is fine.
	other := openAlert("al-3", "dev-1", model.AlertServiceDown, base)
	other.SpecificService = "cpu"
	if err := store.InsertActiveAlert(ctx, other); err != nil {
		t.Errorf("distinct key insert error = %v", err)
	}

	// Resolving the first row frees the key.
	first.State = model.AlertStateResolved
	if err := store.UpdateAlert(ctx, first); err != nil {
		t.Fatalf("UpdateAlert() error = %v", err)
	}
	reopened := openAlert("al-4", "dev-1", model.AlertOffline, base.Add(2*time.Minute))
	if err := store.InsertActiveAlert(ctx, reopened); err != nil {
		t.Errorf("insert after resolve error = %v", err)
	}
}

func TestFindOpenAlerts_OldestFirst(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

	// Seed out of order, bypassing the uniqueness check by writing
	// resolved rows first and flipping them open via UpdateAlert.
	for i, first := range []time.Time{base.Add(2 * time.Hour), base, base.Add(time.Hour)} {
		a := openAlert("", "dev-1", model.AlertOffline, first)
		a.ID = newID()
		a.State = model.AlertStateResolved
		store.mu.Lock()
		cp := *a
		store.alerts[a.ID] = &cp
		store.mu.Unlock()
		a.State = model.AlertStateNew
		if err := store.UpdateAlert(ctx, a); err != nil {
			t.Fatalf("UpdateAlert(%d) error = %v", i, err)
		}
	}

	key := model.ActiveKey{DeviceID: "dev-1", Type: model.AlertOffline}
	rows, err := store.FindOpenAlerts(ctx, key)
	if err != nil {
		t.Fatalf("FindOpenAlerts() error = %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}
	for i := 1; i < len(rows); i++ {
		if rows[i].FirstTriggered.Before(rows[i-1].FirstTriggered) {
			t.Errorf("rows not oldest-first: %v before %v", rows[i].FirstTriggered, rows[i-1].FirstTriggered)
		}
	}

	oldest, err := store.FindOpenAlert(ctx, key)
	if err != nil {
		t.Fatalf("FindOpenAlert() error = %v", err)
	}
	if !oldest.FirstTriggered.Equal(base) {
		t.Errorf("FindOpenAlert() returned %v, want oldest %v", oldest.FirstTriggered, base)
	}
}

func TestSaveCheck_EnforcesModuleOnCreate(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.SaveDevice(ctx, &model.Device{
		ID: "dev-1", Name: "PBX", EnabledModules: []model.Module{model.ModuleSystem},
	}); err != nil {
		t.Fatalf("SaveDevice() error = %v", err)
	}

	ok := &model.MonitoringCheck{DeviceID: "dev-1", Type: model.CheckCPU}
	if err := store.SaveCheck(ctx, ok); err != nil {
		t.Errorf("SaveCheck(cpu) error = %v", err)
	}
	if ok.ID == "" {
		t.Error("SaveCheck() did not assign an ID")
	}

	bad := &model.MonitoringCheck{DeviceID: "dev-1", Type: model.CheckContainerStatus}
	if err := store.SaveCheck(ctx, bad); !errors.Is(err, fwerrors.ErrModuleNotEnabled) {
		t.Errorf("SaveCheck(container_status) error = %v, want ErrModuleNotEnabled", err)
	}
}

func TestSaveTelemetry_UpsertAndHistoryCap(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

	t1 := &model.Telemetry{DeviceID: "dev-1", Timestamp: base}
	if err := store.SaveTelemetry(ctx, t1); err != nil {
		t.Fatalf("SaveTelemetry() error = %v", err)
	}

	// Saving with the same ID replaces in place.
	t1.Timestamp = base.Add(time.Second)
	if err := store.SaveTelemetry(ctx, t1); err != nil {
		t.Fatalf("SaveTelemetry() update error = %v", err)
	}
	latest, err := store.LatestTelemetry(ctx, "dev-1")
	if err != nil {
		t.Fatalf("LatestTelemetry() error = %v", err)
	}
	if !latest.Timestamp.Equal(base.Add(time.Second)) {
		t.Errorf("latest timestamp = %v, want replaced record", latest.Timestamp)
	}

	for i := 0; i < 30; i++ {
		rec := &model.Telemetry{DeviceID: "dev-1", Timestamp: base.Add(time.Duration(i+2) * time.Second)}
		if err := store.SaveTelemetry(ctx, rec); err != nil {
			t.Fatalf("SaveTelemetry(%d) error = %v", i, err)
		}
	}
	latest, _ = store.LatestTelemetry(ctx, "dev-1")
	if !latest.Timestamp.Equal(base.Add(31 * time.Second)) {
		t.Errorf("latest after cap = %v", latest.Timestamp)
	}

	none, err := store.LatestTelemetry(ctx, "dev-unknown")
	if err != nil || none != nil {
		t.Errorf("LatestTelemetry(unknown) = %v, %v, want nil, nil", none, err)
	}
}

func TestGetDevice_NotFound(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.GetDevice(context.Background(), "ghost")
	if !errors.Is(err, fwerrors.ErrDeviceNotFound) {
		t.Errorf("GetDevice() error = %v, want ErrDeviceNotFound", err)
	}
}
