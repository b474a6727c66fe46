// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package storage provides the persistence implementations for the control
// plane: a MongoDB-backed document store, an in-memory store with the same
// contracts, and an InfluxDB sink for telemetry history.
package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/soothill/fleetwatch/model"
	fwerrors "github.com/soothill/fleetwatch/pkg/errors"
)

// MemoryStore is an in-process implementation of every store interface.
// It backs unit tests and single-binary deployments without a database.
type MemoryStore struct {
	mu         sync.RWMutex
	devices    map[string]*model.Device
	checks     map[string]*model.MonitoringCheck
	telemetry  map[string][]*model.Telemetry // device_id -> newest last
	alerts     map[string]*model.AlertTracking
	incidents  map[string]*model.Incident
	synthetics map[string]*model.SyntheticCheck
	licenses   map[string]*model.LicenseAsset
	channels   map[string]*model.NotificationChannel
	settings   model.SystemSettings
}

// NewMemoryStore creates an empty in-memory store with default settings.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:    make(map[string]*model.Device),
		checks:     make(map[string]*model.MonitoringCheck),
		telemetry:  make(map[string][]*model.Telemetry),
		alerts:     make(map[string]*model.AlertTracking),
		incidents:  make(map[string]*model.Incident),
		synthetics: make(map[string]*model.SyntheticCheck),
		licenses:   make(map[string]*model.LicenseAsset),
		channels:   make(map[string]*model.NotificationChannel),
		settings:   model.DefaultSettings(),
	}
}

func newID() string {
	return primitive.NewObjectID().Hex()
}

// --- DeviceStore ---

// GetDevice returns a copy of the device or errors.ErrDeviceNotFound.
func (s *MemoryStore) GetDevice(_ context.Context, id string) (*model.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[id]
	if !ok {
		return nil, fwerrors.ErrDeviceNotFound
	}
	cp := *d
	return &cp, nil
}

// ListDevices returns copies of all devices sorted by ID.
func (s *MemoryStore) ListDevices(_ context.Context) ([]*model.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Device, 0, len(s.devices))
	for _, d := range s.devices {
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveDevice upserts the device by ID.
func (s *MemoryStore) SaveDevice(_ context.Context, d *model.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	cp.UpdatedAt = time.Now()
	s.devices[d.ID] = &cp
	return nil
}

// --- CheckStore ---

// ListChecksByDevice returns copies of the device's rules.
func (s *MemoryStore) ListChecksByDevice(_ context.Context, deviceID string) ([]*model.MonitoringCheck, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.MonitoringCheck
	for _, c := range s.checks {
		if c.DeviceID == deviceID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetCheck returns a copy of the rule or errors.ErrAlertNotFound-style nil.
func (s *MemoryStore) GetCheck(_ context.Context, id string) (*model.MonitoringCheck, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.checks[id]
	if !ok {
		return nil, fwerrors.NewStorageError("get", "checks", fwerrors.ErrAlertNotFound)
	}
	cp := *c
	return &cp, nil
}

// SaveCheck upserts the rule, assigning an ID when absent. Creation
// enforces the module invariant against the owning device.
func (s *MemoryStore) SaveCheck(_ context.Context, c *model.MonitoringCheck) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		if d, ok := s.devices[c.DeviceID]; ok {
			if m := c.Type.RequiredModule(); m != "" && !d.ModuleEnabled(m) {
				return fwerrors.ErrModuleNotEnabled
			}
		}
		c.ID = newID()
	}
	cp := *c
	s.checks[c.ID] = &cp
	return nil
}

// --- TelemetryStore ---

// LatestTelemetry returns the newest record for the device, or nil when
// none exists.
func (s *MemoryStore) LatestTelemetry(_ context.Context, deviceID string) (*model.Telemetry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.telemetry[deviceID]
	if len(recs) == 0 {
		return nil, nil
	}
	cp := *recs[len(recs)-1]
	return &cp, nil
}

// SaveTelemetry inserts or replaces the record by ID, keeping a short
// per-device history.
func (s *MemoryStore) SaveTelemetry(_ context.Context, t *model.Telemetry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = newID()
	}
	recs := s.telemetry[t.DeviceID]
	for i, existing := range recs {
		if existing.ID == t.ID {
			cp := *t
			recs[i] = &cp
			return nil
		}
	}
	cp := *t
	recs = append(recs, &cp)
	const keep = 16
	if len(recs) > keep {
		recs = recs[len(recs)-keep:]
	}
	s.telemetry[t.DeviceID] = recs
	return nil
}

// --- AlertStore ---

// FindOpenAlert returns the single non-resolved row for the key.
func (s *MemoryStore) FindOpenAlert(_ context.Context, key model.ActiveKey) (*model.AlertTracking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var oldest *model.AlertTracking
	for _, a := range s.alerts {
		if !a.Resolved() && a.Key() == key {
			if oldest == nil || a.FirstTriggered.Before(oldest.FirstTriggered) {
				oldest = a
			}
		}
	}
	if oldest == nil {
		return nil, fwerrors.ErrAlertNotFound
	}
	cp := *oldest
	return &cp, nil
}

// FindOpenAlerts returns every non-resolved row for the key, oldest first.
func (s *MemoryStore) FindOpenAlerts(_ context.Context, key model.ActiveKey) ([]*model.AlertTracking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.AlertTracking
	for _, a := range s.alerts {
		if !a.Resolved() && a.Key() == key {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstTriggered.Before(out[j].FirstTriggered) })
	return out, nil
}

// InsertActiveAlert inserts a new open row, enforcing active-key
// uniqueness under the store lock.
func (s *MemoryStore) InsertActiveAlert(_ context.Context, a *model.AlertTracking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := a.Key()
	for _, existing := range s.alerts {
		if !existing.Resolved() && existing.Key() == key {
			return fwerrors.ErrDuplicateActiveAlert
		}
	}
	if a.ID == "" {
		a.ID = newID()
	}
	cp := *a
	s.alerts[a.ID] = &cp
	return nil
}

// UpdateAlert replaces the row by ID.
func (s *MemoryStore) UpdateAlert(_ context.Context, a *model.AlertTracking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.alerts[a.ID]; !ok {
		return fwerrors.ErrAlertNotFound
	}
	cp := *a
	s.alerts[a.ID] = &cp
	return nil
}

// ListUnresolvedAlerts returns copies of every non-resolved row.
func (s *MemoryStore) ListUnresolvedAlerts(_ context.Context) ([]*model.AlertTracking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.AlertTracking
	for _, a := range s.alerts {
		if !a.Resolved() {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstTriggered.Before(out[j].FirstTriggered) })
	return out, nil
}

// ListUnresolvedAlertsByDevice returns copies of the device's non-resolved rows.
func (s *MemoryStore) ListUnresolvedAlertsByDevice(_ context.Context, deviceID string) ([]*model.AlertTracking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.AlertTracking
	for _, a := range s.alerts {
		if !a.Resolved() && a.DeviceID == deviceID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstTriggered.Before(out[j].FirstTriggered) })
	return out, nil
}

// --- IncidentStore ---

// FindOpenIncident returns the open incident for the tuple.
func (s *MemoryStore) FindOpenIncident(_ context.Context, target model.TargetType, targetID, summary string) (*model.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, in := range s.incidents {
		if in.Status == model.IncidentOpen && in.TargetType == target && in.TargetID == targetID && in.Summary == summary {
			cp := *in
			cp.Updates = append([]model.IncidentUpdate(nil), in.Updates...)
			return &cp, nil
		}
	}
	return nil, fwerrors.ErrIncidentNotFound
}

// InsertIncident inserts a new incident, assigning an ID when absent.
func (s *MemoryStore) InsertIncident(_ context.Context, in *model.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if in.ID == "" {
		in.ID = newID()
	}
	cp := *in
	cp.Updates = append([]model.IncidentUpdate(nil), in.Updates...)
	s.incidents[in.ID] = &cp
	return nil
}

// UpdateIncident replaces the incident by ID.
func (s *MemoryStore) UpdateIncident(_ context.Context, in *model.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.incidents[in.ID]; !ok {
		return fwerrors.ErrIncidentNotFound
	}
	cp := *in
	cp.Updates = append([]model.IncidentUpdate(nil), in.Updates...)
	s.incidents[in.ID] = &cp
	return nil
}

// ListOpenIncidents returns copies of every open incident.
func (s *MemoryStore) ListOpenIncidents(_ context.Context) ([]*model.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Incident
	for _, in := range s.incidents {
		if in.Status == model.IncidentOpen {
			cp := *in
			cp.Updates = append([]model.IncidentUpdate(nil), in.Updates...)
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// --- SyntheticStore ---

// ListSynthetics returns copies of all synthetic checks.
func (s *MemoryStore) ListSynthetics(_ context.Context) ([]*model.SyntheticCheck, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.SyntheticCheck, 0, len(s.synthetics))
	for _, sc := range s.synthetics {
		cp := *sc
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveSynthetic upserts the synthetic check, assigning an ID when absent.
func (s *MemoryStore) SaveSynthetic(_ context.Context, sc *model.SyntheticCheck) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sc.ID == "" {
		sc.ID = newID()
	}
	cp := *sc
	s.synthetics[sc.ID] = &cp
	return nil
}

// --- LicenseStore ---

// ListLicenses returns copies of all license assets.
func (s *MemoryStore) ListLicenses(_ context.Context) ([]*model.LicenseAsset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.LicenseAsset, 0, len(s.licenses))
	for _, l := range s.licenses {
		cp := *l
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveLicense upserts the license asset, assigning an ID when absent.
func (s *MemoryStore) SaveLicense(_ context.Context, l *model.LicenseAsset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.ID == "" {
		l.ID = newID()
	}
	cp := *l
	s.licenses[l.ID] = &cp
	return nil
}

// --- ChannelStore ---

// ListChannels returns copies of all notification channels.
func (s *MemoryStore) ListChannels(_ context.Context) ([]*model.NotificationChannel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.NotificationChannel, 0, len(s.channels))
	for _, c := range s.channels {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveChannel upserts a channel, assigning an ID when absent.
func (s *MemoryStore) SaveChannel(_ context.Context, c *model.NotificationChannel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = newID()
	}
	cp := *c
	s.channels[c.ID] = &cp
	return nil
}

// --- SettingsStore ---

// GetSettings returns the settings singleton.
func (s *MemoryStore) GetSettings(_ context.Context) (model.SystemSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings, nil
}

// SaveSettings replaces the settings singleton.
func (s *MemoryStore) SaveSettings(_ context.Context, st model.SystemSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = st
	return nil
}
