// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/soothill/fleetwatch/model"
	fwerrors "github.com/soothill/fleetwatch/pkg/errors"
	"github.com/soothill/fleetwatch/pkg/logger"
)

const (
	collDevices    = "devices"
	collChecks     = "checks"
	collTelemetry  = "telemetry"
	collAlerts     = "alerts"
	collIncidents  = "incidents"
	collSynthetics = "synthetics"
	collLicenses   = "licenses"
	collChannels   = "channels"
	collSettings   = "settings"

	connectTimeout = 5 * time.Second
)

// MongoStore is the MongoDB-backed implementation of the store interfaces.
// The active-key uniqueness invariant is enforced by a partial unique index
// so concurrent triggers serialize at the database.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewMongoStore connects to MongoDB, verifies the connection, and ensures
// the indexes the lifecycle invariants depend on.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	connCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(connCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fwerrors.NewStorageError("connect", "", err)
	}
	if err := client.Ping(connCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fwerrors.NewStorageError("ping", "", err)
	}

	s := &MongoStore{client: client, db: client.Database(database)}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	logger.Info().Str("database", database).Msg("Connected to MongoDB")
	return s, nil
}

// ensureIndexes creates the indexes correctness depends on:
//   - a unique partial index on the alert active-key restricted to
//     non-resolved rows
//   - a compound index on the open-incident tuple
//   - a TTL index expiring telemetry after 30 days
func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.db.Collection(collAlerts).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "device_id", Value: 1},
			{Key: "alert_type", Value: 1},
			{Key: "specific_service", Value: 1},
			{Key: "specific_endpoint", Value: 1},
		},
		Options: options.Index().
			SetUnique(true).
			SetPartialFilterExpression(bson.D{{Key: "state", Value: bson.D{{Key: "$ne", Value: string(model.AlertStateResolved)}}}}),
	})
	if err != nil {
		return fwerrors.NewStorageError("create index", collAlerts, err)
	}

	_, err = s.db.Collection(collIncidents).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "target_type", Value: 1},
			{Key: "target_id", Value: 1},
			{Key: "summary", Value: 1},
			{Key: "status", Value: 1},
		},
	})
	if err != nil {
		return fwerrors.NewStorageError("create index", collIncidents, err)
	}

	_, err = s.db.Collection(collTelemetry).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "timestamp", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(int32(model.TelemetryTTL / time.Second)),
	})
	if err != nil {
		return fwerrors.NewStorageError("create index", collTelemetry, err)
	}

	_, err = s.db.Collection(collTelemetry).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "device_id", Value: 1}, {Key: "timestamp", Value: -1}},
	})
	if err != nil {
		return fwerrors.NewStorageError("create index", collTelemetry, err)
	}

	_, err = s.db.Collection(collChecks).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "device_id", Value: 1}},
	})
	if err != nil {
		return fwerrors.NewStorageError("create index", collChecks, err)
	}

	return nil
}

// Close disconnects from MongoDB.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Ping verifies the connection, for readiness checks.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// --- DeviceStore ---

// GetDevice returns the device or errors.ErrDeviceNotFound.
func (s *MongoStore) GetDevice(ctx context.Context, id string) (*model.Device, error) {
	var d model.Device
	err := s.db.Collection(collDevices).FindOne(ctx, bson.M{"_id": id}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fwerrors.ErrDeviceNotFound
	}
	if err != nil {
		return nil, fwerrors.NewStorageError("find", collDevices, err)
	}
	return &d, nil
}

// ListDevices returns every device.
func (s *MongoStore) ListDevices(ctx context.Context) ([]*model.Device, error) {
	cur, err := s.db.Collection(collDevices).Find(ctx, bson.M{})
	if err != nil {
		return nil, fwerrors.NewStorageError("list", collDevices, err)
	}
	var out []*model.Device
	if err := cur.All(ctx, &out); err != nil {
		return nil, fwerrors.NewStorageError("decode", collDevices, err)
	}
	return out, nil
}

// SaveDevice upserts the device by its opaque ID.
func (s *MongoStore) SaveDevice(ctx context.Context, d *model.Device) error {
	d.UpdatedAt = time.Now()
	_, err := s.db.Collection(collDevices).ReplaceOne(ctx,
		bson.M{"_id": d.ID}, d, options.Replace().SetUpsert(true))
	if err != nil {
		return fwerrors.NewStorageError("upsert", collDevices, err)
	}
	return nil
}

// --- CheckStore ---

// ListChecksByDevice returns the device's monitoring rules.
func (s *MongoStore) ListChecksByDevice(ctx context.Context, deviceID string) ([]*model.MonitoringCheck, error) {
	cur, err := s.db.Collection(collChecks).Find(ctx, bson.M{"device_id": deviceID})
	if err != nil {
		return nil, fwerrors.NewStorageError("list", collChecks, err)
	}
	var out []*model.MonitoringCheck
	if err := cur.All(ctx, &out); err != nil {
		return nil, fwerrors.NewStorageError("decode", collChecks, err)
	}
	return out, nil
}

// GetCheck returns the rule by ID.
func (s *MongoStore) GetCheck(ctx context.Context, id string) (*model.MonitoringCheck, error) {
	var c model.MonitoringCheck
	err := s.db.Collection(collChecks).FindOne(ctx, bson.M{"_id": id}).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fwerrors.NewStorageError("find", collChecks, mongo.ErrNoDocuments)
	}
	if err != nil {
		return nil, fwerrors.NewStorageError("find", collChecks, err)
	}
	return &c, nil
}

// SaveCheck upserts the rule. Creation enforces the module invariant
// against the owning device.
func (s *MongoStore) SaveCheck(ctx context.Context, c *model.MonitoringCheck) error {
	if c.ID == "" {
		d, err := s.GetDevice(ctx, c.DeviceID)
		if err == nil {
			if m := c.Type.RequiredModule(); m != "" && !d.ModuleEnabled(m) {
				return fwerrors.ErrModuleNotEnabled
			}
		}
		c.ID = newID()
	}
	_, err := s.db.Collection(collChecks).ReplaceOne(ctx,
		bson.M{"_id": c.ID}, c, options.Replace().SetUpsert(true))
	if err != nil {
		return fwerrors.NewStorageError("upsert", collChecks, err)
	}
	return nil
}

// --- TelemetryStore ---

// LatestTelemetry returns the newest record for the device, or nil.
func (s *MongoStore) LatestTelemetry(ctx context.Context, deviceID string) (*model.Telemetry, error) {
	var t model.Telemetry
	err := s.db.Collection(collTelemetry).FindOne(ctx,
		bson.M{"device_id": deviceID},
		options.FindOne().SetSort(bson.D{{Key: "timestamp", Value: -1}}),
	).Decode(&t)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fwerrors.NewStorageError("find", collTelemetry, err)
	}
	return &t, nil
}

// SaveTelemetry inserts or replaces the record.
func (s *MongoStore) SaveTelemetry(ctx context.Context, t *model.Telemetry) error {
	if t.ID == "" {
		t.ID = newID()
	}
	_, err := s.db.Collection(collTelemetry).ReplaceOne(ctx,
		bson.M{"_id": t.ID}, t, options.Replace().SetUpsert(true))
	if err != nil {
		return fwerrors.NewStorageError("upsert", collTelemetry, err)
	}
	return nil
}

// --- AlertStore ---

func activeKeyFilter(key model.ActiveKey) bson.M {
	return bson.M{
		"device_id":         key.DeviceID,
		"alert_type":        string(key.Type),
		"specific_service":  key.Service,
		"specific_endpoint": key.Endpoint,
		"state":             bson.M{"$ne": string(model.AlertStateResolved)},
	}
}

// FindOpenAlert returns the oldest non-resolved row for the key or
// errors.ErrAlertNotFound.
func (s *MongoStore) FindOpenAlert(ctx context.Context, key model.ActiveKey) (*model.AlertTracking, error) {
	var a model.AlertTracking
	err := s.db.Collection(collAlerts).FindOne(ctx, activeKeyFilter(key),
		options.FindOne().SetSort(bson.D{{Key: "first_triggered", Value: 1}}),
	).Decode(&a)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fwerrors.ErrAlertNotFound
	}
	if err != nil {
		return nil, fwerrors.NewStorageError("find", collAlerts, err)
	}
	return &a, nil
}

// FindOpenAlerts returns every non-resolved row for the key, oldest first.
func (s *MongoStore) FindOpenAlerts(ctx context.Context, key model.ActiveKey) ([]*model.AlertTracking, error) {
	cur, err := s.db.Collection(collAlerts).Find(ctx, activeKeyFilter(key),
		options.Find().SetSort(bson.D{{Key: "first_triggered", Value: 1}}))
	if err != nil {
		return nil, fwerrors.NewStorageError("list", collAlerts, err)
	}
	var out []*model.AlertTracking
	if err := cur.All(ctx, &out); err != nil {
		return nil, fwerrors.NewStorageError("decode", collAlerts, err)
	}
	return out, nil
}

// InsertActiveAlert inserts a new open row. The partial unique index turns
// a concurrent duplicate into errors.ErrDuplicateActiveAlert.
func (s *MongoStore) InsertActiveAlert(ctx context.Context, a *model.AlertTracking) error {
	if a.ID == "" {
		a.ID = newID()
	}
	_, err := s.db.Collection(collAlerts).InsertOne(ctx, a)
	if mongo.IsDuplicateKeyError(err) {
		return fwerrors.ErrDuplicateActiveAlert
	}
	if err != nil {
		return fwerrors.NewStorageError("insert", collAlerts, err)
	}
	return nil
}

// UpdateAlert replaces the row by ID.
func (s *MongoStore) UpdateAlert(ctx context.Context, a *model.AlertTracking) error {
	res, err := s.db.Collection(collAlerts).ReplaceOne(ctx, bson.M{"_id": a.ID}, a)
	if err != nil {
		return fwerrors.NewStorageError("update", collAlerts, err)
	}
	if res.MatchedCount == 0 {
		return fwerrors.ErrAlertNotFound
	}
	return nil
}

// ListUnresolvedAlerts returns every non-resolved row, oldest first.
func (s *MongoStore) ListUnresolvedAlerts(ctx context.Context) ([]*model.AlertTracking, error) {
	cur, err := s.db.Collection(collAlerts).Find(ctx,
		bson.M{"state": bson.M{"$ne": string(model.AlertStateResolved)}},
		options.Find().SetSort(bson.D{{Key: "first_triggered", Value: 1}}))
	if err != nil {
		return nil, fwerrors.NewStorageError("list", collAlerts, err)
	}
	var out []*model.AlertTracking
	if err := cur.All(ctx, &out); err != nil {
		return nil, fwerrors.NewStorageError("decode", collAlerts, err)
	}
	return out, nil
}

// ListUnresolvedAlertsByDevice returns the device's non-resolved rows.
func (s *MongoStore) ListUnresolvedAlertsByDevice(ctx context.Context, deviceID string) ([]*model.AlertTracking, error) {
	cur, err := s.db.Collection(collAlerts).Find(ctx,
		bson.M{"device_id": deviceID, "state": bson.M{"$ne": string(model.AlertStateResolved)}},
		options.Find().SetSort(bson.D{{Key: "first_triggered", Value: 1}}))
	if err != nil {
		return nil, fwerrors.NewStorageError("list", collAlerts, err)
	}
	var out []*model.AlertTracking
	if err := cur.All(ctx, &out); err != nil {
		return nil, fwerrors.NewStorageError("decode", collAlerts, err)
	}
	return out, nil
}

// --- IncidentStore ---

// FindOpenIncident returns the open incident for the tuple.
func (s *MongoStore) FindOpenIncident(ctx context.Context, target model.TargetType, targetID, summary string) (*model.Incident, error) {
	var in model.Incident
	err := s.db.Collection(collIncidents).FindOne(ctx, bson.M{
		"target_type": string(target),
		"target_id":   targetID,
		"summary":     summary,
		"status":      string(model.IncidentOpen),
	}).Decode(&in)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fwerrors.ErrIncidentNotFound
	}
	if err != nil {
		return nil, fwerrors.NewStorageError("find", collIncidents, err)
	}
	return &in, nil
}

// InsertIncident inserts a new incident.
func (s *MongoStore) InsertIncident(ctx context.Context, in *model.Incident) error {
	if in.ID == "" {
		in.ID = newID()
	}
	if _, err := s.db.Collection(collIncidents).InsertOne(ctx, in); err != nil {
		return fwerrors.NewStorageError("insert", collIncidents, err)
	}
	return nil
}

// UpdateIncident replaces the incident by ID.
func (s *MongoStore) UpdateIncident(ctx context.Context, in *model.Incident) error {
	res, err := s.db.Collection(collIncidents).ReplaceOne(ctx, bson.M{"_id": in.ID}, in)
	if err != nil {
		return fwerrors.NewStorageError("update", collIncidents, err)
	}
	if res.MatchedCount == 0 {
		return fwerrors.ErrIncidentNotFound
	}
	return nil
}

// ListOpenIncidents returns every open incident.
func (s *MongoStore) ListOpenIncidents(ctx context.Context) ([]*model.Incident, error) {
	cur, err := s.db.Collection(collIncidents).Find(ctx,
		bson.M{"status": string(model.IncidentOpen)},
		options.Find().SetSort(bson.D{{Key: "started_at", Value: 1}}))
	if err != nil {
		return nil, fwerrors.NewStorageError("list", collIncidents, err)
	}
	var out []*model.Incident
	if err := cur.All(ctx, &out); err != nil {
		return nil, fwerrors.NewStorageError("decode", collIncidents, err)
	}
	return out, nil
}

// --- SyntheticStore ---

// ListSynthetics returns every synthetic check.
func (s *MongoStore) ListSynthetics(ctx context.Context) ([]*model.SyntheticCheck, error) {
	cur, err := s.db.Collection(collSynthetics).Find(ctx, bson.M{})
	if err != nil {
		return nil, fwerrors.NewStorageError("list", collSynthetics, err)
	}
	var out []*model.SyntheticCheck
	if err := cur.All(ctx, &out); err != nil {
		return nil, fwerrors.NewStorageError("decode", collSynthetics, err)
	}
	return out, nil
}

// SaveSynthetic upserts the synthetic check.
func (s *MongoStore) SaveSynthetic(ctx context.Context, sc *model.SyntheticCheck) error {
	if sc.ID == "" {
		sc.ID = newID()
	}
	_, err := s.db.Collection(collSynthetics).ReplaceOne(ctx,
		bson.M{"_id": sc.ID}, sc, options.Replace().SetUpsert(true))
	if err != nil {
		return fwerrors.NewStorageError("upsert", collSynthetics, err)
	}
	return nil
}

// --- LicenseStore ---

// ListLicenses returns every license asset.
func (s *MongoStore) ListLicenses(ctx context.Context) ([]*model.LicenseAsset, error) {
	cur, err := s.db.Collection(collLicenses).Find(ctx, bson.M{})
	if err != nil {
		return nil, fwerrors.NewStorageError("list", collLicenses, err)
	}
	var out []*model.LicenseAsset
	if err := cur.All(ctx, &out); err != nil {
		return nil, fwerrors.NewStorageError("decode", collLicenses, err)
	}
	return out, nil
}

// SaveLicense upserts the license asset.
func (s *MongoStore) SaveLicense(ctx context.Context, l *model.LicenseAsset) error {
	if l.ID == "" {
		l.ID = newID()
	}
	_, err := s.db.Collection(collLicenses).ReplaceOne(ctx,
		bson.M{"_id": l.ID}, l, options.Replace().SetUpsert(true))
	if err != nil {
		return fwerrors.NewStorageError("upsert", collLicenses, err)
	}
	return nil
}

// --- ChannelStore ---

// ListChannels returns every notification channel.
func (s *MongoStore) ListChannels(ctx context.Context) ([]*model.NotificationChannel, error) {
	cur, err := s.db.Collection(collChannels).Find(ctx, bson.M{})
	if err != nil {
		return nil, fwerrors.NewStorageError("list", collChannels, err)
	}
	var out []*model.NotificationChannel
	if err := cur.All(ctx, &out); err != nil {
		return nil, fwerrors.NewStorageError("decode", collChannels, err)
	}
	return out, nil
}

// --- SettingsStore ---

// GetSettings returns the settings singleton, falling back to defaults
// when none has been saved.
func (s *MongoStore) GetSettings(ctx context.Context) (model.SystemSettings, error) {
	var st model.SystemSettings
	err := s.db.Collection(collSettings).FindOne(ctx, bson.M{"_id": "system"}).Decode(&st)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.DefaultSettings(), nil
	}
	if err != nil {
		return model.DefaultSettings(), fwerrors.NewStorageError("find", collSettings, err)
	}
	return st, nil
}

// SaveSettings replaces the settings singleton.
func (s *MongoStore) SaveSettings(ctx context.Context, st model.SystemSettings) error {
	st.ID = "system"
	_, err := s.db.Collection(collSettings).ReplaceOne(ctx,
		bson.M{"_id": "system"}, st, options.Replace().SetUpsert(true))
	if err != nil {
		return fwerrors.NewStorageError("upsert", collSettings, err)
	}
	return nil
}
