// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package incidents maintains one long-lived incident per
// (target_type, target_id, summary). The alert engine, synthetic prober,
// and license monitor mirror their state here; they absorb our errors so
// notification delivery never blocks on incident persistence.
package incidents

import (
	"context"
	"errors"
	"fmt"

	"github.com/soothill/fleetwatch/model"
	"github.com/soothill/fleetwatch/pkg/clock"
	fwerrors "github.com/soothill/fleetwatch/pkg/errors"
	"github.com/soothill/fleetwatch/pkg/interfaces"
	"github.com/soothill/fleetwatch/pkg/logger"
	"github.com/soothill/fleetwatch/pkg/metrics"
)

// Aggregator implements interfaces.IncidentSink over an IncidentStore.
type Aggregator struct {
	store interfaces.IncidentStore
	clock clock.Clock
}

// NewAggregator builds an incident aggregator.
func NewAggregator(store interfaces.IncidentStore, clk clock.Clock) *Aggregator {
	return &Aggregator{store: store, clock: clk}
}

// SummaryFor derives the deterministic incident summary from alert fields.
// Uniqueness of open incidents depends on this never changing for the same
// inputs.
func SummaryFor(alertType model.AlertType, service, endpoint string) string {
	switch {
	case endpoint != "":
		return fmt.Sprintf("%s: %s", alertType, endpoint)
	case service != "":
		return fmt.Sprintf("%s: %s", alertType, service)
	default:
		return string(alertType)
	}
}

// EnsureOpen finds the open incident for the tuple, creating it when
// absent. A higher severity upgrades the record; every call appends the
// update to the trail.
func (a *Aggregator) EnsureOpen(ctx context.Context, target model.TargetType, targetID, summary string, severity model.Severity, update string) error {
	now := a.clock.Now()

	in, err := a.store.FindOpenIncident(ctx, target, targetID, summary)
	if errors.Is(err, fwerrors.ErrIncidentNotFound) {
		in = &model.Incident{
			TargetType: target,
			TargetID:   targetID,
			Severity:   severity,
			Status:     model.IncidentOpen,
			Summary:    summary,
			StartedAt:  now,
			Updates: []model.IncidentUpdate{
				{At: now, Severity: severity, Message: update},
			},
		}
		if err := a.store.InsertIncident(ctx, in); err != nil {
			return err
		}
		metrics.IncidentsOpen.Inc()
		logger.Info().
			Str("target_type", string(target)).
			Str("target_id", targetID).
			Str("summary", summary).
			Str("severity", string(severity)).
			Msg("Incident opened")
		return nil
	}
	if err != nil {
		return err
	}

	changed := false
	if severity.Rank() > in.Severity.Rank() {
		in.Severity = severity
		changed = true
	}
	if update != "" {
		in.Updates = append(in.Updates, model.IncidentUpdate{At: now, Severity: severity, Message: update})
		changed = true
	}
	if !changed {
		return nil
	}
	return a.store.UpdateIncident(ctx, in)
}

// Resolve closes the open incident for the tuple, appending a final
// update. Missing incidents are a no-op.
func (a *Aggregator) Resolve(ctx context.Context, target model.TargetType, targetID, summary, reason string) error {
	in, err := a.store.FindOpenIncident(ctx, target, targetID, summary)
	if errors.Is(err, fwerrors.ErrIncidentNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	now := a.clock.Now()
	in.Status = model.IncidentResolved
	in.ResolvedAt = &now
	in.Updates = append(in.Updates, model.IncidentUpdate{At: now, Message: reason})
	if err := a.store.UpdateIncident(ctx, in); err != nil {
		return err
	}
	metrics.IncidentsOpen.Dec()
	logger.Info().
		Str("target_type", string(target)).
		Str("target_id", targetID).
		Str("summary", summary).
		Str("reason", reason).
		Dur("duration", now.Sub(in.StartedAt)).
		Msg("Incident resolved")
	return nil
}
