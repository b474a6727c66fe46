// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package interfaces

import (
	"context"

	"github.com/soothill/fleetwatch/model"
)

// Dispatcher fans a rendered notification out to every matching channel.
// Delivery is best-effort: failures are logged and counted, never
// propagated to lifecycle decisions.
type Dispatcher interface {
	Dispatch(ctx context.Context, n model.Notification)
}

// IncidentSink is the narrow interface the alert engine, prober, and
// license monitor use to mirror their state into incidents. Implementations
// must tolerate storage failure; callers log and continue.
type IncidentSink interface {
	EnsureOpen(ctx context.Context, target model.TargetType, targetID, summary string, severity model.Severity, update string) error
	Resolve(ctx context.Context, target model.TargetType, targetID, summary, reason string) error
}
