// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package incidents

import (
	"context"
	"testing"
	"time"

	"github.com/soothill/fleetwatch/model"
	"github.com/soothill/fleetwatch/pkg/clock"
	"github.com/soothill/fleetwatch/storage"
)

func newAggregator(t *testing.T) (*Aggregator, *storage.MemoryStore, *clock.Mock) {
	t.Helper()
	store := storage.NewMemoryStore()
	clk := clock.NewMock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	return NewAggregator(store, clk), store, clk
}

func TestSummaryFor(t *testing.T) {
	tests := []struct {
		name      string
		alertType model.AlertType
		service   string
		endpoint  string
		want      string
	}{
		{"bare type", model.AlertOffline, "", "", "offline"},
		{"service", model.AlertServiceDown, "nginx", "", "service_down: nginx"},
		{"endpoint wins over service", model.AlertHighLatency, "asterisk", "sip:100", "high_latency: sip:100"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SummaryFor(tt.alertType, tt.service, tt.endpoint); got != tt.want {
				t.Errorf("SummaryFor() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEnsureOpen_CreatesOnce(t *testing.T) {
	agg, store, clk := newAggregator(t)
	ctx := context.Background()

	if err := agg.EnsureOpen(ctx, model.TargetDevice, "dev-1", "offline", model.SeverityWarning, "no data for 90s"); err != nil {
		t.Fatalf("EnsureOpen() error = %v", err)
	}
	clk.Advance(5 * time.Minute)
	if err := agg.EnsureOpen(ctx, model.TargetDevice, "dev-1", "offline", model.SeverityWarning, "still down"); err != nil {
		t.Fatalf("EnsureOpen() second call error = %v", err)
	}

	open, err := store.ListOpenIncidents(ctx)
	if err != nil {
		t.Fatalf("ListOpenIncidents() error = %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("expected 1 open incident, got %d", len(open))
	}
	if len(open[0].Updates) != 2 {
		t.Errorf("expected 2 trail updates, got %d", len(open[0].Updates))
	}
}

func TestEnsureOpen_UpgradesSeverity(t *testing.T) {
	agg, store, _ := newAggregator(t)
	ctx := context.Background()

	_ = agg.EnsureOpen(ctx, model.TargetDevice, "dev-1", "offline", model.SeverityWarning, "down")
	_ = agg.EnsureOpen(ctx, model.TargetDevice, "dev-1", "offline", model.SeverityCritical, "worse")
	// A later lower severity must not downgrade.
	_ = agg.EnsureOpen(ctx, model.TargetDevice, "dev-1", "offline", model.SeverityWarning, "flapping")

	in, err := store.FindOpenIncident(ctx, model.TargetDevice, "dev-1", "offline")
	if err != nil {
		t.Fatalf("FindOpenIncident() error = %v", err)
	}
	if in.Severity != model.SeverityCritical {
		t.Errorf("severity = %s, want critical", in.Severity)
	}
}

func TestResolve(t *testing.T) {
	agg, store, clk := newAggregator(t)
	ctx := context.Background()

	_ = agg.EnsureOpen(ctx, model.TargetSynthetic, "chk-1", "service_down: https://example.com", model.SeverityCritical, "status 502")
	clk.Advance(10 * time.Minute)

	if err := agg.Resolve(ctx, model.TargetSynthetic, "chk-1", "service_down: https://example.com", "status 200"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	open, _ := store.ListOpenIncidents(ctx)
	if len(open) != 0 {
		t.Fatalf("expected no open incidents, got %d", len(open))
	}

	// Resolving again is a no-op.
	if err := agg.Resolve(ctx, model.TargetSynthetic, "chk-1", "service_down: https://example.com", "again"); err != nil {
		t.Errorf("Resolve() on resolved incident error = %v", err)
	}
}

func TestEnsureOpen_DistinctSummariesStayDistinct(t *testing.T) {
	agg, store, _ := newAggregator(t)
	ctx := context.Background()

	_ = agg.EnsureOpen(ctx, model.TargetDevice, "dev-1", "service_down: nginx", model.SeverityCritical, "down")
	_ = agg.EnsureOpen(ctx, model.TargetDevice, "dev-1", "service_down: redis", model.SeverityCritical, "down")

	open, _ := store.ListOpenIncidents(ctx)
	if len(open) != 2 {
		t.Fatalf("expected 2 open incidents, got %d", len(open))
	}
}
