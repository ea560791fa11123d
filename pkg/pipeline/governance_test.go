package pipeline

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/sentinelmesh/oversight/pkg/policy"
)

func newTestEvaluator(t *testing.T) *policy.Evaluator {
	t.Helper()
	ev, err := policy.NewEvaluator(context.Background(), zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to construct evaluator: %v", err)
	}
	return ev
}

func TestFilterEvents_DropsBlockedDomain(t *testing.T) {
	ev := newTestEvaluator(t)
	events := []Event{
		{ID: "ev1", Domain: "restricted", Category: "c", Severity: SeverityWarning},
		{ID: "ev2", Domain: "air", Category: "c", Severity: SeverityWarning},
	}
	cfg := policy.Config{BlockDomains: []string{"restricted"}}

	kept, stats, err := FilterEvents(context.Background(), ev, events, cfg)
	if err != nil {
		t.Fatalf("FilterEvents failed: %v", err)
	}
	if len(kept) != 1 || kept[0].ID != "ev2" {
		t.Fatalf("expected only ev2 to survive, got %+v", kept)
	}
	if stats.Dropped != 1 {
		t.Fatalf("expected stats.Dropped=1, got %d", stats.Dropped)
	}
}

func TestFilterEvents_CapsSeverityForConfiguredDomain(t *testing.T) {
	ev := newTestEvaluator(t)
	events := []Event{{ID: "ev1", Domain: "air", Category: "c", Severity: SeverityCritical}}
	cfg := policy.Config{SeverityCaps: map[string]string{"air": "warning"}}

	kept, stats, err := FilterEvents(context.Background(), ev, events, cfg)
	if err != nil {
		t.Fatalf("FilterEvents failed: %v", err)
	}
	if len(kept) != 1 || kept[0].Severity != SeverityWarning {
		t.Fatalf("expected severity capped to warning, got %+v", kept)
	}
	if stats.Capped != 1 {
		t.Fatalf("expected stats.Capped=1, got %d", stats.Capped)
	}
}

func TestFilterTasks_DropsForbiddenAction(t *testing.T) {
	ev := newTestEvaluator(t)
	tasks := []TaskRecommendation{
		{ID: "t1", Action: "shutdown_grid"},
		{ID: "t2", Action: "investigate"},
	}
	cfg := policy.Config{ForbidActions: []string{"shutdown_grid"}}

	kept, dropped, err := FilterTasks(context.Background(), ev, tasks, cfg)
	if err != nil {
		t.Fatalf("FilterTasks failed: %v", err)
	}
	if len(kept) != 1 || kept[0].ID != "t2" {
		t.Fatalf("expected only t2 to survive, got %+v", kept)
	}
	if len(dropped) != 1 || dropped[0].TaskID != "t1" || dropped[0].Action != "shutdown_grid" {
		t.Fatalf("expected 1 dropped task record for t1/shutdown_grid, got %+v", dropped)
	}
}
