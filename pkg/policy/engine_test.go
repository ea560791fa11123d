package policy

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
)

func newTestEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	ev, err := NewEvaluator(context.Background(), zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create evaluator: %v", err)
	}
	return ev
}

func TestEvaluateEvent_BlockedDomain(t *testing.T) {
	ev := newTestEvaluator(t)
	cfg := Config{BlockDomains: []string{"air"}}

	decision, err := ev.EvaluateEvent(context.Background(), "air", "intrusion", cfg)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if !decision.Dropped {
		t.Fatal("expected event to be dropped for blocked domain")
	}
	if decision.Reason != "block_domain" {
		t.Errorf("expected reason block_domain, got %q", decision.Reason)
	}
}

func TestEvaluateEvent_BlockedCategory(t *testing.T) {
	ev := newTestEvaluator(t)
	cfg := Config{BlockCategories: []string{"port_scan"}}

	decision, err := ev.EvaluateEvent(context.Background(), "cyber", "port_scan", cfg)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if !decision.Dropped {
		t.Fatal("expected event to be dropped for blocked category")
	}
	if decision.Reason != "block_category" {
		t.Errorf("expected reason block_category, got %q", decision.Reason)
	}
}

func TestEvaluateEvent_Allowed(t *testing.T) {
	ev := newTestEvaluator(t)
	cfg := Config{BlockDomains: []string{"air"}, BlockCategories: []string{"port_scan"}}

	decision, err := ev.EvaluateEvent(context.Background(), "cyber", "malware", cfg)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if decision.Dropped {
		t.Fatalf("expected event to pass, got dropped with reason %q", decision.Reason)
	}
}

func TestEvaluateTask_ForbiddenAction(t *testing.T) {
	ev := newTestEvaluator(t)
	cfg := Config{ForbidActions: []string{"disable_power"}}

	decision, err := ev.EvaluateTask(context.Background(), "disable_power", cfg)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if !decision.Dropped {
		t.Fatal("expected task to be dropped for forbidden action")
	}
	if decision.Reason != "forbid_action" {
		t.Errorf("expected reason forbid_action, got %q", decision.Reason)
	}
}

func TestEvaluateTask_Allowed(t *testing.T) {
	ev := newTestEvaluator(t)
	cfg := Config{ForbidActions: []string{"disable_power"}}

	decision, err := ev.EvaluateTask(context.Background(), "notify_operator", cfg)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if decision.Dropped {
		t.Fatalf("expected task to pass, got dropped with reason %q", decision.Reason)
	}
}

func mockRank(s string) int {
	switch s {
	case "notice":
		return 2
	case "warning":
		return 3
	case "critical":
		return 4
	default:
		return 1
	}
}

func TestApplySeverityCap_LowersSeverity(t *testing.T) {
	cfg := Config{SeverityCaps: map[string]string{"cyber": "warning"}}

	capped, lowered := ApplySeverityCap("cyber", "critical", cfg, mockRank)
	if !lowered {
		t.Fatal("expected severity to be lowered")
	}
	if capped != "warning" {
		t.Errorf("expected capped severity warning, got %q", capped)
	}
}

func TestApplySeverityCap_NeverRaises(t *testing.T) {
	cfg := Config{SeverityCaps: map[string]string{"cyber": "critical"}}

	capped, lowered := ApplySeverityCap("cyber", "info", cfg, mockRank)
	if lowered {
		t.Fatal("expected no change when cap is higher than current severity")
	}
	if capped != "info" {
		t.Errorf("expected severity to remain info, got %q", capped)
	}
}

func TestApplySeverityCap_NoCapConfigured(t *testing.T) {
	cfg := Config{}

	capped, lowered := ApplySeverityCap("cyber", "critical", cfg, mockRank)
	if lowered {
		t.Fatal("expected no change when no cap is configured for domain")
	}
	if capped != "critical" {
		t.Errorf("expected severity unchanged, got %q", capped)
	}
}
