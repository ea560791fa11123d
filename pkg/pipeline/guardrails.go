package pipeline

import (
	"context"
	"path"

	"github.com/sentinelmesh/oversight/pkg/config"
	"github.com/sentinelmesh/oversight/pkg/stores"
)

// GuardrailDrop records one cap breach for the audit log.
type GuardrailDrop struct {
	Rule         string
	DroppedCount int
}

// GuardrailsResult is the outcome of one guardrails pass.
type GuardrailsResult struct {
	Approved       []TaskRecommendation
	RiskHeld       []TaskRecommendation
	Drops          []GuardrailDrop
	HealthAlert    bool
	TotalConsidered int
}

// eventIndex looks a task's source event up by ID so guardrails can
// determine criticality without carrying a duplicated flag on the task.
type eventIndex map[string]Event

func newEventIndex(events []Event) eventIndex {
	idx := make(eventIndex, len(events))
	for _, e := range events {
		idx[e.ID] = e
	}
	return idx
}

// ApplyGuardrails applies rate limits and then the risk budget to the
// approved subset of tasks, in the order specified by spec: per-event,
// per-domain, total, per-asset-infra, then risk budget.
func ApplyGuardrails(ctx context.Context, tasks []TaskRecommendation, events []Event, cfg config.GuardrailsConfig, store stores.RiskStore, now int64) (GuardrailsResult, error) {
	var approved []TaskRecommendation
	var pendingAndHeld []TaskRecommendation
	for _, t := range tasks {
		if t.Status == TaskApproved {
			approved = append(approved, t)
		} else {
			pendingAndHeld = append(pendingAndHeld, t)
		}
	}

	result := GuardrailsResult{TotalConsidered: len(approved)}
	rl := cfg.RateLimits

	approved, dropped := capPerEvent(approved, rl.PerEvent)
	if dropped > 0 {
		result.Drops = append(result.Drops, GuardrailDrop{Rule: "per_event", DroppedCount: dropped})
	}

	approved, dropped = capPerDomain(approved, rl.PerDomain)
	if dropped > 0 {
		result.Drops = append(result.Drops, GuardrailDrop{Rule: "per_domain", DroppedCount: dropped})
	}

	approved, dropped = capTotal(approved, rl.Total)
	if dropped > 0 {
		result.Drops = append(result.Drops, GuardrailDrop{Rule: "total", DroppedCount: dropped})
	}

	approved, dropped = capPerAssetInfra(approved, rl.PerAssetInfra, rl.PerAssetInfraPatterns)
	if dropped > 0 {
		result.Drops = append(result.Drops, GuardrailDrop{Rule: "per_asset_infra", DroppedCount: dropped})
	}

	totalDropped := 0
	for _, d := range result.Drops {
		totalDropped += d.DroppedCount
	}
	if result.TotalConsidered > 0 && cfg.HealthAlertDropRatio > 0 {
		ratio := float64(totalDropped) / float64(result.TotalConsidered)
		if ratio > cfg.HealthAlertDropRatio {
			result.HealthAlert = true
		}
	}

	idx := newEventIndex(events)
	finalApproved, riskHeld, err := applyRiskBudget(ctx, approved, idx, cfg, store, now)
	if err != nil {
		return GuardrailsResult{}, err
	}

	result.Approved = finalApproved
	result.RiskHeld = riskHeld
	return result, nil
}

func capPerEvent(tasks []TaskRecommendation, n int) ([]TaskRecommendation, int) {
	if n <= 0 {
		return tasks, 0
	}
	counts := map[string]int{}
	var kept []TaskRecommendation
	dropped := 0
	for _, t := range tasks {
		if counts[t.EventID] < n {
			kept = append(kept, t)
			counts[t.EventID]++
		} else {
			dropped++
		}
	}
	return kept, dropped
}

func capPerDomain(tasks []TaskRecommendation, limits map[string]int) ([]TaskRecommendation, int) {
	if len(limits) == 0 {
		return tasks, 0
	}
	counts := map[string]int{}
	var kept []TaskRecommendation
	dropped := 0
	for _, t := range tasks {
		limit, ok := limits[t.AssigneeDomain]
		if !ok {
			kept = append(kept, t)
			continue
		}
		if counts[t.AssigneeDomain] < limit {
			kept = append(kept, t)
			counts[t.AssigneeDomain]++
		} else {
			dropped++
		}
	}
	return kept, dropped
}

func capTotal(tasks []TaskRecommendation, n int) ([]TaskRecommendation, int) {
	if n <= 0 || len(tasks) <= n {
		return tasks, 0
	}
	return tasks[:n], len(tasks) - n
}

func capPerAssetInfra(tasks []TaskRecommendation, limits map[string]int, patterns []config.AssetPattern) ([]TaskRecommendation, int) {
	if len(limits) == 0 && len(patterns) == 0 {
		return tasks, 0
	}
	counts := map[string]int{}
	var kept []TaskRecommendation
	dropped := 0
	for _, t := range tasks {
		if t.AssetID == "" {
			kept = append(kept, t)
			continue
		}
		limit, ok := limits[t.AssetID]
		if !ok {
			for _, p := range patterns {
				if ok2, _ := path.Match(p.Pattern, t.AssetID); ok2 {
					limit, ok = p.N, true
					break
				}
			}
		}
		if !ok {
			kept = append(kept, t)
			continue
		}
		if counts[t.AssetID] < limit {
			kept = append(kept, t)
			counts[t.AssetID]++
		} else {
			dropped++
		}
	}
	return kept, dropped
}

// applyRiskBudget increments the per-tenant "critical" RiskCounter for
// every approved task whose source event is critical severity, rolling
// any task that pushes the count past its budget back to risk_hold.
func applyRiskBudget(ctx context.Context, tasks []TaskRecommendation, idx eventIndex, cfg config.GuardrailsConfig, store stores.RiskStore, now int64) ([]TaskRecommendation, []TaskRecommendation, error) {
	var kept []TaskRecommendation
	var held []TaskRecommendation

	for _, t := range tasks {
		event, ok := idx[t.EventID]
		if !ok || event.Severity != SeverityCritical {
			kept = append(kept, t)
			continue
		}

		budget, hasBudget := cfg.RiskBudgets[t.Tenant]
		if !hasBudget || budget.Max <= 0 {
			kept = append(kept, t)
			continue
		}

		result, err := store.IncrementAndGet(ctx, t.Tenant, "critical", budget.WindowSec, 1, now)
		if err != nil {
			return nil, nil, NewStoreError(t.Tenant, "failed to increment risk counter", err)
		}

		if result.Count <= int64(budget.Max) {
			kept = append(kept, t)
			continue
		}

		// overage counts breaches beyond the first: the task that first
		// pushes the counter past budget.Max holds for exactly one
		// backoff interval (overage=0), not one doubling already
		// applied, matching the literal worked S5 acceptance scenario.
		overage := result.Count - int64(budget.Max) - 1
		if overage < 0 {
			overage = 0
		}
		backoff := cfg.RiskBackoffBaseSec
		if backoff <= 0 {
			backoff = 1
		}
		t.Status = TaskRiskHold
		t.HoldReason = "risk_budget_exceeded"
		t.HoldUntilEpoch = now + backoff*powInt64(2, overage)
		held = append(held, t)
	}

	return kept, held, nil
}

func powInt64(base, exp int64) int64 {
	result := int64(1)
	for i := int64(0); i < exp; i++ {
		result *= base
	}
	return result
}

// DropSummary renders a GuardrailDrop for audit payloads.
func (d GuardrailDrop) DropSummary() map[string]any {
	return map[string]any{"rule": d.Rule, "dropped_count": d.DroppedCount}
}
