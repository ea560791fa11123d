package pipeline

import (
	"context"
	"fmt"

	"github.com/sentinelmesh/oversight/pkg/policy"
)

// GovernanceStats summarizes one governance pass for the audit entry.
type GovernanceStats struct {
	Dropped int
	Capped  int
}

// FilterEvents applies the pre-decision governance checkpoint: drop
// any event whose domain or category is blocked, then lower the
// severity of any remaining event whose domain has a configured cap.
// Output preserves the input's rule-emission order.
func FilterEvents(ctx context.Context, ev *policy.Evaluator, events []Event, cfg policy.Config) ([]Event, GovernanceStats, error) {
	var kept []Event
	var stats GovernanceStats

	for _, e := range events {
		decision, err := ev.EvaluateEvent(ctx, e.Domain, e.Category, cfg)
		if err != nil {
			return nil, stats, NewConfigError("pipeline.governance", fmt.Sprintf("governance evaluation failed for event %s", e.ID), err)
		}
		if decision.Dropped {
			stats.Dropped++
			continue
		}

		if capped, lowered := policy.ApplySeverityCap(e.Domain, string(e.Severity), cfg, func(s string) int {
			return SeverityRank(Severity(s))
		}); lowered {
			e.Severity = Severity(capped)
			stats.Capped++
		}

		kept = append(kept, e)
	}

	return kept, stats, nil
}

// ForbiddenTaskDrop records one task dropped by the pre-export
// governance checkpoint, for the governance_forbid audit entry.
type ForbiddenTaskDrop struct {
	TaskID string
	Action string
}

// FilterTasks applies the pre-export governance checkpoint: drop any
// task whose action is forbidden.
func FilterTasks(ctx context.Context, ev *policy.Evaluator, tasks []TaskRecommendation, cfg policy.Config) ([]TaskRecommendation, []ForbiddenTaskDrop, error) {
	var kept []TaskRecommendation
	var dropped []ForbiddenTaskDrop

	for _, t := range tasks {
		decision, err := ev.EvaluateTask(ctx, t.Action, cfg)
		if err != nil {
			return nil, nil, NewConfigError("pipeline.governance", fmt.Sprintf("governance evaluation failed for task %s", t.ID), err)
		}
		if decision.Dropped {
			dropped = append(dropped, ForbiddenTaskDrop{TaskID: t.ID, Action: t.Action})
			continue
		}
		kept = append(kept, t)
	}

	return kept, dropped, nil
}
