package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

// Evaluator evaluates the governance Rego module against runtime
// input, compiled once at construction and reused across an entire
// run (and across runs, since the module carries no per-run state).
type Evaluator struct {
	logger     zerolog.Logger
	eventQuery rego.PreparedEvalQuery
	taskQuery  rego.PreparedEvalQuery
}

// NewEvaluator compiles the built-in governance module and prepares
// its two queries for reuse.
func NewEvaluator(ctx context.Context, logger zerolog.Logger) (*Evaluator, error) {
	eventQuery, err := rego.New(
		rego.Module("governance.rego", governanceModule),
		rego.Query("data.governance.deny_event"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare deny_event query: %w", err)
	}

	taskQuery, err := rego.New(
		rego.Module("governance.rego", governanceModule),
		rego.Query("data.governance.deny_task"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare deny_task query: %w", err)
	}

	return &Evaluator{
		logger:     logger.With().Str("component", "governance").Logger(),
		eventQuery: eventQuery,
		taskQuery:  taskQuery,
	}, nil
}

// EvaluateEvent applies the pre-decision checkpoint: drop any event
// whose domain is in block_domains or category is in block_categories.
func (e *Evaluator) EvaluateEvent(ctx context.Context, domain, category string, cfg Config) (EventDecision, error) {
	input := map[string]any{
		"domain":           domain,
		"category":         category,
		"block_domains":    nonNil(cfg.BlockDomains),
		"block_categories": nonNil(cfg.BlockCategories),
	}

	results, err := e.eventQuery.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return EventDecision{}, fmt.Errorf("governance deny_event evaluation failed: %w", err)
	}

	reason := firstDenyReason(results)
	if reason == "" {
		return EventDecision{}, nil
	}
	return EventDecision{Dropped: true, Reason: reason}, nil
}

// EvaluateTask applies the pre-export checkpoint: drop any task whose
// action is in forbid_actions.
func (e *Evaluator) EvaluateTask(ctx context.Context, action string, cfg Config) (TaskDecision, error) {
	input := map[string]any{
		"action":         action,
		"forbid_actions": nonNil(cfg.ForbidActions),
	}

	results, err := e.taskQuery.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return TaskDecision{}, fmt.Errorf("governance deny_task evaluation failed: %w", err)
	}

	reason := firstDenyReason(results)
	if reason == "" {
		return TaskDecision{}, nil
	}
	return TaskDecision{Dropped: true, Reason: reason}, nil
}

// ApplySeverityCap returns the capped severity for a domain's event,
// and whether a cap was actually applied (i.e. lowered the severity).
// This single decision stays a direct map/rank comparison in Go rather
// than a Rego rule: it is a deterministic value lookup, not a policy
// allow/deny decision, so routing it through rego.Input/Eval would add
// evaluation overhead without changing the semantics.
func ApplySeverityCap(domain, severity string, cfg Config, rank func(string) int) (capped string, wasLowered bool) {
	cap, ok := cfg.SeverityCaps[domain]
	if !ok {
		return severity, false
	}
	if rank(cap) < rank(severity) {
		return cap, true
	}
	return severity, false
}

// firstDenyReason extracts the first deny message from a rego result
// set, or "" if the set is empty.
func firstDenyReason(results rego.ResultSet) string {
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		set, ok := result.Expressions[0].Value.([]interface{})
		if !ok || len(set) == 0 {
			continue
		}
		if msg, ok := set[0].(string); ok {
			return msg
		}
	}
	return ""
}

// nonNil returns an empty slice instead of nil, since Rego treats a
// nil input field as undefined rather than an empty set.
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
