// Package policy implements the governance checkpoints of the
// oversight pipeline: a pre-decision filter on emitted events
// (blocked domains/categories, severity caps) and a pre-export filter
// on task recommendations (forbidden actions).
//
// The block and forbid checks of both filters are evaluated by a single
// built-in Rego module, compiled once and parameterized entirely
// through rego.Input, so config changes never require recompiling or
// reloading a policy. Severity caps are a plain map lookup in Go
// (ApplySeverityCap), not a Rego decision.
//
//	ev, err := policy.NewEvaluator(ctx, logger)
//	decision, err := ev.EvaluateEvent(ctx, event.Domain, event.Category, cfg)
//	if decision.Dropped {
//	    // audit governance_drop with decision.Reason
//	}
package policy
