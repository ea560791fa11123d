package pipeline

import (
	"fmt"
	"sort"

	"github.com/sentinelmesh/oversight/pkg/config"
)

// DecisionStats summarizes one decision pass for the audit entry.
type DecisionStats struct {
	Approved       int
	Pending        int
	GeneratedInfra int
	Traces         map[string]DecisionTrace
}

// ApproverCheck records one active approver's contribution toward a
// task's approval requirement, for ExplainTask/DecisionTrace.
type ApproverCheck struct {
	ApproverID string   `json:"approver_id"`
	Roles      []string `json:"roles,omitempty"`
	Valid      bool     `json:"valid"`
	Reason     string   `json:"reason"`
}

// DecisionTrace explains why a task did or did not auto-approve: the
// roles/min_approvals it needed, and which active approvers were
// checked and why each did or didn't count toward satisfying them.
type DecisionTrace struct {
	TaskID        string          `json:"task_id"`
	RequiredRoles []string        `json:"required_roles,omitempty"`
	MinApprovals  int             `json:"min_approvals"`
	Checks        []ApproverCheck `json:"checks,omitempty"`
	Outcome       TaskStatus      `json:"outcome"`
}

// ExplainTask returns the DecisionTrace recorded for taskID during
// Decide, if any, so a caller can render why a given task did or did
// not auto-approve without re-deriving RBAC state.
func (s DecisionStats) ExplainTask(taskID string) (DecisionTrace, bool) {
	trace, ok := s.Traces[taskID]
	return trace, ok
}

// roleRequirement accumulates the required roles and minimum approval
// count for one task as they are gathered from RBAC config, action
// defaults, and task-level overrides; only the final union/max is
// carried on the exported TaskRecommendation's approval outcome.
type roleRequirement struct {
	roles        map[string]struct{}
	minApprovals int
}

func newRoleRequirement() roleRequirement {
	return roleRequirement{roles: map[string]struct{}{}}
}

func (r *roleRequirement) addRoles(roles []string) {
	for _, role := range roles {
		r.roles[role] = struct{}{}
	}
}

func (r *roleRequirement) raiseMin(n int) {
	if n > r.minApprovals {
		r.minApprovals = n
	}
}

func (r roleRequirement) sortedRoles() []string {
	out := make([]string, 0, len(r.roles))
	for role := range r.roles {
		out = append(out, role)
	}
	sort.Strings(out)
	return out
}

// Decide produces base and infrastructure task recommendations for
// every open event and evaluates each task's approval state against
// human_loop and RBAC config.
func Decide(events []Event, pipelineCfg config.PipelineConfig) ([]TaskRecommendation, DecisionStats, error) {
	humanLoop := pipelineCfg.HumanLoop
	rbac := pipelineCfg.RBAC
	infra := pipelineCfg.Infrastructure

	var tasks []TaskRecommendation
	stats := DecisionStats{Traces: map[string]DecisionTrace{}}

	for _, e := range events {
		if e.Status != "open" {
			continue
		}

		base := buildBaseTask(e)
		generated := []TaskRecommendation{base}

		for _, mapping := range infra.Mappings {
			if mapping.Match.Category != "" && mapping.Match.Category != e.Category {
				continue
			}
			if mapping.Match.Domain != "" && mapping.Match.Domain != e.Domain {
				continue
			}
			for _, tmpl := range mapping.Tasks {
				generated = append(generated, buildInfraTask(e, tmpl))
				stats.GeneratedInfra++
			}
		}

		for i := range generated {
			t := generated[i]
			req := gatherRequirement(t, rbac, infra)
			t.RequiresApproval = requiresApproval(t.AssigneeDomain, humanLoop)

			status, approvedBy, trace, err := evaluateApproval(e, t, req, humanLoop, rbac)
			if err != nil {
				return nil, stats, err
			}
			t.Status = status
			t.ApprovedBy = approvedBy
			stats.Traces[t.ID] = trace

			if status == TaskApproved {
				stats.Approved++
			} else if status == TaskPendingApproval {
				stats.Pending++
			}

			tasks = append(tasks, t)
		}
	}

	return tasks, stats, nil
}

func buildBaseTask(e Event) TaskRecommendation {
	domain := e.Domain
	if domain == "multi" {
		domain = "land"
	}
	rank := e.Rank()
	confidence := 0.5 + 0.1*float64(rank)
	if confidence > 1 {
		confidence = 1
	}
	if confidence < 0 {
		confidence = 0
	}
	tenant := e.Tenant
	if tenant == "" {
		tenant = "default"
	}

	return TaskRecommendation{
		ID:             fmt.Sprintf("task_%s_investigate", e.ID),
		EventID:        e.ID,
		Action:         "investigate",
		AssigneeDomain: domain,
		Priority:       Priority(rank),
		Rationale:      fmt.Sprintf("%s (severity=%s, domain=%s)", e.Summary, e.Severity, e.Domain),
		Confidence:     confidence,
		Tenant:         tenant,
	}
}

func buildInfraTask(e Event, tmpl config.TaskTemplate) TaskRecommendation {
	tenant := e.Tenant
	if tenant == "" {
		tenant = "default"
	}
	rank := e.Rank()

	return TaskRecommendation{
		ID:                 fmt.Sprintf("task_%s_%s_%s", e.ID, tmpl.Action, tmpl.AssetID),
		EventID:             e.ID,
		Action:              tmpl.Action,
		AssigneeDomain:      tmpl.AssigneeDomain,
		Priority:            Priority(rank),
		Rationale:           fmt.Sprintf("%s (severity=%s, domain=%s)", e.Summary, e.Severity, e.Domain),
		Confidence:          0.5 + 0.1*float64(rank),
		InfrastructureType:  tmpl.InfrastructureType,
		AssetID:             tmpl.AssetID,
		Tenant:              tenant,
		RequiredRoles:       tmpl.RequiredRoles,
		MinApprovals:        tmpl.MinApprovals,
	}
}

// Priority maps a severity rank (1..4) to task priority (5-rank,
// floored at 1, 1 highest).
func Priority(rank int) int {
	p := 5 - rank
	if p < 1 {
		return 1
	}
	return p
}

func requiresApproval(domain string, cfg config.HumanLoopConfig) bool {
	if cfg.DefaultRequireApproval {
		return true
	}
	for _, d := range cfg.DomainRequireApproval {
		if d == domain {
			return true
		}
	}
	return false
}

// gatherRequirement computes required_roles as the union of
// rbac.required_roles[domain], rbac.action_requirements[action],
// infra.action_defaults[action], and the task's own per-task override
// (infrastructure.mappings[].tasks[].required_roles/min_approvals,
// carried on t.RequiredRoles/t.MinApprovals by buildInfraTask), and
// min_approvals as the max of all applicable minimums, per the Open
// Question resolution.
func gatherRequirement(t TaskRecommendation, rbac config.RBACConfig, infra config.InfrastructureConfig) roleRequirement {
	req := newRoleRequirement()
	req.raiseMin(rbac.MinApprovals)

	if roles, ok := rbac.RequiredRoles[t.AssigneeDomain]; ok {
		req.addRoles(roles)
	}
	if ar, ok := rbac.ActionRequirements[t.Action]; ok {
		req.addRoles(ar.RequiredRoles)
		req.raiseMin(ar.MinApprovals)
	}
	if ad, ok := infra.ActionDefaults[t.Action]; ok {
		req.addRoles(ad.RequiredRoles)
		req.raiseMin(ad.MinApprovals)
	}
	req.addRoles(t.RequiredRoles)
	req.raiseMin(t.MinApprovals)

	return req
}

// evaluateApproval implements the signed-token RBAC approval check
// from spec §4.5: a task auto-approves if enough distinct active
// approvers present valid signed tokens covering the required roles,
// or if no approval is configured/required at all. It also builds the
// DecisionTrace explaining the outcome, for ExplainTask/decision_done.
func evaluateApproval(e Event, t TaskRecommendation, req roleRequirement, humanLoop config.HumanLoopConfig, rbac config.RBACConfig) (TaskStatus, string, DecisionTrace, error) {
	trace := DecisionTrace{TaskID: t.ID, RequiredRoles: req.sortedRoles(), MinApprovals: req.minApprovals}

	if !t.RequiresApproval {
		trace.Outcome = TaskApproved
		return TaskApproved, "", trace, nil
	}

	message := ApprovalMessage(e.ID, t.AssigneeDomain, t.Action, t.Tenant)

	approvers := make(map[string]config.Approver, len(rbac.Approvers))
	for _, a := range rbac.Approvers {
		approvers[a.ID] = a
	}

	validRoles := map[string]struct{}{}
	var validIDs []string
	seen := map[string]bool{}

	for _, active := range rbac.ActiveApprovers {
		approver, ok := approvers[active.ID]
		if !ok {
			trace.Checks = append(trace.Checks, ApproverCheck{ApproverID: active.ID, Reason: "unknown approver id"})
			continue
		}
		if !VerifyApproval(approver.Secret, message, active.Token) {
			trace.Checks = append(trace.Checks, ApproverCheck{ApproverID: active.ID, Roles: approver.Roles, Reason: "invalid or stale signature"})
			continue
		}
		if seen[active.ID] {
			trace.Checks = append(trace.Checks, ApproverCheck{ApproverID: active.ID, Roles: approver.Roles, Reason: "duplicate approver id"})
			continue
		}
		seen[active.ID] = true
		validIDs = append(validIDs, active.ID)
		for _, role := range approver.Roles {
			validRoles[role] = struct{}{}
		}
		trace.Checks = append(trace.Checks, ApproverCheck{ApproverID: active.ID, Roles: approver.Roles, Valid: true, Reason: "valid signed token"})
	}
	sort.Strings(validIDs)

	meetsCount := len(validIDs) >= req.minApprovals
	meetsRoles := true
	for role := range req.roles {
		if _, ok := validRoles[role]; !ok {
			meetsRoles = false
			break
		}
	}
	hasApprover := len(validIDs) > 0

	if meetsCount && meetsRoles && (humanLoop.AutoApprove || hasApprover) {
		trace.Outcome = TaskApproved
		return TaskApproved, joinApprovers(validIDs), trace, nil
	}

	if req.minApprovals == 0 && humanLoop.AllowUnsignedAutoApprove && len(req.roles) == 0 {
		trace.Outcome = TaskApproved
		return TaskApproved, humanLoop.Approver, trace, nil
	}

	trace.Outcome = TaskPendingApproval
	return TaskPendingApproval, "", trace, nil
}

func joinApprovers(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	out := ids[0]
	for _, id := range ids[1:] {
		out += "," + id
	}
	return out
}
