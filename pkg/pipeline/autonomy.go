package pipeline

import "sort"

// BuildPlan groups approved tasks by assignee domain, ordering each
// group by priority ascending then task ID, per the autonomy stage.
func BuildPlan(tasks []TaskRecommendation) Plan {
	domains := make(map[string][]PlanEntry)

	for _, t := range tasks {
		domains[t.AssigneeDomain] = append(domains[t.AssigneeDomain], PlanEntry{
			ID:       t.ID,
			EventID:  t.EventID,
			Priority: t.Priority,
		})
	}

	for domain, entries := range domains {
		sort.Slice(entries, func(i, j int) bool {
			if entries[i].Priority != entries[j].Priority {
				return entries[i].Priority < entries[j].Priority
			}
			return entries[i].ID < entries[j].ID
		})
		domains[domain] = entries
	}

	return Plan{Domains: domains}
}

// PlanDomains returns the plan's domain keys in sorted order, for
// deterministic audit payloads.
func PlanDomains(p Plan) []string {
	out := make([]string, 0, len(p.Domains))
	for d := range p.Domains {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}
