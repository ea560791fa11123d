package policy

// governanceModule is the single static Rego policy evaluated by the
// Evaluator. It is parameterized entirely through rego.Input, so
// config changes to block_domains/block_categories/forbid_actions
// never require recompiling or reloading a policy.
const governanceModule = `package governance

import rego.v1

deny_event contains msg if {
	input.domain == input.block_domains[_]
	msg := "block_domain"
}

deny_event contains msg if {
	input.category == input.block_categories[_]
	msg := "block_category"
}

deny_task contains msg if {
	input.action == input.forbid_actions[_]
	msg := "forbid_action"
}
`
