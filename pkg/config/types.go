package config

import (
	"github.com/sentinelmesh/oversight/pkg/policy"
)

// Config is the root structured configuration document: sections
// pipeline.{ingest, governance, human_loop, rbac, guardrails,
// infrastructure, export}, audit, and the rule file reference.
type Config struct {
	Pipeline PipelineConfig `yaml:"pipeline" validate:"required"`
	Audit    AuditConfig    `yaml:"audit" validate:"required"`
	Rules    RulesConfig    `yaml:"rules" validate:"required"`
}

// PipelineConfig groups every stage-scoped configuration section.
type PipelineConfig struct {
	Ingest         IngestConfig         `yaml:"ingest"`
	Governance     policy.Config        `yaml:"governance"`
	HumanLoop      HumanLoopConfig      `yaml:"human_loop"`
	RBAC           RBACConfig           `yaml:"rbac"`
	Guardrails     GuardrailsConfig     `yaml:"guardrails"`
	Infrastructure InfrastructureConfig `yaml:"infrastructure"`
	Export         ExportConfig         `yaml:"export"`
}

// RulesConfig points at the declarative rule-set document evaluated
// by the rules stage.
type RulesConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// IngestConfig configures the ingest stage's three recognized modes.
type IngestConfig struct {
	Mode    string        `yaml:"mode" validate:"omitempty,oneof=scenario tail modules_media"`
	Tail    TailConfig    `yaml:"tail"`
	Media   MediaConfig   `yaml:"media"`
	Modules ModulesConfig `yaml:"modules"`
}

// TailConfig configures line-delimited file tailing.
type TailConfig struct {
	Path            string `yaml:"path"`
	MaxItems        int    `yaml:"max_items"`
	PollIntervalSec int    `yaml:"poll_interval_sec"`
}

// MediaConfig configures the external media-module adapter.
type MediaConfig struct {
	Path string `yaml:"path"`
}

// ModulesConfig toggles individual media-analytics modules.
type ModulesConfig struct {
	EnableVision  bool `yaml:"enable_vision"`
	EnableAudio   bool `yaml:"enable_audio"`
	EnableThermal bool `yaml:"enable_thermal"`
	EnableGait    bool `yaml:"enable_gait"`
	EnableScene   bool `yaml:"enable_scene"`
}

// HumanLoopConfig configures when a task recommendation requires a
// human approval and whether unsigned auto-approval is permitted.
type HumanLoopConfig struct {
	DefaultRequireApproval   bool     `yaml:"default_require_approval"`
	DomainRequireApproval    []string `yaml:"domain_require_approval"`
	AutoApprove              bool     `yaml:"auto_approve"`
	AllowUnsignedAutoApprove bool     `yaml:"allow_unsigned_auto_approve"`
	Approver                 string   `yaml:"approver"`
}

// Approver is a registered RBAC principal and the secret used to sign
// their approval tokens.
type Approver struct {
	ID     string   `yaml:"id" validate:"required"`
	Secret string   `yaml:"secret"`
	Roles  []string `yaml:"roles"`
}

// ActiveApprover is an approver presenting a token for the current run.
type ActiveApprover struct {
	ID    string `yaml:"id" validate:"required"`
	Token string `yaml:"token" validate:"required"`
}

// ActionRequirement names the roles and minimum approval count needed
// to approve a task recommending a given action.
type ActionRequirement struct {
	RequiredRoles []string `yaml:"required_roles"`
	MinApprovals  int      `yaml:"min_approvals"`
}

// RBACConfig configures signed-token approval gating.
type RBACConfig struct {
	Approvers          []Approver                   `yaml:"approvers"`
	ActiveApprovers    []ActiveApprover             `yaml:"active_approvers"`
	MinApprovals       int                           `yaml:"min_approvals"`
	RequiredRoles      map[string][]string           `yaml:"required_roles"`
	ActionRequirements map[string]ActionRequirement `yaml:"action_requirements"`
}

// AssetPattern is a glob-style rate limit applied to matching asset ids.
type AssetPattern struct {
	Pattern string `yaml:"pattern" validate:"required"`
	N       int    `yaml:"n"`
}

// RateLimits configures guardrail caps enforced before risk budgets.
type RateLimits struct {
	PerEvent              int                    `yaml:"per_event"`
	PerDomain             map[string]int         `yaml:"per_domain"`
	Total                 int                    `yaml:"total"`
	PerAssetInfra         map[string]int         `yaml:"per_asset_infra"`
	PerAssetInfraPatterns []AssetPattern         `yaml:"per_asset_infra_patterns"`
}

// RiskBudget bounds how many critical-severity tasks a tenant may have
// approved within a rolling window before new ones are held.
type RiskBudget struct {
	Max       int   `yaml:"max"`
	WindowSec int64 `yaml:"window_sec"`
}

// GuardrailsConfig configures rate limits and risk budgets.
type GuardrailsConfig struct {
	RateLimits           RateLimits            `yaml:"rate_limits"`
	RiskBudgets          map[string]RiskBudget `yaml:"risk_budgets"`
	RiskBackoffBaseSec   int64                 `yaml:"risk_backoff_base_sec"`
	RiskStorePath        string                `yaml:"risk_store_path" validate:"required"`
	HealthAlertDropRatio float64               `yaml:"health_alert_drop_ratio"`
}

// TaskTemplate is one infrastructure task recipe produced when a
// mapping's match condition is satisfied.
type TaskTemplate struct {
	Action             string   `yaml:"action" validate:"required"`
	AssetID            string   `yaml:"asset_id"`
	InfrastructureType string   `yaml:"infrastructure_type"`
	AssigneeDomain     string   `yaml:"assignee_domain"`
	RequiredRoles      []string `yaml:"required_roles,omitempty"`
	MinApprovals       int      `yaml:"min_approvals,omitempty"`
}

// MappingMatch selects which events a Mapping applies to.
type MappingMatch struct {
	Category string `yaml:"category"`
	Domain   string `yaml:"domain"`
}

// Mapping associates a match condition with the task templates it
// produces.
type Mapping struct {
	Match MappingMatch  `yaml:"match"`
	Tasks []TaskTemplate `yaml:"tasks" validate:"required,min=1"`
}

// InfrastructureConfig configures how decision turns events into
// infrastructure task recommendations.
type InfrastructureConfig struct {
	Mappings       []Mapping                    `yaml:"mappings"`
	ActionDefaults map[string]ActionRequirement `yaml:"action_defaults"`
}

// FileSinkConfig configures a line-delimited export sink with
// size-based rollover.
type FileSinkConfig struct {
	Path           string `yaml:"path"`
	RotateMaxBytes int64  `yaml:"rotate_max_bytes"`
}

// HTTPForwardConfig configures bounded-retry HTTP forwarding with a
// dead-letter fallback.
type HTTPForwardConfig struct {
	URL            string `yaml:"url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Retries        int    `yaml:"retries"`
	BackoffSeconds int    `yaml:"backoff_seconds"`
	DLQPath        string `yaml:"dlq_path"`
}

// InfrastructureSinkConfig configures the infrastructure-actions file
// sink and its optional HTTP forwarding.
type InfrastructureSinkConfig struct {
	Path           string             `yaml:"path"`
	RotateMaxBytes int64              `yaml:"rotate_max_bytes"`
	HTTP           *HTTPForwardConfig `yaml:"http,omitempty"`
}

// ExportConfig configures which export sinks run and how each is
// parameterized.
type ExportConfig struct {
	Formats        []string                 `yaml:"formats" validate:"required,min=1"`
	TaskJSONL      FileSinkConfig           `yaml:"task_jsonl"`
	Infrastructure InfrastructureSinkConfig `yaml:"infrastructure"`
	Webhook        HTTPForwardConfig        `yaml:"webhook"`
}

// AuditConfig configures the hash-chained audit log.
type AuditConfig struct {
	Path           string `yaml:"path" validate:"required"`
	Actor          string `yaml:"actor" validate:"required"`
	SignSecret     string `yaml:"sign_secret"`
	VerifyOnStart  bool   `yaml:"verify_on_start"`
	RequireSigning bool   `yaml:"require_signing"`
}
