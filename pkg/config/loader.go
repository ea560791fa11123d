package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/sentinelmesh/oversight/pkg/policy"
)

// Loader decodes the YAML configuration document, validates it against
// the built-in CUE schemas and struct tags, and applies policy-pack
// overlays.
type Loader struct {
	schemaRegistry *SchemaRegistry
	validator      *validator.Validate
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		schemaRegistry: NewSchemaRegistry(),
		validator:      validator.New(),
	}
}

// Load reads and decodes the base configuration file at path, then
// deep-merges each policy pack onto it in order. Policy packs may only
// narrow or replace leaf values; replaced lists are not concatenated
// with the base, so a pack's shorter block_domains list fully
// overrides the base's rather than appending to it.
func (l *Loader) Load(ctx context.Context, path string, policyPackPaths ...string) (*Config, error) {
	cfg, err := l.loadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}

	for _, packPath := range policyPackPaths {
		pack, err := l.loadFile(packPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load policy pack %s: %w", packPath, err)
		}
		cfg = mergeConfig(cfg, pack)
	}

	if err := l.Validate(ctx, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFile decodes a single YAML document into a Config.
func (l *Loader) loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse yaml: %w", err)
	}

	return &cfg, nil
}

// Validate runs CUE schema validation on each section followed by
// validator/v10 struct-tag validation on the whole document.
func (l *Loader) Validate(ctx context.Context, cfg *Config) error {
	if err := l.schemaRegistry.ValidateIngest(ctx, cfg.Pipeline.Ingest); err != nil {
		return fmt.Errorf("pipeline.ingest: %w", err)
	}
	if err := l.schemaRegistry.ValidateGovernance(ctx, cfg.Pipeline.Governance); err != nil {
		return fmt.Errorf("pipeline.governance: %w", err)
	}
	if err := l.schemaRegistry.ValidateGuardrails(ctx, cfg.Pipeline.Guardrails); err != nil {
		return fmt.Errorf("pipeline.guardrails: %w", err)
	}
	if err := l.schemaRegistry.ValidateRBAC(ctx, cfg.Pipeline.RBAC); err != nil {
		return fmt.Errorf("pipeline.rbac: %w", err)
	}
	if err := l.schemaRegistry.ValidateAudit(ctx, cfg.Audit); err != nil {
		return fmt.Errorf("audit: %w", err)
	}

	if err := l.validator.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	return nil
}

// CanonicalHash returns a stable sha256 hex digest of the merged
// configuration, recorded in the run_start audit entry so a run's
// effective policy is reproducible and auditable after the fact.
func CanonicalHash(cfg *Config) (string, error) {
	canonical, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal config for hashing: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// mergeConfig deep-merges overlay onto base and returns a new Config.
// Scalars and leaf slices/maps in overlay replace base's, except
// severity_caps, whose entries are merged key by key; zero-valued
// overlay fields leave base's value untouched.
func mergeConfig(base, overlay *Config) *Config {
	merged := *base

	mergePipeline(&merged.Pipeline, &overlay.Pipeline)
	mergeAudit(&merged.Audit, &overlay.Audit)
	mergeRules(&merged.Rules, &overlay.Rules)

	return &merged
}

func mergePipeline(base, overlay *PipelineConfig) {
	mergeIngest(&base.Ingest, &overlay.Ingest)
	mergeGovernance(&base.Governance, &overlay.Governance)
	mergeHumanLoop(&base.HumanLoop, &overlay.HumanLoop)
	mergeRBAC(&base.RBAC, &overlay.RBAC)
	mergeGuardrails(&base.Guardrails, &overlay.Guardrails)
	mergeInfrastructure(&base.Infrastructure, &overlay.Infrastructure)
	mergeExport(&base.Export, &overlay.Export)
}

func mergeIngest(base, overlay *IngestConfig) {
	if overlay.Mode != "" {
		base.Mode = overlay.Mode
	}
	if overlay.Tail.Path != "" {
		base.Tail = overlay.Tail
	}
	if overlay.Media.Path != "" {
		base.Media = overlay.Media
	}
	if overlay.Modules != (ModulesConfig{}) {
		base.Modules = overlay.Modules
	}
}

func mergeGovernance(base, overlay *policy.Config) {
	if overlay.BlockDomains != nil {
		base.BlockDomains = overlay.BlockDomains
	}
	if overlay.BlockCategories != nil {
		base.BlockCategories = overlay.BlockCategories
	}
	if overlay.ForbidActions != nil {
		base.ForbidActions = overlay.ForbidActions
	}
	if overlay.SeverityCaps != nil {
		if base.SeverityCaps == nil {
			base.SeverityCaps = map[string]string{}
		}
		for k, v := range overlay.SeverityCaps {
			base.SeverityCaps[k] = v
		}
	}
}

func mergeHumanLoop(base, overlay *HumanLoopConfig) {
	if overlay.DomainRequireApproval != nil {
		base.DomainRequireApproval = overlay.DomainRequireApproval
	}
	if overlay.Approver != "" {
		base.Approver = overlay.Approver
	}
	base.DefaultRequireApproval = overlay.DefaultRequireApproval || base.DefaultRequireApproval
	base.AutoApprove = overlay.AutoApprove || base.AutoApprove
	base.AllowUnsignedAutoApprove = overlay.AllowUnsignedAutoApprove || base.AllowUnsignedAutoApprove
}

func mergeRBAC(base, overlay *RBACConfig) {
	if overlay.Approvers != nil {
		base.Approvers = overlay.Approvers
	}
	if overlay.ActiveApprovers != nil {
		base.ActiveApprovers = overlay.ActiveApprovers
	}
	if overlay.MinApprovals != 0 {
		base.MinApprovals = overlay.MinApprovals
	}
	if overlay.RequiredRoles != nil {
		base.RequiredRoles = overlay.RequiredRoles
	}
	if overlay.ActionRequirements != nil {
		base.ActionRequirements = overlay.ActionRequirements
	}
}

func mergeGuardrails(base, overlay *GuardrailsConfig) {
	if overlay.RateLimits.PerEvent != 0 || overlay.RateLimits.Total != 0 ||
		overlay.RateLimits.PerDomain != nil || overlay.RateLimits.PerAssetInfra != nil ||
		overlay.RateLimits.PerAssetInfraPatterns != nil {
		base.RateLimits = overlay.RateLimits
	}
	if overlay.RiskBudgets != nil {
		base.RiskBudgets = overlay.RiskBudgets
	}
	if overlay.RiskBackoffBaseSec != 0 {
		base.RiskBackoffBaseSec = overlay.RiskBackoffBaseSec
	}
	if overlay.RiskStorePath != "" {
		base.RiskStorePath = overlay.RiskStorePath
	}
	if overlay.HealthAlertDropRatio != 0 {
		base.HealthAlertDropRatio = overlay.HealthAlertDropRatio
	}
}

func mergeInfrastructure(base, overlay *InfrastructureConfig) {
	if overlay.Mappings != nil {
		base.Mappings = overlay.Mappings
	}
	if overlay.ActionDefaults != nil {
		base.ActionDefaults = overlay.ActionDefaults
	}
}

func mergeExport(base, overlay *ExportConfig) {
	if overlay.Formats != nil {
		base.Formats = overlay.Formats
	}
	if overlay.TaskJSONL.Path != "" {
		base.TaskJSONL = overlay.TaskJSONL
	}
	if overlay.Infrastructure.Path != "" {
		base.Infrastructure = overlay.Infrastructure
	}
	if overlay.Webhook.URL != "" {
		base.Webhook = overlay.Webhook
	}
}

func mergeAudit(base, overlay *AuditConfig) {
	if overlay.Path != "" {
		base.Path = overlay.Path
	}
	if overlay.Actor != "" {
		base.Actor = overlay.Actor
	}
	if overlay.SignSecret != "" {
		base.SignSecret = overlay.SignSecret
	}
	base.VerifyOnStart = overlay.VerifyOnStart || base.VerifyOnStart
	base.RequireSigning = overlay.RequireSigning || base.RequireSigning
}

func mergeRules(base, overlay *RulesConfig) {
	if overlay.Path != "" {
		base.Path = overlay.Path
	}
}
