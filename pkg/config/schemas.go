package config

import (
	"context"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for structural validation of the
// decoded configuration document, ahead of the validator/v10 struct
// tag pass.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	ctx := cuecontext.New()
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}

	sr.registerBuiltInSchemas()

	return sr
}

// registerBuiltInSchemas registers all built-in schemas.
func (sr *SchemaRegistry) registerBuiltInSchemas() {
	sr.RegisterSchema("ingest", builtinIngestSchema)
	sr.RegisterSchema("governance", builtinGovernanceSchema)
	sr.RegisterSchema("guardrails", builtinGuardrailsSchema)
	sr.RegisterSchema("rbac", builtinRBACSchema)
	sr.RegisterSchema("audit", builtinAuditSchema)
}

// RegisterSchema registers a CUE schema with the given name.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	return names
}

// Built-in schema definitions

const builtinIngestSchema = `
#Ingest: {
	mode?: "scenario" | "tail" | "modules_media"
	tail?: {
		path?:              string
		max_items?:         int
		poll_interval_sec?: int
	}
	media?: {
		path?: string
	}
	modules?: {
		enable_vision?:  bool
		enable_audio?:   bool
		enable_thermal?: bool
		enable_gait?:    bool
		enable_scene?:   bool
	}
}
`

const builtinGovernanceSchema = `
#Governance: {
	block_domains?:    [...string]
	block_categories?: [...string]
	severity_caps?:    {[string]: "info" | "notice" | "warning" | "critical"}
	forbid_actions?:   [...string]
}
`

const builtinGuardrailsSchema = `
#Guardrails: {
	rate_limits?: {
		per_event?:        int
		per_domain?:       {[string]: int}
		total?:            int
		per_asset_infra?:  {[string]: int}
	}
	risk_budgets?: {[string]: {
		max?:        int
		window_sec?: int
	}}
	risk_backoff_base_sec?: int
	risk_store_path:        string
}
`

const builtinRBACSchema = `
#RBAC: {
	approvers?: [...{
		id:      string
		secret?: string
		roles?:  [...string]
	}]
	min_approvals?:   int
	required_roles?:  {[string]: [...string]}
}
`

const builtinAuditSchema = `
#Audit: {
	path:             string
	actor:            string
	sign_secret?:     string
	verify_on_start?: bool
	require_signing?: bool
}
`

// ValidateIngest validates an ingest configuration against its schema.
func (sr *SchemaRegistry) ValidateIngest(ctx context.Context, cfg IngestConfig) error {
	return sr.ValidateAgainstSchema(ctx, "ingest", cfg)
}

// ValidateGovernance validates a governance configuration against its schema.
func (sr *SchemaRegistry) ValidateGovernance(ctx context.Context, cfg interface{}) error {
	return sr.ValidateAgainstSchema(ctx, "governance", cfg)
}

// ValidateGuardrails validates a guardrails configuration against its schema.
func (sr *SchemaRegistry) ValidateGuardrails(ctx context.Context, cfg GuardrailsConfig) error {
	return sr.ValidateAgainstSchema(ctx, "guardrails", cfg)
}

// ValidateRBAC validates an RBAC configuration against its schema.
func (sr *SchemaRegistry) ValidateRBAC(ctx context.Context, cfg RBACConfig) error {
	return sr.ValidateAgainstSchema(ctx, "rbac", cfg)
}

// ValidateAudit validates an audit configuration against its schema.
func (sr *SchemaRegistry) ValidateAudit(ctx context.Context, cfg AuditConfig) error {
	return sr.ValidateAgainstSchema(ctx, "audit", cfg)
}
