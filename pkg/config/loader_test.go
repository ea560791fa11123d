package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

const baseYAML = `
pipeline:
  ingest:
    mode: scenario
  governance:
    block_domains: ["air"]
    block_categories: ["port_scan"]
    severity_caps:
      cyber: warning
  human_loop:
    default_require_approval: true
  rbac:
    min_approvals: 1
  guardrails:
    risk_store_path: /tmp/risk.db
    rate_limits:
      per_event: 5
  infrastructure: {}
  export:
    formats: ["json"]
audit:
  path: /tmp/audit.jsonl
  actor: oversight-pipeline
rules:
  path: /tmp/rules.yaml
`

const policyPackYAML = `
pipeline:
  governance:
    block_domains: ["air", "maritime"]
`

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

func TestLoader_Load_Base(t *testing.T) {
	dir := t.TempDir()
	path := writeTempFile(t, dir, "config.yaml", baseYAML)

	l := NewLoader()
	cfg, err := l.Load(context.Background(), path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Pipeline.Ingest.Mode != "scenario" {
		t.Errorf("expected ingest mode scenario, got %q", cfg.Pipeline.Ingest.Mode)
	}
	if len(cfg.Pipeline.Governance.BlockDomains) != 1 || cfg.Pipeline.Governance.BlockDomains[0] != "air" {
		t.Errorf("unexpected block domains: %v", cfg.Pipeline.Governance.BlockDomains)
	}
}

func TestLoader_Load_PolicyPackOverridesLeafList(t *testing.T) {
	dir := t.TempDir()
	basePath := writeTempFile(t, dir, "config.yaml", baseYAML)
	packPath := writeTempFile(t, dir, "pack.yaml", policyPackYAML)

	l := NewLoader()
	cfg, err := l.Load(context.Background(), basePath, packPath)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if len(cfg.Pipeline.Governance.BlockDomains) != 2 {
		t.Fatalf("expected pack to replace block_domains entirely, got %v", cfg.Pipeline.Governance.BlockDomains)
	}
	// severity_caps was not present in the pack, so it must survive untouched.
	if cfg.Pipeline.Governance.SeverityCaps["cyber"] != "warning" {
		t.Errorf("expected base severity_caps to be preserved, got %v", cfg.Pipeline.Governance.SeverityCaps)
	}
}

func TestLoader_Load_MinimalCompleteConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeTempFile(t, dir, "config.yaml", `
pipeline:
  guardrails:
    risk_store_path: /tmp/risk.db
  export:
    formats: ["json"]
audit:
  path: /tmp/audit.jsonl
  actor: oversight-pipeline
rules:
  path: /tmp/rules.yaml
`)

	l := NewLoader()
	if _, err := l.Load(context.Background(), path); err != nil {
		t.Fatalf("expected minimal but complete config to load, got %v", err)
	}
}

func TestCanonicalHash_Deterministic(t *testing.T) {
	dir := t.TempDir()
	path := writeTempFile(t, dir, "config.yaml", baseYAML)

	l := NewLoader()
	cfg, err := l.Load(context.Background(), path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	h1, err := CanonicalHash(cfg)
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	h2, err := CanonicalHash(cfg)
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if h1 != h2 {
		t.Errorf("expected stable hash, got %q and %q", h1, h2)
	}
}
