// Package config decodes and validates the pipeline's YAML
// configuration document: pipeline.{ingest, governance, human_loop,
// rbac, guardrails, infrastructure, export}, audit, and the rule file
// reference.
//
// Loading happens in two passes. First a CUE schema registry checks
// the structural shape of each section (required fields, enum values,
// map value types); then validator/v10 struct tags check cross-field
// and required-ness constraints on the fully decoded Go tree. A
// --policy-pack file, if given, is decoded the same way and deep-merged
// onto the base document: leaf lists in the pack replace the base's
// rather than append to it, so a pack can narrow block_domains without
// inheriting entries it didn't list.
//
//	loader := config.NewLoader()
//	cfg, err := loader.Load(ctx, "config.yaml", "policy-pack.yaml")
//	hash, err := config.CanonicalHash(cfg)
package config
