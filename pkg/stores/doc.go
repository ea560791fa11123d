// Package stores provides the persistence layer for risk counters used
// by the guardrails stage. It includes a SQLite-based RiskStore with
// WAL mode, connection pooling, and atomic per-key windowed-reset
// increments, so risk budgets hold across process restarts and not
// just within a single run.
package stores
