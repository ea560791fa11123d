package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// RuleCondition is one of the recognized match predicates beyond plain
// domain/source_type equality.
type RuleCondition struct {
	Type      string         `yaml:"type"`
	Threshold any            `yaml:"threshold,omitempty"`
	Equals    map[string]any `yaml:"equals,omitempty"`
}

// RuleWhen is a rule's match predicate.
type RuleWhen struct {
	Domain     string         `yaml:"domain,omitempty"`
	SourceType string         `yaml:"source_type,omitempty"`
	Condition  *RuleCondition `yaml:"condition,omitempty"`
}

// RuleThen is a rule's event template.
type RuleThen struct {
	Category string `yaml:"category"`
	Severity string `yaml:"severity,omitempty"`
	Summary  string `yaml:"summary"`
}

// Rule pairs a match predicate with the event it emits.
type Rule struct {
	ID   string   `yaml:"id"`
	When RuleWhen `yaml:"when"`
	Then RuleThen `yaml:"then"`
}

type ruleDocument struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules decodes the declarative rule-set document at path.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewConfigError(path, "failed to read rules file", err)
	}
	var doc ruleDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, NewConfigError(path, "failed to parse rules file", err)
	}
	for i, r := range doc.Rules {
		if r.ID == "" {
			return nil, NewConfigError(path, fmt.Sprintf("rules[%d]: missing id", i), nil)
		}
		if r.When.Condition != nil {
			switch r.When.Condition.Type {
			case "altitude_below", "night_motion", "port_scan", "keyword", "details_equals":
			default:
				return nil, NewConfigError(path, fmt.Sprintf("rules[%d]: unknown condition type %q", i, r.When.Condition.Type), nil)
			}
		}
	}
	return doc.Rules, nil
}

// EvaluateRules runs every rule against every reading in declaration
// order, emitting one Event per (reading, matching rule) pair in
// (reading order, rule order). Duplicate event IDs within a run
// indicate a rule misconfiguration and fail loudly.
func EvaluateRules(readings []SensorReading, rules []Rule) ([]Event, error) {
	seen := make(map[string]struct{})
	var events []Event

	for _, r := range readings {
		for _, rule := range rules {
			if !matches(r, rule.When) {
				continue
			}

			id := "ev_" + r.ID + "_" + rule.ID
			if _, dup := seen[id]; dup {
				return nil, NewConfigError(rule.ID, fmt.Sprintf("duplicate event id %q: rule misconfiguration", id), nil)
			}
			seen[id] = struct{}{}

			severity := Severity(rule.Then.Severity)
			if severity == "" {
				severity = SeverityInfo
			}

			trackID, _ := r.Details["track_id"].(string)
			if trackID == "" {
				trackID = "unknown"
			}

			hash, err := detailsHash(r.Details)
			if err != nil {
				return nil, NewConfigError(rule.ID, "failed to hash reading details", err)
			}

			events = append(events, Event{
				ID:       id,
				Category: rule.Then.Category,
				Severity: severity,
				Status:   "open",
				Domain:   r.Domain,
				Summary:  rule.Then.Summary,
				Tenant:   readingTenant(r),
				TimeWindow: TimeWindow{
					StartMS: r.TSMillis,
					EndMS:   r.TSMillis,
				},
				Entities: []string{trackID},
				Sources:  []string{r.SensorID},
				Tags:     []string{rule.ID},
				Evidence: []Evidence{{
					Type:        "sensor_reading",
					ID:          r.ID,
					Source:      r.SensorID,
					Hash:        hash,
					Observables: r.Details,
				}},
			})
		}
	}

	return events, nil
}

// readingTenant returns the reading's tenant, falling back to
// details.tenant for sources that carry tenancy as a loose detail
// field rather than the typed SensorReading.Tenant column. Downstream
// decision defaulting only applies once this returns "".
func readingTenant(r SensorReading) string {
	if r.Tenant != "" {
		return r.Tenant
	}
	if t, ok := r.Details["tenant"].(string); ok {
		return t
	}
	return ""
}

func matches(r SensorReading, when RuleWhen) bool {
	if when.Domain != "" && when.Domain != r.Domain {
		return false
	}
	if when.SourceType != "" && when.SourceType != r.SourceType {
		return false
	}
	if when.Condition == nil {
		return true
	}
	return matchesCondition(r, *when.Condition)
}

func matchesCondition(r SensorReading, cond RuleCondition) bool {
	switch cond.Type {
	case "altitude_below":
		threshold, ok := asFloat(cond.Threshold)
		if !ok {
			return false
		}
		altitude, ok := asFloat(r.Details["altitude_ft"])
		if !ok {
			return false
		}
		return altitude < threshold

	case "night_motion":
		flag, _ := r.Details["night_motion"].(bool)
		return flag

	case "port_scan":
		threshold, ok := asFloat(cond.Threshold)
		if !ok {
			return false
		}
		count, ok := asFloat(r.Details["scan_count"])
		if !ok {
			return false
		}
		return count >= threshold

	case "keyword":
		keyword, ok := cond.Threshold.(string)
		if !ok {
			return false
		}
		text, ok := r.Details["text"].(string)
		if !ok {
			return false
		}
		return strings.Contains(strings.ToLower(text), strings.ToLower(keyword))

	case "details_equals":
		for k, v := range cond.Equals {
			if r.Details[k] != v {
				return false
			}
		}
		return true

	default:
		return false
	}
}

// asFloat coerces dynamic JSON-decoded numeric values (float64 from
// JSON, or YAML's int/float64) to float64. Unsupported types are not
// errors: the condition simply evaluates false per the details model.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// detailsHash computes the SHA-256 hex digest over the canonical
// (sorted-key, whitespace-free) JSON serialization of a reading's
// details map.
func detailsHash(details map[string]any) (string, error) {
	canonical, err := json.Marshal(details)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
