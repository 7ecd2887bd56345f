// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.
package policy_engine

import (
	"fmt"
	"sort"

	"github.com/AleutianAI/deploygate/services/gate/outcome"
	"gopkg.in/yaml.v3"
)

type Severity string

const (
	Deny Severity = "deny"
	Warn Severity = "warn"
)

func (s *Severity) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	incoming := Severity(raw)
	switch incoming {
	case Deny, Warn:
		*s = incoming
		return nil
	default:
		return fmt.Errorf("invalid value for severity: %q", incoming)
	}
}

// RuleFile is the embedded ruleset document.
type RuleFile struct {
	Version int              `yaml:"version"`
	Rules   []RuleDefinition `yaml:"rules"`
}

// RuleDefinition is the metadata of one rule. The predicate is in code.
type RuleDefinition struct {
	ID       string   `yaml:"id" json:"id"`
	Severity Severity `yaml:"severity" json:"severity"`

	// Override is the override key that can permit a deny finding.
	Override string `yaml:"override,omitempty" json:"override,omitempty"`

	// Escalate is the override key that raises a warn rule to deny.
	Escalate string `yaml:"escalate,omitempty" json:"escalate,omitempty"`

	Rationale string `yaml:"rationale" json:"rationale"`
}

// Finding is one rule firing against one service.
type Finding struct {
	RuleID   string   `json:"rule_id"`
	Severity Severity `json:"severity"`

	// Service is empty for workload-wide findings such as parse errors.
	Service string `json:"service,omitempty"`

	Detail    string `json:"detail"`
	Rationale string `json:"rationale"`

	// PermittedBy names the override key that turned a deny into a warning.
	PermittedBy string `json:"permitted_by,omitempty"`
}

func (f Finding) String() string {
	where := f.Service
	if where == "" {
		where = "manifest"
	}
	s := fmt.Sprintf("%s [%s] %s: %s", f.Severity, f.RuleID, where, f.Detail)
	if f.PermittedBy != "" {
		s += " (permitted by " + f.PermittedBy + ")"
	}
	return s
}

// Decision is the complete result of evaluating one workload.
type Decision struct {
	Accepted   bool      `json:"accepted"`
	Violations []Finding `json:"violations,omitempty"`
	Warnings   []Finding `json:"warnings,omitempty"`
}

// RuleIDs returns the distinct ids of every violation, sorted.
func (d Decision) RuleIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, v := range d.Violations {
		if !seen[v.RuleID] {
			seen[v.RuleID] = true
			ids = append(ids, v.RuleID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Err returns nil for an accepted decision, otherwise a
// *outcome.PolicyViolationError naming the violated rules.
func (d Decision) Err() error {
	if d.Accepted {
		return nil
	}
	return &outcome.PolicyViolationError{RuleIDs: d.RuleIDs()}
}
