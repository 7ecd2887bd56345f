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

	"github.com/AleutianAI/deploygate/services/gate/manifest"
	"github.com/AleutianAI/deploygate/services/policy_engine/enforcement"
	"gopkg.in/yaml.v3"
)

type rule struct {
	def      RuleDefinition
	check    predicate
	escalate func(Override) bool
}

// PolicyEngine evaluates workloads against the ordered deployment ruleset.
// It holds no per-invocation state and is safe for concurrent use.
type PolicyEngine struct {
	rules []rule
	meta  map[string]RuleDefinition
}

// NewPolicyEngine builds the engine from the embedded ruleset.
//
// It takes no arguments: the rule metadata is baked into the binary by the
// enforcement package. Construction fails if the embedded YAML is malformed,
// names a rule with no predicate, or omits a rule that has one.
func NewPolicyEngine() (*PolicyEngine, error) {
	var file RuleFile
	if err := yaml.Unmarshal(enforcement.DefaultRules, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal the embedded ruleset: %w", err)
	}
	return newEngine(file)
}

func newEngine(file RuleFile) (*PolicyEngine, error) {
	if file.Version != 1 {
		return nil, fmt.Errorf("unsupported ruleset version %d", file.Version)
	}
	e := &PolicyEngine{meta: make(map[string]RuleDefinition)}
	for _, def := range file.Rules {
		if _, dup := e.meta[def.ID]; dup {
			return nil, fmt.Errorf("duplicate rule id %q", def.ID)
		}
		e.meta[def.ID] = def
		if def.ID == RuleManifestUnparseable || def.ID == RuleOverrideInvalid {
			continue
		}
		check, ok := predicates[def.ID]
		if !ok {
			return nil, fmt.Errorf("rule %q has no predicate", def.ID)
		}
		e.rules = append(e.rules, rule{def: def, check: check, escalate: escalations[def.ID]})
	}
	for id := range predicates {
		if _, ok := e.meta[id]; !ok {
			return nil, fmt.Errorf("predicate %q missing from the ruleset", id)
		}
	}
	for _, id := range []string{RuleManifestUnparseable, RuleOverrideInvalid} {
		if _, ok := e.meta[id]; !ok {
			return nil, fmt.Errorf("rule %q missing from the ruleset", id)
		}
	}
	return e, nil
}

// Rules returns the rule metadata in evaluation order, workload-wide rules
// included.
func (e *PolicyEngine) Rules() []RuleDefinition {
	out := []RuleDefinition{e.meta[RuleManifestUnparseable], e.meta[RuleOverrideInvalid]}
	for _, r := range e.rules {
		out = append(out, r.def)
	}
	return out
}

// Evaluate checks every service against every rule.
//
// # Description
//
// Nothing short-circuits: the decision carries every violation and warning
// so one report is enough to fix a manifest. A deny finding whose override
// applies is reported as a warning naming the override key. A warn rule
// whose escalation flag is set becomes a deny. Evaluate does no I/O.
//
// # Inputs
//
//   - w: the parsed workload. A nil workload is treated as unparseable.
//   - o: the resolved override for the target environment.
//
// # Example
//
//	d := engine.Evaluate(w, policy_engine.DefaultOverride("staging"))
//	if !d.Accepted {
//	    return d.Err()
//	}
func (e *PolicyEngine) Evaluate(w *manifest.Workload, o Override) Decision {
	if w == nil {
		return e.Unparseable(fmt.Errorf("no manifest"))
	}
	var d Decision
	for i := range w.Services {
		svc := &w.Services[i]
		for _, r := range e.rules {
			severity := r.def.Severity
			if r.escalate != nil && r.escalate(o) {
				severity = Deny
			}
			for _, h := range r.check(w, svc, o) {
				f := Finding{
					RuleID:    r.def.ID,
					Severity:  severity,
					Service:   svc.Name,
					Detail:    h.detail,
					Rationale: r.def.Rationale,
				}
				switch {
				case h.permitted != "":
					f.Severity = Warn
					f.PermittedBy = h.permitted
					d.Warnings = append(d.Warnings, f)
				case severity == Deny:
					d.Violations = append(d.Violations, f)
				default:
					d.Warnings = append(d.Warnings, f)
				}
			}
		}
	}
	d.Accepted = len(d.Violations) == 0
	return d
}

// Unparseable is the decision for a manifest that could not be parsed.
func (e *PolicyEngine) Unparseable(err error) Decision {
	return e.universalDeny(RuleManifestUnparseable, err)
}

// OverrideRejected is the decision when the override file is unusable.
func (e *PolicyEngine) OverrideRejected(err error) Decision {
	return e.universalDeny(RuleOverrideInvalid, err)
}

func (e *PolicyEngine) universalDeny(id string, err error) Decision {
	def := e.meta[id]
	return Decision{
		Violations: []Finding{{
			RuleID:    id,
			Severity:  Deny,
			Detail:    err.Error(),
			Rationale: def.Rationale,
		}},
	}
}
