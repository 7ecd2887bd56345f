// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package enforcement bakes the deployment ruleset into the binary so the rule
metadata travels with the executable and cannot be edited on the host.
*/
package enforcement

import (
	_ "embed"
)

// DefaultRules holds the raw bytes of default_rules.yaml.
//
// Usage:
//
//	var file policy_engine.RuleFile
//	err := yaml.Unmarshal(enforcement.DefaultRules, &file)
//
//go:embed default_rules.yaml
var DefaultRules []byte
