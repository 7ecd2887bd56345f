// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/deploygate/services/gate/outcome"
)

const cleanManifest = `
services:
  api:
    image: ghcr.io/acme/api:1.0.0
    healthcheck:
      test: ["CMD", "true"]
    deploy:
      resources:
        limits: {cpus: "0.5", memory: 128M}
`

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := execute(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func writeManifest(t *testing.T, body string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "api")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, "compose.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func noOverride(t *testing.T) string {
	return filepath.Join(t.TempDir(), "absent-policy.yaml")
}

func TestPolicyCheck_AcceptedManifestJSON(t *testing.T) {
	path := writeManifest(t, cleanManifest)

	code, stdout, _ := run(t, "policy", "check", path, "--env", "staging", "--override", noOverride(t))
	require.Equal(t, outcome.ExitOK, code)

	var report policyReport
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	assert.True(t, report.Accepted)
	assert.Equal(t, "staging", report.Environment)
	assert.Equal(t, "api", report.Workload)
	assert.Equal(t, "local", report.Version)
	assert.Empty(t, report.Violations)
	assert.Empty(t, report.Override)
}

func TestPolicyCheck_ViolationExitsRejected(t *testing.T) {
	path := writeManifest(t, cleanManifest+"    privileged: true\n")

	code, stdout, _ := run(t, "policy", "check", path, "--env", "production", "--override", noOverride(t), "-o", "json")
	require.Equal(t, outcome.ExitRejected, code)

	var report policyReport
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	assert.False(t, report.Accepted)
	assert.Contains(t, report.RuleIDs, "privileged-container")
}

func TestPolicyCheck_TextOutput(t *testing.T) {
	path := writeManifest(t, cleanManifest+"    privileged: true\n")

	code, stdout, _ := run(t, "policy", "check", path, "--env", "dev", "--override", noOverride(t), "-o", "text", "--name", "web", "--version", "2.0.0")
	require.Equal(t, outcome.ExitRejected, code)
	assert.Contains(t, stdout, "DENY: [privileged-container] api:")
	assert.Contains(t, stdout, "SUMMARY: rejected violations=")
}

func TestPolicyCheck_UnparseableManifestIsRejected(t *testing.T) {
	path := writeManifest(t, "services: [not, a, map]\n")

	code, stdout, _ := run(t, "policy", "check", path, "--env", "dev", "--override", noOverride(t))
	require.Equal(t, outcome.ExitRejected, code)

	var report policyReport
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	assert.False(t, report.Accepted)
	assert.NotEmpty(t, report.RuleIDs)
}

func TestPolicyCheck_UsageErrors(t *testing.T) {
	path := writeManifest(t, cleanManifest)

	tests := []struct {
		name string
		args []string
	}{
		{"unknown environment", []string{"policy", "check", path, "--env", "qa", "--override", noOverride(t)}},
		{"missing environment", []string{"policy", "check", path}},
		{"unknown output", []string{"policy", "check", path, "--env", "dev", "-o", "xml", "--override", noOverride(t)}},
		{"missing manifest", []string{"policy", "check", filepath.Join(t.TempDir(), "none.yaml"), "--env", "dev", "--override", noOverride(t)}},
		{"no manifest argument", []string{"policy", "check", "--env", "dev"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			code, _, stderr := run(t, tc.args...)
			assert.Equal(t, outcome.ExitUsage, code)
			assert.Contains(t, stderr, "deploygate:")
		})
	}
}

func TestPolicyRules_ListsRules(t *testing.T) {
	code, stdout, _ := run(t, "policy", "rules")
	require.Equal(t, outcome.ExitOK, code)
	assert.Contains(t, stdout, "RULE")
	assert.Contains(t, stdout, "privileged-container")

	code, stdout, _ = run(t, "policy", "rules", "-o", "json")
	require.Equal(t, outcome.ExitOK, code)
	var rules []map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &rules))
	assert.NotEmpty(t, rules)
}

func TestExecute_UnknownCommandIsUsage(t *testing.T) {
	code, _, stderr := run(t, "rollback", "staging")
	assert.Equal(t, outcome.ExitUsage, code)
	assert.Contains(t, stderr, "unknown command")
}

func TestDispatch_RequiresCaller(t *testing.T) {
	code, _, stderr := run(t, "dispatch", "status", "staging")
	assert.Equal(t, outcome.ExitUsage, code)
	assert.Contains(t, stderr, "caller")
}
