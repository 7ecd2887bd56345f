// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/deploygate/services/gate/outcome"
)

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m), "line %q", sc.Text())
		out = append(out, m)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestFileLogger_Dispatch(t *testing.T) {
	dir := t.TempDir()
	l, err := NewFileLogger(dir)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, l.Dispatch(ctx, DispatchEvent{Caller: "ci", Command: "deploy staging api@1.0.0", Outcome: "succeeded"}))
	require.NoError(t, l.Dispatch(ctx, DispatchEvent{Caller: "ci", Command: "sync staging; rm -rf /\x1b[2J", Outcome: "usage", ExitCode: 64}))
	require.NoError(t, l.Dispatch(ctx, DispatchEvent{Caller: "ci", Command: strings.Repeat("a", 4096), Outcome: "usage", ExitCode: 64}))

	lines := readLines(t, filepath.Join(dir, "dispatch.jsonl"))
	require.Len(t, lines, 3)
	assert.Equal(t, `"deploy staging api@1.0.0"`, lines[0]["command"])
	assert.NotEmpty(t, lines[0]["timestamp"])
	assert.Equal(t, float64(64), lines[1]["exit_code"])
	assert.NotContains(t, lines[1]["command"], "\x1b", "control bytes are escaped")
	assert.Less(t, len(lines[2]["command"].(string)), 600)
}

func TestFileLogger_Deploy(t *testing.T) {
	dir := t.TempDir()
	l, err := NewFileLogger(dir)
	require.NoError(t, err)

	require.NoError(t, l.Deploy(context.Background(), DeployEvent{
		DeploymentID: "d-1",
		Environment:  "staging",
		Workload:     "api",
		Ref:          "api@1.0.0",
		Outcome:      outcome.Rejected,
		RuleIDs:      []string{"privileged-container"},
		Stage:        outcome.StageValidating,
	}))

	lines := readLines(t, filepath.Join(dir, "deploy.jsonl"))
	require.Len(t, lines, 1)
	assert.Equal(t, "rejected", lines[0]["outcome"])
	assert.Equal(t, []any{"privileged-container"}, lines[0]["rule_ids"])
	assert.Equal(t, "validating", lines[0]["stage"])

	info, err := os.Stat(filepath.Join(dir, "deploy.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm()&0o640)
}

func TestFileLogger_ConcurrentWritesStayLineAligned(t *testing.T) {
	dir := t.TempDir()
	l, err := NewFileLogger(dir)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Dispatch(context.Background(), DispatchEvent{Caller: "ci", Command: "status staging"}))
		}()
	}
	wg.Wait()
	assert.Len(t, readLines(t, filepath.Join(dir, "dispatch.jsonl")), 20)
}
