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
Package process runs the external programs the gateway drives: the
container engine's compose frontend and the routing process.

Every exec.Command call goes through Runner so adapters are testable
without real processes. Children never inherit the gateway's environment:
the caller's SSH session variables stay out of the engine and the router.
*/
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// maxCapture bounds how much stdout and stderr is kept per run.
const maxCapture = 1 << 20

// DefaultPath is the PATH given to children when the configuration names none.
const DefaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// -----------------------------------------------------------------------------
// Interface Definition
// -----------------------------------------------------------------------------

// Command describes one child process.
type Command struct {
	Name string
	Args []string

	// Dir is the working directory. Empty means the gateway's.
	Dir string

	// Env is added to the runner's base environment.
	Env []string

	// Stdin is piped to the child when non-nil.
	Stdin []byte
}

// String renders the command line for logs and errors.
func (c Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Runner executes commands.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use from multiple goroutines.
type Runner interface {
	// Run executes cmd synchronously and returns its stdout.
	//
	// # Outputs
	//
	//   - []byte: Captured stdout.
	//   - error: *CommandError on a non-zero exit or a start failure.
	Run(ctx context.Context, cmd Command) ([]byte, error)
}

// -----------------------------------------------------------------------------
// Default Implementation
// -----------------------------------------------------------------------------

// ExecRunner implements Runner with os/exec and a scrubbed environment.
type ExecRunner struct {
	baseEnv []string
}

// NewExecRunner returns a runner whose children see only baseEnv plus each
// command's own Env. A baseEnv without PATH gets DefaultPath.
func NewExecRunner(baseEnv []string) *ExecRunner {
	env := append([]string(nil), baseEnv...)
	hasPath := false
	for _, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			hasPath = true
		}
	}
	if !hasPath {
		env = append(env, "PATH="+DefaultPath)
	}
	return &ExecRunner{baseEnv: env}
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, c Command) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(append([]string(nil), r.baseEnv...), c.Env...)
	if c.Stdin != nil {
		cmd.Stdin = bytes.NewReader(c.Stdin)
	}

	stdout := &limitedBuffer{max: maxCapture}
	stderr := &limitedBuffer{max: maxCapture}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w: %w", ctxErr, err)
		}
		return stdout.Bytes(), NewCommandError(c.String(), exitCode, stderr.String(), err)
	}
	return stdout.Bytes(), nil
}

// limitedBuffer keeps the first max bytes written and discards the rest.
type limitedBuffer struct {
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) Bytes() []byte  { return b.buf.Bytes() }
func (b *limitedBuffer) String() string { return b.buf.String() }

// -----------------------------------------------------------------------------
// Mock Implementation for Testing
// -----------------------------------------------------------------------------

// MockRunner is a test double for Runner.
//
// # Examples
//
//	mock := &MockRunner{
//	    RunFunc: func(ctx context.Context, c Command) ([]byte, error) {
//	        if c.Name == "caddy" && c.Args[0] == "validate" {
//	            return nil, nil
//	        }
//	        return nil, fmt.Errorf("unexpected command: %s", c)
//	    },
//	}
type MockRunner struct {
	// RunFunc is called when Run is invoked. Nil returns no output.
	RunFunc func(ctx context.Context, c Command) ([]byte, error)

	calls []Command
	mu    sync.Mutex
}

// Run delegates to RunFunc and records the call.
func (m *MockRunner) Run(ctx context.Context, c Command) ([]byte, error) {
	m.mu.Lock()
	m.calls = append(m.calls, c)
	fn := m.RunFunc
	m.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(ctx, c)
}

// Calls returns a copy of all recorded calls.
func (m *MockRunner) Calls() []Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Command(nil), m.calls...)
}

// Reset clears all recorded calls.
func (m *MockRunner) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// Compile-time interface compliance check.
var (
	_ Runner = (*ExecRunner)(nil)
	_ Runner = (*MockRunner)(nil)
)
