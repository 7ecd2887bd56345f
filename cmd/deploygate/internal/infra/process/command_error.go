// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package process

import (
	"fmt"
	"strings"
)

// maxStderrInError bounds the stderr text carried in Error().
const maxStderrInError = 2048

// CommandError wraps a command execution failure with stderr context.
//
// # Example
//
//	err := NewCommandError("docker compose up -d", 1, "no space left", originalErr)
//	fmt.Println(err.Error()) // "docker compose up -d (exit 1): no space left"
//
//	var cmdErr *CommandError
//	if errors.As(err, &cmdErr) {
//	    fmt.Println(cmdErr.Stderr)
//	}
type CommandError struct {
	// Command is the command line that was executed.
	Command string

	// ExitCode is the process exit code (-1 if unknown).
	ExitCode int

	// Stderr contains the standard error output.
	Stderr string

	// Wrapped is the underlying error.
	Wrapped error
}

// Error returns the command, exit code and the tail of stderr.
func (e *CommandError) Error() string {
	if e.Stderr != "" {
		stderr := e.Stderr
		if len(stderr) > maxStderrInError {
			stderr = "..." + stderr[len(stderr)-maxStderrInError:]
		}
		return fmt.Sprintf("%s (exit %d): %s", e.Command, e.ExitCode, stderr)
	}
	if e.Wrapped != nil {
		return fmt.Sprintf("%s (exit %d): %v", e.Command, e.ExitCode, e.Wrapped)
	}
	return fmt.Sprintf("%s (exit %d)", e.Command, e.ExitCode)
}

// Unwrap returns the underlying error.
func (e *CommandError) Unwrap() error {
	return e.Wrapped
}

// NewCommandError creates a CommandError. Stderr is trimmed of surrounding
// whitespace.
func NewCommandError(cmd string, exitCode int, stderr string, wrapped error) *CommandError {
	return &CommandError{
		Command:  cmd,
		ExitCode: exitCode,
		Stderr:   strings.TrimSpace(stderr),
		Wrapped:  wrapped,
	}
}
