// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dispatch

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/AleutianAI/deploygate/services/gate/manifest"
)

// MaxLineLen bounds the accepted command line in bytes.
const MaxLineLen = 256

// Environments is the closed set of deployable environments.
var Environments = []string{"dev", "staging", "production"}

// Verbs of the command surface.
const (
	VerbSync   = "sync"
	VerbDeploy = "deploy"
	VerbStatus = "status"
)

// ErrUsage is returned for any input outside the command surface.
var ErrUsage = errors.New("unrecognized command")

// shellMeta are bytes with meaning to a shell. None can appear in a legal
// command, so their presence is reported on its own.
const shellMeta = "`$;&|<>(){}[]*?!~'\"\\#%^="

// UsageError explains why a line was refused.
type UsageError struct {
	Reason string
}

func (e *UsageError) Error() string { return fmt.Sprintf("%s: %s", ErrUsage, e.Reason) }

func (e *UsageError) Unwrap() error { return ErrUsage }

func usage(format string, args ...any) error {
	return &UsageError{Reason: fmt.Sprintf(format, args...)}
}

// Command is one parsed, fully validated request.
type Command struct {
	Verb        string
	Environment string

	// Workload and Version are set for deploy only.
	Workload string
	Version  string
}

// Ref returns "<workload>@<version>" for a deploy.
func (c Command) Ref() string {
	if c.Workload == "" {
		return ""
	}
	return c.Workload + "@" + c.Version
}

func (c Command) String() string {
	if c.Verb == VerbDeploy {
		return strings.Join([]string{c.Verb, c.Environment, c.Ref()}, " ")
	}
	return c.Verb + " " + c.Environment
}

// Parse validates line against the command surface:
//
//	sync <env>
//	deploy <env> <workload>@<version>
//	status <env>
//
// Tokens are separated by spaces. Every other shape, including flags, shell
// metacharacters, control bytes and oversize input, is a *UsageError.
func Parse(line string) (Command, error) {
	if len(line) > MaxLineLen {
		return Command{}, usage("command longer than %d bytes", MaxLineLen)
	}
	for i := 0; i < len(line); i++ {
		b := line[i]
		if b < 0x20 || b > 0x7e {
			return Command{}, usage("non-printable byte 0x%02x at offset %d", b, i)
		}
		if strings.IndexByte(shellMeta, b) >= 0 {
			return Command{}, usage("shell metacharacter %q", b)
		}
	}

	tokens := strings.Fields(line)
	if len(tokens) == 0 {
		return Command{}, usage("empty command")
	}
	for _, tok := range tokens {
		if strings.HasPrefix(tok, "-") {
			return Command{}, usage("flags are not accepted")
		}
	}

	verb, args := tokens[0], tokens[1:]
	want := 1
	switch verb {
	case VerbSync, VerbStatus:
	case VerbDeploy:
		want = 2
	default:
		return Command{}, usage("unknown command %q", verb)
	}
	if len(args) != want {
		return Command{}, usage("%s takes %d argument(s), got %d", verb, want, len(args))
	}

	cmd := Command{Verb: verb, Environment: args[0]}
	if !slices.Contains(Environments, cmd.Environment) {
		return Command{}, usage("unknown environment %q", cmd.Environment)
	}
	if verb == VerbDeploy {
		workload, version, ok := strings.Cut(args[1], "@")
		if !ok || !manifest.ValidName(workload) || !manifest.ValidVersion(version) {
			return Command{}, usage("ref must be <workload>@<version>")
		}
		cmd.Workload, cmd.Version = workload, version
	}
	return cmd, nil
}
