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
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/deploygate/cmd/deploygate/config"
	"github.com/AleutianAI/deploygate/services/gate/outcome"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// exitError carries a specific exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func exitWith(code int, err error) error { return &exitError{code: code, err: err} }

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	verbose    bool
}

// execute runs the CLI and returns the process exit code.
func execute(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	if err == nil {
		return outcome.ExitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintln(stderr, "deploygate:", ee.err)
		}
		return ee.code
	}
	fmt.Fprintln(stderr, "deploygate:", err)
	if errors.Is(err, config.ErrInvalid) {
		return outcome.ExitInternal
	}
	return outcome.ExitUsage
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "deploygate",
		Short:         "Guarded deployment gateway for container workloads",
		Long:          "deploygate validates workload manifests against a security policy and applies them with validate, apply, verify and rollback.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&flags.configPath, "config", config.DefaultPath, "gateway configuration file")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "log at debug level to stderr")

	root.AddCommand(
		newDispatchCmd(flags),
		newPolicyCmd(flags),
		newStatusAPICmd(flags),
		newSnapshotsCmd(flags),
		newLocksCmd(flags),
	)
	return root
}
