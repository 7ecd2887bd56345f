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
	"errors"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/deploygate/services/gate/outcome"
)

// sshCommandEnv carries the client's command line under a forced command.
const sshCommandEnv = "SSH_ORIGINAL_COMMAND"

var errInternal = errors.New("internal error")

func newDispatchCmd(flags *globalFlags) *cobra.Command {
	var caller string
	cmd := &cobra.Command{
		Use:   "dispatch --caller NAME [command words...]",
		Short: "Run one restricted command line from a remote caller",
		Long: `dispatch is the forced command of the deploy key:

  command="deploygate dispatch --caller ci",restrict ssh-ed25519 AAAA...

The command line is read from SSH_ORIGINAL_COMMAND, or from the remaining
arguments when that is unset. Accepted forms:

  sync <env>
  deploy <env> <workload>@<version>
  status <env>`,
		RunE: func(cmd *cobra.Command, args []string) error {
			line, ok := os.LookupEnv(sshCommandEnv)
			if !ok {
				line = strings.Join(args, " ")
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, flags, appOptions{quietConsole: true, stderr: cmd.ErrOrStderr()})
			if err != nil {
				// Configuration detail stays on the gateway host.
				return exitWith(outcome.ExitInternal, errInternal)
			}
			defer a.close(ctx)

			d, err := a.dispatcher(cmd.OutOrStdout())
			if err != nil {
				a.log.Error("Gateway wiring failed", "error", err)
				return exitWith(outcome.ExitInternal, nil)
			}
			if code := d.Dispatch(ctx, caller, line); code != outcome.ExitOK {
				return exitWith(code, nil)
			}
			return nil
		},
	}
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().StringVar(&caller, "caller", "", "identity of the key holder, recorded in the audit log")
	_ = cmd.MarkFlagRequired("caller")
	return cmd
}
