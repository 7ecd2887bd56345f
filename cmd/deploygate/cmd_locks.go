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
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/deploygate/cmd/deploygate/config"
	"github.com/AleutianAI/deploygate/pkg/ux"
	"github.com/AleutianAI/deploygate/services/gate/lock"
	"github.com/AleutianAI/deploygate/services/gate/outcome"
)

func newLocksCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "Inspect deployment and routing leases",
	}
	var output string
	list := &cobra.Command{
		Use:   "list",
		Short: "List current leases",
		Long:  "list shows every lease file. A stale lease belongs to a dead process or has expired and is taken over by the next acquirer.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return exitWith(outcome.ExitInternal, err)
			}
			leases, err := lock.NewManager(cfg.LockManager())
			if err != nil {
				return exitWith(outcome.ExitInternal, err)
			}
			held, err := leases.List()
			if err != nil {
				return exitWith(outcome.ExitInternal, err)
			}

			out := cmd.OutOrStdout()
			if output == outputJSON {
				return writeJSON(out, held)
			}
			rows := make([][]string, 0, len(held))
			for _, l := range held {
				state := "held"
				if l.Stale {
					state = "stale"
				}
				rows = append(rows, []string{
					l.Key, l.Holder, fmt.Sprint(l.PID),
					l.AcquiredAt.Format(time.RFC3339), l.ExpiresAt.Format(time.RFC3339), state,
				})
			}
			return ux.NewPrinter(out, ux.DetectMode(out)).Table([]string{"key", "holder", "pid", "acquired", "expires", "state"}, rows)
		},
	}
	list.Flags().StringVarP(&output, "output", "o", outputText, "output format: text or json")
	cmd.AddCommand(list)
	return cmd
}
