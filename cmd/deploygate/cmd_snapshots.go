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
	"github.com/AleutianAI/deploygate/services/gate/outcome"
	"github.com/AleutianAI/deploygate/services/gate/routing"
)

func newSnapshotsCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "Inspect routing configuration snapshots",
	}
	var output string
	list := &cobra.Command{
		Use:   "list",
		Short: "List saved copies of the live routing configuration, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return exitWith(outcome.ExitInternal, err)
			}
			if !cfg.Routing.Enabled {
				return exitWith(outcome.ExitUsage, errRoutingDisabled)
			}
			rc := cfg.Reloader()
			store, err := routing.NewSnapshotStore(rc.SnapshotDir, rc.LivePath, rc.KeepSnapshots)
			if err != nil {
				return exitWith(outcome.ExitInternal, err)
			}
			snaps, err := store.List()
			if err != nil {
				return exitWith(outcome.ExitInternal, err)
			}

			out := cmd.OutOrStdout()
			if output == outputJSON {
				return writeJSON(out, snaps)
			}
			rows := make([][]string, 0, len(snaps))
			for _, s := range snaps {
				size := fmt.Sprint(s.Size)
				if s.Absent {
					size = "absent"
				}
				rows = append(rows, []string{s.Taken.Format(time.RFC3339), size, s.Path})
			}
			return ux.NewPrinter(out, ux.DetectMode(out)).Table([]string{"taken", "size", "path"}, rows)
		},
	}
	list.Flags().StringVarP(&output, "output", "o", outputText, "output format: text or json")
	cmd.AddCommand(list)
	return cmd
}
