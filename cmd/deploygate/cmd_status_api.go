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
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/deploygate/services/gate/outcome"
	"github.com/AleutianAI/deploygate/services/gate/statusapi"
)

func newStatusAPICmd(flags *globalFlags) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "status-api",
		Short: "Serve deployment state and metrics read-only over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, flags, appOptions{stderr: cmd.ErrOrStderr()})
			if err != nil {
				return err
			}
			defer a.close(ctx)

			cfg := a.cfg.StatusAPI
			if listen != "" {
				cfg.Listen = listen
			}
			srv, err := statusapi.New(cfg, a.records, a.metrics, a.log.Slog())
			if err != nil {
				return exitWith(outcome.ExitInternal, err)
			}
			if err := srv.Run(ctx); err != nil {
				return exitWith(outcome.ExitInternal, err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default: status_api.listen from the configuration)")
	return cmd
}
