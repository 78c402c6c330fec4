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
	"fmt"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/scribe/services/scribe/engine"
)

func newRunCmd(opts *cliOptions) *cobra.Command {
	var healthAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the engine until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			gin.SetMode(gin.ReleaseMode)

			engineOpts := []engine.Option{engine.WithLogger(opts.logger)}
			if cmd.Flags().Changed("health-addr") {
				engineOpts = append(engineOpts, engine.WithHealthAddr(healthAddr))
			}
			e, err := engine.New(opts.configPath, engineOpts...)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := e.Start(ctx); err != nil {
				return fmt.Errorf("start engine: %w", err)
			}
			<-ctx.Done()
			opts.logger.Info("shutdown signal received")
			e.Stop(context.Background())
			return nil
		},
	}
	cmd.Flags().StringVar(&healthAddr, "health-addr", "", "Serve /health and /metrics on this address (overrides engine_settings.health_addr)")
	return cmd
}
