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
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/scribe/pkg/logging"
)

// cliOptions holds the persistent flags shared by every subcommand.
type cliOptions struct {
	configPath string
	logFormat  string
	logLevel   string
	logDir     string
	logger     *slog.Logger
	closeLog   func() error
}

// newRootCmd builds the command tree. Each call returns fresh commands so
// tests can execute them in isolation.
func newRootCmd() *cobra.Command {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:   "scribe",
		Short: "Event-driven file processing engine",
		Long: `Scribe watches directories, matches file content against configured
rules and runs ordered chains of actions that rewrite the files in place.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := logging.ParseLevel(opts.logLevel)
			if err != nil {
				return err
			}
			logger, err := logging.New(logging.Config{
				Level:   level,
				Format:  opts.logFormat,
				Output:  cmd.ErrOrStderr(),
				LogDir:  opts.logDir,
				Service: logging.DefaultService,
			})
			if err != nil {
				return err
			}
			opts.logger = logger.Slog()
			opts.closeLog = logger.Close
			slog.SetDefault(opts.logger)
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if opts.closeLog == nil {
				return nil
			}
			return opts.closeLog()
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "scribe.json", "Path to the configuration file")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", logging.FormatAuto, "Log format: auto, json or text")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	root.PersistentFlags().StringVar(&opts.logDir, "log-dir", "", "Also append JSON logs to a dated file in this directory")

	root.AddCommand(
		newRunCmd(opts),
		newValidateCmd(opts),
		newPluginsCmd(opts),
		newDLQCmd(opts),
	)
	return root
}
