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
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/scribe/services/scribe/config"
	"github.com/AleutianAI/scribe/services/scribe/plugins"
)

func newPluginsCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "List loaded action plugins and rejected ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := config.NewManager(opts.configPath, config.WithLogger(opts.logger))
			if err != nil {
				return err
			}
			ps := mgr.PluginSettings()
			loader := plugins.NewLoader(
				plugins.WithDirectories(ps.Directories...),
				plugins.WithLoadOrder(ps.LoadOrder...),
				plugins.WithLogger(opts.logger))
			if err := loader.Load(cmd.Context()); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "plugins: %v\n", err)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ACTION TYPE\tORIGIN\tMANIFEST\tSOURCE")
			for _, p := range loader.List() {
				manifest := "-"
				if p.Manifest != nil {
					manifest = p.Manifest.ManifestVersion
				}
				source := p.SourcePath
				if source == "" {
					source = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.ActionType, p.Origin, manifest, source)
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			rejected := loader.Rejections()
			if len(rejected) == 0 {
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\nrejected (%d):\n", len(rejected))
			for _, le := range rejected {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s [%s]: %v\n", le.Plugin, le.Stage, le.Err)
			}
			return nil
		},
	}
}
