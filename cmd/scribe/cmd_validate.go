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
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/scribe/services/scribe/config"
	"github.com/AleutianAI/scribe/services/scribe/plugins"
	"github.com/AleutianAI/scribe/services/scribe/rules"
)

// errInvalidConfig makes validate exit non-zero after printing findings.
var errInvalidConfig = errors.New("configuration is invalid")

func newValidateCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Schema-check the configuration and compile every rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			data, err := os.ReadFile(opts.configPath)
			if err != nil {
				return fmt.Errorf("read config: %w", err)
			}
			cfg, _, err := config.Parse(data)
			if err != nil {
				var se *config.SchemaError
				if errors.As(err, &se) {
					for _, msg := range se.Errors {
						fmt.Fprintf(out, "schema: %s\n", msg)
					}
					return errInvalidConfig
				}
				fmt.Fprintf(out, "config: %v\n", err)
				return errInvalidConfig
			}

			failed := 0
			for _, r := range cfg.Rules {
				if _, err := rules.Compile(r); err != nil {
					failed++
					fmt.Fprintf(out, "rule %s: %v\n", r.ID, err)
				}
			}

			loader := plugins.NewLoader(
				plugins.WithDirectories(cfg.Plugins.Directories...),
				plugins.WithLoadOrder(cfg.Plugins.LoadOrder...),
				plugins.WithLogger(opts.logger))
			if err := loader.Load(cmd.Context()); err != nil {
				fmt.Fprintf(out, "plugins: %v\n", err)
			}
			for _, r := range cfg.EnabledRules() {
				for _, a := range r.Actions {
					if _, ok := loader.Get(a.Type); !ok {
						fmt.Fprintf(out, "warning: rule %s: action type %q is not provided by any plugin\n", r.ID, a.Type)
					}
				}
			}

			if failed > 0 {
				return errInvalidConfig
			}
			fmt.Fprintf(out, "ok: %d rules (%d enabled), %d action types\n",
				len(cfg.Rules), len(cfg.EnabledRules()), len(loader.List()))
			return nil
		},
	}
}
