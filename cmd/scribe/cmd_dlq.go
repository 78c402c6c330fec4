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
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/scribe/services/scribe/dlq"
)

func newDLQCmd(opts *cliOptions) *cobra.Command {
	var (
		tail    int
		dir     string
		asJSON  bool
		surface string
	)

	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Print dead letter records",
		RunE: func(cmd *cobra.Command, args []string) error {
			var sinkOpts []dlq.Option
			if dir != "" {
				sinkOpts = append(sinkOpts, dlq.WithDir(dir))
			}
			path := dlq.New(sinkOpts...).Path()

			records, err := dlq.ReadRecords(path)
			if errors.Is(err, fs.ErrNotExist) {
				fmt.Fprintf(cmd.OutOrStdout(), "no dead letters at %s\n", path)
				return nil
			}
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}

			if surface != "" {
				kept := records[:0]
				for _, r := range records {
					if r.Surface == surface {
						kept = append(kept, r)
					}
				}
				records = kept
			}
			if tail > 0 && len(records) > tail {
				records = records[len(records)-tail:]
			}

			out := cmd.OutOrStdout()
			for _, r := range records {
				if asJSON {
					line, err := json.Marshal(r)
					if err != nil {
						return err
					}
					fmt.Fprintln(out, string(line))
					continue
				}
				ts := time.Unix(0, int64(r.TS*float64(time.Second))).UTC().Format(time.RFC3339)
				fmt.Fprintf(out, "%s  %-11s %s  %s\n", ts, r.Surface, r.EventID, strings.Join(r.Errors, "; "))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&tail, "tail", "n", 0, "Show only the last N records")
	cmd.Flags().StringVar(&dir, "dir", "", "Report directory (default $SCRIBE_REPORT_DIR or tools/reports)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print records as JSON lines")
	cmd.Flags().StringVar(&surface, "surface", "", "Only show records from this surface")
	return cmd
}
