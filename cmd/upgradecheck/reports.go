// Copyright 2024 The upgradecheck Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"cloud.google.com/go/storage"
	"github.com/spf13/cobra"

	"github.com/mbrt/upgradecheck/config"
	"github.com/mbrt/upgradecheck/report"
)

var errNoStore = errors.New("no report store configured")

func newReportsCmd(gf *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reports",
		Short: "Inspect the reports of past runs",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show RUN_ID",
		Short: "Print the summary of a stored report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(gf.config)
			if err != nil {
				return err
			}
			r, err := readReport(cmd.Context(), cfg, args[0])
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), r)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the reports stored in the configured bucket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(gf.config)
			if err != nil {
				return err
			}
			if cfg.Report.GCSBucket == "" {
				return fmt.Errorf("listing needs a bucket: %w", errNoStore)
			}
			ctx := cmd.Context()
			client, err := storage.NewClient(ctx)
			if err != nil {
				return fmt.Errorf("creating storage client: %w", err)
			}
			defer client.Close()

			sink := report.NewGCSSink(client.Bucket(cfg.Report.GCSBucket), cfg.Report.GCSPrefix)
			sums, err := sink.List(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "RUN\tPASSED\tUPDATED\n")
			for _, s := range sums {
				fmt.Fprintf(w, "%s\t%v\t%s\n", s.RunID, s.Passed, s.Updated.Format(time.RFC3339))
			}
			return w.Flush()
		},
	})
	return cmd
}

// readReport looks for the report in the local directory first, then in
// the bucket.
func readReport(ctx context.Context, cfg config.Config, runID string) (report.Report, error) {
	if cfg.Report.Dir != "" {
		r, err := report.FileSink{Dir: cfg.Report.Dir}.Read(ctx, runID)
		if err == nil || !errors.Is(err, report.ErrNotFound) || cfg.Report.GCSBucket == "" {
			return r, err
		}
	}
	if cfg.Report.GCSBucket == "" {
		return report.Report{}, errNoStore
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return report.Report{}, fmt.Errorf("creating storage client: %w", err)
	}
	defer client.Close()
	return report.NewGCSSink(client.Bucket(cfg.Report.GCSBucket), cfg.Report.GCSPrefix).Read(ctx, runID)
}
