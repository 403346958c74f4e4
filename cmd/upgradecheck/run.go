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
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"time"

	"cloud.google.com/go/storage"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/mbrt/upgradecheck"
	"github.com/mbrt/upgradecheck/cluster"
	"github.com/mbrt/upgradecheck/cluster/docker"
	"github.com/mbrt/upgradecheck/cluster/middleware"
	"github.com/mbrt/upgradecheck/cluster/sim"
	"github.com/mbrt/upgradecheck/config"
	"github.com/mbrt/upgradecheck/internal/concurr"
	"github.com/mbrt/upgradecheck/report"
	"github.com/mbrt/upgradecheck/status"
)

type runFlags struct {
	provider   string
	statusAddr string
	reportDir  string
}

func newRunCmd(gf *globalFlags) *cobra.Command {
	rf := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Provision a cluster, upgrade it and verify every phase",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runVerification(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr(), gf, rf)
		},
	}
	cmd.Flags().StringVar(&rf.provider, "provider", "", "Cluster provider (sim, docker); overrides the config")
	cmd.Flags().StringVar(&rf.statusAddr, "status-addr", "", "Serve progress and metrics on this address")
	cmd.Flags().StringVar(&rf.reportDir, "report-dir", "", "Write the report to this directory")
	return cmd
}

func loadConfig(gf *globalFlags, rf *runFlags) (config.Config, error) {
	cfg, err := config.Load(gf.config)
	if err != nil {
		return config.Config{}, err
	}
	if rf.provider != "" {
		cfg.Provider = config.Provider(rf.provider)
	}
	if rf.statusAddr != "" {
		cfg.Status.Addr = rf.statusAddr
	}
	if rf.reportDir != "" {
		cfg.Report.Dir = rf.reportDir
	}
	return cfg, cfg.Validate()
}

func runVerification(ctx context.Context, out, logOut io.Writer, gf *globalFlags, rf *runFlags) error {
	cfg, err := loadConfig(gf, rf)
	if err != nil {
		return err
	}
	log, err := newLogger(logOut, gf.logLevel, gf.logJSON)
	if err != nil {
		return err
	}
	opts, err := cfg.Options()
	if err != nil {
		return err
	}
	clock := clockwork.NewRealClock()
	opts.Clock = clock
	opts.Logger = log

	sink, closeSink, err := newSink(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSink()
	opts.Sink = sink

	bg := concurr.NewBackground()
	if cfg.Status.Addr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		tracker := status.NewTracker(clock, reg)
		opts.Observer = tracker

		l, err := net.Listen("tcp", cfg.Status.Addr)
		if err != nil {
			return fmt.Errorf("status server: %w", err)
		}
		srv := status.NewServer(tracker, reg, log)
		bg.Go(ctx, func(ctx context.Context) error {
			return srv.Serve(ctx, l)
		})
	}

	rep, runErr := upgradecheck.Run(ctx, newManager(cfg, clock, log), opts)
	printSummary(out, rep)
	if err := bg.Close(); err != nil {
		log.LogAttrs(ctx, slog.LevelWarn, "status server", slog.String("err", err.Error()))
	}
	return runErr
}

func newManager(cfg config.Config, clock clockwork.Clock, log *slog.Logger) cluster.Manager {
	var m cluster.Manager
	switch cfg.Provider {
	case config.ProviderDocker:
		opts := docker.DefaultOptions()
		opts.Image = cfg.Docker.Image
		opts.StartupTimeout = cfg.Docker.StartupTimeout
		opts.ReadyTimeout = cfg.Docker.ReadyTimeout
		opts.Clock = clock
		opts.Logger = log
		m = docker.NewManager(opts)
	default:
		m = sim.NewManager(sim.Options{
			SnapshotVersion: cluster.Version(cfg.Sim.SnapshotVersion),
		})
		if lat := cfg.Sim.Latency; lat != (config.Latency{}) {
			m = middleware.NewDelayManager(m, clock, middleware.DelayOptions{
				Command:        lat.Command,
				Session:        lat.Session,
				Upgrade:        lat.Upgrade,
				StdDevPerc:     lat.StdDevPerc,
				CommandsPerSec: lat.CommandsPerSec,
			})
		}
	}
	return middleware.NewManagerLogger(m, log)
}

func newSink(ctx context.Context, cfg config.Config) (report.Sink, func(), error) {
	var (
		sinks   report.Multi
		closers []func()
	)
	if cfg.Report.Dir != "" {
		if err := os.MkdirAll(cfg.Report.Dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("report dir: %w", err)
		}
		sinks = append(sinks, report.FileSink{Dir: cfg.Report.Dir})
	}
	if cfg.Report.GCSBucket != "" {
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("creating storage client: %w", err)
		}
		closers = append(closers, func() { client.Close() })
		sinks = append(sinks, report.NewGCSSink(client.Bucket(cfg.Report.GCSBucket), cfg.Report.GCSPrefix))
	}
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	if len(sinks) == 0 {
		return nil, closeAll, nil
	}
	return sinks, closeAll, nil
}

func printSummary(w io.Writer, r report.Report) {
	result := "PASSED"
	if !r.Passed {
		result = "FAILED"
	}
	fmt.Fprintf(w, "run %s: %s (%v -> %v) in %v\n", r.RunID, result,
		r.OldVersion, r.NewVersion, r.Duration().Round(time.Millisecond))
	for _, p := range r.Phases {
		line := fmt.Sprintf("  %-20s %-40s %d commands", p.State, p.Expected, len(p.Commands))
		if p.Error != "" {
			line += ": " + p.Error
		}
		fmt.Fprintln(w, line)
		if p.FailedCommand != "" {
			fmt.Fprintf(w, "    failed command: %s\n", p.FailedCommand)
		}
	}
	s := r.Stats
	fmt.Fprintf(w, "  accepted=%d rejected=%d tolerated=%d mismatched=%d transport_errors=%d\n",
		s.Accepted, s.Rejected, s.Tolerated, s.Mismatched, s.TransportErrors)
}
