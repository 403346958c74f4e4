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

// Package upgradecheck verifies how snapshot reads outside transactions
// behave while a sharded cluster goes through a rolling binary upgrade.
//
// Run provisions a cluster at the old version, seeds a small fixture and
// walks the upgrade one node group at a time. After every step it issues
// the same battery of snapshot reads through every router and checks the
// replies against the expectation for that phase.
package upgradecheck

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/mbrt/upgradecheck/cluster"
	"github.com/mbrt/upgradecheck/internal/concurr"
	"github.com/mbrt/upgradecheck/internal/errors"
	"github.com/mbrt/upgradecheck/internal/trace"
	"github.com/mbrt/upgradecheck/report"
)

var ErrPhaseTimeout = errors.New("phase timed out")

// DefaultOptions provides the options used by Run: an upgrade from 4.0 to
// 4.2 of a cluster with two shards and two routers.
func DefaultOptions() Options {
	return Options{
		Clock:           clockwork.NewRealClock(),
		Logger:          slog.Default(),
		Database:        "test",
		OldVersion:      "4.0",
		NewVersion:      "4.2",
		Shards:          2,
		Routers:         2,
		PhaseTimeout:    5 * time.Minute,
		TeardownTimeout: time.Minute,
	}
}

// Options makes it possible to tweak a verification run. Zero values are
// replaced by the defaults.
type Options struct {
	Clock    clockwork.Clock
	Logger   *slog.Logger
	Database string

	OldVersion cluster.Version
	NewVersion cluster.Version
	Shards     int
	Routers    int

	// PhaseTimeout bounds each phase, transition included. Zero means no
	// timeout.
	PhaseTimeout    time.Duration
	TeardownTimeout time.Duration
	// ParallelRouters queries the routers of a phase concurrently.
	ParallelRouters bool

	// Plan defaults to DefaultPlan.
	Plan     Plan
	Observer Observer
	// Sink receives the final report, when set.
	Sink report.Sink
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Clock == nil {
		o.Clock = def.Clock
	}
	if o.Logger == nil {
		o.Logger = def.Logger
	}
	if o.Database == "" {
		o.Database = def.Database
	}
	if o.OldVersion == "" {
		o.OldVersion = def.OldVersion
	}
	if o.NewVersion == "" {
		o.NewVersion = def.NewVersion
	}
	if o.Shards == 0 {
		o.Shards = def.Shards
	}
	if o.Routers == 0 {
		o.Routers = def.Routers
	}
	if o.TeardownTimeout == 0 {
		o.TeardownTimeout = def.TeardownTimeout
	}
	if o.Plan == nil {
		o.Plan = DefaultPlan()
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
	return o
}

func (o Options) validate() error {
	if _, err := cluster.ParseVersion(string(o.OldVersion)); err != nil {
		return fmt.Errorf("old version: %w", err)
	}
	if _, err := cluster.ParseVersion(string(o.NewVersion)); err != nil {
		return fmt.Errorf("new version: %w", err)
	}
	if !o.OldVersion.Less(o.NewVersion) {
		return fmt.Errorf("old version %v must precede new version %v", o.OldVersion, o.NewVersion)
	}
	return o.Plan.Validate()
}

// Run goes through the upgrade plan on a cluster provisioned by m. The
// cluster is always torn down before returning. The report is filled in
// also when the run fails.
func Run(ctx context.Context, m cluster.Manager, opts Options) (report.Report, error) {
	opts = opts.withDefaults()
	d := &driver{
		opts:     opts,
		verifier: NewVerifier(opts),
		clock:    opts.Clock,
		logger:   opts.Logger,
	}

	rep := report.Report{
		RunID:      uuid.NewString(),
		OldVersion: opts.OldVersion.String(),
		NewVersion: opts.NewVersion.String(),
		Start:      d.clock.Now(),
	}
	ctx, task := trace.NewTask(ctx, "run")
	err := d.run(ctx, m, &rep)
	task.End()

	rep.End = d.clock.Now()
	rep.Passed = err == nil
	if err != nil {
		rep.Error = err.Error()
	}
	rep.Stats = d.Stats().toReport()

	if opts.Sink != nil {
		sctx, cancel := concurr.DetachedWithTimeout(ctx, d.clock, opts.TeardownTimeout)
		if serr := opts.Sink.Write(sctx, rep); serr != nil {
			err = errors.Combine(err, fmt.Errorf("writing report: %w", serr))
		}
		cancel()
	}

	attrs := []slog.Attr{
		slog.String("run", rep.RunID),
		slog.Bool("passed", rep.Passed),
		slog.Duration("duration", rep.Duration()),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	d.logger.LogAttrs(ctx, slog.LevelInfo, "run finished", attrs...)
	return rep, err
}

type driver struct {
	opts     Options
	verifier *Verifier
	routers  routerStats
	stats    Stats
	clock    clockwork.Clock
	logger   *slog.Logger
}

// Stats returns the statistics collected so far.
func (d *driver) Stats() Stats {
	res := d.stats
	rstats := d.routers.StatsAndReset()
	d.stats.add(&rstats)
	res.add(&rstats)
	return res
}

func (d *driver) run(ctx context.Context, m cluster.Manager, rep *report.Report) (err error) {
	if err := d.opts.validate(); err != nil {
		return err
	}

	c, err := m.Provision(ctx, cluster.Spec{
		Shards:  d.opts.Shards,
		Routers: d.opts.Routers,
		Version: d.opts.OldVersion,
	})
	if err != nil {
		return fmt.Errorf("provisioning cluster: %w", err)
	}
	defer func() {
		// The cluster must go, also when ctx is canceled.
		tctx, cancel := concurr.DetachedWithTimeout(ctx, d.clock, d.opts.TeardownTimeout)
		defer cancel()
		if terr := c.Teardown(tctx); terr != nil {
			err = errors.Combine(err, fmt.Errorf("tearing down cluster: %w", terr))
		}
	}()

	trace.WithRegion(ctx, "fixture", func() {
		err = SeedFixture(ctx, c.Admin(), d.opts.Database)
	})
	if err != nil {
		return err
	}

	for _, step := range d.opts.Plan {
		res, err := d.runStep(ctx, c, step)
		rep.Phases = append(rep.Phases, toReportPhase(res, err))
		if err != nil {
			return err
		}
	}
	return nil
}

func (d *driver) runStep(parent context.Context, c cluster.Cluster, step Step) (PhaseResult, error) {
	ctx, cancel := concurr.ContextWithTimeout(parent, d.clock, d.opts.PhaseTimeout)
	defer cancel()
	ctx, task := trace.NewTask(ctx, step.State.String())
	defer task.End()

	start := d.clock.Now()
	d.opts.Observer.PhaseStarted(step.State, step.Expect)
	d.logger.LogAttrs(ctx, slog.LevelInfo, "phase started",
		slog.String("state", step.State.String()),
		slog.String("expect", step.Expect.String()),
	)

	var err error
	trace.WithRegion(ctx, "transition", func() {
		err = d.transition(ctx, c, step.State)
	})
	res := PhaseResult{State: step.State, Expect: step.Expect}
	if err != nil {
		err = fmt.Errorf("entering %v: %w", step.State, err)
	} else {
		routers := d.routers.wrap(c.Routers())
		res, err = d.verifier.RunPhase(ctx, step.State, routers, step.Expect)
	}
	res.Start = start
	res.End = d.clock.Now()
	if err != nil && ctx.Err() != nil && parent.Err() == nil {
		err = errors.WithCause(err, ErrPhaseTimeout)
	}
	d.stats.addPhase(res)
	d.opts.Observer.PhaseDone(res, err)

	if err != nil {
		d.logger.LogAttrs(ctx, slog.LevelError, "phase failed",
			slog.String("state", step.State.String()),
			slog.String("error", err.Error()),
			slog.String("details", errors.Details(err)),
		)
		return res, err
	}
	d.logger.LogAttrs(ctx, slog.LevelInfo, "phase passed",
		slog.String("state", step.State.String()),
		slog.Int("commands", len(res.Commands)),
		slog.Int("tolerated", res.Count(Tolerated)),
		slog.Duration("duration", res.End.Sub(res.Start)),
	)
	return res, nil
}

// transition moves the cluster into state s.
func (d *driver) transition(ctx context.Context, c cluster.Cluster, s State) error {
	newVersion := d.opts.NewVersion
	switch s {
	case OldVersion:
		return nil
	case ConfigsUpgraded:
		return c.Upgrade(ctx, newVersion, cluster.NodeGroups{Configs: true})
	case ShardsUpgraded:
		return c.Upgrade(ctx, newVersion, cluster.NodeGroups{Shards: true})
	case RoutersUpgraded:
		if err := c.Upgrade(ctx, newVersion, cluster.NodeGroups{Routers: true}); err != nil {
			return err
		}
		return CheckCompatibility(ctx, c, d.opts.OldVersion)
	case CompatibilityBumped:
		if err := c.SetCompatibilityVersion(ctx, newVersion.Release()); err != nil {
			return fmt.Errorf("setting compatibility version: %w", err)
		}
		return CheckCompatibility(ctx, c, newVersion)
	}
	return fmt.Errorf("unknown state %v", s)
}

func toReportPhase(p PhaseResult, err error) report.Phase {
	res := report.Phase{
		State:    p.State.String(),
		Expected: p.Expect.String(),
		Start:    p.Start,
		End:      p.End,
		Commands: make([]report.Command, 0, len(p.Commands)),
	}
	for _, c := range p.Commands {
		res.Commands = append(res.Commands, report.Command{
			Router:    c.Router,
			Shape:     c.Shape.String(),
			TxnNumber: c.TxnNumber,
			Code:      int32(c.Reply.Code),
			CodeName:  c.Reply.CodeName,
			Message:   c.Reply.Message,
			Outcome:   c.Outcome.String(),
		})
	}
	if c, ok := p.Mismatch(); ok {
		res.FailedCommand = renderCommand(c.Command)
	}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}
