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

// Package status tracks the progress of a verification run and exposes it
// over HTTP, together with Prometheus metrics.
package status

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mbrt/upgradecheck"
)

// Phase is the progress of a single phase.
type Phase struct {
	State      string    `json:"state"`
	Expect     string    `json:"expect"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Done       bool      `json:"done"`
	Commands   int       `json:"commands"`
	Accepted   int       `json:"accepted"`
	Rejected   int       `json:"rejected"`
	Tolerated  int       `json:"tolerated"`
	Mismatched int       `json:"mismatched"`
	Error      string    `json:"error,omitempty"`
}

// Snapshot is the progress of the whole run.
type Snapshot struct {
	Current string  `json:"current,omitempty"`
	Phases  []Phase `json:"phases"`
	Failed  bool    `json:"failed"`
}

func NewTracker(clock clockwork.Clock, reg prometheus.Registerer) *Tracker {
	f := promauto.With(reg)
	return &Tracker{
		clock: clock,
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "upgradecheck",
			Name:      "commands_total",
			Help:      "Number of verification commands, by phase, shape and outcome",
		}, []string{"phase", "shape", "outcome"}),
		phase: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "upgradecheck",
			Name:      "current_phase",
			Help:      "Ordinal of the phase being verified",
		}),
		phaseDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "upgradecheck",
			Name:      "phase_duration_seconds",
			Help:      "Time spent verifying a phase, transition included",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"phase"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "upgradecheck",
			Name:      "phase_failures_total",
			Help:      "Number of phases that did not behave as expected",
		}, []string{"phase"}),
	}
}

// Tracker is an upgradecheck.Observer that keeps a snapshot of the run.
type Tracker struct {
	clock         clockwork.Clock
	commands      *prometheus.CounterVec
	phase         prometheus.Gauge
	phaseDuration *prometheus.HistogramVec
	failures      *prometheus.CounterVec

	snap Snapshot
	m    sync.Mutex
}

func (t *Tracker) PhaseStarted(s upgradecheck.State, exp upgradecheck.Expectation) {
	t.phase.Set(float64(s))

	t.m.Lock()
	defer t.m.Unlock()
	t.snap.Current = s.String()
	t.snap.Phases = append(t.snap.Phases, Phase{
		State:  s.String(),
		Expect: exp.String(),
		Start:  t.clock.Now(),
	})
}

func (t *Tracker) CommandDone(s upgradecheck.State, r upgradecheck.CommandResult) {
	t.commands.WithLabelValues(s.String(), r.Shape.String(), r.Outcome.String()).Inc()

	t.m.Lock()
	defer t.m.Unlock()
	p := t.lastLocked(s)
	if p == nil {
		return
	}
	p.Commands++
	switch r.Outcome {
	case upgradecheck.Accepted:
		p.Accepted++
	case upgradecheck.Rejected:
		p.Rejected++
	case upgradecheck.Tolerated:
		p.Tolerated++
	case upgradecheck.Mismatched:
		p.Mismatched++
	}
}

func (t *Tracker) PhaseDone(r upgradecheck.PhaseResult, err error) {
	name := r.State.String()
	if !r.Start.IsZero() && !r.End.IsZero() {
		t.phaseDuration.WithLabelValues(name).Observe(r.End.Sub(r.Start).Seconds())
	}
	if err != nil {
		t.failures.WithLabelValues(name).Inc()
	}

	t.m.Lock()
	defer t.m.Unlock()
	p := t.lastLocked(r.State)
	if p == nil {
		return
	}
	p.Done = true
	p.End = t.clock.Now()
	if err != nil {
		p.Error = err.Error()
		t.snap.Failed = true
	}
	t.snap.Current = ""
}

// Snapshot returns a copy of the current progress.
func (t *Tracker) Snapshot() Snapshot {
	t.m.Lock()
	defer t.m.Unlock()
	res := t.snap
	res.Phases = append([]Phase(nil), t.snap.Phases...)
	return res
}

func (t *Tracker) lastLocked(s upgradecheck.State) *Phase {
	name := s.String()
	for i := len(t.snap.Phases) - 1; i >= 0; i-- {
		if t.snap.Phases[i].State == name {
			return &t.snap.Phases[i]
		}
	}
	return nil
}

var _ upgradecheck.Observer = (*Tracker)(nil)
