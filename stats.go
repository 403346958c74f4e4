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

package upgradecheck

import (
	"context"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/mbrt/upgradecheck/cluster"
	"github.com/mbrt/upgradecheck/report"
)

type Stats struct {
	// Outcome statistics.
	Accepted   int // replies matching an expected success.
	Rejected   int // replies matching an expected rejection.
	Tolerated  int // SnapshotTooOld replies while expecting success.
	Mismatched int // replies not matching the expectation.

	// Router statistics.
	Sessions        int // number of sessions started.
	Commands        int // number of commands delivered.
	TransportErrors int // number of commands or sessions that failed to reach the router.

	PhaseTime time.Duration // total time spent within phases.
}

// Sub calculates and returns the difference between two sets of stats.
func (s Stats) Sub(other Stats) Stats {
	return Stats{
		Accepted:   s.Accepted - other.Accepted,
		Rejected:   s.Rejected - other.Rejected,
		Tolerated:  s.Tolerated - other.Tolerated,
		Mismatched: s.Mismatched - other.Mismatched,

		Sessions:        s.Sessions - other.Sessions,
		Commands:        s.Commands - other.Commands,
		TransportErrors: s.TransportErrors - other.TransportErrors,

		PhaseTime: s.PhaseTime - other.PhaseTime,
	}
}

func (s *Stats) add(other *Stats) {
	s.Accepted += other.Accepted
	s.Rejected += other.Rejected
	s.Tolerated += other.Tolerated
	s.Mismatched += other.Mismatched

	s.Sessions += other.Sessions
	s.Commands += other.Commands
	s.TransportErrors += other.TransportErrors

	s.PhaseTime += other.PhaseTime
}

func (s *Stats) addPhase(p PhaseResult) {
	s.Accepted += p.Count(Accepted)
	s.Rejected += p.Count(Rejected)
	s.Tolerated += p.Count(Tolerated)
	s.Mismatched += p.Count(Mismatched)
	s.PhaseTime += p.End.Sub(p.Start)
}

func (s Stats) toReport() report.Stats {
	return report.Stats{
		Sessions:        s.Sessions,
		Commands:        s.Commands,
		Accepted:        s.Accepted,
		Rejected:        s.Rejected,
		Tolerated:       s.Tolerated,
		Mismatched:      s.Mismatched,
		TransportErrors: s.TransportErrors,
		PhaseTimeMillis: s.PhaseTime.Milliseconds(),
	}
}

// routerStats counts the traffic going through the wrapped routers.
type routerStats struct {
	sessions        int32
	commands        int32
	transportErrors int32
}

// StatsAndReset returns router stats and resets them.
func (r *routerStats) StatsAndReset() Stats {
	return Stats{
		Sessions:        int(atomic.SwapInt32(&r.sessions, 0)),
		Commands:        int(atomic.SwapInt32(&r.commands, 0)),
		TransportErrors: int(atomic.SwapInt32(&r.transportErrors, 0)),
	}
}

func (r *routerStats) wrap(rs []cluster.Router) []cluster.Router {
	res := make([]cluster.Router, len(rs))
	for i, inner := range rs {
		res[i] = statsRouter{inner: inner, stats: r}
	}
	return res
}

type statsRouter struct {
	inner cluster.Router
	stats *routerStats
}

func (r statsRouter) Name() string {
	return r.inner.Name()
}

func (r statsRouter) StartSession(ctx context.Context, opts cluster.SessionOptions) (cluster.Session, error) {
	sess, err := r.inner.StartSession(ctx, opts)
	if err != nil {
		atomic.AddInt32(&r.stats.transportErrors, 1)
		return nil, err
	}
	atomic.AddInt32(&r.stats.sessions, 1)
	return statsSession{inner: sess, stats: r.stats}, nil
}

type statsSession struct {
	inner cluster.Session
	stats *routerStats
}

func (s statsSession) ID() string {
	return s.inner.ID()
}

func (s statsSession) Run(ctx context.Context, db string, cmd bson.D) (cluster.Reply, error) {
	reply, err := s.inner.Run(ctx, db, cmd)
	if err != nil {
		atomic.AddInt32(&s.stats.transportErrors, 1)
		return reply, err
	}
	atomic.AddInt32(&s.stats.commands, 1)
	return reply, nil
}

func (s statsSession) End(ctx context.Context) {
	s.inner.End(ctx)
}

var (
	_ cluster.Router  = statsRouter{}
	_ cluster.Session = statsSession{}
)
