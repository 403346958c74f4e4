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

package middleware

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/time/rate"

	"github.com/mbrt/upgradecheck/cluster"
)

var errRateLimited = errors.New("rate limited")

// DelayOptions describes the latency added to a cluster. Zero latencies are
// not simulated.
type DelayOptions struct {
	// Command is the mean latency of a command sent through a router.
	Command time.Duration
	// Session is the mean latency of starting a session.
	Session time.Duration
	// Upgrade is the mean latency of upgrading a group of nodes.
	Upgrade time.Duration
	// StdDevPerc is the standard deviation of every latency, as a fraction
	// of its mean.
	StdDevPerc float64
	// CommandsPerSec limits the commands accepted by each router. Zero
	// means no limit.
	CommandsPerSec int
}

// SimulatedLAN is the latency of a cluster deployed on a local network.
var SimulatedLAN = DelayOptions{
	Command:        2 * time.Millisecond,
	Session:        time.Millisecond,
	Upgrade:        20 * time.Second,
	StdDevPerc:     0.2,
	CommandsPerSec: 1000,
}

func NewDelayManager(inner cluster.Manager, clock clockwork.Clock, opts DelayOptions) DelayManager {
	return DelayManager{inner: inner, clock: clock, opts: opts}
}

// DelayManager provisions clusters whose operations are slowed down
// according to the given options.
type DelayManager struct {
	inner cluster.Manager
	clock clockwork.Clock
	opts  DelayOptions
}

func (m DelayManager) Provision(ctx context.Context, spec cluster.Spec) (cluster.Cluster, error) {
	c, err := m.inner.Provision(ctx, spec)
	if err != nil {
		return nil, err
	}
	return NewDelayCluster(c, m.clock, m.opts), nil
}

func NewDelayCluster(inner cluster.Cluster, clock clockwork.Clock, opts DelayOptions) *DelayCluster {
	return &DelayCluster{
		inner:   inner,
		clock:   clock,
		opts:    opts,
		upgrade: lognormalDelay(opts.Upgrade, opts.StdDevPerc),
		rlimit:  newRateLimiter(opts.CommandsPerSec, clock),
	}
}

type DelayCluster struct {
	inner   cluster.Cluster
	clock   clockwork.Clock
	opts    DelayOptions
	upgrade lognormal
	// Shared by all the routers, keyed by router name, so that the limits
	// survive router restarts.
	rlimit *rateLimiter
}

func (c *DelayCluster) Routers() []cluster.Router {
	rs := c.inner.Routers()
	res := make([]cluster.Router, len(rs))
	for i, r := range rs {
		res[i] = newDelayRouter(r, c.clock, c.opts, c.rlimit)
	}
	return res
}

func (c *DelayCluster) Upgrade(ctx context.Context, target cluster.Version, groups cluster.NodeGroups) error {
	if err := delay(ctx, c.clock, c.upgrade); err != nil {
		return err
	}
	return c.inner.Upgrade(ctx, target, groups)
}

func (c *DelayCluster) CompatibilityVersion(ctx context.Context) (cluster.Version, error) {
	return c.inner.CompatibilityVersion(ctx)
}

func (c *DelayCluster) SetCompatibilityVersion(ctx context.Context, v cluster.Version) error {
	return c.inner.SetCompatibilityVersion(ctx, v)
}

func (c *DelayCluster) Admin() cluster.Admin {
	return c.inner.Admin()
}

func (c *DelayCluster) Teardown(ctx context.Context) error {
	return c.inner.Teardown(ctx)
}

// NewDelayRouter wraps a single router. Use NewDelayCluster to share the
// rate limits across the routers of a cluster.
func NewDelayRouter(inner cluster.Router, clock clockwork.Clock, opts DelayOptions) cluster.Router {
	return newDelayRouter(inner, clock, opts, newRateLimiter(opts.CommandsPerSec, clock))
}

func newDelayRouter(
	inner cluster.Router,
	clock clockwork.Clock,
	opts DelayOptions,
	rlimit *rateLimiter,
) delayRouter {
	return delayRouter{
		inner:   inner,
		clock:   clock,
		session: lognormalDelay(opts.Session, opts.StdDevPerc),
		command: lognormalDelay(opts.Command, opts.StdDevPerc),
		rlimit:  rlimit,
	}
}

type delayRouter struct {
	inner   cluster.Router
	clock   clockwork.Clock
	session lognormal
	command lognormal
	rlimit  *rateLimiter
}

func (r delayRouter) Name() string {
	return r.inner.Name()
}

func (r delayRouter) StartSession(ctx context.Context, opts cluster.SessionOptions) (cluster.Session, error) {
	if err := delay(ctx, r.clock, r.session); err != nil {
		return nil, err
	}
	s, err := r.inner.StartSession(ctx, opts)
	if err != nil {
		return nil, err
	}
	return delaySession{inner: s, router: r}, nil
}

type delaySession struct {
	inner  cluster.Session
	router delayRouter
}

func (s delaySession) ID() string {
	return s.inner.ID()
}

func (s delaySession) Run(ctx context.Context, db string, cmd bson.D) (cluster.Reply, error) {
	if err := s.router.rlimit.Wait(ctx, s.router.inner.Name()); err != nil {
		return cluster.Reply{}, err
	}
	if err := delay(ctx, s.router.clock, s.router.command); err != nil {
		return cluster.Reply{}, err
	}
	return s.inner.Run(ctx, db, cmd)
}

func (s delaySession) End(ctx context.Context) {
	s.inner.End(ctx)
}

func delay(ctx context.Context, clock clockwork.Clock, ln lognormal) error {
	if ln.zero() {
		return ctx.Err()
	}
	select {
	case <-clock.After(ln.Duration()):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// lognormalDelay returns a log-normal distribution with the given mean and
// a standard deviation of mean*stdPerc.
func lognormalDelay(mean time.Duration, stdPerc float64) lognormal {
	if mean <= 0 {
		return lognormal{}
	}
	m := float64(mean)
	s := m * stdPerc
	v := math.Log(s*s/(m*m) + 1)
	return lognormal{
		mu:    math.Log(m) - 0.5*v,
		sigma: math.Sqrt(v),
	}
}

type lognormal struct {
	mu    float64
	sigma float64
}

func (l lognormal) zero() bool {
	return l.mu == 0 && l.sigma == 0
}

func (l lognormal) Duration() time.Duration {
	// Go 1.20+ seeds the global source automatically.
	return time.Duration(math.Exp(rand.NormFloat64()*l.sigma + l.mu))
}

func newRateLimiter(perSec int, clock clockwork.Clock) *rateLimiter {
	r := &rateLimiter{
		limit:    rate.Inf,
		clock:    clock,
		limiters: make(map[string]*rate.Limiter),
	}
	if perSec > 0 {
		r.limit = rate.Limit(perSec)
		r.burst = perSec
	}
	return r
}

// rateLimiter keeps a token bucket per key, with a burst of one second of
// tokens. Time is taken from the clock, never from the system.
type rateLimiter struct {
	limit    rate.Limit
	burst    int
	clock    clockwork.Clock
	limiters map[string]*rate.Limiter
	m        sync.Mutex
}

func (r *rateLimiter) limiter(key string) *rate.Limiter {
	r.m.Lock()
	defer r.m.Unlock()
	l, ok := r.limiters[key]
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.limiters[key] = l
	}
	return l
}

func (r *rateLimiter) TryAcquireToken(key string) bool {
	return r.limiter(key).AllowN(r.clock.Now(), 1)
}

// Wait blocks until a token for key is available. The token is given back
// if ctx is done first.
func (r *rateLimiter) Wait(ctx context.Context, key string) error {
	now := r.clock.Now()
	res := r.limiter(key).ReserveN(now, 1)
	if !res.OK() {
		return errRateLimited
	}
	d := res.DelayFrom(now)
	if d <= 0 {
		return nil
	}
	select {
	case <-r.clock.After(d):
		return nil
	case <-ctx.Done():
		res.CancelAt(r.clock.Now())
		return ctx.Err()
	}
}

var (
	_ cluster.Manager = DelayManager{}
	_ cluster.Cluster = (*DelayCluster)(nil)
	_ cluster.Router  = delayRouter{}
	_ cluster.Session = delaySession{}
)
