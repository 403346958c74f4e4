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

// Package docker provisions sharded clusters out of local containers, one
// container per node, and upgrades them by replacing the containers of a
// node group with newer images that keep the same data volumes.
package docker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sourcegraph/conc/pool"
	"github.com/testcontainers/testcontainers-go"

	"github.com/mbrt/upgradecheck/cluster"
	"github.com/mbrt/upgradecheck/cluster/mongo"
	"github.com/mbrt/upgradecheck/internal/concurr"
	"github.com/mbrt/upgradecheck/internal/errors"
)

type Options struct {
	// Image is the repository of the node images. Versions are used as
	// tags.
	Image          string
	StartupTimeout time.Duration
	// ReadyTimeout bounds the wait for a node to accept commands after its
	// container started.
	ReadyTimeout time.Duration
	Clock        clockwork.Clock
	Logger       *slog.Logger
}

func DefaultOptions() Options {
	return Options{
		Image:          "mongo",
		StartupTimeout: 2 * time.Minute,
		ReadyTimeout:   time.Minute,
		Clock:          clockwork.NewRealClock(),
		Logger:         slog.Default(),
	}
}

func NewManager(opts Options) Manager {
	return Manager{opts: opts}
}

type Manager struct {
	opts Options
}

func (m Manager) Provision(ctx context.Context, spec cluster.Spec) (cluster.Cluster, error) {
	return m.ProvisionDocker(ctx, spec)
}

// ProvisionDocker is like Provision, but returns the concrete cluster.
func (m Manager) ProvisionDocker(ctx context.Context, spec cluster.Spec) (*Cluster, error) {
	if spec.Shards < 1 || spec.Routers < 1 {
		return nil, fmt.Errorf("need at least one shard and one router, got %d and %d: %w",
			spec.Shards, spec.Routers, cluster.ErrUnsupported)
	}
	if _, err := cluster.ParseVersion(string(spec.Version)); err != nil {
		return nil, err
	}

	id := uuid.NewString()[:8]
	c := &Cluster{
		id:    id,
		opts:  m.opts,
		log:   m.opts.Logger.With("cluster", id),
		netID: "upgradecheck-" + id,
	}
	if err := c.provision(ctx, spec); err != nil {
		// Don't leak containers of half provisioned clusters.
		tctx, cancel := concurr.DetachedWithTimeout(ctx, m.opts.Clock, time.Minute)
		defer cancel()
		return nil, errors.Combine(err, c.Teardown(tctx))
	}
	return c, nil
}

func (c *Cluster) provision(ctx context.Context, spec cluster.Spec) error {
	net, err := testcontainers.GenericNetwork(ctx, testcontainers.GenericNetworkRequest{
		NetworkRequest: testcontainers.NetworkRequest{
			Name:     c.netID,
			Internal: false,
		},
	})
	if err != nil {
		return fmt.Errorf("network %s: %w", c.netID, err)
	}
	c.network = net

	c.configs = []*node{c.newNode(configServer, 0, spec.Version)}
	for i := 0; i < spec.Shards; i++ {
		c.shards = append(c.shards, c.newNode(shardServer, i, spec.Version))
	}
	for i := 0; i < spec.Routers; i++ {
		c.routers = append(c.routers, c.newNode(router, i, spec.Version))
	}

	// Data nodes first, since routers need the config servers to start.
	if err := c.startAll(ctx, c.dataNodesLocked()); err != nil {
		return err
	}
	if err := c.startAll(ctx, c.routers); err != nil {
		return err
	}

	admin := c.Admin().(*mongo.Admin)
	for _, s := range c.shards {
		if err := admin.AddShard(ctx, s.name, s.replSet(), s.host()); err != nil {
			return err
		}
	}
	if spec.Compatibility != "" && spec.Compatibility.Release() != spec.Version.Release() {
		if err := c.SetCompatibilityVersion(ctx, spec.Compatibility); err != nil {
			return err
		}
	}
	c.log.LogAttrs(ctx, slog.LevelInfo, "cluster provisioned",
		slog.Int("shards", spec.Shards),
		slog.Int("routers", spec.Routers),
		slog.String("version", spec.Version.String()),
	)
	return nil
}

// startAll starts the nodes concurrently and waits until all of them are
// ready.
func (c *Cluster) startAll(ctx context.Context, nodes []*node) error {
	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
	for _, n := range nodes {
		n := n
		p.Go(func(ctx context.Context) error {
			return c.startNode(ctx, n, true)
		})
	}
	return p.Wait()
}
