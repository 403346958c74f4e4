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

// Package sim implements an in-process sharded cluster that models the
// observable behavior of snapshot reads across a rolling upgrade.
//
// Nodes only carry a binary version. Whether a snapshot read is accepted
// depends on the version of the router that receives it and on the
// versions of the shards it targets.
package sim

import (
	"context"
	"fmt"
	"sync"

	"github.com/mbrt/upgradecheck/cluster"
	"github.com/mbrt/upgradecheck/internal/errors"
)

// DefaultSnapshotVersion is the first release supporting snapshot reads
// outside of transactions.
const DefaultSnapshotVersion cluster.Version = "4.2"

type Options struct {
	// SnapshotVersion is the first binary version that supports snapshot
	// reads outside of transactions.
	SnapshotVersion cluster.Version
}

func DefaultOptions() Options {
	return Options{SnapshotVersion: DefaultSnapshotVersion}
}

func NewManager(opts Options) *Manager {
	if opts.SnapshotVersion == "" {
		opts.SnapshotVersion = DefaultSnapshotVersion
	}
	return &Manager{opts: opts}
}

// Manager provisions simulated clusters and keeps track of them.
type Manager struct {
	opts     Options
	clusters []*Cluster
	m        sync.Mutex
}

func (m *Manager) Provision(ctx context.Context, spec cluster.Spec) (cluster.Cluster, error) {
	c, err := m.ProvisionSim(ctx, spec)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ProvisionSim is like Provision, but returns the concrete type.
func (m *Manager) ProvisionSim(ctx context.Context, spec cluster.Spec) (*Cluster, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if spec.Shards < 1 || spec.Routers < 1 {
		return nil, fmt.Errorf("need at least one shard and one router, got %d and %d: %w",
			spec.Shards, spec.Routers, cluster.ErrUnsupported)
	}
	if _, err := cluster.ParseVersion(string(spec.Version)); err != nil {
		return nil, err
	}
	compat := spec.Compatibility
	if compat == "" {
		compat = spec.Version.Release()
	}
	if spec.Version.Less(compat) {
		return nil, fmt.Errorf("compatibility %v above binary version %v: %w",
			compat, spec.Version, cluster.ErrUnsupported)
	}

	c := &Cluster{
		snapshotVersion: m.opts.SnapshotVersion,
		configs:         spec.Version,
		compat:          compat,
		dbs:             make(map[string]*database),
		failPoints:      make(map[cluster.Namespace]*FailPoint),
	}
	for i := 0; i < spec.Shards; i++ {
		c.shards = append(c.shards, &node{
			name:    fmt.Sprintf("shard%d", i),
			version: spec.Version,
		})
	}
	for i := 0; i < spec.Routers; i++ {
		c.routers = append(c.routers, &router{
			c: c,
			node: &node{
				name:    fmt.Sprintf("router%d", i),
				version: spec.Version,
			},
		})
	}

	m.m.Lock()
	m.clusters = append(m.clusters, c)
	m.m.Unlock()
	return c, nil
}

// Clusters returns all the clusters provisioned so far.
func (m *Manager) Clusters() []*Cluster {
	m.m.Lock()
	defer m.m.Unlock()
	return append([]*Cluster(nil), m.clusters...)
}

type node struct {
	name    string
	version cluster.Version
}

// Cluster is a simulated sharded cluster. It's safe for concurrent use.
type Cluster struct {
	snapshotVersion cluster.Version

	configs    cluster.Version
	shards     []*node
	routers    []*router
	compat     cluster.Version
	dbs        map[string]*database
	failPoints map[cluster.Namespace]*FailPoint
	commands   []Record
	nextSessID int
	tornDown   bool
	m          sync.Mutex
}

func (c *Cluster) Routers() []cluster.Router {
	c.m.Lock()
	defer c.m.Unlock()

	res := make([]cluster.Router, len(c.routers))
	for i, r := range c.routers {
		res[i] = r
	}
	return res
}

func (c *Cluster) Upgrade(ctx context.Context, target cluster.Version, groups cluster.NodeGroups) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := cluster.ParseVersion(string(target)); err != nil {
		return err
	}

	c.m.Lock()
	defer c.m.Unlock()

	if c.tornDown {
		return cluster.ErrTornDown
	}
	// Validate everything first, so that a failed upgrade leaves the
	// cluster untouched.
	var nodes []*node
	if groups.Configs {
		nodes = append(nodes, &node{name: "configs", version: c.configs})
	}
	if groups.Shards {
		nodes = append(nodes, c.shards...)
	}
	if groups.Routers {
		for _, r := range c.routers {
			nodes = append(nodes, r.node)
		}
	}
	for _, n := range nodes {
		if target.Less(n.version) {
			return errors.WithCause(
				fmt.Errorf("%s is at %v, target %v", n.name, n.version, target),
				cluster.ErrDowngrade)
		}
	}

	if groups.Configs {
		c.configs = target
	}
	if groups.Shards {
		for _, s := range c.shards {
			s.version = target
		}
	}
	if groups.Routers {
		for _, r := range c.routers {
			r.node.version = target
		}
	}
	return nil
}

func (c *Cluster) CompatibilityVersion(ctx context.Context) (cluster.Version, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.m.Lock()
	defer c.m.Unlock()

	if c.tornDown {
		return "", cluster.ErrTornDown
	}
	return c.compat, nil
}

func (c *Cluster) SetCompatibilityVersion(ctx context.Context, v cluster.Version) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.m.Lock()
	defer c.m.Unlock()

	if c.tornDown {
		return cluster.ErrTornDown
	}
	if lowest := c.lowestVersion(); lowest.Release().Less(v.Release()) {
		return errors.WithCause(
			fmt.Errorf("cannot set compatibility to %v with nodes at %v", v, lowest),
			cluster.ErrUnsupported)
	}
	c.compat = v.Release()
	return nil
}

// Versions returns the binary version of each node, keyed by node name.
// Config servers are reported as a single "configs" entry.
func (c *Cluster) Versions() map[string]cluster.Version {
	c.m.Lock()
	defer c.m.Unlock()

	res := map[string]cluster.Version{"configs": c.configs}
	for _, s := range c.shards {
		res[s.name] = s.version
	}
	for _, r := range c.routers {
		res[r.node.name] = r.node.version
	}
	return res
}

func (c *Cluster) Admin() cluster.Admin {
	return admin{c}
}

func (c *Cluster) Teardown(ctx context.Context) error {
	c.m.Lock()
	defer c.m.Unlock()
	c.tornDown = true
	return nil
}

// TornDown reports whether Teardown was called.
func (c *Cluster) TornDown() bool {
	c.m.Lock()
	defer c.m.Unlock()
	return c.tornDown
}

func (c *Cluster) lowestVersion() cluster.Version {
	vs := []cluster.Version{c.configs}
	for _, s := range c.shards {
		vs = append(vs, s.version)
	}
	for _, r := range c.routers {
		vs = append(vs, r.node.version)
	}
	return cluster.MinVersion(vs...)
}

func (c *Cluster) shardByName(name string) *node {
	for _, s := range c.shards {
		if s.name == name {
			return s
		}
	}
	return nil
}
