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

package docker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/testcontainers/testcontainers-go"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/mbrt/upgradecheck/cluster"
	"github.com/mbrt/upgradecheck/internal/errors"
)

var errMixedCompatibility = errors.New("nodes disagree on the compatibility version")

// Cluster is a sharded cluster made of containers: one config server, one
// single member replica set per shard and the routers.
type Cluster struct {
	id      string
	opts    Options
	log     *slog.Logger
	netID   string
	network testcontainers.Network

	configs []*node
	shards  []*node
	routers []*node
	torn    bool
	m       sync.Mutex
}

func (c *Cluster) Routers() []cluster.Router {
	c.m.Lock()
	defer c.m.Unlock()

	var res []cluster.Router
	for _, n := range c.routers {
		if n.conn != nil {
			res = append(res, n.conn)
		}
	}
	return res
}

// Upgrade replaces the nodes of the given groups one at a time, in the
// order configs, shards, routers.
func (c *Cluster) Upgrade(ctx context.Context, target cluster.Version, groups cluster.NodeGroups) error {
	if _, err := cluster.ParseVersion(string(target)); err != nil {
		return err
	}
	c.m.Lock()
	defer c.m.Unlock()
	if c.torn {
		return cluster.ErrTornDown
	}

	var nodes []*node
	if groups.Configs {
		nodes = append(nodes, c.configs...)
	}
	if groups.Shards {
		nodes = append(nodes, c.shards...)
	}
	if groups.Routers {
		nodes = append(nodes, c.routers...)
	}
	for _, n := range nodes {
		if target.Less(n.version) {
			return errors.WithCause(
				fmt.Errorf("%s from %v to %v", n.name, n.version, target),
				cluster.ErrDowngrade)
		}
	}

	for _, n := range nodes {
		if n.version == target {
			continue
		}
		from := n.version
		if err := c.replaceNode(ctx, n, target); err != nil {
			return err
		}
		c.log.LogAttrs(ctx, slog.LevelInfo, "node upgraded",
			slog.String("node", n.name),
			slog.String("from", from.String()),
			slog.String("to", target.String()),
		)
	}
	return nil
}

// CompatibilityVersion reads the marker from the config server and every
// shard, and fails when they disagree.
func (c *Cluster) CompatibilityVersion(ctx context.Context) (cluster.Version, error) {
	c.m.Lock()
	defer c.m.Unlock()
	if c.torn {
		return "", cluster.ErrTornDown
	}

	var (
		res     cluster.Version
		details []string
		mixed   bool
	)
	for _, n := range c.dataNodesLocked() {
		v, err := n.conn.Admin().CompatibilityVersion(ctx)
		if err != nil {
			return "", fmt.Errorf("reading compatibility of %s: %w", n.name, err)
		}
		if res != "" && v != res {
			mixed = true
		}
		if res == "" {
			res = v
		}
		details = append(details, fmt.Sprintf("%s: %v", n.name, v))
	}
	if mixed {
		return "", errors.WithDetails(errMixedCompatibility, details...)
	}
	return res, nil
}

func (c *Cluster) SetCompatibilityVersion(ctx context.Context, v cluster.Version) error {
	if _, err := cluster.ParseVersion(string(v)); err != nil {
		return err
	}
	c.m.Lock()
	defer c.m.Unlock()
	if c.torn {
		return cluster.ErrTornDown
	}

	lowest := c.lowestVersionLocked()
	if lowest.Release().Less(v.Release()) {
		return errors.WithCause(
			fmt.Errorf("compatibility %v above binary version %v", v, lowest),
			cluster.ErrUnsupported)
	}
	r := c.firstRouterLocked()
	if r == nil {
		return fmt.Errorf("no router available: %w", cluster.ErrNotFound)
	}
	return r.conn.Admin().SetCompatibilityVersion(ctx, v)
}

// Admin returns the administration interface of the first router.
func (c *Cluster) Admin() cluster.Admin {
	c.m.Lock()
	defer c.m.Unlock()
	r := c.firstRouterLocked()
	if r == nil {
		return unavailableAdmin{}
	}
	return r.conn.Admin()
}

// Teardown removes every container, volume and the network of the
// cluster. It's safe to call it more than once.
func (c *Cluster) Teardown(ctx context.Context) error {
	c.m.Lock()
	defer c.m.Unlock()
	if c.torn {
		return nil
	}
	c.torn = true

	var errs []error
	var all []*node
	all = append(all, c.routers...)
	all = append(all, c.shards...)
	all = append(all, c.configs...)
	for _, n := range all {
		errs = append(errs, c.stopNode(ctx, n))
	}
	errs = append(errs, c.removeVolumes(ctx, all))
	if c.network != nil {
		if err := c.network.Remove(ctx); err != nil {
			errs = append(errs, fmt.Errorf("removing network %s: %w", c.netID, err))
		}
	}
	err := errors.Combine(errs...)
	c.log.LogAttrs(ctx, slog.LevelInfo, "cluster torn down", errAttr(err))
	return err
}

func (c *Cluster) removeVolumes(ctx context.Context, nodes []*node) error {
	var volumes []string
	for _, n := range nodes {
		if n.volume != "" && n.created {
			volumes = append(volumes, n.volume)
		}
	}
	if len(volumes) == 0 {
		return nil
	}
	cli, err := testcontainers.NewDockerClientWithOpts(ctx)
	if err != nil {
		return err
	}
	defer cli.Close()

	var errs []error
	for _, v := range volumes {
		if err := cli.VolumeRemove(ctx, v, true); err != nil {
			errs = append(errs, fmt.Errorf("removing volume %s: %w", v, err))
		}
	}
	return errors.Combine(errs...)
}

func (c *Cluster) lowestVersionLocked() cluster.Version {
	var vs []cluster.Version
	for _, group := range [][]*node{c.configs, c.shards, c.routers} {
		for _, n := range group {
			vs = append(vs, n.version)
		}
	}
	return cluster.MinVersion(vs...)
}

func (c *Cluster) dataNodesLocked() []*node {
	var res []*node
	res = append(res, c.configs...)
	return append(res, c.shards...)
}

func (c *Cluster) firstRouterLocked() *node {
	for _, n := range c.routers {
		if n.conn != nil {
			return n
		}
	}
	return nil
}

func errAttr(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("err", err.Error())
}

type unavailableAdmin struct{}

var errNoRouter = fmt.Errorf("no router available: %w", cluster.ErrNotFound)

func (unavailableAdmin) ShardNames(context.Context) ([]string, error) { return nil, errNoRouter }
func (unavailableAdmin) EnableSharding(context.Context, string, string) error {
	return errNoRouter
}
func (unavailableAdmin) ShardCollection(context.Context, cluster.Namespace, bson.D) error {
	return errNoRouter
}
func (unavailableAdmin) SplitAt(context.Context, cluster.Namespace, bson.D) error {
	return errNoRouter
}
func (unavailableAdmin) MoveChunk(context.Context, cluster.Namespace, bson.D, string) error {
	return errNoRouter
}
func (unavailableAdmin) Insert(context.Context, cluster.Namespace, ...bson.D) error {
	return errNoRouter
}

var _ cluster.Cluster = (*Cluster)(nil)
