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
	"strconv"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mbrt/upgradecheck/cluster"
	"github.com/mbrt/upgradecheck/cluster/mongo"
	"github.com/mbrt/upgradecheck/internal/concurr"
	"github.com/mbrt/upgradecheck/internal/errors"
)

type role int

const (
	configServer role = iota
	shardServer
	router
)

func (r role) port() int {
	switch r {
	case configServer:
		return 27019
	case shardServer:
		return 27018
	default:
		return 27017
	}
}

const configReplSet = "cfg"

// node is a single member of the cluster. Its name is stable across
// upgrades and doubles as its host name in the cluster network.
type node struct {
	role    role
	name    string
	version cluster.Version
	volume  string
	// Whether a container was ever created, together with its volume.
	created bool

	container testcontainers.Container
	// Direct connection from the host. For routers, it's the router
	// endpoint.
	conn *mongo.Router
}

func (c *Cluster) newNode(r role, i int, v cluster.Version) *node {
	var name string
	switch r {
	case configServer:
		name = fmt.Sprintf("config%d", i)
	case shardServer:
		name = fmt.Sprintf("shard%d", i)
	default:
		name = fmt.Sprintf("router%d", i)
	}
	n := &node{role: r, name: name, version: v}
	if r != router {
		n.volume = fmt.Sprintf("%s-%s", c.netID, name)
	}
	return n
}

func (n *node) host() string {
	return n.name + ":" + strconv.Itoa(n.role.port())
}

func (n *node) replSet() string {
	if n.role == configServer {
		return configReplSet
	}
	return n.name
}

func (n *node) natPort() nat.Port {
	return nat.Port(strconv.Itoa(n.role.port()) + "/tcp")
}

func (n *node) cmd(configHost string) []string {
	port := strconv.Itoa(n.role.port())
	switch n.role {
	case configServer:
		return []string{"mongod", "--configsvr", "--replSet", n.replSet(),
			"--port", port, "--bind_ip_all"}
	case shardServer:
		return []string{"mongod", "--shardsvr", "--replSet", n.replSet(),
			"--port", port, "--bind_ip_all"}
	default:
		return []string{"mongos", "--configdb", configReplSet + "/" + configHost,
			"--port", port, "--bind_ip_all"}
	}
}

func (n *node) request(c *Cluster) testcontainers.ContainerRequest {
	req := testcontainers.ContainerRequest{
		Image:    fmt.Sprintf("%s:%s", c.opts.Image, n.version),
		Hostname: n.name,
		Networks: []string{c.netID},
		NetworkAliases: map[string][]string{
			c.netID: {n.name},
		},
		Cmd:          n.cmd(c.configs[0].host()),
		ExposedPorts: []string{string(n.natPort())},
		WaitingFor: wait.
			ForListeningPort(n.natPort()).
			WithStartupTimeout(c.opts.StartupTimeout),
	}
	if n.volume != "" {
		req.Mounts = testcontainers.ContainerMounts{
			testcontainers.VolumeMount(n.volume, "/data/db"),
		}
	}
	return req
}

// startNode starts the container of n and connects to it. Fresh data nodes
// also get their replica set initiated.
func (c *Cluster) startNode(ctx context.Context, n *node, fresh bool) error {
	n.created = true
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: n.request(c),
		Started:          true,
	})
	if ctr != nil {
		// Returned on failed starts too, so it can be cleaned up.
		n.container = ctr
	}
	if err != nil {
		return fmt.Errorf("starting %s: %w", n.name, err)
	}

	endpoint, err := ctr.PortEndpoint(ctx, n.natPort(), "mongodb")
	if err != nil {
		return fmt.Errorf("endpoint of %s: %w", n.name, err)
	}
	conn, err := mongo.Connect(ctx, n.name, endpoint+"/?directConnection=true")
	if err != nil {
		return err
	}
	n.conn = conn

	if fresh && n.role != router {
		if err := conn.Admin().InitiateReplicaSet(ctx, n.replSet(), n.host(), n.role == configServer); err != nil {
			return err
		}
	}
	if err := c.waitReady(ctx, n); err != nil {
		return err
	}
	c.log.LogAttrs(ctx, slog.LevelDebug, "node ready",
		slog.String("node", n.name),
		slog.String("version", n.version.String()),
	)
	return nil
}

// waitReady polls the node until it serves commands. Data nodes must also
// be the primary of their replica set.
func (c *Cluster) waitReady(ctx context.Context, n *node) error {
	ctx, cancel := concurr.ContextWithTimeout(ctx, c.opts.Clock, c.opts.ReadyTimeout)
	defer cancel()

	return concurr.RetryWithBackoff(ctx, c.opts.Clock, func() error {
		if n.role == router {
			return n.conn.Ping(ctx)
		}
		ok, err := n.conn.Admin().IsWritablePrimary(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s is not primary yet", n.name)
		}
		return nil
	})
}

// stopNode shuts down the container of n, keeping its data volume.
func (c *Cluster) stopNode(ctx context.Context, n *node) error {
	var errs []error
	if n.conn != nil {
		errs = append(errs, n.conn.Close(ctx))
		n.conn = nil
	}
	if n.container != nil {
		timeout := 30 * time.Second
		errs = append(errs, n.container.Stop(ctx, &timeout))
		errs = append(errs, n.container.Terminate(ctx))
		n.container = nil
	}
	if err := errors.Combine(errs...); err != nil {
		return fmt.Errorf("stopping %s: %w", n.name, err)
	}
	return nil
}

// replaceNode restarts n on the target version.
func (c *Cluster) replaceNode(ctx context.Context, n *node, target cluster.Version) error {
	if err := c.stopNode(ctx, n); err != nil {
		return err
	}
	n.version = target
	return c.startNode(ctx, n, false)
}
