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

// Package cluster defines how the verifier talks to a sharded cluster: how
// to provision and upgrade it, and how to run commands through its routers.
package cluster

import (
	"context"
	"errors"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrUnsupported = errors.New("unsupported")
	ErrDowngrade   = errors.New("downgrade not supported")
	ErrTornDown    = errors.New("cluster torn down")
)

// Manager provisions clusters.
type Manager interface {
	Provision(ctx context.Context, spec Spec) (Cluster, error)
}

// Spec describes the topology and the initial version of a cluster.
type Spec struct {
	Shards  int
	Routers int
	Version Version
	// Compatibility is the initial compatibility marker. When empty, it's
	// the release of Version.
	Compatibility Version
}

// Cluster is a handle to a provisioned sharded cluster.
type Cluster interface {
	// Routers returns the current router endpoints. Endpoints may change
	// across upgrades, so callers should not cache them.
	Routers() []Router
	// Upgrade moves the given node groups to the target binary version.
	Upgrade(ctx context.Context, target Version, groups NodeGroups) error
	CompatibilityVersion(ctx context.Context) (Version, error)
	SetCompatibilityVersion(ctx context.Context, v Version) error
	Admin() Admin
	Teardown(ctx context.Context) error
}

// Router is a query routing endpoint.
type Router interface {
	Name() string
	StartSession(ctx context.Context, opts SessionOptions) (Session, error)
}

type SessionOptions struct {
	CausalConsistency bool
}

// Session is a logical session bound to a router.
type Session interface {
	ID() string
	// Run executes cmd against db. Command failures are reported in the
	// reply; the error is only for failures to deliver the command.
	Run(ctx context.Context, db string, cmd bson.D) (Reply, error)
	End(ctx context.Context)
}

// Reply is the outcome of a command.
type Reply struct {
	OK       bool
	Code     ErrorCode
	CodeName string
	Message  string
	Docs     []bson.D
}

// Failed returns a failure reply with the given code.
func Failed(code ErrorCode, msg string) Reply {
	return Reply{
		Code:     code,
		CodeName: code.String(),
		Message:  msg,
	}
}

// Admin groups the administrative commands needed to set up fixtures.
type Admin interface {
	ShardNames(ctx context.Context) ([]string, error)
	EnableSharding(ctx context.Context, db, primaryShard string) error
	ShardCollection(ctx context.Context, ns Namespace, key bson.D) error
	SplitAt(ctx context.Context, ns Namespace, middle bson.D) error
	MoveChunk(ctx context.Context, ns Namespace, find bson.D, toShard string) error
	Insert(ctx context.Context, ns Namespace, docs ...bson.D) error
}

type Namespace struct {
	DB   string
	Coll string
}

func (n Namespace) String() string {
	return n.DB + "." + n.Coll
}

// NodeGroups selects which groups of nodes an upgrade applies to.
type NodeGroups struct {
	Configs bool
	Shards  bool
	Routers bool
}

func (g NodeGroups) Empty() bool {
	return !g.Configs && !g.Shards && !g.Routers
}

func (g NodeGroups) String() string {
	var parts []string
	if g.Configs {
		parts = append(parts, "configs")
	}
	if g.Shards {
		parts = append(parts, "shards")
	}
	if g.Routers {
		parts = append(parts, "routers")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}
