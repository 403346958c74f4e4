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

// Package middleware wraps cluster implementations to add logging and
// simulated latency.
package middleware

import (
	"context"
	"fmt"
	"log/slog"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/mbrt/upgradecheck/cluster"
)

func NewManagerLogger(inner cluster.Manager, log *slog.Logger) ManagerLogger {
	return ManagerLogger{inner: inner, log: log}
}

// ManagerLogger logs every provisioning and wraps the clusters it returns
// in a ClusterLogger.
type ManagerLogger struct {
	inner cluster.Manager
	log   *slog.Logger
}

func (m ManagerLogger) Provision(ctx context.Context, spec cluster.Spec) (cluster.Cluster, error) {
	c, err := m.inner.Provision(ctx, spec)
	m.log.LogAttrs(ctx, slog.LevelDebug, "Provision",
		argsAttr("shards:%d;routers:%d;v:%v", spec.Shards, spec.Routers, spec.Version), errAttr(err))
	if err != nil {
		return nil, err
	}
	return NewClusterLogger(c, m.log), nil
}

func NewClusterLogger(inner cluster.Cluster, log *slog.Logger) ClusterLogger {
	return ClusterLogger{inner: inner, log: log}
}

type ClusterLogger struct {
	inner cluster.Cluster
	log   *slog.Logger
}

func (c ClusterLogger) Routers() []cluster.Router {
	rs := c.inner.Routers()
	res := make([]cluster.Router, len(rs))
	for i, r := range rs {
		res[i] = NewRouterLogger(r, c.log)
	}
	return res
}

func (c ClusterLogger) Upgrade(ctx context.Context, target cluster.Version, groups cluster.NodeGroups) error {
	err := c.inner.Upgrade(ctx, target, groups)
	c.log.LogAttrs(ctx, slog.LevelDebug, "Upgrade",
		argsAttr("v:%v;groups:%v", target, groups), errAttr(err))
	return err
}

func (c ClusterLogger) CompatibilityVersion(ctx context.Context) (cluster.Version, error) {
	v, err := c.inner.CompatibilityVersion(ctx)
	c.log.LogAttrs(ctx, slog.LevelDebug, "CompatibilityVersion", resFmtAttr("%v", v), errAttr(err))
	return v, err
}

func (c ClusterLogger) SetCompatibilityVersion(ctx context.Context, v cluster.Version) error {
	err := c.inner.SetCompatibilityVersion(ctx, v)
	c.log.LogAttrs(ctx, slog.LevelDebug, "SetCompatibilityVersion", argsAttr("v:%v", v), errAttr(err))
	return err
}

func (c ClusterLogger) Admin() cluster.Admin {
	return AdminLogger{inner: c.inner.Admin(), log: c.log}
}

func (c ClusterLogger) Teardown(ctx context.Context) error {
	err := c.inner.Teardown(ctx)
	c.log.LogAttrs(ctx, slog.LevelDebug, "Teardown", errAttr(err))
	return err
}

type AdminLogger struct {
	inner cluster.Admin
	log   *slog.Logger
}

func (a AdminLogger) ShardNames(ctx context.Context) ([]string, error) {
	r, err := a.inner.ShardNames(ctx)
	a.log.LogAttrs(ctx, slog.LevelDebug, "ShardNames", resFmtAttr("%v", r), errAttr(err))
	return r, err
}

func (a AdminLogger) EnableSharding(ctx context.Context, db, primaryShard string) error {
	err := a.inner.EnableSharding(ctx, db, primaryShard)
	a.log.LogAttrs(ctx, slog.LevelDebug, "EnableSharding",
		argsAttr("db:%s;primary:%s", db, primaryShard), errAttr(err))
	return err
}

func (a AdminLogger) ShardCollection(ctx context.Context, ns cluster.Namespace, key bson.D) error {
	err := a.inner.ShardCollection(ctx, ns, key)
	a.log.LogAttrs(ctx, slog.LevelDebug, "ShardCollection", nsAttr(ns), argsAttr("key:%v", key), errAttr(err))
	return err
}

func (a AdminLogger) SplitAt(ctx context.Context, ns cluster.Namespace, middle bson.D) error {
	err := a.inner.SplitAt(ctx, ns, middle)
	a.log.LogAttrs(ctx, slog.LevelDebug, "SplitAt", nsAttr(ns), argsAttr("middle:%v", middle), errAttr(err))
	return err
}

func (a AdminLogger) MoveChunk(ctx context.Context, ns cluster.Namespace, find bson.D, toShard string) error {
	err := a.inner.MoveChunk(ctx, ns, find, toShard)
	a.log.LogAttrs(ctx, slog.LevelDebug, "MoveChunk", nsAttr(ns),
		argsAttr("find:%v;to:%s", find, toShard), errAttr(err))
	return err
}

func (a AdminLogger) Insert(ctx context.Context, ns cluster.Namespace, docs ...bson.D) error {
	err := a.inner.Insert(ctx, ns, docs...)
	a.log.LogAttrs(ctx, slog.LevelDebug, "Insert", nsAttr(ns), argsAttr("docs:%d", len(docs)), errAttr(err))
	return err
}

func NewRouterLogger(inner cluster.Router, log *slog.Logger) RouterLogger {
	return RouterLogger{
		inner: inner,
		log:   log.With("router", inner.Name()),
	}
}

type RouterLogger struct {
	inner cluster.Router
	log   *slog.Logger
}

func (r RouterLogger) Name() string {
	return r.inner.Name()
}

func (r RouterLogger) StartSession(ctx context.Context, opts cluster.SessionOptions) (cluster.Session, error) {
	s, err := r.inner.StartSession(ctx, opts)
	r.log.LogAttrs(ctx, slog.LevelDebug, "StartSession",
		argsAttr("causal:%v", opts.CausalConsistency), errAttr(err))
	if err != nil {
		return nil, err
	}
	return SessionLogger{inner: s, log: r.log.With("session", s.ID())}, nil
}

type SessionLogger struct {
	inner cluster.Session
	log   *slog.Logger
}

func (s SessionLogger) ID() string {
	return s.inner.ID()
}

func (s SessionLogger) Run(ctx context.Context, db string, cmd bson.D) (cluster.Reply, error) {
	r, err := s.inner.Run(ctx, db, cmd)
	s.log.LogAttrs(ctx, slog.LevelDebug, "Run", cmdAttr(db, cmd), replyAttr(r), errAttr(err))
	return r, err
}

func (s SessionLogger) End(ctx context.Context) {
	s.inner.End(ctx)
	s.log.LogAttrs(ctx, slog.LevelDebug, "End")
}

func cmdAttr(db string, cmd bson.D) slog.Attr {
	name := "?"
	if len(cmd) > 0 {
		name = cmd[0].Key
	}
	attrs := []any{slog.String("db", db), slog.String("name", name)}
	if n, ok := cluster.LookupInt64(cmd, "txnNumber"); ok {
		attrs = append(attrs, slog.Int64("txn", n))
	}
	return slog.Group("cmd", attrs...)
}

func replyAttr(r cluster.Reply) slog.Attr {
	if r.OK {
		return slog.Group("res", slog.Bool("ok", true), slog.Int("docs", len(r.Docs)))
	}
	return slog.Group("res", slog.Bool("ok", false), slog.Int("code", int(r.Code)),
		slog.String("codeName", r.CodeName))
}

func nsAttr(ns cluster.Namespace) slog.Attr {
	return slog.String("ns", ns.String())
}

func resFmtAttr(format string, v ...any) slog.Attr {
	return slog.Attr{
		Key:   "res",
		Value: slog.StringValue(fmt.Sprintf(format, v...)),
	}
}

func errAttr(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Attr{
		Key:   "err",
		Value: slog.StringValue(err.Error()),
	}
}

func argsAttr(format string, v ...any) slog.Attr {
	return slog.Attr{
		Key:   "args",
		Value: slog.StringValue(fmt.Sprintf(format, v...)),
	}
}

// Ensure that the interfaces are implemented correctly.
var (
	_ cluster.Manager = ManagerLogger{}
	_ cluster.Cluster = ClusterLogger{}
	_ cluster.Admin   = AdminLogger{}
	_ cluster.Router  = RouterLogger{}
	_ cluster.Session = SessionLogger{}
)
