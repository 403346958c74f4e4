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

package sim

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/mbrt/upgradecheck/cluster"
	"github.com/mbrt/upgradecheck/internal/data"
	"github.com/mbrt/upgradecheck/internal/stringset"
)

var errSessionEnded = fmt.Errorf("session ended: %w", cluster.ErrNotFound)

type router struct {
	c    *Cluster
	node *node
}

func (r *router) Name() string {
	return r.node.name
}

func (r *router) StartSession(ctx context.Context, opts cluster.SessionOptions) (cluster.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.c.m.Lock()
	defer r.c.m.Unlock()

	if r.c.tornDown {
		return nil, cluster.ErrTornDown
	}
	return &session{
		r:    r,
		id:   uuid.NewString(),
		opts: opts,
	}, nil
}

type session struct {
	r    *router
	id   string
	opts cluster.SessionOptions

	lastTxn *data.TxnNumber
	ended   bool
	m       sync.Mutex
}

func (s *session) ID() string {
	return s.id
}

func (s *session) Run(ctx context.Context, db string, cmd bson.D) (cluster.Reply, error) {
	if err := ctx.Err(); err != nil {
		return cluster.Reply{}, err
	}
	s.m.Lock()
	defer s.m.Unlock()

	if s.ended {
		return cluster.Reply{}, errSessionEnded
	}

	c := s.r.c
	c.m.Lock()
	defer c.m.Unlock()

	if c.tornDown {
		return cluster.Reply{}, cluster.ErrTornDown
	}
	reply, shards := s.run(db, cmd)
	c.commands = append(c.commands, Record{
		Router:  s.r.node.name,
		Session: s.id,
		DB:      db,
		Command: copyDoc(cmd),
		Shards:  shards,
		Reply:   reply,
	})
	return reply, nil
}

func (s *session) End(context.Context) {
	s.m.Lock()
	defer s.m.Unlock()
	s.ended = true
}

// run executes cmd with the cluster lock held. It returns the reply and
// the shards the command was routed to.
func (s *session) run(db string, cmd bson.D) (cluster.Reply, []string) {
	if len(cmd) == 0 {
		return cluster.Failed(cluster.CodeFailedToParse, "empty command"), nil
	}
	if cmd[0].Key != "find" {
		return cluster.Failed(cluster.CodeCommandNotFound,
			fmt.Sprintf("no such command: %q", cmd[0].Key)), nil
	}
	find, err := cluster.ParseFind(cmd)
	if err != nil {
		return cluster.Failed(cluster.CodeFailedToParse, err.Error()), nil
	}

	c := s.r.c
	ns := cluster.Namespace{DB: db, Coll: find.Collection}
	targets := c.target(ns, find.Filter)

	if find.TxnNumber != nil {
		n := *find.TxnNumber
		if s.lastTxn != nil && n <= *s.lastTxn {
			return cluster.Failed(cluster.CodeTransactionTooOld, fmt.Sprintf(
				"txnNumber %d is less than last txnNumber %d seen in session %s",
				n, *s.lastTxn, s.id)), targets
		}
		s.lastTxn = &n
	}
	if fp := c.failPoints[ns]; fp.trigger() {
		return cluster.Failed(fp.Code, fmt.Sprintf("fail point on %v", ns)), targets
	}
	if find.Snapshot() {
		if reply, ok := c.checkSnapshot(s.r, targets); !ok {
			return reply, targets
		}
	}
	return cluster.Reply{
		OK:   true,
		Docs: c.lookup(ns, find.Filter),
	}, targets
}

// checkSnapshot decides whether a snapshot read outside a transaction can
// be served, given the versions of the router and of the targeted shards.
func (c *Cluster) checkSnapshot(r *router, targets []string) (cluster.Reply, bool) {
	routerNew := !r.node.version.Less(c.snapshotVersion)
	var oldShard string
	for _, name := range targets {
		if s := c.shardByName(name); s != nil && s.version.Less(c.snapshotVersion) {
			oldShard = name
			break
		}
	}

	switch {
	case oldShard != "":
		return cluster.Failed(cluster.CodeFailedToParse, fmt.Sprintf(
			"readConcern level snapshot is only valid in multi-statement transactions (on %s)",
			oldShard)), false
	case !routerNew:
		return cluster.Failed(cluster.CodeInvalidOptions,
			"read concern level snapshot is not supported outside transactions by this router"), false
	}
	return cluster.Reply{}, true
}

// target returns the shards a command on ns with filter is routed to.
func (c *Cluster) target(ns cluster.Namespace, filter bson.D) []string {
	d, ok := c.dbs[ns.DB]
	if !ok {
		return []string{c.shards[0].name}
	}
	coll, ok := d.colls[ns.Coll]
	if !ok || !coll.Sharded() {
		return []string{d.primary}
	}
	if key, ok := cluster.LookupInt64(filter, coll.key); ok {
		return []string{coll.chunks.Owner(key)}
	}
	return coll.chunks.Shards()
}

func (c *Cluster) lookup(ns cluster.Namespace, filter bson.D) []bson.D {
	d, ok := c.dbs[ns.DB]
	if !ok {
		return nil
	}
	coll, ok := d.colls[ns.Coll]
	if !ok {
		return nil
	}
	var res []bson.D
	for _, doc := range coll.docs {
		if matches(doc, filter) {
			res = append(res, copyDoc(doc))
		}
	}
	return res
}

// Record is a command as seen by the cluster.
type Record struct {
	Router  string
	Session string
	DB      string
	Command bson.D
	// Shards the command was routed to.
	Shards []string
	Reply  cluster.Reply
}

// Commands returns all the commands received so far, in order.
func (c *Cluster) Commands() []Record {
	c.m.Lock()
	defer c.m.Unlock()
	return append([]Record(nil), c.commands...)
}

// TargetedShards returns the union of the shards targeted by the given
// records.
func TargetedShards(rs []Record) []string {
	s := stringset.New()
	for _, r := range rs {
		for _, sh := range r.Shards {
			s.Add(sh)
		}
	}
	return s.Sorted()
}
