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

	"go.mongodb.org/mongo-driver/bson"

	"github.com/mbrt/upgradecheck/cluster"
	"github.com/mbrt/upgradecheck/internal/errors"
)

// admin implements cluster.Admin. Only ascending single field integer
// shard keys are supported.
type admin struct {
	c *Cluster
}

func (a admin) ShardNames(ctx context.Context) ([]string, error) {
	c, unlock, err := a.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	res := make([]string, len(c.shards))
	for i, s := range c.shards {
		res[i] = s.name
	}
	return res, nil
}

func (a admin) EnableSharding(ctx context.Context, db, primaryShard string) error {
	c, unlock, err := a.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if c.shardByName(primaryShard) == nil {
		return errors.WithCause(fmt.Errorf("shard %q", primaryShard), cluster.ErrNotFound)
	}
	d := c.getOrCreateDB(db)
	d.sharded = true
	d.primary = primaryShard
	return nil
}

func (a admin) ShardCollection(ctx context.Context, ns cluster.Namespace, key bson.D) error {
	c, unlock, err := a.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	field, err := singleFieldKey(key)
	if err != nil {
		return err
	}
	d, ok := c.dbs[ns.DB]
	if !ok || !d.sharded {
		return fmt.Errorf("sharding not enabled on %q: %w", ns.DB, cluster.ErrUnsupported)
	}
	coll := d.getOrCreateColl(ns.Coll)
	if coll.Sharded() {
		if coll.key != field {
			return fmt.Errorf("%v already sharded on %q: %w", ns, coll.key, cluster.ErrUnsupported)
		}
		return nil
	}
	coll.key = field
	coll.chunks = newChunks(d.primary)
	return nil
}

func (a admin) SplitAt(ctx context.Context, ns cluster.Namespace, middle bson.D) error {
	c, unlock, err := a.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	coll, key, err := c.shardedColl(ns, middle)
	if err != nil {
		return err
	}
	coll.chunks.Split(key)
	return nil
}

func (a admin) MoveChunk(ctx context.Context, ns cluster.Namespace, find bson.D, toShard string) error {
	c, unlock, err := a.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	coll, key, err := c.shardedColl(ns, find)
	if err != nil {
		return err
	}
	if c.shardByName(toShard) == nil {
		return errors.WithCause(fmt.Errorf("shard %q", toShard), cluster.ErrNotFound)
	}
	coll.chunks.Move(key, toShard)
	return nil
}

func (a admin) Insert(ctx context.Context, ns cluster.Namespace, docs ...bson.D) error {
	c, unlock, err := a.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	coll := c.getOrCreateDB(ns.DB).getOrCreateColl(ns.Coll)
	for _, d := range docs {
		coll.docs = append(coll.docs, copyDoc(d))
	}
	return nil
}

func (a admin) lock(ctx context.Context) (*Cluster, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	c := a.c
	c.m.Lock()
	if c.tornDown {
		c.m.Unlock()
		return nil, nil, cluster.ErrTornDown
	}
	return c, c.m.Unlock, nil
}

func (c *Cluster) getOrCreateDB(name string) *database {
	d, ok := c.dbs[name]
	if !ok {
		d = &database{
			primary: c.shards[0].name,
			colls:   make(map[string]*collection),
		}
		c.dbs[name] = d
	}
	return d
}

func (d *database) getOrCreateColl(name string) *collection {
	coll, ok := d.colls[name]
	if !ok {
		coll = &collection{}
		d.colls[name] = coll
	}
	return coll
}

func (c *Cluster) shardedColl(ns cluster.Namespace, keyDoc bson.D) (*collection, int64, error) {
	d, ok := c.dbs[ns.DB]
	if !ok {
		return nil, 0, errors.WithCause(fmt.Errorf("database %q", ns.DB), cluster.ErrNotFound)
	}
	coll, ok := d.colls[ns.Coll]
	if !ok {
		return nil, 0, errors.WithCause(fmt.Errorf("collection %v", ns), cluster.ErrNotFound)
	}
	if !coll.Sharded() {
		return nil, 0, fmt.Errorf("%v is not sharded: %w", ns, cluster.ErrUnsupported)
	}
	key, ok := cluster.LookupInt64(keyDoc, coll.key)
	if !ok || len(keyDoc) != 1 {
		return nil, 0, fmt.Errorf("expected integer value for shard key %q, got %v: %w",
			coll.key, keyDoc, cluster.ErrUnsupported)
	}
	return coll, key, nil
}

func singleFieldKey(key bson.D) (string, error) {
	if len(key) != 1 {
		return "", fmt.Errorf("compound shard key %v: %w", key, cluster.ErrUnsupported)
	}
	if dir, ok := cluster.LookupInt64(key, key[0].Key); !ok || dir != 1 {
		return "", fmt.Errorf("shard key %v must be ascending: %w", key, cluster.ErrUnsupported)
	}
	return key[0].Key, nil
}
