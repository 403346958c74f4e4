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
	"fmt"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/mbrt/upgradecheck/cluster"
)

const (
	UnshardedCollection = "unsharded"
	ShardedCollection   = "sharded"
	ShardKey            = "x"
)

// SeedFixture creates the collections read by every phase:
//
//   - db.unsharded with {x: 1}, on the primary shard;
//   - db.sharded, sharded on {x: 1} and split at {x: 0}, with the chunk
//     [0, MaxKey) moved to the second shard, holding {x: -1} and {x: 1}.
//
// So a read of {x: 1} targets the second shard only, and an unfiltered read
// targets both.
func SeedFixture(ctx context.Context, a cluster.Admin, db string) error {
	shards, err := a.ShardNames(ctx)
	if err != nil {
		return fmt.Errorf("listing shards: %w", err)
	}
	if len(shards) < 2 {
		return fmt.Errorf("fixture needs two shards, got %d: %w", len(shards), cluster.ErrUnsupported)
	}
	primary, other := shards[0], shards[1]
	unsharded := cluster.Namespace{DB: db, Coll: UnshardedCollection}
	sharded := cluster.Namespace{DB: db, Coll: ShardedCollection}
	key := func(v int) bson.D { return bson.D{{Key: ShardKey, Value: v}} }

	steps := []struct {
		name string
		fn   func() error
	}{
		{"insert unsharded", func() error { return a.Insert(ctx, unsharded, key(1)) }},
		{"enable sharding", func() error { return a.EnableSharding(ctx, db, primary) }},
		{"shard collection", func() error { return a.ShardCollection(ctx, sharded, key(1)) }},
		{"split", func() error { return a.SplitAt(ctx, sharded, key(0)) }},
		{"move chunk", func() error { return a.MoveChunk(ctx, sharded, key(1), other) }},
		{"insert sharded", func() error { return a.Insert(ctx, sharded, key(-1), key(1)) }},
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			return fmt.Errorf("seeding fixture, %s: %w", s.name, err)
		}
	}
	return nil
}
