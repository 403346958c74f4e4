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
	"reflect"
	"sort"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/mbrt/upgradecheck/cluster"
	"github.com/mbrt/upgradecheck/internal/stringset"
)

type database struct {
	primary string
	sharded bool
	colls   map[string]*collection
}

type collection struct {
	docs []bson.D
	// Only set for sharded collections.
	key    string
	chunks *chunks
}

func (c *collection) Sharded() bool {
	return c.chunks != nil
}

// chunks partitions the shard key space. Chunk i covers the keys in
// [splits[i-1], splits[i]), with the first and the last unbounded.
type chunks struct {
	splits []int64
	owners []string
}

func newChunks(owner string) *chunks {
	return &chunks{owners: []string{owner}}
}

func (c *chunks) index(key int64) int {
	return sort.Search(len(c.splits), func(i int) bool {
		return c.splits[i] > key
	})
}

func (c *chunks) Owner(key int64) string {
	return c.owners[c.index(key)]
}

// Split adds a split point at key. The new chunk starting at key keeps the
// owner of the chunk it was split from.
func (c *chunks) Split(key int64) {
	i := c.index(key)
	if i > 0 && c.splits[i-1] == key {
		return
	}
	c.splits = append(c.splits, 0)
	copy(c.splits[i+1:], c.splits[i:])
	c.splits[i] = key

	c.owners = append(c.owners, "")
	copy(c.owners[i+1:], c.owners[i:])
}

func (c *chunks) Move(key int64, to string) {
	c.owners[c.index(key)] = to
}

// Shards returns the shards owning at least one chunk.
func (c *chunks) Shards() []string {
	return stringset.New(c.owners...).Sorted()
}

func matches(doc, filter bson.D) bool {
	for _, f := range filter {
		v, ok := cluster.Lookup(doc, f.Key)
		if !ok || !valueEqual(v, f.Value) {
			return false
		}
	}
	return true
}

func valueEqual(a, b any) bool {
	na, okA := toInt64(a)
	nb, okB := toInt64(b)
	if okA && okB {
		return na == nb
	}
	return reflect.DeepEqual(a, b)
}

func toInt64(v any) (int64, bool) {
	return cluster.LookupInt64(bson.D{{Key: "v", Value: v}}, "v")
}

func copyDoc(d bson.D) bson.D {
	return append(bson.D(nil), d...)
}
