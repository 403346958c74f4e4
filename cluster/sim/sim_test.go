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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/mbrt/upgradecheck/cluster"
)

const (
	oldVersion cluster.Version = "4.0"
	newVersion cluster.Version = "4.2"
)

var (
	unshardedNS = cluster.Namespace{DB: "test", Coll: "unsharded"}
	shardedNS   = cluster.Namespace{DB: "test", Coll: "sharded"}
)

func newTestCluster(t *testing.T) *Cluster {
	t.Helper()
	ctx := context.Background()
	m := NewManager(DefaultOptions())
	c, err := m.ProvisionSim(ctx, cluster.Spec{
		Shards:  2,
		Routers: 2,
		Version: oldVersion,
	})
	require.NoError(t, err)

	a := c.Admin()
	require.NoError(t, a.Insert(ctx, unshardedNS, bson.D{{Key: "x", Value: 1}}))
	require.NoError(t, a.EnableSharding(ctx, "test", "shard0"))
	require.NoError(t, a.ShardCollection(ctx, shardedNS, bson.D{{Key: "x", Value: 1}}))
	require.NoError(t, a.SplitAt(ctx, shardedNS, bson.D{{Key: "x", Value: 0}}))
	require.NoError(t, a.MoveChunk(ctx, shardedNS, bson.D{{Key: "x", Value: 1}}, "shard1"))
	require.NoError(t, a.Insert(ctx, shardedNS,
		bson.D{{Key: "x", Value: -1}},
		bson.D{{Key: "x", Value: 1}},
	))
	return c
}

func snapshotFind(coll string, filter bson.D, txn int64) bson.D {
	return cluster.Find{
		Collection:  coll,
		Filter:      filter,
		ReadConcern: cluster.ReadConcernSnapshot,
		TxnNumber:   &txn,
	}.Command()
}

func runOn(t *testing.T, r cluster.Router, cmds ...bson.D) []cluster.Reply {
	t.Helper()
	ctx := context.Background()
	sess, err := r.StartSession(ctx, cluster.SessionOptions{})
	require.NoError(t, err)
	defer sess.End(ctx)

	var res []cluster.Reply
	for _, cmd := range cmds {
		reply, err := sess.Run(ctx, "test", cmd)
		require.NoError(t, err)
		res = append(res, reply)
	}
	return res
}

func battery(start int64) []bson.D {
	return []bson.D{
		snapshotFind("unsharded", nil, start+1),
		snapshotFind("sharded", bson.D{{Key: "x", Value: 1}}, start+2),
		snapshotFind("sharded", nil, start+3),
	}
}

func codes(rs []cluster.Reply) []cluster.ErrorCode {
	res := make([]cluster.ErrorCode, len(rs))
	for i, r := range rs {
		res[i] = r.Code
	}
	return res
}

func TestUpgradePhases(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t)
	fp9 := []cluster.ErrorCode{9, 9, 9}

	steps := []struct {
		name    string
		groups  cluster.NodeGroups
		want    []cluster.ErrorCode
		wantOK  bool
		setFCV  bool
		wantFCV cluster.Version
	}{
		{name: "old", want: fp9, wantFCV: "4.0"},
		{name: "configs", groups: cluster.NodeGroups{Configs: true}, want: fp9, wantFCV: "4.0"},
		{name: "shards", groups: cluster.NodeGroups{Shards: true}, want: []cluster.ErrorCode{72, 72, 72}, wantFCV: "4.0"},
		{name: "routers", groups: cluster.NodeGroups{Routers: true}, want: []cluster.ErrorCode{0, 0, 0}, wantOK: true, wantFCV: "4.0"},
		{name: "fcv", want: []cluster.ErrorCode{0, 0, 0}, wantOK: true, setFCV: true, wantFCV: "4.2"},
	}

	var txn int64
	for _, s := range steps {
		if !s.groups.Empty() {
			require.NoError(t, c.Upgrade(ctx, newVersion, s.groups), s.name)
		}
		if s.setFCV {
			require.NoError(t, c.SetCompatibilityVersion(ctx, newVersion))
		}
		fcv, err := c.CompatibilityVersion(ctx)
		require.NoError(t, err)
		assert.Equal(t, s.wantFCV, fcv, s.name)

		for _, r := range c.Routers() {
			replies := runOn(t, r, battery(txn)...)
			txn += 3
			assert.Equal(t, s.want, codes(replies), "%s on %s", s.name, r.Name())
			for _, reply := range replies {
				assert.Equal(t, s.wantOK, reply.OK)
			}
		}
	}
}

func TestTargeting(t *testing.T) {
	c := newTestCluster(t)
	r := c.Routers()[0]
	runOn(t, r, battery(0)...)

	cmds := c.Commands()
	require.Len(t, cmds, 3)
	assert.Equal(t, []string{"shard0"}, cmds[0].Shards)
	assert.Equal(t, []string{"shard1"}, cmds[1].Shards)
	assert.Equal(t, []string{"shard0", "shard1"}, cmds[2].Shards)
	assert.Equal(t, []string{"shard0", "shard1"}, TargetedShards(cmds))
	assert.Equal(t, "router0", cmds[0].Router)
}

func TestPartialShardUpgrade(t *testing.T) {
	// Only reads that avoid the old shard get to the router check.
	ctx := context.Background()
	c := newTestCluster(t)
	require.NoError(t, c.Upgrade(ctx, newVersion, cluster.NodeGroups{Shards: true}))
	c.m.Lock()
	c.shards[0].version = oldVersion
	c.m.Unlock()

	replies := runOn(t, c.Routers()[0], battery(0)...)
	assert.Equal(t, []cluster.ErrorCode{9, 72, 9}, codes(replies))
}

func TestDocs(t *testing.T) {
	c := newTestCluster(t)
	for _, r := range c.Routers() {
		// Non snapshot reads always work, even on old versions.
		replies := runOn(t, r,
			cluster.Find{Collection: "sharded"}.Command(),
			cluster.Find{Collection: "sharded", Filter: bson.D{{Key: "x", Value: int64(1)}}}.Command(),
			cluster.Find{Collection: "missing"}.Command(),
		)
		require.True(t, replies[0].OK)
		assert.Len(t, replies[0].Docs, 2)
		assert.Equal(t, []bson.D{{{Key: "x", Value: 1}}}, replies[1].Docs)
		assert.True(t, replies[2].OK)
		assert.Empty(t, replies[2].Docs)
	}
}

func TestTxnNumberMonotonic(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t)
	require.NoError(t, c.Upgrade(ctx, newVersion, cluster.NodeGroups{
		Configs: true, Shards: true, Routers: true,
	}))

	replies := runOn(t, c.Routers()[0],
		snapshotFind("unsharded", nil, 5),
		snapshotFind("unsharded", nil, 5),
		snapshotFind("unsharded", nil, 4),
		snapshotFind("unsharded", nil, 6),
	)
	assert.Equal(t, []cluster.ErrorCode{0, 225, 225, 0}, codes(replies))

	// A new session starts from scratch.
	replies = runOn(t, c.Routers()[0], snapshotFind("unsharded", nil, 1))
	assert.True(t, replies[0].OK)
}

func TestFailPoint(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t)
	require.NoError(t, c.Upgrade(ctx, newVersion, cluster.NodeGroups{
		Configs: true, Shards: true, Routers: true,
	}))
	c.ConfigureFailPoint(FailPoint{
		Namespace: shardedNS,
		Code:      cluster.CodeSnapshotTooOld,
		Times:     1,
	})

	replies := runOn(t, c.Routers()[0], battery(0)...)
	assert.Equal(t, []cluster.ErrorCode{0, 239, 0}, codes(replies))
	assert.Equal(t, "SnapshotTooOld", replies[1].CodeName)
	assert.Equal(t, 1, c.FailPointHits(shardedNS))

	c.ConfigureFailPoint(FailPoint{Namespace: unshardedNS, Code: cluster.CodeSnapshotTooOld})
	replies = runOn(t, c.Routers()[1], battery(0)...)
	assert.Equal(t, []cluster.ErrorCode{239, 0, 0}, codes(replies))

	c.ClearFailPoints()
	replies = runOn(t, c.Routers()[1], battery(0)...)
	assert.Equal(t, []cluster.ErrorCode{0, 0, 0}, codes(replies))
}

func TestUnknownCommand(t *testing.T) {
	c := newTestCluster(t)
	replies := runOn(t, c.Routers()[0],
		bson.D{{Key: "insert", Value: "unsharded"}},
		bson.D{{Key: "find", Value: 1}},
	)
	assert.Equal(t, []cluster.ErrorCode{59, 9}, codes(replies))
}

func TestDowngradeRejected(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t)
	require.NoError(t, c.Upgrade(ctx, newVersion, cluster.NodeGroups{Shards: true}))

	err := c.Upgrade(ctx, oldVersion, cluster.NodeGroups{Configs: true, Shards: true})
	assert.ErrorIs(t, err, cluster.ErrDowngrade)
	// Nothing changed.
	vs := c.Versions()
	assert.Equal(t, oldVersion, vs["configs"])
	assert.Equal(t, newVersion, vs["shard1"])
}

func TestCompatibilityAboveBinaries(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t)
	require.NoError(t, c.Upgrade(ctx, newVersion, cluster.NodeGroups{Configs: true, Shards: true}))

	err := c.SetCompatibilityVersion(ctx, newVersion)
	assert.ErrorIs(t, err, cluster.ErrUnsupported)

	require.NoError(t, c.Upgrade(ctx, newVersion, cluster.NodeGroups{Routers: true}))
	require.NoError(t, c.SetCompatibilityVersion(ctx, "4.2.3"))
	fcv, err := c.CompatibilityVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, newVersion, fcv)
}

func TestAdminErrors(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t)
	a := c.Admin()

	assert.ErrorIs(t, a.EnableSharding(ctx, "test", "shard9"), cluster.ErrNotFound)
	assert.ErrorIs(t, a.ShardCollection(ctx, cluster.Namespace{DB: "other", Coll: "c"},
		bson.D{{Key: "x", Value: 1}}), cluster.ErrUnsupported)
	assert.ErrorIs(t, a.ShardCollection(ctx, shardedNS,
		bson.D{{Key: "x", Value: 1}, {Key: "y", Value: 1}}), cluster.ErrUnsupported)
	assert.ErrorIs(t, a.SplitAt(ctx, unshardedNS, bson.D{{Key: "x", Value: 0}}), cluster.ErrUnsupported)
	assert.ErrorIs(t, a.MoveChunk(ctx, shardedNS, bson.D{{Key: "x", Value: 1}}, "nope"), cluster.ErrNotFound)

	names, err := a.ShardNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"shard0", "shard1"}, names)
}

func TestTeardown(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t)
	r := c.Routers()[0]
	sess, err := r.StartSession(ctx, cluster.SessionOptions{})
	require.NoError(t, err)

	require.NoError(t, c.Teardown(ctx))
	assert.True(t, c.TornDown())
	_, err = sess.Run(ctx, "test", snapshotFind("unsharded", nil, 1))
	assert.ErrorIs(t, err, cluster.ErrTornDown)
	_, err = r.StartSession(ctx, cluster.SessionOptions{})
	assert.ErrorIs(t, err, cluster.ErrTornDown)
	// Idempotent.
	assert.NoError(t, c.Teardown(ctx))
}

func TestEndedSession(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t)
	sess, err := c.Routers()[1].StartSession(ctx, cluster.SessionOptions{})
	require.NoError(t, err)
	sess.End(ctx)
	_, err = sess.Run(ctx, "test", snapshotFind("unsharded", nil, 1))
	assert.ErrorIs(t, err, cluster.ErrNotFound)
}

func TestChunks(t *testing.T) {
	c := newChunks("a")
	c.Split(10)
	c.Split(0)
	c.Split(10)
	assert.Equal(t, []int64{0, 10}, c.splits)
	c.Move(5, "b")
	assert.Equal(t, "a", c.Owner(-100))
	assert.Equal(t, "b", c.Owner(0))
	assert.Equal(t, "b", c.Owner(9))
	assert.Equal(t, "a", c.Owner(10))
	assert.Equal(t, []string{"a", "b"}, c.Shards())
}

func TestProvisionErrors(t *testing.T) {
	ctx := context.Background()
	m := NewManager(Options{})
	_, err := m.Provision(ctx, cluster.Spec{Shards: 0, Routers: 1, Version: "4.0"})
	assert.ErrorIs(t, err, cluster.ErrUnsupported)
	_, err = m.Provision(ctx, cluster.Spec{Shards: 1, Routers: 1, Version: "latest"})
	assert.Error(t, err)
	_, err = m.Provision(ctx, cluster.Spec{Shards: 1, Routers: 1, Version: "4.0", Compatibility: "4.2"})
	assert.ErrorIs(t, err, cluster.ErrUnsupported)
	assert.Empty(t, m.Clusters())
}
