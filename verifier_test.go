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
	"errors"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/mbrt/upgradecheck/cluster"
	"github.com/mbrt/upgradecheck/cluster/sim"
	ierrors "github.com/mbrt/upgradecheck/internal/errors"
	"github.com/mbrt/upgradecheck/internal/testkit"
)

func testOptions(t *testing.T) Options {
	opts := DefaultOptions()
	opts.Logger = testkit.NewLogger(t, nil)
	opts.Clock = clockwork.NewFakeClock()
	return opts
}

// seededCluster returns a simulated cluster at the old version with the
// fixture in place.
func seededCluster(t *testing.T) *sim.Cluster {
	t.Helper()
	ctx := context.Background()
	m := sim.NewManager(sim.DefaultOptions())
	c, err := m.ProvisionSim(ctx, cluster.Spec{Shards: 2, Routers: 2, Version: "4.0"})
	require.NoError(t, err)
	require.NoError(t, SeedFixture(ctx, c.Admin(), "test"))
	return c
}

func TestCheck(t *testing.T) {
	ok := cluster.Reply{OK: true}
	tooOld := cluster.Failed(cluster.CodeSnapshotTooOld, "")
	parse := cluster.Failed(cluster.CodeFailedToParse, "")
	invalid := cluster.Failed(cluster.CodeInvalidOptions, "")

	tests := []struct {
		name    string
		exp     Expectation
		reply   cluster.Reply
		want    Outcome
		wantErr error
	}{
		{"accepted", Accept(), ok, Accepted, nil},
		{"tolerated", Accept(), tooOld, Tolerated, nil},
		{"expected success", Accept(), parse, Mismatched, ErrWrongCode},
		{"rejected", Reject(cluster.CodeFailedToParse), parse, Rejected, nil},
		{"unexpected success", Reject(cluster.CodeFailedToParse), ok, Mismatched, ErrUnexpectedSuccess},
		{"wrong code", Reject(cluster.CodeFailedToParse), invalid, Mismatched, ErrWrongCode},
		{"no tolerance on reject", Reject(cluster.CodeInvalidOptions), tooOld, Mismatched, ErrWrongCode},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Check(tc.exp, tc.reply)
			assert.Equal(t, tc.want, got)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestShapeFind(t *testing.T) {
	f := UnshardedFind.Find(3)
	assert.Equal(t, "unsharded", f.Collection)
	assert.Empty(t, f.Filter)
	assert.True(t, f.Snapshot())
	assert.Equal(t, int64(3), *f.TxnNumber)

	f = SingleShardFind.Find(4)
	assert.Equal(t, "sharded", f.Collection)
	assert.Equal(t, bson.D{{Key: "x", Value: 1}}, f.Filter)

	f = AllShardsFind.Find(5)
	assert.Equal(t, "sharded", f.Collection)
	assert.Empty(t, f.Filter)

	assert.Equal(t, "Shape(7)", Shape(7).String())
}

func TestRunPhase(t *testing.T) {
	ctx := context.Background()
	c := seededCluster(t)
	v := NewVerifier(testOptions(t))

	res, err := v.RunPhase(ctx, OldVersion, c.Routers(), Reject(cluster.CodeFailedToParse))
	require.NoError(t, err)
	assert.Equal(t, int64(6), v.LastTxnNumber())
	require.Len(t, res.Commands, 6)
	assert.Equal(t, 6, res.Count(Rejected))

	// Routers in order, shapes in order within each router.
	for i, cr := range res.Commands {
		assert.Equal(t, Shapes[i%3], cr.Shape)
		assert.Equal(t, int64(i+1), cr.TxnNumber)
	}
	assert.Equal(t, "router0", res.Commands[0].Router)
	assert.Equal(t, "router1", res.Commands[5].Router)

	// Every command is a snapshot read with its own transaction number.
	cmds := c.Commands()
	require.Len(t, cmds, 6)
	for i, rec := range cmds {
		f, err := cluster.ParseFind(rec.Command)
		require.NoError(t, err)
		assert.True(t, f.Snapshot())
		assert.Equal(t, int64(i+1), *f.TxnNumber)
		assert.Equal(t, "test", rec.DB)
	}
	// One session per router.
	assert.Equal(t, cmds[0].Session, cmds[2].Session)
	assert.NotEqual(t, cmds[0].Session, cmds[3].Session)
	assert.Equal(t, []string{"shard0"}, cmds[0].Shards)
	assert.Equal(t, []string{"shard1"}, cmds[1].Shards)
	assert.Equal(t, []string{"shard0", "shard1"}, cmds[2].Shards)

	// The counter carries on across phases.
	_, err = v.RunPhase(ctx, ConfigsUpgraded, c.Routers(), Reject(cluster.CodeFailedToParse))
	require.NoError(t, err)
	assert.Equal(t, int64(12), v.LastTxnNumber())
}

func TestRunPhaseMismatch(t *testing.T) {
	ctx := context.Background()
	c := seededCluster(t)
	v := NewVerifier(testOptions(t))

	res, err := v.RunPhase(ctx, ShardsUpgraded, c.Routers(), Reject(cluster.CodeInvalidOptions))
	require.ErrorIs(t, err, ErrWrongCode)

	var me *MismatchError
	require.True(t, errors.As(err, &me))
	assert.Equal(t, ShardsUpgraded, me.State)
	assert.Equal(t, "router0", me.Router)
	assert.Equal(t, UnshardedFind, me.Shape)
	assert.Equal(t, cluster.CodeFailedToParse, me.Reply.Code)
	assert.Equal(t, "unsharded", me.Command[0].Value)
	assert.Contains(t, err.Error(), `command: {"find":"unsharded","readConcern":{"level":"snapshot"}`)

	// The failing command is part of the result.
	require.Len(t, res.Commands, 1)
	assert.Equal(t, Mismatched, res.Commands[0].Outcome)
	assert.Equal(t, me.Command, res.Commands[0].Command)
	bad, ok := res.Mismatch()
	require.True(t, ok)
	assert.Equal(t, "router0", bad.Router)
	assert.Equal(t, int64(1), bad.TxnNumber)

	details := ierrors.Details(err)
	assert.Contains(t, details, `command: {"find":"unsharded"`)
	assert.Contains(t, details, "reply: FailedToParse (9)")

	// No retries, nothing else ran.
	assert.Len(t, c.Commands(), 1)
}

func TestRunPhaseUnexpectedSuccess(t *testing.T) {
	ctx := context.Background()
	c := seededCluster(t)
	require.NoError(t, c.Upgrade(ctx, "4.2", cluster.NodeGroups{Configs: true, Shards: true, Routers: true}))
	v := NewVerifier(testOptions(t))

	_, err := v.RunPhase(ctx, OldVersion, c.Routers(), Reject(cluster.CodeFailedToParse))
	assert.ErrorIs(t, err, ErrUnexpectedSuccess)
}

func TestRunPhaseTolerated(t *testing.T) {
	ctx := context.Background()
	c := seededCluster(t)
	require.NoError(t, c.Upgrade(ctx, "4.2", cluster.NodeGroups{Configs: true, Shards: true, Routers: true}))
	c.ConfigureFailPoint(sim.FailPoint{
		Namespace: cluster.Namespace{DB: "test", Coll: ShardedCollection},
		Code:      cluster.CodeSnapshotTooOld,
		Times:     2,
	})
	v := NewVerifier(testOptions(t))

	res, err := v.RunPhase(ctx, RoutersUpgraded, c.Routers(), Accept())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count(Tolerated))
	assert.Equal(t, 4, res.Count(Accepted))
	assert.Equal(t, Tolerated, res.Commands[1].Outcome)
	assert.Equal(t, Tolerated, res.Commands[2].Outcome)
}

func TestRunPhaseParallel(t *testing.T) {
	ctx := context.Background()
	c := seededCluster(t)
	opts := testOptions(t)
	opts.ParallelRouters = true
	v := NewVerifier(opts)

	res, err := v.RunPhase(ctx, OldVersion, c.Routers(), Reject(cluster.CodeFailedToParse))
	require.NoError(t, err)
	require.Len(t, res.Commands, 6)

	// Results are grouped by router whatever the interleaving.
	for i, cr := range res.Commands {
		assert.Equal(t, Shapes[i%3], cr.Shape)
	}
	assert.Equal(t, "router0", res.Commands[0].Router)
	assert.Equal(t, "router1", res.Commands[3].Router)

	seen := map[int64]bool{}
	last := map[string]int64{}
	for _, rec := range c.Commands() {
		n, ok := cluster.LookupInt64(rec.Command, "txnNumber")
		require.True(t, ok)
		assert.False(t, seen[n], "txnNumber %d reused", n)
		seen[n] = true
		assert.Greater(t, n, last[rec.Session])
		last[rec.Session] = n
	}
	assert.Len(t, seen, 6)
}

func TestRunPhaseNoRouters(t *testing.T) {
	v := NewVerifier(testOptions(t))
	_, err := v.RunPhase(context.Background(), OldVersion, nil, Accept())
	assert.ErrorIs(t, err, cluster.ErrNotFound)
}

type brokenRouter struct{ err error }

func (brokenRouter) Name() string { return "broken" }

func (r brokenRouter) StartSession(context.Context, cluster.SessionOptions) (cluster.Session, error) {
	return nil, r.err
}

func TestRunPhaseSessionError(t *testing.T) {
	errDown := errors.New("connection refused")
	v := NewVerifier(testOptions(t))
	_, err := v.RunPhase(context.Background(), OldVersion,
		[]cluster.Router{brokenRouter{errDown}}, Accept())
	assert.ErrorIs(t, err, errDown)
	var me *MismatchError
	assert.False(t, errors.As(err, &me))
	assert.Equal(t, int64(0), v.LastTxnNumber())
}

type cancelingRouter struct {
	cancel context.CancelFunc
	endErr chan error
}

func (cancelingRouter) Name() string { return "canceling" }

func (r cancelingRouter) StartSession(context.Context, cluster.SessionOptions) (cluster.Session, error) {
	return cancelingSession{r}, nil
}

type cancelingSession struct{ r cancelingRouter }

func (cancelingSession) ID() string { return "s0" }

func (s cancelingSession) Run(ctx context.Context, _ string, _ bson.D) (cluster.Reply, error) {
	s.r.cancel()
	return cluster.Reply{}, ctx.Err()
}

func (s cancelingSession) End(ctx context.Context) {
	s.r.endErr <- ctx.Err()
}

func TestRunPhaseEndsSessionAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := cancelingRouter{cancel: cancel, endErr: make(chan error, 1)}
	v := NewVerifier(testOptions(t))

	_, err := v.RunPhase(ctx, OldVersion, []cluster.Router{r}, Accept())
	assert.ErrorIs(t, err, context.Canceled)
	// The session is ended with a live context.
	assert.NoError(t, <-r.endErr)
}
