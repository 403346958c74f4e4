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

package middleware

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/mbrt/upgradecheck/cluster"
	"github.com/mbrt/upgradecheck/cluster/sim"
)

func TestLogger(t *testing.T) {
	ctx := context.Background()
	buf := &bytes.Buffer{}
	log := slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	m := NewManagerLogger(sim.NewManager(sim.DefaultOptions()), log)
	c, err := m.Provision(ctx, cluster.Spec{Shards: 2, Routers: 1, Version: "4.0"})
	require.NoError(t, err)

	ns := cluster.Namespace{DB: "test", Coll: "c"}
	require.NoError(t, c.Admin().Insert(ctx, ns, bson.D{{Key: "_id", Value: 1}}))

	r := c.Routers()[0]
	assert.Equal(t, "router0", r.Name())
	s, err := r.StartSession(ctx, cluster.SessionOptions{CausalConsistency: true})
	require.NoError(t, err)
	f := cluster.Find{Collection: "c", ReadConcern: cluster.ReadConcernSnapshot}
	txn := int64(1)
	f.TxnNumber = &txn
	reply, err := s.Run(ctx, "test", f.Command())
	require.NoError(t, err)
	assert.Equal(t, cluster.CodeFailedToParse, reply.Code)
	s.End(ctx)

	err = c.Upgrade(ctx, "3.6", cluster.NodeGroups{Shards: true})
	assert.ErrorIs(t, err, cluster.ErrDowngrade)
	require.NoError(t, c.Teardown(ctx))

	out := buf.String()
	for _, msg := range []string{
		`"msg":"Provision"`,
		`"msg":"Insert"`,
		`"msg":"StartSession"`,
		`"msg":"Run"`,
		`"msg":"End"`,
		`"msg":"Upgrade"`,
		`"msg":"Teardown"`,
	} {
		assert.Contains(t, out, msg)
	}
	assert.Contains(t, out, `"router":"router0"`)
	assert.Contains(t, out, `"session":"`+s.ID()+`"`)
	assert.Contains(t, out, `"cmd":{"db":"test","name":"find","txn":1}`)
	assert.Contains(t, out, `"codeName":"FailedToParse"`)
	assert.Contains(t, out, `"err":"`)
}

func TestLoggerProvisionError(t *testing.T) {
	buf := &bytes.Buffer{}
	log := slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	m := NewManagerLogger(sim.NewManager(sim.DefaultOptions()), log)
	_, err := m.Provision(context.Background(), cluster.Spec{Shards: 0, Routers: 1, Version: "4.0"})
	assert.Error(t, err)
	assert.Contains(t, buf.String(), "msg=Provision")
	assert.Contains(t, buf.String(), "err=")
}
