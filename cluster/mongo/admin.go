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

package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"github.com/mbrt/upgradecheck/cluster"
)

const adminDB = "admin"

func NewAdmin(client *mongo.Client) *Admin {
	return &Admin{client: client}
}

// Admin runs administrative commands through a router.
type Admin struct {
	client *mongo.Client
}

func (a *Admin) ShardNames(ctx context.Context) ([]string, error) {
	var res struct {
		Shards []struct {
			ID string `bson:"_id"`
		} `bson:"shards"`
	}
	if err := a.run(ctx, "listShards", bson.D{{Key: "listShards", Value: 1}}, &res); err != nil {
		return nil, err
	}
	names := make([]string, len(res.Shards))
	for i, s := range res.Shards {
		names[i] = s.ID
	}
	return names, nil
}

// EnableSharding enables sharding on db and makes primaryShard its primary.
func (a *Admin) EnableSharding(ctx context.Context, db, primaryShard string) error {
	if err := a.run(ctx, "enableSharding", bson.D{{Key: "enableSharding", Value: db}}, nil); err != nil {
		return err
	}
	// Older releases don't take the primary as an option of enableSharding.
	return a.run(ctx, "movePrimary", bson.D{
		{Key: "movePrimary", Value: db},
		{Key: "to", Value: primaryShard},
	}, nil)
}

func (a *Admin) ShardCollection(ctx context.Context, ns cluster.Namespace, key bson.D) error {
	return a.run(ctx, "shardCollection", bson.D{
		{Key: "shardCollection", Value: ns.String()},
		{Key: "key", Value: key},
	}, nil)
}

func (a *Admin) SplitAt(ctx context.Context, ns cluster.Namespace, middle bson.D) error {
	return a.run(ctx, "split", bson.D{
		{Key: "split", Value: ns.String()},
		{Key: "middle", Value: middle},
	}, nil)
}

func (a *Admin) MoveChunk(ctx context.Context, ns cluster.Namespace, find bson.D, toShard string) error {
	return a.run(ctx, "moveChunk", bson.D{
		{Key: "moveChunk", Value: ns.String()},
		{Key: "find", Value: find},
		{Key: "to", Value: toShard},
		{Key: "_waitForDelete", Value: true},
	}, nil)
}

// Insert writes docs with majority write concern, so that they are visible
// to snapshot reads on every shard that owns them.
func (a *Admin) Insert(ctx context.Context, ns cluster.Namespace, docs ...bson.D) error {
	if len(docs) == 0 {
		return nil
	}
	coll := a.client.Database(ns.DB).Collection(ns.Coll,
		options.Collection().SetWriteConcern(writeconcern.Majority()))
	in := make([]any, len(docs))
	for i, d := range docs {
		in[i] = d
	}
	_, err := coll.InsertMany(ctx, in)
	return commandErr("insert", err)
}

// CompatibilityVersion returns the feature compatibility version of the
// cluster.
func (a *Admin) CompatibilityVersion(ctx context.Context) (cluster.Version, error) {
	var res struct {
		FCV struct {
			Version string `bson:"version"`
		} `bson:"featureCompatibilityVersion"`
	}
	cmd := bson.D{
		{Key: "getParameter", Value: 1},
		{Key: "featureCompatibilityVersion", Value: 1},
	}
	if err := a.run(ctx, "getParameter", cmd, &res); err != nil {
		return "", err
	}
	return cluster.ParseVersion(res.FCV.Version)
}

func (a *Admin) SetCompatibilityVersion(ctx context.Context, v cluster.Version) error {
	return a.run(ctx, "setFeatureCompatibilityVersion", bson.D{
		{Key: "setFeatureCompatibilityVersion", Value: v.Release()},
	}, nil)
}

// BinaryVersion returns the version of the node the client is connected to.
func (a *Admin) BinaryVersion(ctx context.Context) (cluster.Version, error) {
	var res struct {
		Version string `bson:"version"`
	}
	if err := a.run(ctx, "buildInfo", bson.D{{Key: "buildInfo", Value: 1}}, &res); err != nil {
		return "", err
	}
	return cluster.ParseVersion(res.Version)
}

func (a *Admin) run(ctx context.Context, name string, cmd bson.D, res any) error {
	sr := a.client.Database(adminDB).RunCommand(ctx, cmd)
	if res == nil {
		return commandErr(name, sr.Err())
	}
	if err := sr.Decode(res); err != nil {
		return commandErr(name, err)
	}
	return nil
}

// AddShard registers a shard replica set with the cluster.
func (a *Admin) AddShard(ctx context.Context, name, replSet, host string) error {
	return a.run(ctx, "addShard", bson.D{
		{Key: "addShard", Value: fmt.Sprintf("%s/%s", replSet, host)},
		{Key: "name", Value: name},
	}, nil)
}

// InitiateReplicaSet turns a fresh node into a single member replica set.
func (a *Admin) InitiateReplicaSet(ctx context.Context, replSet, host string, configsvr bool) error {
	conf := bson.D{
		{Key: "_id", Value: replSet},
		{Key: "members", Value: bson.A{
			bson.D{{Key: "_id", Value: 0}, {Key: "host", Value: host}},
		}},
	}
	if configsvr {
		conf = append(conf, bson.E{Key: "configsvr", Value: true})
	}
	return a.run(ctx, "replSetInitiate", bson.D{{Key: "replSetInitiate", Value: conf}}, nil)
}

// IsWritablePrimary reports whether the node accepts writes.
func (a *Admin) IsWritablePrimary(ctx context.Context) (bool, error) {
	var res struct {
		IsMaster bool `bson:"ismaster"`
	}
	// isMaster is understood by every release, unlike hello.
	if err := a.run(ctx, "isMaster", bson.D{{Key: "isMaster", Value: 1}}, &res); err != nil {
		return false, err
	}
	return res.IsMaster, nil
}

var _ cluster.Admin = (*Admin)(nil)
