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

// Package mongo implements cluster routers and administration on top of the
// MongoDB Go driver.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/mbrt/upgradecheck/cluster"
	ierrors "github.com/mbrt/upgradecheck/internal/errors"
)

var errSessionEnded = fmt.Errorf("session ended: %w", cluster.ErrNotFound)

const appName = "upgradecheck"

// Connect opens a client to the router at uri. The connection is lazy, so
// use Ping to wait until the router is reachable.
func Connect(ctx context.Context, name, uri string) (*Router, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetAppName(appName).
		SetReadPreference(readpref.Primary())
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connecting to %q: %w", name, err)
	}
	return &Router{name: name, client: client}, nil
}

// Router is a cluster.Router backed by a driver client connected to a
// single query router.
type Router struct {
	name   string
	client *mongo.Client
}

func (r *Router) Name() string {
	return r.name
}

func (r *Router) Client() *mongo.Client {
	return r.client
}

// Ping checks that the router answers to commands.
func (r *Router) Ping(ctx context.Context) error {
	return r.client.Ping(ctx, readpref.Primary())
}

func (r *Router) Close(ctx context.Context) error {
	return r.client.Disconnect(ctx)
}

func (r *Router) Admin() *Admin {
	return NewAdmin(r.client)
}

func (r *Router) StartSession(ctx context.Context, opts cluster.SessionOptions) (cluster.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sopts := options.Session().SetCausalConsistency(opts.CausalConsistency)
	s, err := r.client.StartSession(sopts)
	if err != nil {
		return nil, fmt.Errorf("starting session on %q: %w", r.name, err)
	}
	return &session{
		router: r,
		inner:  s,
		id:     sessionID(s),
	}, nil
}

type session struct {
	router *Router
	inner  mongo.Session
	id     string
	ended  bool
	m      sync.Mutex
}

func (s *session) ID() string {
	return s.id
}

func (s *session) Run(ctx context.Context, db string, cmd bson.D) (cluster.Reply, error) {
	s.m.Lock()
	defer s.m.Unlock()
	if s.ended {
		return cluster.Reply{}, errSessionEnded
	}

	sctx := mongo.NewSessionContext(ctx, s.inner)
	res, err := s.router.client.Database(db).RunCommand(sctx, cmd).Raw()
	return toReply(res, err)
}

func (s *session) End(ctx context.Context) {
	s.m.Lock()
	defer s.m.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.inner.EndSession(ctx)
}

// toReply turns the outcome of a command into a reply. Command failures are
// part of the reply; every other error means the command was not delivered.
func toReply(res bson.Raw, err error) (cluster.Reply, error) {
	if err != nil {
		var cmdErr mongo.CommandError
		if errors.As(err, &cmdErr) {
			code := cluster.ErrorCode(cmdErr.Code)
			return cluster.Reply{
				Code:     code,
				CodeName: codeName(code, cmdErr.Name),
				Message:  cmdErr.Message,
			}, nil
		}
		return cluster.Reply{}, err
	}
	docs, err := firstBatch(res)
	if err != nil {
		return cluster.Reply{}, err
	}
	return cluster.Reply{OK: true, CodeName: cluster.CodeOK.String(), Docs: docs}, nil
}

func codeName(code cluster.ErrorCode, name string) string {
	if name != "" {
		return name
	}
	return code.String()
}

// firstBatch returns the documents of a cursor reply, if res is one.
func firstBatch(res bson.Raw) ([]bson.D, error) {
	if len(res) == 0 {
		return nil, nil
	}
	var reply struct {
		Cursor *struct {
			FirstBatch []bson.D `bson:"firstBatch"`
		} `bson:"cursor"`
	}
	if err := bson.Unmarshal(res, &reply); err != nil {
		return nil, fmt.Errorf("decoding reply: %w", err)
	}
	if reply.Cursor == nil {
		return nil, nil
	}
	return reply.Cursor.FirstBatch, nil
}

func sessionID(s mongo.Session) string {
	raw := s.ID()
	if raw == nil {
		return ""
	}
	if _, id, ok := raw.Lookup("id").BinaryOK(); ok {
		return fmt.Sprintf("%x", id)
	}
	return raw.String()
}

// commandErr wraps the error of an administrative command, annotating the
// well known codes.
func commandErr(name string, err error) error {
	if err == nil {
		return nil
	}
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		switch cluster.ErrorCode(cmdErr.Code) {
		case cluster.CodeNamespaceNotFound:
			err = ierrors.WithCause(err, cluster.ErrNotFound)
		case cluster.CodeCommandNotFound, cluster.CodeInvalidOptions:
			err = ierrors.WithCause(err, cluster.ErrUnsupported)
		}
	}
	return fmt.Errorf("%s: %w", name, err)
}

var _ cluster.Router = (*Router)(nil)
