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
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/mbrt/upgradecheck/cluster"
	"github.com/mbrt/upgradecheck/internal/concurr"
	"github.com/mbrt/upgradecheck/internal/data"
	"github.com/mbrt/upgradecheck/internal/errors"
)

const endSessionTimeout = 10 * time.Second

var (
	ErrUnexpectedSuccess = errors.New("unexpected success")
	ErrWrongCode         = errors.New("wrong error code")
)

// Shape is one of the snapshot reads issued in every phase.
type Shape int

const (
	// UnshardedFind reads the unsharded collection, owned by the primary
	// shard.
	UnshardedFind Shape = iota
	// SingleShardFind targets the sharded collection with an equality on
	// the shard key, so it's routed to a single shard.
	SingleShardFind
	// AllShardsFind scatters to every shard owning a chunk.
	AllShardsFind
)

// Shapes lists the reads of a battery, in the order they are issued.
var Shapes = [...]Shape{UnshardedFind, SingleShardFind, AllShardsFind}

func (s Shape) String() string {
	switch s {
	case UnshardedFind:
		return "UnshardedFind"
	case SingleShardFind:
		return "SingleShardFind"
	case AllShardsFind:
		return "AllShardsFind"
	}
	return fmt.Sprintf("Shape(%d)", int(s))
}

// Find returns the snapshot read with the given transaction number.
func (s Shape) Find(txn data.TxnNumber) cluster.Find {
	f := cluster.Find{
		Collection:  ShardedCollection,
		ReadConcern: cluster.ReadConcernSnapshot,
		TxnNumber:   &txn,
	}
	switch s {
	case UnshardedFind:
		f.Collection = UnshardedCollection
	case SingleShardFind:
		f.Filter = bson.D{{Key: ShardKey, Value: 1}}
	}
	return f
}

// Outcome is how a reply matched the expectation.
type Outcome int

const (
	Accepted Outcome = iota + 1
	Rejected
	// Tolerated is a SnapshotTooOld failure while success was expected.
	Tolerated
	// Mismatched is a reply not matching the expectation. It aborts the
	// phase.
	Mismatched
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "Accepted"
	case Rejected:
		return "Rejected"
	case Tolerated:
		return "Tolerated"
	case Mismatched:
		return "Mismatched"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Check judges a reply against the expectation. A mismatch is reported
// both as the Mismatched outcome and as an error.
func Check(exp Expectation, r cluster.Reply) (Outcome, error) {
	if exp.Success {
		switch {
		case r.OK:
			return Accepted, nil
		case r.Code == cluster.CodeSnapshotTooOld:
			return Tolerated, nil
		}
		return Mismatched, fmt.Errorf("%w: expected success, got %v (%d): %s",
			ErrWrongCode, r.Code, r.Code, r.Message)
	}
	switch {
	case r.OK:
		return Mismatched, fmt.Errorf("%w: expected %v (%d)", ErrUnexpectedSuccess, exp.Code, exp.Code)
	case r.Code == exp.Code:
		return Rejected, nil
	}
	return Mismatched, fmt.Errorf("%w: expected %v (%d), got %v (%d): %s",
		ErrWrongCode, exp.Code, exp.Code, r.Code, r.Code, r.Message)
}

type CommandResult struct {
	Router    string
	Shape     Shape
	TxnNumber data.TxnNumber
	Command   bson.D
	Reply     cluster.Reply
	Outcome   Outcome
}

type PhaseResult struct {
	State    State
	Expect   Expectation
	Start    time.Time
	End      time.Time
	Commands []CommandResult
}

// Count returns the number of commands with the given outcome.
func (p PhaseResult) Count(o Outcome) int {
	n := 0
	for _, c := range p.Commands {
		if c.Outcome == o {
			n++
		}
	}
	return n
}

// Mismatch returns the first mismatched command, if any.
func (p PhaseResult) Mismatch() (CommandResult, bool) {
	for _, c := range p.Commands {
		if c.Outcome == Mismatched {
			return c, true
		}
	}
	return CommandResult{}, false
}

// MismatchError reports a reply not matching the phase expectation. It
// unwraps to ErrUnexpectedSuccess or ErrWrongCode.
type MismatchError struct {
	State   State
	Router  string
	Shape   Shape
	Command bson.D
	Expect  Expectation
	Reply   cluster.Reply
	Err     error
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("phase %v, router %s, %v: %v; command: %s",
		e.State, e.Router, e.Shape, e.Err, renderCommand(e.Command))
}

func (e *MismatchError) Unwrap() error {
	return e.Err
}

// Verifier issues the battery of snapshot reads through every router and
// checks the replies. Transaction numbers are shared by all phases run by
// the same Verifier.
type Verifier struct {
	db       string
	txns     *data.TxnCounter
	parallel bool
	observer Observer
	clock    clockwork.Clock
	logger   *slog.Logger
}

func NewVerifier(opts Options) *Verifier {
	opts = opts.withDefaults()
	return &Verifier{
		db:       opts.Database,
		txns:     data.NewTxnCounter(0),
		parallel: opts.ParallelRouters,
		observer: opts.Observer,
		clock:    opts.Clock,
		logger:   opts.Logger,
	}
}

// LastTxnNumber returns the transaction number of the last command issued.
func (v *Verifier) LastTxnNumber() data.TxnNumber {
	return v.txns.Last()
}

// RunPhase runs the battery through each router. It stops at the first
// mismatch or transport failure, returning the results collected so far.
func (v *Verifier) RunPhase(
	ctx context.Context,
	state State,
	routers []cluster.Router,
	exp Expectation,
) (PhaseResult, error) {
	res := PhaseResult{
		State:  state,
		Expect: exp,
		Start:  v.clock.Now(),
	}
	if len(routers) == 0 {
		return res, fmt.Errorf("phase %v: no routers: %w", state, cluster.ErrNotFound)
	}

	limit := 1
	if v.parallel {
		limit = len(routers)
	}
	perRouter := make([][]CommandResult, len(routers))
	var m sync.Mutex

	fanout := concurr.NewFanout(limit)
	err := fanout.Spawn(ctx, len(routers), func(ctx context.Context, i int) error {
		return v.runBattery(ctx, state, routers[i], exp, func(r CommandResult) {
			m.Lock()
			perRouter[i] = append(perRouter[i], r)
			m.Unlock()
		})
	}).Wait()

	for _, rs := range perRouter {
		res.Commands = append(res.Commands, rs...)
	}
	res.End = v.clock.Now()
	return res, err
}

func (v *Verifier) runBattery(
	ctx context.Context,
	state State,
	r cluster.Router,
	exp Expectation,
	record func(CommandResult),
) error {
	sess, err := r.StartSession(ctx, cluster.SessionOptions{CausalConsistency: false})
	if err != nil {
		return fmt.Errorf("phase %v, router %s: starting session: %w", state, r.Name(), err)
	}
	defer func() {
		// The phase may have timed out already.
		ectx, cancel := concurr.DetachedWithTimeout(ctx, v.clock, endSessionTimeout)
		defer cancel()
		sess.End(ectx)
	}()

	for _, shape := range Shapes {
		txn := v.txns.Next()
		cmd := shape.Find(txn).Command()

		reply, err := sess.Run(ctx, v.db, cmd)
		if err != nil {
			return fmt.Errorf("phase %v, router %s, %v: %w", state, r.Name(), shape, err)
		}
		cr := CommandResult{
			Router:    r.Name(),
			Shape:     shape,
			TxnNumber: txn,
			Command:   cmd,
			Reply:     reply,
		}
		outcome, err := Check(exp, reply)
		cr.Outcome = outcome
		if err != nil {
			record(cr)
			v.observer.CommandDone(state, cr)
			v.logger.LogAttrs(ctx, slog.LevelError, "unexpected reply",
				slog.String("state", state.String()),
				slog.String("router", r.Name()),
				slog.String("shape", shape.String()),
				slog.Int64("txn", txn),
				slog.Int("code", int(reply.Code)),
			)
			return errors.WithDetails(&MismatchError{
				State:   state,
				Router:  r.Name(),
				Shape:   shape,
				Command: cmd,
				Expect:  exp,
				Reply:   reply,
				Err:     err,
			}, "command: "+renderCommand(cmd), "reply: "+renderReply(reply))
		}

		record(cr)
		v.observer.CommandDone(state, cr)

		level := slog.LevelDebug
		if outcome == Tolerated {
			level = slog.LevelWarn
		}
		v.logger.LogAttrs(ctx, level, "snapshot read",
			slog.String("state", state.String()),
			slog.String("router", r.Name()),
			slog.String("shape", shape.String()),
			slog.Int64("txn", txn),
			slog.String("outcome", outcome.String()),
		)
	}
	return nil
}

func renderCommand(cmd bson.D) string {
	buf, err := bson.MarshalExtJSON(cmd, false, false)
	if err != nil {
		return fmt.Sprint(cmd)
	}
	return string(buf)
}

func renderReply(r cluster.Reply) string {
	if r.OK {
		return fmt.Sprintf("ok, %d documents", len(r.Docs))
	}
	return fmt.Sprintf("%s (%d): %s", r.CodeName, r.Code, r.Message)
}
