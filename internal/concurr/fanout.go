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

package concurr

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// NewFanout returns a Fanout running at most maxConcurrent functions at the
// same time. A limit of 1 runs them sequentially, in index order.
func NewFanout(maxConcurrent int) Fanout {
	return Fanout{
		limit: maxConcurrent,
	}
}

type Fanout struct {
	limit int
}

// Spawn calls f for every index in [0, num). The context passed to f is
// canceled as soon as one of the calls fails; Wait returns the first error.
func (o Fanout) Spawn(ctx context.Context, num int, f func(context.Context, int) error) Result {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(o.limit)

	for i := 0; i < num; i++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				// A previous call failed already.
				return err
			}
			return f(ctx, i)
		})
	}

	return g
}

type Result interface {
	Wait() error
}
