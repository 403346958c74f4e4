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
	"sync"

	"github.com/sourcegraph/conc"

	"github.com/mbrt/upgradecheck/internal/errors"
)

func NewBackground() *Background {
	return &Background{
		done: make(chan struct{}),
	}
}

// Background runs helper goroutines that outlive the function starting
// them, and stops all of them on Close.
type Background struct {
	wg     conc.WaitGroup
	done   chan struct{}
	closed bool
	errs   []error
	m      sync.Mutex
}

// Go runs fn in its own goroutine. The context passed to fn keeps the
// values of ctx, but it's only canceled by Close. It returns false, without
// running fn, if the background was already closed.
func (b *Background) Go(ctx context.Context, fn func(context.Context) error) bool {
	b.m.Lock()
	defer b.m.Unlock()

	if b.closed {
		return false
	}
	bctx := detachedCtx{parent: ctx, done: b.done}
	b.wg.Go(func() {
		if err := fn(bctx); err != nil {
			b.m.Lock()
			b.errs = append(b.errs, err)
			b.m.Unlock()
		}
	})
	return true
}

// Close cancels the running goroutines, waits for them and returns their
// errors combined.
func (b *Background) Close() error {
	b.m.Lock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	b.m.Unlock()
	b.wg.Wait()

	b.m.Lock()
	defer b.m.Unlock()
	return errors.Combine(b.errs...)
}
