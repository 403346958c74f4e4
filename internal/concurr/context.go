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
	"time"

	"github.com/jonboulle/clockwork"
)

// ContextWithTimeout is like context.WithTimeout, but driven by the given
// clock. A zero or negative timeout means no timeout.
func ContextWithTimeout(
	parent context.Context,
	clock clockwork.Clock,
	timeout time.Duration,
) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	if timeout <= 0 {
		return ctx, cancel
	}
	t := clock.AfterFunc(timeout, cancel)
	return ctx, func() {
		t.Stop()
		cancel()
	}
}

// DetachedWithTimeout returns a context that keeps the values of parent but
// not its cancellation, and that is canceled after timeout instead.
//
// Use it for cleanups that must run even when the parent was canceled.
func DetachedWithTimeout(
	parent context.Context,
	clock clockwork.Clock,
	timeout time.Duration,
) (context.Context, context.CancelFunc) {
	done := make(chan struct{})
	ctx := detachedCtx{parent: parent, done: done}
	var once sync.Once
	closeDone := func() {
		once.Do(func() { close(done) })
	}
	t := clock.AfterFunc(timeout, closeDone)
	return ctx, func() {
		t.Stop()
		closeDone()
	}
}

type detachedCtx struct {
	parent context.Context
	done   <-chan struct{}
}

func (v detachedCtx) Deadline() (time.Time, bool) { return time.Time{}, false }
func (v detachedCtx) Done() <-chan struct{}       { return v.done }
func (v detachedCtx) Value(key any) any           { return v.parent.Value(key) }

func (v detachedCtx) Err() error {
	select {
	case <-v.done:
		return context.Canceled
	default:
		return nil
	}
}
