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
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
)

// Defaults for polling cluster nodes until they become ready.
const (
	initialInterval = 250 * time.Millisecond
	maxInterval     = 5 * time.Second
)

func Permanent(err error) error {
	return backoff.Permanent(err)
}

func IsPermanent(err error) bool {
	var perr *backoff.PermanentError
	return errors.As(err, &perr)
}

// Retrier retries a function with exponential backoff until it succeeds,
// returns a permanent error, the context is done or the maximum elapsed
// time is reached (when set).
type Retrier struct {
	b      *backoff.ExponentialBackOff
	clock  clockwork.Clock
	notify func(error, time.Duration)
}

func RetryOptions(initial, max time.Duration, c clockwork.Clock) Retrier {
	b := backoff.NewExponentialBackOff()
	b.Clock = c
	b.InitialInterval = initial
	b.MaxInterval = max
	b.MaxElapsedTime = 0
	return Retrier{b: b, clock: c}
}

// WithMaxElapsed returns a retrier that gives up after d.
func (r Retrier) WithMaxElapsed(d time.Duration) Retrier {
	b := *r.b
	b.MaxElapsedTime = d
	r.b = &b
	return r
}

// WithNotify returns a retrier that calls fn after every failed attempt.
func (r Retrier) WithNotify(fn func(err error, next time.Duration)) Retrier {
	r.notify = fn
	return r
}

func (r Retrier) Retry(ctx context.Context, fn func() error) error {
	// The backoff is stateful, so every call works on its own copy.
	b := *r.b
	b.Reset()
	return backoff.RetryNotifyWithTimer(fn,
		backoff.WithContext(&b, ctx), r.notify, &timer{Clock: r.clock})
}

func RetryWithBackoff(ctx context.Context, c clockwork.Clock, f func() error) error {
	return RetryOptions(initialInterval, maxInterval, c).Retry(ctx, f)
}

type timer struct {
	clockwork.Clock
	timer clockwork.Timer
}

func (t *timer) C() <-chan time.Time {
	return t.timer.Chan()
}

func (t *timer) Start(duration time.Duration) {
	if t.timer == nil {
		t.timer = t.Clock.NewTimer(duration)
	} else {
		t.timer.Reset(duration)
	}
}

func (t *timer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}
