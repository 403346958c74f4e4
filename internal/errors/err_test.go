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

package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type codeError struct {
	code int32
}

func (codeError) Error() string { return "codeError" }

func TestWithCause(t *testing.T) {
	errNotFound := errors.New("not found")
	err := codeError{72}
	wrapped := WithCause(err, errNotFound)

	assert.Equal(t, "not found: codeError", wrapped.Error())
	assert.ErrorIs(t, wrapped, errNotFound)
	assert.ErrorIs(t, wrapped, err)

	var ce codeError
	assert.True(t, errors.As(wrapped, &ce))
	assert.Equal(t, int32(72), ce.code)

	// Inverted.
	wrapped = WithCause(errNotFound, err)
	assert.ErrorIs(t, wrapped, errNotFound)
	assert.ErrorIs(t, wrapped, err)
	assert.True(t, errors.As(wrapped, &ce))

	assert.NoError(t, WithCause(nil, errNotFound))
}

func TestWithDetails(t *testing.T) {
	base := errors.New("wrong code")
	inner := WithDetails(
		fmt.Errorf("find sharded: %w", base),
		"command: {find: sharded}",
		"reply: {ok: 0,\ncode: 9}",
	)
	outer := WithDetails(
		fmt.Errorf("router mongos0: %w", inner),
		"phase: ShardsUpgraded\nexpected: 72")
	top := fmt.Errorf("run: %w", outer)

	assert.Equal(t, "run: router mongos0: find sharded: wrong code", top.Error())
	assert.ErrorIs(t, top, base)
	details := `
  - phase: ShardsUpgraded
    expected: 72
  - command: {find: sharded}
  - reply: {ok: 0,
    code: 9}`
	assert.Equal(t, details, Details(top))
	assert.Equal(t, "", Details(base))
}

func TestCombine(t *testing.T) {
	errShard := errors.New("shard0")
	errRouter := errors.New("mongos1")

	assert.NoError(t, Combine())
	assert.NoError(t, Combine(nil))
	assert.NoError(t, Combine(nil, nil))
	assert.EqualError(t, Combine(errShard, nil), errShard.Error())

	assert.ElementsMatch(t, []error{errShard, errRouter}, Errors(Combine(errShard, errRouter)))
	assert.ElementsMatch(t, []error{errShard, errRouter}, Errors(Combine(nil, errShard, errRouter)))

	nested := Combine(errShard, Combine(errShard, errRouter), nil, errRouter)
	assert.ElementsMatch(t,
		[]error{errShard, errShard, errRouter, errRouter}, Errors(nested))
	assert.ErrorIs(t, nested, errRouter)

	assert.EqualError(t, nested, "multiple errors (4); sample: shard0")
	verbose := `multiple errors (4):
- shard0
- shard0
- mongos1
- mongos1`
	assert.Equal(t, verbose, fmt.Sprintf("%+v", nested))
	assert.Nil(t, Errors(nil))
}

func TestDetailsThroughWrappers(t *testing.T) {
	errTimeout := errors.New("phase timed out")
	errTeardown := errors.New("teardown failed")
	mismatch := WithDetails(errors.New("wrong code"), `command: {"find":"sharded"}`)

	caused := WithCause(fmt.Errorf("phase ShardsUpgraded: %w", mismatch), errTimeout)
	assert.ErrorIs(t, caused, errTimeout)
	assert.Equal(t, "\n  - command: {\"find\":\"sharded\"}", Details(caused))

	combined := Combine(caused, fmt.Errorf("tearing down: %w", errTeardown))
	assert.ErrorIs(t, combined, errTeardown)
	assert.Equal(t, "\n  - command: {\"find\":\"sharded\"}", Details(combined))

	// Details of every combined error, in order.
	other := WithDetails(errTeardown, "node: shard1")
	assert.Equal(t,
		"\n  - command: {\"find\":\"sharded\"}\n  - node: shard1",
		Details(Combine(mismatch, other)))
	assert.Equal(t, "", Details(Combine(errTimeout, errTeardown)))
}
