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

package data

import "sync/atomic"

// TxnNumber identifies a snapshot tagged command within a session.
type TxnNumber = int64

// TxnCounter hands out strictly increasing transaction numbers. It's safe
// for concurrent use.
type TxnCounter struct {
	last atomic.Int64
}

// NewTxnCounter returns a counter whose first Next call returns start+1.
func NewTxnCounter(start TxnNumber) *TxnCounter {
	c := &TxnCounter{}
	c.last.Store(start)
	return c
}

func (c *TxnCounter) Next() TxnNumber {
	return c.last.Add(1)
}

// Last returns the most recent number handed out, or the start value.
func (c *TxnCounter) Last() TxnNumber {
	return c.last.Load()
}
