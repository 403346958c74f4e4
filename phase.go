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
	"errors"
	"fmt"

	"github.com/mbrt/upgradecheck/cluster"
)

var ErrInvalidPlan = errors.New("invalid plan")

// State is a phase of the rolling upgrade. States only move forward.
type State int

const (
	OldVersion State = iota
	ConfigsUpgraded
	ShardsUpgraded
	RoutersUpgraded
	CompatibilityBumped
)

var stateNames = [...]string{
	OldVersion:          "OldVersion",
	ConfigsUpgraded:     "ConfigsUpgraded",
	ShardsUpgraded:      "ShardsUpgraded",
	RoutersUpgraded:     "RoutersUpgraded",
	CompatibilityBumped: "CompatibilityBumped",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// ParseState returns the state with the given name.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown state %q", name)
}

// Next returns the state following s, or false if s is the last one.
func (s State) Next() (State, bool) {
	if s < OldVersion || s >= CompatibilityBumped {
		return s, false
	}
	return s + 1, true
}

// Transition describes what moves the cluster into s.
func (s State) Transition() string {
	switch s {
	case OldVersion:
		return "provision all nodes at the old version"
	case ConfigsUpgraded:
		return "upgrade config servers"
	case ShardsUpgraded:
		return "upgrade shards"
	case RoutersUpgraded:
		return "upgrade routers, check compatibility is still old"
	case CompatibilityBumped:
		return "set compatibility to the new version and check it"
	}
	return "unknown"
}

// Expectation is the outcome every snapshot read of a phase must have.
type Expectation struct {
	Success bool
	// Code is the expected error code when Success is false.
	Code cluster.ErrorCode
}

func Accept() Expectation {
	return Expectation{Success: true}
}

func Reject(code cluster.ErrorCode) Expectation {
	return Expectation{Code: code}
}

func (e Expectation) String() string {
	if e.Success {
		return fmt.Sprintf("accept (tolerating %v)", cluster.CodeSnapshotTooOld)
	}
	return fmt.Sprintf("reject with %v (%d)", e.Code, e.Code)
}

type Step struct {
	State  State
	Expect Expectation
}

// Plan is the ordered list of phases to go through.
type Plan []Step

// DefaultPlan returns the expected behavior of snapshot reads outside
// transactions, from a release not supporting them to one that does.
func DefaultPlan() Plan {
	return Plan{
		{OldVersion, Reject(cluster.CodeFailedToParse)},
		{ConfigsUpgraded, Reject(cluster.CodeFailedToParse)},
		{ShardsUpgraded, Reject(cluster.CodeInvalidOptions)},
		{RoutersUpgraded, Accept()},
		{CompatibilityBumped, Accept()},
	}
}

// Validate checks that the plan starts from OldVersion and goes through the
// following states in order, without skipping any. A plan may stop before
// the last state.
func (p Plan) Validate() error {
	if len(p) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidPlan)
	}
	if p[0].State != OldVersion {
		return fmt.Errorf("%w: starts from %v", ErrInvalidPlan, p[0].State)
	}
	for i := 1; i < len(p); i++ {
		next, ok := p[i-1].State.Next()
		if !ok || p[i].State != next {
			return fmt.Errorf("%w: %v follows %v", ErrInvalidPlan, p[i].State, p[i-1].State)
		}
	}
	for _, s := range p {
		if !s.Expect.Success && s.Expect.Code == cluster.CodeOK {
			return fmt.Errorf("%w: %v expects rejection without a code", ErrInvalidPlan, s.State)
		}
	}
	return nil
}
