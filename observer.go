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

// Observer is notified about the progress of a run. Methods may be called
// concurrently when routers are queried in parallel.
type Observer interface {
	PhaseStarted(s State, exp Expectation)
	CommandDone(s State, r CommandResult)
	PhaseDone(r PhaseResult, err error)
}

type nopObserver struct{}

func (nopObserver) PhaseStarted(State, Expectation)  {}
func (nopObserver) CommandDone(State, CommandResult) {}
func (nopObserver) PhaseDone(PhaseResult, error)     {}
