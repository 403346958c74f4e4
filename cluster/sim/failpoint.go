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

package sim

import "github.com/mbrt/upgradecheck/cluster"

// FailPoint makes the commands on a namespace fail with a given code.
type FailPoint struct {
	Namespace cluster.Namespace
	Code      cluster.ErrorCode
	// Times is the number of commands to fail. Zero means until cleared.
	Times int

	hits int
}

// trigger returns true if the fail point is active and consumes one hit.
// Called with the cluster lock held.
func (f *FailPoint) trigger() bool {
	if f == nil {
		return false
	}
	if f.Times > 0 && f.hits >= f.Times {
		return false
	}
	f.hits++
	return true
}

// ConfigureFailPoint activates fp, replacing any other fail point on the
// same namespace.
func (c *Cluster) ConfigureFailPoint(fp FailPoint) {
	c.m.Lock()
	defer c.m.Unlock()
	fp.hits = 0
	c.failPoints[fp.Namespace] = &fp
}

// FailPointHits returns how many commands the fail point on ns failed.
func (c *Cluster) FailPointHits(ns cluster.Namespace) int {
	c.m.Lock()
	defer c.m.Unlock()
	if fp, ok := c.failPoints[ns]; ok {
		return fp.hits
	}
	return 0
}

func (c *Cluster) ClearFailPoints() {
	c.m.Lock()
	defer c.m.Unlock()
	c.failPoints = make(map[cluster.Namespace]*FailPoint)
}
