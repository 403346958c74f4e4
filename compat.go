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
	"errors"
	"fmt"

	"github.com/mbrt/upgradecheck/cluster"
)

var ErrCompatibilityMismatch = errors.New("compatibility version mismatch")

// CheckCompatibility verifies that the cluster compatibility marker is
// at the release of want.
func CheckCompatibility(ctx context.Context, c cluster.Cluster, want cluster.Version) error {
	got, err := c.CompatibilityVersion(ctx)
	if err != nil {
		return fmt.Errorf("reading compatibility version: %w", err)
	}
	if got.Release().Compare(want.Release()) != 0 {
		return fmt.Errorf("%w: got %q, expected %q", ErrCompatibilityMismatch, got, want.Release())
	}
	return nil
}
