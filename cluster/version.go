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

package cluster

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// Version is a dotted release string, e.g. "4.2" or "4.2.1".
type Version string

// ParseVersion validates v and returns it unchanged.
func ParseVersion(v string) (Version, error) {
	if _, err := semver.NewVersion(v); err != nil {
		return "", fmt.Errorf("invalid version %q: %w", v, err)
	}
	return Version(v), nil
}

// Compare returns -1, 0 or 1 if v is older, equal or newer than o.
// Unparsable versions sort before valid ones and are compared by string.
func (v Version) Compare(o Version) int {
	a, errA := semver.NewVersion(string(v))
	b, errB := semver.NewVersion(string(o))
	switch {
	case errA != nil && errB != nil:
		switch {
		case v < o:
			return -1
		case v > o:
			return 1
		}
		return 0
	case errA != nil:
		return -1
	case errB != nil:
		return 1
	}
	return a.Compare(b)
}

func (v Version) Less(o Version) bool {
	return v.Compare(o) < 0
}

// Release returns the "major.minor" part of the version, which is what the
// compatibility marker is expressed in.
func (v Version) Release() Version {
	sv, err := semver.NewVersion(string(v))
	if err != nil {
		return v
	}
	return Version(fmt.Sprintf("%d.%d", sv.Major(), sv.Minor()))
}

func (v Version) String() string {
	return string(v)
}

// MinVersion returns the oldest of the given versions.
func MinVersion(vs ...Version) Version {
	if len(vs) == 0 {
		return ""
	}
	res := vs[0]
	for _, v := range vs[1:] {
		if v.Less(res) {
			res = v
		}
	}
	return res
}
