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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestVersionCompare(t *testing.T) {
	tests := []struct {
		a, b Version
		want int
	}{
		{"4.0", "4.2", -1},
		{"4.2", "4.0", 1},
		{"4.2", "4.2.0", 0},
		{"4.10", "4.2", 1},
		{"5.0", "4.4", 1},
		{"bogus", "4.0", -1},
	}
	for _, tc := range tests {
		t.Run(string(tc.a)+"_"+string(tc.b), func(t *testing.T) {
			assert.Equal(t, tc.want, tc.a.Compare(tc.b))
		})
	}
}

func TestVersionRelease(t *testing.T) {
	assert.Equal(t, Version("4.2"), Version("4.2.7").Release())
	assert.Equal(t, Version("4.0"), Version("4").Release())
	assert.Equal(t, Version("4.0"), MinVersion("4.2", "4.0", "4.4"))
	assert.Equal(t, Version(""), MinVersion())
}

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("4.2")
	require.NoError(t, err)
	assert.Equal(t, Version("4.2"), v)

	_, err = ParseVersion("latest")
	assert.Error(t, err)
}

func TestFindRoundTrip(t *testing.T) {
	txn := int64(12)
	f := Find{
		Collection:  "sharded",
		Filter:      bson.D{{Key: "x", Value: 1}},
		ReadConcern: ReadConcernSnapshot,
		TxnNumber:   &txn,
	}
	cmd := f.Command()
	assert.Equal(t, "find", cmd[0].Key)

	got, err := ParseFind(cmd)
	require.NoError(t, err)
	assert.Equal(t, f, got)
	assert.True(t, got.Snapshot())
}

func TestFindNoFilter(t *testing.T) {
	cmd := Find{Collection: "sharded"}.Command()
	assert.Equal(t, bson.D{{Key: "find", Value: "sharded"}}, cmd)

	got, err := ParseFind(cmd)
	require.NoError(t, err)
	assert.Nil(t, got.TxnNumber)
	assert.False(t, got.Snapshot())
}

func TestParseFindErrors(t *testing.T) {
	tests := []struct {
		name string
		cmd  bson.D
	}{
		{"empty", bson.D{}},
		{"not find", bson.D{{Key: "insert", Value: "c"}}},
		{"bad coll", bson.D{{Key: "find", Value: 3}}},
		{"bad filter", bson.D{{Key: "find", Value: "c"}, {Key: "filter", Value: "x"}}},
		{"bad txn", bson.D{{Key: "find", Value: "c"}, {Key: "txnNumber", Value: "1"}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseFind(tc.cmd)
			assert.Error(t, err)
		})
	}
}

func TestLookupInt64(t *testing.T) {
	doc := bson.D{{Key: "a", Value: int32(3)}, {Key: "b", Value: "x"}}
	n, ok := LookupInt64(doc, "a")
	assert.True(t, ok)
	assert.Equal(t, int64(3), n)
	_, ok = LookupInt64(doc, "b")
	assert.False(t, ok)
	_, ok = LookupInt64(doc, "c")
	assert.False(t, ok)
}

func TestNodeGroupsString(t *testing.T) {
	assert.Equal(t, "none", NodeGroups{}.String())
	assert.True(t, NodeGroups{}.Empty())
	assert.Equal(t, "configs,routers", NodeGroups{Configs: true, Routers: true}.String())
}

func TestErrorCodeString(t *testing.T) {
	assert.Equal(t, "SnapshotTooOld", CodeSnapshotTooOld.String())
	assert.Equal(t, "Code(1234)", ErrorCode(1234).String())
	r := Failed(CodeInvalidOptions, "nope")
	assert.False(t, r.OK)
	assert.Equal(t, "InvalidOptions", r.CodeName)
}
