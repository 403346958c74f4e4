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

	"go.mongodb.org/mongo-driver/bson"
)

const ReadConcernSnapshot = "snapshot"

// Find is the subset of a find command the verifier issues.
type Find struct {
	Collection  string
	Filter      bson.D
	ReadConcern string
	// TxnNumber is nil when the command carries none.
	TxnNumber *int64
}

// Snapshot reports whether the command asks for a snapshot read.
func (f Find) Snapshot() bool {
	return f.ReadConcern == ReadConcernSnapshot
}

// Command renders the find as a command document. The command name is
// always the first element.
func (f Find) Command() bson.D {
	cmd := bson.D{{Key: "find", Value: f.Collection}}
	if len(f.Filter) > 0 {
		cmd = append(cmd, bson.E{Key: "filter", Value: f.Filter})
	}
	if f.ReadConcern != "" {
		cmd = append(cmd, bson.E{
			Key:   "readConcern",
			Value: bson.D{{Key: "level", Value: f.ReadConcern}},
		})
	}
	if f.TxnNumber != nil {
		cmd = append(cmd, bson.E{Key: "txnNumber", Value: *f.TxnNumber})
	}
	return cmd
}

// ParseFind is the inverse of Find.Command. Unknown fields are ignored.
func ParseFind(cmd bson.D) (Find, error) {
	var res Find
	if len(cmd) == 0 || cmd[0].Key != "find" {
		return res, fmt.Errorf("not a find command: %w", ErrUnsupported)
	}
	coll, ok := cmd[0].Value.(string)
	if !ok || coll == "" {
		return res, fmt.Errorf("find: collection must be a non empty string, got %v", cmd[0].Value)
	}
	res.Collection = coll

	for _, e := range cmd[1:] {
		switch e.Key {
		case "filter":
			f, ok := e.Value.(bson.D)
			if !ok {
				return res, fmt.Errorf("find: filter must be a document, got %T", e.Value)
			}
			res.Filter = f
		case "readConcern":
			rc, ok := e.Value.(bson.D)
			if !ok {
				return res, fmt.Errorf("find: readConcern must be a document, got %T", e.Value)
			}
			for _, re := range rc {
				if re.Key == "level" {
					lvl, ok := re.Value.(string)
					if !ok {
						return res, fmt.Errorf("find: readConcern.level must be a string, got %T", re.Value)
					}
					res.ReadConcern = lvl
				}
			}
		case "txnNumber":
			n, ok := asInt64(e.Value)
			if !ok {
				return res, fmt.Errorf("find: txnNumber must be an integer, got %T", e.Value)
			}
			res.TxnNumber = &n
		}
	}
	return res, nil
}

// Lookup returns the value of a top level field in doc.
func Lookup(doc bson.D, key string) (any, bool) {
	for _, e := range doc {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

// LookupInt64 is like Lookup, but converts any integer type.
func LookupInt64(doc bson.D, key string) (int64, bool) {
	v, ok := Lookup(doc, key)
	if !ok {
		return 0, false
	}
	return asInt64(v)
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	}
	return 0, false
}
