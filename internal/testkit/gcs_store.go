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

package testkit

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/mbrt/upgradecheck/internal/stringset"
)

func newObjectStore() *objectStore {
	return &objectStore{
		buckets: make(map[string]map[string]*object),
		nextGen: 100,
	}
}

// objectStore keeps the fake buckets in memory.
type objectStore struct {
	buckets map[string]map[string]*object
	nextGen int64
	m       sync.Mutex
}

type object struct {
	Name           string
	Contents       []byte
	ContentType    string
	Metadata       map[string]string
	Generation     int64
	Metageneration int64
}

func (s *objectStore) CreateBucket(name string) (string, error) {
	s.m.Lock()
	defer s.m.Unlock()

	if _, ok := s.buckets[name]; ok {
		return "", withStatus(fmt.Errorf("bucket %q already exists", name), http.StatusConflict)
	}
	s.buckets[name] = make(map[string]*object)
	return name, nil
}

func (s *objectStore) Insert(r insertObjectRequest) (object, error) {
	s.m.Lock()
	defer s.m.Unlock()

	b, err := s.bucket(r.Meta.Bucket)
	if err != nil {
		return object{}, err
	}
	prev := b[r.Meta.Name]
	if err := checkGeneration(prev, r.IfGenerationMatch); err != nil {
		return object{}, err
	}
	o := &object{
		Name:           r.Meta.Name,
		Contents:       r.Data,
		ContentType:    r.Meta.ContentType,
		Metadata:       copyMeta(r.Meta.Metadata),
		Generation:     s.nextGen,
		Metageneration: 1,
	}
	s.nextGen++
	b[o.Name] = o
	return *o, nil
}

func (s *objectStore) Get(r objectRef) (object, error) {
	s.m.Lock()
	defer s.m.Unlock()

	b, err := s.bucket(r.Bucket)
	if err != nil {
		return object{}, err
	}
	o, ok := b[r.Name]
	if !ok {
		return object{}, withStatus(fmt.Errorf("object %q not found", r.Name), http.StatusNotFound)
	}
	return *o, nil
}

// List returns the objects matching the prefix, plus the common prefixes
// up to the delimiter, both sorted by name.
func (s *objectStore) List(r listObjectsRequest) ([]object, []string, error) {
	s.m.Lock()
	defer s.m.Unlock()

	b, err := s.bucket(r.Bucket)
	if err != nil {
		return nil, nil, err
	}
	var objs []object
	prefixes := stringset.New()

	for name, o := range b {
		if !strings.HasPrefix(name, r.Prefix) {
			continue
		}
		rest := name[len(r.Prefix):]
		if i := strings.Index(rest, r.Delimiter); r.Delimiter != "" && i >= 0 {
			prefixes.Add(name[:len(r.Prefix)+i+1])
			continue
		}
		objs = append(objs, *o)
	}
	sort.Slice(objs, func(i, j int) bool {
		return objs[i].Name < objs[j].Name
	})
	return objs, prefixes.Sorted(), nil
}

func (s *objectStore) bucket(name string) (map[string]*object, error) {
	b, ok := s.buckets[name]
	if !ok {
		return nil, withStatus(fmt.Errorf("bucket %q not found", name), http.StatusNotFound)
	}
	return b, nil
}

func checkGeneration(prev *object, want *int64) error {
	if want == nil {
		return nil
	}
	var got int64
	if prev != nil {
		got = prev.Generation
	}
	if got != *want {
		// Zero means "only if it doesn't exist".
		return withStatus(fmt.Errorf("generation is %d, required %d", got, *want),
			http.StatusPreconditionFailed)
	}
	return nil
}

func copyMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	res := make(map[string]string, len(m))
	for k, v := range m {
		res[k] = v
	}
	return res
}
