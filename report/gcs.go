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

package report

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/mbrt/upgradecheck/internal/errors"
)

var ErrAlreadyExists = errors.New("report already exists")

const (
	tagRunID  = "run-id"
	tagPassed = "passed"
)

func NewGCSSink(bucket *storage.BucketHandle, prefix string) GCSSink {
	return GCSSink{bucket: bucket, prefix: prefix}
}

// GCSSink stores reports as objects in a GCS bucket, under an optional
// prefix. Reports are never overwritten.
type GCSSink struct {
	bucket *storage.BucketHandle
	prefix string
}

func (s GCSSink) Write(ctx context.Context, r Report) error {
	buf, err := r.Marshal()
	if err != nil {
		return err
	}
	obj := s.object(ObjectName(r.RunID)).If(storage.Conditions{DoesNotExist: true})
	writer := obj.NewWriter(ctx)
	// Single request upload. Reports are small.
	writer.ChunkSize = 0
	writer.ContentType = "application/json"
	writer.Metadata = map[string]string{
		tagRunID:  r.RunID,
		tagPassed: strconv.FormatBool(r.Passed),
	}

	if _, err := writer.Write(buf); err != nil {
		writer.Close()
		return annotate(fmt.Errorf("writing report %q: %w", r.RunID, err))
	}
	if err := writer.Close(); err != nil {
		return annotate(fmt.Errorf("writing report %q: %w", r.RunID, err))
	}
	return nil
}

func (s GCSSink) Read(ctx context.Context, runID string) (Report, error) {
	reader, err := s.object(ObjectName(runID)).NewReader(ctx)
	if err != nil {
		return Report{}, annotate(fmt.Errorf("opening report %q: %w", runID, err))
	}
	defer reader.Close()

	buf, err := io.ReadAll(reader)
	if err != nil {
		return Report{}, annotate(fmt.Errorf("reading report %q: %w", runID, err))
	}
	return Unmarshal(buf)
}

// Summary is what List knows about a stored report without reading it.
type Summary struct {
	RunID   string
	Passed  bool
	Updated time.Time
}

// List returns the summaries of all the reports under the sink prefix.
func (s GCSSink) List(ctx context.Context) ([]Summary, error) {
	iter := s.bucket.Objects(ctx, &storage.Query{
		Delimiter:  "/",
		Prefix:     s.dir(),
		Projection: storage.ProjectionNoACL,
	})
	var res []Summary
	for {
		attrs, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, annotate(fmt.Errorf("listing reports: %w", err))
		}
		if attrs.Prefix != "" || !strings.HasSuffix(attrs.Name, ".json") {
			continue
		}
		id := attrs.Metadata[tagRunID]
		if id == "" {
			id = strings.TrimSuffix(path.Base(attrs.Name), ".json")
		}
		passed, _ := strconv.ParseBool(attrs.Metadata[tagPassed])
		res = append(res, Summary{RunID: id, Passed: passed, Updated: attrs.Updated})
	}
	return res, nil
}

func (s GCSSink) dir() string {
	if s.prefix == "" || strings.HasSuffix(s.prefix, "/") {
		return s.prefix
	}
	return s.prefix + "/"
}

func (s GCSSink) object(name string) *storage.ObjectHandle {
	// https://cloud.google.com/storage/docs/retry-strategy.
	return s.bucket.Object(s.dir() + name).Retryer(
		storage.WithBackoff(gax.Backoff{
			Initial:    200 * time.Millisecond,
			Max:        3 * time.Second,
			Multiplier: 2,
		}),
		storage.WithPolicy(storage.RetryAlways),
	)
}

func annotate(err error) error {
	if err == nil {
		return nil
	}
	var aerr *googleapi.Error
	if errors.As(err, &aerr) {
		switch aerr.Code {
		case http.StatusNotFound:
			return errors.WithCause(err, ErrNotFound)
		case http.StatusPreconditionFailed:
			return errors.WithCause(err, ErrAlreadyExists)
		}
		return err
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return errors.WithCause(err, ErrNotFound)
	}
	return err
}

var _ Sink = GCSSink{}
