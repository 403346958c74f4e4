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

// Package report describes the outcome of a verification run and stores it.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

var ErrNotFound = errors.New("report not found")

// Report is the outcome of a whole verification run.
type Report struct {
	RunID      string    `json:"run_id"`
	OldVersion string    `json:"old_version"`
	NewVersion string    `json:"new_version"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Phases     []Phase   `json:"phases"`
	Stats      Stats     `json:"stats"`
	Passed     bool      `json:"passed"`
	Error      string    `json:"error,omitempty"`
}

// Phase is the outcome of one upgrade phase.
type Phase struct {
	State    string    `json:"state"`
	Expected string    `json:"expected"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Commands []Command `json:"commands"`
	Error    string    `json:"error,omitempty"`
	// FailedCommand is the extended JSON of the command that failed the
	// phase, if any.
	FailedCommand string `json:"failed_command,omitempty"`
}

// Command is a single snapshot read and how it was judged.
type Command struct {
	Router    string `json:"router"`
	Shape     string `json:"shape"`
	TxnNumber int64  `json:"txn_number"`
	Code      int32  `json:"code"`
	CodeName  string `json:"code_name,omitempty"`
	Message   string `json:"message,omitempty"`
	Outcome   string `json:"outcome"`
}

type Stats struct {
	Sessions        int   `json:"sessions"`
	Commands        int   `json:"commands"`
	Accepted        int   `json:"accepted"`
	Rejected        int   `json:"rejected"`
	Tolerated       int   `json:"tolerated"`
	Mismatched      int   `json:"mismatched"`
	TransportErrors int   `json:"transport_errors"`
	PhaseTimeMillis int64 `json:"phase_time_ms"`
}

func (r Report) Duration() time.Duration {
	return r.End.Sub(r.Start)
}

// Marshal returns the indented JSON encoding of r.
func (r Report) Marshal() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

func Unmarshal(buf []byte) (Report, error) {
	var r Report
	if err := json.Unmarshal(buf, &r); err != nil {
		return Report{}, fmt.Errorf("decoding report: %w", err)
	}
	return r, nil
}

// Sink persists reports.
type Sink interface {
	Write(ctx context.Context, r Report) error
}

// ObjectName is where a report is stored, relative to a sink root.
func ObjectName(runID string) string {
	return runID + ".json"
}

// FileSink writes reports as JSON files in a local directory.
type FileSink struct {
	Dir string
}

func (s FileSink) Write(_ context.Context, r Report) error {
	buf, err := r.Marshal()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("creating report dir: %w", err)
	}
	p := filepath.Join(s.Dir, ObjectName(r.RunID))
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	return os.Rename(tmp, p)
}

func (s FileSink) Read(_ context.Context, runID string) (Report, error) {
	buf, err := os.ReadFile(filepath.Join(s.Dir, ObjectName(runID)))
	if errors.Is(err, os.ErrNotExist) {
		return Report{}, fmt.Errorf("run %q: %w", runID, ErrNotFound)
	}
	if err != nil {
		return Report{}, err
	}
	return Unmarshal(buf)
}

// Multi writes to all the sinks, stopping at the first failure.
type Multi []Sink

func (m Multi) Write(ctx context.Context, r Report) error {
	for _, s := range m {
		if err := s.Write(ctx, r); err != nil {
			return err
		}
	}
	return nil
}
