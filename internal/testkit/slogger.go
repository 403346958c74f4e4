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
	"bytes"
	"log/slog"
	"sync"
	"testing"
)

// NewLogger creates a logger that writes JSON lines to tb. A nil opts
// logs at debug level.
func NewLogger(tb testing.TB, opts *slog.HandlerOptions) *slog.Logger {
	if opts == nil {
		opts = &slog.HandlerOptions{Level: slog.LevelDebug}
	}
	w := &testLogWriter{t: tb}
	tb.Cleanup(w.Close)
	return slog.New(slog.NewJSONHandler(w, opts))
}

type testLogWriter struct {
	t   testing.TB
	buf []byte
	m   sync.Mutex
}

// Write emits one log call per complete line and keeps the rest.
func (w *testLogWriter) Write(p []byte) (int, error) {
	w.m.Lock()
	defer w.m.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i == -1 {
			break
		}
		w.t.Log(string(w.buf[:i]))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

func (w *testLogWriter) Close() {
	w.m.Lock()
	defer w.m.Unlock()

	if len(w.buf) > 0 {
		w.t.Log(string(w.buf))
		w.buf = nil
	}
}
