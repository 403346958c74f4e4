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

package status

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbrt/upgradecheck"
	"github.com/mbrt/upgradecheck/cluster"
	"github.com/mbrt/upgradecheck/cluster/sim"
	"github.com/mbrt/upgradecheck/internal/testkit"
)

func runWithTracker(t *testing.T) (*Tracker, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	clock := clockwork.NewFakeClock()
	tr := NewTracker(clock, reg)

	opts := upgradecheck.DefaultOptions()
	opts.Logger = testkit.NewLogger(t, nil)
	opts.Clock = clock
	opts.Observer = tr
	_, err := upgradecheck.Run(context.Background(), sim.NewManager(sim.DefaultOptions()), opts)
	require.NoError(t, err)
	return tr, reg
}

func TestTracker(t *testing.T) {
	tr, reg := runWithTracker(t)

	snap := tr.Snapshot()
	assert.False(t, snap.Failed)
	assert.Empty(t, snap.Current)
	require.Len(t, snap.Phases, 5)

	p := snap.Phases[2]
	assert.Equal(t, "ShardsUpgraded", p.State)
	assert.Equal(t, "reject with InvalidOptions (72)", p.Expect)
	assert.True(t, p.Done)
	assert.Equal(t, 6, p.Commands)
	assert.Equal(t, 6, p.Rejected)
	assert.Zero(t, p.Accepted)

	p = snap.Phases[4]
	assert.Equal(t, "CompatibilityBumped", p.State)
	assert.Equal(t, 6, p.Accepted)

	// One command per router.
	assert.Equal(t, 2.0, testutil.ToFloat64(
		tr.commands.WithLabelValues("RoutersUpgraded", upgradecheck.AllShardsFind.String(), "Accepted")))
	assert.Equal(t, float64(upgradecheck.CompatibilityBumped), testutil.ToFloat64(tr.phase))
	assert.Zero(t, testutil.CollectAndCount(tr.failures))

	n, err := testutil.GatherAndCount(reg, "upgradecheck_commands_total")
	require.NoError(t, err)
	// 5 phases and 3 shapes, with a single outcome per phase.
	assert.Equal(t, 15, n)
}

func TestTrackerFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	tr := NewTracker(clockwork.NewFakeClock(), reg)

	tr.PhaseStarted(upgradecheck.OldVersion, upgradecheck.Reject(cluster.CodeFailedToParse))
	snap := tr.Snapshot()
	assert.Equal(t, "OldVersion", snap.Current)
	assert.False(t, snap.Phases[0].Done)

	tr.CommandDone(upgradecheck.OldVersion, upgradecheck.CommandResult{
		Router:  "router0",
		Shape:   upgradecheck.UnshardedFind,
		Reply:   cluster.Reply{OK: true},
		Outcome: upgradecheck.Mismatched,
	})
	tr.PhaseDone(upgradecheck.PhaseResult{State: upgradecheck.OldVersion},
		errors.New("unexpected success"))

	snap = tr.Snapshot()
	assert.True(t, snap.Failed)
	assert.Equal(t, "unexpected success", snap.Phases[0].Error)
	assert.Equal(t, 1, snap.Phases[0].Mismatched)
	assert.Equal(t, 1, snap.Phases[0].Commands)
	assert.Equal(t, 0, snap.Phases[0].Accepted)
	assert.Equal(t, 1.0, testutil.ToFloat64(tr.failures.WithLabelValues("OldVersion")))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		tr.commands.WithLabelValues("OldVersion", "UnshardedFind", "Mismatched")))

	// Results of phases never started are ignored.
	tr.CommandDone(upgradecheck.ShardsUpgraded, upgradecheck.CommandResult{Outcome: upgradecheck.Rejected})
	assert.Len(t, tr.Snapshot().Phases, 1)
}

func TestServer(t *testing.T) {
	tr, reg := runWithTracker(t)
	srv := httptest.NewServer(NewServer(tr, reg, testkit.NewLogger(t, nil)).Handler())
	defer srv.Close()

	get := func(path string) (int, string) {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	code, body := get("/status")
	assert.Equal(t, http.StatusOK, code)
	var snap Snapshot
	require.NoError(t, json.Unmarshal([]byte(body), &snap))
	assert.Len(t, snap.Phases, 5)

	code, body = get("/status/phases/RoutersUpgraded")
	assert.Equal(t, http.StatusOK, code)
	var p Phase
	require.NoError(t, json.Unmarshal([]byte(body), &p))
	assert.Equal(t, 6, p.Accepted)

	code, body = get("/status/phases/Nope")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, body, "not started")

	code, body = get("/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "upgradecheck_commands_total")
	assert.Contains(t, body, "upgradecheck_phase_duration_seconds")

	code, body = get("/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok\n", body)

	resp, err := http.Post(srv.URL+"/status", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServeShutdown(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewServer(NewTracker(clockwork.NewFakeClock(), reg), reg, testkit.NewLogger(t, nil))
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Serve(ctx, l)
	}()

	resp, err := http.Get("http://" + l.Addr().String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
