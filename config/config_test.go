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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbrt/upgradecheck"
	"github.com/mbrt/upgradecheck/cluster"
)

const testConfig = `
old_version: "4.0"
new_version: "4.2.1"
shards: 3
routers: 2
provider: docker
parallel_routers: true
phase_timeout: 90s
plan:
  - state: OldVersion
    expect: reject
    code: 9
  - state: ConfigsUpgraded
    expect: reject
    code: 9
docker:
  image: registry.local/mongo
report:
  dir: /tmp/reports
status:
  addr: ":8080"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, ProviderSim, cfg.Provider)

	opts, err := cfg.Options()
	require.NoError(t, err)
	assert.Equal(t, upgradecheck.DefaultPlan(), opts.Plan)
	assert.Equal(t, cluster.Version("4.0"), opts.OldVersion)
	assert.Equal(t, cluster.Version("4.2"), opts.NewVersion)
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, testConfig))
	require.NoError(t, err)

	assert.Equal(t, "4.2.1", cfg.NewVersion)
	assert.Equal(t, 3, cfg.Shards)
	assert.Equal(t, ProviderDocker, cfg.Provider)
	assert.True(t, cfg.ParallelRouters)
	assert.Equal(t, 90*time.Second, cfg.PhaseTimeout)
	assert.Equal(t, "registry.local/mongo", cfg.Docker.Image)
	assert.Equal(t, "/tmp/reports", cfg.Report.Dir)
	assert.Equal(t, ":8080", cfg.Status.Addr)
	// Missing fields keep the defaults.
	assert.Equal(t, "test", cfg.Database)
	assert.Equal(t, time.Minute, cfg.TeardownTimeout)
	assert.Equal(t, 2*time.Minute, cfg.Docker.StartupTimeout)

	opts, err := cfg.Options()
	require.NoError(t, err)
	assert.Equal(t, upgradecheck.Plan{
		{State: upgradecheck.OldVersion, Expect: upgradecheck.Reject(cluster.CodeFailedToParse)},
		{State: upgradecheck.ConfigsUpgraded, Expect: upgradecheck.Reject(cluster.CodeFailedToParse)},
	}, opts.Plan)
	assert.True(t, opts.ParallelRouters)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("UPGRADECHECK_NEW_VERSION", "4.4")
	t.Setenv("UPGRADECHECK_ROUTERS", "3")
	t.Setenv("UPGRADECHECK_PHASE_TIMEOUT", "2m")
	t.Setenv("UPGRADECHECK_PARALLEL_ROUTERS", "true")
	t.Setenv("UPGRADECHECK_PROVIDER", "sim")

	cfg, err := Load(writeConfig(t, testConfig))
	require.NoError(t, err)
	assert.Equal(t, "4.4", cfg.NewVersion)
	assert.Equal(t, 3, cfg.Routers)
	assert.Equal(t, 2*time.Minute, cfg.PhaseTimeout)
	assert.Equal(t, ProviderSim, cfg.Provider)

	t.Setenv("UPGRADECHECK_SHARDS", "many")
	_, err = Load("")
	assert.Error(t, err)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "shards: [1"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "unknown_field: 1\n"))
	assert.Error(t, err)

	// Empty files are just defaults.
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
	}{
		{"bad old version", func(c *Config) { c.OldVersion = "four" }},
		{"bad new version", func(c *Config) { c.NewVersion = "" }},
		{"not an upgrade", func(c *Config) { c.NewVersion = c.OldVersion }},
		{"downgrade", func(c *Config) { c.OldVersion, c.NewVersion = "4.2", "4.0" }},
		{"one shard", func(c *Config) { c.Shards = 1 }},
		{"no routers", func(c *Config) { c.Routers = 0 }},
		{"no database", func(c *Config) { c.Database = "" }},
		{"negative timeout", func(c *Config) { c.PhaseTimeout = -time.Second }},
		{"unknown provider", func(c *Config) { c.Provider = "k8s" }},
		{"bad snapshot version", func(c *Config) { c.Sim.SnapshotVersion = "x" }},
		{"unknown state", func(c *Config) {
			c.Plan = []Step{{State: "Done", Expect: "accept"}}
		}},
		{"unknown expectation", func(c *Config) {
			c.Plan = []Step{{State: "OldVersion", Expect: "maybe"}}
		}},
		{"plan out of order", func(c *Config) {
			c.Plan = []Step{{State: "ConfigsUpgraded", Expect: "accept"}}
		}},
		{"rejection without code", func(c *Config) {
			c.Plan = []Step{{State: "OldVersion", Expect: "reject"}}
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.modify(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}
