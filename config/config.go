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

// Package config loads the settings of a verification run from YAML files
// and the environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/mbrt/upgradecheck"
	"github.com/mbrt/upgradecheck/cluster"
)

const envPrefix = "UPGRADECHECK_"

var ErrInvalid = errors.New("invalid configuration")

type Provider string

const (
	ProviderSim    Provider = "sim"
	ProviderDocker Provider = "docker"
)

type Config struct {
	OldVersion      string        `yaml:"old_version"`
	NewVersion      string        `yaml:"new_version"`
	Shards          int           `yaml:"shards"`
	Routers         int           `yaml:"routers"`
	Database        string        `yaml:"database"`
	Provider        Provider      `yaml:"provider"`
	ParallelRouters bool          `yaml:"parallel_routers"`
	PhaseTimeout    time.Duration `yaml:"phase_timeout"`
	TeardownTimeout time.Duration `yaml:"teardown_timeout"`
	// Plan overrides the default phase plan when not empty.
	Plan   []Step `yaml:"plan,omitempty"`
	Sim    Sim    `yaml:"sim"`
	Docker Docker `yaml:"docker"`
	Report Report `yaml:"report"`
	Status Status `yaml:"status"`
}

type Step struct {
	State string `yaml:"state"`
	// Expect is either "accept" or "reject".
	Expect string `yaml:"expect"`
	Code   int32  `yaml:"code,omitempty"`
}

type Sim struct {
	// SnapshotVersion is the first release serving snapshot reads outside
	// transactions.
	SnapshotVersion string  `yaml:"snapshot_version"`
	Latency         Latency `yaml:"latency"`
}

type Latency struct {
	Command        time.Duration `yaml:"command"`
	Session        time.Duration `yaml:"session"`
	Upgrade        time.Duration `yaml:"upgrade"`
	StdDevPerc     float64       `yaml:"stddev_perc"`
	CommandsPerSec int           `yaml:"commands_per_sec"`
}

type Docker struct {
	Image          string        `yaml:"image"`
	StartupTimeout time.Duration `yaml:"startup_timeout"`
	ReadyTimeout   time.Duration `yaml:"ready_timeout"`
}

type Report struct {
	// Dir is where reports are written as files. Empty disables it.
	Dir       string `yaml:"dir"`
	GCSBucket string `yaml:"gcs_bucket"`
	GCSPrefix string `yaml:"gcs_prefix"`
}

type Status struct {
	// Addr is the listen address of the status server. Empty disables it.
	Addr string `yaml:"addr"`
}

func Default() Config {
	opts := upgradecheck.DefaultOptions()
	return Config{
		OldVersion:      opts.OldVersion.String(),
		NewVersion:      opts.NewVersion.String(),
		Shards:          opts.Shards,
		Routers:         opts.Routers,
		Database:        opts.Database,
		Provider:        ProviderSim,
		PhaseTimeout:    opts.PhaseTimeout,
		TeardownTimeout: opts.TeardownTimeout,
		Sim: Sim{
			SnapshotVersion: "4.2",
		},
		Docker: Docker{
			Image:          "mongo",
			StartupTimeout: 2 * time.Minute,
			ReadyTimeout:   time.Minute,
		},
		Report: Report{
			GCSPrefix: "runs/",
		},
	}
}

// Load reads the configuration at path on top of the defaults and applies
// the environment overrides. An empty path only uses defaults and the
// environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
		if err := Parse(data, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnvOverrides(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, keeping the values of fields missing in
// data. Unknown fields are rejected.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parsing config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"OLD_VERSION":      &c.OldVersion,
		"NEW_VERSION":      &c.NewVersion,
		"DATABASE":         &c.Database,
		"SNAPSHOT_VERSION": &c.Sim.SnapshotVersion,
		"DOCKER_IMAGE":     &c.Docker.Image,
		"REPORT_DIR":       &c.Report.Dir,
		"GCS_BUCKET":       &c.Report.GCSBucket,
		"GCS_PREFIX":       &c.Report.GCSPrefix,
		"STATUS_ADDR":      &c.Status.Addr,
	}
	for k, p := range str {
		if v, ok := lookup(envPrefix + k); ok {
			*p = v
		}
	}
	if v, ok := lookup(envPrefix + "PROVIDER"); ok {
		c.Provider = Provider(v)
	}

	ints := map[string]*int{
		"SHARDS":  &c.Shards,
		"ROUTERS": &c.Routers,
	}
	for k, p := range ints {
		v, ok := lookup(envPrefix + k)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, k, err)
		}
		*p = n
	}

	durs := map[string]*time.Duration{
		"PHASE_TIMEOUT":    &c.PhaseTimeout,
		"TEARDOWN_TIMEOUT": &c.TeardownTimeout,
	}
	for k, p := range durs {
		v, ok := lookup(envPrefix + k)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, k, err)
		}
		*p = d
	}

	if v, ok := lookup(envPrefix + "PARALLEL_ROUTERS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sPARALLEL_ROUTERS: %w", envPrefix, err)
		}
		c.ParallelRouters = b
	}
	return nil
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	oldV, err := semver.NewVersion(c.OldVersion)
	if err != nil {
		return fmt.Errorf("%w: old_version %q: %v", ErrInvalid, c.OldVersion, err)
	}
	newV, err := semver.NewVersion(c.NewVersion)
	if err != nil {
		return fmt.Errorf("%w: new_version %q: %v", ErrInvalid, c.NewVersion, err)
	}
	if !oldV.LessThan(newV) {
		return fmt.Errorf("%w: old_version %v must precede new_version %v", ErrInvalid, oldV, newV)
	}
	if c.Provider == ProviderSim {
		if _, err := semver.NewVersion(c.Sim.SnapshotVersion); err != nil {
			return fmt.Errorf("%w: sim.snapshot_version %q: %v", ErrInvalid, c.Sim.SnapshotVersion, err)
		}
	}
	switch {
	case c.Shards < 2:
		return fmt.Errorf("%w: need at least 2 shards, got %d", ErrInvalid, c.Shards)
	case c.Routers < 1:
		return fmt.Errorf("%w: need at least 1 router, got %d", ErrInvalid, c.Routers)
	case c.Database == "":
		return fmt.Errorf("%w: empty database", ErrInvalid)
	case c.PhaseTimeout < 0 || c.TeardownTimeout < 0:
		return fmt.Errorf("%w: negative timeout", ErrInvalid)
	}
	switch c.Provider {
	case ProviderSim, ProviderDocker:
	default:
		return fmt.Errorf("%w: unknown provider %q", ErrInvalid, c.Provider)
	}
	if _, err := c.plan(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Options returns the run options described by the configuration. Clock,
// logger, observer and sink are left to the caller.
func (c Config) Options() (upgradecheck.Options, error) {
	plan, err := c.plan()
	if err != nil {
		return upgradecheck.Options{}, err
	}
	opts := upgradecheck.DefaultOptions()
	opts.OldVersion = cluster.Version(c.OldVersion)
	opts.NewVersion = cluster.Version(c.NewVersion)
	opts.Shards = c.Shards
	opts.Routers = c.Routers
	opts.Database = c.Database
	opts.ParallelRouters = c.ParallelRouters
	opts.PhaseTimeout = c.PhaseTimeout
	opts.TeardownTimeout = c.TeardownTimeout
	opts.Plan = plan
	return opts, nil
}

func (c Config) plan() (upgradecheck.Plan, error) {
	if len(c.Plan) == 0 {
		return upgradecheck.DefaultPlan(), nil
	}
	var res upgradecheck.Plan
	for i, s := range c.Plan {
		state, err := upgradecheck.ParseState(s.State)
		if err != nil {
			return nil, fmt.Errorf("plan step %d: %w", i, err)
		}
		var exp upgradecheck.Expectation
		switch s.Expect {
		case "accept":
			exp = upgradecheck.Accept()
		case "reject":
			exp = upgradecheck.Reject(cluster.ErrorCode(s.Code))
		default:
			return nil, fmt.Errorf("plan step %d: unknown expectation %q", i, s.Expect)
		}
		res = append(res, upgradecheck.Step{State: state, Expect: exp})
	}
	if err := res.Validate(); err != nil {
		return nil, err
	}
	return res, nil
}
