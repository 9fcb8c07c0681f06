// Copyright 2025 Kadir Pekel
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
	"fmt"
	"time"
)

// Substrate kinds.
const (
	SubstrateDocker  = "docker"
	SubstrateProcess = "process"
)

// RuntimeConfig configures the runtime controller and its substrate.
type RuntimeConfig struct {
	// Substrate: "docker" (default) or "process".
	Substrate string `yaml:"substrate,omitempty" json:"substrate,omitempty" jsonschema:"enum=docker,enum=process,default=docker"`

	PortRangeStart int `yaml:"port_range_start,omitempty" json:"port_range_start,omitempty" jsonschema:"default=9000"`
	PortRangeEnd   int `yaml:"port_range_end,omitempty" json:"port_range_end,omitempty" jsonschema:"default=9500"`

	// Host is the address units are reachable on from the control plane.
	Host string `yaml:"host,omitempty" json:"host,omitempty" jsonschema:"default=127.0.0.1"`

	// DeploymentTimeout bounds provisioning including health polling.
	DeploymentTimeout time.Duration `yaml:"deployment_timeout,omitempty" json:"deployment_timeout,omitempty"`

	// StopGracePeriod is how long a unit gets to exit before a forced kill.
	StopGracePeriod time.Duration `yaml:"stop_grace_period,omitempty" json:"stop_grace_period,omitempty"`

	Health HealthConfig `yaml:"health,omitempty" json:"health,omitempty"`
	Retry  RetryConfig  `yaml:"retry,omitempty" json:"retry,omitempty"`

	Docker  DockerConfig  `yaml:"docker,omitempty" json:"docker,omitempty"`
	Process ProcessConfig `yaml:"process,omitempty" json:"process,omitempty"`
}

// HealthConfig tunes health polling backoff.
type HealthConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval,omitempty" json:"initial_interval,omitempty"`
	MaxInterval     time.Duration `yaml:"max_interval,omitempty" json:"max_interval,omitempty"`
	Multiplier      float64       `yaml:"multiplier,omitempty" json:"multiplier,omitempty"`
	CheckTimeout    time.Duration `yaml:"check_timeout,omitempty" json:"check_timeout,omitempty"`
}

// RetryConfig tunes the substrate retry policy.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
	BaseDelay   time.Duration `yaml:"base_delay,omitempty" json:"base_delay,omitempty"`
	MaxDelay    time.Duration `yaml:"max_delay,omitempty" json:"max_delay,omitempty"`
}

// DockerConfig configures the Docker Engine substrate.
type DockerConfig struct {
	// Host overrides DOCKER_HOST.
	Host    string `yaml:"host,omitempty" json:"host,omitempty"`
	Network string `yaml:"network,omitempty" json:"network,omitempty" jsonschema:"default=warder_network"`
	Image   string `yaml:"image,omitempty" json:"image,omitempty" jsonschema:"default=warder-agent:latest"`

	// ContainerPort is the port the runtime listens on inside the unit.
	ContainerPort int `yaml:"container_port,omitempty" json:"container_port,omitempty" jsonschema:"default=8000"`
}

// ProcessConfig configures the local process substrate.
type ProcessConfig struct {
	// Binary is the runtime executable (warder-agent).
	Binary string `yaml:"binary,omitempty" json:"binary,omitempty" jsonschema:"default=warder-agent"`

	// LogLines is how many output lines are kept per unit.
	LogLines int `yaml:"log_lines,omitempty" json:"log_lines,omitempty" jsonschema:"default=1000"`
}

func (c *RuntimeConfig) SetDefaults() {
	if c.Substrate == "" {
		c.Substrate = SubstrateDocker
	}
	if c.PortRangeStart == 0 {
		c.PortRangeStart = 9000
	}
	if c.PortRangeEnd == 0 {
		c.PortRangeEnd = 9500
	}
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.DeploymentTimeout == 0 {
		c.DeploymentTimeout = 120 * time.Second
	}
	if c.StopGracePeriod == 0 {
		c.StopGracePeriod = 10 * time.Second
	}
	if c.Health.InitialInterval == 0 {
		c.Health.InitialInterval = 250 * time.Millisecond
	}
	if c.Health.MaxInterval == 0 {
		c.Health.MaxInterval = 5 * time.Second
	}
	if c.Health.Multiplier == 0 {
		c.Health.Multiplier = 2.0
	}
	if c.Health.CheckTimeout == 0 {
		c.Health.CheckTimeout = 2 * time.Second
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = 500 * time.Millisecond
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = 5 * time.Second
	}
	if c.Docker.Network == "" {
		c.Docker.Network = "warder_network"
	}
	if c.Docker.Image == "" {
		c.Docker.Image = "warder-agent:latest"
	}
	if c.Docker.ContainerPort == 0 {
		c.Docker.ContainerPort = 8000
	}
	if c.Process.Binary == "" {
		c.Process.Binary = "warder-agent"
	}
	if c.Process.LogLines == 0 {
		c.Process.LogLines = 1000
	}
}

func (c *RuntimeConfig) Validate() error {
	switch c.Substrate {
	case SubstrateDocker, SubstrateProcess:
	default:
		return fmt.Errorf("invalid substrate %q (valid: docker, process)", c.Substrate)
	}
	if c.PortRangeStart <= 0 || c.PortRangeEnd > 65535 || c.PortRangeStart > c.PortRangeEnd {
		return fmt.Errorf("invalid port range %d-%d", c.PortRangeStart, c.PortRangeEnd)
	}
	if c.DeploymentTimeout <= 0 {
		return fmt.Errorf("deployment_timeout must be positive")
	}
	if c.Health.Multiplier < 1 {
		return fmt.Errorf("health.multiplier must be >= 1")
	}
	if c.Health.InitialInterval > c.Health.MaxInterval {
		return fmt.Errorf("health.initial_interval exceeds health.max_interval")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1")
	}
	return nil
}

// CacheConfig configures the runtime instance cache.
type CacheConfig struct {
	// IdleWindow is how long an unused runtime stays loaded.
	IdleWindow    time.Duration `yaml:"idle_window,omitempty" json:"idle_window,omitempty"`
	SweepInterval time.Duration `yaml:"sweep_interval,omitempty" json:"sweep_interval,omitempty"`

	// DisableIdleEviction keeps runtimes loaded until stopped explicitly.
	DisableIdleEviction bool `yaml:"disable_idle_eviction,omitempty" json:"disable_idle_eviction,omitempty"`
}

func (c *CacheConfig) SetDefaults() {
	if c.IdleWindow == 0 {
		c.IdleWindow = 30 * time.Minute
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = time.Minute
	}
}

func (c *CacheConfig) Validate() error {
	if c.IdleWindow < 0 || c.SweepInterval < 0 {
		return fmt.Errorf("durations must be non-negative")
	}
	return nil
}
