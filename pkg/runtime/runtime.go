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

// Package runtime owns the mapping from agents to live execution units.
//
// A Controller allocates a host port, asks a Substrate (Docker Engine or
// local processes) to create and start a unit, and polls the unit until it
// reports healthy. Every substrate call goes through one RetryPolicy that
// retries transient failures and surfaces configuration errors at once.
//
//	Provision: port → Create → Start → health poll ─┬─ healthy → Handle
//	                                                └─ timeout → Stop/Remove, release port
package runtime

import (
	"context"
	"fmt"
	"time"
)

// Labels put on every unit the controller creates.
const (
	LabelManaged   = "warder.managed"
	LabelAgentID   = "warder.agent.id"
	LabelAgentName = "warder.agent.name"
)

// Health of a unit as seen by the controller.
type Health string

const (
	HealthStarting  Health = "starting"
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
	HealthStopped   Health = "stopped"
	HealthUnknown   Health = "unknown"
)

// UnitSpec describes the unit to create.
type UnitSpec struct {
	Name  string
	Image string

	// Command overrides the image entrypoint or names the binary of a
	// process unit.
	Command []string

	// HostPort is the allocated port the control plane reaches the unit on.
	HostPort int

	// ContainerPort is the port the runtime listens on inside the unit.
	ContainerPort int

	MemoryLimit int64
	CPULimit    float64

	Env     map[string]string
	Labels  map[string]string
	Network string
}

// UnitState is what the substrate reports for a unit.
type UnitState struct {
	ID        string
	Name      string
	Status    string
	Running   bool
	ExitCode  int
	StartedAt time.Time
	Labels    map[string]string
}

// Stats is a resource usage sample of a unit.
type Stats struct {
	CPUUsage       uint64    `json:"cpu_usage"`
	SystemCPUUsage uint64    `json:"system_cpu_usage"`
	CPUPercent     float64   `json:"cpu_percent"`
	MemoryUsage    uint64    `json:"memory_usage"`
	MemoryLimit    uint64    `json:"memory_limit"`
	NetworkRxBytes uint64    `json:"network_rx_bytes"`
	NetworkTxBytes uint64    `json:"network_tx_bytes"`
	Timestamp      time.Time `json:"timestamp"`
}

// Substrate creates and manages execution units. Implementations report
// failures as *SubstrateError so the retry policy can classify them; a
// missing unit is reported with ErrUnitNotFound.
type Substrate interface {
	Name() string
	Create(ctx context.Context, spec UnitSpec) (unitID string, err error)
	Start(ctx context.Context, unitID string) error
	Stop(ctx context.Context, unitID string, grace time.Duration) error
	Kill(ctx context.Context, unitID string) error
	Remove(ctx context.Context, unitID string) error
	Inspect(ctx context.Context, unitID string) (UnitState, error)
	Logs(ctx context.Context, unitID string, tail int) ([]string, error)
	Stats(ctx context.Context, unitID string) (*Stats, error)

	// List returns units carrying every given label.
	List(ctx context.Context, labels map[string]string) ([]UnitState, error)
}

// Handle is a live runtime of one agent. Handles are owned by the instance
// cache; the controller only keeps its unit and port tables.
type Handle struct {
	AgentID   string
	UnitID    string
	Port      int
	Address   string
	Health    Health
	CreatedAt time.Time
	LastUsed  time.Time
}

// URL returns the base URL of the runtime.
func (h *Handle) URL() string {
	return "http://" + h.Address
}

func (h *Handle) String() string {
	return fmt.Sprintf("%s@%s(%s)", h.AgentID, h.Address, h.UnitID)
}

// ProvisionSpec is what the caller knows about the agent being started.
type ProvisionSpec struct {
	AgentName string
	Image     string

	MemoryLimit int64
	CPULimit    float64

	// Env is merged over the controller's base environment.
	Env map[string]string
}
