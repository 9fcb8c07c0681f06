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

// Package docker implements the runtime substrate on the Docker Engine API.
package docker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/kadirpekel/warder/pkg/config"
	"github.com/kadirpekel/warder/pkg/runtime"
)

// API is the subset of the Docker client the substrate uses.
type API interface {
	Ping(ctx context.Context) (types.Ping, error)
	NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerStats(ctx context.Context, containerID string, stream bool) (container.StatsResponseReader, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	Close() error
}

// Substrate runs agent units as Docker containers.
type Substrate struct {
	api     API
	network string
}

// New connects to the daemon named by cfg.Host or the environment
// (DOCKER_HOST, DOCKER_CERT_PATH) and makes sure the unit network exists.
func New(ctx context.Context, cfg config.DockerConfig) (*Substrate, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, runtime.NewConfigError("connect", "host", err)
	}
	s, err := NewWithAPI(ctx, cli, cfg.Network)
	if err != nil {
		_ = cli.Close()
		return nil, err
	}
	return s, nil
}

// NewWithAPI wraps an existing client.
func NewWithAPI(ctx context.Context, api API, networkName string) (*Substrate, error) {
	s := &Substrate{api: api, network: networkName}
	if _, err := api.Ping(ctx); err != nil {
		return nil, classify("ping", "", err)
	}
	if err := s.ensureNetwork(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Substrate) Name() string { return config.SubstrateDocker }

// Close releases the daemon connection.
func (s *Substrate) Close() error { return s.api.Close() }

func (s *Substrate) ensureNetwork(ctx context.Context) error {
	if s.network == "" {
		return nil
	}
	_, err := s.api.NetworkCreate(ctx, s.network, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{runtime.LabelManaged: "true"},
	})
	switch {
	case err == nil:
		slog.Info("Created docker network", "network", s.network)
		return nil
	case errdefs.IsConflict(err) || strings.Contains(err.Error(), "already exists"):
		return nil
	default:
		return classify("network", s.network, err)
	}
}

func (s *Substrate) Create(ctx context.Context, spec runtime.UnitSpec) (string, error) {
	if spec.Image == "" {
		return "", runtime.NewConfigError("create", "image", errors.New("image is required"))
	}
	if spec.ContainerPort <= 0 || spec.HostPort <= 0 {
		return "", runtime.NewConfigError("create", "port", fmt.Errorf("invalid ports %d->%d", spec.HostPort, spec.ContainerPort))
	}

	port, err := nat.NewPort("tcp", strconv.Itoa(spec.ContainerPort))
	if err != nil {
		return "", runtime.NewConfigError("create", "container_port", err)
	}

	env := make([]string, 0, len(spec.Env)+1)
	for _, k := range sortedKeys(spec.Env) {
		env = append(env, k+"="+spec.Env[k])
	}
	env = append(env, "PORT="+strconv.Itoa(spec.ContainerPort))

	cfg := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Command,
		Env:          env,
		Labels:       spec.Labels,
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(spec.HostPort)}},
		},
		Resources: container.Resources{
			Memory:   spec.MemoryLimit,
			NanoCPUs: int64(spec.CPULimit * 1e9),
		},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyDisabled},
	}
	var netCfg *network.NetworkingConfig
	if spec.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(spec.Network)
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{spec.Network: {}},
		}
	}

	resp, err := s.api.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil && errdefs.IsConflict(err) {
		// a container of a crashed previous run holds the name
		slog.Warn("Removing stale container", "name", spec.Name)
		if rmErr := s.api.ContainerRemove(ctx, spec.Name, container.RemoveOptions{Force: true}); rmErr != nil && !errdefs.IsNotFound(rmErr) {
			return "", classify("create", spec.Name, rmErr)
		}
		resp, err = s.api.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	}
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", runtime.NewConfigError("create", "image", err)
		}
		return "", classify("create", spec.Name, err)
	}
	for _, w := range resp.Warnings {
		slog.Warn("Docker create warning", "container", spec.Name, "warning", w)
	}
	return resp.ID, nil
}

func (s *Substrate) Start(ctx context.Context, id string) error {
	return classify("start", id, s.api.ContainerStart(ctx, id, container.StartOptions{}))
}

func (s *Substrate) Stop(ctx context.Context, id string, grace time.Duration) error {
	secs := int(grace.Round(time.Second).Seconds())
	return classify("stop", id, s.api.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}))
}

func (s *Substrate) Kill(ctx context.Context, id string) error {
	err := s.api.ContainerKill(ctx, id, "SIGKILL")
	if err != nil && errdefs.IsConflict(err) {
		// not running
		return nil
	}
	return classify("kill", id, err)
}

func (s *Substrate) Remove(ctx context.Context, id string) error {
	return classify("remove", id, s.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}))
}

func (s *Substrate) Inspect(ctx context.Context, id string) (runtime.UnitState, error) {
	info, err := s.api.ContainerInspect(ctx, id)
	if err != nil {
		return runtime.UnitState{}, classify("inspect", id, err)
	}
	state := runtime.UnitState{ID: id}
	if info.Config != nil {
		state.Labels = info.Config.Labels
	}
	if info.ContainerJSONBase == nil {
		return state, nil
	}
	state.ID = info.ID
	state.Name = strings.TrimPrefix(info.Name, "/")
	if info.State != nil {
		state.Status = info.State.Status
		state.Running = info.State.Running
		state.ExitCode = info.State.ExitCode
		if t, err := time.Parse(time.RFC3339Nano, info.State.StartedAt); err == nil {
			state.StartedAt = t
		}
	}
	return state, nil
}

// Logs returns the last tail lines of stdout and stderr, each prefixed by
// its RFC3339 timestamp.
func (s *Substrate) Logs(ctx context.Context, id string, tail int) ([]string, error) {
	opts := container.LogsOptions{ShowStdout: true, ShowStderr: true, Timestamps: true, Tail: "all"}
	if tail > 0 {
		opts.Tail = strconv.Itoa(tail)
	}
	rc, err := s.api.ContainerLogs(ctx, id, opts)
	if err != nil {
		return nil, classify("logs", id, err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return nil, runtime.NewPermanentError("logs", id, err)
	}
	var lines []string
	scanner := bufio.NewScanner(&buf)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

func (s *Substrate) Stats(ctx context.Context, id string) (*runtime.Stats, error) {
	resp, err := s.api.ContainerStats(ctx, id, false)
	if err != nil {
		return nil, classify("stats", id, err)
	}
	defer resp.Body.Close()

	var raw container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, runtime.NewPermanentError("stats", id, fmt.Errorf("failed to decode stats: %w", err))
	}
	return convertStats(&raw), nil
}

func convertStats(raw *container.StatsResponse) *runtime.Stats {
	stats := &runtime.Stats{
		CPUUsage:       raw.CPUStats.CPUUsage.TotalUsage,
		SystemCPUUsage: raw.CPUStats.SystemUsage,
		MemoryUsage:    raw.MemoryStats.Usage,
		MemoryLimit:    raw.MemoryStats.Limit,
		Timestamp:      raw.Read,
	}
	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage) - float64(raw.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(raw.CPUStats.SystemUsage) - float64(raw.PreCPUStats.SystemUsage)
	cpus := float64(raw.CPUStats.OnlineCPUs)
	if cpus == 0 {
		cpus = float64(len(raw.CPUStats.CPUUsage.PercpuUsage))
	}
	if cpuDelta > 0 && sysDelta > 0 {
		stats.CPUPercent = cpuDelta / sysDelta * cpus * 100
	}
	for _, n := range raw.Networks {
		stats.NetworkRxBytes += n.RxBytes
		stats.NetworkTxBytes += n.TxBytes
	}
	return stats
}

func (s *Substrate) List(ctx context.Context, labels map[string]string) ([]runtime.UnitState, error) {
	args := filters.NewArgs()
	for _, k := range sortedKeys(labels) {
		args.Add("label", k+"="+labels[k])
	}
	containers, err := s.api.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, classify("list", "", err)
	}
	out := make([]runtime.UnitState, 0, len(containers))
	for _, c := range containers {
		name := c.ID
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, runtime.UnitState{
			ID:      c.ID,
			Name:    name,
			Status:  c.State,
			Running: c.State == "running",
			Labels:  c.Labels,
		})
	}
	return out, nil
}

// classify maps Docker errors to substrate error kinds.
func classify(op, unit string, err error) error {
	switch {
	case err == nil:
		return nil
	case errdefs.IsNotFound(err):
		return runtime.NewNotFoundError(op, unit)
	case errdefs.IsInvalidParameter(err):
		return runtime.NewConfigError(op, "", err)
	case client.IsErrConnectionFailed(err), errdefs.IsUnavailable(err), errdefs.IsDeadline(err):
		return runtime.NewTransientError(op, unit, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errdefs.IsSystem(err):
		// daemon side failures such as a busy port binding
		return runtime.NewTransientError(op, unit, err)
	default:
		return runtime.NewPermanentError(op, unit, err)
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ runtime.Substrate = (*Substrate)(nil)
