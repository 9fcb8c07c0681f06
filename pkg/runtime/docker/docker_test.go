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

package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/warder/pkg/runtime"
)

type fakeAPI struct {
	pingErr    error
	networkErr error
	createErrs []error
	startErr   error
	killErr    error
	stopped    []int
	removed    []string
	inspect    types.ContainerJSON
	logs       []byte
	stats      container.StatsResponse
	list       []types.Container
	listOpts   container.ListOptions

	created []struct {
		cfg  *container.Config
		host *container.HostConfig
		net  *network.NetworkingConfig
		name string
	}
}

func (f *fakeAPI) Ping(context.Context) (types.Ping, error) { return types.Ping{}, f.pingErr }

func (f *fakeAPI) NetworkCreate(context.Context, string, network.CreateOptions) (network.CreateResponse, error) {
	return network.CreateResponse{ID: "net"}, f.networkErr
}

func (f *fakeAPI) ContainerCreate(_ context.Context, cfg *container.Config, host *container.HostConfig, netCfg *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.created = append(f.created, struct {
		cfg  *container.Config
		host *container.HostConfig
		net  *network.NetworkingConfig
		name string
	}{cfg, host, netCfg, name})
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		if err != nil {
			return container.CreateResponse{}, err
		}
	}
	return container.CreateResponse{ID: "c-" + name}, nil
}

func (f *fakeAPI) ContainerStart(context.Context, string, container.StartOptions) error {
	return f.startErr
}

func (f *fakeAPI) ContainerStop(_ context.Context, _ string, opts container.StopOptions) error {
	f.stopped = append(f.stopped, *opts.Timeout)
	return nil
}

func (f *fakeAPI) ContainerKill(context.Context, string, string) error { return f.killErr }

func (f *fakeAPI) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeAPI) ContainerInspect(context.Context, string) (types.ContainerJSON, error) {
	return f.inspect, nil
}

func (f *fakeAPI) ContainerLogs(context.Context, string, container.LogsOptions) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.logs)), nil
}

func (f *fakeAPI) ContainerStats(context.Context, string, bool) (container.StatsResponseReader, error) {
	data, _ := json.Marshal(f.stats)
	return container.StatsResponseReader{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeAPI) ContainerList(_ context.Context, opts container.ListOptions) ([]types.Container, error) {
	f.listOpts = opts
	return f.list, nil
}

func (f *fakeAPI) Close() error { return nil }

func newSubstrate(t *testing.T, api *fakeAPI) *Substrate {
	t.Helper()
	s, err := NewWithAPI(context.Background(), api, "warder_network")
	require.NoError(t, err)
	return s
}

func unitSpec() runtime.UnitSpec {
	return runtime.UnitSpec{
		Name:          "warder-agent-a1",
		Image:         "warder-agent:latest",
		HostPort:      9001,
		ContainerPort: 8000,
		MemoryLimit:   512 << 20,
		CPULimit:      0.5,
		Env:           map[string]string{"B": "2", "A": "1"},
		Labels:        map[string]string{runtime.LabelManaged: "true"},
		Network:       "warder_network",
	}
}

func TestNew_NetworkAlreadyExists(t *testing.T) {
	api := &fakeAPI{networkErr: errdefs.Conflict(errors.New("network with name warder_network already exists"))}
	_, err := NewWithAPI(context.Background(), api, "warder_network")
	assert.NoError(t, err)
}

func TestNew_DaemonDown(t *testing.T) {
	api := &fakeAPI{pingErr: errdefs.Unavailable(errors.New("daemon down"))}
	_, err := NewWithAPI(context.Background(), api, "warder_network")
	assert.ErrorIs(t, err, runtime.ErrSubstrateTransient)
}

func TestCreate_TranslatesSpec(t *testing.T) {
	api := &fakeAPI{}
	s := newSubstrate(t, api)

	id, err := s.Create(context.Background(), unitSpec())
	require.NoError(t, err)
	assert.Equal(t, "c-warder-agent-a1", id)

	require.Len(t, api.created, 1)
	c := api.created[0]
	assert.Equal(t, "warder-agent-a1", c.name)
	assert.Equal(t, []string{"A=1", "B=2", "PORT=8000"}, c.cfg.Env)
	assert.Equal(t, "true", c.cfg.Labels[runtime.LabelManaged])

	port := nat.Port("8000/tcp")
	assert.Contains(t, c.cfg.ExposedPorts, port)
	require.Len(t, c.host.PortBindings[port], 1)
	assert.Equal(t, "9001", c.host.PortBindings[port][0].HostPort)
	assert.Equal(t, int64(512<<20), c.host.Resources.Memory)
	assert.Equal(t, int64(500_000_000), c.host.Resources.NanoCPUs)
	assert.Contains(t, c.net.EndpointsConfig, "warder_network")
}

func TestCreate_Errors(t *testing.T) {
	t.Run("missing image", func(t *testing.T) {
		s := newSubstrate(t, &fakeAPI{})
		spec := unitSpec()
		spec.Image = ""
		_, err := s.Create(context.Background(), spec)
		assert.ErrorIs(t, err, runtime.ErrSubstrateConfig)
	})

	t.Run("image not found", func(t *testing.T) {
		api := &fakeAPI{createErrs: []error{errdefs.NotFound(errors.New("no such image"))}}
		_, err := newSubstrate(t, api).Create(context.Background(), unitSpec())
		assert.ErrorIs(t, err, runtime.ErrSubstrateConfig)
	})

	t.Run("stale name is replaced", func(t *testing.T) {
		api := &fakeAPI{createErrs: []error{errdefs.Conflict(errors.New("name in use")), nil}}
		id, err := newSubstrate(t, api).Create(context.Background(), unitSpec())
		require.NoError(t, err)
		assert.Equal(t, "c-warder-agent-a1", id)
		assert.Equal(t, []string{"warder-agent-a1"}, api.removed)
		assert.Len(t, api.created, 2)
	})
}

func TestClassify(t *testing.T) {
	assert.Nil(t, classify("op", "u", nil))
	assert.ErrorIs(t, classify("op", "u", errdefs.NotFound(errors.New("x"))), runtime.ErrUnitNotFound)
	assert.ErrorIs(t, classify("op", "u", errdefs.InvalidParameter(errors.New("x"))), runtime.ErrSubstrateConfig)
	assert.ErrorIs(t, classify("op", "u", errdefs.Unavailable(errors.New("x"))), runtime.ErrSubstrateTransient)
	assert.ErrorIs(t, classify("op", "u", context.Canceled), context.Canceled)
	assert.Equal(t, runtime.KindPermanent, runtime.Classify(classify("op", "u", errors.New("x"))))
}

func TestStopAndKill(t *testing.T) {
	api := &fakeAPI{killErr: errdefs.Conflict(errors.New("is not running"))}
	s := newSubstrate(t, api)

	require.NoError(t, s.Stop(context.Background(), "c1", 10*time.Second))
	assert.Equal(t, []int{10}, api.stopped)
	assert.NoError(t, s.Kill(context.Background(), "c1"))
}

func TestInspect(t *testing.T) {
	api := &fakeAPI{inspect: types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			ID:   "c1",
			Name: "/warder-agent-a1",
			State: &types.ContainerState{
				Status:    "running",
				Running:   true,
				StartedAt: "2025-01-02T03:04:05.000000006Z",
			},
		},
		Config: &container.Config{Labels: map[string]string{"k": "v"}},
	}}
	state, err := newSubstrate(t, api).Inspect(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "warder-agent-a1", state.Name)
	assert.True(t, state.Running)
	assert.Equal(t, 2025, state.StartedAt.Year())
	assert.Equal(t, "v", state.Labels["k"])
}

func TestLogs_Demultiplexes(t *testing.T) {
	var buf bytes.Buffer
	_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte("2025-01-01T00:00:00Z listening\n"))
	_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte("2025-01-01T00:00:01Z warning\n"))

	lines, err := newSubstrate(t, &fakeAPI{logs: buf.Bytes()}).Logs(context.Background(), "c1", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"2025-01-01T00:00:00Z listening", "2025-01-01T00:00:01Z warning"}, lines)
}

func TestStats(t *testing.T) {
	var raw container.StatsResponse
	raw.CPUStats.CPUUsage.TotalUsage = 300
	raw.CPUStats.SystemUsage = 2000
	raw.CPUStats.OnlineCPUs = 2
	raw.PreCPUStats.CPUUsage.TotalUsage = 100
	raw.PreCPUStats.SystemUsage = 1000
	raw.MemoryStats.Usage = 1 << 20
	raw.MemoryStats.Limit = 1 << 30
	raw.Networks = map[string]container.NetworkStats{
		"eth0": {RxBytes: 10, TxBytes: 20},
		"eth1": {RxBytes: 1, TxBytes: 2},
	}

	stats, err := newSubstrate(t, &fakeAPI{stats: raw}).Stats(context.Background(), "c1")
	require.NoError(t, err)
	assert.InDelta(t, 40.0, stats.CPUPercent, 0.001)
	assert.Equal(t, uint64(1<<20), stats.MemoryUsage)
	assert.Equal(t, uint64(11), stats.NetworkRxBytes)
	assert.Equal(t, uint64(22), stats.NetworkTxBytes)
}

func TestList_FiltersByLabel(t *testing.T) {
	api := &fakeAPI{list: []types.Container{
		{ID: "c1", Names: []string{"/warder-agent-a1"}, State: "running", Labels: map[string]string{runtime.LabelAgentID: "a1"}},
	}}
	units, err := newSubstrate(t, api).List(context.Background(), map[string]string{runtime.LabelManaged: "true"})
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, "warder-agent-a1", units[0].Name)
	assert.True(t, units[0].Running)
	assert.Equal(t, []string{runtime.LabelManaged + "=true"}, api.listOpts.Filters.Get("label"))
	assert.True(t, api.listOpts.All)
}
