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
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/warder/pkg/config/provider"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(`
embedder:
  provider: hash
`))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Runtime.PortRangeStart)
	assert.Equal(t, 9500, cfg.Runtime.PortRangeEnd)
	assert.Equal(t, 120*time.Second, cfg.Runtime.DeploymentTimeout)
	assert.Equal(t, 30*time.Minute, cfg.Cache.IdleWindow)
	assert.Equal(t, 256, cfg.RAG.Window)
	assert.Equal(t, 32, cfg.RAG.Overlap)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, ByteSize(512<<20), cfg.Container.MemoryLimit)
	assert.Equal(t, 0.5, cfg.Container.CPULimit)
	assert.Equal(t, "warder-agent:latest", cfg.Container.Image)
}

func TestParse_DurationsAndSizes(t *testing.T) {
	cfg, err := Parse([]byte(`
runtime:
  deployment_timeout: 45s
  port_range_start: 10000
  port_range_end: 10010
cache:
  idle_window: 5m
container:
  memory_limit: 1g
  cpu_limit: 1.5
embedder:
  provider: hash
`))
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Runtime.DeploymentTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Cache.IdleWindow)
	assert.Equal(t, ByteSize(1<<30), cfg.Container.MemoryLimit)
	assert.Equal(t, 1.5, cfg.Container.CPULimit)
}

func TestParse_RejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte(`
runtime:
  port_rnage_start: 9000
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port_rnage_start")
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad port range", "embedder: {provider: hash}\nruntime: {port_range_start: 9500, port_range_end: 9000}", "runtime"},
		{"bad substrate", "embedder: {provider: hash}\nruntime: {substrate: k8s}", "substrate"},
		{"bad store", "embedder: {provider: hash}\nstore: {backend: qdrant}", "store"},
		{"bad strategy", "embedder: {provider: hash}\nrag: {strategy: sentences}", "rag"},
		{"openai without key", "embedder: {provider: openai, api_key: ''}", "api_key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.name == "openai without key" {
				t.Setenv("OPENAI_API_KEY", "")
			}
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParse_EnvExpansion(t *testing.T) {
	t.Setenv("WARDER_TEST_NETWORK", "agents_net")

	cfg, err := Parse([]byte(`
embedder:
  provider: hash
runtime:
  docker:
    network: ${WARDER_TEST_NETWORK}
    image: ${WARDER_TEST_IMAGE:-custom-agent:1}
`))
	require.NoError(t, err)
	assert.Equal(t, "agents_net", cfg.Runtime.Docker.Network)
	assert.Equal(t, "custom-agent:1", cfg.Runtime.Docker.Image)
}

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in      string
		want    ByteSize
		wantErr bool
	}{
		{"512m", 512 << 20, false},
		{"1g", 1 << 30, false},
		{"256MiB", 256 << 20, false},
		{"1024", 1024, false},
		{"1.5g", 3 << 29, false},
		{"12x", 0, true},
		{"", 0, true},
		{"-1m", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseByteSize(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Equal(t, "512m", ByteSize(512<<20).String())
}

func TestDecodeContainerConfig(t *testing.T) {
	cfg, err := DecodeContainerConfig(map[string]any{
		"image":        "warder-agent:2",
		"memory_limit": "256m",
		"cpu_limit":    0.25,
		"env":          map[string]any{"MODEL": "gpt-4o-mini"},
	})
	require.NoError(t, err)
	assert.Equal(t, "warder-agent:2", cfg.Image)
	assert.Equal(t, ByteSize(256<<20), cfg.MemoryLimit)
	assert.Equal(t, 0.25, cfg.CPULimit)
	assert.Equal(t, "gpt-4o-mini", cfg.Env["MODEL"])

	_, err = DecodeContainerConfig(map[string]any{"image": "x", "privileged": true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "privileged")

	_, err = DecodeContainerConfig(map[string]any{"cpu_limit": -1})
	require.Error(t, err)

	_, err = DecodeContainerConfig(map[string]any{"memory_limit": "1k"})
	require.Error(t, err)
}

func TestContainerConfig_SetDefaults(t *testing.T) {
	c := ContainerConfig{Env: map[string]string{"A": "override"}}
	c.SetDefaults(ContainerConfig{
		Image:       "img",
		MemoryLimit: 512 << 20,
		CPULimit:    0.5,
		Env:         map[string]string{"A": "base", "B": "base"},
	})
	assert.Equal(t, "img", c.Image)
	assert.Equal(t, "override", c.Env["A"])
	assert.Equal(t, "base", c.Env["B"])
}

func TestDatabaseConfig_DSN(t *testing.T) {
	pg := DatabaseConfig{Driver: "postgres", Host: "db", Database: "warder", Username: "u", Password: "p"}
	pg.SetDefaults()
	assert.Equal(t, "host=db port=5432 dbname=warder user=u password=p sslmode=disable", pg.DSN())

	my := DatabaseConfig{Driver: "mysql", Host: "db", Database: "warder", Username: "u", Password: "p"}
	my.SetDefaults()
	assert.Equal(t, "u:p@tcp(db:3306)/warder?parseTime=true", my.DSN())

	lite := DatabaseConfig{Driver: "sqlite", Database: "/tmp/w.db"}
	assert.Equal(t, "/tmp/w.db?_foreign_keys=on", lite.DSN())
	assert.Equal(t, "sqlite3", lite.DriverName())
}

func TestLoader_FileProvider(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "warder.yaml")
	require.NoError(t, os.WriteFile(path, []byte("embedder: {provider: hash}\ncache: {idle_window: 2m}\n"), 0644))

	p, err := provider.New(provider.Config{Type: provider.TypeFile, Path: path})
	require.NoError(t, err)
	loader := NewLoader(p)
	defer loader.Close()

	cfg, err := loader.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.Cache.IdleWindow)
}

func TestLoader_WatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "warder.yaml")
	require.NoError(t, os.WriteFile(path, []byte("embedder: {provider: hash}\n"), 0644))

	p, err := provider.NewFileProvider(path)
	require.NoError(t, err)

	reloaded := make(chan *Config, 1)
	loader := NewLoader(p, WithOnChange(func(c *Config) {
		select {
		case reloaded <- c:
		default:
		}
	}))
	defer loader.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = loader.Watch(ctx) }()

	// give the watcher time to register
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("embedder: {provider: hash}\ncache: {idle_window: 7m}\n"), 0644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 7*time.Minute, cfg.Cache.IdleWindow)
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("WARDER_DOTENV_TEST=loaded\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("WARDER_DOTENV_TEST") })

	require.NoError(t, LoadDotEnvForConfig(filepath.Join(dir, "warder.yaml")))
	assert.Equal(t, "loaded", os.Getenv("WARDER_DOTENV_TEST"))
}
