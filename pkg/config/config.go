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

// Package config defines the control plane configuration, its defaults
// and validation, and the loader that reads it from files or remote
// key/value stores.
package config

import (
	"fmt"
)

// Config is the root configuration of the control plane.
type Config struct {
	Server        ServerConfig        `yaml:"server,omitempty" json:"server,omitempty" jsonschema:"title=Server"`
	Database      DatabaseConfig      `yaml:"database,omitempty" json:"database,omitempty" jsonschema:"title=Database"`
	Store         StoreConfig         `yaml:"store,omitempty" json:"store,omitempty" jsonschema:"title=Knowledge Store"`
	Runtime       RuntimeConfig       `yaml:"runtime,omitempty" json:"runtime,omitempty" jsonschema:"title=Runtime"`
	Cache         CacheConfig         `yaml:"cache,omitempty" json:"cache,omitempty" jsonschema:"title=Instance Cache"`
	RAG           RAGConfig           `yaml:"rag,omitempty" json:"rag,omitempty" jsonschema:"title=Ingestion"`
	Embedder      EmbedderConfig      `yaml:"embedder,omitempty" json:"embedder,omitempty" jsonschema:"title=Embedder"`
	Container     ContainerConfig     `yaml:"container,omitempty" json:"container,omitempty" jsonschema:"title=Container Defaults"`
	Logger        LoggerConfig        `yaml:"logger,omitempty" json:"logger,omitempty" jsonschema:"title=Logger"`
	Observability ObservabilityConfig `yaml:"observability,omitempty" json:"observability,omitempty" jsonschema:"title=Observability"`
}

// SetDefaults applies defaults to every section.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Database.SetDefaults()
	c.Store.SetDefaults()
	c.Runtime.SetDefaults()
	c.Cache.SetDefaults()
	c.RAG.SetDefaults()
	c.Embedder.SetDefaults()
	c.Container.SetDefaults(ContainerConfig{
		Image:       c.Runtime.Docker.Image,
		MemoryLimit: 512 << 20,
		CPULimit:    0.5,
	})
	c.Logger.SetDefaults()
	c.Observability.SetDefaults()
}

// Validate checks every section and reports the first failure with its path.
func (c *Config) Validate() error {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"server", c.Server.Validate},
		{"database", c.Database.Validate},
		{"store", c.Store.Validate},
		{"runtime", c.Runtime.Validate},
		{"cache", c.Cache.Validate},
		{"rag", c.RAG.Validate},
		{"embedder", c.Embedder.Validate},
		{"container", c.Container.Validate},
		{"logger", c.Logger.Validate},
		{"observability", c.Observability.Validate},
	}
	for _, check := range checks {
		if err := check.fn(); err != nil {
			return fmt.Errorf("%s: %w", check.name, err)
		}
	}
	return nil
}

// Default returns a Config with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// LoggerConfig mirrors the --log-* flags.
type LoggerConfig struct {
	Level  string `yaml:"level,omitempty" json:"level,omitempty" jsonschema:"enum=debug,enum=info,enum=warn,enum=error,default=info"`
	File   string `yaml:"file,omitempty" json:"file,omitempty"`
	Format string `yaml:"format,omitempty" json:"format,omitempty" jsonschema:"enum=simple,enum=verbose,enum=json,default=simple"`
}

func (c *LoggerConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "simple"
	}
}

func (c *LoggerConfig) Validate() error {
	switch c.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid level %q", c.Level)
	}
	return nil
}
