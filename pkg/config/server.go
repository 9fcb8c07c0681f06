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

// ServerConfig configures the control plane HTTP API.
type ServerConfig struct {
	Host string `yaml:"host,omitempty" json:"host,omitempty" jsonschema:"default=0.0.0.0"`
	Port int    `yaml:"port,omitempty" json:"port,omitempty" jsonschema:"minimum=1,maximum=65535,default=8080"`

	ReadTimeout  time.Duration `yaml:"read_timeout,omitempty" json:"read_timeout,omitempty"`
	WriteTimeout time.Duration `yaml:"write_timeout,omitempty" json:"write_timeout,omitempty"`

	// UploadDir holds uploaded document bytes.
	UploadDir string `yaml:"upload_dir,omitempty" json:"upload_dir,omitempty" jsonschema:"default=data/uploads"`

	// MaxUploadBytes caps a single document upload.
	MaxUploadBytes ByteSize `yaml:"max_upload_bytes,omitempty" json:"max_upload_bytes,omitempty" jsonschema:"type=string,default=32m"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout == 0 {
		// creation blocks until the runtime is healthy
		c.WriteTimeout = 5 * time.Minute
	}
	if c.UploadDir == "" {
		c.UploadDir = "data/uploads"
	}
	if c.MaxUploadBytes == 0 {
		c.MaxUploadBytes = 32 << 20
	}
}

func (c *ServerConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	return nil
}

// Address returns host:port.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Store backends.
const (
	StoreSQL     = "sql"
	StoreChromem = "chromem"
)

// StoreConfig selects the knowledge store backend.
type StoreConfig struct {
	// Backend: "sql" stores vectors next to chunk rows in the configured
	// database; "chromem" keeps them in an embedded index.
	Backend string `yaml:"backend,omitempty" json:"backend,omitempty" jsonschema:"enum=sql,enum=chromem,default=sql"`

	// PersistPath enables gob persistence for the chromem backend.
	PersistPath string `yaml:"persist_path,omitempty" json:"persist_path,omitempty"`

	// Compress gzips chromem persistence files.
	Compress bool `yaml:"compress,omitempty" json:"compress,omitempty"`

	// Timeout bounds each store call.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

func (c *StoreConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = StoreSQL
	}
	if c.Timeout == 0 {
		c.Timeout = 15 * time.Second
	}
}

func (c *StoreConfig) Validate() error {
	switch c.Backend {
	case StoreSQL, StoreChromem:
		return nil
	default:
		return fmt.Errorf("invalid backend %q (valid: sql, chromem)", c.Backend)
	}
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics,omitempty" json:"metrics,omitempty"`
	Tracing TracingConfig `yaml:"tracing,omitempty" json:"tracing,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Path    string `yaml:"path,omitempty" json:"path,omitempty" jsonschema:"default=/metrics"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// Exporter: "otlp" (gRPC) or "stdout".
	Exporter     string  `yaml:"exporter,omitempty" json:"exporter,omitempty" jsonschema:"enum=otlp,enum=stdout,default=otlp"`
	Endpoint     string  `yaml:"endpoint,omitempty" json:"endpoint,omitempty" jsonschema:"default=localhost:4317"`
	SamplingRate float64 `yaml:"sampling_rate,omitempty" json:"sampling_rate,omitempty" jsonschema:"minimum=0,maximum=1,default=1"`
	ServiceName  string  `yaml:"service_name,omitempty" json:"service_name,omitempty" jsonschema:"default=warder"`
}

func (c *ObservabilityConfig) SetDefaults() {
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "otlp"
	}
	if c.Tracing.Endpoint == "" {
		c.Tracing.Endpoint = "localhost:4317"
	}
	if c.Tracing.SamplingRate == 0 {
		c.Tracing.SamplingRate = 1.0
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "warder"
	}
}

func (c *ObservabilityConfig) Validate() error {
	if !c.Tracing.Enabled {
		return nil
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing.sampling_rate must be between 0 and 1, got %f", c.Tracing.SamplingRate)
	}
	switch c.Tracing.Exporter {
	case "otlp", "stdout":
	default:
		return fmt.Errorf("tracing.exporter %q invalid (valid: otlp, stdout)", c.Tracing.Exporter)
	}
	return nil
}
