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
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// ByteSize is a memory amount in bytes. It decodes from integers or from
// strings such as "512m", "1g", "256MiB".
type ByteSize int64

var byteUnits = map[string]int64{
	"":    1,
	"b":   1,
	"k":   1 << 10,
	"kb":  1 << 10,
	"kib": 1 << 10,
	"m":   1 << 20,
	"mb":  1 << 20,
	"mib": 1 << 20,
	"g":   1 << 30,
	"gb":  1 << 30,
	"gib": 1 << 30,
}

// ParseByteSize parses a human readable memory size. Units are binary.
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	i := strings.IndexFunc(s, func(r rune) bool {
		return (r < '0' || r > '9') && r != '.'
	})
	num, unit := s, ""
	if i >= 0 {
		num, unit = s[:i], strings.TrimSpace(s[i:])
	}
	mult, ok := byteUnits[unit]
	if !ok {
		return 0, fmt.Errorf("unknown size unit %q", unit)
	}
	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if v < 0 || v*float64(mult) > math.MaxInt64 {
		return 0, fmt.Errorf("size %q out of range", s)
	}
	return ByteSize(v * float64(mult)), nil
}

func (b ByteSize) String() string {
	switch {
	case b >= 1<<30 && b%(1<<30) == 0:
		return fmt.Sprintf("%dg", b>>30)
	case b >= 1<<20 && b%(1<<20) == 0:
		return fmt.Sprintf("%dm", b>>20)
	case b >= 1<<10 && b%(1<<10) == 0:
		return fmt.Sprintf("%dk", b>>10)
	default:
		return strconv.FormatInt(int64(b), 10)
	}
}

// UnmarshalText lets yaml.v3 and encoding/json decode "512m".
func (b *ByteSize) UnmarshalText(text []byte) error {
	v, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// MarshalText renders the size in its shortest unit form.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// ContainerConfig is the closed set of per-agent execution unit options.
// Unknown keys are rejected when decoding from a loose map.
type ContainerConfig struct {
	// Image is the runtime image reference. Empty means the deployment default.
	Image string `yaml:"image,omitempty" json:"image,omitempty" jsonschema:"title=Image,description=Runtime image reference"`

	// MemoryLimit in bytes (accepts "512m").
	MemoryLimit ByteSize `yaml:"memory_limit,omitempty" json:"memory_limit,omitempty" jsonschema:"title=Memory Limit,type=string,description=Memory limit in bytes or with unit suffix (512m)"`

	// CPULimit is a fraction of one CPU, e.g. 0.5.
	CPULimit float64 `yaml:"cpu_limit,omitempty" json:"cpu_limit,omitempty" jsonschema:"title=CPU Limit,minimum=0,description=Fraction of one CPU"`

	// Env is passed to the unit verbatim.
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty" jsonschema:"title=Environment"`
}

// SetDefaults fills unset fields from defaults.
func (c *ContainerConfig) SetDefaults(defaults ContainerConfig) {
	if c.Image == "" {
		c.Image = defaults.Image
	}
	if c.MemoryLimit == 0 {
		c.MemoryLimit = defaults.MemoryLimit
	}
	if c.CPULimit == 0 {
		c.CPULimit = defaults.CPULimit
	}
	if len(defaults.Env) > 0 {
		merged := make(map[string]string, len(defaults.Env)+len(c.Env))
		for k, v := range defaults.Env {
			merged[k] = v
		}
		for k, v := range c.Env {
			merged[k] = v
		}
		c.Env = merged
	}
}

// Validate checks resource bounds.
func (c *ContainerConfig) Validate() error {
	if c.MemoryLimit < 0 {
		return fmt.Errorf("memory_limit must be non-negative")
	}
	if c.MemoryLimit > 0 && c.MemoryLimit < 6<<20 {
		return fmt.Errorf("memory_limit %s is below the 6m minimum", c.MemoryLimit)
	}
	if c.CPULimit < 0 || math.IsNaN(c.CPULimit) {
		return fmt.Errorf("cpu_limit must be non-negative")
	}
	for k := range c.Env {
		if k == "" || strings.ContainsAny(k, "= \t\n") {
			return fmt.Errorf("invalid env key %q", k)
		}
	}
	return nil
}

// DecodeContainerConfig decodes a loose map (from JSON or YAML) into a
// ContainerConfig, failing on unknown keys.
func DecodeContainerConfig(raw map[string]any) (ContainerConfig, error) {
	var cfg ContainerConfig
	if len(raw) == 0 {
		return cfg, nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      &cfg,
		TagName:     "yaml",
		ErrorUnused: true,
		DecodeHook:  byteSizeHook(),
	})
	if err != nil {
		return cfg, fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return cfg, fmt.Errorf("invalid container config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid container config: %w", err)
	}
	return cfg, nil
}

// byteSizeHook converts strings and numbers into ByteSize.
func byteSizeHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return ParseByteSize(v)
		case float64:
			return ByteSize(v), nil
		case int:
			return ByteSize(v), nil
		case int64:
			return ByteSize(v), nil
		}
		return data, nil
	}
}
