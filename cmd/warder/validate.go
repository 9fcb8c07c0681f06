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

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kadirpekel/warder/pkg/config"
)

// ValidateCmd validates a configuration file.
type ValidateCmd struct {
	Config string `arg:"" name:"config" help:"Configuration file path." placeholder:"PATH" type:"path"`

	Format string `short:"f" help:"Output format: compact, verbose, json." default:"compact" enum:"compact,verbose,json"`

	// PrintConfig prints the configuration after defaults and env expansion.
	PrintConfig bool `short:"p" name:"print-config" help:"Print the expanded configuration (with defaults applied and env vars resolved)."`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	_ = config.LoadDotEnvForConfig(c.Config)

	data, err := os.ReadFile(c.Config)
	if err != nil {
		return report(c.Format, c.Config, nil, &ValidationError{Type: "read", Message: err.Error()})
	}
	cfg, err := config.Parse(data)
	if err != nil {
		return report(c.Format, c.Config, nil, &ValidationError{Type: "config", Message: err.Error()})
	}
	if c.PrintConfig {
		return printExpandedConfig(c.Format, c.Config, cfg)
	}
	return report(c.Format, c.Config, cfg, nil)
}

// ValidationError is the json form of a failure.
type ValidationError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type validationResult struct {
	Valid     bool             `json:"valid"`
	File      string           `json:"file"`
	Substrate string           `json:"substrate,omitempty"`
	Store     string           `json:"store,omitempty"`
	Error     *ValidationError `json:"error,omitempty"`
}

// report prints the outcome in the requested format and returns an error
// when the file is invalid so the exit code reflects it.
func report(format, file string, cfg *config.Config, verr *ValidationError) error {
	res := validationResult{Valid: verr == nil, File: file, Error: verr}
	if cfg != nil {
		res.Substrate = cfg.Runtime.Substrate
		res.Store = fmt.Sprintf("%s on %s", cfg.Store.Backend, cfg.Database.Driver)
	}

	switch format {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(res); err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
	case "verbose":
		out := os.Stdout
		if verr != nil {
			out = os.Stderr
		}
		fmt.Fprintf(out, "File:      %s\n", file)
		if verr != nil {
			fmt.Fprintf(out, "Status:    invalid (%s)\n", verr.Type)
			fmt.Fprintf(out, "Error:     %s\n", verr.Message)
			break
		}
		fmt.Fprintf(out, "Status:    valid\n")
		fmt.Fprintf(out, "Substrate: %s\n", res.Substrate)
		fmt.Fprintf(out, "Store:     %s\n", res.Store)
		fmt.Fprintf(out, "Listen:    %s\n", cfg.Server.Address())
	default:
		if verr != nil {
			fmt.Fprintf(os.Stderr, "%s: %s\n", file, verr.Message)
		} else {
			fmt.Fprintf(os.Stdout, "%s: valid\n", file)
		}
	}

	if verr != nil {
		return fmt.Errorf("%s is not a valid configuration", file)
	}
	return nil
}

func printExpandedConfig(format, file string, cfg *config.Config) error {
	if format == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(cfg)
	}

	fmt.Fprintf(os.Stdout, "# %s with defaults applied\n\n", file)
	encoder := yaml.NewEncoder(os.Stdout)
	encoder.SetIndent(2)
	defer encoder.Close()
	return encoder.Encode(cfg)
}
