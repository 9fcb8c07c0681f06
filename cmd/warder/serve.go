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
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kadirpekel/warder/pkg/config"
	"github.com/kadirpekel/warder/pkg/server"
)

// ServeCmd starts the control plane.
type ServeCmd struct {
	Port      int    `help:"Port to listen on (overrides server.port)."`
	Substrate string `help:"Execution substrate (overrides runtime.substrate)."`
	Watch     bool   `help:"Watch the config source and apply changes."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var srv *server.Server
	reload := config.WithOnChange(func(cfg *config.Config) {
		if srv != nil {
			c.applyOverrides(cfg)
			srv.Reload(cfg)
		}
	})

	cfg, loader, err := loadConfig(ctx, cli, reload)
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
	}
	c.applyOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	cleanup, err := initLoggerFromConfig(cli, &cfg.Logger)
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer cleanup()
	}

	srv, err = server.New(server.Options{Config: cfg})
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "\nwarder %s ready\n", version())
	fmt.Fprintf(os.Stdout, "   API:       http://%s/v1\n", srv.Handler().Address())
	fmt.Fprintf(os.Stdout, "   Health:    http://%s/health\n", srv.Handler().Address())
	fmt.Fprintf(os.Stdout, "   Substrate: %s\n", cfg.Runtime.Substrate)
	fmt.Fprintf(os.Stdout, "   Store:     %s (%s)\n", cfg.Store.Backend, cfg.Database.Driver)
	if cfg.Observability.Metrics.Enabled {
		fmt.Fprintf(os.Stdout, "   Metrics:   http://%s%s\n", srv.Handler().Address(), cfg.Observability.Metrics.Path)
	}
	fmt.Fprintln(os.Stdout)

	if c.Watch && loader != nil {
		go func() {
			if err := loader.Watch(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Config watch error", "error", err)
			}
		}()
	}

	go func() {
		<-ctx.Done()
		slog.Info("Shutting down...")
		if err := srv.Stop(context.Background()); err != nil {
			slog.Error("Shutdown error", "error", err)
		}
	}()
	srv.Wait()
	return nil
}

func (c *ServeCmd) applyOverrides(cfg *config.Config) {
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}
	if c.Substrate != "" {
		cfg.Runtime.Substrate = c.Substrate
	}
}
