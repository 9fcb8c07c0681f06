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

// Command warder-agent is the runtime started inside each execution unit.
// It answers questions for one agent from the shared knowledge store.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"runtime/debug"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/kadirpekel/warder/pkg/agentserver"
	"github.com/kadirpekel/warder/pkg/config"
	"github.com/kadirpekel/warder/pkg/embedder"
	"github.com/kadirpekel/warder/pkg/logger"
	"github.com/kadirpekel/warder/pkg/store"
)

// CLI reads everything from the environment the controller injects.
type CLI struct {
	AgentID   string `name:"agent-id" env:"WARDER_AGENT_ID" required:"" help:"Agent served by this runtime."`
	AgentName string `name:"agent-name" env:"WARDER_AGENT_NAME" help:"Display name."`
	AgentType string `name:"agent-type" env:"WARDER_AGENT_TYPE" default:"rag" enum:"rag,chat,function,custom" help:"Agent type."`
	Host      string `env:"HOST" help:"Interface to bind (all when empty)."`
	Port      int    `env:"PORT" default:"8000" help:"Port to listen on."`
	TopK      int    `name:"top-k" env:"WARDER_TOP_K" default:"4" help:"Chunks retrieved per question."`

	StoreDriver   string        `name:"store-driver" env:"WARDER_STORE_DRIVER" required:"" help:"database/sql driver, or chromem."`
	StoreDSN      string        `name:"store-dsn" env:"WARDER_STORE_DSN" help:"Data source name, or chromem persist path."`
	StoreCompress bool          `name:"store-compress" env:"WARDER_STORE_COMPRESS" help:"Chromem files are gzipped."`
	StoreTimeout  time.Duration `name:"store-timeout" env:"WARDER_STORE_TIMEOUT" default:"15s" help:"Per call store timeout."`

	EmbedderProvider  string `name:"embedder-provider" env:"WARDER_EMBEDDER_PROVIDER" help:"Embedding provider."`
	EmbedderModel     string `name:"embedder-model" env:"WARDER_EMBEDDER_MODEL" help:"Embedding model."`
	EmbedderBaseURL   string `name:"embedder-base-url" env:"WARDER_EMBEDDER_BASE_URL" help:"Embedding API base URL."`
	EmbedderAPIKey    string `name:"embedder-api-key" env:"WARDER_EMBEDDER_API_KEY" help:"Embedding API key."`
	EmbedderDimension int    `name:"embedder-dimension" env:"WARDER_EMBEDDER_DIMENSION" help:"Embedding dimension."`

	Grace time.Duration `env:"WARDER_GRACE_PERIOD" default:"10s" help:"Drain time for in-flight requests on shutdown."`

	LogLevel  string `env:"LOG_LEVEL" default:"info" help:"Log level."`
	LogFormat string `env:"LOG_FORMAT" default:"json" help:"Log format."`
}

func (c *CLI) Run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	conn := store.Connection{Driver: c.StoreDriver, DSN: c.StoreDSN, Compress: c.StoreCompress}
	st, err := store.OpenConnection(ctx, conn, c.StoreTimeout)
	if err != nil {
		return fmt.Errorf("knowledge store: %w", err)
	}
	defer st.Close()

	embCfg := config.EmbedderConfig{
		Provider:  c.EmbedderProvider,
		Model:     c.EmbedderModel,
		BaseURL:   c.EmbedderBaseURL,
		APIKey:    c.EmbedderAPIKey,
		Dimension: c.EmbedderDimension,
	}
	// the runtime only embeds queries
	if embCfg.Provider == config.EmbedderCohere {
		embCfg.InputType = embedder.CohereSearchQuery
	}
	embCfg.SetDefaults()
	if err := embCfg.Validate(); err != nil {
		return fmt.Errorf("embedder: %w", err)
	}
	emb, err := embedder.NewFromConfig(&embCfg)
	if err != nil {
		return fmt.Errorf("embedder: %w", err)
	}
	defer emb.Close()

	srv := agentserver.New(agentserver.Config{
		AgentID:      c.AgentID,
		AgentName:    c.AgentName,
		AgentType:    c.AgentType,
		TopK:         c.TopK,
		StoreBackend: c.StoreDriver,
		Version:      version(),
		Env:          agentserver.PublicEnv(environ()),
	}, st, emb)

	return srv.Serve(ctx, net.JoinHostPort(c.Host, strconv.Itoa(c.Port)), c.Grace)
}

func environ() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if ok && strings.HasPrefix(k, "WARDER_") {
			env[k] = v
		}
	}
	return env
}

func version() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("warder-agent"),
		kong.Description("Warder agent runtime"),
		kong.UsageOnError(),
	)

	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}
	logger.Init(level, os.Stderr, cli.LogFormat)
	slog.Info("Starting agent runtime", "agent", cli.AgentID, "store", cli.StoreDriver)

	err = ctx.Run()
	ctx.FatalIfErrorf(err)
}
