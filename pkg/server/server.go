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

package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kadirpekel/warder/pkg/agentserver"
	"github.com/kadirpekel/warder/pkg/cache"
	"github.com/kadirpekel/warder/pkg/config"
	"github.com/kadirpekel/warder/pkg/embedder"
	"github.com/kadirpekel/warder/pkg/logger"
	"github.com/kadirpekel/warder/pkg/observability"
	"github.com/kadirpekel/warder/pkg/orchestrator"
	"github.com/kadirpekel/warder/pkg/rag"
	"github.com/kadirpekel/warder/pkg/runtime"
	"github.com/kadirpekel/warder/pkg/runtime/docker"
	"github.com/kadirpekel/warder/pkg/runtime/process"
	"github.com/kadirpekel/warder/pkg/store"
)

// Server wires the control plane together and runs it until a signal or
// Stop.
type Server struct {
	config *config.Config
	opts   Options

	observability *observability.Manager
	pool          *config.DBPool
	metadata      store.Metadata
	store         store.Store
	embedder      embedder.Embedder
	substrate     runtime.Substrate
	controller    *runtime.Controller
	cache         *cache.Cache
	orchestrator  *orchestrator.Orchestrator
	http          *HTTPServer

	// cancel stops background work started by initialize.
	cancel context.CancelFunc

	stopChan   chan struct{}
	reloadChan chan *config.Config
	doneChan   chan struct{}
}

type Options struct {
	Config *config.Config

	// Substrate overrides the configured one, for tests and embedding.
	Substrate runtime.Substrate

	// HealthChecker overrides the HTTP health check.
	HealthChecker runtime.HealthChecker

	// HandleSignals stops the server on SIGINT and SIGTERM.
	HandleSignals bool
}

func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	return &Server{
		config:     opts.Config,
		opts:       opts,
		stopChan:   make(chan struct{}),
		reloadChan: make(chan *config.Config, 1),
		doneChan:   make(chan struct{}),
	}, nil
}

// Start initializes every component, starts serving and returns. Use
// Wait to block until the server has stopped.
func (s *Server) Start(ctx context.Context) error {
	if err := s.initialize(ctx); err != nil {
		s.cleanup(context.Background())
		return fmt.Errorf("initialization failed: %w", err)
	}

	if err := s.startTransport(); err != nil {
		s.cleanup(context.Background())
		return fmt.Errorf("failed to start transport: %w", err)
	}

	s.logStartup()

	go s.runLifecycle()

	return nil
}

func (s *Server) Wait() {
	<-s.doneChan
}

func (s *Server) Stop(ctx context.Context) error {
	select {
	case <-s.stopChan:
	default:
		close(s.stopChan)
	}

	select {
	case <-s.doneChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reload applies a new configuration. Only the idle window and the log
// level take effect without a restart; other changes are reported.
func (s *Server) Reload(cfg *config.Config) {
	select {
	case <-s.reloadChan:
	default:
	}
	s.reloadChan <- cfg
}

// Orchestrator exposes the agent orchestrator.
func (s *Server) Orchestrator() *orchestrator.Orchestrator { return s.orchestrator }

// Handler exposes the API handler.
func (s *Server) Handler() *HTTPServer { return s.http }

func (s *Server) initialize(ctx context.Context) error {
	cfg := s.config
	bg, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	obs := observability.NewManager(cfg.Observability)
	if err := obs.Initialize(ctx); err != nil {
		slog.Warn("Failed to initialize observability", "error", err)
		obs = observability.NewManager(config.ObservabilityConfig{})
	}
	s.observability = obs
	metrics := obs.Metrics()

	s.pool = config.NewDBPool()
	meta, err := store.NewMetadataFromConfig(ctx, &cfg.Database, s.pool)
	if err != nil {
		return fmt.Errorf("metadata store: %w", err)
	}
	s.metadata = meta

	st, err := store.NewFromConfig(ctx, &cfg.Store, &cfg.Database, s.pool)
	if err != nil {
		return fmt.Errorf("knowledge store: %w", err)
	}
	s.store = st

	emb, err := embedder.NewFromConfig(&cfg.Embedder)
	if err != nil {
		return fmt.Errorf("embedder: %w", err)
	}
	s.embedder = emb

	pipeline, err := NewPipeline(&cfg.RAG, emb, rag.WithRecorder(metrics))
	if err != nil {
		return err
	}

	sub := s.opts.Substrate
	if sub == nil {
		if sub, err = newSubstrate(ctx, &cfg.Runtime); err != nil {
			return fmt.Errorf("substrate: %w", err)
		}
	}
	s.substrate = sub

	ctrlOpts := []runtime.Option{
		runtime.WithBaseEnv(agentserver.Env(store.ConnectionFor(&cfg.Store, &cfg.Database), cfg.Embedder)),
		runtime.WithRecorder(metrics),
	}
	if s.opts.HealthChecker != nil {
		ctrlOpts = append(ctrlOpts, runtime.WithHealthChecker(s.opts.HealthChecker))
	}
	s.controller = runtime.NewController(cfg.Runtime, sub, ctrlOpts...)
	if removed, err := s.controller.Reconcile(ctx); err != nil {
		slog.Warn("Failed to reconcile runtime units", "error", err)
	} else if removed > 0 {
		slog.Info("Removed orphaned runtime units", "count", removed)
	}

	s.cache = cache.New(cfg.Cache, s.controller, orchestrator.ProvisionSpecs(meta, cfg.Container),
		cache.WithRecorder(metrics))
	s.cache.Start(bg)

	blobs, err := store.NewFileBlobs(cfg.Server.UploadDir)
	if err != nil {
		return fmt.Errorf("upload storage: %w", err)
	}

	s.orchestrator, err = orchestrator.New(orchestrator.Deps{
		Metadata:  meta,
		Store:     st,
		Pipeline:  pipeline,
		Runtimes:  s.cache,
		Inspector: s.controller,
		Client:    runtime.NewClient(cfg.Server.WriteTimeout),
		Blobs:     blobs,
	},
		orchestrator.WithContainerDefaults(cfg.Container),
		// runtimes on the embedded index read a snapshot taken at startup
		orchestrator.WithRestartOnAttach(cfg.Store.Backend == config.StoreChromem),
		orchestrator.WithTracer(obs.Tracer("warder/orchestrator")),
		orchestrator.WithMaxUploadBytes(int64(cfg.Server.MaxUploadBytes)),
	)
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}

	s.http = NewHTTPServer(&cfg.Server, s.orchestrator, WithObservability(obs))
	return nil
}

// NewPipeline builds the ingestion pipeline described by c.
func NewPipeline(c *config.RAGConfig, emb embedder.Embedder, opts ...rag.PipelineOption) (*rag.Pipeline, error) {
	tok, err := rag.NewTokenizer(c.Tokenizer, c.TokenizerModel)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: %w", err)
	}
	pipeline, err := rag.NewPipeline(pipelineConfig(c), tok, emb, opts...)
	if err != nil {
		return nil, fmt.Errorf("ingestion pipeline: %w", err)
	}
	return pipeline, nil
}

func pipelineConfig(c *config.RAGConfig) rag.PipelineConfig {
	return rag.PipelineConfig{
		Chunker: rag.ChunkerConfig{
			Window:          c.Window,
			Overlap:         c.Overlap,
			OverlapFraction: c.OverlapFraction,
		},
		Detection: rag.DetectionConfig{
			SectionMinHeadings: c.Detection.SectionMinHeadings,
			SectionMinRatio:    c.Detection.SectionMinRatio,
			ParagraphMinCount:  c.Detection.ParagraphMinCount,
		},
		Strategy:         rag.Strategy(c.Strategy),
		EmbedRetries:     c.EmbedRetries,
		EmbedRetryDelay:  c.EmbedRetryDelay,
		EmbedConcurrency: c.EmbedConcurrency,
	}
}

func newSubstrate(ctx context.Context, cfg *config.RuntimeConfig) (runtime.Substrate, error) {
	switch cfg.Substrate {
	case config.SubstrateProcess:
		return process.New(cfg.Process)
	case config.SubstrateDocker, "":
		return docker.New(ctx, cfg.Docker)
	default:
		return nil, fmt.Errorf("%w: unknown substrate %q", runtime.ErrSubstrateConfig, cfg.Substrate)
	}
}

func (s *Server) startTransport() error {
	errChan := make(chan error, 1)
	go func() {
		if err := s.http.Start(context.Background()); err != nil {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-time.After(500 * time.Millisecond):
		return nil
	}
}

func (s *Server) runLifecycle() {
	defer close(s.doneChan)

	var sigCh chan os.Signal
	if s.opts.HandleSignals {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}

	for {
		select {
		case <-sigCh:
			slog.Info("Shutting down...")
			s.shutdown()
			return

		case <-s.stopChan:
			slog.Info("Stop requested...")
			s.shutdown()
			return

		case cfg := <-s.reloadChan:
			s.applyReload(cfg)
		}
	}
}

func (s *Server) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Runtime.StopGracePeriod+30*time.Second)
	defer cancel()
	s.cleanup(ctx)
}

func (s *Server) applyReload(cfg *config.Config) {
	old := s.config

	if cfg.Cache.IdleWindow != old.Cache.IdleWindow {
		s.cache.SetIdleWindow(cfg.Cache.IdleWindow)
		slog.Info("Idle window updated", "from", old.Cache.IdleWindow, "to", cfg.Cache.IdleWindow)
	}
	if cfg.Logger.Level != old.Logger.Level {
		if level, err := logger.ParseLevel(cfg.Logger.Level); err == nil {
			logger.SetLevel(level)
			slog.Info("Log level updated", "level", cfg.Logger.Level)
		}
	}

	if cfg.Server != old.Server || cfg.Database != old.Database || cfg.Store != old.Store ||
		cfg.Runtime != old.Runtime || cfg.Embedder != old.Embedder {
		slog.Warn("Configuration changes outside cache and logger need a restart")
	}

	next := *old
	next.Cache.IdleWindow = cfg.Cache.IdleWindow
	next.Logger.Level = cfg.Logger.Level
	s.config = &next
}

// cleanup releases components in reverse dependency order. Runtimes are
// stopped before the stores they read from are closed.
func (s *Server) cleanup(ctx context.Context) {
	var shutdownErrors []error
	add := func(name string, err error) {
		if err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("%s: %w", name, err))
		}
	}

	if s.http != nil {
		add("HTTP", s.http.Shutdown(ctx))
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.cache != nil {
		add("cache", s.cache.Close(ctx))
	}
	if s.controller != nil {
		add("runtime", s.controller.Shutdown(ctx))
	}
	if closer, ok := s.substrate.(io.Closer); ok && s.opts.Substrate == nil {
		add("substrate", closer.Close())
	}
	if s.store != nil {
		add("store", s.store.Close())
	}
	if s.metadata != nil {
		add("metadata", s.metadata.Close())
	}
	if s.embedder != nil {
		add("embedder", s.embedder.Close())
	}
	if s.pool != nil {
		add("database", s.pool.Close())
	}
	if s.observability != nil {
		add("observability", s.observability.Shutdown(ctx))
	}

	if err := errors.Join(shutdownErrors...); err != nil {
		slog.Error("Shutdown error", "error", err)
	}
}

func (s *Server) logStartup() {
	slog.Info("Server started",
		"address", s.http.Address(),
		"substrate", s.substrate.Name(),
		"store", s.config.Store.Backend,
		"embedder", s.embedder.Model(),
	)
	if s.observability.Metrics() != nil {
		slog.Info("Metrics available", "path", s.observability.MetricsPath())
	}
}
