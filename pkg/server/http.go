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
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/invopop/jsonschema"

	"github.com/kadirpekel/warder/pkg/config"
	"github.com/kadirpekel/warder/pkg/observability"
	"github.com/kadirpekel/warder/pkg/orchestrator"
)

// OwnerHeader carries the caller's owner identity.
const OwnerHeader = "X-Owner-ID"

// HTTPServer serves the control plane API.
type HTTPServer struct {
	serverCfg *config.ServerConfig
	orch      *orchestrator.Orchestrator
	server    *http.Server
	router    chi.Router

	// Observability: tracing, metrics and the span buffer
	observability *observability.Manager
}

// HTTPServerOption configures the HTTP server.
type HTTPServerOption func(*HTTPServer)

// WithObservability sets the observability manager for tracing and metrics.
func WithObservability(obs *observability.Manager) HTTPServerOption {
	return func(s *HTTPServer) {
		s.observability = obs
	}
}

// NewHTTPServer creates the API server over orch.
func NewHTTPServer(serverCfg *config.ServerConfig, orch *orchestrator.Orchestrator, opts ...HTTPServerOption) *HTTPServer {
	if serverCfg.Host == "" || serverCfg.Port == 0 {
		serverCfg.SetDefaults()
	}

	s := &HTTPServer{
		serverCfg: serverCfg,
		orch:      orch,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.setupRoutes()
	return s
}

// Handler returns the routed handler with all middleware applied.
func (s *HTTPServer) Handler() http.Handler { return s.router }

// Start serves until ctx is done, then shuts down gracefully.
func (s *HTTPServer) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.serverCfg.Address(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.serverCfg.ReadTimeout,
		WriteTimeout:      s.serverCfg.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	slog.Info("HTTP server starting", "address", s.serverCfg.Address())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully shuts down the server.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	slog.Info("HTTP server shutting down")
	return s.server.Shutdown(ctx)
}

// Address returns the configured listen address.
func (s *HTTPServer) Address() string {
	return s.serverCfg.Address()
}

func (s *HTTPServer) setupRoutes() chi.Router {
	r := chi.NewRouter()

	// order: observability -> logging -> cors -> routes
	if s.observability != nil {
		r.Use(observability.HTTPMiddleware(s.observability.Tracer("warder/http"), s.observability.Metrics()))
	}
	r.Use(s.loggingMiddleware)
	r.Use(s.corsMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/api/schema", s.handleGetSchema)

	if s.observability != nil && s.observability.Metrics() != nil {
		r.Method(http.MethodGet, s.observability.MetricsPath(), s.observability.MetricsHandler())
		slog.Info("Metrics endpoint enabled", "path", s.observability.MetricsPath())
	}
	if s.observability != nil && s.observability.Debug() != nil {
		r.Get("/debug/spans", s.handleDebugSpans)
	}

	r.Route("/v1/agents", func(r chi.Router) {
		r.Post("/", s.handleCreateAgent)
		r.Get("/", s.handleListAgents)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetAgent)
			r.Patch("/", s.handleUpdateAgent)
			r.Put("/", s.handleUpdateAgent)
			r.Delete("/", s.handleDeleteAgent)
			r.Post("/start", s.handleStartAgent)
			r.Post("/stop", s.handleStopAgent)
			r.Get("/status", s.handleAgentStatus)
			r.Get("/logs", s.handleAgentLogs)
			r.Get("/stats", s.handleAgentStats)
			r.Post("/query", s.handleQuery)
			r.Post("/chat", s.handleChat)
			r.Post("/documents/{docID}", s.handleAttachDocument)
			r.Delete("/documents/{docID}", s.handleDetachDocument)
		})
	})

	r.Route("/v1/documents", func(r chi.Router) {
		r.Post("/", s.handleUploadDocument)
		r.Get("/", s.handleListDocuments)
		r.Get("/{id}", s.handleGetDocument)
		r.Put("/{id}", s.handleUpdateDocument)
		r.Delete("/{id}", s.handleDeleteDocument)
		r.Post("/{id}/ingest", s.handleIngestDocument)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// handleHealth returns server health status.
func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleGetSchema returns the JSON Schema of the configuration file.
func (s *HTTPServer) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	writeJSON(w, http.StatusOK, Schema())
}

// Schema reflects the configuration JSON Schema.
func Schema() *jsonschema.Schema {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	schema := reflector.Reflect(&config.Config{})
	schema.Title = "Warder Configuration Schema"
	schema.Description = "Configuration of the Warder control plane"
	schema.Version = "http://json-schema.org/draft-07/schema#"
	return schema
}

// handleDebugSpans lists recently captured lifecycle spans, newest first.
func (s *HTTPServer) handleDebugSpans(w http.ResponseWriter, r *http.Request) {
	spans := s.observability.Debug().Spans(r.URL.Query().Get("agent"))
	writeJSON(w, http.StatusOK, map[string]any{
		"spans": spans,
		"count": len(spans),
	})
}

// corsMiddleware adds permissive CORS headers.
func (s *HTTPServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+OwnerHeader)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs requests without wrapping the ResponseWriter.
func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"owner", r.Header.Get(OwnerHeader),
			"duration", time.Since(start),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
