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

// Package agentserver is the HTTP surface of one agent runtime. It answers
// questions from the agent's knowledge scope: the text is embedded,
// the closest chunks of the agent's documents are retrieved and an
// extractive answer citing them is returned.
package agentserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/warder/pkg/embedder"
	"github.com/kadirpekel/warder/pkg/runtime"
	"github.com/kadirpekel/warder/pkg/store"
)

// Config identifies the agent served by a runtime.
type Config struct {
	AgentID   string
	AgentName string
	AgentType string

	// TopK is the number of chunks retrieved per question.
	TopK int

	// StoreBackend is reported by /info.
	StoreBackend string
	Version      string

	// Env is reported by /info after secrets are dropped.
	Env map[string]string
}

// Server answers /query and /chat for one agent.
type Server struct {
	cfg      Config
	store    store.Store
	embedder embedder.Embedder
	router   chi.Router
}

func New(cfg Config, st store.Store, emb embedder.Embedder) *Server {
	if cfg.TopK <= 0 {
		cfg.TopK = 4
	}
	if cfg.AgentType == "" {
		cfg.AgentType = string(store.AgentRAG)
	}
	s := &Server{cfg: cfg, store: st, embedder: emb}

	r := chi.NewRouter()
	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Get("/info", s.handleInfo)
	r.Post("/query", s.handleQuery)
	r.Post("/chat", s.handleChat)
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Serve listens on addr until ctx is done, then drains in-flight requests
// for at most grace.
func (s *Server) Serve(ctx context.Context, addr string, grace time.Duration) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Agent runtime listening", "agent", s.cfg.AgentID, "address", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	slog.Info("Agent runtime shutting down", "agent", s.cfg.AgentID)
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"message":  "Warder agent is running",
		"agent_id": s.cfg.AgentID,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, runtime.Info{
		AgentID:   s.cfg.AgentID,
		AgentName: s.cfg.AgentName,
		AgentType: s.cfg.AgentType,
		Model:     s.embedder.Model(),
		Store:     s.cfg.StoreBackend,
		Version:   s.cfg.Version,
		Env:       PublicEnv(s.cfg.Env),
	})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req runtime.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.reply(w, r, req.Text, req.TopK)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req runtime.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Role != "" && req.Role != "user" {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported role %q", req.Role))
		return
	}
	s.reply(w, r, req.Message, 0)
}

func (s *Server) reply(w http.ResponseWriter, r *http.Request, text string, topK int) {
	text = strings.TrimSpace(text)
	if text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if topK <= 0 {
		topK = s.cfg.TopK
	}

	reply, err := s.Answer(r.Context(), text, topK)
	if err != nil {
		slog.Error("Failed to answer", "agent", s.cfg.AgentID, "error", err)
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrStoreUnavailable) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// Answer retrieves the topK chunks closest to text and composes an
// extractive reply from them.
func (s *Server) Answer(ctx context.Context, text string, topK int) (*runtime.Reply, error) {
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed question: %w", err)
	}
	results, err := s.store.Retrieve(ctx, s.cfg.AgentID, vec, topK)
	if err != nil {
		return nil, err
	}

	reply := &runtime.Reply{
		Response:  compose(text, results),
		Citations: make([]runtime.Citation, 0, len(results)),
	}
	for _, res := range results {
		reply.Citations = append(reply.Citations, runtime.Citation{
			DocumentID: res.DocumentID,
			ChunkIndex: res.Index,
			Section:    res.Section,
			Score:      res.Score,
		})
	}
	return reply, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
