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
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/warder/pkg/orchestrator"
	"github.com/kadirpekel/warder/pkg/runtime"
)

const (
	defaultLogTail = 100
	maxJSONBody    = 1 << 20
)

type createAgentBody struct {
	Owner       string         `json:"owner,omitempty"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Container   map[string]any `json:"container,omitempty"`
	DocumentIDs []string       `json:"document_ids,omitempty"`
	Type        string         `json:"type,omitempty"`
}

type updateAgentBody struct {
	Name        *string        `json:"name,omitempty"`
	Description *string        `json:"description,omitempty"`
	Container   map[string]any `json:"container,omitempty"`
}

// owner returns the caller identity; fallback is used when the header is
// absent (a body field or the owner query parameter).
func owner(r *http.Request, fallback string) string {
	if o := r.Header.Get(OwnerHeader); o != "" {
		return o
	}
	return fallback
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", orchestrator.ErrInvalidRequest, err)
	}
	return nil
}

func (s *HTTPServer) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var body createAgentBody
	if err := decodeJSON(w, r, &body); err != nil {
		fail(w, r, err)
		return
	}
	a, err := s.orch.CreateAgent(r.Context(), orchestrator.CreateAgentRequest{
		OwnerID:     owner(r, body.Owner),
		Name:        body.Name,
		Description: body.Description,
		Container:   body.Container,
		DocumentIDs: body.DocumentIDs,
		Type:        body.Type,
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *HTTPServer) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.orch.ListAgents(r.Context(), owner(r, r.URL.Query().Get("owner")))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents, "count": len(agents)})
}

func (s *HTTPServer) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.orch.GetAgent(r.Context(), owner(r, ""), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *HTTPServer) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	var body updateAgentBody
	if err := decodeJSON(w, r, &body); err != nil {
		fail(w, r, err)
		return
	}
	a, err := s.orch.UpdateAgent(r.Context(), owner(r, ""), chi.URLParam(r, "id"), orchestrator.UpdateAgentRequest{
		Name:        body.Name,
		Description: body.Description,
		Container:   body.Container,
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *HTTPServer) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.DeleteAgent(r.Context(), owner(r, ""), chi.URLParam(r, "id")); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleStartAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.orch.StartAgent(r.Context(), owner(r, ""), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *HTTPServer) handleStopAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.orch.StopAgent(r.Context(), owner(r, ""), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *HTTPServer) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.orch.Status(r.Context(), owner(r, ""), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *HTTPServer) handleAgentLogs(w http.ResponseWriter, r *http.Request) {
	tail := defaultLogTail
	if v := r.URL.Query().Get("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "tail must be a non-negative integer")
			return
		}
		tail = n
	}
	lines, err := s.orch.Logs(r.Context(), owner(r, ""), chi.URLParam(r, "id"), tail)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": lines, "count": len(lines)})
}

func (s *HTTPServer) handleAgentStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.orch.Stats(r.Context(), owner(r, ""), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *HTTPServer) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req runtime.QueryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	reply, err := s.orch.Query(r.Context(), owner(r, ""), chi.URLParam(r, "id"), req)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *HTTPServer) handleChat(w http.ResponseWriter, r *http.Request) {
	var req runtime.ChatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	reply, err := s.orch.Chat(r.Context(), owner(r, ""), chi.URLParam(r, "id"), req)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *HTTPServer) handleAttachDocument(w http.ResponseWriter, r *http.Request) {
	d, err := s.orch.AttachDocument(r.Context(), owner(r, ""), chi.URLParam(r, "id"), chi.URLParam(r, "docID"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *HTTPServer) handleDetachDocument(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.DetachDocument(r.Context(), owner(r, ""), chi.URLParam(r, "id"), chi.URLParam(r, "docID")); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
