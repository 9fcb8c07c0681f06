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

package agentserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/warder/pkg/config"
	"github.com/kadirpekel/warder/pkg/embedder"
	"github.com/kadirpekel/warder/pkg/rag"
	"github.com/kadirpekel/warder/pkg/runtime"
	"github.com/kadirpekel/warder/pkg/store"
)

func seed(t *testing.T, st store.Store, emb embedder.Embedder, agentID, docID string, contents ...string) {
	t.Helper()
	ctx := context.Background()
	chunks := make([]rag.Chunk, len(contents))
	for i, c := range contents {
		vec, err := emb.Embed(ctx, c)
		require.NoError(t, err)
		chunks[i] = rag.Chunk{Index: i, Content: c, Strategy: rag.StrategyParagraph, Embedding: vec}
	}
	require.NoError(t, st.Persist(ctx, docID, chunks))
	require.NoError(t, st.Associate(ctx, agentID, docID))
}

func newTestServer(t *testing.T) (*Server, store.Store, embedder.Embedder) {
	t.Helper()
	st, err := store.NewChromemStore(store.ChromemConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	emb := embedder.NewHashEmbedder(64)
	srv := New(Config{
		AgentID:      "agent-1",
		StoreBackend: "chromem",
		Env:          map[string]string{EnvStoreDSN: "secret", "WARDER_AGENT_ID": "agent-1"},
	}, st, emb)
	return srv, st, emb
}

func post(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data)))
	return rec
}

func TestQuery_AnswersWithCitations(t *testing.T) {
	srv, st, emb := newTestServer(t)
	seed(t, st, emb, "agent-1", "doc-a",
		"Refunds are issued within thirty days of purchase. Shipping is free.",
		"Our office is closed on public holidays.",
	)
	seed(t, st, emb, "agent-2", "doc-b", "Refunds for agent two are never issued.")

	rec := post(t, srv.Handler(), "/query", runtime.QueryRequest{Text: "when are refunds issued", TopK: 2})
	require.Equal(t, http.StatusOK, rec.Code)

	var reply runtime.Reply
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&reply))
	assert.Contains(t, reply.Response, "Refunds are issued within thirty days of purchase.")
	assert.NotContains(t, reply.Response, "never")
	require.NotEmpty(t, reply.Citations)
	assert.Equal(t, "doc-a", reply.Citations[0].DocumentID)
	assert.Equal(t, 0, reply.Citations[0].ChunkIndex)
	for _, c := range reply.Citations {
		assert.Equal(t, "doc-a", c.DocumentID)
	}
}

func TestChat_NoKnowledge(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := post(t, srv.Handler(), "/chat", runtime.ChatRequest{Message: "hello there"})
	require.Equal(t, http.StatusOK, rec.Code)

	var reply runtime.Reply
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&reply))
	assert.Equal(t, noAnswer, reply.Response)
	assert.Empty(t, reply.Citations)
}

func TestQuery_RejectsBadInput(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := post(t, srv.Handler(), "/query", runtime.QueryRequest{Text: "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(t, srv.Handler(), "/chat", runtime.ChatRequest{Message: "hi", Role: "system"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/query", bytes.NewBufferString("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndInfo(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/info", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var info runtime.Info
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&info))
	assert.Equal(t, "agent-1", info.AgentID)
	assert.Equal(t, "rag", info.AgentType)
	assert.Equal(t, "hash", info.Model)
	assert.Equal(t, "chromem", info.Store)
	assert.Equal(t, "agent-1", info.Env["WARDER_AGENT_ID"])
	assert.NotContains(t, info.Env, EnvStoreDSN)
}

func TestCompose(t *testing.T) {
	results := []store.ScoredChunk{
		{DocumentID: "d", Index: 0, Content: "Cats purr. Dogs bark loudly.\nBirds sing."},
		{DocumentID: "d", Index: 1, Content: "Dogs also bark at night."},
	}
	assert.Equal(t, "Dogs bark loudly. Dogs also bark at night.", compose("why do dogs bark", results))
	assert.Equal(t, "Cats purr. Dogs bark loudly.\nBirds sing.", compose("zebra", results))
	assert.Equal(t, noAnswer, compose("dogs", nil))
}

func TestEnv(t *testing.T) {
	env := Env(store.Connection{Driver: "sqlite3", DSN: "/data/w.db"}, config.EmbedderConfig{
		Provider: config.EmbedderOpenAI, Model: "m", APIKey: "sk", Dimension: 8,
	})
	assert.Equal(t, "sqlite3", env[EnvStoreDriver])
	assert.Equal(t, "8", env[EnvEmbedderDimension])
	assert.Equal(t, "sk", env[EnvEmbedderAPIKey])
	assert.NotContains(t, env, EnvStoreCompress)

	public := PublicEnv(env)
	assert.NotContains(t, public, EnvEmbedderAPIKey)
	assert.NotContains(t, public, EnvStoreDSN)
	assert.Equal(t, "m", public[EnvEmbedderModel])
}
