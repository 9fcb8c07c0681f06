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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/warder/pkg/agentserver"
	"github.com/kadirpekel/warder/pkg/config"
	"github.com/kadirpekel/warder/pkg/orchestrator"
	"github.com/kadirpekel/warder/pkg/rag"
	"github.com/kadirpekel/warder/pkg/runtime"
	"github.com/kadirpekel/warder/pkg/store"
	"github.com/kadirpekel/warder/pkg/testutils"
)

const testOwner = "alice"

type testEnv struct {
	srv *Server
	sub *testutils.FakeSubstrate
	api *httptest.Server
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()
	cfg := testutils.TestConfig()
	cfg.Database = config.DatabaseConfig{Driver: "sqlite", Database: filepath.Join(t.TempDir(), "warder.db")}
	cfg.Database.SetDefaults()
	cfg.Store.Backend = config.StoreSQL
	cfg.Server.UploadDir = t.TempDir()
	cfg.Runtime.PortRangeStart = 19800
	cfg.Runtime.PortRangeEnd = 19849
	cfg.Observability.Metrics.Enabled = true
	for _, fn := range mutate {
		fn(cfg)
	}

	env := &testEnv{sub: testutils.NewFakeSubstrate()}
	srv, err := New(Options{Config: cfg, Substrate: env.sub})
	require.NoError(t, err)
	env.srv = srv

	// runtimes answer from the control plane's own store and embedder
	env.sub.Handler = func(spec runtime.UnitSpec) http.Handler {
		return agentserver.New(agentserver.Config{AgentID: spec.Env[agentserver.EnvAgentID]}, srv.store, srv.embedder).Handler()
	}

	require.NoError(t, srv.initialize(context.Background()))
	env.api = httptest.NewServer(srv.http.Handler())
	t.Cleanup(func() {
		env.api.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.cleanup(ctx)
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path, owner string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.api.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if owner != "" {
		req.Header.Set(OwnerHeader, owner)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (e *testEnv) upload(t *testing.T, owner, filename, content string) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = io.WriteString(fw, content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, e.api.URL+"/v1/documents", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(OwnerHeader, owner)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestAgentLifecycle(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.upload(t, testOwner, "faq.md",
		"# Returns\n\nItems can be returned within fourteen days.\n\n# Delivery\n\nParcels ship every weekday morning.")
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	doc := decode[store.Document](t, body)
	assert.Equal(t, store.DocumentPending, doc.Status)
	assert.Equal(t, rag.MimeMarkdown, doc.MimeType)

	resp, body = env.do(t, http.MethodPost, "/v1/agents", testOwner, map[string]any{
		"name":         "faq-bot",
		"container":    map[string]any{"memory_limit": "128m"},
		"document_ids": []string{doc.ID},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	agent := decode[store.Agent](t, body)
	require.Equal(t, store.AgentActive, agent.Status, agent.StatusDetail)
	assert.Equal(t, testOwner, agent.OwnerID)
	assert.Equal(t, store.AgentRAG, agent.Type)

	resp, body = env.do(t, http.MethodPost, "/v1/agents/"+agent.ID+"/query", testOwner,
		map[string]any{"text": "how long can items be returned"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	reply := decode[runtime.Reply](t, body)
	assert.Contains(t, reply.Response, "fourteen days")
	require.NotEmpty(t, reply.Citations)
	assert.Equal(t, doc.ID, reply.Citations[0].DocumentID)

	resp, body = env.do(t, http.MethodPost, "/v1/agents/"+agent.ID+"/chat", testOwner,
		map[string]any{"message": "when do parcels ship"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = env.do(t, http.MethodGet, "/v1/agents/"+agent.ID+"/status", testOwner, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decode[orchestrator.AgentStatus](t, body)
	assert.True(t, status.Loaded)
	assert.Equal(t, runtime.HealthHealthy, status.Health)

	resp, body = env.do(t, http.MethodGet, "/v1/agents/"+agent.ID+"/logs?tail=1", testOwner, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), decode[map[string]any](t, body)["count"])

	resp, _ = env.do(t, http.MethodGet, "/v1/agents/"+agent.ID+"/logs?tail=-3", testOwner, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/v1/agents/"+agent.ID+"/stats", testOwner, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = env.do(t, http.MethodGet, "/v1/agents", testOwner, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), decode[map[string]any](t, body)["count"])

	resp, body = env.do(t, http.MethodPost, "/v1/agents/"+agent.ID+"/stop", testOwner, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, store.AgentStopped, decode[store.Agent](t, body).Status)

	resp, _ = env.do(t, http.MethodPost, "/v1/agents/"+agent.ID+"/query", testOwner, map[string]any{"text": "returns"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = env.do(t, http.MethodPost, "/v1/agents/"+agent.ID+"/start", testOwner, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, store.AgentActive, decode[store.Agent](t, body).Status)

	resp, _ = env.do(t, http.MethodDelete, "/v1/agents/"+agent.ID, testOwner, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, env.sub.Units())

	resp, _ = env.do(t, http.MethodGet, "/v1/agents/"+agent.ID, testOwner, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = env.do(t, http.MethodGet, "/v1/documents/"+doc.ID, testOwner, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, store.DocumentCompleted, decode[store.Document](t, body).Status)
}

func TestDocumentRoutes(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.upload(t, testOwner, "notes.txt", "Meetings start at ten.\n\nLunch is at noon.")
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	doc := decode[store.Document](t, body)

	resp, body = env.do(t, http.MethodPost, "/v1/agents", testOwner, map[string]any{"name": "notes"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	agent := decode[store.Agent](t, body)

	resp, body = env.do(t, http.MethodPost, "/v1/agents/"+agent.ID+"/documents/"+doc.ID, testOwner, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, store.DocumentCompleted, decode[store.Document](t, body).Status)

	resp, body = env.do(t, http.MethodPost, "/v1/documents/"+doc.ID+"/ingest", testOwner, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = env.do(t, http.MethodGet, "/v1/documents", testOwner, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), decode[map[string]any](t, body)["count"])

	resp, body = env.do(t, http.MethodPut, "/v1/documents/"+doc.ID, testOwner, map[string]any{
		"filename": "schedule.txt",
		"metadata": map[string]string{"team": "ops", "source": "wiki"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	updated := decode[store.Document](t, body)
	assert.Equal(t, "schedule.txt", updated.Filename)
	assert.Equal(t, map[string]string{"team": "ops", "source": "wiki"}, updated.Metadata)
	assert.Equal(t, store.DocumentCompleted, updated.Status, "metadata updates keep the ingestion state")

	resp, body = env.do(t, http.MethodPut, "/v1/documents/"+doc.ID, testOwner, map[string]any{
		"metadata": map[string]string{"source": ""},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, map[string]string{"team": "ops"}, decode[store.Document](t, body).Metadata)

	resp, _ = env.do(t, http.MethodPut, "/v1/documents/"+doc.ID, "mallory", map[string]any{"filename": "stolen.txt"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPut, "/v1/documents/"+doc.ID, testOwner, map[string]any{"status": "completed"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodDelete, "/v1/agents/"+agent.ID+"/documents/"+doc.ID, testOwner, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = env.do(t, http.MethodDelete, "/v1/documents/"+doc.ID, testOwner, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/v1/documents/"+doc.ID, testOwner, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestErrorMapping(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.upload(t, testOwner, "photo.png", "\x89PNG\r\n\x1a\n\x00\x00\x00")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))

	resp, body = env.upload(t, testOwner, "doc.txt", "private text")
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	doc := decode[store.Document](t, body)

	resp, _ = env.do(t, http.MethodGet, "/v1/documents/"+doc.ID, "mallory", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/v1/agents", testOwner, map[string]any{"name": "x", "bogus": true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/v1/agents", testOwner, map[string]any{
		"name": "x", "container": map[string]any{"privileged": true},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/v1/agents", "", map[string]any{"name": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "owner is required")

	resp, _ = env.do(t, http.MethodPost, "/v1/agents", testOwner, map[string]any{"name": "x", "type": "oracle"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/v1/agents", testOwner, map[string]any{
		"name": "x", "type": "chat", "document_ids": []string{doc.ID},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "chat agents take no documents")

	resp, _ = env.do(t, http.MethodGet, "/v1/agents/missing", testOwner, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPut, "/v1/agents", testOwner, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("agent x: %w", orchestrator.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: name", orchestrator.ErrInvalidRequest), http.StatusBadRequest},
		{rag.ErrUnsupportedFormat, http.StatusBadRequest},
		{fmt.Errorf("%w: agent is stopped", orchestrator.ErrStatusConflict), http.StatusConflict},
		{fmt.Errorf("%w: agent x: %w", orchestrator.ErrRuntimeUnavailable, runtime.ErrProvisionTimeout), http.StatusServiceUnavailable},
		{fmt.Errorf("read: %w", store.ErrStoreUnavailable), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodGet, "/v1/agents/missing", testOwner, nil)

	resp, body := env.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "warder_http_request_duration_seconds")
	assert.Contains(t, string(body), `route="/v1/agents/{id}`)
}

func TestSchemaEndpoint(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, http.MethodGet, "/api/schema", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	schema := decode[map[string]any](t, body)
	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "runtime")
	assert.Contains(t, props, "container")
}

func TestUploadTooLarge(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Server.MaxUploadBytes = 16 })
	resp, _ := env.upload(t, testOwner, "big.txt", strings.Repeat("word ", 10))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestReloadUpdatesIdleWindow(t *testing.T) {
	env := newTestEnv(t)
	next := *env.srv.config
	next.Cache.IdleWindow = 3 * time.Minute
	next.Logger.Level = "debug"

	env.srv.applyReload(&next)
	assert.Equal(t, 3*time.Minute, env.srv.cache.IdleWindow())
	assert.Equal(t, "debug", env.srv.config.Logger.Level)
}
