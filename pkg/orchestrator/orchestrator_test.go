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

package orchestrator_test

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/warder/pkg/agentserver"
	"github.com/kadirpekel/warder/pkg/cache"
	"github.com/kadirpekel/warder/pkg/config"
	"github.com/kadirpekel/warder/pkg/embedder"
	"github.com/kadirpekel/warder/pkg/orchestrator"
	"github.com/kadirpekel/warder/pkg/rag"
	"github.com/kadirpekel/warder/pkg/runtime"
	"github.com/kadirpekel/warder/pkg/store"
	"github.com/kadirpekel/warder/pkg/testutils"
)

const (
	owner = "owner-1"

	policyText = "Refund policy\n\nRefunds are issued within thirty days of purchase.\n\n" +
		"Shipping is free for orders over fifty dollars.\n\nSupport answers email within one business day."
	handbookText = "Office handbook\n\nThe office opens at nine in the morning.\n\n" +
		"Visitors must sign in at the front desk."
)

// poisonEmbedder fails on any text mentioning POISON.
type poisonEmbedder struct {
	embedder.Embedder
}

func (p poisonEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.Contains(text, "POISON") {
		return nil, errors.New("provider rejected input")
	}
	return p.Embedder.Embed(ctx, text)
}

func (p poisonEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := p.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

type harness struct {
	orch  *orchestrator.Orchestrator
	sub   *testutils.FakeSubstrate
	cache *cache.Cache
	meta  *store.MemoryMetadata
	store store.Store
	emb   embedder.Embedder

	blockQueries  atomic.Bool
	brokenQueries atomic.Bool
	entered       chan struct{}
	release       chan struct{}
}

func newHarness(t *testing.T, opts ...orchestrator.Option) *harness {
	t.Helper()
	cfg := testutils.TestConfig()
	cfg.Runtime.PortRangeStart = 19700
	cfg.Runtime.PortRangeEnd = 19799

	h := &harness{
		sub:     testutils.NewFakeSubstrate(),
		meta:    store.NewMemoryMetadata(),
		emb:     poisonEmbedder{embedder.NewHashEmbedder(cfg.Embedder.Dimension)},
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	st, err := store.NewChromemStore(store.ChromemConfig{})
	require.NoError(t, err)
	h.store = st

	tok, err := rag.NewTokenizer(rag.TokenizerWords, "")
	require.NoError(t, err)
	pipeline, err := rag.NewPipeline(rag.PipelineConfig{
		Chunker: rag.ChunkerConfig{Window: cfg.RAG.Window, Overlap: cfg.RAG.Overlap},
	}, tok, h.emb)
	require.NoError(t, err)

	h.sub.Handler = func(spec runtime.UnitSpec) http.Handler {
		inner := agentserver.New(agentserver.Config{AgentID: spec.Env[agentserver.EnvAgentID]}, h.store, h.emb).Handler()
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/query" {
				if h.brokenQueries.Load() {
					http.Error(w, "runtime crashed", http.StatusInternalServerError)
					return
				}
				if h.blockQueries.Load() {
					h.entered <- struct{}{}
					<-h.release
				}
			}
			inner.ServeHTTP(w, r)
		})
	}

	ctrl := runtime.NewController(cfg.Runtime, h.sub,
		runtime.WithHealthChecker(runtime.HTTPHealthChecker(time.Second)))
	h.cache = cache.New(cfg.Cache, ctrl, orchestrator.ProvisionSpecs(h.meta, cfg.Container))

	blobs, err := store.NewFileBlobs(t.TempDir())
	require.NoError(t, err)

	h.orch, err = orchestrator.New(orchestrator.Deps{
		Metadata:  h.meta,
		Store:     h.store,
		Pipeline:  pipeline,
		Runtimes:  h.cache,
		Inspector: ctrl,
		Client:    runtime.NewClient(5 * time.Second),
		Blobs:     blobs,
	}, append([]orchestrator.Option{orchestrator.WithContainerDefaults(cfg.Container)}, opts...)...)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.cache.Close(ctx)
		_ = ctrl.Shutdown(ctx)
		_ = st.Close()
	})
	return h
}

func (h *harness) upload(t *testing.T, name, text string) *store.Document {
	t.Helper()
	d, err := h.orch.UploadDocument(context.Background(), orchestrator.UploadRequest{
		OwnerID:  owner,
		Filename: name,
		MimeType: "text/plain",
		Data:     []byte(text),
	})
	require.NoError(t, err)
	return d
}

func (h *harness) create(t *testing.T, name string, docs ...*store.Document) *store.Agent {
	t.Helper()
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	a, err := h.orch.CreateAgent(testutils.TestContext(t, 10*time.Second), orchestrator.CreateAgentRequest{
		OwnerID:     owner,
		Name:        name,
		DocumentIDs: ids,
	})
	require.NoError(t, err)
	return a
}

func TestCreateAgent_ActivatesAndAnswers(t *testing.T) {
	h := newHarness(t)
	ctx := testutils.TestContext(t, 10*time.Second)
	doc := h.upload(t, "policy.txt", policyText)

	a := h.create(t, "support", doc)
	assert.Equal(t, store.AgentActive, a.Status, a.StatusDetail)
	assert.Equal(t, orchestrator.StageProvisioned, a.StatusDetail)
	assert.NotEmpty(t, a.RuntimeAddress)
	assert.True(t, strings.HasPrefix(a.Namespace, "agent_"))

	stored, err := h.orch.GetDocument(ctx, owner, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.DocumentCompleted, stored.Status)
	assert.Positive(t, stored.ChunkCount)
	assert.NotEmpty(t, stored.Strategy)

	reply, err := h.orch.Query(ctx, owner, a.ID, runtime.QueryRequest{Text: "when are refunds issued"})
	require.NoError(t, err)
	assert.Contains(t, reply.Response, "Refunds are issued within thirty days")
	require.NotEmpty(t, reply.Citations)
	assert.Equal(t, doc.ID, reply.Citations[0].DocumentID)

	reply, err = h.orch.Chat(ctx, owner, a.ID, runtime.ChatRequest{Message: "is shipping free"})
	require.NoError(t, err)
	assert.Contains(t, reply.Response, "Shipping is free")

	st, err := h.orch.Status(ctx, owner, a.ID)
	require.NoError(t, err)
	assert.True(t, st.Loaded)
	assert.Equal(t, runtime.HealthHealthy, st.Health)
	assert.Equal(t, a.RuntimeAddress, st.Address)

	lines, err := h.orch.Logs(ctx, owner, a.ID, 1)
	require.NoError(t, err)
	assert.Len(t, lines, 1)

	stats, err := h.orch.Stats(ctx, owner, a.ID)
	require.NoError(t, err)
	assert.NotNil(t, stats)
}

func TestCreateAgent_FailedEmbeddingKeepsOtherDocument(t *testing.T) {
	h := newHarness(t)
	ctx := testutils.TestContext(t, 10*time.Second)
	good := h.upload(t, "policy.txt", policyText)
	bad := h.upload(t, "broken.txt", "POISON everywhere in this file")

	a := h.create(t, "support", good, bad)
	assert.Equal(t, store.AgentError, a.Status)
	assert.Contains(t, a.StatusDetail, orchestrator.StageIngesting)
	assert.Contains(t, a.StatusDetail, bad.ID)
	assert.Empty(t, a.RuntimeAddress)
	assert.Zero(t, h.sub.Calls("create"), "no runtime for a failed agent")

	badDoc, err := h.orch.GetDocument(ctx, owner, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, store.DocumentError, badDoc.Status)
	assert.Contains(t, badDoc.Error, "embed")

	goodDoc, err := h.orch.GetDocument(ctx, owner, good.ID)
	require.NoError(t, err)
	assert.Equal(t, store.DocumentCompleted, goodDoc.Status)

	vec, err := h.emb.Embed(ctx, "refunds issued")
	require.NoError(t, err)
	results, err := h.store.Retrieve(ctx, a.ID, vec, 10)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	for _, r := range results {
		assert.Equal(t, good.ID, r.DocumentID)
	}

	_, err = h.orch.Query(ctx, owner, a.ID, runtime.QueryRequest{Text: "refunds"})
	assert.ErrorIs(t, err, orchestrator.ErrStatusConflict)
}

func TestCreateAgent_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc := h.upload(t, "policy.txt", policyText)

	cases := []struct {
		name string
		req  orchestrator.CreateAgentRequest
	}{
		{"missing owner", orchestrator.CreateAgentRequest{Name: "x"}},
		{"blank name", orchestrator.CreateAgentRequest{OwnerID: owner, Name: "  "}},
		{"long name", orchestrator.CreateAgentRequest{OwnerID: owner, Name: strings.Repeat("n", 129)}},
		{"unknown container key", orchestrator.CreateAgentRequest{OwnerID: owner, Name: "x", Container: map[string]any{"gpu": true}}},
		{"bad memory", orchestrator.CreateAgentRequest{OwnerID: owner, Name: "x", Container: map[string]any{"memory_limit": "1k"}}},
		{"unknown document", orchestrator.CreateAgentRequest{OwnerID: owner, Name: "x", DocumentIDs: []string{"nope"}}},
		{"foreign document", orchestrator.CreateAgentRequest{OwnerID: "owner-2", Name: "x", DocumentIDs: []string{doc.ID}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.orch.CreateAgent(ctx, tc.req)
			assert.ErrorIs(t, err, orchestrator.ErrInvalidRequest)
		})
	}

	h.create(t, "taken")
	_, err := h.orch.CreateAgent(ctx, orchestrator.CreateAgentRequest{OwnerID: owner, Name: "taken"})
	assert.ErrorIs(t, err, orchestrator.ErrInvalidRequest)

	_, err = h.orch.CreateAgent(ctx, orchestrator.CreateAgentRequest{OwnerID: "owner-2", Name: "taken"})
	assert.NoError(t, err, "names are unique per owner only")
}

func TestCreateAgent_Types(t *testing.T) {
	h := newHarness(t)
	ctx := testutils.TestContext(t, 10*time.Second)
	doc := h.upload(t, "policy.txt", policyText)

	rag := h.create(t, "retriever", doc)
	assert.Equal(t, store.AgentRAG, rag.Type, "agents default to rag")

	chat, err := h.orch.CreateAgent(ctx, orchestrator.CreateAgentRequest{OwnerID: owner, Name: "talker", Type: "chat"})
	require.NoError(t, err)
	require.Equal(t, store.AgentActive, chat.Status, chat.StatusDetail)
	assert.Equal(t, store.AgentChat, chat.Type)

	envs := map[string]string{}
	for _, u := range h.sub.Units() {
		envs[u.Spec.Env[agentserver.EnvAgentID]] = u.Spec.Env[orchestrator.EnvAgentType]
	}
	assert.Equal(t, "rag", envs[rag.ID])
	assert.Equal(t, "chat", envs[chat.ID])

	_, err = h.orch.CreateAgent(ctx, orchestrator.CreateAgentRequest{OwnerID: owner, Name: "x", Type: "oracle"})
	assert.ErrorIs(t, err, orchestrator.ErrInvalidRequest)

	_, err = h.orch.CreateAgent(ctx, orchestrator.CreateAgentRequest{
		OwnerID: owner, Name: "x", Type: "function", DocumentIDs: []string{doc.ID},
	})
	assert.ErrorIs(t, err, orchestrator.ErrInvalidRequest)

	_, err = h.orch.AttachDocument(ctx, owner, chat.ID, doc.ID)
	assert.ErrorIs(t, err, orchestrator.ErrInvalidRequest)
	docs, err := h.store.Documents(ctx, chat.ID)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestUpdateDocument(t *testing.T) {
	h := newHarness(t)
	ctx := testutils.TestContext(t, 10*time.Second)
	doc := h.upload(t, "policy.txt", policyText)

	name := "  handbook.txt "
	got, err := h.orch.UpdateDocument(ctx, owner, doc.ID, orchestrator.UpdateDocumentRequest{
		Filename: &name,
		Metadata: map[string]string{"team": "support", "lang": "en"},
	})
	require.NoError(t, err)
	assert.Equal(t, "handbook.txt", got.Filename)
	assert.Equal(t, store.DocumentCompleted, got.Status)

	got, err = h.orch.UpdateDocument(ctx, owner, doc.ID, orchestrator.UpdateDocumentRequest{
		Metadata: map[string]string{"lang": "", "tier": "gold"},
	})
	require.NoError(t, err)
	assert.Equal(t, "handbook.txt", got.Filename, "nil filename keeps the current one")
	assert.Equal(t, map[string]string{"team": "support", "tier": "gold"}, got.Metadata)

	stored, err := h.orch.GetDocument(ctx, owner, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, got.Metadata, stored.Metadata)

	blank := " "
	_, err = h.orch.UpdateDocument(ctx, owner, doc.ID, orchestrator.UpdateDocumentRequest{Filename: &blank})
	assert.ErrorIs(t, err, orchestrator.ErrInvalidRequest)

	_, err = h.orch.UpdateDocument(ctx, owner, doc.ID, orchestrator.UpdateDocumentRequest{Metadata: map[string]string{" ": "x"}})
	assert.ErrorIs(t, err, orchestrator.ErrInvalidRequest)

	_, err = h.orch.UpdateDocument(ctx, "owner-2", doc.ID, orchestrator.UpdateDocumentRequest{Filename: &name})
	assert.ErrorIs(t, err, orchestrator.ErrNotFound)
}

func TestCreateAgent_ContainerOptions(t *testing.T) {
	h := newHarness(t)
	a, err := h.orch.CreateAgent(testutils.TestContext(t, 10*time.Second), orchestrator.CreateAgentRequest{
		OwnerID:   owner,
		Name:      "sized",
		Container: map[string]any{"memory_limit": "256m", "cpu_limit": 0.25, "env": map[string]any{"MODE": "strict"}},
	})
	require.NoError(t, err)
	require.Equal(t, store.AgentActive, a.Status, a.StatusDetail)
	assert.Equal(t, config.ByteSize(256<<20), a.Container.MemoryLimit)

	units := h.sub.Units()
	require.Len(t, units, 1)
	spec := units[0].Spec
	assert.Equal(t, int64(256<<20), spec.MemoryLimit)
	assert.Equal(t, 0.25, spec.CPULimit)
	assert.Equal(t, "strict", spec.Env["MODE"])
	assert.Equal(t, a.Namespace, spec.Env[orchestrator.EnvNamespace])
	assert.Equal(t, a.ID, spec.Env[agentserver.EnvAgentID])
}

func TestStopDuringInFlightQuery(t *testing.T) {
	h := newHarness(t)
	ctx := testutils.TestContext(t, 15*time.Second)
	a := h.create(t, "support", h.upload(t, "policy.txt", policyText))
	require.Equal(t, store.AgentActive, a.Status, a.StatusDetail)

	before, ok := h.cache.Peek(a.ID)
	require.True(t, ok)

	type result struct {
		reply *runtime.Reply
		err   error
	}
	queryDone := make(chan result, 1)
	h.blockQueries.Store(true)
	go func() {
		reply, err := h.orch.Query(ctx, owner, a.ID, runtime.QueryRequest{Text: "when are refunds issued"})
		queryDone <- result{reply, err}
	}()

	select {
	case <-h.entered:
	case <-ctx.Done():
		t.Fatal("query never reached the runtime")
	}
	h.blockQueries.Store(false)

	stopDone := make(chan error, 1)
	go func() {
		_, err := h.orch.StopAgent(ctx, owner, a.ID)
		stopDone <- err
	}()
	require.True(t, testutils.Eventually(t, 5*time.Second, func() bool { return h.sub.Calls("stop") > 0 }))
	close(h.release)

	res := <-queryDone
	require.NoError(t, res.err, "in-flight query completes")
	assert.NotEmpty(t, res.reply.Citations)
	require.NoError(t, <-stopDone)

	stopped, err := h.orch.GetAgent(ctx, owner, a.ID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentStopped, stopped.Status)
	assert.Empty(t, h.sub.Units())

	_, err = h.orch.Query(ctx, owner, a.ID, runtime.QueryRequest{Text: "refunds"})
	assert.ErrorIs(t, err, orchestrator.ErrStatusConflict)

	started, err := h.orch.StartAgent(ctx, owner, a.ID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentActive, started.Status, started.StatusDetail)

	after, ok := h.cache.Peek(a.ID)
	require.True(t, ok)
	assert.NotEqual(t, before.UnitID, after.UnitID)

	reply, err := h.orch.Query(ctx, owner, a.ID, runtime.QueryRequest{Text: "when are refunds issued"})
	require.NoError(t, err)
	assert.NotEmpty(t, reply.Citations)
}

func TestQuery_UnloadedRuntimeIsProvisionedAgain(t *testing.T) {
	h := newHarness(t)
	ctx := testutils.TestContext(t, 10*time.Second)
	a := h.create(t, "support", h.upload(t, "policy.txt", policyText))

	require.NoError(t, h.cache.Evict(ctx, a.ID))
	assert.Empty(t, h.sub.Units())

	st, err := h.orch.Status(ctx, owner, a.ID)
	require.NoError(t, err)
	assert.False(t, st.Loaded)
	assert.Equal(t, runtime.HealthStopped, st.Health)

	_, err = h.orch.Query(ctx, owner, a.ID, runtime.QueryRequest{Text: "refunds"})
	require.NoError(t, err)
	assert.Equal(t, 2, h.sub.Calls("create"))
}

func TestQuery_RuntimeFailureIsUnavailable(t *testing.T) {
	h := newHarness(t)
	ctx := testutils.TestContext(t, 10*time.Second)
	a := h.create(t, "support", h.upload(t, "policy.txt", policyText))

	h.brokenQueries.Store(true)
	_, err := h.orch.Query(ctx, owner, a.ID, runtime.QueryRequest{Text: "refunds"})
	assert.ErrorIs(t, err, orchestrator.ErrRuntimeUnavailable)

	_, err = h.orch.Query(ctx, owner, a.ID, runtime.QueryRequest{Text: " "})
	assert.ErrorIs(t, err, orchestrator.ErrInvalidRequest)
}

func TestOwnership(t *testing.T) {
	h := newHarness(t)
	ctx := testutils.TestContext(t, 10*time.Second)
	doc := h.upload(t, "policy.txt", policyText)
	a := h.create(t, "support", doc)

	_, err := h.orch.GetAgent(ctx, "intruder", a.ID)
	assert.ErrorIs(t, err, orchestrator.ErrNotFound)
	_, err = h.orch.Query(ctx, "intruder", a.ID, runtime.QueryRequest{Text: "refunds"})
	assert.ErrorIs(t, err, orchestrator.ErrNotFound)
	_, err = h.orch.StopAgent(ctx, "intruder", a.ID)
	assert.ErrorIs(t, err, orchestrator.ErrNotFound)
	assert.ErrorIs(t, h.orch.DeleteAgent(ctx, "intruder", a.ID), orchestrator.ErrNotFound)
	_, err = h.orch.GetDocument(ctx, "intruder", doc.ID)
	assert.ErrorIs(t, err, orchestrator.ErrNotFound)

	agents, err := h.orch.ListAgents(ctx, "intruder")
	require.NoError(t, err)
	assert.Empty(t, agents)

	agents, err = h.orch.ListAgents(ctx, owner)
	require.NoError(t, err)
	assert.Len(t, agents, 1)

	_, err = h.orch.GetAgent(ctx, "", a.ID)
	assert.NoError(t, err, "empty owner bypasses the check")
}

func TestDeleteAgent_StopsRuntimeAndKeepsDocuments(t *testing.T) {
	h := newHarness(t)
	ctx := testutils.TestContext(t, 10*time.Second)
	doc := h.upload(t, "policy.txt", policyText)
	a := h.create(t, "support", doc)
	require.Len(t, h.sub.Units(), 1)

	require.NoError(t, h.orch.DeleteAgent(ctx, owner, a.ID))
	assert.Empty(t, h.sub.Units())

	_, err := h.orch.GetAgent(ctx, owner, a.ID)
	assert.ErrorIs(t, err, orchestrator.ErrNotFound)

	agents, err := h.store.Agents(ctx, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, agents)

	n, err := h.store.ChunkCount(ctx, doc.ID)
	require.NoError(t, err)
	assert.Positive(t, n)
}

func TestDeleteDocument_AgentsKeepOtherDocuments(t *testing.T) {
	h := newHarness(t, orchestrator.WithRestartOnAttach(true))
	ctx := testutils.TestContext(t, 10*time.Second)
	policy := h.upload(t, "policy.txt", policyText)
	handbook := h.upload(t, "handbook.txt", handbookText)
	a := h.create(t, "support", policy, handbook)
	require.Equal(t, store.AgentActive, a.Status, a.StatusDetail)

	require.NoError(t, h.orch.DeleteDocument(ctx, owner, policy.ID))
	assert.Empty(t, h.sub.Units(), "runtime unloaded after its documents changed")

	docs, err := h.store.Documents(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{handbook.ID}, docs)

	_, err = h.orch.GetDocument(ctx, owner, policy.ID)
	assert.ErrorIs(t, err, orchestrator.ErrNotFound)

	reply, err := h.orch.Query(ctx, owner, a.ID, runtime.QueryRequest{Text: "when does the office open"})
	require.NoError(t, err)
	for _, c := range reply.Citations {
		assert.Equal(t, handbook.ID, c.DocumentID)
	}
}

func TestDeleteDocument_ConcurrentAttachLeavesNoAssociation(t *testing.T) {
	h := newHarness(t, orchestrator.WithRestartOnAttach(true))
	ctx := testutils.TestContext(t, 20*time.Second)
	handbook := h.upload(t, "handbook.txt", handbookText)
	a := h.create(t, "support", handbook)
	require.Equal(t, store.AgentActive, a.Status, a.StatusDetail)

	for range 5 {
		doc := h.upload(t, "policy.txt", policyText)

		var wg sync.WaitGroup
		var attachErr, deleteErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, attachErr = h.orch.AttachDocument(ctx, owner, a.ID, doc.ID)
		}()
		go func() {
			defer wg.Done()
			deleteErr = h.orch.DeleteDocument(ctx, owner, doc.ID)
		}()

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			t.Fatal("attach and delete deadlocked")
		}

		require.NoError(t, deleteErr)
		if attachErr != nil {
			assert.ErrorIs(t, attachErr, orchestrator.ErrNotFound)
		}

		docs, err := h.store.Documents(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{handbook.ID}, docs, "deleted document must not stay attached")
	}
}

func TestAttachAndDetachDocument(t *testing.T) {
	h := newHarness(t)
	ctx := testutils.TestContext(t, 10*time.Second)
	a := h.create(t, "support")
	require.Equal(t, store.AgentActive, a.Status, a.StatusDetail)

	doc := h.upload(t, "handbook.txt", handbookText)
	attached, err := h.orch.AttachDocument(ctx, owner, a.ID, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.DocumentCompleted, attached.Status)

	reply, err := h.orch.Query(ctx, owner, a.ID, runtime.QueryRequest{Text: "when does the office open"})
	require.NoError(t, err)
	require.NotEmpty(t, reply.Citations)

	require.NoError(t, h.orch.DetachDocument(ctx, owner, a.ID, doc.ID))
	reply, err = h.orch.Query(ctx, owner, a.ID, runtime.QueryRequest{Text: "when does the office open"})
	require.NoError(t, err)
	assert.Empty(t, reply.Citations)

	poisoned := h.upload(t, "bad.txt", "POISON")
	failed, err := h.orch.AttachDocument(ctx, owner, a.ID, poisoned.ID)
	require.NoError(t, err)
	assert.Equal(t, store.DocumentError, failed.Status)
	docs, err := h.store.Documents(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestUpdateAgent(t *testing.T) {
	h := newHarness(t)
	ctx := testutils.TestContext(t, 10*time.Second)
	a := h.create(t, "support", h.upload(t, "policy.txt", policyText))
	before, _ := h.cache.Peek(a.ID)

	name, desc := "helpdesk", "answers refund questions"
	updated, err := h.orch.UpdateAgent(ctx, owner, a.ID, orchestrator.UpdateAgentRequest{Name: &name, Description: &desc})
	require.NoError(t, err)
	assert.Equal(t, "helpdesk", updated.Name)
	assert.Equal(t, 1, h.sub.Calls("create"), "metadata changes keep the runtime")

	updated, err = h.orch.UpdateAgent(ctx, owner, a.ID, orchestrator.UpdateAgentRequest{
		Container: map[string]any{"cpu_limit": 1.5},
	})
	require.NoError(t, err)
	assert.Equal(t, store.AgentActive, updated.Status, updated.StatusDetail)
	assert.Equal(t, 1.5, updated.Container.CPULimit)

	after, ok := h.cache.Peek(a.ID)
	require.True(t, ok)
	assert.NotEqual(t, before.UnitID, after.UnitID)

	_, err = h.orch.UpdateAgent(ctx, owner, a.ID, orchestrator.UpdateAgentRequest{Container: map[string]any{"bogus": 1}})
	assert.ErrorIs(t, err, orchestrator.ErrInvalidRequest)
}

func TestUploadDocument(t *testing.T) {
	h := newHarness(t, orchestrator.WithMaxUploadBytes(64))
	ctx := context.Background()

	d, err := h.orch.UploadDocument(ctx, orchestrator.UploadRequest{
		OwnerID: owner, Filename: "../../notes.md", Data: []byte("# Notes\n\nhello"),
	})
	require.NoError(t, err)
	assert.Equal(t, "notes.md", d.Filename)
	assert.Equal(t, rag.MimeMarkdown, d.MimeType)
	assert.Equal(t, store.DocumentPending, d.Status)

	_, err = h.orch.UploadDocument(ctx, orchestrator.UploadRequest{
		OwnerID: owner, Filename: "image.png", Data: []byte("\x89PNG\r\n\x1a\n\x00\x00"),
	})
	assert.ErrorIs(t, err, orchestrator.ErrInvalidRequest)
	assert.ErrorIs(t, err, rag.ErrUnsupportedFormat)

	_, err = h.orch.UploadDocument(ctx, orchestrator.UploadRequest{
		OwnerID: owner, Filename: "big.txt", Data: []byte(strings.Repeat("a", 65)),
	})
	assert.ErrorIs(t, err, orchestrator.ErrInvalidRequest)

	_, err = h.orch.UploadDocument(ctx, orchestrator.UploadRequest{
		OwnerID: owner, Filename: "a.txt", Data: []byte("x"), Strategy: "sentences",
	})
	assert.ErrorIs(t, err, orchestrator.ErrInvalidRequest)

	docs, err := h.orch.ListDocuments(ctx, owner)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestIngestDocument_Reingests(t *testing.T) {
	h := newHarness(t)
	ctx := testutils.TestContext(t, 10*time.Second)
	doc := h.upload(t, "policy.txt", policyText)

	first, err := h.orch.IngestDocument(ctx, owner, doc.ID)
	require.NoError(t, err)
	require.Equal(t, store.DocumentCompleted, first.Status)

	second, err := h.orch.IngestDocument(ctx, owner, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ChunkCount, second.ChunkCount)

	n, err := h.store.ChunkCount(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ChunkCount, n)
}

func TestProvisionSpecs_RefusesInactiveAgents(t *testing.T) {
	meta := store.NewMemoryMetadata()
	ctx := context.Background()
	defaults := config.ContainerConfig{Image: "warder-agent:latest", MemoryLimit: 512 << 20, CPULimit: 0.5}
	specs := orchestrator.ProvisionSpecs(meta, defaults)

	a := &store.Agent{ID: "a1", OwnerID: owner, Name: "n", Namespace: "agent_a1", Status: store.AgentActive}
	require.NoError(t, meta.CreateAgent(ctx, a))

	spec, err := specs(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "warder-agent:latest", spec.Image)
	assert.Equal(t, int64(512<<20), spec.MemoryLimit)
	assert.Equal(t, "agent_a1", spec.Env[orchestrator.EnvNamespace])

	a.Status = store.AgentStopped
	require.NoError(t, meta.UpdateAgent(ctx, a))
	_, err = specs(ctx, "a1")
	assert.ErrorIs(t, err, orchestrator.ErrStatusConflict)

	_, err = specs(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
