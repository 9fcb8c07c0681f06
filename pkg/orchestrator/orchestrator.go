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

// Package orchestrator drives agents through their lifecycle: documents
// are ingested into the knowledge store, a runtime is provisioned through
// the instance cache, and questions are forwarded to it.
//
// Every operation takes the calling owner. An empty owner skips the
// ownership check and is meant for operators and the CLI.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/warder/pkg/config"
	"github.com/kadirpekel/warder/pkg/observability"
	"github.com/kadirpekel/warder/pkg/rag"
	"github.com/kadirpekel/warder/pkg/runtime"
	"github.com/kadirpekel/warder/pkg/store"
	"github.com/kadirpekel/warder/pkg/utils"
)

// Runtimes hands out live runtime handles. Implemented by *cache.Cache.
type Runtimes interface {
	Acquire(ctx context.Context, agentID string) (*runtime.Handle, error)
	Use(ctx context.Context, agentID string, fn func(ctx context.Context, h *runtime.Handle) error) error
	Evict(ctx context.Context, agentID string) error
	Peek(agentID string) (*runtime.Handle, bool)
}

// Inspector reports on running units. Implemented by *runtime.Controller.
type Inspector interface {
	Status(ctx context.Context, agentID string) (runtime.Health, error)
	Logs(ctx context.Context, agentID string, tail int) ([]string, error)
	Stats(ctx context.Context, agentID string) (*runtime.Stats, error)
}

// RuntimeClient talks to a runtime. Implemented by *runtime.Client.
type RuntimeClient interface {
	Query(ctx context.Context, h *runtime.Handle, req runtime.QueryRequest) (*runtime.Reply, error)
	Chat(ctx context.Context, h *runtime.Handle, req runtime.ChatRequest) (*runtime.Reply, error)
}

// Ingester turns document bytes into embedded chunks. Implemented by
// *rag.Pipeline.
type Ingester interface {
	Ingest(ctx context.Context, data []byte, mimeType string, override rag.Strategy) ([]rag.Chunk, error)
	Extractors() *rag.ExtractorRegistry
}

// Blobs stores uploaded document bytes. Implemented by *store.FileBlobs.
type Blobs interface {
	Put(ctx context.Context, id string, data []byte) (string, error)
	Get(ctx context.Context, path string) ([]byte, error)
	Delete(ctx context.Context, path string) error
}

// Deps are the collaborators of an Orchestrator. All are required.
type Deps struct {
	Metadata  store.Metadata
	Store     store.Store
	Pipeline  Ingester
	Runtimes  Runtimes
	Inspector Inspector
	Client    RuntimeClient
	Blobs     Blobs
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithContainerDefaults fills unset container options of new agents.
func WithContainerDefaults(defaults config.ContainerConfig) Option {
	return func(o *Orchestrator) { o.defaults = defaults }
}

// WithRestartOnAttach unloads an active agent's runtime whenever its
// document set changes. Needed when runtimes load a snapshot of the
// knowledge store at startup.
func WithRestartOnAttach(enabled bool) Option {
	return func(o *Orchestrator) { o.restartOnAttach = enabled }
}

// WithTracer overrides the tracer used for lifecycle spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithMaxUploadBytes caps uploaded document sizes.
func WithMaxUploadBytes(n int64) Option {
	return func(o *Orchestrator) { o.maxUpload = n }
}

// Orchestrator coordinates the pipeline, the knowledge store and the
// runtime cache for agents and documents.
type Orchestrator struct {
	meta      store.Metadata
	store     store.Store
	pipeline  Ingester
	runtimes  Runtimes
	inspector Inspector
	client    RuntimeClient
	blobs     Blobs

	defaults        config.ContainerConfig
	restartOnAttach bool
	maxUpload       int64
	tracer          trace.Tracer

	// agentLocks orders lifecycle operations per agent; docLocks orders
	// ingestion per document.
	agentLocks utils.KeyedMutex
	docLocks   utils.KeyedMutex
}

func New(deps Deps, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.Metadata == nil:
		return nil, fmt.Errorf("metadata repository is required")
	case deps.Store == nil:
		return nil, fmt.Errorf("knowledge store is required")
	case deps.Pipeline == nil:
		return nil, fmt.Errorf("ingestion pipeline is required")
	case deps.Runtimes == nil || deps.Inspector == nil || deps.Client == nil:
		return nil, fmt.Errorf("runtime cache, inspector and client are required")
	case deps.Blobs == nil:
		return nil, fmt.Errorf("blob storage is required")
	}

	o := &Orchestrator{
		meta:      deps.Metadata,
		store:     deps.Store,
		pipeline:  deps.Pipeline,
		runtimes:  deps.Runtimes,
		inspector: deps.Inspector,
		client:    deps.Client,
		blobs:     deps.Blobs,
		maxUpload: 32 << 20,
		tracer:    observability.GetTracer("warder/orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

func newID() string { return uuid.NewString() }

// getAgent loads an agent the owner may see.
func (o *Orchestrator) getAgent(ctx context.Context, owner, id string) (*store.Agent, error) {
	a, err := o.meta.GetAgent(ctx, id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && owner != "" && a.OwnerID != owner) {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load agent %s: %w", id, err)
	}
	return a, nil
}

// getDocument loads a document the owner may see.
func (o *Orchestrator) getDocument(ctx context.Context, owner, id string) (*store.Document, error) {
	d, err := o.meta.GetDocument(ctx, id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && owner != "" && d.OwnerID != owner) {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document %s: %w", id, err)
	}
	return d, nil
}

// saveAgent persists status changes even when the request context is
// already cancelled.
func (o *Orchestrator) saveAgent(ctx context.Context, a *store.Agent) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return o.meta.UpdateAgent(ctx, a)
}

func (o *Orchestrator) saveDocument(ctx context.Context, d *store.Document) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return o.meta.UpdateDocument(ctx, d)
}

func (o *Orchestrator) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
