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

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/kadirpekel/warder/pkg/observability"
	"github.com/kadirpekel/warder/pkg/rag"
	"github.com/kadirpekel/warder/pkg/store"
)

// UploadRequest carries a new document.
type UploadRequest struct {
	OwnerID  string
	Filename string

	// MimeType is detected from the filename and content when empty or
	// generic.
	MimeType string

	// Strategy forces a chunking strategy; empty detects one.
	Strategy string

	Data []byte
}

// UploadDocument stores the bytes and records a pending document.
// Ingestion happens when the document is attached to an agent.
func (o *Orchestrator) UploadDocument(ctx context.Context, req UploadRequest) (*store.Document, error) {
	if strings.TrimSpace(req.OwnerID) == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidRequest)
	}
	filename := filepath.Base(strings.TrimSpace(req.Filename))
	if filename == "" || filename == "." || filename == string(filepath.Separator) {
		return nil, fmt.Errorf("%w: filename is required", ErrInvalidRequest)
	}
	if len(req.Data) == 0 {
		return nil, fmt.Errorf("%w: document is empty", ErrInvalidRequest)
	}
	if o.maxUpload > 0 && int64(len(req.Data)) > o.maxUpload {
		return nil, fmt.Errorf("%w: document exceeds %d bytes", ErrInvalidRequest, o.maxUpload)
	}
	strategy, err := rag.ParseStrategy(req.Strategy)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	mimeType := rag.NormalizeMimeType(req.MimeType)
	if rag.IsGenericMimeType(mimeType) || !o.pipeline.Extractors().Supports(mimeType) {
		mimeType = rag.DetectMimeType(filename, req.Data)
	}
	if !o.pipeline.Extractors().Supports(mimeType) {
		return nil, fmt.Errorf("%w: %w: %s", ErrInvalidRequest, rag.ErrUnsupportedFormat, mimeType)
	}

	id := newID()
	path, err := o.blobs.Put(ctx, id, req.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to store document: %w", err)
	}
	d := &store.Document{
		ID:          id,
		OwnerID:     req.OwnerID,
		Filename:    filename,
		StoragePath: path,
		MimeType:    mimeType,
		Size:        int64(len(req.Data)),
		Status:      store.DocumentPending,
		Strategy:    string(strategy),
	}
	if err := o.meta.CreateDocument(ctx, d); err != nil {
		_ = o.blobs.Delete(context.WithoutCancel(ctx), path)
		return nil, fmt.Errorf("failed to record document: %w", err)
	}
	slog.Info("Document uploaded", "document", id, "owner", d.OwnerID, "filename", filename, "mime", mimeType, "size", d.Size)
	return d, nil
}

func (o *Orchestrator) GetDocument(ctx context.Context, owner, id string) (*store.Document, error) {
	return o.getDocument(ctx, owner, id)
}

// UpdateDocumentRequest changes a document's descriptive fields. Metadata
// is merged into the stored labels; an empty value removes the key.
type UpdateDocumentRequest struct {
	Filename *string           `json:"filename,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

const maxMetadataKeys = 64

// UpdateDocument renames a document or updates its metadata. Content and
// ingestion state are unchanged; re-upload to replace the bytes.
func (o *Orchestrator) UpdateDocument(ctx context.Context, owner, id string, req UpdateDocumentRequest) (*store.Document, error) {
	if _, err := o.getDocument(ctx, owner, id); err != nil {
		return nil, err
	}

	unlock := o.docLocks.Lock(id)
	defer unlock()

	// reload under the lock so a finished ingestion is not overwritten
	d, err := o.getDocument(ctx, owner, id)
	if err != nil {
		return nil, err
	}

	if req.Filename != nil {
		filename := filepath.Base(strings.TrimSpace(*req.Filename))
		if filename == "" || filename == "." || filename == string(filepath.Separator) {
			return nil, fmt.Errorf("%w: filename is required", ErrInvalidRequest)
		}
		d.Filename = filename
	}
	for k, v := range req.Metadata {
		k = strings.TrimSpace(k)
		if k == "" {
			return nil, fmt.Errorf("%w: metadata keys must not be empty", ErrInvalidRequest)
		}
		if v == "" {
			delete(d.Metadata, k)
			continue
		}
		if d.Metadata == nil {
			d.Metadata = make(map[string]string, len(req.Metadata))
		}
		d.Metadata[k] = v
	}
	if len(d.Metadata) > maxMetadataKeys {
		return nil, fmt.Errorf("%w: at most %d metadata keys", ErrInvalidRequest, maxMetadataKeys)
	}

	if err := o.meta.UpdateDocument(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to update document: %w", err)
	}
	slog.Info("Document updated", "document", id, "filename", d.Filename, "metadata_keys", len(d.Metadata))
	return d, nil
}

// ListDocuments lists the owner's documents; an empty owner lists all.
func (o *Orchestrator) ListDocuments(ctx context.Context, owner string) ([]*store.Document, error) {
	return o.meta.ListDocuments(ctx, owner)
}

// IngestDocument (re)ingests a document regardless of its status.
func (o *Orchestrator) IngestDocument(ctx context.Context, owner, id string) (*store.Document, error) {
	d, err := o.getDocument(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	return o.ingest(ctx, d, true)
}

func (o *Orchestrator) ingest(ctx context.Context, d *store.Document, force bool) (*store.Document, error) {
	unlock := o.docLocks.Lock(d.ID)
	defer unlock()
	return o.ingestLocked(ctx, d, force)
}

// ingestLocked runs the pipeline over a document and persists its chunks.
// A completed document is left alone unless force is set. Failures are
// recorded on the document and returned. The caller holds the document
// lock.
func (o *Orchestrator) ingestLocked(ctx context.Context, d *store.Document, force bool) (_ *store.Document, err error) {
	// reload under the lock; another agent may have ingested or deleted it
	fresh, err := o.meta.GetDocument(ctx, d.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("document %s: %w", d.ID, ErrNotFound)
	case err == nil:
		d = fresh
	}
	if d.Status == store.DocumentCompleted && !force {
		return d, nil
	}

	ctx, span := o.startSpan(ctx, observability.SpanDocumentIngest, attribute.String(observability.AttrDocumentID, d.ID))
	defer func() { endSpan(span, err) }()

	d.Status = store.DocumentProcessing
	d.Error = ""
	if err := o.saveDocument(ctx, d); err != nil {
		return d, fmt.Errorf("failed to record document status: %w", err)
	}

	fail := func(stage string, err error) (*store.Document, error) {
		span.SetAttributes(attribute.String(observability.AttrStage, stage))
		d.Status = store.DocumentError
		d.Error = fmt.Sprintf("%s: %v", stage, err)
		if serr := o.saveDocument(ctx, d); serr != nil {
			slog.Error("Failed to record document status", "document", d.ID, "error", serr)
		}
		return d, err
	}

	data, err := o.blobs.Get(ctx, d.StoragePath)
	if err != nil {
		return fail("read", err)
	}
	chunks, err := o.pipeline.Ingest(ctx, data, d.MimeType, rag.Strategy(d.Strategy))
	if err != nil {
		return fail(stageOf(err), err)
	}
	if err := o.store.Persist(ctx, d.ID, chunks); err != nil {
		return fail("persist", err)
	}

	d.Status = store.DocumentCompleted
	d.ChunkCount = len(chunks)
	if len(chunks) > 0 {
		d.Strategy = string(chunks[0].Strategy)
	}
	if err := o.saveDocument(ctx, d); err != nil {
		return d, fmt.Errorf("failed to record document status: %w", err)
	}
	slog.Info("Document ingested", "document", d.ID, "chunks", d.ChunkCount, "strategy", d.Strategy)
	return d, nil
}

// AttachDocument ingests the document if needed and adds it to the agent's
// knowledge scope. An ingestion failure leaves the document in the error
// status and is reported on the returned document, not as an error.
func (o *Orchestrator) AttachDocument(ctx context.Context, owner, agentID, docID string) (*store.Document, error) {
	unlock := o.agentLocks.Lock(agentID)
	defer unlock()

	a, err := o.getAgent(ctx, owner, agentID)
	if err != nil {
		return nil, err
	}
	if t := agentType(a.Type); t != store.AgentRAG {
		return nil, fmt.Errorf("%w: %s agents do not take documents", ErrInvalidRequest, t)
	}
	d, err := o.getDocument(ctx, a.OwnerID, docID)
	if err != nil {
		return nil, err
	}

	var assocErr error
	d, err = func() (*store.Document, error) {
		unlock := o.docLocks.Lock(docID)
		defer unlock()
		d, err := o.ingestLocked(ctx, d, false)
		if err != nil {
			return d, err
		}
		assocErr = o.store.Associate(ctx, agentID, docID)
		return d, nil
	}()
	if errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err != nil {
		slog.Warn("Document ingestion failed", "agent", agentID, "document", docID, "error", err)
		return d, nil
	}
	if assocErr != nil {
		return nil, fmt.Errorf("failed to associate document: %w", assocErr)
	}
	o.refresh(ctx, a)
	return d, nil
}

// DetachDocument removes the document from the agent's knowledge scope.
func (o *Orchestrator) DetachDocument(ctx context.Context, owner, agentID, docID string) error {
	unlock := o.agentLocks.Lock(agentID)
	defer unlock()

	a, err := o.getAgent(ctx, owner, agentID)
	if err != nil {
		return err
	}
	if _, err := o.getDocument(ctx, a.OwnerID, docID); err != nil {
		return err
	}
	if err := o.store.Dissociate(ctx, agentID, docID); err != nil {
		return fmt.Errorf("failed to dissociate document: %w", err)
	}
	o.refresh(ctx, a)
	return nil
}

// DeleteDocument removes a document, its chunks and its associations.
// Agents keep their other documents.
func (o *Orchestrator) DeleteDocument(ctx context.Context, owner, id string) error {
	d, err := o.getDocument(ctx, owner, id)
	if err != nil {
		return err
	}

	agents, err := o.removeDocument(ctx, d)
	if err != nil {
		return err
	}

	// agent locks are taken after the document lock is released; attach
	// holds them in the opposite order
	for _, agentID := range agents {
		o.refreshAgent(ctx, agentID)
	}
	return nil
}

// removeDocument deletes the document under its lock and returns the
// agents it was attached to.
func (o *Orchestrator) removeDocument(ctx context.Context, d *store.Document) ([]string, error) {
	unlock := o.docLocks.Lock(d.ID)
	defer unlock()

	agents, err := o.store.Agents(ctx, d.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list document agents: %w", err)
	}
	if err := o.store.DeleteDocument(ctx, d.ID); err != nil {
		return nil, fmt.Errorf("failed to delete chunks: %w", err)
	}
	if err := o.meta.DeleteDocument(ctx, d.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to delete document: %w", err)
	}
	if err := o.blobs.Delete(ctx, d.StoragePath); err != nil {
		slog.Warn("Failed to remove document file", "document", d.ID, "error", err)
	}
	slog.Info("Document deleted", "document", d.ID, "agents", len(agents))
	return agents, nil
}

func (o *Orchestrator) refreshAgent(ctx context.Context, agentID string) {
	unlock := o.agentLocks.Lock(agentID)
	defer unlock()

	if a, err := o.meta.GetAgent(ctx, agentID); err == nil {
		o.refresh(ctx, a)
	}
}

// refresh unloads an active agent's runtime after its document set
// changed, when runtimes snapshot the knowledge store. The next request
// provisions a fresh one.
func (o *Orchestrator) refresh(ctx context.Context, a *store.Agent) {
	if !o.restartOnAttach || a.Status != store.AgentActive {
		return
	}
	if _, loaded := o.runtimes.Peek(a.ID); !loaded {
		return
	}
	if err := o.runtimes.Evict(ctx, a.ID); err != nil {
		slog.Warn("Failed to unload runtime after document change", "agent", a.ID, "error", err)
		return
	}
	slog.Info("Runtime unloaded after document change", "agent", a.ID)
}
