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
	"reflect"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"

	"github.com/kadirpekel/warder/pkg/config"
	"github.com/kadirpekel/warder/pkg/observability"
	"github.com/kadirpekel/warder/pkg/rag"
	"github.com/kadirpekel/warder/pkg/runtime"
	"github.com/kadirpekel/warder/pkg/store"
)

const maxNameLength = 128

// Stages recorded in Agent.StatusDetail.
const (
	StageAccepted    = "accepted"
	StageIngesting   = "ingesting"
	StageIngested    = "ingested"
	StageProvisioned = "provisioned"
	StageStopped     = "stopped"
)

// CreateAgentRequest describes a new agent.
type CreateAgentRequest struct {
	OwnerID     string         `json:"owner_id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Container   map[string]any `json:"container,omitempty"`
	DocumentIDs []string       `json:"document_ids,omitempty"`

	// Type defaults to rag. Only rag agents take documents.
	Type string `json:"type,omitempty"`
}

// UpdateAgentRequest changes an agent. Nil fields are left unchanged.
type UpdateAgentRequest struct {
	Name        *string        `json:"name,omitempty"`
	Description *string        `json:"description,omitempty"`
	Container   map[string]any `json:"container,omitempty"`
}

// AgentStatus combines the stored record with the live runtime state.
type AgentStatus struct {
	Agent    *store.Agent   `json:"agent"`
	Loaded   bool           `json:"loaded"`
	Health   runtime.Health `json:"health"`
	UnitID   string         `json:"unit_id,omitempty"`
	Address  string         `json:"address,omitempty"`
	LastUsed *time.Time     `json:"last_used,omitempty"`
}

func validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: name is required", ErrInvalidRequest)
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return "", fmt.Errorf("%w: name exceeds %d characters", ErrInvalidRequest, maxNameLength)
	}
	return name, nil
}

func parseAgentType(s string) (store.AgentType, error) {
	t := store.AgentType(strings.ToLower(strings.TrimSpace(s)))
	if t == "" {
		return store.AgentRAG, nil
	}
	if !slices.Contains(store.AgentTypes, t) {
		return "", fmt.Errorf("%w: invalid agent type %q (valid: rag, chat, function, custom)", ErrInvalidRequest, s)
	}
	return t, nil
}

// agentType maps records written before the type existed to rag.
func agentType(t store.AgentType) store.AgentType {
	if t == "" {
		return store.AgentRAG
	}
	return t
}

func (o *Orchestrator) containerConfig(raw map[string]any) (config.ContainerConfig, error) {
	c, err := config.DecodeContainerConfig(raw)
	if err != nil {
		return c, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	c.SetDefaults(o.defaults)
	if err := c.Validate(); err != nil {
		return c, fmt.Errorf("%w: container: %v", ErrInvalidRequest, err)
	}
	return c, nil
}

// CreateAgent validates the request, records the agent and activates it.
// Ingestion and provisioning failures do not fail the call: the returned
// agent is in the error status with the reason in StatusDetail.
func (o *Orchestrator) CreateAgent(ctx context.Context, req CreateAgentRequest) (_ *store.Agent, err error) {
	ctx, span := o.startSpan(ctx, observability.SpanAgentCreate, attribute.String(observability.AttrOwnerID, req.OwnerID))
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(req.OwnerID) == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidRequest)
	}
	name, err := validateName(req.Name)
	if err != nil {
		return nil, err
	}
	kind, err := parseAgentType(req.Type)
	if err != nil {
		return nil, err
	}
	container, err := o.containerConfig(req.Container)
	if err != nil {
		return nil, err
	}

	docIDs := dedupe(req.DocumentIDs)
	if len(docIDs) > 0 && kind != store.AgentRAG {
		return nil, fmt.Errorf("%w: %s agents do not take documents", ErrInvalidRequest, kind)
	}
	for _, id := range docIDs {
		if _, err := o.getDocument(ctx, req.OwnerID, id); err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("%w: document %s does not exist", ErrInvalidRequest, id)
			}
			return nil, err
		}
	}

	id := newID()
	a := &store.Agent{
		ID:           id,
		OwnerID:      req.OwnerID,
		Name:         name,
		Description:  strings.TrimSpace(req.Description),
		Type:         kind,
		Status:       store.AgentProvisioning,
		StatusDetail: StageAccepted,
		Namespace:    "agent_" + strings.ReplaceAll(id, "-", ""),
		Container:    container,
	}
	span.SetAttributes(attribute.String(observability.AttrAgentID, id))

	unlock := o.agentLocks.Lock(id)
	defer unlock()

	if err := o.meta.CreateAgent(ctx, a); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("%w: agent %q already exists", ErrInvalidRequest, name)
		}
		return nil, fmt.Errorf("failed to create agent: %w", err)
	}
	slog.Info("Agent created", "agent", id, "owner", a.OwnerID, "name", name, "documents", len(docIDs))

	o.activate(ctx, a, docIDs)
	return a, nil
}

// activate ingests and associates docIDs, then provisions the runtime.
// The outcome is recorded on a; the caller holds the agent lock.
func (o *Orchestrator) activate(ctx context.Context, a *store.Agent, docIDs []string) {
	a.Status = store.AgentProvisioning
	a.RuntimeAddress = ""
	a.StatusDetail = StageIngesting
	if err := o.saveAgent(ctx, a); err != nil {
		slog.Error("Failed to record agent status", "agent", a.ID, "error", err)
	}

	var failures []string
	for _, docID := range docIDs {
		if err := o.attach(ctx, a.ID, docID); err != nil {
			slog.Warn("Document ingestion failed", "agent", a.ID, "document", docID, "error", err)
			failures = append(failures, fmt.Sprintf("document %s: %v", docID, err))
		}
	}
	if len(failures) > 0 {
		o.fail(ctx, a, StageIngesting, fmt.Sprintf("%d of %d documents failed: %s",
			len(failures), len(docIDs), strings.Join(failures, "; ")))
		return
	}

	a.StatusDetail = StageIngested
	if err := o.saveAgent(ctx, a); err != nil {
		slog.Error("Failed to record agent status", "agent", a.ID, "error", err)
	}

	h, err := o.runtimes.Acquire(ctx, a.ID)
	if err != nil {
		o.fail(ctx, a, StageIngested, "provisioning failed: "+err.Error())
		return
	}

	a.Status = store.AgentActive
	a.RuntimeAddress = h.Address
	a.StatusDetail = StageProvisioned
	if err := o.saveAgent(ctx, a); err != nil {
		slog.Error("Failed to record agent status", "agent", a.ID, "error", err)
	}
	slog.Info("Agent active", "agent", a.ID, "address", h.Address, "unit", h.UnitID)
}

// fail records the error status with the furthest completed stage.
func (o *Orchestrator) fail(ctx context.Context, a *store.Agent, reached, reason string) {
	a.Status = store.AgentError
	a.RuntimeAddress = ""
	a.StatusDetail = fmt.Sprintf("failed after stage %s: %s", reached, reason)
	if err := o.saveAgent(ctx, a); err != nil {
		slog.Error("Failed to record agent status", "agent", a.ID, "error", err)
	}
	slog.Error("Agent activation failed", "agent", a.ID, "stage", reached, "reason", reason)
}

// attach ingests the document when needed and associates it with the
// agent. Association follows a successful Persist, so an agent never
// retrieves from a half ingested document.
func (o *Orchestrator) attach(ctx context.Context, agentID, docID string) error {
	d, err := o.getDocument(ctx, "", docID)
	if err != nil {
		return err
	}

	unlock := o.docLocks.Lock(docID)
	defer unlock()
	if _, err := o.ingestLocked(ctx, d, false); err != nil {
		return err
	}
	if err := o.store.Associate(ctx, agentID, docID); err != nil {
		return fmt.Errorf("failed to associate: %w", err)
	}
	return nil
}

func (o *Orchestrator) GetAgent(ctx context.Context, owner, id string) (*store.Agent, error) {
	return o.getAgent(ctx, owner, id)
}

// ListAgents lists the owner's agents; an empty owner lists all.
func (o *Orchestrator) ListAgents(ctx context.Context, owner string) ([]*store.Agent, error) {
	return o.meta.ListAgents(ctx, owner)
}

// UpdateAgent changes name, description or container options. An active
// agent whose container options changed is restarted with them.
func (o *Orchestrator) UpdateAgent(ctx context.Context, owner, id string, req UpdateAgentRequest) (*store.Agent, error) {
	unlock := o.agentLocks.Lock(id)
	defer unlock()

	a, err := o.getAgent(ctx, owner, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		name, err := validateName(*req.Name)
		if err != nil {
			return nil, err
		}
		a.Name = name
	}
	if req.Description != nil {
		a.Description = strings.TrimSpace(*req.Description)
	}
	restart := false
	if req.Container != nil {
		container, err := o.containerConfig(req.Container)
		if err != nil {
			return nil, err
		}
		restart = !reflect.DeepEqual(container, a.Container) && a.Status == store.AgentActive
		a.Container = container
	}

	if err := o.meta.UpdateAgent(ctx, a); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("%w: agent %q already exists", ErrInvalidRequest, a.Name)
		}
		return nil, fmt.Errorf("failed to update agent: %w", err)
	}

	if restart {
		slog.Info("Restarting agent with new container options", "agent", id)
		if err := o.runtimes.Evict(ctx, id); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRuntimeUnavailable, err)
		}
		docs, err := o.store.Documents(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to list agent documents: %w", err)
		}
		o.activate(ctx, a, docs)
	}
	return a, nil
}

// StartAgent (re)activates an agent with its associated documents.
func (o *Orchestrator) StartAgent(ctx context.Context, owner, id string) (_ *store.Agent, err error) {
	ctx, span := o.startSpan(ctx, observability.SpanAgentStart, attribute.String(observability.AttrAgentID, id))
	defer func() { endSpan(span, err) }()

	unlock := o.agentLocks.Lock(id)
	defer unlock()

	a, err := o.getAgent(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	if _, loaded := o.runtimes.Peek(id); loaded && a.Status == store.AgentActive {
		return a, nil
	}

	docs, err := o.store.Documents(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent documents: %w", err)
	}
	o.activate(ctx, a, docs)
	return a, nil
}

// StopAgent stops the agent's runtime. The status is switched first so no
// new runtime is provisioned for it; requests already running on the old
// runtime are drained by its graceful shutdown.
func (o *Orchestrator) StopAgent(ctx context.Context, owner, id string) (_ *store.Agent, err error) {
	ctx, span := o.startSpan(ctx, observability.SpanAgentStop, attribute.String(observability.AttrAgentID, id))
	defer func() { endSpan(span, err) }()

	unlock := o.agentLocks.Lock(id)
	defer unlock()

	a, err := o.getAgent(ctx, owner, id)
	if err != nil {
		return nil, err
	}

	a.Status = store.AgentStopped
	a.RuntimeAddress = ""
	a.StatusDetail = StageStopped
	if err := o.saveAgent(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to record agent status: %w", err)
	}

	if err := o.runtimes.Evict(ctx, id); err != nil {
		o.fail(ctx, a, StageStopped, "runtime did not stop: "+err.Error())
		return nil, fmt.Errorf("%w: %w", ErrRuntimeUnavailable, err)
	}
	slog.Info("Agent stopped", "agent", id)
	return a, nil
}

// DeleteAgent stops the runtime, detaches the agent's documents and
// removes the record. Documents and their chunks are kept.
func (o *Orchestrator) DeleteAgent(ctx context.Context, owner, id string) (err error) {
	ctx, span := o.startSpan(ctx, observability.SpanAgentDelete, attribute.String(observability.AttrAgentID, id))
	defer func() { endSpan(span, err) }()

	unlock := o.agentLocks.Lock(id)
	defer unlock()

	if _, err := o.getAgent(ctx, owner, id); err != nil {
		return err
	}
	if err := o.runtimes.Evict(ctx, id); err != nil {
		return fmt.Errorf("%w: %w", ErrRuntimeUnavailable, err)
	}
	if err := o.store.DetachAgent(ctx, id); err != nil {
		return fmt.Errorf("failed to detach documents: %w", err)
	}
	if err := o.meta.DeleteAgent(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	slog.Info("Agent deleted", "agent", id)
	return nil
}

// Status reports the stored record and the live runtime, if loaded.
func (o *Orchestrator) Status(ctx context.Context, owner, id string) (*AgentStatus, error) {
	a, err := o.getAgent(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	st := &AgentStatus{Agent: a, Health: runtime.HealthStopped}

	h, loaded := o.runtimes.Peek(id)
	if !loaded {
		return st, nil
	}
	st.Loaded = true
	st.UnitID = h.UnitID
	st.Address = h.Address
	lastUsed := h.LastUsed
	st.LastUsed = &lastUsed

	health, err := o.inspector.Status(ctx, id)
	if err != nil {
		slog.Debug("Runtime status unavailable", "agent", id, "error", err)
		health = runtime.HealthUnknown
	}
	st.Health = health
	return st, nil
}

// Logs returns the last tail lines of the agent's runtime output.
func (o *Orchestrator) Logs(ctx context.Context, owner, id string, tail int) ([]string, error) {
	if _, err := o.getAgent(ctx, owner, id); err != nil {
		return nil, err
	}
	lines, err := o.inspector.Logs(ctx, id, tail)
	return lines, runtimeErr(id, err)
}

// Stats samples the resource usage of the agent's runtime.
func (o *Orchestrator) Stats(ctx context.Context, owner, id string) (*runtime.Stats, error) {
	if _, err := o.getAgent(ctx, owner, id); err != nil {
		return nil, err
	}
	stats, err := o.inspector.Stats(ctx, id)
	return stats, runtimeErr(id, err)
}

func runtimeErr(id string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, runtime.ErrUnknownAgent):
		return fmt.Errorf("%w: agent %s has no running runtime", ErrStatusConflict, id)
	default:
		return fmt.Errorf("%w: %w", ErrRuntimeUnavailable, err)
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// stageOf names the pipeline stage of an ingestion failure.
func stageOf(err error) string {
	if stage := rag.FailedStage(err); stage != "" {
		return stage
	}
	return "persist"
}
