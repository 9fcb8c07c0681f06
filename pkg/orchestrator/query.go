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
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/kadirpekel/warder/pkg/observability"
	"github.com/kadirpekel/warder/pkg/runtime"
	"github.com/kadirpekel/warder/pkg/store"
)

// Query forwards a retrieval question to the agent's runtime.
func (o *Orchestrator) Query(ctx context.Context, owner, id string, req runtime.QueryRequest) (*runtime.Reply, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("%w: text is required", ErrInvalidRequest)
	}
	if req.TopK < 0 {
		return nil, fmt.Errorf("%w: top_k must be non-negative", ErrInvalidRequest)
	}
	return o.ask(ctx, owner, id, "query", func(ctx context.Context, h *runtime.Handle) (*runtime.Reply, error) {
		return o.client.Query(ctx, h, req)
	})
}

// Chat forwards a chat message to the agent's runtime.
func (o *Orchestrator) Chat(ctx context.Context, owner, id string, req runtime.ChatRequest) (*runtime.Reply, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("%w: message is required", ErrInvalidRequest)
	}
	return o.ask(ctx, owner, id, "chat", func(ctx context.Context, h *runtime.Handle) (*runtime.Reply, error) {
		return o.client.Chat(ctx, h, req)
	})
}

// ask runs call against the agent's runtime, provisioning it when it was
// unloaded. Only active agents are served, and a runtime failure is never
// answered from the store directly.
func (o *Orchestrator) ask(ctx context.Context, owner, id, kind string,
	call func(ctx context.Context, h *runtime.Handle) (*runtime.Reply, error)) (_ *runtime.Reply, err error) {
	ctx, span := o.startSpan(ctx, observability.SpanAgentQuery,
		attribute.String(observability.AttrAgentID, id),
		attribute.String("warder.query.kind", kind),
	)
	defer func() { endSpan(span, err) }()

	a, err := o.getAgent(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	if a.Status != store.AgentActive {
		return nil, fmt.Errorf("%w: agent %s is %s", ErrStatusConflict, id, a.Status)
	}

	var (
		reply   *runtime.Reply
		address string
	)
	err = o.runtimes.Use(ctx, id, func(ctx context.Context, h *runtime.Handle) error {
		address = h.Address
		r, err := call(ctx, h)
		reply = r
		return err
	})
	if err != nil {
		slog.Warn("Runtime request failed", "agent", id, "kind", kind, "error", err)
		return nil, fmt.Errorf("%w: agent %s: %w", ErrRuntimeUnavailable, id, err)
	}
	if address != "" && address != a.RuntimeAddress {
		o.recordAddress(ctx, id, address)
	}
	return reply, nil
}

// recordAddress updates the stored address after a runtime was
// provisioned again. Skipped when a lifecycle operation holds the agent.
func (o *Orchestrator) recordAddress(ctx context.Context, id, address string) {
	unlock, ok := o.agentLocks.TryLock(id)
	if !ok {
		return
	}
	defer unlock()

	a, err := o.meta.GetAgent(ctx, id)
	if err != nil || a.Status != store.AgentActive {
		return
	}
	a.RuntimeAddress = address
	if err := o.saveAgent(ctx, a); err != nil {
		slog.Debug("Failed to record runtime address", "agent", id, "error", err)
	}
}
