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

package store

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"
)

// MemoryMetadata keeps records in maps. Used by tests and single-process
// development setups.
type MemoryMetadata struct {
	mu        sync.RWMutex
	agents    map[string]Agent
	documents map[string]Document
}

func NewMemoryMetadata() *MemoryMetadata {
	return &MemoryMetadata{
		agents:    make(map[string]Agent),
		documents: make(map[string]Document),
	}
}

func (m *MemoryMetadata) CreateAgent(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[agent.ID]; ok {
		return fmt.Errorf("agent %s: %w", agent.ID, ErrDuplicate)
	}
	if m.nameTaken(agent.OwnerID, agent.Name, agent.ID) {
		return fmt.Errorf("agent name %q: %w", agent.Name, ErrDuplicate)
	}
	stamp(&agent.CreatedAt, &agent.UpdatedAt)
	m.agents[agent.ID] = *agent
	return nil
}

func (m *MemoryMetadata) nameTaken(ownerID, name, exceptID string) bool {
	for _, a := range m.agents {
		if a.OwnerID == ownerID && a.Name == name && a.ID != exceptID {
			return true
		}
	}
	return false
}

func (m *MemoryMetadata) GetAgent(ctx context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return &a, nil
}

func (m *MemoryMetadata) ListAgents(ctx context.Context, ownerID string) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*Agent{}
	for _, a := range m.agents {
		if ownerID == "" || a.OwnerID == ownerID {
			out = append(out, &a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryMetadata) UpdateAgent(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.agents[agent.ID]
	if !ok {
		return fmt.Errorf("agent %s: %w", agent.ID, ErrNotFound)
	}
	if m.nameTaken(agent.OwnerID, agent.Name, agent.ID) {
		return fmt.Errorf("agent name %q: %w", agent.Name, ErrDuplicate)
	}
	agent.CreatedAt = prev.CreatedAt
	agent.UpdatedAt = time.Now().UTC()
	m.agents[agent.ID] = *agent
	return nil
}

func (m *MemoryMetadata) DeleteAgent(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[id]; !ok {
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	delete(m.agents, id)
	return nil
}

func (m *MemoryMetadata) CreateDocument(ctx context.Context, doc *Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.documents[doc.ID]; ok {
		return fmt.Errorf("document %s: %w", doc.ID, ErrDuplicate)
	}
	stamp(&doc.CreatedAt, &doc.UpdatedAt)
	m.documents[doc.ID] = cloneDocument(*doc)
	return nil
}

func (m *MemoryMetadata) GetDocument(ctx context.Context, id string) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.documents[id]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	d = cloneDocument(d)
	return &d, nil
}

func (m *MemoryMetadata) ListDocuments(ctx context.Context, ownerID string) ([]*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*Document{}
	for _, d := range m.documents {
		if ownerID == "" || d.OwnerID == ownerID {
			d = cloneDocument(d)
			out = append(out, &d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryMetadata) UpdateDocument(ctx context.Context, doc *Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.documents[doc.ID]
	if !ok {
		return fmt.Errorf("document %s: %w", doc.ID, ErrNotFound)
	}
	doc.CreatedAt = prev.CreatedAt
	doc.UpdatedAt = time.Now().UTC()
	m.documents[doc.ID] = cloneDocument(*doc)
	return nil
}

func (m *MemoryMetadata) DeleteDocument(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.documents[id]; !ok {
		return fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	delete(m.documents, id)
	return nil
}

func (m *MemoryMetadata) Close() error { return nil }

// cloneDocument copies the metadata map so callers never share it with the
// stored record.
func cloneDocument(d Document) Document {
	d.Metadata = maps.Clone(d.Metadata)
	return d
}

func stamp(created, updated *time.Time) {
	now := time.Now().UTC()
	if created.IsZero() {
		*created = now
	}
	*updated = now
}

var _ Metadata = (*MemoryMetadata)(nil)
