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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/warder/pkg/config"
)

func metadataBackends() map[string]func(t *testing.T) Metadata {
	return map[string]func(t *testing.T) Metadata{
		"memory": func(t *testing.T) Metadata { return NewMemoryMetadata() },
		"sql": func(t *testing.T) Metadata {
			m, err := NewSQLMetadata(context.Background(), newSQLiteDB(t), "sqlite")
			require.NoError(t, err)
			return m
		},
	}
}

func TestMetadata_AgentLifecycle(t *testing.T) {
	for name, factory := range metadataBackends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m := factory(t)

			agent := &Agent{
				ID:        "a-1",
				OwnerID:   "owner",
				Name:      "support",
				Type:      AgentChat,
				Status:    AgentProvisioning,
				Namespace: "agent_a-1",
				Container: config.ContainerConfig{
					Image:       "warder-agent:latest",
					MemoryLimit: 512 << 20,
					CPULimit:    0.5,
					Env:         map[string]string{"MODE": "test"},
				},
			}
			require.NoError(t, m.CreateAgent(ctx, agent))
			assert.False(t, agent.CreatedAt.IsZero())

			got, err := m.GetAgent(ctx, "a-1")
			require.NoError(t, err)
			assert.Equal(t, "support", got.Name)
			assert.Equal(t, AgentChat, got.Type)
			assert.Equal(t, AgentProvisioning, got.Status)
			assert.Equal(t, config.ByteSize(512<<20), got.Container.MemoryLimit)
			assert.Equal(t, "test", got.Container.Env["MODE"])

			got.Status = AgentActive
			got.RuntimeAddress = "127.0.0.1:9000"
			require.NoError(t, m.UpdateAgent(ctx, got))

			again, err := m.GetAgent(ctx, "a-1")
			require.NoError(t, err)
			assert.Equal(t, AgentActive, again.Status)
			assert.Equal(t, "127.0.0.1:9000", again.RuntimeAddress)

			require.NoError(t, m.DeleteAgent(ctx, "a-1"))
			_, err = m.GetAgent(ctx, "a-1")
			require.ErrorIs(t, err, ErrNotFound)
			require.ErrorIs(t, m.DeleteAgent(ctx, "a-1"), ErrNotFound)
			require.ErrorIs(t, m.UpdateAgent(ctx, again), ErrNotFound)
		})
	}
}

func TestMetadata_AgentNameUniquePerOwner(t *testing.T) {
	for name, factory := range metadataBackends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m := factory(t)

			require.NoError(t, m.CreateAgent(ctx, &Agent{ID: "1", OwnerID: "alice", Name: "bot", Status: AgentActive, Namespace: "n1"}))
			require.NoError(t, m.CreateAgent(ctx, &Agent{ID: "2", OwnerID: "bob", Name: "bot", Status: AgentActive, Namespace: "n2"}))

			err := m.CreateAgent(ctx, &Agent{ID: "3", OwnerID: "alice", Name: "bot", Status: AgentActive, Namespace: "n3"})
			require.ErrorIs(t, err, ErrDuplicate)

			require.NoError(t, m.CreateAgent(ctx, &Agent{ID: "4", OwnerID: "alice", Name: "other", Status: AgentActive, Namespace: "n4"}))
			other, err := m.GetAgent(ctx, "4")
			require.NoError(t, err)
			other.Name = "bot"
			require.ErrorIs(t, m.UpdateAgent(ctx, other), ErrDuplicate)

			list, err := m.ListAgents(ctx, "alice")
			require.NoError(t, err)
			require.Len(t, list, 2)

			all, err := m.ListAgents(ctx, "")
			require.NoError(t, err)
			assert.Len(t, all, 3)
		})
	}
}

func TestMetadata_DocumentLifecycle(t *testing.T) {
	for name, factory := range metadataBackends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m := factory(t)

			doc := &Document{
				ID:          "d-1",
				OwnerID:     "owner",
				Filename:    "guide.md",
				StoragePath: "/tmp/guide.md",
				MimeType:    "text/markdown",
				Size:        42,
				Status:      DocumentPending,
			}
			require.NoError(t, m.CreateDocument(ctx, doc))
			require.ErrorIs(t, m.CreateDocument(ctx, &Document{ID: "d-1", OwnerID: "x", Filename: "y", Status: DocumentPending}), ErrDuplicate)

			fresh, err := m.GetDocument(ctx, "d-1")
			require.NoError(t, err)
			assert.Nil(t, fresh.Metadata)

			doc.Status = DocumentCompleted
			doc.Strategy = "section"
			doc.ChunkCount = 7
			doc.Metadata = map[string]string{"title": "Guide", "source": "wiki"}
			require.NoError(t, m.UpdateDocument(ctx, doc))
			doc.Metadata["title"] = "changed after update"

			got, err := m.GetDocument(ctx, "d-1")
			require.NoError(t, err)
			assert.Equal(t, DocumentCompleted, got.Status)
			assert.Equal(t, 7, got.ChunkCount)
			assert.Equal(t, "/tmp/guide.md", got.StoragePath)
			assert.Equal(t, map[string]string{"title": "Guide", "source": "wiki"}, got.Metadata)

			list, err := m.ListDocuments(ctx, "owner")
			require.NoError(t, err)
			require.Len(t, list, 1)

			list, err = m.ListDocuments(ctx, "someone-else")
			require.NoError(t, err)
			assert.Empty(t, list)

			require.NoError(t, m.DeleteDocument(ctx, "d-1"))
			_, err = m.GetDocument(ctx, "d-1")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}
