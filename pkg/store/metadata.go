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
	"time"

	"github.com/kadirpekel/warder/pkg/config"
)

// AgentStatus is the lifecycle state of an agent.
type AgentStatus string

const (
	AgentProvisioning AgentStatus = "provisioning"
	AgentActive       AgentStatus = "active"
	AgentStopped      AgentStatus = "stopped"
	AgentError        AgentStatus = "error"
)

// AgentType tells the runtime how the agent answers. Only rag agents
// take documents; the others answer from the request alone.
type AgentType string

const (
	AgentRAG      AgentType = "rag"
	AgentChat     AgentType = "chat"
	AgentFunction AgentType = "function"
	AgentCustom   AgentType = "custom"
)

// AgentTypes lists the valid agent types.
var AgentTypes = []AgentType{AgentRAG, AgentChat, AgentFunction, AgentCustom}

// DocumentStatus is the ingestion state of a document.
type DocumentStatus string

const (
	DocumentPending    DocumentStatus = "pending"
	DocumentProcessing DocumentStatus = "processing"
	DocumentCompleted  DocumentStatus = "completed"
	DocumentError      DocumentStatus = "error"
)

// Agent is a deployed conversational agent.
type Agent struct {
	ID          string      `json:"id"`
	OwnerID     string      `json:"owner_id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Type        AgentType   `json:"type"`
	Status      AgentStatus `json:"status"`

	// StatusDetail records the furthest completed stage or the failure
	// reason.
	StatusDetail string `json:"status_detail,omitempty"`

	// RuntimeAddress is host:port while the agent is active.
	RuntimeAddress string `json:"runtime_address,omitempty"`

	// Namespace names the knowledge scope handed to the runtime.
	Namespace string `json:"namespace"`

	Container config.ContainerConfig `json:"container"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Document is an uploaded source file.
type Document struct {
	ID          string         `json:"id"`
	OwnerID     string         `json:"owner_id"`
	Filename    string         `json:"filename"`
	StoragePath string         `json:"-"`
	MimeType    string         `json:"mime_type"`
	Size        int64          `json:"size"`
	Status      DocumentStatus `json:"status"`
	Strategy    string         `json:"strategy,omitempty"`
	ChunkCount  int            `json:"chunk_count"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`

	// Metadata holds caller supplied labels such as title or source.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Metadata persists Agent and Document records. Lookups of missing
// records return ErrNotFound; a second agent with the same owner and name
// returns ErrDuplicate.
type Metadata interface {
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context, ownerID string) ([]*Agent, error)
	UpdateAgent(ctx context.Context, agent *Agent) error
	DeleteAgent(ctx context.Context, id string) error

	CreateDocument(ctx context.Context, doc *Document) error
	GetDocument(ctx context.Context, id string) (*Document, error)
	ListDocuments(ctx context.Context, ownerID string) ([]*Document, error)
	UpdateDocument(ctx context.Context, doc *Document) error
	DeleteDocument(ctx context.Context, id string) error

	Close() error
}
