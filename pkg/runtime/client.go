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

package runtime

import (
	"context"
	"net/http"
	"time"

	"github.com/kadirpekel/warder/pkg/httpclient"
)

// QueryRequest is the body of POST /query on a runtime.
type QueryRequest struct {
	Text string `json:"text"`
	TopK int    `json:"top_k,omitempty"`
}

// ChatRequest is the body of POST /chat on a runtime.
type ChatRequest struct {
	Message string `json:"message"`
	Role    string `json:"role,omitempty"`
}

// Citation points at a retrieved chunk backing a response.
type Citation struct {
	DocumentID string  `json:"document_id"`
	ChunkIndex int     `json:"chunk_index"`
	Section    string  `json:"section,omitempty"`
	Score      float64 `json:"score"`
}

// Reply is a runtime's answer to /query and /chat.
type Reply struct {
	Response  string     `json:"response"`
	Citations []Citation `json:"citations"`
}

// Info is a runtime's GET /info answer.
type Info struct {
	AgentID   string            `json:"agent_id"`
	AgentName string            `json:"agent_name,omitempty"`
	AgentType string            `json:"agent_type,omitempty"`
	Model     string            `json:"model"`
	Store     string            `json:"store"`
	Version   string            `json:"version,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Client talks to agent runtimes.
type Client struct {
	http *httpclient.Client
}

// NewClient creates a runtime client. A runtime that is still warming up
// answers 503, which is retried a few times.
func NewClient(timeout time.Duration) *Client {
	return &Client{
		http: httpclient.New(
			httpclient.WithTimeout(timeout),
			httpclient.WithMaxRetries(2),
			httpclient.WithBaseDelay(200*time.Millisecond),
			httpclient.WithMaxDelay(2*time.Second),
		),
	}
}

func (c *Client) Query(ctx context.Context, h *Handle, req QueryRequest) (*Reply, error) {
	var reply Reply
	if err := c.http.DoJSON(ctx, http.MethodPost, h.URL()+"/query", req, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (c *Client) Chat(ctx context.Context, h *Handle, req ChatRequest) (*Reply, error) {
	var reply Reply
	if err := c.http.DoJSON(ctx, http.MethodPost, h.URL()+"/chat", req, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (c *Client) Info(ctx context.Context, h *Handle) (*Info, error) {
	var info Info
	if err := c.http.DoJSON(ctx, http.MethodGet, h.URL()+"/info", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}
