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

package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kadirpekel/warder/pkg/httpclient"
)

// Cohere input types. Documents and queries are embedded asymmetrically by
// the v3 models.
const (
	CohereSearchDocument = "search_document"
	CohereSearchQuery    = "search_query"
)

// CohereEmbedder implements Embedder using the Cohere embed API.
type CohereEmbedder struct {
	client    *httpclient.Client
	apiKey    string
	baseURL   string
	model     string
	inputType string
	dimension int
	batchSize int
}

// CohereConfig configures the Cohere embedder.
type CohereConfig struct {
	// APIKey for the Cohere API (required).
	APIKey string

	// BaseURL for the API (default: https://api.cohere.com/v1).
	BaseURL string

	// Model name (default: embed-english-v3.0).
	Model string

	// InputType sent with every request (default: search_document).
	InputType string

	Dimension int

	Timeout time.Duration

	// BatchSize caps texts per request. Cohere accepts at most 96.
	BatchSize int

	MaxRetries int
}

type cohereRequest struct {
	Texts     []string `json:"texts"`
	Model     string   `json:"model"`
	InputType string   `json:"input_type,omitempty"`
	Truncate  string   `json:"truncate,omitempty"`
}

type cohereResponse struct {
	ID         string      `json:"id"`
	Embeddings [][]float32 `json:"embeddings"`
}

type cohereError struct {
	Message string `json:"message"`
}

const cohereMaxBatch = 96

// NewCohereEmbedder creates a new Cohere embedder.
func NewCohereEmbedder(cfg CohereConfig) (*CohereEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for Cohere embedder")
	}

	model := cfg.Model
	if model == "" {
		model = "embed-english-v3.0"
	}

	dimension := cfg.Dimension
	if dimension == 0 {
		dimension = cohereDimension(model)
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.cohere.com/v1"
	}

	inputType := cfg.InputType
	if inputType == "" {
		inputType = CohereSearchDocument
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 || batchSize > cohereMaxBatch {
		batchSize = cohereMaxBatch
	}

	return &CohereEmbedder{
		client: httpclient.New(
			httpclient.WithTimeout(defaultTimeout(cfg.Timeout)),
			httpclient.WithMaxRetries(cfg.MaxRetries),
		),
		apiKey:    cfg.APIKey,
		baseURL:   baseURL,
		model:     model,
		inputType: inputType,
		dimension: dimension,
		batchSize: batchSize,
	}, nil
}

func cohereDimension(model string) int {
	switch model {
	case "embed-english-light-v3.0", "embed-multilingual-light-v3.0":
		return 384
	default:
		return 1024
	}
}

// Embed converts text to a vector embedding.
func (e *CohereEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := e.embedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 || len(embeddings[0]) == 0 {
		return nil, fmt.Errorf("received empty embedding from Cohere")
	}
	return embeddings[0], nil
}

// EmbedBatch embeds texts in requests of at most BatchSize texts.
func (e *CohereEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += e.batchSize {
		end := min(i+e.batchSize, len(texts))
		batch, err := e.embedBatch(ctx, texts[i:end])
		if err != nil {
			return nil, fmt.Errorf("batch %d-%d: %w", i, end, err)
		}
		results = append(results, batch...)
	}
	return results, nil
}

func (e *CohereEmbedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	reqBody, err := json.Marshal(cohereRequest{
		Texts:     texts,
		Model:     e.model,
		InputType: e.inputType,
		Truncate:  "END",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embed", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(httpReq)
	if resp == nil {
		return nil, fmt.Errorf("failed to send request to Cohere: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp cohereError
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Message != "" {
			return nil, fmt.Errorf("Cohere API error (status %d): %s", resp.StatusCode, errResp.Message)
		}
		return nil, fmt.Errorf("Cohere API returned status %d: %s", resp.StatusCode, string(body))
	}

	var response cohereResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(response.Embeddings) != len(texts) {
		return nil, fmt.Errorf("Cohere returned %d embeddings for %d texts", len(response.Embeddings), len(texts))
	}
	return response.Embeddings, nil
}

// Dimension returns the embedding vector dimension.
func (e *CohereEmbedder) Dimension() int {
	return e.dimension
}

// Model returns the model name being used.
func (e *CohereEmbedder) Model() string {
	return e.model
}

func (e *CohereEmbedder) Close() error {
	return nil
}

var _ Embedder = (*CohereEmbedder)(nil)
