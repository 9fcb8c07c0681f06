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

// Package embedder turns text into fixed-dimension vectors. The same
// provider configuration is used by the control plane at ingestion time and
// by agent runtimes at query time, so both sides land in one vector space.
package embedder

import (
	"context"
	"fmt"
	"time"

	"github.com/kadirpekel/warder/pkg/config"
)

// Embedder produces vector embeddings from text.
type Embedder interface {
	// Embed converts text to a vector embedding.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch converts multiple texts to embeddings in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the embedding vector dimension.
	Dimension() int

	// Model returns the model name being used.
	Model() string

	// Close releases any resources held by the embedder.
	Close() error
}

// NewFromConfig creates an Embedder from configuration. A positive rate
// limit wraps the provider in a RateLimited embedder.
func NewFromConfig(cfg *config.EmbedderConfig) (Embedder, error) {
	if cfg == nil {
		return nil, fmt.Errorf("embedder config is required")
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid embedder config: %w", err)
	}

	var (
		emb Embedder
		err error
	)
	switch cfg.Provider {
	case config.EmbedderOpenAI:
		emb, err = NewOpenAIEmbedder(OpenAIConfig{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Dimension:  cfg.Dimension,
			Timeout:    cfg.Timeout,
			BatchSize:  cfg.BatchSize,
			MaxRetries: cfg.MaxRetries,
		})
	case config.EmbedderCohere:
		emb, err = NewCohereEmbedder(CohereConfig{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			InputType:  cfg.InputType,
			Dimension:  cfg.Dimension,
			Timeout:    cfg.Timeout,
			BatchSize:  cfg.BatchSize,
			MaxRetries: cfg.MaxRetries,
		})
	case config.EmbedderOllama:
		emb, err = NewOllamaEmbedder(OllamaConfig{
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Dimension:  cfg.Dimension,
			Timeout:    cfg.Timeout,
			MaxRetries: cfg.MaxRetries,
		})
	case config.EmbedderHash:
		emb = NewHashEmbedder(cfg.Dimension)
	default:
		return nil, fmt.Errorf("unsupported embedder provider: %s (supported: openai, cohere, ollama, hash)", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	if cfg.RateLimit > 0 {
		emb = NewRateLimited(emb, cfg.RateLimit, cfg.Burst)
	}
	return emb, nil
}

func defaultTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 30 * time.Second
	}
	return d
}
