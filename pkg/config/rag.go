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

package config

import (
	"fmt"
	"os"
	"time"
)

// RAGConfig configures document ingestion.
type RAGConfig struct {
	// Strategy forces a chunking strategy; empty selects one per document.
	Strategy string `yaml:"strategy,omitempty" json:"strategy,omitempty" jsonschema:"enum=,enum=section,enum=paragraph,enum=fixed"`

	// Tokenizer: "words" or "tiktoken".
	Tokenizer string `yaml:"tokenizer,omitempty" json:"tokenizer,omitempty" jsonschema:"enum=words,enum=tiktoken,default=words"`

	// TokenizerModel picks the tiktoken encoding (falls back to cl100k_base).
	TokenizerModel string `yaml:"tokenizer_model,omitempty" json:"tokenizer_model,omitempty"`

	// Window is the fixed chunk size in tokens.
	Window int `yaml:"window,omitempty" json:"window,omitempty" jsonschema:"minimum=1,default=256"`

	// Overlap in tokens between consecutive fixed chunks.
	Overlap int `yaml:"overlap,omitempty" json:"overlap,omitempty" jsonschema:"minimum=0,default=32"`

	// OverlapFraction, when set, overrides Overlap as a fraction of Window.
	OverlapFraction float64 `yaml:"overlap_fraction,omitempty" json:"overlap_fraction,omitempty" jsonschema:"minimum=0,maximum=1"`

	Detection DetectionConfig `yaml:"detection,omitempty" json:"detection,omitempty"`

	EmbedRetries     int           `yaml:"embed_retries,omitempty" json:"embed_retries,omitempty" jsonschema:"default=3"`
	EmbedRetryDelay  time.Duration `yaml:"embed_retry_delay,omitempty" json:"embed_retry_delay,omitempty"`
	EmbedConcurrency int           `yaml:"embed_concurrency,omitempty" json:"embed_concurrency,omitempty" jsonschema:"default=4"`
}

// DetectionConfig holds the structure detection thresholds used to pick a
// chunking strategy.
type DetectionConfig struct {
	SectionMinHeadings int     `yaml:"section_min_headings,omitempty" json:"section_min_headings,omitempty" jsonschema:"default=2"`
	SectionMinRatio    float64 `yaml:"section_min_ratio,omitempty" json:"section_min_ratio,omitempty" jsonschema:"default=0.05"`
	ParagraphMinCount  int     `yaml:"paragraph_min_count,omitempty" json:"paragraph_min_count,omitempty" jsonschema:"default=3"`
}

func (c *RAGConfig) SetDefaults() {
	if c.Tokenizer == "" {
		c.Tokenizer = "words"
	}
	if c.Window == 0 {
		c.Window = 256
	}
	if c.Overlap == 0 && c.OverlapFraction == 0 {
		c.Overlap = 32
	}
	if c.Detection.SectionMinHeadings == 0 {
		c.Detection.SectionMinHeadings = 2
	}
	if c.Detection.SectionMinRatio == 0 {
		c.Detection.SectionMinRatio = 0.05
	}
	if c.Detection.ParagraphMinCount == 0 {
		c.Detection.ParagraphMinCount = 3
	}
	if c.EmbedRetries == 0 {
		c.EmbedRetries = 3
	}
	if c.EmbedRetryDelay == 0 {
		c.EmbedRetryDelay = 500 * time.Millisecond
	}
	if c.EmbedConcurrency == 0 {
		c.EmbedConcurrency = 4
	}
}

func (c *RAGConfig) Validate() error {
	switch c.Strategy {
	case "", "section", "paragraph", "fixed":
	default:
		return fmt.Errorf("invalid strategy %q (valid: section, paragraph, fixed)", c.Strategy)
	}
	switch c.Tokenizer {
	case "words", "tiktoken":
	default:
		return fmt.Errorf("invalid tokenizer %q (valid: words, tiktoken)", c.Tokenizer)
	}
	if c.OverlapFraction < 0 || c.OverlapFraction >= 1 {
		return fmt.Errorf("overlap_fraction must be in [0, 1)")
	}
	if c.EmbedConcurrency < 1 {
		return fmt.Errorf("embed_concurrency must be >= 1")
	}
	return nil
}

// Embedder providers.
const (
	EmbedderOpenAI = "openai"
	EmbedderCohere = "cohere"
	EmbedderOllama = "ollama"
	EmbedderHash   = "hash"
)

// EmbedderConfig configures the embedding provider shared by the control
// plane (ingestion) and the runtimes (query embedding).
type EmbedderConfig struct {
	Provider  string        `yaml:"provider,omitempty" json:"provider,omitempty" jsonschema:"enum=openai,enum=cohere,enum=ollama,enum=hash"`
	Model     string        `yaml:"model,omitempty" json:"model,omitempty"`
	BaseURL   string        `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	APIKey    string        `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	Dimension int           `yaml:"dimension,omitempty" json:"dimension,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	BatchSize int           `yaml:"batch_size,omitempty" json:"batch_size,omitempty"`

	// MaxRetries for rate limited or failing provider calls, on top of the
	// pipeline's per-chunk retries.
	MaxRetries int `yaml:"max_retries,omitempty" json:"max_retries,omitempty" jsonschema:"minimum=0"`

	// RateLimit is requests per second; zero means unlimited.
	RateLimit float64 `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`
	Burst     int     `yaml:"burst,omitempty" json:"burst,omitempty"`

	// InputType is passed to providers that embed documents and queries
	// differently (cohere: search_document, search_query).
	InputType string `yaml:"input_type,omitempty" json:"input_type,omitempty"`
}

func (c *EmbedderConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = EmbedderOllama
		if os.Getenv("OPENAI_API_KEY") != "" {
			c.Provider = EmbedderOpenAI
		}
	}
	switch c.Provider {
	case EmbedderOpenAI:
		if c.APIKey == "" {
			c.APIKey = os.Getenv("OPENAI_API_KEY")
		}
		if c.Model == "" {
			c.Model = "text-embedding-3-small"
		}
		if c.BaseURL == "" {
			c.BaseURL = "https://api.openai.com/v1"
		}
		if c.Dimension == 0 {
			c.Dimension = openAIDimension(c.Model)
		}
	case EmbedderCohere:
		if c.APIKey == "" {
			c.APIKey = os.Getenv("COHERE_API_KEY")
		}
		if c.Model == "" {
			c.Model = "embed-english-v3.0"
		}
		if c.BaseURL == "" {
			c.BaseURL = "https://api.cohere.com/v1"
		}
		if c.Dimension == 0 {
			c.Dimension = cohereDimension(c.Model)
		}
		if c.BatchSize == 0 {
			c.BatchSize = 96
		}
	case EmbedderOllama:
		if c.Model == "" {
			c.Model = "nomic-embed-text"
		}
		if c.BaseURL == "" {
			c.BaseURL = "http://localhost:11434"
		}
		if c.Dimension == 0 {
			c.Dimension = 768
		}
	case EmbedderHash:
		if c.Model == "" {
			c.Model = "hash"
		}
		if c.Dimension == 0 {
			c.Dimension = 256
		}
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
	if c.RateLimit > 0 && c.Burst == 0 {
		c.Burst = 1
	}
}

func openAIDimension(model string) int {
	switch model {
	case "text-embedding-3-large":
		return 3072
	default:
		return 1536
	}
}

func cohereDimension(model string) int {
	switch model {
	case "embed-english-light-v3.0", "embed-multilingual-light-v3.0":
		return 384
	default:
		return 1024
	}
}

func (c *EmbedderConfig) Validate() error {
	switch c.Provider {
	case EmbedderOpenAI:
		if c.APIKey == "" {
			return fmt.Errorf("api_key is required for openai (set embedder.api_key or OPENAI_API_KEY)")
		}
	case EmbedderCohere:
		if c.APIKey == "" {
			return fmt.Errorf("api_key is required for cohere (set embedder.api_key or COHERE_API_KEY)")
		}
		if c.BatchSize > 96 {
			return fmt.Errorf("batch_size must be at most 96 for cohere")
		}
	case EmbedderOllama, EmbedderHash:
	default:
		return fmt.Errorf("invalid provider %q (valid: openai, cohere, ollama, hash)", c.Provider)
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("dimension must be positive")
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate_limit must be non-negative")
	}
	return nil
}
