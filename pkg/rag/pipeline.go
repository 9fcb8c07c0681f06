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

package rag

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/warder/pkg/embedder"
)

// PipelineConfig configures ingestion.
type PipelineConfig struct {
	Chunker   ChunkerConfig
	Detection DetectionConfig

	// Strategy, when set, is used for every document without an override.
	Strategy Strategy

	// EmbedRetries is the number of retries per chunk after the first
	// attempt.
	EmbedRetries    int
	EmbedRetryDelay time.Duration

	// EmbedConcurrency bounds parallel embedding calls per document.
	EmbedConcurrency int
}

// IngestRecorder observes finished ingestions.
type IngestRecorder interface {
	RecordIngest(ctx context.Context, strategy string, chunks int, duration time.Duration, err error)
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithExtractors replaces the default extractor registry.
func WithExtractors(r *ExtractorRegistry) PipelineOption {
	return func(p *Pipeline) { p.extractors = r }
}

// WithRecorder reports every Ingest to r.
func WithRecorder(r IngestRecorder) PipelineOption {
	return func(p *Pipeline) { p.recorder = r }
}

// Pipeline extracts, chunks and embeds documents. It holds no per-document
// state and is safe for concurrent use.
type Pipeline struct {
	cfg        PipelineConfig
	extractors *ExtractorRegistry
	chunker    *Chunker
	embedder   embedder.Embedder
	retryer    *Retryer
	recorder   IngestRecorder
}

// NewPipeline validates the chunk configuration and builds a pipeline.
func NewPipeline(cfg PipelineConfig, tok Tokenizer, emb embedder.Embedder, opts ...PipelineOption) (*Pipeline, error) {
	if emb == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if _, err := ParseStrategy(string(cfg.Strategy)); err != nil {
		return nil, err
	}
	chunker, err := NewChunker(cfg.Chunker, tok)
	if err != nil {
		return nil, err
	}

	cfg.Detection.SetDefaults()
	if cfg.EmbedConcurrency <= 0 {
		cfg.EmbedConcurrency = 4
	}
	if cfg.EmbedRetries < 0 {
		cfg.EmbedRetries = 0
	}

	p := &Pipeline{
		cfg:        cfg,
		extractors: NewExtractorRegistry(),
		chunker:    chunker,
		embedder:   emb,
		retryer: NewRetryer(RetryConfig{
			MaxRetries: cfg.EmbedRetries,
			BaseDelay:  cfg.EmbedRetryDelay,
		}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Extractors returns the registry used by the pipeline.
func (p *Pipeline) Extractors() *ExtractorRegistry { return p.extractors }

// Embedder returns the embedder used by the pipeline.
func (p *Pipeline) Embedder() embedder.Embedder { return p.embedder }

// Ingest turns a document into embedded chunks. An empty override uses the
// configured strategy, or detects one from the document structure.
//
// Errors match ErrIngestionFailed and carry the failed stage; the stage
// error stays reachable (ErrUnsupportedFormat, ErrInvalidChunkConfig,
// ErrEmbeddingFailed). On error no chunks are returned.
func (p *Pipeline) Ingest(ctx context.Context, data []byte, mimeType string, override Strategy) (chunks []Chunk, err error) {
	start := time.Now()
	var strategy Strategy
	defer func() {
		if p.recorder != nil {
			p.recorder.RecordIngest(ctx, string(strategy), len(chunks), time.Since(start), err)
		}
	}()

	if IsGenericMimeType(mimeType) {
		mimeType = DetectMimeType("", data)
	}

	content, err := p.extractors.Extract(ctx, data, mimeType)
	if err != nil {
		return nil, &IngestionError{Stage: StageExtract, Err: err}
	}

	strategy, err = p.selectStrategy(content, override)
	if err != nil {
		return nil, &IngestionError{Stage: StageChunk, Err: err}
	}

	chunks, err = p.chunker.Chunk(content, strategy)
	if err != nil {
		return nil, &IngestionError{Stage: StageChunk, Err: err}
	}
	if len(chunks) == 0 {
		return nil, &IngestionError{Stage: StageExtract, Err: ErrNoContent}
	}

	slog.Debug("Document chunked", "mime", NormalizeMimeType(mimeType), "strategy", strategy, "chunks", len(chunks))

	if err := p.embed(ctx, chunks); err != nil {
		chunks = nil
		return nil, &IngestionError{Stage: StageEmbed, Err: err}
	}
	return chunks, nil
}

func (p *Pipeline) selectStrategy(content string, override Strategy) (Strategy, error) {
	if _, err := ParseStrategy(string(override)); err != nil {
		return "", err
	}
	if override != "" {
		return override, nil
	}
	if p.cfg.Strategy != "" {
		return p.cfg.Strategy, nil
	}
	structure := Analyze(content, p.chunker.Tokenizer())
	return p.cfg.Detection.Select(structure, p.chunker.Window()), nil
}

// embed fills chunk embeddings in place. The first chunk to exhaust its
// retries cancels the rest.
func (p *Pipeline) embed(ctx context.Context, chunks []Chunk) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.EmbedConcurrency)

	dim := p.embedder.Dimension()
	for i := range chunks {
		g.Go(func() error {
			attempts := 0
			vec, err := DoWithResult(gctx, p.retryer, fmt.Sprintf("embed chunk %d", i), func() ([]float32, error) {
				attempts++
				v, err := p.embedder.Embed(gctx, chunks[i].Content)
				if err != nil {
					return nil, err
				}
				if dim > 0 && len(v) != dim {
					return nil, fmt.Errorf("embedding dimension %d, expected %d", len(v), dim)
				}
				return v, nil
			})
			if err != nil {
				return &EmbeddingError{ChunkIndex: i, Attempts: attempts, Err: err}
			}
			chunks[i].Embedding = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}
