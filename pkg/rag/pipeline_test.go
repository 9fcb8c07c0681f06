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
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/warder/pkg/embedder"
)

// flakyEmbedder fails every text containing poison, and fails the first
// failFirst calls for every other text.
type flakyEmbedder struct {
	*embedder.HashEmbedder

	poison    string
	failFirst int

	mu    sync.Mutex
	calls map[string]int
}

func newFlakyEmbedder(poison string, failFirst int) *flakyEmbedder {
	return &flakyEmbedder{
		HashEmbedder: embedder.NewHashEmbedder(16),
		poison:       poison,
		failFirst:    failFirst,
		calls:        make(map[string]int),
	}
}

func (f *flakyEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	f.calls[text]++
	n := f.calls[text]
	f.mu.Unlock()

	if f.poison != "" && strings.Contains(text, f.poison) {
		return nil, errors.New("model rejected input")
	}
	if n <= f.failFirst {
		return nil, errors.New("503 service unavailable")
	}
	return f.HashEmbedder.Embed(ctx, text)
}

func (f *flakyEmbedder) callsFor(substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for text, n := range f.calls {
		if strings.Contains(text, substr) {
			total += n
		}
	}
	return total
}

type recordedIngest struct {
	strategy string
	chunks   int
	err      error
}

type ingestRecorder struct {
	mu   sync.Mutex
	seen []recordedIngest
}

func (r *ingestRecorder) RecordIngest(_ context.Context, strategy string, chunks int, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, recordedIngest{strategy: strategy, chunks: chunks, err: err})
}

func testPipeline(t *testing.T, emb embedder.Embedder, opts ...PipelineOption) *Pipeline {
	t.Helper()
	p, err := NewPipeline(PipelineConfig{
		Chunker:          ChunkerConfig{Window: 50, Overlap: 10},
		EmbedRetries:     2,
		EmbedRetryDelay:  time.Millisecond,
		EmbedConcurrency: 3,
	}, WordTokenizer{}, emb, opts...)
	require.NoError(t, err)
	return p
}

func TestPipeline_ReingestIsIdempotent(t *testing.T) {
	p := testPipeline(t, embedder.NewHashEmbedder(32))
	doc := []byte("# Setup\n\n" + words("s", 70) + "\n\n# Usage\n\n" + words("u", 20))

	first, err := p.Ingest(context.Background(), doc, "text/markdown", "")
	require.NoError(t, err)
	second, err := p.Ingest(context.Background(), doc, "text/markdown", "")
	require.NoError(t, err)

	require.NotEmpty(t, first)
	assert.Equal(t, first, second)
	for i, ch := range first {
		assert.Equal(t, i, ch.Index)
		assert.Equal(t, StrategySection, ch.Strategy)
		assert.Len(t, ch.Embedding, 32)
	}
}

func TestPipeline_FixedOverride(t *testing.T) {
	p := testPipeline(t, embedder.NewHashEmbedder(8))
	doc := []byte(words("a", 40) + "\n\n" + words("b", 40) + "\n\n" + words("c", 40))

	chunks, err := p.Ingest(context.Background(), doc, "text/plain", StrategyFixed)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(chunks), 3)
	for i := 0; i+1 < len(chunks); i++ {
		cur := strings.Fields(chunks[i].Content)
		next := strings.Fields(chunks[i+1].Content)
		assert.Equal(t, cur[len(cur)-10:], next[:10])
	}
}

func TestPipeline_DetectsParagraphs(t *testing.T) {
	p := testPipeline(t, embedder.NewHashEmbedder(8))
	doc := []byte("First paragraph here.\n\nSecond paragraph here.\n\nThird paragraph.")

	chunks, err := p.Ingest(context.Background(), doc, "text/plain; charset=utf-8", "")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, StrategyParagraph, chunks[0].Strategy)
}

func TestPipeline_GenericMimeIsSniffed(t *testing.T) {
	p := testPipeline(t, embedder.NewHashEmbedder(8))
	chunks, err := p.Ingest(context.Background(), []byte("hello there"), "application/octet-stream", "")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "hello there", chunks[0].Content)
}

func TestPipeline_UnsupportedFormat(t *testing.T) {
	rec := &ingestRecorder{}
	p := testPipeline(t, embedder.NewHashEmbedder(8), WithRecorder(rec))

	chunks, err := p.Ingest(context.Background(), []byte{0x89, 'P', 'N', 'G'}, "image/png", "")
	require.Error(t, err)
	assert.Nil(t, chunks)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	assert.ErrorIs(t, err, ErrIngestionFailed)
	assert.Equal(t, StageExtract, FailedStage(err))

	require.Len(t, rec.seen, 1)
	assert.Error(t, rec.seen[0].err)
}

func TestPipeline_EmptyDocument(t *testing.T) {
	p := testPipeline(t, embedder.NewHashEmbedder(8))
	_, err := p.Ingest(context.Background(), []byte("   \n\n "), "text/plain", "")
	assert.ErrorIs(t, err, ErrNoContent)
	assert.ErrorIs(t, err, ErrIngestionFailed)
}

func TestPipeline_InvalidOverride(t *testing.T) {
	p := testPipeline(t, embedder.NewHashEmbedder(8))
	_, err := p.Ingest(context.Background(), []byte("text"), "text/plain", Strategy("semantic"))
	assert.ErrorIs(t, err, ErrInvalidChunkConfig)
	assert.Equal(t, StageChunk, FailedStage(err))
}

func TestPipeline_TransientEmbeddingErrorsAreRetried(t *testing.T) {
	emb := newFlakyEmbedder("", 2)
	p := testPipeline(t, emb)

	chunks, err := p.Ingest(context.Background(), []byte(words("w", 120)), "text/plain", StrategyFixed)
	require.NoError(t, err)
	for _, ch := range chunks {
		assert.Len(t, ch.Embedding, 16)
	}
	assert.Equal(t, 3, emb.callsFor("w0 "))
}

func TestPipeline_EmbeddingFailureDiscardsDocument(t *testing.T) {
	emb := newFlakyEmbedder("poison", 0)
	rec := &ingestRecorder{}
	p := testPipeline(t, emb, WithRecorder(rec))

	doc := []byte(words("a", 40) + " poison " + words("b", 80))
	chunks, err := p.Ingest(context.Background(), doc, "text/plain", StrategyFixed)
	require.Error(t, err)
	assert.Nil(t, chunks)
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
	assert.ErrorIs(t, err, ErrIngestionFailed)
	assert.Equal(t, StageEmbed, FailedStage(err))

	var ee *EmbeddingError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 3, ee.Attempts)

	require.Len(t, rec.seen, 1)
	assert.Equal(t, 0, rec.seen[0].chunks)
	assert.Equal(t, string(StrategyFixed), rec.seen[0].strategy)
}

type wrongDimension struct{ *embedder.HashEmbedder }

func (w wrongDimension) Dimension() int { return 99 }

func TestPipeline_DimensionMismatch(t *testing.T) {
	p := testPipeline(t, wrongDimension{embedder.NewHashEmbedder(8)})
	_, err := p.Ingest(context.Background(), []byte("some words"), "text/plain", "")
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
}

func TestPipeline_ContextCancelled(t *testing.T) {
	p := testPipeline(t, embedder.NewHashEmbedder(8))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Ingest(ctx, []byte(words("w", 200)), "text/plain", StrategyFixed)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, ErrIngestionFailed)
}

func TestNewPipeline_Validation(t *testing.T) {
	_, err := NewPipeline(PipelineConfig{Chunker: ChunkerConfig{Window: 10}}, nil, nil)
	assert.Error(t, err)

	_, err = NewPipeline(PipelineConfig{Chunker: ChunkerConfig{Window: 10, Overlap: 20}}, nil, embedder.NewHashEmbedder(4))
	assert.ErrorIs(t, err, ErrInvalidChunkConfig)

	_, err = NewPipeline(PipelineConfig{Chunker: ChunkerConfig{Window: 10}, Strategy: "bogus"}, nil, embedder.NewHashEmbedder(4))
	assert.ErrorIs(t, err, ErrInvalidChunkConfig)
}
