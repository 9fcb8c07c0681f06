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
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func words(prefix string, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return strings.Join(parts, " ")
}

func TestWordTokenizer(t *testing.T) {
	spans := WordTokenizer{}.Tokenize("  hello  world\n")
	assert.Equal(t, []Span{{Start: 2, End: 7}, {Start: 9, End: 14}}, spans)
	assert.Empty(t, WordTokenizer{}.Tokenize(" \n\t "))
	assert.Equal(t, 3, CountTokens(WordTokenizer{}, "héllo wörld ☃"))
}

func TestChunkerConfig_Resolve(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ChunkerConfig
		window  int
		overlap int
		wantErr bool
	}{
		{name: "plain", cfg: ChunkerConfig{Window: 50, Overlap: 10}, window: 50, overlap: 10},
		{name: "fraction", cfg: ChunkerConfig{Window: 50, OverlapFraction: 0.2}, window: 50, overlap: 10},
		{name: "fraction rounds", cfg: ChunkerConfig{Window: 7, OverlapFraction: 0.25}, window: 7, overlap: 2},
		{name: "zero overlap", cfg: ChunkerConfig{Window: 5}, window: 5, overlap: 0},
		{name: "zero window", cfg: ChunkerConfig{Window: 0}, wantErr: true},
		{name: "overlap equals window", cfg: ChunkerConfig{Window: 10, Overlap: 10}, wantErr: true},
		{name: "negative overlap", cfg: ChunkerConfig{Window: 10, Overlap: -1}, wantErr: true},
		{name: "full fraction", cfg: ChunkerConfig{Window: 10, OverlapFraction: 1}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, o, err := tt.cfg.Resolve()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidChunkConfig))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.window, w)
			assert.Equal(t, tt.overlap, o)
		})
	}
}

func TestChunker_FixedOverlap(t *testing.T) {
	text := words("a", 40) + "\n\n" + words("b", 40) + "\n\n" + words("c", 40)
	c, err := NewChunker(ChunkerConfig{Window: 50, Overlap: 10}, WordTokenizer{})
	require.NoError(t, err)

	chunks, err := c.Chunk(text, StrategyFixed)
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	for i, ch := range chunks {
		assert.Equal(t, i, ch.Index)
		assert.Equal(t, StrategyFixed, ch.Strategy)
		assert.LessOrEqual(t, len(strings.Fields(ch.Content)), 50)
	}
	for i := 0; i+1 < len(chunks); i++ {
		cur := strings.Fields(chunks[i].Content)
		next := strings.Fields(chunks[i+1].Content)
		assert.Equal(t, cur[len(cur)-10:], next[:10], "chunk %d and %d should share 10 tokens", i, i+1)
		assert.Equal(t, chunks[i].EndToken-10, chunks[i+1].StartToken)
	}
	assert.Equal(t, 120, chunks[len(chunks)-1].EndToken)
}

func TestChunker_FixedShortText(t *testing.T) {
	c, err := NewChunker(ChunkerConfig{Window: 50, Overlap: 10}, nil)
	require.NoError(t, err)

	chunks, err := c.Chunk("just a few words", StrategyFixed)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "just a few words", chunks[0].Content)
	assert.Equal(t, 0, chunks[0].StartToken)
	assert.Equal(t, 4, chunks[0].EndToken)
}

func TestChunker_Empty(t *testing.T) {
	c, err := NewChunker(ChunkerConfig{Window: 10}, nil)
	require.NoError(t, err)
	for _, s := range []Strategy{StrategyFixed, StrategyParagraph, StrategySection} {
		chunks, err := c.Chunk("  \n\n ", s)
		require.NoError(t, err)
		assert.Empty(t, chunks)
	}
}

func TestChunker_UnknownStrategy(t *testing.T) {
	c, err := NewChunker(ChunkerConfig{Window: 10}, nil)
	require.NoError(t, err)
	_, err = c.Chunk("text", Strategy("semantic"))
	assert.ErrorIs(t, err, ErrInvalidChunkConfig)
}

func TestChunker_ParagraphPacking(t *testing.T) {
	text := "a b c\n\nd e f\n\n" + words("g", 13) + "\n\ns t"
	c, err := NewChunker(ChunkerConfig{Window: 10, Overlap: 2}, WordTokenizer{})
	require.NoError(t, err)

	chunks, err := c.Chunk(text, StrategyParagraph)
	require.NoError(t, err)
	require.Len(t, chunks, 4)

	assert.Equal(t, "a b c\n\nd e f", chunks[0].Content)
	assert.Equal(t, words("g", 10), chunks[1].Content)
	assert.Equal(t, [2]int{14, 19}, [2]int{chunks[2].StartToken, chunks[2].EndToken})
	assert.Equal(t, "s t", chunks[3].Content)
	for i, ch := range chunks {
		assert.Equal(t, i, ch.Index)
		assert.Equal(t, StrategyParagraph, ch.Strategy)
	}
}

func TestChunker_Sections(t *testing.T) {
	text := "Preface line.\n\n# Intro\n\nWelcome text here.\n\n# Usage\n\nRun the tool.\nMore usage."
	c, err := NewChunker(ChunkerConfig{Window: 50, Overlap: 5}, WordTokenizer{})
	require.NoError(t, err)

	chunks, err := c.Chunk(text, StrategySection)
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	assert.Equal(t, "", chunks[0].Section)
	assert.Equal(t, "Preface line.", chunks[0].Content)
	assert.Equal(t, "Intro", chunks[1].Section)
	assert.Equal(t, "# Intro\n\nWelcome text here.", chunks[1].Content)
	assert.Equal(t, "Usage", chunks[2].Section)
	assert.Equal(t, "# Usage\n\nRun the tool.\nMore usage.", chunks[2].Content)
}

func TestChunker_LargeSectionSplit(t *testing.T) {
	text := "# Big\n\n" + words("w", 30) + "\n\n# Small\n\nshort body"
	c, err := NewChunker(ChunkerConfig{Window: 12, Overlap: 2}, WordTokenizer{})
	require.NoError(t, err)

	chunks, err := c.Chunk(text, StrategySection)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 2)

	last := chunks[len(chunks)-1]
	assert.Equal(t, "Small", last.Section)
	for _, ch := range chunks[:len(chunks)-1] {
		assert.Equal(t, "Big", ch.Section)
		assert.Equal(t, StrategySection, ch.Strategy)
		assert.LessOrEqual(t, ch.EndToken-ch.StartToken, 12)
	}
}

func TestChunker_Deterministic(t *testing.T) {
	text := "# A\n\n" + words("x", 100) + "\n\n# B\n\n" + words("y", 20)
	c, err := NewChunker(ChunkerConfig{Window: 16, Overlap: 4}, WordTokenizer{})
	require.NoError(t, err)

	for _, s := range []Strategy{StrategyFixed, StrategyParagraph, StrategySection} {
		first, err := c.Chunk(text, s)
		require.NoError(t, err)
		second, err := c.Chunk(text, s)
		require.NoError(t, err)
		assert.Equal(t, first, second, "strategy %s", s)
	}
}
