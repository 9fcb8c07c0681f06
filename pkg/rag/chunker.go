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
	"fmt"
	"math"
	"sort"
	"strings"
)

// ChunkerConfig sizes chunks in tokens.
type ChunkerConfig struct {
	// Window is the maximum chunk size.
	Window int

	// Overlap is the number of tokens consecutive fixed chunks share.
	Overlap int

	// OverlapFraction, when positive, replaces Overlap with
	// round(OverlapFraction * Window).
	OverlapFraction float64
}

// Resolve returns the effective window and overlap, or an error matching
// ErrInvalidChunkConfig.
func (c ChunkerConfig) Resolve() (window, overlap int, err error) {
	window, overlap = c.Window, c.Overlap
	if c.OverlapFraction > 0 {
		overlap = int(math.Round(c.OverlapFraction * float64(window)))
	}
	switch {
	case window <= 0:
		err = fmt.Errorf("window must be positive, got %d", window)
	case overlap < 0:
		err = fmt.Errorf("overlap must be non-negative, got %d", overlap)
	case overlap >= window:
		err = fmt.Errorf("overlap (%d) must be less than window (%d)", overlap, window)
	}
	if err != nil {
		return 0, 0, &ChunkingError{Strategy: StrategyFixed, Message: err.Error(), Err: ErrInvalidChunkConfig}
	}
	return window, overlap, nil
}

// Chunker splits text into chunks with one of the strategies.
type Chunker struct {
	tok     Tokenizer
	window  int
	overlap int
}

// NewChunker validates cfg and creates a chunker.
func NewChunker(cfg ChunkerConfig, tok Tokenizer) (*Chunker, error) {
	window, overlap, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}
	if tok == nil {
		tok = WordTokenizer{}
	}
	return &Chunker{tok: tok, window: window, overlap: overlap}, nil
}

func (c *Chunker) Window() int  { return c.window }
func (c *Chunker) Overlap() int { return c.overlap }

func (c *Chunker) Tokenizer() Tokenizer { return c.tok }

// Chunk splits content with the given strategy. Chunks are returned in
// document order with contiguous indexes. Blank content yields no chunks.
func (c *Chunker) Chunk(content string, strategy Strategy) ([]Chunk, error) {
	spans := c.tok.Tokenize(content)
	if len(spans) == 0 {
		return nil, nil
	}

	var chunks []Chunk
	switch strategy {
	case StrategyFixed:
		chunks = c.fixed(content, spans, 0, len(spans), "", strategy)
	case StrategyParagraph:
		chunks = c.paragraphs(content, spans)
	case StrategySection:
		chunks = c.sections(content, spans)
	default:
		return nil, &ChunkingError{Strategy: strategy, Message: "unknown strategy", Err: ErrInvalidChunkConfig}
	}

	for i := range chunks {
		chunks[i].Index = i
	}
	return chunks, nil
}

// fixed slides the window over tokens [from, to).
func (c *Chunker) fixed(content string, spans []Span, from, to int, section string, strategy Strategy) []Chunk {
	var out []Chunk
	step := c.window - c.overlap
	for start := from; start < to; start += step {
		end := min(start+c.window, to)
		out = append(out, c.makeChunk(content, spans, start, end, section, strategy))
		if end == to {
			break
		}
	}
	return out
}

// paragraphs packs consecutive blocks while they fit in the window.
// Oversized blocks are split with the fixed window.
func (c *Chunker) paragraphs(content string, spans []Span) []Chunk {
	var (
		out        []Chunk
		curS, curE = -1, -1
	)
	flush := func() {
		if curS >= 0 && curE > curS {
			out = append(out, c.makeChunk(content, spans, curS, curE, "", StrategyParagraph))
		}
		curS, curE = -1, -1
	}

	for _, r := range segmentRanges(spans, blockBounds(content, false)) {
		a, b := r[0], r[1]
		switch {
		case a == b:
			continue
		case b-a > c.window:
			flush()
			out = append(out, c.fixed(content, spans, a, b, "", StrategyParagraph)...)
		case curS >= 0 && b-curS <= c.window:
			curE = b
		default:
			flush()
			curS, curE = a, b
		}
	}
	flush()
	return out
}

// sections emits one chunk per heading-delimited section.
func (c *Chunker) sections(content string, spans []Span) []Chunk {
	bounds := blockBounds(content, true)
	ranges := segmentRanges(spans, bounds)

	var out []Chunk
	for i, r := range ranges {
		a, b := r[0], r[1]
		if a == b {
			continue
		}
		title := bounds[i].title
		if b-a > c.window {
			out = append(out, c.fixed(content, spans, a, b, title, StrategySection)...)
			continue
		}
		out = append(out, c.makeChunk(content, spans, a, b, title, StrategySection))
	}
	return out
}

func (c *Chunker) makeChunk(content string, spans []Span, start, end int, section string, strategy Strategy) Chunk {
	return Chunk{
		Content:    strings.TrimSpace(content[spans[start].Start:spans[end-1].End]),
		Strategy:   strategy,
		Section:    section,
		StartToken: start,
		EndToken:   end,
	}
}

type bound struct {
	start int
	title string
}

// blockBounds partitions content at block starts. With headingsOnly, only
// heading blocks open a new part; text before the first heading forms a
// leading untitled part.
func blockBounds(content string, headingsOnly bool) []bound {
	bounds := []bound{{start: 0}}
	for _, b := range parseBlocks(content) {
		if headingsOnly && !b.heading {
			continue
		}
		if b.start == 0 {
			bounds[0].title = b.title
			continue
		}
		bounds = append(bounds, bound{start: b.start, title: b.title})
	}
	return bounds
}

// segmentRanges maps byte partitions to token index ranges [a, b). A token
// belongs to the part its first byte falls in. The result is aligned with
// bounds; parts without tokens get an empty range.
func segmentRanges(spans []Span, bounds []bound) [][2]int {
	ranges := make([][2]int, len(bounds))
	for i, bd := range bounds {
		a := sort.Search(len(spans), func(k int) bool { return spans[k].Start >= bd.start })
		b := len(spans)
		if i+1 < len(bounds) {
			next := bounds[i+1].start
			b = sort.Search(len(spans), func(k int) bool { return spans[k].Start >= next })
		}
		ranges[i] = [2]int{a, b}
	}
	return ranges
}
