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

// Package rag turns uploaded documents into embedded chunks ready for the
// knowledge store.
//
// # Pipeline
//
//	bytes + MIME type
//	   │
//	   ▼
//	ExtractorRegistry ── text, markdown, HTML, PDF, DOCX, XLSX
//	   │ plain text
//	   ▼
//	Analyze + DetectionConfig ── picks section, paragraph or fixed
//	   │
//	   ▼
//	Chunker (Tokenizer) ── ordered chunks with token offsets
//	   │
//	   ▼
//	Embedder (bounded parallelism, per-chunk retries)
//	   │
//	   ▼
//	[]Chunk
//
// Ingest is deterministic: identical input and strategy produce the same
// chunk count, order and text. A document either yields a complete chunk
// set or an error; partial sets are never returned.
package rag

import "fmt"

// Strategy identifies a chunking strategy.
type Strategy string

const (
	// StrategySection splits at heading lines.
	StrategySection Strategy = "section"

	// StrategyParagraph packs blank-line separated paragraphs into chunks.
	StrategyParagraph Strategy = "paragraph"

	// StrategyFixed slides a token window with overlap over the text.
	StrategyFixed Strategy = "fixed"
)

// ParseStrategy validates a strategy name. The empty string means "detect".
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "", StrategySection, StrategyParagraph, StrategyFixed:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("%w: unknown strategy %q", ErrInvalidChunkConfig, s)
	}
}

// Chunk is a contiguous piece of a document.
type Chunk struct {
	// Index is the 0-based position within the document. Indexes are
	// contiguous.
	Index int `json:"index"`

	Content  string   `json:"content"`
	Strategy Strategy `json:"strategy"`

	// Section is the heading the chunk belongs to (section strategy only).
	Section string `json:"section,omitempty"`

	// StartToken and EndToken delimit the chunk in the document's token
	// stream, end exclusive.
	StartToken int `json:"start_token"`
	EndToken   int `json:"end_token"`

	Embedding []float32 `json:"embedding,omitempty"`
}
