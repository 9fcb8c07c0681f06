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
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Span is a token's byte range in the source text, end exclusive.
type Span struct {
	Start int
	End   int
}

// Tokenizer splits text into token spans. Spans are ordered, do not
// overlap, and fall on UTF-8 rune boundaries.
type Tokenizer interface {
	Name() string
	Tokenize(text string) []Span
}

// Tokenizer names.
const (
	TokenizerWords    = "words"
	TokenizerTiktoken = "tiktoken"
)

// NewTokenizer returns the tokenizer registered under name. model only
// matters for tiktoken.
func NewTokenizer(name, model string) (Tokenizer, error) {
	switch name {
	case "", TokenizerWords:
		return WordTokenizer{}, nil
	case TokenizerTiktoken:
		return NewTiktokenTokenizer(model)
	default:
		return nil, fmt.Errorf("unknown tokenizer %q (valid: words, tiktoken)", name)
	}
}

// CountTokens returns the number of tokens tok finds in text.
func CountTokens(tok Tokenizer, text string) int {
	return len(tok.Tokenize(text))
}

// WordTokenizer treats every maximal run of non-space runes as a token.
type WordTokenizer struct{}

func (WordTokenizer) Name() string { return TokenizerWords }

func (WordTokenizer) Tokenize(text string) []Span {
	var spans []Span
	start := -1
	for i, r := range text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				spans = append(spans, Span{Start: start, End: i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		spans = append(spans, Span{Start: start, End: len(text)})
	}
	return spans
}

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	encodingMu    sync.Mutex
)

// TiktokenTokenizer counts BPE tokens with the encoding of an OpenAI model.
type TiktokenTokenizer struct {
	encoding *tiktoken.Tiktoken
	model    string
}

// NewTiktokenTokenizer resolves the encoding for model, falling back to
// cl100k_base for unknown models.
func NewTiktokenTokenizer(model string) (*TiktokenTokenizer, error) {
	if model == "" {
		model = "text-embedding-3-small"
	}

	encodingMu.Lock()
	defer encodingMu.Unlock()

	if enc, ok := encodingCache[model]; ok {
		return &TiktokenTokenizer{encoding: enc, model: model}, nil
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding: %w", err)
		}
	}
	encodingCache[model] = enc
	return &TiktokenTokenizer{encoding: enc, model: model}, nil
}

func (t *TiktokenTokenizer) Name() string { return TokenizerTiktoken }

// Tokenize maps BPE ids back to byte spans. A token that ends inside a
// multi-byte rune is merged with its successor.
func (t *TiktokenTokenizer) Tokenize(text string) []Span {
	ids := t.encoding.Encode(text, nil, nil)
	spans := make([]Span, 0, len(ids))
	pos, start := 0, 0
	for _, id := range ids {
		pos += len(t.encoding.Decode([]int{id}))
		if pos > len(text) {
			pos = len(text)
		}
		if pos < len(text) && !utf8.RuneStart(text[pos]) {
			continue
		}
		if pos > start {
			spans = append(spans, Span{Start: start, End: pos})
			start = pos
		}
	}
	if start < len(text) {
		spans = append(spans, Span{Start: start, End: len(text)})
	}
	return spans
}
