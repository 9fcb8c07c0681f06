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
	"regexp"
	"strings"
	"sync"
	"unicode"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// DetectionConfig holds the thresholds used to pick a chunking strategy
// when the caller does not force one.
type DetectionConfig struct {
	// SectionMinHeadings is the minimum number of headings for section
	// chunking.
	SectionMinHeadings int

	// SectionMinRatio is the minimum headings/paragraphs ratio for section
	// chunking.
	SectionMinRatio float64

	// ParagraphMinCount is the minimum number of paragraphs for paragraph
	// chunking.
	ParagraphMinCount int
}

// DefaultDetectionConfig returns the default thresholds.
func DefaultDetectionConfig() DetectionConfig {
	return DetectionConfig{
		SectionMinHeadings: 2,
		SectionMinRatio:    0.05,
		ParagraphMinCount:  3,
	}
}

func (d *DetectionConfig) SetDefaults() {
	def := DefaultDetectionConfig()
	if d.SectionMinHeadings <= 0 {
		d.SectionMinHeadings = def.SectionMinHeadings
	}
	if d.SectionMinRatio <= 0 {
		d.SectionMinRatio = def.SectionMinRatio
	}
	if d.ParagraphMinCount <= 0 {
		d.ParagraphMinCount = def.ParagraphMinCount
	}
}

// Structure summarizes the layout of extracted text.
type Structure struct {
	Headings   int
	Paragraphs int
	Tokens     int

	// MeanParagraphTokens is Tokens / Paragraphs, zero without paragraphs.
	MeanParagraphTokens float64
}

// Analyze inspects text for headings and paragraphs.
func Analyze(content string, tok Tokenizer) Structure {
	var s Structure
	for _, b := range parseBlocks(content) {
		if b.heading {
			s.Headings++
		} else {
			s.Paragraphs++
		}
	}
	s.Tokens = CountTokens(tok, content)
	if s.Paragraphs > 0 {
		s.MeanParagraphTokens = float64(s.Tokens) / float64(s.Paragraphs)
	}
	return s
}

// Select picks a strategy for a document of the given structure.
func (d DetectionConfig) Select(s Structure, window int) Strategy {
	if s.Headings >= d.SectionMinHeadings && s.Paragraphs > 0 &&
		float64(s.Headings)/float64(s.Paragraphs) >= d.SectionMinRatio {
		return StrategySection
	}
	if s.Paragraphs >= d.ParagraphMinCount && s.MeanParagraphTokens <= float64(window) {
		return StrategyParagraph
	}
	return StrategyFixed
}

// block is a top-level unit of the document: a heading line or a body
// block (paragraph, list, code, quote). Blocks are ordered by start.
type block struct {
	start   int
	heading bool
	title   string
}

var (
	markdownOnce   sync.Once
	markdownParser goldmark.Markdown

	numberedHeading = regexp.MustCompile(`^\d+(\.\d+)*\.?\s+\p{Lu}`)
)

func getMarkdownParser() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdownParser = goldmark.New()
	})
	return markdownParser
}

// parseBlocks finds top-level blocks. Markdown headings (ATX and setext)
// come from the parser; plain-text headings are recognized when the first
// line of a block is numbered ("2.1 Scope") or written in capitals.
func parseBlocks(content string) []block {
	source := []byte(content)
	doc := getMarkdownParser().Parser().Parse(text.NewReader(source))

	var blocks []block
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		start, stop, ok := nodeRange(n)
		if !ok {
			continue
		}
		start = lineStart(content, start)

		if h, isHeading := n.(*ast.Heading); isHeading {
			blocks = append(blocks, block{start: start, heading: true, title: headingTitle(h, source)})
			continue
		}

		first, rest := firstLine(content, start, stop)
		if isPlainHeading(first, n) {
			blocks = append(blocks, block{start: start, heading: true, title: strings.TrimSpace(first)})
			if rest >= 0 {
				blocks = append(blocks, block{start: rest})
			}
			continue
		}
		blocks = append(blocks, block{start: start})
	}
	return blocks
}

// nodeRange returns the byte range covered by the lines of n and its
// descendants.
func nodeRange(n ast.Node) (int, int, bool) {
	start, stop, found := 0, 0, false
	_ = ast.Walk(n, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering || node.Type() != ast.TypeBlock {
			return ast.WalkContinue, nil
		}
		lines := node.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			if !found || seg.Start < start {
				start = seg.Start
			}
			if !found || seg.Stop > stop {
				stop = seg.Stop
			}
			found = true
		}
		return ast.WalkContinue, nil
	})
	return start, stop, found
}

func headingTitle(h *ast.Heading, source []byte) string {
	var b strings.Builder
	lines := h.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		if i > 0 {
			b.WriteByte(' ')
		}
		b.Write(seg.Value(source))
	}
	return strings.TrimSpace(b.String())
}

func lineStart(s string, pos int) int {
	if pos > len(s) {
		pos = len(s)
	}
	return strings.LastIndexByte(s[:pos], '\n') + 1
}

// firstLine returns the first line of s[start:stop] and the offset of the
// following line, or -1 when the block is a single line.
func firstLine(s string, start, stop int) (string, int) {
	if stop > len(s) {
		stop = len(s)
	}
	seg := s[start:stop]
	i := strings.IndexByte(seg, '\n')
	if i < 0 {
		return seg, -1
	}
	rest := start + i + 1
	if strings.TrimSpace(s[rest:stop]) == "" {
		return seg[:i], -1
	}
	return seg[:i], rest
}

func isPlainHeading(line string, n ast.Node) bool {
	line = strings.TrimSpace(line)
	if len(line) < 3 || len(line) > 80 || strings.HasSuffix(line, ".") || strings.HasSuffix(line, ",") {
		return false
	}
	if len(strings.Fields(line)) > 12 {
		return false
	}

	switch n.Kind() {
	case ast.KindParagraph:
		return numberedHeading.MatchString(line) || isCapsLine(line)
	case ast.KindList:
		// "1. Introduction" parses as a one item ordered list.
		list := n.(*ast.List)
		return list.IsOrdered() && list.ChildCount() == 1 && numberedHeading.MatchString(line)
	}
	return false
}

func isCapsLine(line string) bool {
	letters := 0
	for _, r := range line {
		if unicode.IsLower(r) {
			return false
		}
		if unicode.IsLetter(r) {
			letters++
		}
	}
	return letters >= 3
}
