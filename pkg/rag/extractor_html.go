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
	"bytes"
	"context"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// HTMLExtractor renders HTML to text. Headings become markdown headings so
// section detection sees them; script, style and head content is dropped.
type HTMLExtractor struct{}

func (*HTMLExtractor) Name() string { return "html" }

func (*HTMLExtractor) MimeTypes() []string {
	return []string{MimeHTML, "application/xhtml+xml"}
}

func (*HTMLExtractor) Extract(_ context.Context, data []byte) (string, error) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}
	var b strings.Builder
	renderHTML(doc, &b)
	return normalizeText(b.String()), nil
}

var headingLevels = map[atom.Atom]int{
	atom.H1: 1, atom.H2: 2, atom.H3: 3, atom.H4: 4, atom.H5: 5, atom.H6: 6,
}

func renderHTML(n *html.Node, b *strings.Builder) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		return
	case html.CommentNode, html.DoctypeNode:
		return
	case html.ElementNode:
		switch n.DataAtom {
		case atom.Script, atom.Style, atom.Head, atom.Noscript, atom.Svg, atom.Template:
			return
		case atom.Br:
			b.WriteString("\n")
			return
		case atom.Hr:
			b.WriteString("\n\n")
			return
		}
		if level, ok := headingLevels[n.DataAtom]; ok {
			var inner strings.Builder
			renderChildren(n, &inner)
			title := strings.Join(strings.Fields(inner.String()), " ")
			if title != "" {
				b.WriteString("\n\n" + strings.Repeat("#", level) + " " + title + "\n\n")
			}
			return
		}
	}

	before, after := blockSeparators(n)
	b.WriteString(before)
	renderChildren(n, b)
	b.WriteString(after)
}

func renderChildren(n *html.Node, b *strings.Builder) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		renderHTML(c, b)
	}
}

// blockSeparators returns what goes before and after an element's text.
// Items start a new line; blocks are set apart by a blank line.
func blockSeparators(n *html.Node) (string, string) {
	if n.Type != html.ElementNode {
		return "", ""
	}
	switch n.DataAtom {
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Blockquote, atom.Pre,
		atom.Table, atom.Ul, atom.Ol, atom.Main, atom.Header, atom.Footer, atom.Aside:
		return "\n\n", "\n\n"
	case atom.Li, atom.Tr, atom.Dt, atom.Dd:
		return "\n", ""
	case atom.Td, atom.Th:
		return " ", ""
	}
	return "", ""
}

// normalizeText collapses runs of spaces within lines and runs of blank
// lines into a single blank line.
func normalizeText(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := true
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if !blank {
				out = append(out, "")
			}
			blank = true
			continue
		}
		out = append(out, line)
		blank = false
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
