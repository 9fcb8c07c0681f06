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
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/xuri/excelize/v2"
)

// PDFExtractor extracts page text from PDF documents.
type PDFExtractor struct{}

func (*PDFExtractor) Name() string        { return "pdf" }
func (*PDFExtractor) MimeTypes() []string { return []string{MimePDF} }

// openPDF is swapped in tests.
var openPDF = pdf.NewReader

// Extract recovers from parser panics, which the PDF library raises on
// malformed object graphs, and reports them as extraction errors.
func (x *PDFExtractor) Extract(ctx context.Context, data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text, err = "", NewExtractionError(x.Name(), MimePDF, "malformed PDF", fmt.Errorf("parser panic: %v", r))
		}
	}()
	return readPDF(ctx, data)
}

func readPDF(ctx context.Context, data []byte) (string, error) {
	reader, err := openPDF(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to parse PDF: %w", err)
	}

	var pages []string
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("page %d: %w", pageNum, err)
		}
		if text = strings.TrimSpace(text); text != "" {
			pages = append(pages, text)
		}
	}
	return strings.Join(pages, "\n\n"), nil
}

// DocxExtractor extracts paragraphs from Word documents. Paragraphs styled
// as headings are rendered as markdown headings.
type DocxExtractor struct{}

func (*DocxExtractor) Name() string        { return "docx" }
func (*DocxExtractor) MimeTypes() []string { return []string{MimeDOCX} }

func (*DocxExtractor) Extract(_ context.Context, data []byte) (string, error) {
	doc, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to open Word document: %w", err)
	}
	defer doc.Close()

	return wordprocessingText(doc.Editable().GetContent())
}

// wordprocessingText walks WordprocessingML and keeps the text runs.
func wordprocessingText(body string) (string, error) {
	dec := xml.NewDecoder(strings.NewReader(body))
	var (
		out     []string
		para    strings.Builder
		level   int
		inText  bool
		inParas int
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("invalid document XML: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "p":
				inParas++
				para.Reset()
				level = 0
			case "pStyle":
				level = headingStyleLevel(t.Attr)
			case "t":
				inText = true
			case "tab":
				para.WriteByte('\t')
			case "br", "cr":
				para.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				inParas--
				text := strings.TrimSpace(para.String())
				if text == "" {
					continue
				}
				if level > 0 {
					text = strings.Repeat("#", level) + " " + text
				}
				out = append(out, text)
			}
		case xml.CharData:
			if inText && inParas > 0 {
				para.Write(t)
			}
		}
	}
	return strings.Join(out, "\n\n"), nil
}

func headingStyleLevel(attrs []xml.Attr) int {
	for _, a := range attrs {
		if a.Name.Local != "val" {
			continue
		}
		v := strings.ToLower(strings.ReplaceAll(a.Value, " ", ""))
		if v == "title" {
			return 1
		}
		if rest, ok := strings.CutPrefix(v, "heading"); ok && len(rest) == 1 && rest[0] >= '1' && rest[0] <= '6' {
			return int(rest[0] - '0')
		}
	}
	return 0
}

// XLSXExtractor renders every sheet as a titled block of rows.
type XLSXExtractor struct{}

func (*XLSXExtractor) Name() string        { return "xlsx" }
func (*XLSXExtractor) MimeTypes() []string { return []string{MimeXLSX} }

func (*XLSXExtractor) Extract(ctx context.Context, data []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to open spreadsheet: %w", err)
	}
	defer f.Close()

	var parts []string
	for _, sheet := range f.GetSheetList() {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", fmt.Errorf("sheet %q: %w", sheet, err)
		}

		var lines []string
		for _, row := range rows {
			cells := make([]string, 0, len(row))
			for _, cell := range row {
				cells = append(cells, strings.TrimSpace(cell))
			}
			line := strings.TrimRight(strings.Join(cells, " | "), " |")
			if line != "" {
				lines = append(lines, line)
			}
		}
		if len(lines) == 0 {
			continue
		}
		parts = append(parts, "## "+sheet+"\n\n"+strings.Join(lines, "\n"))
	}
	return strings.Join(parts, "\n\n"), nil
}
