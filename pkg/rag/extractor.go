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
	"mime"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"
)

// Extractor turns document bytes into plain text.
type Extractor interface {
	// Name returns the extractor name for logging.
	Name() string

	// MimeTypes lists the normalized MIME types the extractor handles.
	MimeTypes() []string

	// Extract returns the document text.
	Extract(ctx context.Context, data []byte) (string, error)
}

// MIME types with dedicated extractors.
const (
	MimePlain    = "text/plain"
	MimeMarkdown = "text/markdown"
	MimeHTML     = "text/html"
	MimePDF      = "application/pdf"
	MimeDOCX     = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MimeXLSX     = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// ExtractorRegistry dispatches extraction by MIME type.
type ExtractorRegistry struct {
	byType map[string]Extractor
}

// NewExtractorRegistry creates a registry with the built-in extractors.
func NewExtractorRegistry() *ExtractorRegistry {
	r := &ExtractorRegistry{byType: make(map[string]Extractor)}
	r.Register(&TextExtractor{})
	r.Register(&HTMLExtractor{})
	r.Register(&PDFExtractor{})
	r.Register(&DocxExtractor{})
	r.Register(&XLSXExtractor{})
	return r
}

// Register adds an extractor, replacing any previous one for its types.
func (r *ExtractorRegistry) Register(e Extractor) {
	for _, t := range e.MimeTypes() {
		r.byType[NormalizeMimeType(t)] = e
	}
}

// Supports reports whether mimeType has an extractor.
func (r *ExtractorRegistry) Supports(mimeType string) bool {
	_, ok := r.byType[NormalizeMimeType(mimeType)]
	return ok
}

// MimeTypes lists every supported MIME type, sorted.
func (r *ExtractorRegistry) MimeTypes() []string {
	out := make([]string, 0, len(r.byType))
	for t := range r.byType {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Extract runs the extractor registered for mimeType. Unknown types fail
// with an ExtractionError wrapping ErrUnsupportedFormat.
func (r *ExtractorRegistry) Extract(ctx context.Context, data []byte, mimeType string) (string, error) {
	mt := NormalizeMimeType(mimeType)
	e, ok := r.byType[mt]
	if !ok {
		return "", NewExtractionError("registry", mt, "no extractor registered", ErrUnsupportedFormat)
	}
	out, err := e.Extract(ctx, data)
	if err != nil {
		return "", NewExtractionError(e.Name(), mt, "extract", err)
	}
	return out, nil
}

// NormalizeMimeType lower-cases a MIME type and drops its parameters.
func NormalizeMimeType(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if mt, _, err := mime.ParseMediaType(s); err == nil {
		return mt
	}
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = s[:i]
	}
	return strings.ToLower(strings.TrimSpace(s))
}

var extensionTypes = map[string]string{
	".txt":      MimePlain,
	".text":     MimePlain,
	".log":      MimePlain,
	".md":       MimeMarkdown,
	".markdown": MimeMarkdown,
	".csv":      "text/csv",
	".tsv":      "text/tab-separated-values",
	".json":     "application/json",
	".yaml":     "application/yaml",
	".yml":      "application/yaml",
	".html":     MimeHTML,
	".htm":      MimeHTML,
	".xhtml":    "application/xhtml+xml",
	".pdf":      MimePDF,
	".docx":     MimeDOCX,
	".xlsx":     MimeXLSX,
}

// IsGenericMimeType reports whether a declared type says nothing useful.
func IsGenericMimeType(mimeType string) bool {
	switch NormalizeMimeType(mimeType) {
	case "", "application/octet-stream", "binary/octet-stream", "application/zip":
		return true
	}
	return false
}

// DetectMimeType guesses a MIME type from the filename extension, then
// from the content.
func DetectMimeType(filename string, data []byte) string {
	if ext := strings.ToLower(filepath.Ext(filename)); ext != "" {
		if mt, ok := extensionTypes[ext]; ok {
			return mt
		}
		if mt := mime.TypeByExtension(ext); mt != "" {
			return NormalizeMimeType(mt)
		}
	}
	mt := NormalizeMimeType(http.DetectContentType(data))
	if mt == "application/octet-stream" && utf8.Valid(data) && !bytes.ContainsRune(data, 0) {
		return MimePlain
	}
	return mt
}

// TextExtractor handles plain text formats, markdown included.
type TextExtractor struct{}

func (*TextExtractor) Name() string { return "text" }

func (*TextExtractor) MimeTypes() []string {
	return []string{
		MimePlain, MimeMarkdown, "text/x-markdown", "text/csv",
		"text/tab-separated-values", "application/json", "application/yaml",
		"text/yaml", "application/x-yaml", "text/x-rst",
	}
}

func (*TextExtractor) Extract(_ context.Context, data []byte) (string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	s := strings.ToValidUTF8(string(data), "\uFFFD")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n"), nil
}
