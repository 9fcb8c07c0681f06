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
	"encoding/xml"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/ledongthuc/pdf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestNormalizeMimeType(t *testing.T) {
	assert.Equal(t, "text/plain", NormalizeMimeType("Text/Plain; charset=UTF-8"))
	assert.Equal(t, "text/html", NormalizeMimeType(" text/html "))
	assert.Equal(t, "", NormalizeMimeType(""))
}

func TestDetectMimeType(t *testing.T) {
	tests := []struct {
		filename string
		data     string
		want     string
	}{
		{"notes.md", "# hi", MimeMarkdown},
		{"REPORT.PDF", "", MimePDF},
		{"sheet.xlsx", "", MimeXLSX},
		{"letter.docx", "", MimeDOCX},
		{"", "<!DOCTYPE html><html><body>x</body></html>", MimeHTML},
		{"", "%PDF-1.7\n", MimePDF},
		{"", "plain words", MimePlain},
		{"blob", "\x00\x01\x02", "application/octet-stream"},
	}
	for _, tt := range tests {
		t.Run(tt.filename+tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectMimeType(tt.filename, []byte(tt.data)))
		})
	}
}

func TestExtractorRegistry_Unsupported(t *testing.T) {
	r := NewExtractorRegistry()
	_, err := r.Extract(context.Background(), []byte("x"), "application/msword")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))

	var ee *ExtractionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "application/msword", ee.MimeType)
}

func TestExtractorRegistry_Supports(t *testing.T) {
	r := NewExtractorRegistry()
	for _, mt := range []string{MimePlain, MimeMarkdown, MimeHTML, MimePDF, MimeDOCX, MimeXLSX, "text/plain; charset=utf-8"} {
		assert.True(t, r.Supports(mt), mt)
	}
	assert.False(t, r.Supports("image/png"))
	assert.Contains(t, r.MimeTypes(), MimePDF)
}

func TestTextExtractor(t *testing.T) {
	out, err := (&TextExtractor{}).Extract(context.Background(), []byte("\xef\xbb\xbfline one\r\nline two\xff"))
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\uFFFD", out)
}

func TestHTMLExtractor(t *testing.T) {
	page := `<!DOCTYPE html>
<html>
<head><title>Ignored</title><style>body { color: red }</style></head>
<body>
  <h1>Welcome   Guide</h1>
  <p>First   paragraph with <b>bold</b> text.</p>
  <script>alert("x")</script>
  <h2>Details</h2>
  <ul><li>one</li><li>two</li></ul>
  <p>Tom &amp; Jerry<br>second line</p>
</body>
</html>`

	out, err := (&HTMLExtractor{}).Extract(context.Background(), []byte(page))
	require.NoError(t, err)

	assert.Equal(t, "# Welcome Guide\n\nFirst paragraph with bold text.\n\n## Details\n\none\ntwo\n\nTom & Jerry\nsecond line", out)
	assert.NotContains(t, out, "alert")
	assert.NotContains(t, out, "Ignored")
}

func TestWordprocessingText(t *testing.T) {
	body := `<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>
<w:p><w:pPr><w:pStyle w:val="Heading1"/></w:pPr><w:r><w:t>Overview</w:t></w:r></w:p>
<w:p><w:r><w:t xml:space="preserve">Hello </w:t></w:r><w:r><w:t>world</w:t></w:r></w:p>
<w:p></w:p>
<w:p><w:r><w:t>a</w:t><w:tab/><w:t>b</w:t></w:r></w:p>
</w:body></w:document>`

	out, err := wordprocessingText(body)
	require.NoError(t, err)
	assert.Equal(t, "# Overview\n\nHello world\n\na\tb", out)
}

func TestHeadingStyleLevel(t *testing.T) {
	assert.Equal(t, 2, headingStyleLevel(attrs("Heading2")))
	assert.Equal(t, 1, headingStyleLevel(attrs("Title")))
	assert.Equal(t, 3, headingStyleLevel(attrs("heading 3")))
	assert.Equal(t, 0, headingStyleLevel(attrs("Normal")))
}

func TestXLSXExtractor(t *testing.T) {
	f := excelize.NewFile()
	require.NoError(t, f.SetCellValue("Sheet1", "A1", "Name"))
	require.NoError(t, f.SetCellValue("Sheet1", "B1", "Price"))
	require.NoError(t, f.SetCellValue("Sheet1", "A2", "Widget"))
	require.NoError(t, f.SetCellValue("Sheet1", "B2", 42))
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	require.NoError(t, f.Close())

	out, err := (&XLSXExtractor{}).Extract(context.Background(), buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "## Sheet1\n\nName | Price\nWidget | 42", out)
}

func TestPDFExtractor_InvalidData(t *testing.T) {
	_, err := (&PDFExtractor{}).Extract(context.Background(), []byte("not a pdf"))
	assert.Error(t, err)
}

func TestPDFExtractor_Fixture(t *testing.T) {
	data, err := os.ReadFile("testdata/sample.pdf")
	require.NoError(t, err)

	out, err := (&PDFExtractor{}).Extract(context.Background(), data)
	require.NoError(t, err)
	assert.Equal(t, "Warder runtime guide\n\nAgents answer from their documents", out)

	viaRegistry, err := NewExtractorRegistry().Extract(context.Background(), data, DetectMimeType("guide.pdf", data))
	require.NoError(t, err)
	assert.Equal(t, out, viaRegistry)
}

func TestPDFExtractor_PanicBecomesError(t *testing.T) {
	orig := openPDF
	openPDF = func(io.ReaderAt, int64) (*pdf.Reader, error) {
		panic("malformed PDF: unexpected token")
	}
	t.Cleanup(func() { openPDF = orig })

	var out string
	var err error
	require.NotPanics(t, func() {
		out, err = (&PDFExtractor{}).Extract(context.Background(), []byte("%PDF-1.4\n"))
	})
	require.Error(t, err)
	assert.Empty(t, out)

	var extractErr *ExtractionError
	require.ErrorAs(t, err, &extractErr)
	assert.Equal(t, "pdf", extractErr.Extractor)
	assert.Contains(t, err.Error(), "unexpected token")
}

func TestDocxExtractor_Fixture(t *testing.T) {
	data, err := os.ReadFile("testdata/sample.docx")
	require.NoError(t, err)

	out, err := (&DocxExtractor{}).Extract(context.Background(), data)
	require.NoError(t, err)
	assert.Equal(t, "# Refund Policy\n\nDamaged items are refunded within 30 days.\n\n## Exceptions\n\nGift cards\tfinal sale", out)
}

func TestDocxExtractor_InvalidData(t *testing.T) {
	_, err := (&DocxExtractor{}).Extract(context.Background(), []byte("not a zip"))
	assert.Error(t, err)
}

func attrs(val string) []xml.Attr {
	return []xml.Attr{{Name: xml.Name{Space: "w", Local: "val"}, Value: val}}
}
