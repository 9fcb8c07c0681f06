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
)

var (
	// ErrUnsupportedFormat is returned for MIME types no extractor handles.
	ErrUnsupportedFormat = errors.New("unsupported document format")

	// ErrInvalidChunkConfig is returned when window/overlap are unusable.
	ErrInvalidChunkConfig = errors.New("invalid chunk configuration")

	// ErrEmbeddingFailed is returned when a chunk cannot be embedded after
	// all retries.
	ErrEmbeddingFailed = errors.New("embedding failed")

	// ErrIngestionFailed marks a document whose ingestion did not complete.
	ErrIngestionFailed = errors.New("ingestion failed")

	// ErrNoContent is returned when extraction yields no text.
	ErrNoContent = errors.New("document has no extractable text")
)

// ExtractionError represents an error during content extraction.
type ExtractionError struct {
	Extractor string // Extractor name
	MimeType  string
	Message   string
	Err       error
}

func (e *ExtractionError) Error() string {
	msg := fmt.Sprintf("[%s] extraction failed for %s: %s", e.Extractor, e.MimeType, e.Message)
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// NewExtractionError creates a new ExtractionError.
func NewExtractionError(extractor, mimeType, message string, err error) *ExtractionError {
	return &ExtractionError{
		Extractor: extractor,
		MimeType:  mimeType,
		Message:   message,
		Err:       err,
	}
}

// ChunkingError represents an error during chunking.
type ChunkingError struct {
	Strategy Strategy
	Message  string
	Err      error
}

func (e *ChunkingError) Error() string {
	msg := fmt.Sprintf("[%s] chunking failed: %s", e.Strategy, e.Message)
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *ChunkingError) Unwrap() error {
	return e.Err
}

// EmbeddingError reports a chunk that could not be embedded.
type EmbeddingError struct {
	ChunkIndex int
	Attempts   int
	Err        error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("chunk %d: embedding failed after %d attempts: %v", e.ChunkIndex, e.Attempts, e.Err)
}

func (e *EmbeddingError) Unwrap() error {
	return e.Err
}

// Is makes every EmbeddingError match ErrEmbeddingFailed.
func (e *EmbeddingError) Is(target error) bool {
	return target == ErrEmbeddingFailed
}

// Ingestion stages, in order.
const (
	StageExtract = "extract"
	StageChunk   = "chunk"
	StageEmbed   = "embed"
)

// IngestionError wraps the failure of one stage of Ingest. It matches
// ErrIngestionFailed and unwraps to the stage error.
type IngestionError struct {
	Stage string
	Err   error
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf("ingestion failed at %s: %v", e.Stage, e.Err)
}

func (e *IngestionError) Unwrap() error {
	return e.Err
}

func (e *IngestionError) Is(target error) bool {
	return target == ErrIngestionFailed
}

// FailedStage returns the stage recorded in an IngestionError, or "".
func FailedStage(err error) string {
	var ie *IngestionError
	if errors.As(err, &ie) {
		return ie.Stage
	}
	return ""
}
