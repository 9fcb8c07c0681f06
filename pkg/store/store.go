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

// Package store persists embedded chunks and the agent/document records
// that reference them.
//
// A Store holds chunk vectors and the agent→document associations that
// scope retrieval: Retrieve only ever scores chunks of documents attached
// to the requesting agent. Two backends exist, SQLStore (sqlite3,
// postgres, mysql) and ChromemStore (embedded chromem-go index with
// optional gob persistence).
//
// Metadata keeps the Agent and Document records and has SQL and
// in-memory implementations.
package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/kadirpekel/warder/pkg/rag"
)

var (
	// ErrStoreUnavailable reports a closed store, a connection failure or
	// an expired deadline. "No matches" is never reported as an error.
	ErrStoreUnavailable = errors.New("knowledge store unavailable")

	// ErrNotFound is returned by Metadata lookups.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate is returned when a unique constraint would be violated.
	ErrDuplicate = errors.New("record already exists")

	// ErrDimensionMismatch is returned when vectors of different lengths
	// meet in one document or query.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// StoreError carries the failing operation and backend of an
// unavailability error.
type StoreError struct {
	Op      string
	Backend string
	Err     error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStoreUnavailable }

func unavailable(backend, op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Backend: backend, Err: err}
}

// ScoredChunk is a retrieval result.
type ScoredChunk struct {
	DocumentID string  `json:"document_id"`
	Index      int     `json:"chunk_index"`
	Content    string  `json:"content"`
	Strategy   string  `json:"strategy"`
	Section    string  `json:"section,omitempty"`
	Score      float64 `json:"score"`
	Distance   float64 `json:"distance"`

	seq int64
}

// Store is the knowledge store contract shared by the control plane
// (writes) and the agent runtimes (reads).
type Store interface {
	// Persist replaces every chunk of documentID with chunks. A concurrent
	// Retrieve sees either the old set or the new one.
	Persist(ctx context.Context, documentID string, chunks []rag.Chunk) error

	// Retrieve returns at most k chunks reachable through agentID's
	// associations, by ascending cosine distance then insertion order.
	Retrieve(ctx context.Context, agentID string, query []float32, k int) ([]ScoredChunk, error)

	Associate(ctx context.Context, agentID, documentID string) error
	Dissociate(ctx context.Context, agentID, documentID string) error

	// DetachAgent drops every association of agentID.
	DetachAgent(ctx context.Context, agentID string) error

	// DeleteDocument removes the chunks and associations of documentID.
	DeleteDocument(ctx context.Context, documentID string) error

	// Documents lists the document IDs associated with agentID.
	Documents(ctx context.Context, agentID string) ([]string, error)

	// Agents lists the agent IDs associated with documentID.
	Agents(ctx context.Context, documentID string) ([]string, error)

	ChunkCount(ctx context.Context, documentID string) (int, error)

	Close() error
}

// cosine returns the cosine similarity of a and b. Zero vectors score 0.
func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// rank orders results by ascending distance, ties by insertion sequence,
// and truncates to k.
func rank(results []ScoredChunk, k int) []ScoredChunk {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].seq < results[j].seq
	})
	if len(results) > k {
		results = results[:k]
	}
	return results
}

func validateChunks(chunks []rag.Chunk) error {
	dim := -1
	for i, c := range chunks {
		if len(c.Embedding) == 0 {
			return fmt.Errorf("chunk %d has no embedding", i)
		}
		if dim >= 0 && len(c.Embedding) != dim {
			return fmt.Errorf("chunk %d: %w (got %d, want %d)", i, ErrDimensionMismatch, len(c.Embedding), dim)
		}
		dim = len(c.Embedding)
	}
	return nil
}
