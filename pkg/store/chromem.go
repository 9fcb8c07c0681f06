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

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"sync"

	"github.com/philippgille/chromem-go"

	"github.com/kadirpekel/warder/pkg/rag"
	"github.com/kadirpekel/warder/pkg/utils"
)

const backendChromem = "chromem"

// ChromemConfig configures the embedded index.
type ChromemConfig struct {
	// PersistPath enables gob persistence under this directory. Empty keeps
	// everything in memory.
	PersistPath string

	// Compress gzips the vector file.
	Compress bool
}

// ChromemStore keeps one chromem collection per document and answers
// retrieval by querying the collections of an agent's documents.
//
// Writes hold the exclusive lock for the whole replace, so Retrieve never
// observes a half written document. When persistence is enabled every
// mutation rewrites the snapshot that agent runtimes load at startup.
type ChromemStore struct {
	mu sync.RWMutex

	db          *chromem.DB
	persistPath string
	compress    bool
	closed      bool

	// agents maps agent ID to its associated document IDs.
	agents  map[string]map[string]struct{}
	nextSeq int64

	// generations maps a document to the collection holding its live
	// chunks. A replace fills a new generation and drops the old one only
	// once the new one is complete.
	generations map[string]int64

	embeddingFunc chromem.EmbeddingFunc
}

// chromemState is the association side file written next to the vectors.
type chromemState struct {
	NextSeq     int64               `json:"next_seq"`
	Agents      map[string][]string `json:"agents"`
	Generations map[string]int64    `json:"generations,omitempty"`
}

// NewChromemStore opens the embedded index, loading an existing snapshot
// from cfg.PersistPath when there is one.
func NewChromemStore(cfg ChromemConfig) (*ChromemStore, error) {
	s := &ChromemStore{
		db:          chromem.NewDB(),
		persistPath: cfg.PersistPath,
		compress:    cfg.Compress,
		agents:      make(map[string]map[string]struct{}),
		nextSeq:     1,
		generations: make(map[string]int64),
		embeddingFunc: func(ctx context.Context, text string) ([]float32, error) {
			return nil, fmt.Errorf("embedding function called but vectors should be pre-computed")
		},
	}

	if s.persistPath == "" {
		slog.Debug("Created in-memory knowledge index (no persistence)")
		return s, nil
	}

	if _, err := utils.EnsureDir(s.persistPath); err != nil {
		return nil, err
	}

	if _, err := os.Stat(s.vectorsPath()); err == nil {
		//nolint:staticcheck // Import pairs with Export below
		if err := s.db.Import(s.vectorsPath(), ""); err != nil {
			return nil, fmt.Errorf("failed to load knowledge index %s: %w", s.vectorsPath(), err)
		}
		slog.Info("Loaded knowledge index from file", "path", s.vectorsPath())
	}

	if err := s.loadState(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ChromemStore) vectorsPath() string {
	p := filepath.Join(s.persistPath, "vectors.gob")
	if s.compress {
		p += ".gz"
	}
	return p
}

func (s *ChromemStore) statePath() string {
	return filepath.Join(s.persistPath, "associations.json")
}

func (s *ChromemStore) loadState() error {
	data, err := os.ReadFile(s.statePath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read associations: %w", err)
	}

	var state chromemState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to parse associations: %w", err)
	}
	if state.NextSeq > s.nextSeq {
		s.nextSeq = state.NextSeq
	}
	for agentID, docs := range state.Agents {
		set := make(map[string]struct{}, len(docs))
		for _, d := range docs {
			set[d] = struct{}{}
		}
		s.agents[agentID] = set
	}
	for documentID, gen := range state.Generations {
		s.generations[documentID] = gen
	}
	return nil
}

// persist writes both files. Callers hold the write lock.
func (s *ChromemStore) persist() error {
	if s.persistPath == "" {
		return nil
	}

	//nolint:staticcheck // Using deprecated function for compatibility
	if err := s.db.Export(s.vectorsPath(), s.compress, ""); err != nil {
		return fmt.Errorf("failed to persist knowledge index: %w", err)
	}

	state := chromemState{
		NextSeq:     s.nextSeq,
		Agents:      make(map[string][]string, len(s.agents)),
		Generations: s.generations,
	}
	for agentID, docs := range s.agents {
		state.Agents[agentID] = sortedKeys(docs)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode associations: %w", err)
	}

	return utils.WriteFileAtomic(s.statePath(), data, 0644)
}

// collectionName names the collection of one generation of a document.
// Generation 0 is the layout of snapshots written before generations.
func collectionName(documentID string, gen int64) string {
	if gen == 0 {
		return "doc_" + documentID
	}
	return "doc_" + documentID + "_g" + strconv.FormatInt(gen, 10)
}

// collection returns the live collection of documentID, or nil. Callers
// hold the lock.
func (s *ChromemStore) collection(documentID string) *chromem.Collection {
	return s.db.GetCollection(collectionName(documentID, s.generations[documentID]), s.embeddingFunc)
}

func (s *ChromemStore) Persist(ctx context.Context, documentID string, chunks []rag.Chunk) error {
	if documentID == "" {
		return fmt.Errorf("document ID is required")
	}
	if err := validateChunks(chunks); err != nil {
		return err
	}

	docs := make([]chromem.Document, len(chunks))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return unavailable(backendChromem, "persist", errors.New("store is closed"))
	}

	for i, c := range chunks {
		docs[i] = chromem.Document{
			ID:      documentID + "#" + strconv.Itoa(i),
			Content: c.Content,
			Metadata: map[string]string{
				"document_id": documentID,
				"index":       strconv.Itoa(i),
				"strategy":    string(c.Strategy),
				"section":     c.Section,
				"seq":         strconv.FormatInt(s.nextSeq+int64(i), 10),
			},
			Embedding: c.Embedding,
		}
	}

	if err := ctx.Err(); err != nil {
		return unavailable(backendChromem, "persist", err)
	}

	// The new chunks go into a fresh generation. The previous one stays
	// live until the new one holds every chunk.
	gen := s.nextSeq
	name := collectionName(documentID, gen)
	col, err := s.db.GetOrCreateCollection(name, map[string]string{"document_id": documentID}, s.embeddingFunc)
	if err != nil {
		return unavailable(backendChromem, "persist", err)
	}
	if len(docs) > 0 {
		// AddDocuments returns nil when ctx ends while its workers skip
		// the remaining documents, so the count is checked as well.
		err = col.AddDocuments(ctx, docs, runtime.NumCPU())
		if err == nil {
			err = ctx.Err()
		}
		if err == nil && col.Count() != len(docs) {
			err = fmt.Errorf("stored %d of %d chunks", col.Count(), len(docs))
		}
		if err != nil {
			_ = s.db.DeleteCollection(name)
			return unavailable(backendChromem, "persist", err)
		}
	}

	if prev := s.collection(documentID); prev != nil {
		if err := s.db.DeleteCollection(prev.Name); err != nil {
			slog.Warn("Failed to drop replaced chunks", "document", documentID, "error", err)
		}
	}
	s.generations[documentID] = gen
	s.nextSeq += int64(len(docs)) + 1

	return s.persist()
}

func (s *ChromemStore) Retrieve(ctx context.Context, agentID string, query []float32, k int) ([]ScoredChunk, error) {
	if len(query) == 0 {
		return nil, fmt.Errorf("query vector is empty")
	}
	if k <= 0 {
		return []ScoredChunk{}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, unavailable(backendChromem, "retrieve", errors.New("store is closed"))
	}

	results := []ScoredChunk{}
	for _, documentID := range sortedKeys(s.agents[agentID]) {
		if err := ctx.Err(); err != nil {
			return nil, unavailable(backendChromem, "retrieve", err)
		}
		col := s.collection(documentID)
		if col == nil || col.Count() == 0 {
			continue
		}
		n := min(k, col.Count())
		found, err := col.QueryEmbedding(ctx, query, n, nil, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil, unavailable(backendChromem, "retrieve", ctx.Err())
			}
			return nil, fmt.Errorf("document %s: %w", documentID, err)
		}
		for _, r := range found {
			results = append(results, scoredFromResult(documentID, r))
		}
	}
	return rank(results, k), nil
}

func scoredFromResult(documentID string, r chromem.Result) ScoredChunk {
	score := float64(r.Similarity)
	if math.IsNaN(score) {
		score = 0
	}
	index, _ := strconv.Atoi(r.Metadata["index"])
	seq, _ := strconv.ParseInt(r.Metadata["seq"], 10, 64)
	return ScoredChunk{
		DocumentID: documentID,
		Index:      index,
		Content:    r.Content,
		Strategy:   r.Metadata["strategy"],
		Section:    r.Metadata["section"],
		Score:      score,
		Distance:   1 - score,
		seq:        seq,
	}
}

func (s *ChromemStore) Associate(ctx context.Context, agentID, documentID string) error {
	if agentID == "" || documentID == "" {
		return fmt.Errorf("agent ID and document ID are required")
	}
	return s.mutate("associate", func() {
		set, ok := s.agents[agentID]
		if !ok {
			set = make(map[string]struct{})
			s.agents[agentID] = set
		}
		set[documentID] = struct{}{}
	})
}

func (s *ChromemStore) Dissociate(ctx context.Context, agentID, documentID string) error {
	return s.mutate("dissociate", func() {
		if set, ok := s.agents[agentID]; ok {
			delete(set, documentID)
			if len(set) == 0 {
				delete(s.agents, agentID)
			}
		}
	})
}

func (s *ChromemStore) DetachAgent(ctx context.Context, agentID string) error {
	return s.mutate("detach agent", func() {
		delete(s.agents, agentID)
	})
}

func (s *ChromemStore) DeleteDocument(ctx context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return unavailable(backendChromem, "delete document", errors.New("store is closed"))
	}

	for agentID, set := range s.agents {
		delete(set, documentID)
		if len(set) == 0 {
			delete(s.agents, agentID)
		}
	}
	if col := s.collection(documentID); col != nil {
		if err := s.db.DeleteCollection(col.Name); err != nil {
			return unavailable(backendChromem, "delete document", err)
		}
	}
	delete(s.generations, documentID)
	return s.persist()
}

func (s *ChromemStore) mutate(op string, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return unavailable(backendChromem, op, errors.New("store is closed"))
	}
	fn()
	return s.persist()
}

func (s *ChromemStore) Documents(ctx context.Context, agentID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, unavailable(backendChromem, "documents", errors.New("store is closed"))
	}
	return sortedKeys(s.agents[agentID]), nil
}

func (s *ChromemStore) Agents(ctx context.Context, documentID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, unavailable(backendChromem, "agents", errors.New("store is closed"))
	}
	agents := []string{}
	for agentID, set := range s.agents {
		if _, ok := set[documentID]; ok {
			agents = append(agents, agentID)
		}
	}
	sort.Strings(agents)
	return agents, nil
}

func (s *ChromemStore) ChunkCount(ctx context.Context, documentID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, unavailable(backendChromem, "chunk count", errors.New("store is closed"))
	}
	col := s.collection(documentID)
	if col == nil {
		return 0, nil
	}
	return col.Count(), nil
}

// Close persists the index and rejects further calls.
func (s *ChromemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.persist()
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var (
	_ Store = (*ChromemStore)(nil)
	_ Store = (*SQLStore)(nil)
)
