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
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/kadirpekel/warder/pkg/rag"
)

const backendSQL = "sql"

var chunksTableSQL = map[string]string{
	"sqlite": `
CREATE TABLE IF NOT EXISTS chunks (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    document_id VARCHAR(64) NOT NULL,
    chunk_index INTEGER NOT NULL,
    content TEXT NOT NULL,
    strategy VARCHAR(32) NOT NULL,
    section TEXT,
    start_token INTEGER NOT NULL,
    end_token INTEGER NOT NULL,
    embedding BLOB NOT NULL,
    UNIQUE (document_id, chunk_index)
)`,
	"postgres": `
CREATE TABLE IF NOT EXISTS chunks (
    seq BIGSERIAL PRIMARY KEY,
    document_id VARCHAR(64) NOT NULL,
    chunk_index INTEGER NOT NULL,
    content TEXT NOT NULL,
    strategy VARCHAR(32) NOT NULL,
    section TEXT,
    start_token INTEGER NOT NULL,
    end_token INTEGER NOT NULL,
    embedding BYTEA NOT NULL,
    UNIQUE (document_id, chunk_index)
)`,
	"mysql": `
CREATE TABLE IF NOT EXISTS chunks (
    seq BIGINT PRIMARY KEY AUTO_INCREMENT,
    document_id VARCHAR(64) NOT NULL,
    chunk_index INTEGER NOT NULL,
    content LONGTEXT NOT NULL,
    strategy VARCHAR(32) NOT NULL,
    section TEXT,
    start_token INTEGER NOT NULL,
    end_token INTEGER NOT NULL,
    embedding LONGBLOB NOT NULL,
    UNIQUE KEY uq_chunks_document (document_id, chunk_index)
)`,
}

const agentDocumentsTableSQL = `
CREATE TABLE IF NOT EXISTS agent_documents (
    agent_id VARCHAR(64) NOT NULL,
    document_id VARCHAR(64) NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (agent_id, document_id)
)`

var insertIgnorePrefix = map[string]string{
	"sqlite":   "INSERT OR IGNORE INTO",
	"postgres": "INSERT INTO",
	"mysql":    "INSERT IGNORE INTO",
}

// SQLStore keeps chunk vectors in a relational table and scores them in
// process. Associations live in agent_documents.
type SQLStore struct {
	db      *sql.DB
	dialect string
	timeout time.Duration
}

// NewSQLStore creates the schema if needed. The caller owns db.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect string, timeout time.Duration) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	ddl, ok := chunksTableSQL[dialect]
	if !ok {
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	s := &SQLStore{db: db, dialect: dialect, timeout: timeout}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	for _, stmt := range []string{ddl, agentDocumentsTableSQL} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, unavailable(backendSQL, "init schema", err)
		}
	}
	if dialect != "mysql" {
		// mysql has no CREATE INDEX IF NOT EXISTS
		if _, err := db.ExecContext(ctx,
			`CREATE INDEX IF NOT EXISTS idx_agent_documents_document ON agent_documents(document_id)`); err != nil {
			return nil, unavailable(backendSQL, "init schema", err)
		}
	}
	return s, nil
}

func (s *SQLStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// rebind rewrites ? placeholders for postgres.
func (s *SQLStore) rebind(query string) string {
	return rebind(s.dialect, query)
}

func rebind(dialect, query string) string {
	if dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Persist(ctx context.Context, documentID string, chunks []rag.Chunk) (err error) {
	if documentID == "" {
		return fmt.Errorf("document ID is required")
	}
	if err := validateChunks(chunks); err != nil {
		return err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(backendSQL, "persist", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM chunks WHERE document_id = ?`), documentID); err != nil {
		return unavailable(backendSQL, "persist", err)
	}

	stmt, err := tx.PrepareContext(ctx, s.rebind(`
INSERT INTO chunks (document_id, chunk_index, content, strategy, section, start_token, end_token, embedding)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return unavailable(backendSQL, "persist", err)
	}
	defer stmt.Close()

	for i, c := range chunks {
		if _, err = stmt.ExecContext(ctx, documentID, i, c.Content, string(c.Strategy), c.Section,
			c.StartToken, c.EndToken, encodeVector(c.Embedding)); err != nil {
			return unavailable(backendSQL, "persist", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return unavailable(backendSQL, "persist", err)
	}
	return nil
}

func (s *SQLStore) Retrieve(ctx context.Context, agentID string, query []float32, k int) ([]ScoredChunk, error) {
	if len(query) == 0 {
		return nil, fmt.Errorf("query vector is empty")
	}
	if k <= 0 {
		return []ScoredChunk{}, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT c.seq, c.document_id, c.chunk_index, c.content, c.strategy, c.section, c.embedding
FROM chunks c
JOIN agent_documents ad ON ad.document_id = c.document_id
WHERE ad.agent_id = ?`), agentID)
	if err != nil {
		return nil, unavailable(backendSQL, "retrieve", err)
	}
	defer rows.Close()

	results := []ScoredChunk{}
	for rows.Next() {
		var (
			r       ScoredChunk
			section sql.NullString
			blob    []byte
		)
		if err := rows.Scan(&r.seq, &r.DocumentID, &r.Index, &r.Content, &r.Strategy, &section, &blob); err != nil {
			return nil, unavailable(backendSQL, "retrieve", err)
		}
		vec := decodeVector(blob)
		if len(vec) != len(query) {
			return nil, fmt.Errorf("document %s chunk %d: %w (got %d, want %d)",
				r.DocumentID, r.Index, ErrDimensionMismatch, len(vec), len(query))
		}
		r.Section = section.String
		r.Score = cosine(query, vec)
		r.Distance = 1 - r.Score
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(backendSQL, "retrieve", err)
	}
	return rank(results, k), nil
}

func (s *SQLStore) Associate(ctx context.Context, agentID, documentID string) error {
	if agentID == "" || documentID == "" {
		return fmt.Errorf("agent ID and document ID are required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := insertIgnorePrefix[s.dialect] + ` agent_documents (agent_id, document_id, created_at) VALUES (?, ?, ?)`
	if s.dialect == "postgres" {
		query += ` ON CONFLICT DO NOTHING`
	}
	_, err := s.db.ExecContext(ctx, s.rebind(query), agentID, documentID, time.Now().UTC())
	return unavailable(backendSQL, "associate", err)
}

func (s *SQLStore) Dissociate(ctx context.Context, agentID, documentID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM agent_documents WHERE agent_id = ? AND document_id = ?`), agentID, documentID)
	return unavailable(backendSQL, "dissociate", err)
}

func (s *SQLStore) DetachAgent(ctx context.Context, agentID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM agent_documents WHERE agent_id = ?`), agentID)
	return unavailable(backendSQL, "detach agent", err)
}

func (s *SQLStore) DeleteDocument(ctx context.Context, documentID string) (err error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(backendSQL, "delete document", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, q := range []string{
		`DELETE FROM agent_documents WHERE document_id = ?`,
		`DELETE FROM chunks WHERE document_id = ?`,
	} {
		if _, err = tx.ExecContext(ctx, s.rebind(q), documentID); err != nil {
			return unavailable(backendSQL, "delete document", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return unavailable(backendSQL, "delete document", err)
	}
	return nil
}

func (s *SQLStore) Documents(ctx context.Context, agentID string) ([]string, error) {
	return s.ids(ctx, "documents",
		`SELECT document_id FROM agent_documents WHERE agent_id = ? ORDER BY created_at, document_id`, agentID)
}

func (s *SQLStore) Agents(ctx context.Context, documentID string) ([]string, error) {
	return s.ids(ctx, "agents",
		`SELECT agent_id FROM agent_documents WHERE document_id = ? ORDER BY created_at, agent_id`, documentID)
}

func (s *SQLStore) ids(ctx context.Context, op, query string, arg string) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, s.rebind(query), arg)
	if err != nil {
		return nil, unavailable(backendSQL, op, err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, unavailable(backendSQL, op, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(backendSQL, op, err)
	}
	return ids, nil
}

func (s *SQLStore) ChunkCount(ctx context.Context, documentID string) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM chunks WHERE document_id = ?`), documentID).Scan(&n)
	if err != nil {
		return 0, unavailable(backendSQL, "chunk count", err)
	}
	return n, nil
}

// Close is a no-op; the connection belongs to the DBPool.
func (s *SQLStore) Close() error { return nil }

// encodeVector packs a vector as little-endian float32s.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return v
}
