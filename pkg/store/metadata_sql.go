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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

const (
	createAgentsTableSQL = `
CREATE TABLE IF NOT EXISTS agents (
    id VARCHAR(64) NOT NULL PRIMARY KEY,
    owner_id VARCHAR(255) NOT NULL,
    name VARCHAR(255) NOT NULL,
    description TEXT,
    agent_type VARCHAR(32) NOT NULL,
    status VARCHAR(32) NOT NULL,
    status_detail TEXT,
    runtime_address VARCHAR(255),
    namespace VARCHAR(255) NOT NULL,
    container TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    UNIQUE (owner_id, name)
)`

	createDocumentsTableSQL = `
CREATE TABLE IF NOT EXISTS documents (
    id VARCHAR(64) NOT NULL PRIMARY KEY,
    owner_id VARCHAR(255) NOT NULL,
    filename VARCHAR(1024) NOT NULL,
    storage_path VARCHAR(2048),
    mime_type VARCHAR(255),
    size BIGINT NOT NULL,
    status VARCHAR(32) NOT NULL,
    strategy VARCHAR(32),
    chunk_count INTEGER NOT NULL,
    error TEXT,
    metadata TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`

	agentColumns    = `id, owner_id, name, description, agent_type, status, status_detail, runtime_address, namespace, container, created_at, updated_at`
	documentColumns = `id, owner_id, filename, storage_path, mime_type, size, status, strategy, chunk_count, error, metadata, created_at, updated_at`
)

// SQLMetadata stores agent and document records in the shared database.
type SQLMetadata struct {
	db      *sql.DB
	dialect string
}

// NewSQLMetadata creates the schema if needed. The caller owns db.
func NewSQLMetadata(ctx context.Context, db *sql.DB, dialect string) (*SQLMetadata, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	switch dialect {
	case "postgres", "mysql", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	m := &SQLMetadata{db: db, dialect: dialect}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, createAgentsTableSQL); err != nil {
		return nil, fmt.Errorf("failed to create agents table: %w", err)
	}
	if _, err := db.ExecContext(ctx, createDocumentsTableSQL); err != nil {
		return nil, fmt.Errorf("failed to create documents table: %w", err)
	}
	return m, nil
}

func (m *SQLMetadata) rebind(query string) string {
	return rebind(m.dialect, query)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (m *SQLMetadata) CreateAgent(ctx context.Context, agent *Agent) error {
	container, err := json.Marshal(agent.Container)
	if err != nil {
		return fmt.Errorf("failed to encode container config: %w", err)
	}
	stamp(&agent.CreatedAt, &agent.UpdatedAt)

	_, err = m.db.ExecContext(ctx, m.rebind(`INSERT INTO agents (`+agentColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		agent.ID, agent.OwnerID, agent.Name, agent.Description, string(agent.Type), string(agent.Status),
		agent.StatusDetail, agent.RuntimeAddress, agent.Namespace, string(container),
		agent.CreatedAt, agent.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("agent name %q: %w", agent.Name, ErrDuplicate)
		}
		return fmt.Errorf("failed to insert agent: %w", err)
	}
	return nil
}

func scanAgent(row rowScanner) (*Agent, error) {
	var (
		a                                        Agent
		agentType, status                        string
		description, detail, addr, containerJSON sql.NullString
	)
	if err := row.Scan(&a.ID, &a.OwnerID, &a.Name, &description, &agentType, &status, &detail, &addr,
		&a.Namespace, &containerJSON, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Type = AgentType(agentType)
	a.Status = AgentStatus(status)
	a.Description = description.String
	a.StatusDetail = detail.String
	a.RuntimeAddress = addr.String
	if containerJSON.String != "" {
		if err := json.Unmarshal([]byte(containerJSON.String), &a.Container); err != nil {
			return nil, fmt.Errorf("failed to decode container config of agent %s: %w", a.ID, err)
		}
	}
	return &a, nil
}

func (m *SQLMetadata) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := m.db.QueryRowContext(ctx, m.rebind(`SELECT `+agentColumns+` FROM agents WHERE id = ?`), id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load agent: %w", err)
	}
	return a, nil
}

func (m *SQLMetadata) ListAgents(ctx context.Context, ownerID string) ([]*Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	var args []any
	if ownerID != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at, id`

	rows, err := m.db.QueryContext(ctx, m.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	out := []*Agent{}
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (m *SQLMetadata) UpdateAgent(ctx context.Context, agent *Agent) error {
	container, err := json.Marshal(agent.Container)
	if err != nil {
		return fmt.Errorf("failed to encode container config: %w", err)
	}
	agent.UpdatedAt = time.Now().UTC()

	res, err := m.db.ExecContext(ctx, m.rebind(`UPDATE agents SET
    name = ?, description = ?, status = ?, status_detail = ?, runtime_address = ?,
    namespace = ?, container = ?, updated_at = ?
WHERE id = ?`),
		agent.Name, agent.Description, string(agent.Status), agent.StatusDetail,
		agent.RuntimeAddress, agent.Namespace, string(container), agent.UpdatedAt, agent.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("agent name %q: %w", agent.Name, ErrDuplicate)
		}
		return fmt.Errorf("failed to update agent: %w", err)
	}
	return expectOne(res, "agent", agent.ID)
}

func (m *SQLMetadata) DeleteAgent(ctx context.Context, id string) error {
	res, err := m.db.ExecContext(ctx, m.rebind(`DELETE FROM agents WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	return expectOne(res, "agent", id)
}

func (m *SQLMetadata) CreateDocument(ctx context.Context, doc *Document) error {
	metadata, err := encodeMetadata(doc.Metadata)
	if err != nil {
		return err
	}
	stamp(&doc.CreatedAt, &doc.UpdatedAt)
	_, err = m.db.ExecContext(ctx, m.rebind(`INSERT INTO documents (`+documentColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		doc.ID, doc.OwnerID, doc.Filename, doc.StoragePath, doc.MimeType, doc.Size,
		string(doc.Status), doc.Strategy, doc.ChunkCount, doc.Error, metadata, doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("document %s: %w", doc.ID, ErrDuplicate)
		}
		return fmt.Errorf("failed to insert document: %w", err)
	}
	return nil
}

func scanDocument(row rowScanner) (*Document, error) {
	var (
		d                                         Document
		status                                    string
		path, mime, strategy, errorText, metadata sql.NullString
	)
	if err := row.Scan(&d.ID, &d.OwnerID, &d.Filename, &path, &mime, &d.Size, &status,
		&strategy, &d.ChunkCount, &errorText, &metadata, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	if metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &d.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata of document %s: %w", d.ID, err)
		}
	}
	d.Status = DocumentStatus(status)
	d.StoragePath = path.String
	d.MimeType = mime.String
	d.Strategy = strategy.String
	d.Error = errorText.String
	return &d, nil
}

func (m *SQLMetadata) GetDocument(ctx context.Context, id string) (*Document, error) {
	row := m.db.QueryRowContext(ctx, m.rebind(`SELECT `+documentColumns+` FROM documents WHERE id = ?`), id)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document: %w", err)
	}
	return d, nil
}

func (m *SQLMetadata) ListDocuments(ctx context.Context, ownerID string) ([]*Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents`
	var args []any
	if ownerID != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at, id`

	rows, err := m.db.QueryContext(ctx, m.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	out := []*Document{}
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (m *SQLMetadata) UpdateDocument(ctx context.Context, doc *Document) error {
	metadata, err := encodeMetadata(doc.Metadata)
	if err != nil {
		return err
	}
	doc.UpdatedAt = time.Now().UTC()
	res, err := m.db.ExecContext(ctx, m.rebind(`UPDATE documents SET
    filename = ?, storage_path = ?, mime_type = ?, size = ?, status = ?, strategy = ?,
    chunk_count = ?, error = ?, metadata = ?, updated_at = ?
WHERE id = ?`),
		doc.Filename, doc.StoragePath, doc.MimeType, doc.Size, string(doc.Status), doc.Strategy,
		doc.ChunkCount, doc.Error, metadata, doc.UpdatedAt, doc.ID)
	if err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}
	return expectOne(res, "document", doc.ID)
}

func (m *SQLMetadata) DeleteDocument(ctx context.Context, id string) error {
	res, err := m.db.ExecContext(ctx, m.rebind(`DELETE FROM documents WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return expectOne(res, "document", id)
}

func encodeMetadata(md map[string]string) (sql.NullString, error) {
	if len(md) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode document metadata: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// Close is a no-op; the connection belongs to the DBPool.
func (m *SQLMetadata) Close() error { return nil }

func expectOne(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return nil
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

// isUniqueViolation recognizes unique constraint failures of the three
// supported drivers.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	return false
}

var _ Metadata = (*SQLMetadata)(nil)
