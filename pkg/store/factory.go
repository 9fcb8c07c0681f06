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
	"fmt"
	"time"

	"github.com/kadirpekel/warder/pkg/config"
)

// NewFromConfig builds the configured knowledge store. SQL backends share
// the pooled connection with the metadata repository.
func NewFromConfig(ctx context.Context, storeCfg *config.StoreConfig, dbCfg *config.DatabaseConfig, pool *config.DBPool) (Store, error) {
	switch storeCfg.Backend {
	case config.StoreChromem:
		return NewChromemStore(ChromemConfig{
			PersistPath: storeCfg.PersistPath,
			Compress:    storeCfg.Compress,
		})
	case config.StoreSQL, "":
		db, err := pool.Get(ctx, dbCfg)
		if err != nil {
			return nil, unavailable(backendSQL, "open", err)
		}
		return NewSQLStore(ctx, db, dbCfg.Dialect(), storeCfg.Timeout)
	default:
		return nil, fmt.Errorf("unknown store backend %q", storeCfg.Backend)
	}
}

// NewMetadataFromConfig builds the SQL metadata repository.
func NewMetadataFromConfig(ctx context.Context, dbCfg *config.DatabaseConfig, pool *config.DBPool) (Metadata, error) {
	db, err := pool.Get(ctx, dbCfg)
	if err != nil {
		return nil, err
	}
	return NewSQLMetadata(ctx, db, dbCfg.Dialect())
}

// Connection tells an agent runtime how to reach the knowledge store.
type Connection struct {
	// Driver is a database/sql driver name or "chromem".
	Driver string

	// DSN is the data source name, or the persist directory for chromem.
	DSN string

	Compress bool
}

// ConnectionFor derives the runtime connection from the control plane
// configuration.
func ConnectionFor(storeCfg *config.StoreConfig, dbCfg *config.DatabaseConfig) Connection {
	if storeCfg.Backend == config.StoreChromem {
		return Connection{Driver: backendChromem, DSN: storeCfg.PersistPath, Compress: storeCfg.Compress}
	}
	return Connection{Driver: dbCfg.DriverName(), DSN: dbCfg.DSN()}
}

// OpenConnection opens a read-side store for an agent runtime. The
// returned Store owns its connection.
func OpenConnection(ctx context.Context, conn Connection, timeout time.Duration) (Store, error) {
	if conn.Driver == backendChromem {
		if conn.DSN == "" {
			return nil, fmt.Errorf("chromem store needs a persist path")
		}
		return NewChromemStore(ChromemConfig{PersistPath: conn.DSN, Compress: conn.Compress})
	}

	dialect := conn.Driver
	if dialect == "sqlite3" {
		dialect = "sqlite"
	}
	db, err := sql.Open(conn.Driver, conn.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, unavailable(backendSQL, "open", err)
	}
	s, err := NewSQLStore(ctx, db, dialect, timeout)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &ownedSQLStore{SQLStore: s, db: db}, nil
}

// ownedSQLStore closes the connection it was opened with.
type ownedSQLStore struct {
	*SQLStore
	db *sql.DB
}

func (s *ownedSQLStore) Close() error { return s.db.Close() }
