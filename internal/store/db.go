// Package store is the broker's persistence layer: a SQLite database holding
// upstream server configuration, the tool catalog, its vec0-backed
// embeddings, and per-session retrieval history. It is grounded on
// theRebelliousNerd/codenerd's internal/store package (mattn/go-sqlite3 +
// asg017/sqlite-vec-go-bindings wiring, encodeFloat32Slice pattern) adapted
// to the broker's entities.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the database handle plus the embedding dimension the vec0
// table was created with.
type Store struct {
	db  *sql.DB
	dim int
}

// Open establishes a connection to path, enables WAL + foreign keys, and
// applies all pending migrations. dim is the embedding vector width used to
// size the vec_tool_embeddings virtual table on first creation; it must
// match the configured embedder's Dimension for the lifetime of the
// database file.
func Open(path string, dim int) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // sqlite3 + vec0: serialize writers, avoid "database is locked"

	s := &Store{db: db, dim: dim}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return s, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrations lists additive-only schema steps. Per spec.md §9 Open Question
// (iii) this store never drops or recreates a table on upgrade — each step
// is idempotent (IF NOT EXISTS) and ordering is enforced by slice position.
func (s *Store) migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS mcp_servers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			url TEXT NOT NULL DEFAULT '',
			command TEXT NOT NULL DEFAULT '',
			args TEXT NOT NULL DEFAULT '[]',
			headers TEXT NOT NULL DEFAULT '{}',
			env TEXT NOT NULL DEFAULT '{}',
			description TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mcp_servers_kind ON mcp_servers(kind)`,
		`CREATE INDEX IF NOT EXISTS idx_mcp_servers_enabled ON mcp_servers(enabled)`,
		`CREATE TABLE IF NOT EXISTS tool_vectors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tool_md5 TEXT NOT NULL,
			model_name TEXT NOT NULL,
			display_name TEXT NOT NULL,
			description TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(tool_md5, model_name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_vectors_md5 ON tool_vectors(tool_md5)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_vectors_model ON tool_vectors(model_name)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_vectors_display_name ON tool_vectors(display_name)`,
		fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS vec_tool_embeddings USING vec0(
			embedding float[%d]
		)`, s.dim),
		`CREATE TABLE IF NOT EXISTS tool_mapping (
			vec_rowid INTEGER PRIMARY KEY,
			tool_id INTEGER NOT NULL UNIQUE REFERENCES tool_vectors(id)
		)`,
		`CREATE TABLE IF NOT EXISTS session_tool_history (
			session_id TEXT NOT NULL,
			tool_md5 TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			retrieved_at TEXT NOT NULL,
			UNIQUE(session_id, tool_md5)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_session_tool_history_session ON session_tool_history(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_session_tool_history_md5 ON session_tool_history(tool_md5)`,
	}
}

func (s *Store) migrate() error {
	steps := s.migrations()
	for i, stmt := range steps {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
