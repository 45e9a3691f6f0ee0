// Package db provides SQLite database management for kbchat.
// Two databases per data directory: kbchat.db (conversation, preferences,
// query log) and kbchat-audit.db (append-only audit log).
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const (
	DataDBFile  = "kbchat.db"
	AuditDBFile = "kbchat-audit.db"
)

// DataSchema defines all tables for the main database.
const DataSchema = `
PRAGMA journal_mode=WAL;
PRAGMA foreign_keys=ON;

-- Conversation turns, replaced as a whole on reset
CREATE TABLE IF NOT EXISTS conversation_turns (
    id          TEXT PRIMARY KEY,
    profile     TEXT NOT NULL,
    seq         INTEGER NOT NULL,
    content     TEXT NOT NULL,
    is_user     INTEGER NOT NULL DEFAULT 0,
    created_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_turns_profile ON conversation_turns(profile, seq);

-- User preferences (JSON values)
CREATE TABLE IF NOT EXISTS preferences (
    profile     TEXT NOT NULL,
    key         TEXT NOT NULL,
    value       TEXT NOT NULL,
    updated_at  TEXT NOT NULL,
    PRIMARY KEY (profile, key)
);

-- Sign-in history
CREATE TABLE IF NOT EXISTS auth_events (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    profile         TEXT NOT NULL,
    event           TEXT NOT NULL,       -- sign_in | sign_out | restore
    account_id      TEXT DEFAULT '',
    access_key      TEXT DEFAULT '',     -- masked
    principal_arn   TEXT DEFAULT '',
    outcome         TEXT NOT NULL,       -- ok | error kind
    message         TEXT DEFAULT '',
    created_at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_auth_events_profile ON auth_events(profile, id);

-- Query log
CREATE TABLE IF NOT EXISTS query_logs (
    id                 TEXT PRIMARY KEY,
    profile            TEXT NOT NULL,
    user_arn           TEXT DEFAULT '',
    model_id           TEXT NOT NULL,
    knowledge_base_id  TEXT NOT NULL,
    query_text         TEXT NOT NULL,
    query_words        INTEGER NOT NULL DEFAULT 0,
    query_chars        INTEGER NOT NULL DEFAULT 0,
    answer_words       INTEGER NOT NULL DEFAULT 0,
    answer_chars       INTEGER NOT NULL DEFAULT 0,
    processing_ms      INTEGER NOT NULL DEFAULT 0,
    total_ms           INTEGER NOT NULL DEFAULT 0,
    status             TEXT NOT NULL,    -- success | error
    error_kind         TEXT DEFAULT '',
    error_message      TEXT DEFAULT '',
    source_count       INTEGER NOT NULL DEFAULT 0,
    created_at         TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_query_logs_profile ON query_logs(profile, created_at);
CREATE INDEX IF NOT EXISTS idx_query_logs_status ON query_logs(status);

CREATE TABLE IF NOT EXISTS retrieved_documents (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    query_id    TEXT NOT NULL REFERENCES query_logs(id) ON DELETE CASCADE,
    position    INTEGER NOT NULL,
    source_uri  TEXT DEFAULT '',
    excerpt     TEXT DEFAULT '',
    score       REAL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_retrieved_query ON retrieved_documents(query_id);
`

// AuditSchema defines the append-only audit database.
const AuditSchema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS audit_log (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp   TEXT NOT NULL,
    profile     TEXT NOT NULL,
    actor       TEXT NOT NULL DEFAULT 'local',
    event_type  TEXT NOT NULL,
    detail      TEXT DEFAULT '{}',
    record_hash TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_profile ON audit_log(profile);
CREATE INDEX IF NOT EXISTS idx_audit_event_type ON audit_log(event_type);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp);
`

// OpenDataDB opens or creates the main database in dir.
func OpenDataDB(dir string) (*sql.DB, error) {
	return open(filepath.Join(dir, DataDBFile), "?_journal_mode=WAL&_foreign_keys=on", DataSchema, "data")
}

// OpenAuditDB opens or creates the audit database in dir.
func OpenAuditDB(dir string) (*sql.DB, error) {
	return open(filepath.Join(dir, AuditDBFile), "?_journal_mode=WAL", AuditSchema, "audit")
}

func open(path, params, schema, name string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+params)
	if err != nil {
		return nil, fmt.Errorf("opening %s db: %w", name, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing %s schema: %w", name, err)
	}
	return db, nil
}

// EnsureDataDir creates the data directory layout.
func EnsureDataDir(path string) error {
	for _, d := range []string{path, filepath.Join(path, "logs")} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}
	return nil
}
