// Package store implements the gateway's persistence layer on SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Sentinel errors surfaced by store operations.
var (
	ErrNotFound             = errors.New("not found")
	ErrBranchNotFound       = errors.New("branch not found")
	ErrCannotDeletePrimary  = errors.New("cannot delete the primary branch")
	ErrBranchPointInvalid   = errors.New("branch point is not in the branch history")
	ErrApprovalAlreadyFinal = errors.New("approval request already resolved")
)

// FieldCipher abstracts the column encryption helper so tests can run
// without a configured key.
type FieldCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(value string) string
}

// Store is the SQLite-backed persistence layer. All goroutines serialize
// through one connection, which avoids SQLITE_BUSY from concurrent writers.
type Store struct {
	db     *sql.DB
	cipher FieldCipher
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithCipher sets the column encryption helper for sensitive fields.
func WithCipher(c FieldCipher) Option {
	return func(s *Store) { s.cipher = c }
}

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open opens (or creates) the database file and runs migrations.
// WAL mode and foreign keys are enabled on open.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(s)
	}

	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA foreign_keys=ON`,
		`PRAGMA busy_timeout=5000`,
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	s.logger.Debug("store opened", "path", path)
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates tables and applies additive schema changes. Every
// statement is idempotent so boot is safe against any prior version.
func (s *Store) migrate(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS channels (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			name TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			config TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL,
			channel_type TEXT NOT NULL,
			group_key TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			active_branch_id TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE(channel_id, group_key)
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_branches (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			parent_branch_id TEXT,
			name TEXT NOT NULL,
			branch_point INTEGER NOT NULL DEFAULT 0,
			is_primary INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			branch_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			channel_msg_id TEXT NOT NULL DEFAULT '',
			sender_id TEXT NOT NULL DEFAULT '',
			sender_name TEXT NOT NULL DEFAULT '',
			direction TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			attachments TEXT NOT NULL DEFAULT '[]',
			tool_calls TEXT NOT NULL DEFAULT '[]',
			tool_results TEXT NOT NULL DEFAULT '[]',
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_runs (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			branch_id TEXT NOT NULL,
			status TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			iterations INTEGER NOT NULL DEFAULT 0,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			started_at INTEGER NOT NULL,
			completed_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS approval_requests (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			run_id TEXT NOT NULL DEFAULT '',
			tool_name TEXT NOT NULL,
			tool_input TEXT NOT NULL DEFAULT '{}',
			risk TEXT NOT NULL,
			status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			responded_by TEXT NOT NULL DEFAULT '',
			timeout_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			responded_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS approval_rules (
			id TEXT PRIMARY KEY,
			tool_pattern TEXT NOT NULL UNIQUE,
			risk TEXT NOT NULL,
			require_human INTEGER NOT NULL,
			auto_approve INTEGER NOT NULL DEFAULT 0,
			timeout_sec INTEGER NOT NULL DEFAULT 0,
			timeout_action TEXT NOT NULL DEFAULT 'reject',
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS api_calls (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL DEFAULT '',
			group_key TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS rate_limits (
			key TEXT PRIMARY KEY,
			window_start INTEGER NOT NULL,
			count INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS mcp_servers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			image TEXT NOT NULL DEFAULT '',
			transport TEXT NOT NULL,
			url TEXT NOT NULL DEFAULT '',
			port INTEGER NOT NULL DEFAULT 0,
			command TEXT NOT NULL DEFAULT '',
			env TEXT NOT NULL DEFAULT '{}',
			enabled INTEGER NOT NULL DEFAULT 1,
			status TEXT NOT NULL DEFAULT 'stopped',
			last_error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
	}

	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_messages_branch ON messages(branch_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_branches_conversation ON conversation_branches(conversation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_conversation ON agent_runs(conversation_id, started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_status ON approval_requests(status, expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_api_calls_created ON api_calls(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_api_calls_group ON api_calls(group_key, created_at)`,
	}
	for _, ddl := range indexes {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

// encrypt seals a value with the configured cipher, if any.
func (s *Store) encrypt(plaintext string) (string, error) {
	if s.cipher == nil {
		return plaintext, nil
	}
	return s.cipher.Encrypt(plaintext)
}

// decrypt opens a value; plaintext legacy rows pass through.
func (s *Store) decrypt(value string) string {
	if s.cipher == nil {
		return value
	}
	return s.cipher.Decrypt(value)
}

func marshalJSON(v any) string {
	if v == nil {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func unmarshalMap(raw string) map[string]any {
	if raw == "" || raw == "{}" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}
