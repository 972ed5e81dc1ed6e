// Package store provides the SQLite-backed relational store for proxy tokens,
// connected accounts, audit entries, scheduled tasks, remote MCP servers and
// notifications. All access goes through short-lived queries on a shared pool.
package store

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Store provides typed access to app.db.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if needed) the database at path and initializes the schema.
func Open(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite writes serialize; a single connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to close database after schema error: %w", closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying sql.DB instance for shared access.
func (s *Store) DB() *sql.DB {
	return s.db.DB
}

// initSchema creates the database tables if they don't exist.
func (s *Store) initSchema() error {
	if err := s.initAccountSchema(); err != nil {
		return err
	}
	if err := s.initProxySchema(); err != nil {
		return err
	}
	if err := s.initTaskSchema(); err != nil {
		return err
	}
	if err := s.initMCPSchema(); err != nil {
		return err
	}
	return s.initNotificationSchema()
}

func (s *Store) initAccountSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS connected_accounts (
		id TEXT PRIMARY KEY,
		toolkit_slug TEXT NOT NULL,
		composio_connection_id TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agent_account_mappings (
		agent_slug TEXT NOT NULL,
		account_id TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (agent_slug, account_id),
		FOREIGN KEY (account_id) REFERENCES connected_accounts(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_mappings_account_id ON agent_account_mappings(account_id);
	`)
	return err
}

func (s *Store) initProxySchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS proxy_tokens (
		token TEXT PRIMARY KEY,
		agent_slug TEXT NOT NULL,
		expires_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_proxy_tokens_agent_slug ON proxy_tokens(agent_slug);

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		agent_slug TEXT NOT NULL,
		account_id TEXT NOT NULL,
		toolkit TEXT NOT NULL,
		target_host TEXT NOT NULL,
		target_path TEXT NOT NULL,
		method TEXT NOT NULL,
		status_code INTEGER,
		error_message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_agent_created ON audit_log(agent_slug, created_at DESC);
	`)
	return err
}

func (s *Store) initTaskSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS scheduled_tasks (
		id TEXT PRIMARY KEY,
		agent_slug TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		prompt TEXT NOT NULL,
		next_execution_at TIMESTAMP NOT NULL,
		recurrence TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_due ON scheduled_tasks(status, next_execution_at);
	CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_agent ON scheduled_tasks(agent_slug);
	`)
	return err
}

func (s *Store) initMCPSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS remote_mcp_servers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		url TEXT NOT NULL,
		auth_type TEXT NOT NULL DEFAULT 'none',
		access_token TEXT NOT NULL DEFAULT '',
		refresh_token TEXT NOT NULL DEFAULT '',
		oauth_client_secret TEXT NOT NULL DEFAULT '',
		tools_json TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		error_message TEXT NOT NULL DEFAULT '',
		tools_discovered_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`)
	return err
}

func (s *Store) initNotificationSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		body TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL DEFAULT '',
		agent_slug TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		read_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_notifications_created ON notifications(created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_notifications_unread ON notifications(read_at) WHERE read_at IS NULL;
	`)
	return err
}
