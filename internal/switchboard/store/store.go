// Package store implements transactional persistence for the control plane:
// directories, conversations, repositories, tasks, project settings,
// automation policies, GitHub pull-request records, and session telemetry.
//
// All multi-statement mutations run inside an immediate (write-reserving)
// transaction and either commit or roll back; the store is the sole writer
// of durable state.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jmoyers/switchboard/internal/switchboard/cperr"
	"github.com/jmoyers/switchboard/internal/switchboard/scope"
)

// SchemaVersion is written to the database's user_version pragma. Opening a
// database with a newer on-disk version than this binary supports is fatal.
const SchemaVersion = 1

// Store wraps the SQLite connection.
type Store struct {
	conn *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS directories (
	directory_id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	workspace_id TEXT NOT NULL,
	path TEXT NOT NULL,
	created_at TEXT NOT NULL,
	archived_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_directories_scope_created
	ON directories (tenant_id, user_id, workspace_id, created_at);

CREATE TABLE IF NOT EXISTS conversations (
	conversation_id TEXT PRIMARY KEY,
	directory_id TEXT NOT NULL REFERENCES directories(directory_id),
	tenant_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	workspace_id TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	agent_kind TEXT NOT NULL DEFAULT 'terminal',
	runtime_status TEXT NOT NULL DEFAULT 'exited',
	live INTEGER NOT NULL DEFAULT 0,
	attention_reason TEXT NOT NULL DEFAULT '',
	process_id INTEGER NOT NULL DEFAULT 0,
	last_event_at TEXT,
	last_exit_code INTEGER,
	last_exit_signal TEXT,
	adapter_state TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL,
	archived_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_conversations_scope_created
	ON conversations (tenant_id, user_id, workspace_id, created_at);
CREATE INDEX IF NOT EXISTS idx_conversations_directory
	ON conversations (directory_id, created_at);

CREATE TABLE IF NOT EXISTS session_telemetry (
	telemetry_id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	workspace_id TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	source TEXT NOT NULL,
	runtime_status TEXT NOT NULL,
	exit_code INTEGER,
	exit_signal TEXT,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	recorded_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_telemetry_scope_recorded
	ON session_telemetry (tenant_id, user_id, workspace_id, recorded_at);

CREATE TABLE IF NOT EXISTS repositories (
	repository_id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	workspace_id TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	remote_url TEXT NOT NULL,
	default_branch TEXT NOT NULL DEFAULT 'main',
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL,
	archived_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_repositories_scope_created
	ON repositories (tenant_id, user_id, workspace_id, created_at);

CREATE TABLE IF NOT EXISTS tasks (
	task_id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	workspace_id TEXT NOT NULL,
	repository_id TEXT,
	project_id TEXT,
	scope_kind TEXT,
	title TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'draft',
	order_index INTEGER NOT NULL DEFAULT 0,
	claimed_by_controller_id TEXT,
	claimed_by_directory_id TEXT,
	branch_name TEXT,
	base_branch TEXT,
	claimed_at TEXT,
	completed_at TEXT,
	linear_meta TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status_updated
	ON tasks (status, updated_at, task_id);
CREATE INDEX IF NOT EXISTS idx_tasks_scope_order
	ON tasks (tenant_id, user_id, workspace_id, order_index);

CREATE TABLE IF NOT EXISTS project_settings (
	directory_id TEXT PRIMARY KEY REFERENCES directories(directory_id),
	tenant_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	workspace_id TEXT NOT NULL,
	pinned_branch TEXT NOT NULL DEFAULT '',
	task_focus_mode TEXT NOT NULL DEFAULT 'balanced',
	thread_spawn_mode TEXT NOT NULL DEFAULT 'new-thread',
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS automation_policies (
	policy_id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	workspace_id TEXT NOT NULL,
	scope_level TEXT NOT NULL,
	scope_ref_id TEXT NOT NULL DEFAULT '',
	automation_enabled INTEGER NOT NULL DEFAULT 1,
	frozen INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL,
	UNIQUE (tenant_id, user_id, workspace_id, scope_level, scope_ref_id)
);

CREATE TABLE IF NOT EXISTS github_pull_requests (
	pr_record_id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	workspace_id TEXT NOT NULL,
	repository_id TEXT NOT NULL,
	directory_id TEXT,
	pr_number INTEGER NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL DEFAULT 'open',
	head_branch TEXT NOT NULL DEFAULT '',
	base_branch TEXT NOT NULL DEFAULT '',
	head_sha TEXT NOT NULL DEFAULT '',
	html_url TEXT NOT NULL DEFAULT '',
	author TEXT NOT NULL DEFAULT '',
	draft INTEGER NOT NULL DEFAULT 0,
	ci_rollup TEXT NOT NULL DEFAULT 'none',
	observed_at TEXT NOT NULL,
	closed_at TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE (repository_id, pr_number)
);
CREATE INDEX IF NOT EXISTS idx_github_prs_branch_updated
	ON github_pull_requests (tenant_id, repository_id, head_branch, updated_at);

CREATE TABLE IF NOT EXISTS github_pr_jobs (
	job_id TEXT PRIMARY KEY,
	pr_record_id TEXT NOT NULL REFERENCES github_pull_requests(pr_record_id),
	provider TEXT NOT NULL,
	external_id TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT '',
	conclusion TEXT NOT NULL DEFAULT '',
	html_url TEXT NOT NULL DEFAULT '',
	started_at TEXT,
	completed_at TEXT,
	UNIQUE (pr_record_id, provider, external_id)
);

CREATE TABLE IF NOT EXISTS github_sync_state (
	repository_id TEXT NOT NULL,
	directory_id TEXT NOT NULL DEFAULT '',
	branch TEXT NOT NULL,
	last_sync_at TEXT,
	last_success_at TEXT,
	last_error TEXT NOT NULL DEFAULT '',
	last_error_at TEXT,
	PRIMARY KEY (repository_id, directory_id, branch)
);
`

// DefaultPath returns the default database location under the user's home
// directory, creating the parent directory if needed.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	dir := filepath.Join(home, ".switchboard")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating directory %s: %w", dir, err)
	}
	return filepath.Join(dir, "switchboard.db"), nil
}

// Open opens (creating if needed) the database at path and applies schema
// migrations. The connection uses write-ahead journaling, normal sync, a
// short busy timeout, and immediate write transactions.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", dir, err)
	}

	dsn := path + "?_txlock=immediate" +
		"&_pragma=journal_mode(wal)" +
		"&_pragma=synchronous(normal)" +
		"&_pragma=foreign_keys(on)" +
		"&_pragma=busy_timeout(5000)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	var onDisk int
	if err := conn.QueryRow(`PRAGMA user_version`).Scan(&onDisk); err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading schema version: %w", err)
	}
	if onDisk > SchemaVersion {
		conn.Close()
		return nil, fmt.Errorf("database schema version %d is newer than supported version %d", onDisk, SchemaVersion)
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("running schema migration: %w", err)
	}

	// Additive column migrations for databases created before these columns
	// existed. ALTER TABLE errors are ignored (column already present).
	conn.Exec(`ALTER TABLE tasks ADD COLUMN scope_kind TEXT`)
	conn.Exec(`ALTER TABLE tasks ADD COLUMN project_id TEXT`)
	conn.Exec(`ALTER TABLE tasks ADD COLUMN body TEXT NOT NULL DEFAULT ''`)

	s := &Store{conn: conn}
	if err := s.migrateLegacyValues(); err != nil {
		conn.Close()
		return nil, err
	}

	if _, err := conn.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, SchemaVersion)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("writing schema version: %w", err)
	}
	return s, nil
}

// migrateLegacyValues rewrites values persisted by older binaries: the
// retired 'queued' task status becomes 'ready', scope_kind is recomputed
// where missing or invalid, and the legacy description column is folded
// into body. Runs inside one transaction so a crash mid-rewrite leaves the
// database untouched.
func (s *Store) migrateLegacyValues() error {
	return s.tx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`UPDATE tasks SET status = 'ready' WHERE status = 'queued'`); err != nil {
			return fmt.Errorf("rewriting queued tasks: %w", err)
		}
		if _, err := tx.Exec(`
			UPDATE tasks SET scope_kind = CASE
				WHEN project_id IS NOT NULL AND project_id != '' THEN 'project'
				WHEN repository_id IS NOT NULL AND repository_id != '' THEN 'repository'
				ELSE 'global'
			END
			WHERE scope_kind IS NULL OR scope_kind NOT IN ('global', 'repository', 'project')`); err != nil {
			return fmt.Errorf("backfilling task scope_kind: %w", err)
		}
		// Older schemas stored the task body under 'description'.
		var hasDescription int
		err := tx.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('tasks') WHERE name = 'description'`).Scan(&hasDescription)
		if err != nil {
			return fmt.Errorf("inspecting tasks columns: %w", err)
		}
		if hasDescription > 0 {
			if _, err := tx.Exec(`UPDATE tasks SET body = description WHERE body = '' AND description != ''`); err != nil {
				return fmt.Errorf("backfilling task body: %w", err)
			}
		}
		return nil
	})
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// tx runs fn inside a transaction, rolling back on error.
func (s *Store) tx(fn func(tx *sql.Tx) error) error {
	sqlTx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(sqlTx); err != nil {
		sqlTx.Rollback()
		return err
	}
	return sqlTx.Commit()
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// --- shared column helpers ---

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339, s)
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func scanNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// jsonObject serializes a map as canonical JSON, defaulting nil to {}.
func jsonObject(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshaling json column: %w", err)
	}
	return string(data), nil
}

// parseJSONObject reads a stored JSON column. Malformed or non-object values
// degrade to an empty map rather than raising.
func parseJSONObject(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}

// scopeArgs expands a triple into positional SQL arguments.
func scopeArgs(sc scope.Scope) []any {
	return []any{sc.TenantID, sc.UserID, sc.WorkspaceID}
}

// ensureScopeStable rejects changes to the scope triple of an existing row.
func ensureScopeStable(context string, existing, incoming scope.Scope) error {
	if !existing.Equal(incoming) {
		return cperr.ScopeMismatchf(context)
	}
	return nil
}
