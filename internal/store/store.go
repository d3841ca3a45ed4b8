package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrNamespaceConflict = errors.New("id exists under another namespace")
)

// UpdateOutcome reports how a versioned write resolved. A mismatch is not an
// error: the caller gets the current version and value back so it can rebase.
type UpdateOutcome string

const (
	UpdateSuccess         UpdateOutcome = "success"
	UpdateVersionMismatch UpdateOutcome = "version-mismatch"
	UpdateError           UpdateOutcome = "error"
)

type UpdateResult[T any] struct {
	Outcome UpdateOutcome
	Version int64
	Value   T
}

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// modernc sqlite allows one writer; a single conn avoids SQLITE_BUSY
	// churn under concurrent socket traffic.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	namespace TEXT NOT NULL,
	machine_id TEXT NOT NULL DEFAULT '',
	tag TEXT NOT NULL DEFAULT '',
	seq INTEGER NOT NULL DEFAULT 0,
	metadata TEXT NOT NULL DEFAULT 'null',
	metadata_version INTEGER NOT NULL DEFAULT 1,
	agent_state TEXT NOT NULL DEFAULT 'null',
	agent_state_version INTEGER NOT NULL DEFAULT 1,
	todos TEXT NOT NULL DEFAULT 'null',
	todos_updated_at INTEGER NOT NULL DEFAULT 0,
	active INTEGER NOT NULL DEFAULT 0,
	active_at INTEGER NOT NULL DEFAULT 0,
	thinking INTEGER NOT NULL DEFAULT 0,
	thinking_at INTEGER NOT NULL DEFAULT 0,
	permission_mode TEXT NOT NULL DEFAULT 'default',
	model_mode TEXT NOT NULL DEFAULT 'default',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_namespace ON sessions(namespace);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_namespace_tag ON sessions(namespace, tag);

CREATE TABLE IF NOT EXISTS machines (
	id TEXT PRIMARY KEY,
	namespace TEXT NOT NULL,
	metadata TEXT NOT NULL DEFAULT 'null',
	metadata_version INTEGER NOT NULL DEFAULT 1,
	runner_state TEXT NOT NULL DEFAULT 'null',
	runner_state_version INTEGER NOT NULL DEFAULT 1,
	active INTEGER NOT NULL DEFAULT 0,
	active_at INTEGER NOT NULL DEFAULT 0,
	seq INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_machines_namespace ON machines(namespace);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	local_id TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL DEFAULT 'null',
	created_at INTEGER NOT NULL,
	UNIQUE(session_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_messages_session_local
	ON messages(session_id, local_id) WHERE local_id != '';

CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	platform TEXT NOT NULL,
	platform_user_id TEXT NOT NULL,
	namespace TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	UNIQUE(platform, platform_user_id)
);

CREATE TABLE IF NOT EXISTS push_subscriptions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	namespace TEXT NOT NULL,
	endpoint TEXT NOT NULL,
	p256dh TEXT NOT NULL DEFAULT '',
	auth TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	UNIQUE(namespace, endpoint)
);

CREATE TABLE IF NOT EXISTS session_sort_prefs (
	user_id INTEGER NOT NULL,
	namespace TEXT NOT NULL,
	sort_mode TEXT NOT NULL DEFAULT 'auto',
	manual_order TEXT NOT NULL DEFAULT '{}',
	version INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (user_id, namespace)
);
`

func nowMillis() int64 { return time.Now().UnixMilli() }

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "null", nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode json column: %w", err)
	}
	return string(raw), nil
}

func unmarshalJSON(raw string, dst any) error {
	if raw == "" || raw == "null" {
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}
