package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// SchemaVersion is the latest events schema. Fresh databases start here;
// older databases are migrated one step at a time.
const SchemaVersion = 7

// A migration moves the schema from Version-1 to Version inside one
// transaction. Statements are tolerated failing with "already exists" or
// "duplicate column" so an interrupted upgrade can resume.
type migration struct {
	Version    int
	Statements []string
}

var migrations = []migration{
	{
		Version: 1,
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				session_id TEXT PRIMARY KEY,
				connector_id TEXT NOT NULL,
				started_at TEXT NOT NULL,
				ended_at TEXT,
				exit_reason TEXT,
				protected INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE TABLE IF NOT EXISTS rpc_calls (
				rpc_id TEXT NOT NULL,
				session_id TEXT NOT NULL,
				method TEXT NOT NULL,
				request_ts TEXT NOT NULL,
				response_ts TEXT,
				success INTEGER,
				error_code TEXT,
				PRIMARY KEY (rpc_id, session_id),
				FOREIGN KEY (session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS events (
				event_id TEXT PRIMARY KEY,
				session_id TEXT NOT NULL,
				rpc_id TEXT,
				direction TEXT NOT NULL,
				kind TEXT NOT NULL,
				ts TEXT NOT NULL,
				raw_json TEXT,
				FOREIGN KEY (session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, ts)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_connector ON sessions(connector_id, started_at)`,
		},
	},
	{
		Version: 2,
		Statements: []string{
			`ALTER TABLE events ADD COLUMN seq INTEGER`,
			`ALTER TABLE events ADD COLUMN summary TEXT`,
			`ALTER TABLE events ADD COLUMN payload_hash TEXT`,
			`CREATE INDEX IF NOT EXISTS idx_events_session_seq ON events(session_id, seq)`,
		},
	},
	{
		Version: 3,
		Statements: []string{
			`ALTER TABLE sessions ADD COLUMN actor_id TEXT`,
			`ALTER TABLE sessions ADD COLUMN actor_kind TEXT`,
			`ALTER TABLE sessions ADD COLUMN actor_label TEXT`,
			`ALTER TABLE sessions ADD COLUMN secret_ref_count INTEGER NOT NULL DEFAULT 0`,
			`CREATE TABLE IF NOT EXISTS actors (
				actor_id TEXT PRIMARY KEY,
				kind TEXT NOT NULL,
				label TEXT,
				created_at TEXT NOT NULL
			)`,
		},
	},
	{
		Version: 4,
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS user_refs (
				name TEXT PRIMARY KEY,
				kind TEXT NOT NULL CHECK (kind IN ('connector','session','rpc','tool_call','context')),
				connector TEXT,
				session TEXT,
				rpc TEXT,
				proto TEXT,
				level TEXT,
				created_at TEXT NOT NULL
			)`,
		},
	},
	{
		// SQLite cannot alter a CHECK constraint in place; the table is
		// rebuilt to extend the kind set with popl, plan and run.
		Version: 5,
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS user_refs_v5 (
				name TEXT PRIMARY KEY,
				kind TEXT NOT NULL CHECK (kind IN ('connector','session','rpc','tool_call','context','popl','plan','run')),
				connector TEXT,
				session TEXT,
				rpc TEXT,
				proto TEXT,
				level TEXT,
				created_at TEXT NOT NULL
			)`,
			`INSERT INTO user_refs_v5 SELECT name, kind, connector, session, rpc, proto, level, created_at FROM user_refs`,
			`DROP TABLE user_refs`,
			`ALTER TABLE user_refs_v5 RENAME TO user_refs`,
		},
	},
	{
		Version: 6,
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS targets (
				id TEXT PRIMARY KEY,
				type TEXT NOT NULL CHECK (type IN ('connector','agent')),
				protocol TEXT NOT NULL CHECK (protocol IN ('mcp','a2a')),
				name TEXT,
				enabled INTEGER NOT NULL DEFAULT 1,
				created_at TEXT NOT NULL,
				updated_at TEXT,
				config_json TEXT,
				CHECK ((type = 'connector' AND protocol = 'mcp') OR (type = 'agent' AND protocol = 'a2a'))
			)`,
			`CREATE TABLE IF NOT EXISTS agent_cache (
				target_id TEXT PRIMARY KEY,
				card_json TEXT NOT NULL,
				hash TEXT NOT NULL,
				fetched_at TEXT NOT NULL,
				expires_at TEXT,
				FOREIGN KEY (target_id) REFERENCES targets(id) ON DELETE CASCADE
			)`,
			`ALTER TABLE sessions ADD COLUMN target_id TEXT`,
			`ALTER TABLE events ADD COLUMN normalized_json TEXT`,
		},
	},
	{
		Version: 7,
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS task_events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id TEXT NOT NULL,
				task_id TEXT NOT NULL,
				event_kind TEXT NOT NULL,
				ts TEXT NOT NULL,
				detail TEXT,
				FOREIGN KEY (session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_task_events_session ON task_events(session_id, ts)`,
		},
	},
}

// migrate brings the schema up to SchemaVersion, one version per
// transaction.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	current, err := s.currentVersion(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("migrate %d -> %d: %w", m.Version-1, m.Version, err)
		}
		slog.Debug("Applied schema migration", "version", m.Version)
	}

	return nil
}

func (s *Store) currentVersion(ctx context.Context) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	switch {
	case err == sql.ErrNoRows:
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (0)`); err != nil {
			return 0, fmt.Errorf("seed schema_version: %w", err)
		}
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("read schema_version: %w", err)
	}
	return version, nil
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range m.Statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			if isBenignDDLError(err) {
				continue
			}
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE schema_version SET version = ?`, m.Version); err != nil {
		return fmt.Errorf("bump version: %w", err)
	}

	return tx.Commit()
}

// isBenignDDLError reports whether a DDL failure means the statement had
// already been applied by an interrupted earlier run.
func isBenignDDLError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists") ||
		strings.Contains(msg, "duplicate column")
}

func firstLine(stmt string) string {
	stmt = strings.TrimSpace(stmt)
	if i := strings.IndexByte(stmt, '\n'); i >= 0 {
		stmt = stmt[:i]
	}
	return stmt
}
