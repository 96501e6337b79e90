// Package store is the durable event log behind pfs: sessions, RPC calls,
// events, task markers, targets, agent cards and user refs live in one
// schema-versioned relational database. SQLite is the default dialect;
// Postgres and MySQL are reachable through the same queries.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/proofshell/pfs/pkg/jsonrpc"
)

// Store is the event store. All methods are safe for concurrent use; the
// single-connection SQLite pool serializes writes underneath.
type Store struct {
	db      *sql.DB
	dialect string
}

// New wraps an open database and migrates it to the latest schema.
// Supported dialects: sqlite, postgres, mysql.
func New(db *sql.DB, dialect string) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	switch dialect {
	case "sqlite3":
		dialect = "sqlite"
	case "sqlite", "postgres", "mysql":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: sqlite, postgres, mysql)", dialect)
	}

	s := &Store{db: db, dialect: dialect}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return s, nil
}

// Open opens (or creates) a SQLite events database at path through the
// given pool.
func Open(pool *Pool, path string) (*Store, error) {
	db, err := pool.Get("sqlite3", path)
	if err != nil {
		return nil, err
	}
	return New(db, "sqlite")
}

// DB exposes the underlying handle for sibling packages (retention).
func (s *Store) DB() *sql.DB {
	return s.db
}

// q rewrites ? placeholders for the postgres dialect.
func (s *Store) q(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

// CreateSession opens a new session row. connectorID is the legacy column
// and mirrors the target id for MCP targets.
func (s *Store) CreateSession(ctx context.Context, targetID, connectorID string, actor *Actor) (*Session, error) {
	sess := &Session{
		SessionID:   uuid.NewString(),
		TargetID:    targetID,
		ConnectorID: connectorID,
		StartedAt:   time.Now().UTC(),
		Actor:       actor,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var actorID, actorKind, actorLabel any
	if actor != nil {
		actorID, actorKind, actorLabel = actor.ID, actor.Kind, actor.Label
		if _, err := tx.ExecContext(ctx, s.q(
			`INSERT INTO actors (actor_id, kind, label, created_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT (actor_id) DO NOTHING`),
			actor.ID, actor.Kind, actor.Label, formatTime(sess.StartedAt)); err != nil {
			return nil, fmt.Errorf("upsert actor: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, s.q(
		`INSERT INTO sessions (session_id, target_id, connector_id, started_at, protected, actor_id, actor_kind, actor_label, secret_ref_count)
		 VALUES (?, ?, ?, ?, 0, ?, ?, ?, 0)`),
		sess.SessionID, targetID, connectorID, formatTime(sess.StartedAt),
		actorID, actorKind, actorLabel); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return sess, nil
}

// EndSession stamps ended_at and the exit reason. Ending an already ended
// session keeps the first outcome.
func (s *Store) EndSession(ctx context.Context, sessionID string, reason ExitReason) error {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE sessions SET ended_at = ?, exit_reason = ? WHERE session_id = ? AND ended_at IS NULL`),
		formatTime(time.Now().UTC()), string(reason), sessionID)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either unknown or already ended; distinguish for the caller.
		if _, err := s.GetSession(ctx, sessionID); err != nil {
			return err
		}
	}
	return nil
}

// ProtectSession marks a session exempt from every prune operation.
func (s *Store) ProtectSession(ctx context.Context, sessionID string, protected bool) error {
	flag := 0
	if protected {
		flag = 1
	}
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE sessions SET protected = ? WHERE session_id = ?`), flag, sessionID)
	if err != nil {
		return fmt.Errorf("protect session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// AddSecretRefs increments the session's resolved-secret counter. The
// counter only ever grows.
func (s *Store) AddSecretRefs(ctx context.Context, sessionID string, n int) error {
	if n <= 0 {
		return nil
	}
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE sessions SET secret_ref_count = secret_ref_count + ? WHERE session_id = ?`),
		n, sessionID)
	if err != nil {
		return fmt.Errorf("add secret refs: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrSessionNotFound
	}
	return nil
}

const sessionColumns = `session_id, COALESCE(target_id, ''), connector_id, started_at, ended_at, exit_reason, protected, actor_id, actor_kind, actor_label, secret_ref_count`

// GetSession fetches one session by exact id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`), sessionID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	return sess, err
}

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	ConnectorID string
	Limit       int
}

// ListSessions returns sessions newest first.
func (s *Store) ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any
	if filter.ConnectorID != "" {
		query += ` WHERE connector_id = ?`
		args = append(args, filter.ConnectorID)
	}
	query += ` ORDER BY started_at DESC, session_id DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// LatestSession returns the most recently started session.
func (s *Store) LatestSession(ctx context.Context) (*Session, error) {
	sessions, err := s.ListSessions(ctx, SessionFilter{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, ErrSessionNotFound
	}
	return sessions[0], nil
}

// FindSessionsByPrefix matches session ids beginning with prefix. SQL
// wildcards in the prefix are escaped so they match literally.
func (s *Store) FindSessionsByPrefix(ctx context.Context, prefix string) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id LIKE ? ESCAPE '\' ORDER BY started_at DESC`),
		escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("find sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

// EventParams carries the optional parts of a recorded event.
type EventParams struct {
	RPCID       string
	RawJSON     string
	Summary     string
	PayloadHash string

	// Protocol, when set and RawJSON parses, also persists a normalized
	// (canonically re-encoded) form alongside the raw bytes.
	Protocol Protocol

	// TS defaults to now.
	TS time.Time
}

// SaveEvent appends one event to the session timeline. seq is assigned
// inside the insert transaction so it is strictly increasing per session.
func (s *Store) SaveEvent(ctx context.Context, sessionID string, direction Direction, kind EventKind, p EventParams) (*Event, error) {
	ev := &Event{
		EventID:     uuid.NewString(),
		SessionID:   sessionID,
		RPCID:       p.RPCID,
		Direction:   direction,
		Kind:        kind,
		TS:          p.TS,
		Summary:     p.Summary,
		PayloadHash: p.PayloadHash,
		RawJSON:     p.RawJSON,
	}
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	if ev.PayloadHash == "" && ev.RawJSON != "" {
		ev.PayloadHash = jsonrpc.PayloadHash([]byte(ev.RawJSON))
	}
	if p.Protocol != "" && ev.RawJSON != "" {
		ev.NormalizedJSON = normalizeJSON(ev.RawJSON)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := tx.QueryRowContext(ctx, s.q(
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE session_id = ?`), sessionID).Scan(&ev.Seq); err != nil {
		return nil, fmt.Errorf("next seq: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.q(
		`INSERT INTO events (event_id, session_id, rpc_id, direction, kind, ts, seq, summary, payload_hash, raw_json, normalized_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		ev.EventID, ev.SessionID, nullable(ev.RPCID), string(ev.Direction), string(ev.Kind),
		formatTime(ev.TS), ev.Seq, nullable(ev.Summary), nullable(ev.PayloadHash),
		nullable(ev.RawJSON), nullable(ev.NormalizedJSON)); err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return ev, nil
}

const eventColumns = `event_id, session_id, rpc_id, direction, kind, ts, COALESCE(seq, 0), summary, payload_hash, raw_json, normalized_json`

// SessionEvents returns a session's events in seq order.
func (s *Store) SessionEvents(ctx context.Context, sessionID string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+eventColumns+` FROM events WHERE session_id = ? ORDER BY seq, ts`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("session events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// EventFilter narrows RecentEvents.
type EventFilter struct {
	Since       time.Time
	ErrorsOnly  bool
	MethodLike  string
	ConnectorID string
	SessionID   string
	Limit       int
}

// RecentEvents returns events newest first, joined against rpc_calls for
// method and error filters.
func (s *Store) RecentEvents(ctx context.Context, filter EventFilter) ([]*Event, error) {
	query := `SELECT e.event_id, e.session_id, e.rpc_id, e.direction, e.kind, e.ts,
			COALESCE(e.seq, 0), e.summary, e.payload_hash, e.raw_json, e.normalized_json
		FROM events e
		JOIN sessions s ON s.session_id = e.session_id
		LEFT JOIN rpc_calls r ON r.session_id = e.session_id AND r.rpc_id = e.rpc_id
		WHERE 1 = 1`
	var args []any

	if !filter.Since.IsZero() {
		query += ` AND e.ts >= ?`
		args = append(args, formatTime(filter.Since.UTC()))
	}
	if filter.ErrorsOnly {
		query += ` AND (r.success = 0 OR r.error_code IS NOT NULL)`
	}
	if filter.MethodLike != "" {
		query += ` AND r.method LIKE ?`
		args = append(args, filter.MethodLike)
	}
	if filter.ConnectorID != "" {
		query += ` AND s.connector_id = ?`
		args = append(args, filter.ConnectorID)
	}
	if filter.SessionID != "" {
		query += ` AND e.session_id = ?`
		args = append(args, filter.SessionID)
	}

	query += ` ORDER BY e.ts DESC, e.seq DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// ---------------------------------------------------------------------------
// RPC calls
// ---------------------------------------------------------------------------

// SaveRPC records the request half of an RPC.
func (s *Store) SaveRPC(ctx context.Context, sessionID, rpcID, method string) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO rpc_calls (rpc_id, session_id, method, request_ts) VALUES (?, ?, ?, ?)`),
		rpcID, sessionID, method, formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("save rpc: %w", err)
	}
	return nil
}

// CompleteRPC records the response half.
func (s *Store) CompleteRPC(ctx context.Context, sessionID, rpcID string, success bool, errorCode string) error {
	flag := 0
	if success {
		flag = 1
	}
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE rpc_calls SET response_ts = ?, success = ?, error_code = ? WHERE session_id = ? AND rpc_id = ?`),
		formatTime(time.Now().UTC()), flag, nullable(errorCode), sessionID, rpcID)
	if err != nil {
		return fmt.Errorf("complete rpc: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRPCNotFound
	}
	return nil
}

const rpcColumns = `rpc_id, session_id, method, request_ts, response_ts, success, error_code`

// GetRPC fetches one RPC by its composite key.
func (s *Store) GetRPC(ctx context.Context, sessionID, rpcID string) (*RPCCall, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT `+rpcColumns+` FROM rpc_calls WHERE session_id = ? AND rpc_id = ?`), sessionID, rpcID)
	call, err := scanRPC(row)
	if err == sql.ErrNoRows {
		return nil, ErrRPCNotFound
	}
	return call, err
}

// FindRPC locates an RPC by id alone, newest session first.
func (s *Store) FindRPC(ctx context.Context, rpcID string) (*RPCCall, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT `+rpcColumns+` FROM rpc_calls WHERE rpc_id = ? ORDER BY request_ts DESC LIMIT 1`), rpcID)
	call, err := scanRPC(row)
	if err == sql.ErrNoRows {
		return nil, ErrRPCNotFound
	}
	return call, err
}

// LatestRPC returns the newest RPC, scoped to a session when sessionID is
// non-empty.
func (s *Store) LatestRPC(ctx context.Context, sessionID string) (*RPCCall, error) {
	query := `SELECT ` + rpcColumns + ` FROM rpc_calls`
	var args []any
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY request_ts DESC LIMIT 1`

	row := s.db.QueryRowContext(ctx, s.q(query), args...)
	call, err := scanRPC(row)
	if err == sql.ErrNoRows {
		return nil, ErrRPCNotFound
	}
	return call, err
}

// SessionRPCs returns a session's RPCs in request order.
func (s *Store) SessionRPCs(ctx context.Context, sessionID string) ([]*RPCCall, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+rpcColumns+` FROM rpc_calls WHERE session_id = ? ORDER BY request_ts`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("session rpcs: %w", err)
	}
	defer rows.Close()

	var calls []*RPCCall
	for rows.Next() {
		call, err := scanRPC(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, call)
	}
	return calls, rows.Err()
}

// ---------------------------------------------------------------------------
// Scan helpers
// ---------------------------------------------------------------------------

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (*Session, error) {
	var (
		sess                           Session
		startedAt                      string
		endedAt, exitReason            sql.NullString
		protected                      int
		actorID, actorKind, actorLabel sql.NullString
	)
	err := row.Scan(&sess.SessionID, &sess.TargetID, &sess.ConnectorID, &startedAt,
		&endedAt, &exitReason, &protected, &actorID, &actorKind, &actorLabel, &sess.SecretRefCount)
	if err != nil {
		return nil, err
	}

	sess.StartedAt = parseTime(startedAt)
	if endedAt.Valid {
		t := parseTime(endedAt.String)
		sess.EndedAt = &t
	}
	if exitReason.Valid {
		sess.ExitReason = ExitReason(exitReason.String)
	}
	sess.Protected = protected != 0
	if actorID.Valid && actorID.String != "" {
		sess.Actor = &Actor{ID: actorID.String, Kind: actorKind.String, Label: actorLabel.String}
	}
	return &sess, nil
}

func scanRPC(row scannable) (*RPCCall, error) {
	var (
		call                  RPCCall
		requestTS             string
		responseTS, errorCode sql.NullString
		success               sql.NullInt64
	)
	err := row.Scan(&call.RPCID, &call.SessionID, &call.Method, &requestTS, &responseTS, &success, &errorCode)
	if err != nil {
		return nil, err
	}

	call.RequestTS = parseTime(requestTS)
	if responseTS.Valid {
		t := parseTime(responseTS.String)
		call.ResponseTS = &t
	}
	if success.Valid {
		ok := success.Int64 != 0
		call.Success = &ok
	}
	call.ErrorCode = errorCode.String
	return &call, nil
}

func collectEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		var (
			ev                                             Event
			ts                                             string
			rpcID, summary, payloadHash, rawJSON, normJSON sql.NullString
		)
		if err := rows.Scan(&ev.EventID, &ev.SessionID, &rpcID, &ev.Direction, &ev.Kind,
			&ts, &ev.Seq, &summary, &payloadHash, &rawJSON, &normJSON); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.TS = parseTime(ts)
		ev.RPCID = rpcID.String
		ev.Summary = summary.String
		ev.PayloadHash = payloadHash.String
		ev.RawJSON = rawJSON.String
		ev.NormalizedJSON = normJSON.String
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// ---------------------------------------------------------------------------
// Small shared helpers
// ---------------------------------------------------------------------------

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// escapeLike makes a string safe as a literal LIKE prefix.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// normalizeJSON re-encodes raw JSON canonically (object keys sorted).
// Returns empty when the input does not parse.
func normalizeJSON(raw string) string {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return ""
	}
	out, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(out)
}
