package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Prune primitives. The retention package sequences these; the store
// only guarantees that protected sessions are never touched.

// SessionsBeyondKeepLast returns the ids of unprotected sessions outside
// the newest keepLast, oldest first.
func (s *Store) SessionsBeyondKeepLast(ctx context.Context, keepLast int) ([]string, error) {
	if keepLast < 0 {
		keepLast = 0
	}
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT session_id FROM sessions
		 WHERE protected = 0 AND session_id NOT IN (
			SELECT session_id FROM sessions ORDER BY started_at DESC, session_id DESC LIMIT ?
		 )
		 ORDER BY started_at`), keepLast)
	if err != nil {
		return nil, fmt.Errorf("sessions beyond keep_last: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ConnectorSessionsBeyondKeepLast is the connector-scoped variant: the
// newest keepLast sessions of one connector are retained, the rest of its
// unprotected sessions are candidates, oldest first.
func (s *Store) ConnectorSessionsBeyondKeepLast(ctx context.Context, connectorID string, keepLast int) ([]string, error) {
	if keepLast < 0 {
		keepLast = 0
	}
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT session_id FROM sessions
		 WHERE protected = 0 AND connector_id = ? AND session_id NOT IN (
			SELECT session_id FROM sessions WHERE connector_id = ?
			ORDER BY started_at DESC, session_id DESC LIMIT ?
		 )
		 ORDER BY started_at`), connectorID, connectorID, keepLast)
	if err != nil {
		return nil, fmt.Errorf("connector sessions beyond keep_last: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SessionsBefore returns unprotected sessions started before cutoff,
// oldest first, optionally narrowed to one connector.
func (s *Store) SessionsBefore(ctx context.Context, cutoff time.Time, connectorID string) ([]string, error) {
	query := `SELECT session_id FROM sessions WHERE protected = 0 AND started_at < ?`
	args := []any{formatTime(cutoff.UTC())}
	if connectorID != "" {
		query += ` AND connector_id = ?`
		args = append(args, connectorID)
	}
	query += ` ORDER BY started_at`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("sessions before: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteSessions removes sessions and, via cascade, their rpc_calls,
// events and task_events. Protected sessions are skipped even when
// listed. Returns the number of sessions deleted.
func (s *Store) DeleteSessions(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	placeholders := strings.Repeat("?, ", len(ids)-1) + "?"
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	res, err := s.db.ExecContext(ctx, s.q(
		`DELETE FROM sessions WHERE protected = 0 AND session_id IN (`+placeholders+`)`), args...)
	if err != nil {
		return 0, fmt.Errorf("delete sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ClearRawJSON drops raw and normalized payloads from events older than
// cutoff, keeping the metadata rows. Protected sessions keep their
// payloads. Returns the number of events cleared.
func (s *Store) ClearRawJSON(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE events SET raw_json = NULL, normalized_json = NULL
		 WHERE ts < ? AND raw_json IS NOT NULL
		 AND session_id IN (SELECT session_id FROM sessions WHERE protected = 0)`),
		formatTime(cutoff.UTC()))
	if err != nil {
		return 0, fmt.Errorf("clear raw json: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// OldestUnprotectedSessions returns up to n unprotected session ids,
// oldest first. Used when shrinking toward a size cap.
func (s *Store) OldestUnprotectedSessions(ctx context.Context, n int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT session_id FROM sessions WHERE protected = 0 ORDER BY started_at LIMIT ?`), n)
	if err != nil {
		return nil, fmt.Errorf("oldest sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountSessions returns total and protected session counts.
func (s *Store) CountSessions(ctx context.Context) (total, protected int, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(protected), 0) FROM sessions`).Scan(&total, &protected)
	if err != nil {
		return 0, 0, fmt.Errorf("count sessions: %w", err)
	}
	return total, protected, nil
}

// Vacuum reclaims file space after deletions. SQLite only; a no-op
// elsewhere.
func (s *Store) Vacuum(ctx context.Context) error {
	if s.dialect != "sqlite" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	return nil
}

// SizeBytes reports the database size. SQLite only; other dialects
// report 0 and size-based retention does not apply.
func (s *Store) SizeBytes(ctx context.Context) (int64, error) {
	if s.dialect != "sqlite" {
		return 0, nil
	}
	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err != nil {
		return 0, fmt.Errorf("page_count: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("page_size: %w", err)
	}
	return pageCount * pageSize, nil
}
