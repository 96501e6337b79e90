package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SaveTaskEvent appends an A2A task lifecycle marker to a session.
func (s *Store) SaveTaskEvent(ctx context.Context, sessionID, taskID string, kind TaskEventKind, detail string) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO task_events (session_id, task_id, event_kind, ts, detail) VALUES (?, ?, ?, ?, ?)`),
		sessionID, taskID, string(kind), formatTime(time.Now().UTC()), nullable(detail))
	if err != nil {
		return fmt.Errorf("save task event: %w", err)
	}
	return nil
}

// TaskEvents returns a session's task markers in time order, optionally
// narrowed to one task.
func (s *Store) TaskEvents(ctx context.Context, sessionID, taskID string) ([]*TaskEvent, error) {
	query := `SELECT id, session_id, task_id, event_kind, ts, detail FROM task_events WHERE session_id = ?`
	args := []any{sessionID}
	if taskID != "" {
		query += ` AND task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY ts, id`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("task events: %w", err)
	}
	defer rows.Close()

	var events []*TaskEvent
	for rows.Next() {
		var (
			ev     TaskEvent
			ts     string
			detail sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.TaskID, &ev.Kind, &ts, &detail); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		ev.TS = parseTime(ts)
		ev.Detail = detail.String
		events = append(events, &ev)
	}
	return events, rows.Err()
}
