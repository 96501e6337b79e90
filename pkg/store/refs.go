package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SaveRef creates or replaces a named reference. Names are unique across
// all kinds; saving an existing name overwrites it.
func (s *Store) SaveRef(ctx context.Context, ref *UserRef) error {
	if ref.Name == "" {
		return fmt.Errorf("ref name is required")
	}
	valid := false
	for _, k := range ValidRefKinds {
		if ref.Kind == k {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid ref kind: %s", ref.Kind)
	}
	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = time.Now().UTC()
	}

	if s.dialect == "mysql" {
		_, err := s.db.ExecContext(ctx,
			`REPLACE INTO user_refs (name, kind, connector, session, rpc, proto, level, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			ref.Name, string(ref.Kind), nullable(ref.Connector), nullable(ref.Session),
			nullable(ref.RPC), nullable(ref.Proto), nullable(ref.Level), formatTime(ref.CreatedAt))
		if err != nil {
			return fmt.Errorf("save ref: %w", err)
		}
		return nil
	}

	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO user_refs (name, kind, connector, session, rpc, proto, level, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET
			kind = excluded.kind,
			connector = excluded.connector,
			session = excluded.session,
			rpc = excluded.rpc,
			proto = excluded.proto,
			level = excluded.level,
			created_at = excluded.created_at`),
		ref.Name, string(ref.Kind), nullable(ref.Connector), nullable(ref.Session),
		nullable(ref.RPC), nullable(ref.Proto), nullable(ref.Level), formatTime(ref.CreatedAt))
	if err != nil {
		return fmt.Errorf("save ref: %w", err)
	}
	return nil
}

const refColumns = `name, kind, connector, session, rpc, proto, level, created_at`

// GetRef fetches a reference by exact name.
func (s *Store) GetRef(ctx context.Context, name string) (*UserRef, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT `+refColumns+` FROM user_refs WHERE name = ?`), name)
	ref, err := scanRef(row)
	if err == sql.ErrNoRows {
		return nil, ErrRefNotFound
	}
	return ref, err
}

// ListRefs returns all references, optionally filtered by kind, ordered
// by name.
func (s *Store) ListRefs(ctx context.Context, kind RefKind) ([]*UserRef, error) {
	query := `SELECT ` + refColumns + ` FROM user_refs`
	var args []any
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list refs: %w", err)
	}
	defer rows.Close()

	var refs []*UserRef
	for rows.Next() {
		ref, err := scanRef(rows)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// DeleteRef removes a reference by name.
func (s *Store) DeleteRef(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM user_refs WHERE name = ?`), name)
	if err != nil {
		return fmt.Errorf("delete ref: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRefNotFound
	}
	return nil
}

func scanRef(row scannable) (*UserRef, error) {
	var (
		ref                                   UserRef
		connector, session, rpc, proto, level sql.NullString
		createdAt                             string
	)
	err := row.Scan(&ref.Name, &ref.Kind, &connector, &session, &rpc, &proto, &level, &createdAt)
	if err != nil {
		return nil, err
	}

	ref.Connector = connector.String
	ref.Session = session.String
	ref.RPC = rpc.String
	ref.Proto = proto.String
	ref.Level = level.String
	ref.CreatedAt = parseTime(createdAt)
	return &ref, nil
}
