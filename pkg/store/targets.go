package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TargetTypeFor returns the protocol a target type must speak.
func TargetTypeFor(p Protocol) TargetType {
	if p == ProtocolA2A {
		return TargetAgent
	}
	return TargetConnector
}

// CreateTarget inserts a new target. The type and protocol must agree
// (connector↔mcp, agent↔a2a); the schema enforces the same pairing.
func (s *Store) CreateTarget(ctx context.Context, t *Target) error {
	if err := validateTargetPair(t.Type, t.Protocol); err != nil {
		return err
	}
	if strings.Contains(t.ID, "__") {
		return fmt.Errorf("target id %q may not contain '__'", t.ID)
	}

	cfg, err := marshalConfig(t.Config)
	if err != nil {
		return err
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	enabled := 0
	if t.Enabled {
		enabled = 1
	}

	_, err = s.db.ExecContext(ctx, s.q(
		`INSERT INTO targets (id, type, protocol, name, enabled, created_at, config_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`),
		t.ID, string(t.Type), string(t.Protocol), nullable(t.Name), enabled,
		formatTime(t.CreatedAt), nullable(cfg))
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") ||
			strings.Contains(strings.ToLower(err.Error()), "primary key") {
			return ErrDuplicateTarget
		}
		return fmt.Errorf("create target: %w", err)
	}
	return nil
}

// UpdateTarget rewrites name, enabled flag and config for an existing
// target. Type and protocol are immutable.
func (s *Store) UpdateTarget(ctx context.Context, t *Target) error {
	cfg, err := marshalConfig(t.Config)
	if err != nil {
		return err
	}
	enabled := 0
	if t.Enabled {
		enabled = 1
	}

	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE targets SET name = ?, enabled = ?, config_json = ?, updated_at = ? WHERE id = ?`),
		nullable(t.Name), enabled, nullable(cfg), formatTime(time.Now().UTC()), t.ID)
	if err != nil {
		return fmt.Errorf("update target: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTargetNotFound
	}
	return nil
}

// SetTargetEnabled flips the enabled flag without touching config.
func (s *Store) SetTargetEnabled(ctx context.Context, id string, enabled bool) error {
	flag := 0
	if enabled {
		flag = 1
	}
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE targets SET enabled = ?, updated_at = ? WHERE id = ?`),
		flag, formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("set target enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTargetNotFound
	}
	return nil
}

// DeleteTarget removes a target and, via cascade, its cached card.
func (s *Store) DeleteTarget(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM targets WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete target: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTargetNotFound
	}
	return nil
}

const targetColumns = `id, type, protocol, name, enabled, created_at, updated_at, config_json`

// GetTarget fetches one target by exact id.
func (s *Store) GetTarget(ctx context.Context, id string) (*Target, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT `+targetColumns+` FROM targets WHERE id = ?`), id)
	t, err := scanTarget(row)
	if err == sql.ErrNoRows {
		return nil, ErrTargetNotFound
	}
	return t, err
}

// FindTargetByPrefix resolves an id prefix to exactly one target. An
// exact match wins over other prefix matches.
func (s *Store) FindTargetByPrefix(ctx context.Context, prefix string) (*Target, error) {
	if t, err := s.GetTarget(ctx, prefix); err == nil {
		return t, nil
	} else if err != ErrTargetNotFound {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+targetColumns+` FROM targets WHERE id LIKE ? ESCAPE '\' ORDER BY id`),
		escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("find target: %w", err)
	}
	defer rows.Close()

	var matches []*Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(matches) {
	case 0:
		return nil, ErrTargetNotFound
	case 1:
		return matches[0], nil
	default:
		return nil, ErrAmbiguousPrefix
	}
}

// TargetFilter narrows ListTargets. Zero values mean no constraint.
type TargetFilter struct {
	Type        TargetType
	Protocol    Protocol
	EnabledOnly bool
}

// ListTargets returns targets newest first.
func (s *Store) ListTargets(ctx context.Context, filter TargetFilter) ([]*Target, error) {
	query := `SELECT ` + targetColumns + ` FROM targets WHERE 1 = 1`
	var args []any
	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(filter.Type))
	}
	if filter.Protocol != "" {
		query += ` AND protocol = ?`
		args = append(args, string(filter.Protocol))
	}
	if filter.EnabledOnly {
		query += ` AND enabled = 1`
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	defer rows.Close()

	var targets []*Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// SyncTarget upserts a target from configuration. Config-declared
// targets overwrite the stored config but keep a manually toggled
// enabled flag only when keepEnabled is set.
func (s *Store) SyncTarget(ctx context.Context, t *Target, keepEnabled bool) error {
	existing, err := s.GetTarget(ctx, t.ID)
	switch err {
	case ErrTargetNotFound:
		return s.CreateTarget(ctx, t)
	case nil:
		if keepEnabled {
			t.Enabled = existing.Enabled
		}
		return s.UpdateTarget(ctx, t)
	default:
		return err
	}
}

// ---------------------------------------------------------------------------
// Agent card cache
// ---------------------------------------------------------------------------

// PutCachedCard stores or replaces a target's cached agent card.
func (s *Store) PutCachedCard(ctx context.Context, c *CachedCard) error {
	var expires any
	if c.ExpiresAt != nil {
		expires = formatTime(*c.ExpiresAt)
	}
	if c.FetchedAt.IsZero() {
		c.FetchedAt = time.Now().UTC()
	}

	if s.dialect == "mysql" {
		_, err := s.db.ExecContext(ctx,
			`REPLACE INTO agent_cache (target_id, card_json, hash, fetched_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
			c.TargetID, c.CardJSON, c.Hash, formatTime(c.FetchedAt), expires)
		if err != nil {
			return fmt.Errorf("cache card: %w", err)
		}
		return nil
	}

	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO agent_cache (target_id, card_json, hash, fetched_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (target_id) DO UPDATE SET
			card_json = excluded.card_json,
			hash = excluded.hash,
			fetched_at = excluded.fetched_at,
			expires_at = excluded.expires_at`),
		c.TargetID, c.CardJSON, c.Hash, formatTime(c.FetchedAt), expires)
	if err != nil {
		return fmt.Errorf("cache card: %w", err)
	}
	return nil
}

// GetCachedCard fetches a target's cached card, expired or not. Callers
// decide freshness via Expired.
func (s *Store) GetCachedCard(ctx context.Context, targetID string) (*CachedCard, error) {
	var (
		c         CachedCard
		fetchedAt string
		expiresAt sql.NullString
	)
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT target_id, card_json, hash, fetched_at, expires_at FROM agent_cache WHERE target_id = ?`),
		targetID).Scan(&c.TargetID, &c.CardJSON, &c.Hash, &fetchedAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrTargetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cached card: %w", err)
	}

	c.FetchedAt = parseTime(fetchedAt)
	if expiresAt.Valid {
		t := parseTime(expiresAt.String)
		c.ExpiresAt = &t
	}
	return &c, nil
}

// DeleteCachedCard evicts one target's cached card.
func (s *Store) DeleteCachedCard(ctx context.Context, targetID string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM agent_cache WHERE target_id = ?`), targetID)
	if err != nil {
		return fmt.Errorf("delete cached card: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------

func validateTargetPair(tt TargetType, p Protocol) error {
	switch {
	case tt == TargetConnector && p == ProtocolMCP:
		return nil
	case tt == TargetAgent && p == ProtocolA2A:
		return nil
	default:
		return fmt.Errorf("target type %q cannot speak protocol %q", tt, p)
	}
}

func marshalConfig(cfg map[string]any) (string, error) {
	if len(cfg) == 0 {
		return "", nil
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshal target config: %w", err)
	}
	return string(data), nil
}

func scanTarget(row scannable) (*Target, error) {
	var (
		t                  Target
		name, updated, cfg sql.NullString
		enabled            int
		createdAt          string
	)
	err := row.Scan(&t.ID, &t.Type, &t.Protocol, &name, &enabled, &createdAt, &updated, &cfg)
	if err != nil {
		return nil, err
	}

	t.Name = name.String
	t.Enabled = enabled != 0
	t.CreatedAt = parseTime(createdAt)
	if updated.Valid {
		u := parseTime(updated.String)
		t.UpdatedAt = &u
	}
	if cfg.Valid && cfg.String != "" {
		if err := json.Unmarshal([]byte(cfg.String), &t.Config); err != nil {
			return nil, fmt.Errorf("decode target config for %s: %w", t.ID, err)
		}
	}
	return &t, nil
}
