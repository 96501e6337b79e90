package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Proof-store sentinels.
var (
	ErrEntryNotFound = errors.New("proof entry not found")
	ErrPlanNotFound  = errors.New("plan not found")
	ErrRunNotFound   = errors.New("run not found")
)

const proofsSchemaVersion = 2

// ProofEntry is one recorded proof artifact.
type ProofEntry struct {
	ID        string
	Path      string
	Title     string
	CreatedAt time.Time
}

// Plan groups runs under a proof entry.
type Plan struct {
	ID        string
	EntryID   string
	Name      string
	CreatedAt time.Time
}

// Run is one execution of a plan.
type Run struct {
	ID        string
	PlanID    string
	Status    string
	StartedAt time.Time
	EndedAt   *time.Time
}

// ProofStore holds proof entries, plans and runs in its own database.
// Unlike the event store it is never pruned.
type ProofStore struct {
	db *sql.DB
}

// OpenProofs opens (or creates) the proofs database at path.
func OpenProofs(pool *Pool, path string) (*ProofStore, error) {
	db, err := pool.Get("sqlite3", path)
	if err != nil {
		return nil, err
	}

	p := &ProofStore{db: db}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate proofs schema: %w", err)
	}
	return p, nil
}

var proofMigrations = []migration{
	{
		Version: 1,
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS proof_entries (
				id TEXT PRIMARY KEY,
				path TEXT NOT NULL,
				title TEXT,
				created_at TEXT NOT NULL
			)`,
		},
	},
	{
		Version: 2,
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS plans (
				id TEXT PRIMARY KEY,
				entry_id TEXT NOT NULL,
				name TEXT NOT NULL,
				created_at TEXT NOT NULL,
				FOREIGN KEY (entry_id) REFERENCES proof_entries(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS runs (
				id TEXT PRIMARY KEY,
				plan_id TEXT NOT NULL,
				status TEXT NOT NULL,
				started_at TEXT NOT NULL,
				ended_at TEXT,
				FOREIGN KEY (plan_id) REFERENCES plans(id) ON DELETE CASCADE
			)`,
		},
	},
}

func (p *ProofStore) migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	err := p.db.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&current)
	if err == sql.ErrNoRows {
		if _, err := p.db.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (0)`); err != nil {
			return fmt.Errorf("seed schema_version: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, m := range proofMigrations {
		if m.Version <= current {
			continue
		}
		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		for _, stmt := range m.Statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil && !isBenignDDLError(err) {
				tx.Rollback()
				return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
			}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE schema_version SET version = ?`, m.Version); err != nil {
			tx.Rollback()
			return fmt.Errorf("bump version: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// NewULID mints a lexicographically sortable id.
func NewULID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// AddEntry records a proof artifact and returns its id.
func (p *ProofStore) AddEntry(ctx context.Context, path, title string) (*ProofEntry, error) {
	e := &ProofEntry{
		ID:        NewULID(),
		Path:      path,
		Title:     title,
		CreatedAt: time.Now().UTC(),
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO proof_entries (id, path, title, created_at) VALUES (?, ?, ?, ?)`,
		e.ID, e.Path, nullable(e.Title), formatTime(e.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("add entry: %w", err)
	}
	return e, nil
}

// GetEntry fetches a proof entry by id.
func (p *ProofStore) GetEntry(ctx context.Context, id string) (*ProofEntry, error) {
	var (
		e         ProofEntry
		title     sql.NullString
		createdAt string
	)
	err := p.db.QueryRowContext(ctx,
		`SELECT id, path, title, created_at FROM proof_entries WHERE id = ?`, id).
		Scan(&e.ID, &e.Path, &title, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	e.Title = title.String
	e.CreatedAt = parseTime(createdAt)
	return &e, nil
}

// ListEntries returns proof entries newest first.
func (p *ProofStore) ListEntries(ctx context.Context, limit int) ([]*ProofEntry, error) {
	query := `SELECT id, path, title, created_at FROM proof_entries ORDER BY id DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var entries []*ProofEntry
	for rows.Next() {
		var (
			e         ProofEntry
			title     sql.NullString
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.Path, &title, &createdAt); err != nil {
			return nil, err
		}
		e.Title = title.String
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// AddPlan attaches a named plan to an entry.
func (p *ProofStore) AddPlan(ctx context.Context, entryID, name string) (*Plan, error) {
	if _, err := p.GetEntry(ctx, entryID); err != nil {
		return nil, err
	}
	pl := &Plan{
		ID:        NewULID(),
		EntryID:   entryID,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO plans (id, entry_id, name, created_at) VALUES (?, ?, ?, ?)`,
		pl.ID, pl.EntryID, pl.Name, formatTime(pl.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("add plan: %w", err)
	}
	return pl, nil
}

// StartRun opens a run against a plan with status "running".
func (p *ProofStore) StartRun(ctx context.Context, planID string) (*Run, error) {
	var exists int
	if err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM plans WHERE id = ?`, planID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check plan: %w", err)
	}
	if exists == 0 {
		return nil, ErrPlanNotFound
	}

	r := &Run{
		ID:        NewULID(),
		PlanID:    planID,
		Status:    "running",
		StartedAt: time.Now().UTC(),
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO runs (id, plan_id, status, started_at) VALUES (?, ?, ?, ?)`,
		r.ID, r.PlanID, r.Status, formatTime(r.StartedAt))
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	return r, nil
}

// FinishRun stamps a run's final status and end time.
func (p *ProofStore) FinishRun(ctx context.Context, runID, status string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, ended_at = ? WHERE id = ?`,
		status, formatTime(time.Now().UTC()), runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// PlanRuns returns a plan's runs oldest first.
func (p *ProofStore) PlanRuns(ctx context.Context, planID string) ([]*Run, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, plan_id, status, started_at, ended_at FROM runs WHERE plan_id = ? ORDER BY id`, planID)
	if err != nil {
		return nil, fmt.Errorf("plan runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var (
			r         Run
			startedAt string
			endedAt   sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.PlanID, &r.Status, &startedAt, &endedAt); err != nil {
			return nil, err
		}
		r.StartedAt = parseTime(startedAt)
		if endedAt.Valid {
			t := parseTime(endedAt.String)
			r.EndedAt = &t
		}
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}
