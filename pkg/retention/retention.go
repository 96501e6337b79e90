// Package retention enforces the configured bounds on recorded history.
// Three policies apply in priority order: per-connector keep_last_sessions,
// age-based raw_days (payloads cleared, metadata kept), and the max_db_mb
// size ceiling. Protected sessions are exempt from all of them; the proofs
// database is never touched.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/proofshell/pfs/pkg/config"
	"github.com/proofshell/pfs/pkg/store"
)

// sizeBatch is how many of the oldest sessions go per round when shrinking
// toward the size ceiling.
const sizeBatch = 16

// CandidateOptions narrows a prune-candidate query.
type CandidateOptions struct {
	// KeepLast retains the newest N sessions (per connector when
	// Connector is set, globally otherwise). Zero means no keep-last
	// policy.
	KeepLast int

	// Before marks sessions started before this time. Zero means no age
	// policy.
	Before time.Time

	// Connector scopes the query to one connector.
	Connector string
}

// Enforcer applies the retention policy from config against the store.
type Enforcer struct {
	store  *store.Store
	cfg    *config.Config
	logger *slog.Logger
}

// New builds an enforcer.
func New(s *store.Store, cfg *config.Config, logger *slog.Logger) *Enforcer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enforcer{store: s, cfg: cfg, logger: logger}
}

// Candidates returns unprotected sessions exceeding policy, oldest first.
// Both policies given, the union is returned (deduplicated, order kept).
func (e *Enforcer) Candidates(ctx context.Context, opts CandidateOptions) ([]string, error) {
	var out []string
	seen := map[string]bool{}
	add := func(ids []string) {
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}

	if opts.KeepLast > 0 {
		var ids []string
		var err error
		if opts.Connector != "" {
			ids, err = e.store.ConnectorSessionsBeyondKeepLast(ctx, opts.Connector, opts.KeepLast)
		} else {
			ids, err = e.store.SessionsBeyondKeepLast(ctx, opts.KeepLast)
		}
		if err != nil {
			return nil, err
		}
		add(ids)
	}

	if !opts.Before.IsZero() {
		ids, err := e.store.SessionsBefore(ctx, opts.Before, opts.Connector)
		if err != nil {
			return nil, err
		}
		add(ids)
	}

	return out, nil
}

// Report summarizes one enforcement run.
type Report struct {
	SessionsDeleted int
	PayloadsCleared int
	Vacuumed        bool
}

// Run applies all three policies in order. Destructive steps are
// per-statement transactional inside the store; a failure stops the run
// and reports what already happened.
func (e *Enforcer) Run(ctx context.Context) (*Report, error) {
	report := &Report{}

	// 1. keep_last_sessions, per connector override then global.
	for _, conn := range e.cfg.Connectors {
		if conn == nil {
			continue
		}
		policy := e.cfg.ConnectorRetention(conn.ID)
		if policy.KeepLastSessions <= 0 {
			continue
		}
		ids, err := e.store.ConnectorSessionsBeyondKeepLast(ctx, conn.ID, policy.KeepLastSessions)
		if err != nil {
			return report, err
		}
		n, err := e.store.DeleteSessions(ctx, ids)
		if err != nil {
			return report, err
		}
		if n > 0 {
			e.logger.Info("Pruned sessions beyond keep_last",
				"connector", conn.ID, "deleted", n, "keep_last", policy.KeepLastSessions)
		}
		report.SessionsDeleted += n
	}

	// 2. raw_days: clear payloads, keep the timeline.
	if days := e.cfg.Retention.RawDays; days > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -days)
		n, err := e.store.ClearRawJSON(ctx, cutoff)
		if err != nil {
			return report, err
		}
		if n > 0 {
			e.logger.Info("Cleared raw payloads", "events", n, "raw_days", days)
		}
		report.PayloadsCleared = n
	}

	// 3. max_db_mb: delete oldest unprotected sessions until under the
	// ceiling, then compact.
	if capMB := e.cfg.Retention.MaxDBMB; capMB > 0 {
		deleted, err := e.shrinkToCap(ctx, int64(capMB)*1024*1024)
		if err != nil {
			return report, err
		}
		report.SessionsDeleted += deleted
		if deleted > 0 || report.PayloadsCleared > 0 {
			if err := e.store.Vacuum(ctx); err != nil {
				return report, err
			}
			report.Vacuumed = true
		}
	} else if report.SessionsDeleted > 0 {
		if err := e.store.Vacuum(ctx); err != nil {
			return report, err
		}
		report.Vacuumed = true
	}

	return report, nil
}

func (e *Enforcer) shrinkToCap(ctx context.Context, capBytes int64) (int, error) {
	deleted := 0
	for {
		size, err := e.store.SizeBytes(ctx)
		if err != nil {
			return deleted, err
		}
		if size <= capBytes {
			return deleted, nil
		}

		ids, err := e.store.OldestUnprotectedSessions(ctx, sizeBatch)
		if err != nil {
			return deleted, err
		}
		if len(ids) == 0 {
			// Only protected sessions remain; the ceiling is advisory
			// at this point.
			e.logger.Warn("Database over size ceiling but only protected sessions remain",
				"size_bytes", size, "cap_bytes", capBytes)
			return deleted, nil
		}

		n, err := e.store.DeleteSessions(ctx, ids)
		if err != nil {
			return deleted, err
		}
		deleted += n
		if n == 0 {
			return deleted, nil
		}

		// Deletes free pages but not file space; compact before
		// re-measuring.
		if err := e.store.Vacuum(ctx); err != nil {
			return deleted, fmt.Errorf("vacuum during shrink: %w", err)
		}
	}
}
