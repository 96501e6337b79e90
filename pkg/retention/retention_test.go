package retention

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proofshell/pfs/pkg/config"
	"github.com/proofshell/pfs/pkg/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	pool := store.NewPool()
	t.Cleanup(func() { _ = pool.Close() })

	s, err := store.Open(pool, filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	return s
}

// seed creates n sessions for a connector with strictly increasing
// start times and one recorded event each.
func seed(t *testing.T, s *store.Store, connector string, n int, base time.Time) []string {
	t.Helper()
	ctx := context.Background()

	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		sess, err := s.CreateSession(ctx, connector, connector, nil)
		require.NoError(t, err)
		_, err = s.SaveEvent(ctx, sess.SessionID, store.ClientToServer, store.EventRequest,
			store.EventParams{RawJSON: `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`})
		require.NoError(t, err)

		_, err = s.DB().ExecContext(ctx,
			`UPDATE sessions SET started_at = ? WHERE session_id = ?`,
			base.Add(time.Duration(i)*time.Minute).UTC().Format(time.RFC3339Nano), sess.SessionID)
		require.NoError(t, err)
		ids = append(ids, sess.SessionID)
	}
	return ids
}

func TestCandidatesKeepLastPerConnector(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	ids := seed(t, s, "X", 5, base)
	seed(t, s, "Y", 3, base) // other connector, untouched

	e := New(s, &config.Config{Version: 1}, nil)

	got, err := e.Candidates(ctx, CandidateOptions{KeepLast: 2, Connector: "X"})
	require.NoError(t, err)
	assert.Equal(t, ids[:3], got)

	// Protecting one candidate shrinks the set to the oldest two
	// unprotected sessions.
	require.NoError(t, s.ProtectSession(ctx, ids[1], true))
	got, err = e.Candidates(ctx, CandidateOptions{KeepLast: 2, Connector: "X"})
	require.NoError(t, err)
	assert.Equal(t, []string{ids[0], ids[2]}, got)
}

func TestCandidatesBefore(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Now().Add(-10 * time.Hour)

	ids := seed(t, s, "X", 4, base)

	e := New(s, &config.Config{Version: 1}, nil)
	got, err := e.Candidates(ctx, CandidateOptions{Before: base.Add(90 * time.Second)})
	require.NoError(t, err)
	assert.Equal(t, ids[:2], got)
}

func TestRunKeepLastDeletesCascade(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	ids := seed(t, s, "echo", 5, time.Now().Add(-time.Hour))

	cfg := &config.Config{
		Version: 1,
		Connectors: []*config.ConnectorConfig{{
			ID:        "echo",
			Transport: config.TransportConfig{Type: config.TransportStdio, Command: "./echo"},
			Retention: &config.RetentionConfig{KeepLastSessions: 2},
		}},
	}

	report, err := New(s, cfg, nil).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.SessionsDeleted)
	assert.True(t, report.Vacuumed)

	// Survivors keep their events; the pruned sessions are fully gone.
	for _, id := range ids[:3] {
		_, err := s.GetSession(ctx, id)
		assert.ErrorIs(t, err, store.ErrSessionNotFound)
		events, err := s.SessionEvents(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, events)
	}
	for _, id := range ids[3:] {
		events, err := s.SessionEvents(ctx, id)
		require.NoError(t, err)
		assert.Len(t, events, 1)
	}
}

func TestRunRawDaysClearsPayloadsKeepsMetadata(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	ids := seed(t, s, "echo", 2, time.Now().Add(-time.Hour))

	// Age one session's event past the cutoff.
	_, err := s.DB().ExecContext(ctx,
		`UPDATE events SET ts = ? WHERE session_id = ?`,
		time.Now().AddDate(0, 0, -30).UTC().Format(time.RFC3339Nano), ids[0])
	require.NoError(t, err)

	cfg := &config.Config{Version: 1, Retention: config.RetentionConfig{RawDays: 14}}
	report, err := New(s, cfg, nil).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.PayloadsCleared)

	events, err := s.SessionEvents(ctx, ids[0])
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Empty(t, events[0].RawJSON)
	assert.NotEmpty(t, events[0].PayloadHash) // metadata survives

	events, err = s.SessionEvents(ctx, ids[1])
	require.NoError(t, err)
	assert.NotEmpty(t, events[0].RawJSON)
}

func TestRunNeverTouchesProtected(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	ids := seed(t, s, "echo", 3, time.Now().Add(-time.Hour))
	require.NoError(t, s.ProtectSession(ctx, ids[0], true))

	// Age every event far past the cutoff.
	_, err := s.DB().ExecContext(ctx, `UPDATE events SET ts = ?`,
		time.Now().AddDate(0, 0, -60).UTC().Format(time.RFC3339Nano))
	require.NoError(t, err)

	cfg := &config.Config{
		Version:   1,
		Retention: config.RetentionConfig{RawDays: 14},
		Connectors: []*config.ConnectorConfig{{
			ID:        "echo",
			Transport: config.TransportConfig{Type: config.TransportStdio, Command: "./echo"},
			Retention: &config.RetentionConfig{KeepLastSessions: 1},
		}},
	}
	_, err = New(s, cfg, nil).Run(ctx)
	require.NoError(t, err)

	// The protected session survives with its payload intact, even
	// though it is the oldest.
	sess, err := s.GetSession(ctx, ids[0])
	require.NoError(t, err)
	assert.True(t, sess.Protected)

	events, err := s.SessionEvents(ctx, ids[0])
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.NotEmpty(t, events[0].RawJSON)
}
