package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedSessions(t *testing.T, s *Store, n int) []string {
	t.Helper()
	ctx := context.Background()

	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		sess, err := s.CreateSession(ctx, "echo", "echo", nil)
		require.NoError(t, err)
		ids = append(ids, sess.SessionID)
		// started_at ordering must be strict for keep_last to be stable.
		_, err = s.db.ExecContext(ctx,
			`UPDATE sessions SET started_at = ? WHERE session_id = ?`,
			formatTime(time.Now().UTC().Add(time.Duration(i)*time.Second)), sess.SessionID)
		require.NoError(t, err)
	}
	return ids
}

func TestSessionsBeyondKeepLast(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	ids := seedSessions(t, s, 5)

	old, err := s.SessionsBeyondKeepLast(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, ids[:3], old)

	// Protecting one of the old sessions pulls it out of the candidates.
	require.NoError(t, s.ProtectSession(ctx, ids[0], true))
	old, err = s.SessionsBeyondKeepLast(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, ids[1:3], old)
}

func TestDeleteSessionsSkipsProtected(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	ids := seedSessions(t, s, 3)
	for _, id := range ids {
		_, err := s.SaveEvent(ctx, id, ClientToServer, EventRequest, EventParams{RawJSON: `{}`})
		require.NoError(t, err)
	}
	require.NoError(t, s.ProtectSession(ctx, ids[1], true))

	n, err := s.DeleteSessions(ctx, ids)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.GetSession(ctx, ids[1])
	require.NoError(t, err)
	_, err = s.GetSession(ctx, ids[0])
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// Cascade removed the deleted sessions' events.
	events, err := s.SessionEvents(ctx, ids[0])
	require.NoError(t, err)
	assert.Empty(t, events)
	events, err = s.SessionEvents(ctx, ids[1])
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestClearRawJSONKeepsProtectedAndMetadata(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	ids := seedSessions(t, s, 2)
	for _, id := range ids {
		_, err := s.SaveEvent(ctx, id, ClientToServer, EventRequest, EventParams{
			RawJSON:  `{"method":"ping"}`,
			Protocol: ProtocolMCP,
			TS:       time.Now().UTC().Add(-48 * time.Hour),
		})
		require.NoError(t, err)
	}
	require.NoError(t, s.ProtectSession(ctx, ids[1], true))

	n, err := s.ClearRawJSON(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	cleared, err := s.SessionEvents(ctx, ids[0])
	require.NoError(t, err)
	require.Len(t, cleared, 1)
	assert.Empty(t, cleared[0].RawJSON)
	assert.Empty(t, cleared[0].NormalizedJSON)
	assert.NotEmpty(t, cleared[0].PayloadHash, "metadata survives payload clearing")

	kept, err := s.SessionEvents(ctx, ids[1])
	require.NoError(t, err)
	require.Len(t, kept, 1)
	assert.NotEmpty(t, kept[0].RawJSON)
}

func TestCountAndSize(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	ids := seedSessions(t, s, 3)
	require.NoError(t, s.ProtectSession(ctx, ids[0], true))

	total, protected, err := s.CountSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, 1, protected)

	size, err := s.SizeBytes(ctx)
	require.NoError(t, err)
	assert.Greater(t, size, int64(0))

	require.NoError(t, s.Vacuum(ctx))
}
