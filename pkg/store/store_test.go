package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	pool := NewPool()
	t.Cleanup(func() { _ = pool.Close() })

	s, err := Open(pool, filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	return s
}

func TestMigrateFreshDatabase(t *testing.T) {
	s := testStore(t)

	var version int
	err := s.db.QueryRow(`SELECT version FROM schema_version`).Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, version)

	// Migrating again is a no-op.
	require.NoError(t, s.migrate(context.Background()))
}

func TestSessionLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "echo", "echo", &Actor{ID: "cli", Kind: "human", Label: "terminal"})
	require.NoError(t, err)
	require.NotEmpty(t, sess.SessionID)

	got, err := s.GetSession(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "echo", got.ConnectorID)
	assert.Equal(t, "echo", got.TargetID)
	assert.Nil(t, got.EndedAt)
	require.NotNil(t, got.Actor)
	assert.Equal(t, "cli", got.Actor.ID)

	require.NoError(t, s.EndSession(ctx, sess.SessionID, ExitNormal))

	got, err = s.GetSession(ctx, sess.SessionID)
	require.NoError(t, err)
	require.NotNil(t, got.EndedAt)
	assert.Equal(t, ExitNormal, got.ExitReason)

	_, err = s.GetSession(ctx, "no-such-session")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestEndSessionKeepsFirstOutcome(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "echo", "echo", nil)
	require.NoError(t, err)

	require.NoError(t, s.EndSession(ctx, sess.SessionID, ExitError))
	require.NoError(t, s.EndSession(ctx, sess.SessionID, ExitNormal))

	got, err := s.GetSession(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, ExitError, got.ExitReason)
}

func TestEventSeqIsPerSession(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	a, err := s.CreateSession(ctx, "echo", "echo", nil)
	require.NoError(t, err)
	b, err := s.CreateSession(ctx, "fs", "fs", nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := s.SaveEvent(ctx, a.SessionID, ClientToServer, EventRequest, EventParams{
			RawJSON: `{"jsonrpc":"2.0","id":1,"method":"ping"}`,
		})
		require.NoError(t, err)
	}
	_, err = s.SaveEvent(ctx, b.SessionID, ClientToServer, EventRequest, EventParams{})
	require.NoError(t, err)

	events, err := s.SessionEvents(ctx, a.SessionID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Seq)
	}

	events, err = s.SessionEvents(ctx, b.SessionID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(1), events[0].Seq)
}

func TestSaveEventComputesHashAndNormalizes(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "echo", "echo", nil)
	require.NoError(t, err)

	raw := `{"b":2,"a":1}`
	ev, err := s.SaveEvent(ctx, sess.SessionID, ServerToClient, EventResponse, EventParams{
		RawJSON:  raw,
		Protocol: ProtocolMCP,
	})
	require.NoError(t, err)

	assert.Len(t, ev.PayloadHash, 16)
	assert.Equal(t, `{"a":1,"b":2}`, ev.NormalizedJSON)

	events, err := s.SessionEvents(ctx, sess.SessionID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, raw, events[0].RawJSON)
	assert.Equal(t, ev.PayloadHash, events[0].PayloadHash)
	assert.Equal(t, ev.NormalizedJSON, events[0].NormalizedJSON)
}

func TestRPCLifecycleAndFilters(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "echo", "echo", nil)
	require.NoError(t, err)

	require.NoError(t, s.SaveRPC(ctx, sess.SessionID, "1", "tools/call"))
	_, err = s.SaveEvent(ctx, sess.SessionID, ClientToServer, EventRequest, EventParams{RPCID: "1"})
	require.NoError(t, err)
	require.NoError(t, s.CompleteRPC(ctx, sess.SessionID, "1", false, "-32601"))

	require.NoError(t, s.SaveRPC(ctx, sess.SessionID, "2", "tools/list"))
	_, err = s.SaveEvent(ctx, sess.SessionID, ClientToServer, EventRequest, EventParams{RPCID: "2"})
	require.NoError(t, err)
	require.NoError(t, s.CompleteRPC(ctx, sess.SessionID, "2", true, ""))

	call, err := s.GetRPC(ctx, sess.SessionID, "1")
	require.NoError(t, err)
	require.NotNil(t, call.Success)
	assert.False(t, *call.Success)
	assert.Equal(t, "-32601", call.ErrorCode)

	latest, err := s.LatestRPC(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "2", latest.RPCID)

	errs, err := s.RecentEvents(ctx, EventFilter{ErrorsOnly: true})
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "1", errs[0].RPCID)

	byMethod, err := s.RecentEvents(ctx, EventFilter{MethodLike: "tools/%"})
	require.NoError(t, err)
	assert.Len(t, byMethod, 2)

	assert.ErrorIs(t, s.CompleteRPC(ctx, sess.SessionID, "99", true, ""), ErrRPCNotFound)
}

func TestFindSessionsByPrefixEscapesWildcards(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "echo", "echo", nil)
	require.NoError(t, err)

	found, err := s.FindSessionsByPrefix(ctx, sess.SessionID[:8])
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, sess.SessionID, found[0].SessionID)

	// "%" must match literally, not as a wildcard.
	found, err = s.FindSessionsByPrefix(ctx, "%")
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestSecretRefCountGrowsMonotonically(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "echo", "echo", nil)
	require.NoError(t, err)

	require.NoError(t, s.AddSecretRefs(ctx, sess.SessionID, 2))
	require.NoError(t, s.AddSecretRefs(ctx, sess.SessionID, 0))
	require.NoError(t, s.AddSecretRefs(ctx, sess.SessionID, 1))

	got, err := s.GetSession(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.SecretRefCount)
}

func TestTaskEvents(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "planner", "", nil)
	require.NoError(t, err)

	require.NoError(t, s.SaveTaskEvent(ctx, sess.SessionID, "tasks/42", TaskCreated, ""))
	require.NoError(t, s.SaveTaskEvent(ctx, sess.SessionID, "tasks/42", TaskCompleted, "done"))

	events, err := s.TaskEvents(ctx, sess.SessionID, "tasks/42")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, TaskCreated, events[0].Kind)
	assert.Equal(t, TaskCompleted, events[1].Kind)
	assert.Equal(t, "done", events[1].Detail)
}
