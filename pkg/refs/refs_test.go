package refs

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proofshell/pfs/pkg/store"
)

func fixture(t *testing.T) (*Resolver, *store.Store) {
	t.Helper()
	pool := store.NewPool()
	t.Cleanup(func() { _ = pool.Close() })

	s, err := store.Open(pool, filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	return New(s), s
}

func TestResolveLast(t *testing.T) {
	r, s := fixture(t)
	ctx := context.Background()

	first, err := s.CreateSession(ctx, "echo", "echo", nil)
	require.NoError(t, err)
	require.NoError(t, s.SaveRPC(ctx, first.SessionID, "1", "tools/list"))

	second, err := s.CreateSession(ctx, "echo", "echo", nil)
	require.NoError(t, err)
	require.NoError(t, s.SaveRPC(ctx, second.SessionID, "1", "tools/call"))
	require.NoError(t, s.SaveRPC(ctx, second.SessionID, "2", "tools/call"))

	// Unscoped @last finds the globally newest RPC.
	res, err := r.Resolve(ctx, "@last", Context{})
	require.NoError(t, err)
	assert.Equal(t, KindRPC, res.Kind)
	assert.Equal(t, second.SessionID, res.SessionID)
	assert.Equal(t, "2", res.RPCID)
	assert.Equal(t, "echo", res.ConnectorID)

	// Session-scoped @last stays inside the selected session.
	res, err = r.Resolve(ctx, "@last", Context{SessionID: first.SessionID})
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, res.SessionID)
	assert.Equal(t, "1", res.RPCID)
}

func TestResolveRPCByID(t *testing.T) {
	r, s := fixture(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "echo", "echo", nil)
	require.NoError(t, err)
	require.NoError(t, s.SaveRPC(ctx, sess.SessionID, "42", "tools/call"))

	res, err := r.Resolve(ctx, "@rpc:42", Context{SessionID: sess.SessionID})
	require.NoError(t, err)
	assert.Equal(t, "42", res.RPCID)

	_, err = r.Resolve(ctx, "@rpc:999", Context{SessionID: sess.SessionID})
	assert.ErrorIs(t, err, store.ErrRPCNotFound)
}

func TestResolveNamedRefs(t *testing.T) {
	r, s := fixture(t)
	ctx := context.Background()

	require.NoError(t, s.SaveRef(ctx, &store.UserRef{
		Name: "fav", Kind: store.RefRPC,
		Connector: "echo", Session: "sess-1", RPC: "7",
	}))
	require.NoError(t, s.SaveRef(ctx, &store.UserRef{
		Name: "artifact", Kind: store.RefPOPL,
		Connector: "01J5ENTRYULID", Session: "/srv/popl/entry",
	}))

	res, err := r.Resolve(ctx, "@ref:fav", Context{})
	require.NoError(t, err)
	assert.Equal(t, KindRPC, res.Kind)
	assert.Equal(t, "7", res.RPCID)
	assert.Equal(t, "sess-1", res.SessionID)

	// popl refs reuse the connector/session columns for entry id and path.
	res, err = r.Resolve(ctx, "@ref:artifact", Context{})
	require.NoError(t, err)
	assert.Equal(t, KindPOPL, res.Kind)
	assert.Equal(t, "01J5ENTRYULID", res.ConnectorID)
	assert.Equal(t, "/srv/popl/entry", res.Path)

	_, err = r.Resolve(ctx, "@ref:missing", Context{})
	assert.ErrorIs(t, err, store.ErrRefNotFound)
}

func TestResolveSessionPrefix(t *testing.T) {
	r, s := fixture(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "echo", "echo", nil)
	require.NoError(t, err)

	res, err := r.Resolve(ctx, sess.SessionID[:8], Context{})
	require.NoError(t, err)
	assert.Equal(t, KindSession, res.Kind)
	assert.Equal(t, sess.SessionID, res.SessionID)

	// A wildcard in the input matches literally, not as LIKE syntax.
	_, err = r.Resolve(ctx, "%", Context{})
	assert.ErrorIs(t, err, store.ErrSessionNotFound)
}

func TestResolveAmbiguousPrefix(t *testing.T) {
	r, s := fixture(t)
	ctx := context.Background()

	// Two sessions share any empty prefix; force a collision via direct
	// id control is not possible with UUIDs, so use a one-char prefix
	// only when it actually collides.
	a, err := s.CreateSession(ctx, "echo", "echo", nil)
	require.NoError(t, err)
	b, err := s.CreateSession(ctx, "echo", "echo", nil)
	require.NoError(t, err)

	if a.SessionID[0] == b.SessionID[0] {
		_, err = r.Resolve(ctx, a.SessionID[:1], Context{})
		assert.ErrorIs(t, err, store.ErrAmbiguousPrefix)
	}
}

func TestResolveUnknownForms(t *testing.T) {
	r, _ := fixture(t)
	ctx := context.Background()

	_, err := r.Resolve(ctx, "@bogus", Context{})
	assert.ErrorIs(t, err, ErrUnresolvable)

	_, err = r.Resolve(ctx, "", Context{})
	assert.ErrorIs(t, err, ErrUnresolvable)
}
