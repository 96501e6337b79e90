package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	ref := &UserRef{
		Name:      "smoke",
		Kind:      RefRPC,
		Connector: "echo",
		Session:   "sess-1",
		RPC:       "42",
	}
	require.NoError(t, s.SaveRef(ctx, ref))

	got, err := s.GetRef(ctx, "smoke")
	require.NoError(t, err)
	assert.Equal(t, RefRPC, got.Kind)
	assert.Equal(t, "42", got.RPC)

	// Saving the same name again overwrites.
	ref.RPC = "43"
	require.NoError(t, s.SaveRef(ctx, ref))
	got, err = s.GetRef(ctx, "smoke")
	require.NoError(t, err)
	assert.Equal(t, "43", got.RPC)

	require.NoError(t, s.DeleteRef(ctx, "smoke"))
	_, err = s.GetRef(ctx, "smoke")
	assert.ErrorIs(t, err, ErrRefNotFound)
	assert.ErrorIs(t, s.DeleteRef(ctx, "smoke"), ErrRefNotFound)
}

func TestRefKindValidation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	assert.Error(t, s.SaveRef(ctx, &UserRef{Name: "x", Kind: "bogus"}))
	assert.Error(t, s.SaveRef(ctx, &UserRef{Kind: RefSession}))

	// Kinds added in schema v5 are accepted.
	for _, kind := range []RefKind{RefPOPL, RefPlan, RefRun} {
		require.NoError(t, s.SaveRef(ctx, &UserRef{Name: "k-" + string(kind), Kind: kind}))
	}
}

func TestListRefsByKind(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveRef(ctx, &UserRef{Name: "a", Kind: RefSession, Session: "s1"}))
	require.NoError(t, s.SaveRef(ctx, &UserRef{Name: "b", Kind: RefConnector, Connector: "echo"}))
	require.NoError(t, s.SaveRef(ctx, &UserRef{Name: "c", Kind: RefSession, Session: "s2"}))

	all, err := s.ListRefs(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].Name)

	sessions, err := s.ListRefs(ctx, RefSession)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}
