package store

import (
	"context"
	"testing"

	"github.com/kandev/orchestrator/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreGetSetRoundTrip(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	s := &session.Session{ID: "s1", Users: []*session.User{{ID: "u1"}}}
	require.NoError(t, m.Set(ctx, s))

	got, err := m.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.ID)
	assert.Len(t, got.Users, 1)
}

func TestMemoryStoreGetMissingReturnsNilNil(t *testing.T) {
	m := NewMemoryStore()
	got, err := m.Get(context.Background(), "missing")
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryStoreSetClonesOnWrite(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	s := &session.Session{ID: "s1", Users: []*session.User{{ID: "u1"}}}
	require.NoError(t, m.Set(ctx, s))

	s.Users[0].DisplayName = "mutated after set"

	got, err := m.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, got.Users[0].DisplayName)
}

func TestMemoryStoreGetClonesOnRead(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, m.Set(ctx, &session.Session{ID: "s1", Users: []*session.User{{ID: "u1"}}}))

	got, err := m.Get(ctx, "s1")
	require.NoError(t, err)
	got.Users[0].DisplayName = "mutated after get"

	got2, err := m.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, got2.Users[0].DisplayName)
}

func TestMemoryStoreDeleteHasCount(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, m.Set(ctx, &session.Session{ID: "s1"}))
	require.NoError(t, m.Set(ctx, &session.Session{ID: "s2"}))

	count, err := m.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	has, err := m.Has(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, has)

	existed, err := m.Delete(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = m.Delete(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestMemoryStoreAllAndClear(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, m.Set(ctx, &session.Session{ID: "s1"}))
	require.NoError(t, m.Set(ctx, &session.Session{ID: "s2"}))

	all, err := m.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, m.Clear(ctx))
	all, err = m.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestMemoryStoreClosedReturnsErrClosed(t *testing.T) {
	m := NewMemoryStore()
	require.NoError(t, m.Close())

	_, err := m.Get(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrClosed)

	err = m.Set(context.Background(), &session.Session{ID: "s1"})
	assert.ErrorIs(t, err, ErrClosed)
}
