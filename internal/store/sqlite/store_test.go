package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/kandev/orchestrator/internal/session"
	"github.com/kandev/orchestrator/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	path := filepath.Join(t.TempDir(), "orchestrator.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleSession() *session.Session {
	now := time.Now().UTC().Truncate(time.Second)
	return &session.Session{
		ID:                  "sess-1",
		LinkedWorkSessionID: "work-1",
		SandboxID:           "sbx-1",
		Users: []*session.User{
			{ID: "u1", DisplayName: "Ada", Email: "ada@example.com", Color: "#fff", JoinedAt: now, Cursor: &session.Cursor{File: "main.go", Line: 3}},
		},
		Clients: []*session.Client{
			{ID: "c1", UserID: "u1", Type: session.ClientWeb, ConnectedAt: now, LastActivity: now},
		},
		PromptQueue: []*session.Prompt{
			{ID: "p1", SessionID: "sess-1", UserID: "u1", Content: "hi", Status: session.PromptQueued, Priority: session.PriorityUrgent, CreatedAt: now},
			{ID: "p2", SessionID: "sess-1", UserID: "u1", Content: "later", Status: session.PromptQueued, Priority: session.PriorityNormal, CreatedAt: now},
		},
		State:     session.State{GitSyncStatus: session.GitSyncSynced, AgentStatus: session.AgentStatusIdle, Version: 1},
		CreatedAt: now,
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess := sampleSession()

	require.NoError(t, s.Set(ctx, sess))

	got, err := s.Get(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, sess.LinkedWorkSessionID, got.LinkedWorkSessionID)
	assert.Equal(t, sess.SandboxID, got.SandboxID)
	assert.Equal(t, sess.State, got.State)
	require.Len(t, got.Users, 1)
	assert.Equal(t, "Ada", got.Users[0].DisplayName)
	require.NotNil(t, got.Users[0].Cursor)
	assert.Equal(t, "main.go", got.Users[0].Cursor.File)
	require.Len(t, got.Clients, 1)
	require.Len(t, got.PromptQueue, 2)
}

func TestLoadPromptsSortsByPriorityRank(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, sampleSession()))

	got, err := s.Get(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, got.PromptQueue, 2)
	assert.Equal(t, session.PriorityUrgent, got.PromptQueue[0].Priority)
	assert.Equal(t, session.PriorityNormal, got.PromptQueue[1].Priority)
}

func TestSetReplacesChildrenAtomically(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess := sampleSession()
	require.NoError(t, s.Set(ctx, sess))

	sess.PromptQueue = sess.PromptQueue[:1]
	sess.Users = nil
	require.NoError(t, s.Set(ctx, sess))

	got, err := s.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Len(t, got.PromptQueue, 1)
	assert.Empty(t, got.Users)
}

func TestGetMissingReturnsNilNil(t *testing.T) {
	s := openTestStore(t)
	got, err := s.Get(context.Background(), "missing")
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestDeleteHasCountClear(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, sampleSession()))

	has, err := s.Has(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, has)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	existed, err := s.Delete(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, existed)

	count, err = s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	require.NoError(t, s.Set(ctx, sampleSession()))
	require.NoError(t, s.Clear(ctx))
	count, err = s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestClosedStoreReturnsErrClosed(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Close())

	_, err := s.Get(context.Background(), "sess-1")
	assert.ErrorIs(t, err, store.ErrClosed)
}

func TestAllReturnsEverySession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, sampleSession()))
	second := sampleSession()
	second.ID = "sess-2"
	require.NoError(t, s.Set(ctx, second))

	all, err := s.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
