package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/sandbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider is a minimal sandbox.Provider stub exercising only the
// Snapshot/Restore surface this package depends on.
type fakeProvider struct {
	sandbox.Provider
	snapshotCalls int
	restoreCalls  int
	restoreErr    error
}

func (f *fakeProvider) Snapshot(ctx context.Context, id string) (string, error) {
	f.snapshotCalls++
	return "handle-" + id, nil
}

func (f *fakeProvider) Restore(ctx context.Context, handle string, input sandbox.CreateInput) (*sandbox.Sandbox, error) {
	f.restoreCalls++
	if f.restoreErr != nil {
		return nil, f.restoreErr
	}
	return &sandbox.Sandbox{ID: "restored-from-" + handle, ProjectID: input.ProjectID}, nil
}

func newTestManager(t *testing.T, provider *fakeProvider, ttl time.Duration) *Manager {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return New(provider, nil, ttl, log)
}

func TestCreateCapturesAndSetsCurrent(t *testing.T) {
	p := &fakeProvider{}
	m := newTestManager(t, p, time.Hour)

	snap, err := m.Create(context.Background(), "sbx-1", "sess-1", "abc123", true, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, p.snapshotCalls)
	assert.True(t, m.HasValid("sess-1"))
	assert.Equal(t, snap, m.Get(snap.ID))
}

func TestCreateSupersedesPriorCurrent(t *testing.T) {
	p := &fakeProvider{}
	m := newTestManager(t, p, time.Hour)

	first, err := m.Create(context.Background(), "sbx-1", "sess-1", "c1", false, 0)
	require.NoError(t, err)

	second, err := m.Create(context.Background(), "sbx-2", "sess-1", "c2", true, 0)
	require.NoError(t, err)

	assert.Nil(t, m.Get(first.ID), "superseded snapshot must leave the catalog")
	assert.Equal(t, second, m.Get(second.ID))

	drained := m.DrainPendingDeletions(context.Background())
	assert.Equal(t, 1, drained)
}

func TestRestoreUsesCurrentSnapshot(t *testing.T) {
	p := &fakeProvider{}
	m := newTestManager(t, p, time.Hour)
	_, err := m.Create(context.Background(), "sbx-1", "sess-1", "c1", false, 0)
	require.NoError(t, err)

	sb, err := m.Restore(context.Background(), "sess-1", sandbox.CreateInput{ProjectID: "proj-1"})
	require.NoError(t, err)
	require.NotNil(t, sb)
	assert.Equal(t, 1, p.restoreCalls)
	assert.Equal(t, "proj-1", sb.ProjectID)
}

func TestRestoreReturnsNilWhenNoSnapshot(t *testing.T) {
	p := &fakeProvider{}
	m := newTestManager(t, p, time.Hour)

	sb, err := m.Restore(context.Background(), "sess-missing", sandbox.CreateInput{})
	require.NoError(t, err)
	assert.Nil(t, sb)
	assert.Equal(t, 0, p.restoreCalls)
}

func TestRestoreReturnsNilWhenExpired(t *testing.T) {
	p := &fakeProvider{}
	m := newTestManager(t, p, -time.Second) // already expired on creation
	_, err := m.Create(context.Background(), "sbx-1", "sess-1", "c1", false, 0)
	require.NoError(t, err)

	assert.False(t, m.HasValid("sess-1"))
	sb, err := m.Restore(context.Background(), "sess-1", sandbox.CreateInput{})
	require.NoError(t, err)
	assert.Nil(t, sb)
}

func TestDeleteExpiredSweepsAndClearsCurrent(t *testing.T) {
	p := &fakeProvider{}
	m := newTestManager(t, p, -time.Second)
	_, err := m.Create(context.Background(), "sbx-1", "sess-1", "c1", false, 0)
	require.NoError(t, err)

	n := m.DeleteExpired(context.Background())
	assert.Equal(t, 1, n)
	assert.False(t, m.HasValid("sess-1"))
	assert.Empty(t, m.List())
}

func TestDeleteRemovesByID(t *testing.T) {
	p := &fakeProvider{}
	m := newTestManager(t, p, time.Hour)
	snap, err := m.Create(context.Background(), "sbx-1", "sess-1", "c1", false, 0)
	require.NoError(t, err)

	assert.True(t, m.Delete(snap.ID))
	assert.False(t, m.Delete(snap.ID))
	assert.False(t, m.HasValid("sess-1"))
}

func TestManifestRoundTrip(t *testing.T) {
	p := &fakeProvider{}
	m := newTestManager(t, p, time.Hour)
	snap, err := m.Create(context.Background(), "sbx-1", "sess-1", "abc123", true, 0)
	require.NoError(t, err)

	data, err := snap.MarshalManifest()
	require.NoError(t, err)
	assert.Contains(t, string(data), "abc123")

	parsed, err := ParseManifest(data)
	require.NoError(t, err)
	assert.Equal(t, snap.ID, parsed.SnapshotID)
	assert.Equal(t, "sess-1", parsed.SessionID)
	assert.True(t, parsed.HasUncommittedChanges)
}
