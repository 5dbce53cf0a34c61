package snapshotlifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/kandev/orchestrator/internal/common/config"
	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/events"
	"github.com/kandev/orchestrator/internal/events/bus"
	"github.com/kandev/orchestrator/internal/sandbox"
	"github.com/kandev/orchestrator/internal/session"
	"github.com/kandev/orchestrator/internal/snapshot"
	"github.com/kandev/orchestrator/internal/store"
	"github.com/kandev/orchestrator/internal/warmpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	sandbox.Provider
	gitStatus      sandbox.GitStatus
	terminatedIDs  []string
	createCount    int
	syncCount      int
}

func (f *fakeProvider) Snapshot(ctx context.Context, id string) (string, error) {
	return "handle-" + id, nil
}

func (f *fakeProvider) Restore(ctx context.Context, handle string, input sandbox.CreateInput) (*sandbox.Sandbox, error) {
	return &sandbox.Sandbox{ID: "restored-" + handle}, nil
}

func (f *fakeProvider) GetGitStatus(ctx context.Context, id string) (*sandbox.GitStatus, error) {
	gs := f.gitStatus
	return &gs, nil
}

func (f *fakeProvider) Terminate(ctx context.Context, id string) error {
	f.terminatedIDs = append(f.terminatedIDs, id)
	return nil
}

func (f *fakeProvider) Create(ctx context.Context, input sandbox.CreateInput) (*sandbox.Sandbox, error) {
	f.createCount++
	return &sandbox.Sandbox{ID: "fresh-sbx", ProjectID: input.ProjectID}, nil
}

func (f *fakeProvider) SyncGit(ctx context.Context, id string) error {
	f.syncCount++
	return nil
}

func testConfig() config.SnapshotLifecycleConfig {
	return config.SnapshotLifecycleConfig{AutoTerminate: true, MinWorkDuration: 0, SyncOnRestore: true}
}

func setup(t *testing.T, provider *fakeProvider, cfg config.SnapshotLifecycleConfig) (*Bridge, store.Store, bus.EventBus) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	st := store.NewMemoryStore()
	eventBus := bus.NewMemoryEventBus(log)
	snapMgr := snapshot.New(provider, eventBus, time.Hour, log)
	pool := warmpool.New(provider, eventBus, config.WarmPoolConfig{MinPerKey: 0, MaxPerKey: 2, ClaimTimeout: 2}, log)
	br, err := New(st, provider, snapMgr, pool, cfg, time.Minute, eventBus, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = br.Close() })
	return br, st, eventBus
}

func putSession(t *testing.T, st store.Store, sess *session.Session) {
	require.NoError(t, st.Set(context.Background(), sess))
}

func publishStateChanged(t *testing.T, eventBus bus.EventBus, sessionID string) {
	require.NoError(t, eventBus.Publish(context.Background(), events.BuildSessionSubject(events.StateChanged, sessionID),
		bus.NewEvent(events.StateChanged, "test", map[string]interface{}{"sessionId": sessionID})))
}

func TestIdleToBusyThenBusyToIdleCreatesSnapshot(t *testing.T) {
	provider := &fakeProvider{gitStatus: sandbox.GitStatus{Commit: "abc", Dirty: true}}
	br, st, eventBus := setup(t, provider, testConfig())
	ctx := context.Background()

	sess := &session.Session{ID: "sess-1", SandboxID: "sbx-1", State: session.State{AgentStatus: session.AgentStatusIdle}}
	putSession(t, st, sess)
	publishStateChanged(t, eventBus, "sess-1") // establishes lastStatus=idle, no transition fired

	sess.State.AgentStatus = session.AgentStatusExecuting
	putSession(t, st, sess)
	publishStateChanged(t, eventBus, "sess-1")

	br.MarkHasChanges("sess-1")

	sess.State.AgentStatus = session.AgentStatusIdle
	putSession(t, st, sess)
	publishStateChanged(t, eventBus, "sess-1")

	require.Eventually(t, func() bool {
		got, _ := st.Get(ctx, "sess-1")
		return got != nil && got.SandboxID == ""
	}, time.Second, 5*time.Millisecond)

	assert.True(t, br.snapMgr.HasValid("sess-1"))
	assert.Contains(t, provider.terminatedIDs, "sbx-1")
}

func TestBusyToIdleSkipsWithoutChanges(t *testing.T) {
	provider := &fakeProvider{gitStatus: sandbox.GitStatus{Commit: "abc"}}
	br, st, eventBus := setup(t, provider, testConfig())

	sess := &session.Session{ID: "sess-1", SandboxID: "sbx-1", State: session.State{AgentStatus: session.AgentStatusIdle}}
	putSession(t, st, sess)
	publishStateChanged(t, eventBus, "sess-1")

	sess.State.AgentStatus = session.AgentStatusThinking
	putSession(t, st, sess)
	publishStateChanged(t, eventBus, "sess-1")
	// no MarkHasChanges call

	sess.State.AgentStatus = session.AgentStatusIdle
	putSession(t, st, sess)
	publishStateChanged(t, eventBus, "sess-1")

	time.Sleep(30 * time.Millisecond)
	assert.False(t, br.snapMgr.HasValid("sess-1"))
	assert.Empty(t, provider.terminatedIDs)
}

func TestOnFollowUpPromptRestoresSnapshotWhenValid(t *testing.T) {
	provider := &fakeProvider{}
	br, st, _ := setup(t, provider, testConfig())
	ctx := context.Background()

	putSession(t, st, &session.Session{ID: "sess-1"})
	_, err := br.snapMgr.Create(ctx, "sbx-old", "sess-1", "abc", false, 0)
	require.NoError(t, err)

	sandboxID, err := br.OnFollowUpPrompt(ctx, "sess-1", "repo", "main", "proj-1")
	require.NoError(t, err)
	assert.Equal(t, "restored-handle-sbx-old", sandboxID)
	assert.Equal(t, 1, provider.syncCount)

	got, err := st.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, sandboxID, got.SandboxID)
}

func TestOnFollowUpPromptFallsBackToFreshCreate(t *testing.T) {
	provider := &fakeProvider{}
	br, st, _ := setup(t, provider, testConfig())
	ctx := context.Background()
	putSession(t, st, &session.Session{ID: "sess-1"})

	sandboxID, err := br.OnFollowUpPrompt(ctx, "sess-1", "repo", "main", "proj-1")
	require.NoError(t, err)
	assert.Equal(t, "fresh-sbx", sandboxID)
	assert.Equal(t, 1, provider.createCount)
}

func TestStartSweepsExpiredSnapshots(t *testing.T) {
	provider := &fakeProvider{}
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	st := store.NewMemoryStore()
	eventBus := bus.NewMemoryEventBus(log)
	snapMgr := snapshot.New(provider, eventBus, time.Millisecond, log)
	pool := warmpool.New(provider, eventBus, config.WarmPoolConfig{}, log)
	br, err := New(st, provider, snapMgr, pool, testConfig(), 10*time.Millisecond, eventBus, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = br.Close() })

	ctx := context.Background()
	snap, err := snapMgr.Create(ctx, "sbx-1", "sess-1", "abc", false, time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, br.Start(ctx))
	defer br.Stop()

	require.Eventually(t, func() bool {
		return snapMgr.Get(snap.ID) == nil
	}, time.Second, 5*time.Millisecond)
}

func TestStartTwiceFails(t *testing.T) {
	br, _, _ := setup(t, &fakeProvider{}, testConfig())
	ctx := context.Background()
	require.NoError(t, br.Start(ctx))
	defer br.Stop()
	assert.ErrorIs(t, br.Start(ctx), ErrSweepAlreadyRunning)
}
