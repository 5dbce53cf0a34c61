package gitsync

import (
	"context"
	"testing"
	"time"

	"github.com/kandev/orchestrator/internal/common/logger"
	apperrors "github.com/kandev/orchestrator/internal/common/errors"
	"github.com/kandev/orchestrator/internal/events"
	"github.com/kandev/orchestrator/internal/events/bus"
	"github.com/kandev/orchestrator/internal/session"
	"github.com/kandev/orchestrator/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGate(t *testing.T) (*Gate, store.Store, bus.EventBus) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	st := store.NewMemoryStore()
	eventBus := bus.NewMemoryEventBus(log)
	g, err := New(st, eventBus, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g, st, eventBus
}

func putSession(t *testing.T, st store.Store, id string, status session.GitSyncStatus) {
	require.NoError(t, st.Set(context.Background(), &session.Session{
		ID:        id,
		State:     session.State{GitSyncStatus: status},
		CreatedAt: time.Now(),
	}))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ClassRead, Classify("read"))
	assert.Equal(t, ClassRead, Classify("grep"))
	assert.Equal(t, ClassWrite, Classify("edit"))
	assert.Equal(t, ClassWrite, Classify("bash"))
	assert.Equal(t, ClassUnknown, Classify("teleport"))
}

func TestAdmitReadAlwaysPasses(t *testing.T) {
	g, _, _ := newTestGate(t)
	err := g.Admit(context.Background(), "sess-missing", "read")
	assert.NoError(t, err)
}

func TestAdmitWriteSyncedPassesImmediately(t *testing.T) {
	g, st, _ := newTestGate(t)
	putSession(t, st, "sess-1", session.GitSyncSynced)

	err := g.Admit(context.Background(), "sess-1", "edit")
	assert.NoError(t, err)
}

func TestAdmitWriteErrorFailsImmediately(t *testing.T) {
	g, st, _ := newTestGate(t)
	putSession(t, st, "sess-1", session.GitSyncError)

	err := g.Admit(context.Background(), "sess-1", "edit")
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.KindGitSync, appErr.Kind)
}

func TestAdmitWriteBlocksThenReleasesOnSync(t *testing.T) {
	g, st, eventBus := newTestGate(t)
	putSession(t, st, "sess-1", session.GitSyncPending)

	resultCh := make(chan error, 1)
	go func() {
		resultCh <- g.Admit(context.Background(), "sess-1", "edit")
	}()

	require.Eventually(t, func() bool { return g.PendingCount("sess-1") == 1 }, time.Second, 5*time.Millisecond)

	putSession(t, st, "sess-1", session.GitSyncSynced)
	require.NoError(t, eventBus.Publish(context.Background(), events.BuildSessionSubject(events.StateChanged, "sess-1"),
		bus.NewEvent(events.StateChanged, "test", map[string]interface{}{"sessionId": "sess-1"})))

	select {
	case err := <-resultCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("admit did not unblock after sync")
	}
}

func TestAdmitWriteBlocksThenFailsOnError(t *testing.T) {
	g, st, eventBus := newTestGate(t)
	putSession(t, st, "sess-1", session.GitSyncSyncing)

	resultCh := make(chan error, 1)
	go func() {
		resultCh <- g.Admit(context.Background(), "sess-1", "edit")
	}()

	require.Eventually(t, func() bool { return g.PendingCount("sess-1") == 1 }, time.Second, 5*time.Millisecond)

	putSession(t, st, "sess-1", session.GitSyncError)
	require.NoError(t, eventBus.Publish(context.Background(), events.BuildSessionSubject(events.StateChanged, "sess-1"),
		bus.NewEvent(events.StateChanged, "test", map[string]interface{}{"sessionId": "sess-1"})))

	select {
	case err := <-resultCh:
		var appErr *apperrors.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, apperrors.KindGitSync, appErr.Kind)
	case <-time.After(time.Second):
		t.Fatal("admit did not fail after git sync error")
	}
}

func TestAdmitWriteContextCancelRemovesWaiter(t *testing.T) {
	g, st, _ := newTestGate(t)
	putSession(t, st, "sess-1", session.GitSyncPending)

	ctx, cancel := context.WithCancel(context.Background())
	resultCh := make(chan error, 1)
	go func() {
		resultCh <- g.Admit(ctx, "sess-1", "edit")
	}()

	require.Eventually(t, func() bool { return g.PendingCount("sess-1") == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-resultCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("admit did not unblock after context cancel")
	}
	assert.Equal(t, 0, g.PendingCount("sess-1"))
}

func TestAdmitUnknownToolIsRejected(t *testing.T) {
	g, _, _ := newTestGate(t)
	err := g.Admit(context.Background(), "sess-1", "teleport")
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.KindValidation, appErr.Kind)
}
