package agentspawner

import (
	"testing"

	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSpawner(t *testing.T) *Spawner {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return New(nil, log)
}

func TestSpawnStartsQueued(t *testing.T) {
	s := newTestSpawner(t)
	agent := s.Spawn(SpawnInput{ParentSessionID: "sess-1", Task: "do thing"})

	assert.Equal(t, StatusQueued, agent.Status)
	assert.NotEmpty(t, agent.ID)
	assert.Equal(t, "sess-1", agent.ParentSessionID)
}

func TestTransitionHappyPath(t *testing.T) {
	s := newTestSpawner(t)
	agent := s.Spawn(SpawnInput{ParentSessionID: "sess-1"})

	assert.True(t, s.StartInitializing(agent.ID))
	assert.True(t, s.StartRunning(agent.ID, "sandbox-1"))
	assert.True(t, s.Complete(agent.ID, "done"))

	got := s.Get(agent.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "sandbox-1", got.SandboxID)
	assert.Equal(t, "done", got.Output)
	assert.NotNil(t, got.CompletedAt)
}

func TestTransitionRejectsInvalidEdge(t *testing.T) {
	s := newTestSpawner(t)
	agent := s.Spawn(SpawnInput{ParentSessionID: "sess-1"})

	// queued -> running is not a valid direct edge.
	assert.False(t, s.StartRunning(agent.ID, "sandbox-1"))
	assert.Equal(t, StatusQueued, s.Get(agent.ID).Status)
}

func TestTerminalStatesAreAbsorbing(t *testing.T) {
	s := newTestSpawner(t)
	agent := s.Spawn(SpawnInput{ParentSessionID: "sess-1"})

	require.True(t, s.Cancel(agent.ID))
	assert.True(t, IsTerminal(s.Get(agent.ID).Status))

	// No transition out of a terminal state succeeds.
	assert.False(t, s.StartInitializing(agent.ID))
	assert.False(t, s.Fail(agent.ID, "too late"))
}

func TestNonTerminalForParentCounts(t *testing.T) {
	s := newTestSpawner(t)
	a1 := s.Spawn(SpawnInput{ParentSessionID: "sess-1"})
	a2 := s.Spawn(SpawnInput{ParentSessionID: "sess-1"})
	s.Spawn(SpawnInput{ParentSessionID: "sess-2"})

	assert.Equal(t, 2, s.NonTerminalForParent("sess-1"))

	s.Cancel(a1.ID)
	assert.Equal(t, 1, s.NonTerminalForParent("sess-1"))

	s.Cancel(a2.ID)
	assert.Equal(t, 0, s.NonTerminalForParent("sess-1"))
}

func TestQueuedOrderedByCreation(t *testing.T) {
	s := newTestSpawner(t)
	first := s.Spawn(SpawnInput{ParentSessionID: "sess-1"})
	second := s.Spawn(SpawnInput{ParentSessionID: "sess-1"})

	queued := s.Queued()
	require.Len(t, queued, 2)
	assert.Equal(t, first.ID, queued[0].ID)
	assert.Equal(t, second.ID, queued[1].ID)
}

func TestClearTerminatedRemovesOnlyTerminal(t *testing.T) {
	s := newTestSpawner(t)
	running := s.Spawn(SpawnInput{ParentSessionID: "sess-1"})
	cancelled := s.Spawn(SpawnInput{ParentSessionID: "sess-1"})
	s.Cancel(cancelled.ID)

	cleared := s.ClearTerminated()
	assert.Equal(t, 1, cleared)
	assert.Nil(t, s.Get(cancelled.ID))
	assert.NotNil(t, s.Get(running.ID))
}

func TestGetUnknownReturnsNil(t *testing.T) {
	s := newTestSpawner(t)
	assert.Nil(t, s.Get("does-not-exist"))
}
