package agentscheduler

import (
	"context"
	"testing"
	"time"

	"github.com/kandev/orchestrator/internal/agentspawner"
	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func manualConfig() Config {
	cfg := DefaultConfig()
	cfg.AutoProcess = false
	cfg.InitTimeout = time.Second
	cfg.RunTimeout = time.Second
	cfg.RetryLimit = 0
	return cfg
}

func TestSchedulerRunsAgentToCompletion(t *testing.T) {
	spawner := agentspawner.New(nil, newTestLogger(t))
	initialize := func(ctx context.Context, agent *agentspawner.Agent) InitResult {
		return InitResult{SandboxID: "sbx-1"}
	}
	run := func(ctx context.Context, agent *agentspawner.Agent) RunResult {
		return RunResult{Output: "ok"}
	}

	sched := New(spawner, initialize, run, manualConfig(), newTestLogger(t))
	agent, err := sched.Spawn(agentspawner.SpawnInput{ParentSessionID: "sess-1"})
	require.NoError(t, err)

	sched.Tick(context.Background())

	// dispatch hands each admitted agent off to its own goroutine and
	// returns without waiting for it, so completion is asserted by polling.
	require.Eventually(t, func() bool {
		return spawner.Get(agent.ID).Status == agentspawner.StatusCompleted
	}, time.Second, 5*time.Millisecond)

	got := spawner.Get(agent.ID)
	assert.Equal(t, agentspawner.StatusCompleted, got.Status)
	assert.Equal(t, "sbx-1", got.SandboxID)
	assert.Equal(t, "ok", got.Output)
	assert.Equal(t, int64(1), sched.GetStats().TotalProcessed)
}

func TestSchedulerFailsOnInitError(t *testing.T) {
	spawner := agentspawner.New(nil, newTestLogger(t))
	initialize := func(ctx context.Context, agent *agentspawner.Agent) InitResult {
		return InitResult{Error: assert.AnError}
	}
	run := func(ctx context.Context, agent *agentspawner.Agent) RunResult {
		t.Fatal("run should not be invoked when init fails")
		return RunResult{}
	}

	sched := New(spawner, initialize, run, manualConfig(), newTestLogger(t))
	agent, err := sched.Spawn(agentspawner.SpawnInput{ParentSessionID: "sess-1"})
	require.NoError(t, err)

	sched.Tick(context.Background())

	require.Eventually(t, func() bool {
		return spawner.Get(agent.ID).Status == agentspawner.StatusFailed
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, agentspawner.StatusFailed, spawner.Get(agent.ID).Status)
	assert.Equal(t, int64(1), sched.GetStats().TotalFailed)
}

func TestSchedulerEnforcesMaxPerSession(t *testing.T) {
	spawner := agentspawner.New(nil, newTestLogger(t))
	cfg := manualConfig()
	cfg.MaxPerSession = 1

	sched := New(spawner, nil, nil, cfg, newTestLogger(t))
	_, err := sched.Spawn(agentspawner.SpawnInput{ParentSessionID: "sess-1"})
	require.NoError(t, err)

	_, err = sched.Spawn(agentspawner.SpawnInput{ParentSessionID: "sess-1"})
	assert.ErrorIs(t, err, ErrSessionLimitReached)
}

func TestSchedulerEnforcesMaxQueued(t *testing.T) {
	spawner := agentspawner.New(nil, newTestLogger(t))
	cfg := manualConfig()
	cfg.MaxQueued = 1
	cfg.MaxPerSession = 0

	sched := New(spawner, nil, nil, cfg, newTestLogger(t))
	_, err := sched.Spawn(agentspawner.SpawnInput{ParentSessionID: "sess-1"})
	require.NoError(t, err)

	_, err = sched.Spawn(agentspawner.SpawnInput{ParentSessionID: "sess-2"})
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestSchedulerRespectsMaxConcurrent(t *testing.T) {
	spawner := agentspawner.New(nil, newTestLogger(t))
	blockCh := make(chan struct{})
	initialize := func(ctx context.Context, agent *agentspawner.Agent) InitResult {
		<-blockCh
		return InitResult{SandboxID: "sbx"}
	}
	run := func(ctx context.Context, agent *agentspawner.Agent) RunResult {
		return RunResult{}
	}

	cfg := manualConfig()
	cfg.MaxConcurrent = 1
	cfg.MaxPerSession = 0
	sched := New(spawner, initialize, run, cfg, newTestLogger(t))

	a1, err := sched.Spawn(agentspawner.SpawnInput{ParentSessionID: "sess-1"})
	require.NoError(t, err)
	_, err = sched.Spawn(agentspawner.SpawnInput{ParentSessionID: "sess-2"})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		sched.Tick(context.Background())
		close(done)
	}()

	// Give dispatch a moment to pick up the first agent and block inside
	// initialize; the second should remain queued since MaxConcurrent is 1.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, agentspawner.StatusInitializing, spawner.Get(a1.ID).Status)
	assert.Equal(t, 1, spawner.CountQueued())

	close(blockCh)
	<-done
}

func TestSchedulerStartStopLifecycle(t *testing.T) {
	spawner := agentspawner.New(nil, newTestLogger(t))
	cfg := DefaultConfig()
	cfg.ProcessInterval = 10 * time.Millisecond
	sched := New(spawner, func(ctx context.Context, a *agentspawner.Agent) InitResult {
		return InitResult{SandboxID: "sbx"}
	}, func(ctx context.Context, a *agentspawner.Agent) RunResult {
		return RunResult{Output: "done"}
	}, cfg, newTestLogger(t))

	ctx := context.Background()
	require.NoError(t, sched.Start(ctx))
	assert.ErrorIs(t, sched.Start(ctx), ErrAlreadyRunning)

	require.NoError(t, sched.Stop())
	assert.ErrorIs(t, sched.Stop(), ErrNotRunning)
}
