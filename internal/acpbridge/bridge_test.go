package acpbridge

import (
	"context"
	"testing"
	"time"

	"github.com/kandev/orchestrator/internal/agentspawner"
	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/sandbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	sandbox.Provider
	createErr   error
	execResult  sandbox.ExecResult
	execErr     error
	lastArgv    []string
}

func (f *fakeProvider) Create(ctx context.Context, input sandbox.CreateInput) (*sandbox.Sandbox, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &sandbox.Sandbox{ID: "sbx-1", Repository: input.Repository}, nil
}

func (f *fakeProvider) Execute(ctx context.Context, id string, argv []string, opts sandbox.ExecOptions) (*sandbox.ExecResult, error) {
	f.lastArgv = argv
	if f.execErr != nil {
		return nil, f.execErr
	}
	res := f.execResult
	return &res, nil
}

func testLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func TestInitializeResolvesAndCreatesSandbox(t *testing.T) {
	p := &fakeProvider{}
	resolve := func(ctx context.Context, agent *agentspawner.Agent) (string, string, string, error) {
		return "acme/widgets", "main", "proj-1", nil
	}
	b := New(p, nil, resolve, []string{"agent-cli", "--task", "{task}"}, time.Second, testLogger(t))

	agent := &agentspawner.Agent{ID: "agent-1", Task: "fix bug"}
	res := b.Initialize(context.Background(), agent)
	require.NoError(t, res.Error)
	assert.Equal(t, "sbx-1", res.SandboxID)
}

func TestInitializePropagatesResolverError(t *testing.T) {
	p := &fakeProvider{}
	boom := assertError("resolver failed")
	resolve := func(ctx context.Context, agent *agentspawner.Agent) (string, string, string, error) {
		return "", "", "", boom
	}
	b := New(p, nil, resolve, nil, time.Second, testLogger(t))

	res := b.Initialize(context.Background(), &agentspawner.Agent{})
	assert.ErrorIs(t, res.Error, boom)
}

func TestRunParsesNDJSONAndReportsResult(t *testing.T) {
	p := &fakeProvider{execResult: sandbox.ExecResult{
		Stdout: "working on it\n" + `{"summary":"done fixing"}` + "\n",
		ExitCode: 0,
	}}
	b := New(p, nil, nil, []string{"agent-cli", "--task", "{task}", "--session", "{sessionId}"}, time.Second, testLogger(t))

	agent := &agentspawner.Agent{ID: "agent-1", WorkSessionID: "work-1", Task: "fix bug", SandboxID: "sbx-1"}
	res := b.Run(context.Background(), agent)
	require.NoError(t, res.Error)
	assert.Contains(t, res.Output, "done fixing")
	assert.Equal(t, []string{"agent-cli", "--task", "fix bug", "--session", "work-1"}, p.lastArgv)
}

func TestRunSurfacesNonZeroExit(t *testing.T) {
	p := &fakeProvider{execResult: sandbox.ExecResult{Stdout: "", Stderr: "panic", ExitCode: 1}}
	b := New(p, nil, nil, []string{"agent-cli"}, time.Second, testLogger(t))

	res := b.Run(context.Background(), &agentspawner.Agent{})
	require.Error(t, res.Error)
	assert.Contains(t, res.Error.Error(), "panic")
}

type assertError string

func (e assertError) Error() string { return string(e) }
