package httpapi

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/kandev/orchestrator/internal/agentscheduler"
	"github.com/kandev/orchestrator/internal/agentspawner"
	"github.com/kandev/orchestrator/internal/common/config"
	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/multiplayer"
	"github.com/kandev/orchestrator/internal/sandbox"
	"github.com/kandev/orchestrator/internal/snapshot"
	"github.com/kandev/orchestrator/internal/store"
	"github.com/kandev/orchestrator/internal/warmpool"
)

// fakeProvider is an in-memory sandbox.Provider stub covering the full
// interface, for exercising the HTTP handlers without a real backend.
type fakeProvider struct {
	createCalls int
	sandboxes   map[string]*sandbox.Sandbox
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{sandboxes: map[string]*sandbox.Sandbox{}}
}

func (f *fakeProvider) Create(ctx context.Context, input sandbox.CreateInput) (*sandbox.Sandbox, error) {
	f.createCalls++
	sb := &sandbox.Sandbox{
		ID:         "sbx-1",
		ProjectID:  input.ProjectID,
		Repository: input.Repository,
		Branch:     input.Branch,
		ImageTag:   input.ImageTag,
		Status:     sandbox.StatusRunning,
		CreatedAt:  time.Unix(0, 0),
	}
	f.sandboxes[sb.ID] = sb
	return sb, nil
}

func (f *fakeProvider) Get(ctx context.Context, id string) (*sandbox.Sandbox, error) {
	if sb, ok := f.sandboxes[id]; ok {
		return sb, nil
	}
	return nil, sandbox.ErrNotFound
}

func (f *fakeProvider) List(ctx context.Context, filter sandbox.ListFilter) ([]*sandbox.Sandbox, error) {
	var out []*sandbox.Sandbox
	for _, sb := range f.sandboxes {
		out = append(out, sb)
	}
	return out, nil
}

func (f *fakeProvider) Start(ctx context.Context, id string) error {
	sb, err := f.Get(ctx, id)
	if err != nil {
		return err
	}
	sb.Status = sandbox.StatusRunning
	return nil
}

func (f *fakeProvider) Stop(ctx context.Context, id string) error {
	sb, err := f.Get(ctx, id)
	if err != nil {
		return err
	}
	sb.Status = sandbox.StatusStopped
	return nil
}

func (f *fakeProvider) Terminate(ctx context.Context, id string) error {
	if _, ok := f.sandboxes[id]; !ok {
		return sandbox.ErrNotFound
	}
	delete(f.sandboxes, id)
	return nil
}

func (f *fakeProvider) Snapshot(ctx context.Context, id string) (string, error) {
	return "handle-" + id, nil
}

func (f *fakeProvider) Restore(ctx context.Context, handle string, input sandbox.CreateInput) (*sandbox.Sandbox, error) {
	return f.Create(ctx, input)
}

func (f *fakeProvider) Execute(ctx context.Context, id string, argv []string, opts sandbox.ExecOptions) (*sandbox.ExecResult, error) {
	if _, err := f.Get(ctx, id); err != nil {
		return nil, err
	}
	return &sandbox.ExecResult{Stdout: "ok", ExitCode: 0}, nil
}

func (f *fakeProvider) StreamLogs(ctx context.Context, id, service string) (<-chan sandbox.LogLine, error) {
	ch := make(chan sandbox.LogLine, 1)
	ch <- sandbox.LogLine{Service: service, Text: "hello", Time: time.Unix(0, 0)}
	close(ch)
	return ch, nil
}

func (f *fakeProvider) GetGitStatus(ctx context.Context, id string) (*sandbox.GitStatus, error) {
	if _, err := f.Get(ctx, id); err != nil {
		return nil, err
	}
	return &sandbox.GitStatus{Commit: "abc123", Branch: "main", SyncStatus: "clean"}, nil
}

func (f *fakeProvider) SyncGit(ctx context.Context, id string) error {
	_, err := f.Get(ctx, id)
	return err
}

type testFixture struct {
	router   *gin.Engine
	deps     *Dependencies
	provider *fakeProvider
}

func newTestFixture(t *testing.T) *testFixture {
	gin.SetMode(gin.TestMode)
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	provider := newFakeProvider()
	st := store.NewMemoryStore()

	spawner := agentspawner.New(nil, log)
	initialize := func(ctx context.Context, agent *agentspawner.Agent) agentscheduler.InitResult {
		return agentscheduler.InitResult{SandboxID: "sbx-1"}
	}
	run := func(ctx context.Context, agent *agentspawner.Agent) agentscheduler.RunResult {
		return agentscheduler.RunResult{Output: "done"}
	}
	schedCfg := agentscheduler.DefaultConfig()
	schedCfg.AutoProcess = false
	sched := agentscheduler.New(spawner, initialize, run, schedCfg, log)

	mp := multiplayer.New(st, nil, provider, config.MultiplayerConfig{
		EditLockTimeout:    60,
		MaxUsersPerSession: 4,
		MaxClientsPerUser:  2,
	}, config.PromptQueueConfig{MaxQueuedPerSession: 10, AllowReorder: true}, log)

	deps := &Dependencies{
		Provider:    provider,
		Pool:        warmpool.New(provider, nil, config.WarmPoolConfig{}, log),
		Snapshots:   snapshot.New(provider, nil, time.Hour, log),
		Scheduler:   sched,
		Multiplayer: mp,
		Store:       st,
		Log:         log,
	}

	router := gin.New()
	SetupRoutes(router.Group("/api/v1"), deps)

	return &testFixture{router: router, deps: deps, provider: provider}
}

func (f *testFixture) do(method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}
