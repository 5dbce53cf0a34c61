package profiles

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/orchestrator/internal/agentspawner"
	"github.com/kandev/orchestrator/internal/common/config"
	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/sandbox"
)

type stubProvider struct {
	sandbox.Provider
	created sandbox.CreateInput
	err     error
}

func (s *stubProvider) Create(ctx context.Context, input sandbox.CreateInput) (*sandbox.Sandbox, error) {
	s.created = input
	if s.err != nil {
		return nil, s.err
	}
	return &sandbox.Sandbox{ID: "sbx-copilot", ProjectID: input.ProjectID, CreatedAt: time.Unix(0, 0)}, nil
}

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func TestCopilotTaskInitializeClaimsSandbox(t *testing.T) {
	provider := &stubProvider{}
	task := NewCopilotTask(provider, config.CopilotConfig{}, newTestLogger(t))

	agent := &agentspawner.Agent{ID: "agent-1", ParentSessionID: "sess-1", Task: "fix the bug"}
	result := task.Initialize(context.Background(), agent)

	require.NoError(t, result.Error)
	assert.Equal(t, "sbx-copilot", result.SandboxID)
	assert.Equal(t, "sess-1", provider.created.ProjectID)
}

func TestCopilotTaskInitializePropagatesProviderError(t *testing.T) {
	provider := &stubProvider{err: assert.AnError}
	task := NewCopilotTask(provider, config.CopilotConfig{}, newTestLogger(t))

	result := task.Initialize(context.Background(), &agentspawner.Agent{ParentSessionID: "sess-1"})
	assert.Error(t, result.Error)
}

func TestNewCopilotTaskDefaultsModel(t *testing.T) {
	task := NewCopilotTask(&stubProvider{}, config.CopilotConfig{}, newTestLogger(t))
	assert.Equal(t, "gpt-4.1", task.cfg.Model)
}
