// Package profiles holds concrete InitializeFunc/RunFunc pairs the
// orchestrator can hand to agentscheduler.New. CopilotTask is the sample
// implementation: it claims a sandbox for the agent and drives a
// github.com/github/copilot-sdk/go session, using a thin per-run wrapper
// around the SDK client. The session runs on the configured Copilot CLI
// (CLIUrl, or the SDK default); it is not bound to the sandbox.
package profiles

import (
	"context"
	"fmt"
	"time"

	copilot "github.com/github/copilot-sdk/go"

	"github.com/kandev/orchestrator/internal/agentscheduler"
	"github.com/kandev/orchestrator/internal/agentspawner"
	"github.com/kandev/orchestrator/internal/common/config"
	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/sandbox"
	"go.uber.org/zap"
)

// CopilotTask wires an agent's two-phase scheduler lifecycle (init, run)
// to a Copilot SDK session: Initialize claims a sandbox for the agent,
// Run opens a session on the configured Copilot CLI (the sandbox ID is not
// passed to it) and sends the agent's task as a single prompt, blocking
// until the SDK reports completion.
type CopilotTask struct {
	provider sandbox.Provider
	cfg      config.CopilotConfig
	log      *logger.Logger
}

// NewCopilotTask builds a CopilotTask bound to the given sandbox provider
// and Copilot client configuration.
func NewCopilotTask(provider sandbox.Provider, cfg config.CopilotConfig, log *logger.Logger) *CopilotTask {
	if cfg.Model == "" {
		cfg.Model = "gpt-4.1"
	}
	return &CopilotTask{
		provider: provider,
		cfg:      cfg,
		log:      log.WithFields(zap.String("component", "copilot-task-profile")),
	}
}

// Initialize implements agentscheduler.InitializeFunc: it creates a
// sandbox for the agent's parent session and returns its ID so the
// scheduler can persist the Agent -> Sandbox mapping before Run starts.
func (t *CopilotTask) Initialize(ctx context.Context, agent *agentspawner.Agent) agentscheduler.InitResult {
	sb, err := t.provider.Create(ctx, sandbox.CreateInput{
		ProjectID: agent.ParentSessionID,
	})
	if err != nil {
		return agentscheduler.InitResult{Error: fmt.Errorf("copilot task: create sandbox: %w", err)}
	}
	return agentscheduler.InitResult{SandboxID: sb.ID}
}

// Run implements agentscheduler.RunFunc: it starts a Copilot SDK client
// scoped to this call, opens a session, sends the agent's task, and
// waits for the SDK to report the turn complete.
func (t *CopilotTask) Run(ctx context.Context, agent *agentspawner.Agent) agentscheduler.RunResult {
	client := newSDKClient(t.cfg)
	if err := client.start(); err != nil {
		return agentscheduler.RunResult{Error: fmt.Errorf("copilot task: start client: %w", err)}
	}
	defer client.stop(t.log)

	sessionID, err := client.createSession()
	if err != nil {
		return agentscheduler.RunResult{Error: fmt.Errorf("copilot task: create session: %w", err)}
	}
	t.log.Info("copilot session opened", zap.String("agent_id", agent.ID), zap.String("session_id", sessionID))

	result, err := client.sendAndWait(agent.Task, 30*time.Minute)
	if err != nil {
		return agentscheduler.RunResult{Error: fmt.Errorf("copilot task: send: %w", err)}
	}
	return agentscheduler.RunResult{Output: result}
}

// sdkClient is a minimal wrapper around the Copilot SDK client, scoped to
// the single session a Run call needs: one client per in-flight agent
// run, since each scheduler-driven agent gets its own sandbox and its
// own session.
type sdkClient struct {
	cfg     config.CopilotConfig
	raw     *copilot.Client
	session *copilot.Session
}

func newSDKClient(cfg config.CopilotConfig) *sdkClient {
	return &sdkClient{cfg: cfg}
}

func (c *sdkClient) start() error {
	opts := &copilot.ClientOptions{LogLevel: "error"}
	if c.cfg.CLIUrl != "" {
		opts.CLIUrl = c.cfg.CLIUrl
	}
	c.raw = copilot.NewClient(opts)
	return nil
}

func (c *sdkClient) createSession() (string, error) {
	session, err := c.raw.CreateSession(&copilot.SessionConfig{
		Model:     c.cfg.Model,
		Streaming: true,
	})
	if err != nil {
		return "", err
	}
	c.session = session
	return session.SessionID, nil
}

func (c *sdkClient) sendAndWait(task string, timeout time.Duration) (string, error) {
	if c.session == nil {
		return "", fmt.Errorf("no active session")
	}
	evt, err := c.session.SendAndWait(copilot.MessageOptions{Prompt: task}, timeout)
	if err != nil {
		return "", err
	}
	if evt == nil || evt.Data.Content == nil {
		return "", nil
	}
	return *evt.Data.Content, nil
}

func (c *sdkClient) stop(log *logger.Logger) {
	if c.session != nil {
		if err := c.session.Destroy(); err != nil {
			log.Warn("error destroying copilot session", zap.Error(err))
		}
	}
	if c.raw != nil {
		for _, err := range c.raw.Stop() {
			log.Warn("error stopping copilot client", zap.Error(err))
		}
	}
}
