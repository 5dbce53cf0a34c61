// Package acpbridge adapts background Agent tasks to the Agent Client
// Protocol's message shape, wiring agentscheduler.InitializeFunc/RunFunc
// against a sandbox.Provider so an agent's turn updates stream onto the
// event bus under the existing ACP streaming subject convention.
package acpbridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/agentscheduler"
	"github.com/kandev/orchestrator/internal/agentspawner"
	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/events"
	"github.com/kandev/orchestrator/internal/events/bus"
	"github.com/kandev/orchestrator/internal/sandbox"
	"github.com/kandev/orchestrator/pkg/acp/protocol"
)

// RepositoryResolver supplies the repository coordinates a background
// agent's sandbox should be created against; the Agent aggregate itself
// carries no repository/branch fields, so callers wire this against
// whatever records that (a session, a project lookup, a CLI flag).
type RepositoryResolver func(ctx context.Context, agent *agentspawner.Agent) (repository, branch, projectID string, err error)

// Bridge builds agentscheduler callbacks that run an agent binary inside
// a sandbox and speak the protocol.Message envelope over its stdout.
type Bridge struct {
	provider sandbox.Provider
	bus      bus.EventBus
	log      *logger.Logger
	resolve  RepositoryResolver

	command    []string // argv template; "{task}" and "{sessionId}" are substituted
	execTimeout time.Duration
}

// New creates a Bridge. command is the argv used to invoke the agent
// binary inside the sandbox, with "{task}" and "{sessionId}" placeholders.
func New(provider sandbox.Provider, eventBus bus.EventBus, resolve RepositoryResolver, command []string, execTimeout time.Duration, log *logger.Logger) *Bridge {
	return &Bridge{
		provider:    provider,
		bus:         eventBus,
		log:         log.WithFields(zap.String("component", "acpbridge")),
		resolve:     resolve,
		command:     command,
		execTimeout: execTimeout,
	}
}

// Initialize implements agentscheduler.InitializeFunc: resolves the
// agent's repository coordinates and creates its sandbox.
func (b *Bridge) Initialize(ctx context.Context, agent *agentspawner.Agent) agentscheduler.InitResult {
	repository, branch, projectID, err := b.resolve(ctx, agent)
	if err != nil {
		return agentscheduler.InitResult{Error: err}
	}

	sb, err := b.provider.Create(ctx, sandbox.CreateInput{
		ProjectID:  projectID,
		Repository: repository,
		Branch:     branch,
	})
	if err != nil {
		return agentscheduler.InitResult{Error: err}
	}
	return agentscheduler.InitResult{SandboxID: sb.ID}
}

// Run implements agentscheduler.RunFunc: executes the agent binary inside
// the sandbox, then parses each NDJSON line of the collected stdout as a
// protocol.Message and republishes it on the ACP streaming subject. Lines
// are published after Execute returns, not while the agent is running.
func (b *Bridge) Run(ctx context.Context, agent *agentspawner.Agent) agentscheduler.RunResult {
	argv := b.buildArgv(agent)

	result, err := b.provider.Execute(ctx, agent.SandboxID, argv, sandbox.ExecOptions{Timeout: b.execTimeout})
	if err != nil {
		return agentscheduler.RunResult{Error: err}
	}

	var summary strings.Builder
	var lastErr error
	var stopReason acp.StopReason
	scanner := bufio.NewScanner(strings.NewReader(result.Stdout))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if reason, ok := parseStopReason(line); ok {
			stopReason = reason
			continue
		}
		msg, err := parseMessage(line, agent)
		if err != nil {
			b.log.Warn("skipping malformed ACP message line", zap.String("agent_id", agent.ID), zap.Error(err))
			continue
		}
		b.publish(agent.WorkSessionID, msg)

		switch msg.Type {
		case protocol.MessageTypeResult:
			if text, ok := msg.Data["summary"].(string); ok {
				summary.WriteString(text)
			}
		case protocol.MessageTypeError:
			if text, ok := msg.Data["error"].(string); ok {
				lastErr = errors.New(text)
			}
		}
	}

	if stopReason != "" && stopReason != acp.StopReason("end_turn") && lastErr == nil {
		lastErr = fmt.Errorf("agent stopped with reason %q", stopReason)
	}
	if result.ExitCode != 0 && lastErr == nil {
		lastErr = fmt.Errorf("agent exited with status %d: %s", result.ExitCode, result.Stderr)
	}

	return agentscheduler.RunResult{Output: summary.String(), Error: lastErr}
}

// parseStopReason recognizes the ACP turn-completion line a well-behaved
// agent binary emits last: {"stop_reason": "end_turn"|"max_tokens"|...}.
func parseStopReason(line string) (acp.StopReason, bool) {
	var envelope struct {
		StopReason acp.StopReason `json:"stop_reason"`
	}
	if err := json.Unmarshal([]byte(line), &envelope); err != nil || envelope.StopReason == "" {
		return "", false
	}
	return envelope.StopReason, true
}

func (b *Bridge) buildArgv(agent *agentspawner.Agent) []string {
	argv := make([]string, len(b.command))
	for i, part := range b.command {
		part = strings.ReplaceAll(part, "{task}", agent.Task)
		part = strings.ReplaceAll(part, "{sessionId}", agent.WorkSessionID)
		argv[i] = part
	}
	return argv
}

func (b *Bridge) publish(sessionID string, msg *protocol.Message) {
	if b.bus == nil {
		return
	}
	evt := bus.NewEvent(string(msg.Type), "acpbridge", msg.Data)
	subject := events.BuildSkillSubject(sessionID)
	if err := b.bus.Publish(context.Background(), subject, evt); err != nil {
		b.log.Warn("failed to publish ACP turn update", zap.Error(err), zap.String("subject", subject))
	}
}

// parseMessage turns one NDJSON stdout line from the agent binary into
// the protocol.Message envelope. A line is first tried as an
// ACP SessionNotification (the shape a well-behaved agent emits for
// message/thought/tool-call updates, per the session update variants in
// acp.SessionUpdate); anything that doesn't parse that way falls back to
// the plain error/summary/log heuristic for agents that only print text.
func parseMessage(line string, agent *agentspawner.Agent) (*protocol.Message, error) {
	msg := &protocol.Message{
		AgentID:   agent.ID,
		TaskID:    agent.WorkSessionID,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"raw": line},
	}

	var notification acp.SessionNotification
	if err := json.Unmarshal([]byte(line), &notification); err == nil {
		u := notification.Update
		switch {
		case u.AgentMessageChunk != nil && u.AgentMessageChunk.Content.Text != nil:
			msg.Type = protocol.MessageTypeResult
			msg.Data["summary"] = u.AgentMessageChunk.Content.Text.Text
			return msg, nil
		case u.AgentThoughtChunk != nil && u.AgentThoughtChunk.Content.Text != nil:
			msg.Type = protocol.MessageTypeLog
			msg.Data["message"] = u.AgentThoughtChunk.Content.Text.Text
			return msg, nil
		case u.ToolCall != nil:
			msg.Type = protocol.MessageTypeProgress
			msg.Data["tool_call_id"] = string(u.ToolCall.ToolCallId)
			msg.Data["tool_kind"] = string(u.ToolCall.Kind)
			msg.Data["tool_status"] = string(u.ToolCall.Status)
			return msg, nil
		}
	}

	switch {
	case strings.Contains(line, `"error"`):
		msg.Type = protocol.MessageTypeError
		msg.Data["error"] = line
	case strings.Contains(line, `"summary"`):
		msg.Type = protocol.MessageTypeResult
		msg.Data["summary"] = line
	default:
		msg.Type = protocol.MessageTypeLog
		msg.Data["message"] = line
	}
	return msg, nil
}
