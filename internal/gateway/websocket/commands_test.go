package websocket

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/orchestrator/internal/agentscheduler"
	"github.com/kandev/orchestrator/internal/agentspawner"
	"github.com/kandev/orchestrator/internal/common/config"
	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/multiplayer"
	"github.com/kandev/orchestrator/internal/session"
	"github.com/kandev/orchestrator/internal/store"
	ws "github.com/kandev/orchestrator/pkg/websocket"
)

func newTestDispatcher(t *testing.T) (*ws.Dispatcher, *multiplayer.Manager, *agentscheduler.Scheduler) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	st := store.NewMemoryStore()
	mp := multiplayer.New(st, nil, nil, config.MultiplayerConfig{
		EditLockTimeout:    60,
		MaxUsersPerSession: 4,
		MaxClientsPerUser:  2,
	}, config.PromptQueueConfig{MaxQueuedPerSession: 10, AllowReorder: true}, log)

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

	d := ws.NewDispatcher()
	RegisterHealthHandler(d)
	RegisterCommandHandlers(d, mp, sched)
	return d, mp, sched
}

func dispatch(t *testing.T, d *ws.Dispatcher, action string, payload interface{}) *ws.Message {
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, err := d.Dispatch(context.Background(), &ws.Message{ID: "req-1", Type: ws.MessageTypeRequest, Action: action, Payload: raw})
	require.NoError(t, err)
	return resp
}

func TestHealthCheckAction(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	resp := dispatch(t, d, ws.ActionHealthCheck, map[string]string{})
	assert.Equal(t, ws.MessageTypeResponse, resp.Type)
}

func TestSessionJoinAndCursorUpdateActions(t *testing.T) {
	d, mp, _ := newTestDispatcher(t)
	ctx := context.Background()
	_, err := mp.Create(ctx, multiplayer.CreateInput{ID: "sess-1"})
	require.NoError(t, err)

	resp := dispatch(t, d, ws.ActionSessionJoin, map[string]string{
		"sessionId":   "sess-1",
		"userId":      "u1",
		"displayName": "Ada",
	})
	assert.Equal(t, ws.MessageTypeResponse, resp.Type)

	var s session.Session
	require.NoError(t, json.Unmarshal(resp.Payload, &s))
	require.Len(t, s.Users, 1)

	resp = dispatch(t, d, ws.ActionCursorUpdate, map[string]interface{}{
		"sessionId": "sess-1",
		"userId":    "u1",
		"cursor":    map[string]interface{}{"file": "main.go", "line": 5},
	})
	assert.Equal(t, ws.MessageTypeResponse, resp.Type)
}

func TestLockActionsRoundTrip(t *testing.T) {
	d, mp, _ := newTestDispatcher(t)
	ctx := context.Background()
	_, err := mp.Create(ctx, multiplayer.CreateInput{ID: "sess-1"})
	require.NoError(t, err)
	_, err = mp.Join(ctx, "sess-1", &session.User{ID: "u1", DisplayName: "Ada"})
	require.NoError(t, err)

	resp := dispatch(t, d, ws.ActionLockAcquire, map[string]string{"sessionId": "sess-1", "userId": "u1"})
	require.Equal(t, ws.MessageTypeResponse, resp.Type)

	resp = dispatch(t, d, ws.ActionLockRelease, map[string]string{"sessionId": "sess-1", "userId": "u1"})
	require.Equal(t, ws.MessageTypeResponse, resp.Type)
}

func TestAgentSpawnAndCancelActions(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	resp := dispatch(t, d, ws.ActionAgentSpawn, map[string]string{"parentSessionId": "sess-1", "task": "fix it"})
	require.Equal(t, ws.MessageTypeResponse, resp.Type)

	var agent agentspawner.Agent
	require.NoError(t, json.Unmarshal(resp.Payload, &agent))
	require.NotEmpty(t, agent.ID)

	resp = dispatch(t, d, ws.ActionAgentCancel, map[string]string{"agentId": agent.ID})
	require.Equal(t, ws.MessageTypeResponse, resp.Type)

	var result map[string]bool
	require.NoError(t, json.Unmarshal(resp.Payload, &result))
	assert.True(t, result["cancelled"])
}

func TestUnknownActionReturnsError(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	resp, err := d.Dispatch(context.Background(), &ws.Message{ID: "req-1", Action: "not.a.real.action", Payload: []byte("{}")})
	require.NoError(t, err)
	assert.Equal(t, ws.MessageTypeError, resp.Type)
}
