package websocket

import (
	"context"

	"github.com/kandev/orchestrator/internal/agentscheduler"
	"github.com/kandev/orchestrator/internal/agentspawner"
	"github.com/kandev/orchestrator/internal/multiplayer"
	"github.com/kandev/orchestrator/internal/session"
	ws "github.com/kandev/orchestrator/pkg/websocket"
)

// RegisterCommandHandlers wires the presence/cursor/prompt/background
// mutating actions onto dispatcher, calling straight into the same
// managers the HTTP surface uses. Latency-sensitive collaboration actions
// (cursor, lock, prompt) go over this channel instead of round-tripping
// through HTTP, since every connected client already holds the socket.
func RegisterCommandHandlers(d *ws.Dispatcher, mp *multiplayer.Manager, sched *agentscheduler.Scheduler) {
	d.RegisterFunc(ws.ActionSessionJoin, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			SessionID   string `json:"sessionId"`
			UserID      string `json:"userId"`
			DisplayName string `json:"displayName"`
			Color       string `json:"color"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return parseErrResponse(msg, err)
		}
		s, err := mp.Join(ctx, req.SessionID, &session.User{ID: req.UserID, DisplayName: req.DisplayName, Color: req.Color})
		if err != nil {
			return errResponse(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, s)
	})

	d.RegisterFunc(ws.ActionSessionLeave, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			SessionID string `json:"sessionId"`
			UserID    string `json:"userId"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return parseErrResponse(msg, err)
		}
		s, err := mp.Leave(ctx, req.SessionID, req.UserID)
		if err != nil {
			return errResponse(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, s)
	})

	d.RegisterFunc(ws.ActionCursorUpdate, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			SessionID string         `json:"sessionId"`
			UserID    string         `json:"userId"`
			Cursor    session.Cursor `json:"cursor"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return parseErrResponse(msg, err)
		}
		s, err := mp.UpdateCursor(ctx, req.SessionID, req.UserID, req.Cursor)
		if err != nil {
			return errResponse(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, s)
	})

	d.RegisterFunc(ws.ActionLockAcquire, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			SessionID string `json:"sessionId"`
			UserID    string `json:"userId"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return parseErrResponse(msg, err)
		}
		s, err := mp.AcquireLock(ctx, req.SessionID, req.UserID)
		if err != nil {
			return errResponse(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, s)
	})

	d.RegisterFunc(ws.ActionLockRelease, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			SessionID string `json:"sessionId"`
			UserID    string `json:"userId"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return parseErrResponse(msg, err)
		}
		s, err := mp.ReleaseLock(ctx, req.SessionID, req.UserID)
		if err != nil {
			return errResponse(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, s)
	})

	d.RegisterFunc(ws.ActionPromptSubmit, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			SessionID string `json:"sessionId"`
			UserID    string `json:"userId"`
			Content   string `json:"content"`
			Priority  string `json:"priority"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return parseErrResponse(msg, err)
		}
		priority := session.PriorityNormal
		if req.Priority != "" {
			priority = session.PromptPriority(req.Priority)
		}
		p, err := mp.AddPrompt(ctx, req.SessionID, req.UserID, req.Content, priority)
		if err != nil {
			return errResponse(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, p)
	})

	d.RegisterFunc(ws.ActionPromptCancel, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			SessionID string `json:"sessionId"`
			PromptID  string `json:"promptId"`
			UserID    string `json:"userId"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return parseErrResponse(msg, err)
		}
		ok, err := mp.CancelPrompt(ctx, req.SessionID, req.PromptID, req.UserID)
		if err != nil {
			return errResponse(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]bool{"cancelled": ok})
	})

	d.RegisterFunc(ws.ActionPromptReorder, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			SessionID string `json:"sessionId"`
			PromptID  string `json:"promptId"`
			UserID    string `json:"userId"`
			NewIndex  int    `json:"newIndex"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return parseErrResponse(msg, err)
		}
		ok, err := mp.ReorderPrompt(ctx, req.SessionID, req.PromptID, req.UserID, req.NewIndex)
		if err != nil {
			return errResponse(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]bool{"reordered": ok})
	})

	d.RegisterFunc(ws.ActionAgentSpawn, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			ParentSessionID string `json:"parentSessionId"`
			Task            string `json:"task"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return parseErrResponse(msg, err)
		}
		agent, err := sched.Spawn(agentspawner.SpawnInput{ParentSessionID: req.ParentSessionID, Task: req.Task})
		if err != nil {
			return errResponse(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, agent)
	})

	d.RegisterFunc(ws.ActionAgentCancel, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			AgentID string `json:"agentId"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return parseErrResponse(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]bool{"cancelled": sched.Cancel(req.AgentID)})
	})
}

func parseErrResponse(msg *ws.Message, err error) (*ws.Message, error) {
	return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
}

func errResponse(msg *ws.Message, err error) (*ws.Message, error) {
	return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
}
