package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kandev/orchestrator/internal/common/errors"
	"github.com/kandev/orchestrator/internal/multiplayer"
	"github.com/kandev/orchestrator/internal/session"
	v1 "github.com/kandev/orchestrator/pkg/api/v1"
)

func cursorToV1(cur *session.Cursor) *v1.Cursor {
	if cur == nil {
		return nil
	}
	return &v1.Cursor{File: cur.File, Line: cur.Line, Column: cur.Column}
}

func userToV1(u *session.User) v1.User {
	return v1.User{
		ID:          u.ID,
		DisplayName: u.DisplayName,
		Email:       u.Email,
		Avatar:      u.Avatar,
		Color:       u.Color,
		Cursor:      cursorToV1(u.Cursor),
		JoinedAt:    u.JoinedAt,
	}
}

func clientToV1(cl *session.Client) v1.Client {
	return v1.Client{
		ID:           cl.ID,
		UserID:       cl.UserID,
		Type:         string(cl.Type),
		ConnectedAt:  cl.ConnectedAt,
		LastActivity: cl.LastActivity,
	}
}

func promptToV1(p *session.Prompt) *v1.Prompt {
	if p == nil {
		return nil
	}
	return &v1.Prompt{
		ID:          p.ID,
		SessionID:   p.SessionID,
		UserID:      p.UserID,
		Content:     p.Content,
		Status:      string(p.Status),
		Priority:    string(p.Priority),
		CreatedAt:   p.CreatedAt,
		StartedAt:   p.StartedAt,
		CompletedAt: p.CompletedAt,
	}
}

func sessionToV1(s *session.Session) v1.Session {
	users := make([]v1.User, 0, len(s.Users))
	for _, u := range s.Users {
		users = append(users, userToV1(u))
	}
	clients := make([]v1.Client, 0, len(s.Clients))
	for _, cl := range s.Clients {
		clients = append(clients, clientToV1(cl))
	}
	queue := make([]v1.Prompt, 0, len(s.PromptQueue))
	for _, p := range s.PromptQueue {
		queue = append(queue, *promptToV1(p))
	}
	return v1.Session{
		ID:                  s.ID,
		LinkedWorkSessionID: s.LinkedWorkSessionID,
		SandboxID:           s.SandboxID,
		Users:               users,
		Clients:             clients,
		ActivePrompt:        promptToV1(s.ActivePrompt),
		PromptQueue:         queue,
		State: v1.SessionState{
			GitSyncStatus: string(s.State.GitSyncStatus),
			AgentStatus:   string(s.State.AgentStatus),
			EditLock:      s.State.EditLock,
			Version:       s.State.Version,
		},
		CreatedAt: s.CreatedAt,
	}
}

// CreateSession handles POST /sessions.
func (h *Handler) CreateSession(c *gin.Context) {
	var req v1.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errors.ValidationError("request", err.Error()))
		return
	}

	s, err := h.deps.Multiplayer.Create(c.Request.Context(), multiplayer.CreateInput{
		ID:                  req.ID,
		LinkedWorkSessionID: req.LinkedWorkSessionID,
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, sessionToV1(s))
}

// JoinSession handles POST /sessions/:id/join.
func (h *Handler) JoinSession(c *gin.Context) {
	var req v1.JoinSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errors.ValidationError("request", err.Error()))
		return
	}

	s, err := h.deps.Multiplayer.Join(c.Request.Context(), c.Param("id"), &session.User{
		ID:          req.UserID,
		DisplayName: req.DisplayName,
		Email:       req.Email,
		Avatar:      req.Avatar,
		Color:       req.Color,
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionToV1(s))
}

// LeaveSession handles POST /sessions/:id/leave.
func (h *Handler) LeaveSession(c *gin.Context) {
	var req v1.LockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errors.ValidationError("request", err.Error()))
		return
	}

	s, err := h.deps.Multiplayer.Leave(c.Request.Context(), c.Param("id"), req.UserID)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionToV1(s))
}

// ConnectClient handles POST /sessions/:id/connect.
func (h *Handler) ConnectClient(c *gin.Context) {
	var req v1.ConnectClientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errors.ValidationError("request", err.Error()))
		return
	}

	cl, err := h.deps.Multiplayer.Connect(c.Request.Context(), c.Param("id"), multiplayer.ConnectInput{
		UserID: req.UserID,
		Type:   session.ClientType(req.Type),
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, clientToV1(cl))
}

// DisconnectClient handles POST /sessions/:id/disconnect/:clientId.
func (h *Handler) DisconnectClient(c *gin.Context) {
	s, err := h.deps.Multiplayer.Disconnect(c.Request.Context(), c.Param("id"), c.Param("clientId"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionToV1(s))
}

// UpdateCursor handles POST /sessions/:id/cursor.
func (h *Handler) UpdateCursor(c *gin.Context) {
	var req v1.UpdateCursorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errors.ValidationError("request", err.Error()))
		return
	}

	s, err := h.deps.Multiplayer.UpdateCursor(c.Request.Context(), c.Param("id"), req.UserID, session.Cursor{
		File:   req.Cursor.File,
		Line:   req.Cursor.Line,
		Column: req.Cursor.Column,
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionToV1(s))
}

// AcquireLock handles POST /sessions/:id/lock.
func (h *Handler) AcquireLock(c *gin.Context) {
	var req v1.LockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errors.ValidationError("request", err.Error()))
		return
	}

	s, err := h.deps.Multiplayer.AcquireLock(c.Request.Context(), c.Param("id"), req.UserID)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionToV1(s))
}

// ReleaseLock handles POST /sessions/:id/lock/release.
func (h *Handler) ReleaseLock(c *gin.Context) {
	var req v1.LockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errors.ValidationError("request", err.Error()))
		return
	}

	s, err := h.deps.Multiplayer.ReleaseLock(c.Request.Context(), c.Param("id"), req.UserID)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionToV1(s))
}

// GetSession handles GET /sessions/:id.
func (h *Handler) GetSession(c *gin.Context) {
	s, err := h.deps.Store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	if s == nil {
		respondErr(c, errors.NotFound("session", c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, sessionToV1(s))
}

// DeleteSession handles DELETE /sessions/:id: explicit session
// destruction, tearing down its prompt queue and sandbox before removing
// it from the store.
func (h *Handler) DeleteSession(c *gin.Context) {
	ok, err := h.deps.Multiplayer.Delete(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	if !ok {
		respondErr(c, errors.NotFound("session", c.Param("id")))
		return
	}
	c.Status(http.StatusNoContent)
}

// AddPrompt handles POST /sessions/:id/prompts.
func (h *Handler) AddPrompt(c *gin.Context) {
	var req v1.AddPromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errors.ValidationError("request", err.Error()))
		return
	}

	priority := session.PriorityNormal
	if req.Priority != "" {
		priority = session.PromptPriority(req.Priority)
	}

	p, err := h.deps.Multiplayer.AddPrompt(c.Request.Context(), c.Param("id"), req.UserID, req.Content, priority)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, promptToV1(p))
}

// CancelPrompt handles POST /sessions/:id/prompts/:promptId/cancel.
func (h *Handler) CancelPrompt(c *gin.Context) {
	var req v1.CancelPromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errors.ValidationError("request", err.Error()))
		return
	}

	ok, err := h.deps.Multiplayer.CancelPrompt(c.Request.Context(), c.Param("id"), c.Param("promptId"), req.UserID)
	if err != nil {
		respondErr(c, err)
		return
	}
	if !ok {
		respondErr(c, errors.NotFound("prompt", c.Param("promptId")))
		return
	}
	c.Status(http.StatusNoContent)
}

// ReorderPrompt handles POST /sessions/:id/prompts/:promptId/reorder.
func (h *Handler) ReorderPrompt(c *gin.Context) {
	var req v1.ReorderPromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errors.ValidationError("request", err.Error()))
		return
	}

	ok, err := h.deps.Multiplayer.ReorderPrompt(c.Request.Context(), c.Param("id"), c.Param("promptId"), req.UserID, req.NewIndex)
	if err != nil {
		respondErr(c, err)
		return
	}
	if !ok {
		respondErr(c, errors.NotFound("prompt", c.Param("promptId")))
		return
	}
	c.Status(http.StatusNoContent)
}
