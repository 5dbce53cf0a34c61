package v1

import "time"

// Cursor mirrors session.Cursor on the wire.
type Cursor struct {
	File   string `json:"file,omitempty"`
	Line   int    `json:"line,omitempty"`
	Column int    `json:"column,omitempty"`
}

// User mirrors session.User on the wire.
type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	Email       string    `json:"email,omitempty"`
	Avatar      string    `json:"avatar,omitempty"`
	Color       string    `json:"color"`
	Cursor      *Cursor   `json:"cursor,omitempty"`
	JoinedAt    time.Time `json:"joinedAt"`
}

// Client mirrors session.Client on the wire.
type Client struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	Type         string    `json:"type"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// Prompt mirrors session.Prompt on the wire.
type Prompt struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"sessionId"`
	UserID      string     `json:"userId"`
	Content     string     `json:"content"`
	Status      string     `json:"status"`
	Priority    string     `json:"priority"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// SessionState mirrors session.State on the wire.
type SessionState struct {
	GitSyncStatus string `json:"gitSyncStatus"`
	AgentStatus   string `json:"agentStatus"`
	EditLock      string `json:"editLock,omitempty"`
	Version       int64  `json:"version"`
}

// Session mirrors session.Session on the wire.
type Session struct {
	ID                  string    `json:"id"`
	LinkedWorkSessionID string    `json:"linkedWorkSessionId"`
	SandboxID           string    `json:"sandboxId,omitempty"`
	Users               []User    `json:"users"`
	Clients             []Client  `json:"clients"`
	ActivePrompt        *Prompt   `json:"activePrompt,omitempty"`
	PromptQueue         []Prompt  `json:"promptQueue"`
	State               SessionState `json:"state"`
	CreatedAt           time.Time `json:"createdAt"`
}

// CreateSessionRequest is the body of POST /sessions.
type CreateSessionRequest struct {
	ID                  string `json:"id,omitempty"`
	LinkedWorkSessionID string `json:"linkedWorkSessionId"`
}

// JoinSessionRequest is the body of POST /sessions/:id/join.
type JoinSessionRequest struct {
	UserID      string `json:"userId" binding:"required"`
	DisplayName string `json:"displayName" binding:"required"`
	Email       string `json:"email,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
	Color       string `json:"color,omitempty"`
}

// ConnectClientRequest is the body of POST /sessions/:id/connect.
type ConnectClientRequest struct {
	UserID string `json:"userId" binding:"required"`
	Type   string `json:"type" binding:"required"`
}

// UpdateCursorRequest is the body of POST /sessions/:id/cursor.
type UpdateCursorRequest struct {
	UserID string `json:"userId" binding:"required"`
	Cursor Cursor `json:"cursor"`
}

// LockRequest is the body of POST /sessions/:id/lock and its release.
type LockRequest struct {
	UserID string `json:"userId" binding:"required"`
}

// AddPromptRequest is the body of POST /sessions/:id/prompts.
type AddPromptRequest struct {
	UserID   string `json:"userId" binding:"required"`
	Content  string `json:"content" binding:"required"`
	Priority string `json:"priority,omitempty"`
}

// ReorderPromptRequest is the body of POST /sessions/:id/prompts/:promptId/reorder.
type ReorderPromptRequest struct {
	UserID   string `json:"userId" binding:"required"`
	NewIndex int    `json:"newIndex"`
}

// CancelPromptRequest is the body of POST /sessions/:id/prompts/:promptId/cancel.
type CancelPromptRequest struct {
	UserID string `json:"userId" binding:"required"`
}
