// Package session defines the Session aggregate: the single persisted unit
// of ownership for users, clients, and prompts bound to one sandbox.
package session

import "time"

// GitSyncStatus is the sandbox's git synchronization state.
type GitSyncStatus string

const (
	GitSyncPending GitSyncStatus = "pending"
	GitSyncSyncing GitSyncStatus = "syncing"
	GitSyncSynced  GitSyncStatus = "synced"
	GitSyncError   GitSyncStatus = "error"
)

// AgentStatus is the session's coarse busy/idle signal, distinct from the
// per-agentspawner Agent.Status state machine.
type AgentStatus string

const (
	AgentStatusIdle      AgentStatus = "idle"
	AgentStatusThinking  AgentStatus = "thinking"
	AgentStatusExecuting AgentStatus = "executing"
)

// ClientType identifies the surface a Client connected from.
type ClientType string

const (
	ClientWeb    ClientType = "web"
	ClientSlack  ClientType = "slack"
	ClientChrome ClientType = "chrome"
	ClientMobile ClientType = "mobile"
	ClientVoice  ClientType = "voice"
)

// PromptStatus tracks a Prompt through the queue.
type PromptStatus string

const (
	PromptQueued    PromptStatus = "queued"
	PromptExecuting PromptStatus = "executing"
	PromptCompleted PromptStatus = "completed"
	PromptCancelled PromptStatus = "cancelled"
)

// PromptPriority ranks prompts within a session's queue. Lower Rank executes
// first: urgent(0) < high(1) < normal(2).
type PromptPriority string

const (
	PriorityUrgent PromptPriority = "urgent"
	PriorityHigh   PromptPriority = "high"
	PriorityNormal PromptPriority = "normal"
)

// Rank returns the ordinal used for queue ordering; lower sorts first.
func (p PromptPriority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	default:
		return 2
	}
}

// Cursor is a user's current position in an open file, if any.
type Cursor struct {
	File   string `json:"file,omitempty"`
	Line   int    `json:"line,omitempty"`
	Column int    `json:"column,omitempty"`
}

// User is a human collaborator on a Session.
type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	Email       string    `json:"email,omitempty"`
	Avatar      string    `json:"avatar,omitempty"`
	Color       string    `json:"color"`
	Cursor      *Cursor   `json:"cursor,omitempty"`
	JoinedAt    time.Time `json:"joinedAt"`
}

// Client is one connected device/surface belonging to a User.
type Client struct {
	ID            string     `json:"id"`
	UserID        string     `json:"userId"`
	Type          ClientType `json:"type"`
	ConnectedAt   time.Time  `json:"connectedAt"`
	LastActivity  time.Time  `json:"lastActivity"`
}

// Prompt is a single user utterance scheduled for the session agent.
type Prompt struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"sessionId"`
	UserID      string         `json:"userId"`
	Content     string         `json:"content"`
	Status      PromptStatus   `json:"status"`
	Priority    PromptPriority `json:"priority"`
	CreatedAt   time.Time      `json:"createdAt"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
}

// State is the mutable, versioned part of a Session.
type State struct {
	GitSyncStatus GitSyncStatus `json:"gitSyncStatus"`
	AgentStatus   AgentStatus   `json:"agentStatus"`
	EditLock      string        `json:"editLock,omitempty"`
	Version       int64         `json:"version"`
}

// StatePatch describes a partial update to State; nil fields are left
// unchanged, and an EditLock pointing to "" releases the lock.
type StatePatch struct {
	GitSyncStatus *GitSyncStatus
	AgentStatus   *AgentStatus
	EditLock      *string // pointer to "" releases the lock
}

// Session is the multiplayer aggregate and the sole unit of persistence.
type Session struct {
	ID                  string    `json:"id"`
	LinkedWorkSessionID string    `json:"linkedWorkSessionId"`
	SandboxID           string    `json:"sandboxId,omitempty"`
	Users               []*User   `json:"users"`
	Clients             []*Client `json:"clients"`
	ActivePrompt        *Prompt   `json:"activePrompt,omitempty"`
	PromptQueue         []*Prompt `json:"promptQueue"`
	State               State     `json:"state"`
	CreatedAt           time.Time `json:"createdAt"`
}

// FindUser returns the user with the given id, or nil.
func (s *Session) FindUser(userID string) *User {
	for _, u := range s.Users {
		if u.ID == userID {
			return u
		}
	}
	return nil
}

// FindClient returns the client with the given id, or nil.
func (s *Session) FindClient(clientID string) *Client {
	for _, c := range s.Clients {
		if c.ID == clientID {
			return c
		}
	}
	return nil
}

// Clone returns a deep copy suitable for copy-on-read snapshots handed to
// callers outside the owning actor.
func (s *Session) Clone() *Session {
	clone := *s
	clone.Users = make([]*User, len(s.Users))
	for i, u := range s.Users {
		uc := *u
		if u.Cursor != nil {
			cc := *u.Cursor
			uc.Cursor = &cc
		}
		clone.Users[i] = &uc
	}
	clone.Clients = make([]*Client, len(s.Clients))
	for i, c := range s.Clients {
		cc := *c
		clone.Clients[i] = &cc
	}
	clone.PromptQueue = make([]*Prompt, len(s.PromptQueue))
	for i, p := range s.PromptQueue {
		pc := *p
		clone.PromptQueue[i] = &pc
	}
	if s.ActivePrompt != nil {
		ac := *s.ActivePrompt
		clone.ActivePrompt = &ac
	}
	return &clone
}
