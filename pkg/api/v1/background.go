package v1

import "time"

// BackgroundAgent mirrors agentspawner.Agent on the wire.
type BackgroundAgent struct {
	ID              string     `json:"id"`
	ParentSessionID string     `json:"parent_session_id"`
	WorkSessionID   string     `json:"work_session_id"`
	SandboxID       string     `json:"sandbox_id,omitempty"`
	Status          string     `json:"status"`
	Task            string     `json:"task"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Error           string     `json:"error,omitempty"`
	Output          string     `json:"output,omitempty"`
}

// SpawnBackgroundAgentRequest is the body of POST /background/spawn.
type SpawnBackgroundAgentRequest struct {
	ParentSessionID string `json:"parent_session_id" binding:"required"`
	Task            string `json:"task" binding:"required"`
	Type            string `json:"type,omitempty"`
	Repository      string `json:"repository,omitempty"`
	Branch          string `json:"branch,omitempty"`
}

// BackgroundAgentEvent is one entry of the GET /background/:id/events SSE
// stream: an initial and then subsequent "status" events, and a terminal
// "complete" event.
type BackgroundAgentEvent struct {
	Event string          `json:"event"` // "status" | "complete"
	Agent BackgroundAgent `json:"agent"`
}

// SchedulerStatsResponse mirrors agentscheduler.Stats on the wire.
type SchedulerStatsResponse struct {
	Queued         int   `json:"queued"`
	Running        int   `json:"running"`
	MaxConcurrent  int   `json:"max_concurrent"`
	MaxQueued      int   `json:"max_queued"`
	TotalProcessed int64 `json:"total_processed"`
	TotalFailed    int64 `json:"total_failed"`
}
