package v1

import "time"

// Sandbox mirrors internal/sandbox.Sandbox on the wire.
type Sandbox struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"project_id"`
	Repository string    `json:"repository"`
	Branch     string    `json:"branch"`
	ImageTag   string    `json:"image_tag,omitempty"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// CreateSandboxRequest is the body of POST /sandbox.
type CreateSandboxRequest struct {
	ProjectID  string            `json:"project_id" binding:"required"`
	Repository string            `json:"repository" binding:"required"`
	Branch     string            `json:"branch" binding:"required"`
	ImageTag   string            `json:"image_tag,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
}

// ExecRequest is the body of POST /sandbox/:id/exec.
type ExecRequest struct {
	Command []string          `json:"command" binding:"required,min=1"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Timeout int               `json:"timeout,omitempty"` // seconds
}

// ExecResponse is the result of a sandbox exec call.
type ExecResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// GitStatusResponse mirrors internal/sandbox.GitStatus.
type GitStatusResponse struct {
	Commit     string `json:"commit"`
	Branch     string `json:"branch"`
	SyncStatus string `json:"sync_status"`
	Dirty      bool   `json:"dirty"`
}

// SnapshotCreateRequest is the body of POST /sandbox/:id/snapshot.
type SnapshotCreateRequest struct {
	SessionID             string `json:"session_id" binding:"required"`
	GitCommit             string `json:"git_commit"`
	HasUncommittedChanges bool   `json:"has_uncommitted_changes,omitempty"`
}

// SnapshotCreateResponse is the response to a snapshot create.
type SnapshotCreateResponse struct {
	SnapshotID string    `json:"snapshot_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// SnapshotRestoreRequest is the body of POST /sandbox/restore.
type SnapshotRestoreRequest struct {
	SessionID string `json:"session_id" binding:"required"`
}

// Snapshot mirrors internal/snapshot.Snapshot on the wire.
type Snapshot struct {
	ID                    string    `json:"id"`
	SessionID             string    `json:"session_id"`
	SandboxID             string    `json:"sandbox_id"`
	GitCommit             string    `json:"git_commit"`
	HasUncommittedChanges bool      `json:"has_uncommitted_changes"`
	CreatedAt             time.Time `json:"created_at"`
	ExpiresAt             time.Time `json:"expires_at"`
}

// PoolClaimRequest is the body of POST /sandbox/pool/claim.
type PoolClaimRequest struct {
	ProjectID  string `json:"project_id" binding:"required"`
	Repository string `json:"repository" binding:"required"`
	Branch     string `json:"branch" binding:"required"`
	ImageTag   string `json:"image_tag,omitempty"`
}

// PoolClaimResponse reports whether the claim was a warm-pool hit.
type PoolClaimResponse struct {
	Sandbox Sandbox `json:"sandbox"`
	Reason  string  `json:"reason"` // "hit" or "miss"
}

// PoolTypingRequest is the body of POST /sandbox/pool/typing.
type PoolTypingRequest struct {
	ProjectID  string `json:"project_id" binding:"required"`
	Repository string `json:"repository" binding:"required"`
	Branch     string `json:"branch" binding:"required"`
	ImageTag   string `json:"image_tag,omitempty"`
}

// PoolStatsResponse mirrors internal/warmpool.Stats aggregated across all
// keys; per-key stats are not exposed on the wire.
type PoolStatsResponse struct {
	Available int `json:"available"`
	Warming   int `json:"warming"`
	Total     int `json:"total"`
}
