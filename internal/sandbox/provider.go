// Package sandbox defines the Provider interface: the thin, pluggable
// capability set that every execution-environment backend — Docker,
// Sprites.dev, a local process — implements identically.
package sandbox

import (
	"context"
	"errors"
	"time"
)

// Status is the coarse lifecycle state of a Sandbox.
type Status string

const (
	StatusCreating    Status = "creating"
	StatusRunning     Status = "running"
	StatusStopped     Status = "stopped"
	StatusTerminated  Status = "terminated"
)

// Sandbox is an isolated, per-session execution environment for tools and
// code.
type Sandbox struct {
	ID         string
	ProjectID  string
	Repository string
	Branch     string
	ImageTag   string
	Status     Status
	CreatedAt  time.Time
}

// CreateInput describes a new sandbox.
type CreateInput struct {
	ProjectID  string
	Repository string
	Branch     string
	ImageTag   string
	Env        map[string]string
}

// ListFilter narrows List to sandboxes belonging to one project.
type ListFilter struct {
	ProjectID string
}

// ExecOptions configures one Execute call.
type ExecOptions struct {
	Cwd     string
	Env     map[string]string
	Timeout time.Duration
}

// ExecResult is the outcome of Execute.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// GitStatus reports a sandbox's working tree sync state.
type GitStatus struct {
	Commit     string
	Branch     string
	SyncStatus string
	Dirty      bool
}

// Errors returned by Provider implementations; callers translate these to
// the common/errors taxonomy at the boundary.
var (
	ErrNotFound   = errors.New("sandbox not found")
	ErrNotRunning = errors.New("sandbox exists but is not running")
	ErrTimeout    = errors.New("operation exceeded its timeout")
)

// LogLine is one line of output from StreamLogs.
type LogLine struct {
	Service string
	Text    string
	Time    time.Time
}

// Provider is the pluggable sandbox backend: local process, Docker, or a
// remote hypervisor (Sprites.dev). All operations are safe to call
// concurrently for distinct sandbox IDs.
type Provider interface {
	Create(ctx context.Context, input CreateInput) (*Sandbox, error)
	Get(ctx context.Context, id string) (*Sandbox, error)
	List(ctx context.Context, filter ListFilter) ([]*Sandbox, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Terminate(ctx context.Context, id string) error

	// Snapshot captures the sandbox's current disk/git state, returning an
	// opaque provider-specific snapshot handle consumed only by Restore.
	Snapshot(ctx context.Context, id string) (string, error)
	// Restore materializes a new sandbox from a provider snapshot handle.
	Restore(ctx context.Context, snapshotHandle string, input CreateInput) (*Sandbox, error)

	Execute(ctx context.Context, id string, argv []string, opts ExecOptions) (*ExecResult, error)
	// StreamLogs returns a channel of log lines, closed when the service
	// stops or ctx is cancelled. Delivery is lossy-per-subscriber: a
	// slow consumer may miss lines rather than block the producer.
	StreamLogs(ctx context.Context, id, service string) (<-chan LogLine, error)

	GetGitStatus(ctx context.Context, id string) (*GitStatus, error)
	SyncGit(ctx context.Context, id string) error
}
