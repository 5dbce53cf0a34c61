package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/common/errors"
	"github.com/kandev/orchestrator/internal/sandbox"
	"github.com/kandev/orchestrator/internal/snapshot"
	"github.com/kandev/orchestrator/internal/warmpool"
	v1 "github.com/kandev/orchestrator/pkg/api/v1"
)

func sandboxToV1(s *sandbox.Sandbox) v1.Sandbox {
	return v1.Sandbox{
		ID:         s.ID,
		ProjectID:  s.ProjectID,
		Repository: s.Repository,
		Branch:     s.Branch,
		ImageTag:   s.ImageTag,
		Status:     string(s.Status),
		CreatedAt:  s.CreatedAt,
	}
}

// CreateSandbox handles POST /sandbox.
func (h *Handler) CreateSandbox(c *gin.Context) {
	var req v1.CreateSandboxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errors.ValidationError("request", err.Error()))
		return
	}

	sb, err := h.deps.Provider.Create(c.Request.Context(), sandbox.CreateInput{
		ProjectID:  req.ProjectID,
		Repository: req.Repository,
		Branch:     req.Branch,
		ImageTag:   req.ImageTag,
		Env:        req.Env,
	})
	if err != nil {
		h.log.Error("sandbox create failed", zap.Error(err))
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, sandboxToV1(sb))
}

// GetSandbox handles GET /sandbox/:id.
func (h *Handler) GetSandbox(c *gin.Context) {
	sb, err := h.deps.Provider.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, sandboxToV1(sb))
}

// ListSandboxes handles GET /sandbox.
func (h *Handler) ListSandboxes(c *gin.Context) {
	sandboxes, err := h.deps.Provider.List(c.Request.Context(), sandbox.ListFilter{
		ProjectID: c.Query("project_id"),
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	out := make([]v1.Sandbox, 0, len(sandboxes))
	for _, sb := range sandboxes {
		out = append(out, sandboxToV1(sb))
	}
	c.JSON(http.StatusOK, gin.H{"sandboxes": out})
}

// StartSandbox handles POST /sandbox/:id/start.
func (h *Handler) StartSandbox(c *gin.Context) {
	if err := h.deps.Provider.Start(c.Request.Context(), c.Param("id")); err != nil {
		respondErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// StopSandbox handles POST /sandbox/:id/stop.
func (h *Handler) StopSandbox(c *gin.Context) {
	if err := h.deps.Provider.Stop(c.Request.Context(), c.Param("id")); err != nil {
		respondErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// TerminateSandbox handles DELETE /sandbox/:id.
func (h *Handler) TerminateSandbox(c *gin.Context) {
	if err := h.deps.Provider.Terminate(c.Request.Context(), c.Param("id")); err != nil {
		respondErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Exec handles POST /sandbox/:id/exec.
func (h *Handler) Exec(c *gin.Context) {
	var req v1.ExecRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errors.ValidationError("request", err.Error()))
		return
	}

	opts := sandbox.ExecOptions{Cwd: req.Cwd, Env: req.Env}
	if req.Timeout > 0 {
		opts.Timeout = time.Duration(req.Timeout) * time.Second
	}

	result, err := h.deps.Provider.Execute(c.Request.Context(), c.Param("id"), req.Command, opts)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, v1.ExecResponse{
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
		ExitCode: result.ExitCode,
	})
}

// StreamLogs handles GET /sandbox/:id/logs as an SSE stream of log lines.
// service selects the sandbox's internal service (e.g. "agent", "shell");
// it defaults to "agent" when omitted.
func (h *Handler) StreamLogs(c *gin.Context) {
	service := c.DefaultQuery("service", "agent")
	lines, err := h.deps.Provider.StreamLogs(c.Request.Context(), c.Param("id"), service)
	if err != nil {
		respondErr(c, err)
		return
	}

	w := newSSEWriter(c)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			data, err := json.Marshal(line)
			if err != nil {
				continue
			}
			if !w.writeEvent("log", data) {
				return
			}
		case <-c.Request.Context().Done():
			return
		}
	}
}

// GitStatus handles GET /sandbox/:id/git/status.
func (h *Handler) GitStatus(c *gin.Context) {
	status, err := h.deps.Provider.GetGitStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, v1.GitStatusResponse{
		Commit:     status.Commit,
		Branch:     status.Branch,
		SyncStatus: status.SyncStatus,
		Dirty:      status.Dirty,
	})
}

// SyncGit handles POST /sandbox/:id/git/sync.
func (h *Handler) SyncGit(c *gin.Context) {
	if err := h.deps.Provider.SyncGit(c.Request.Context(), c.Param("id")); err != nil {
		respondErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// CreateSnapshot handles POST /sandbox/:id/snapshot.
func (h *Handler) CreateSnapshot(c *gin.Context) {
	var req v1.SnapshotCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errors.ValidationError("request", err.Error()))
		return
	}

	snap, err := h.deps.Snapshots.Create(c.Request.Context(), c.Param("id"), req.SessionID, req.GitCommit, req.HasUncommittedChanges, 0)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, v1.SnapshotCreateResponse{
		SnapshotID: snap.ID,
		CreatedAt:  snap.CreatedAt,
	})
}

func snapshotToV1(s *snapshot.Snapshot) v1.Snapshot {
	return v1.Snapshot{
		ID:                    s.ID,
		SessionID:             s.SessionID,
		SandboxID:             s.SandboxID,
		GitCommit:             s.GitCommit,
		HasUncommittedChanges: s.HasUncommittedChanges,
		CreatedAt:             s.CreatedAt,
		ExpiresAt:             s.ExpiresAt,
	}
}

// ListSnapshots handles GET /sandbox/snapshots.
func (h *Handler) ListSnapshots(c *gin.Context) {
	snaps := h.deps.Snapshots.List()
	out := make([]v1.Snapshot, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, snapshotToV1(s))
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": out})
}

// DeleteSnapshot handles DELETE /sandbox/snapshots/:id.
func (h *Handler) DeleteSnapshot(c *gin.Context) {
	if !h.deps.Snapshots.Delete(c.Param("id")) {
		respondErr(c, errors.NotFound("snapshot", c.Param("id")))
		return
	}
	c.Status(http.StatusNoContent)
}

// RestoreSnapshot handles POST /sandbox/restore.
func (h *Handler) RestoreSnapshot(c *gin.Context) {
	var req v1.SnapshotRestoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errors.ValidationError("request", err.Error()))
		return
	}

	sb, err := h.deps.Snapshots.Restore(c.Request.Context(), req.SessionID, sandbox.CreateInput{})
	if err != nil {
		respondErr(c, err)
		return
	}
	if sb == nil {
		respondErr(c, errors.NotFound("snapshot", "current for session "+req.SessionID))
		return
	}
	c.JSON(http.StatusOK, sandboxToV1(sb))
}

// ClaimFromPool handles POST /sandbox/pool/claim.
func (h *Handler) ClaimFromPool(c *gin.Context) {
	var req v1.PoolClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errors.ValidationError("request", err.Error()))
		return
	}

	key := warmpool.Key{Repository: req.Repository, Branch: req.Branch, ImageTag: req.ImageTag}
	result := h.deps.Pool.Claim(key, req.ProjectID)

	resp := v1.PoolClaimResponse{Reason: string(result.Reason)}
	if result.Sandbox != nil {
		resp.Sandbox = sandboxToV1(result.Sandbox)
	}
	c.JSON(http.StatusOK, resp)
}

// NotifyTyping handles POST /sandbox/pool/typing: an early signal that a
// claim for this key is likely imminent, used to trigger eager replenish.
func (h *Handler) NotifyTyping(c *gin.Context) {
	var req v1.PoolTypingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errors.ValidationError("request", err.Error()))
		return
	}
	key := warmpool.Key{Repository: req.Repository, Branch: req.Branch, ImageTag: req.ImageTag}
	h.deps.Pool.OnTyping(key, req.ProjectID)
	c.Status(http.StatusNoContent)
}

// PoolStats handles GET /sandbox/pool/stats.
func (h *Handler) PoolStats(c *gin.Context) {
	stats := h.deps.Pool.TotalStats()
	c.JSON(http.StatusOK, v1.PoolStatsResponse{
		Available: stats.Available,
		Warming:   stats.Warming,
		Total:     stats.Total,
	})
}
