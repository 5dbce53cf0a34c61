package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kandev/orchestrator/internal/agentspawner"
	"github.com/kandev/orchestrator/internal/common/errors"
	v1 "github.com/kandev/orchestrator/pkg/api/v1"
)

func agentToV1(a *agentspawner.Agent) v1.BackgroundAgent {
	return v1.BackgroundAgent{
		ID:              a.ID,
		ParentSessionID: a.ParentSessionID,
		WorkSessionID:   a.WorkSessionID,
		SandboxID:       a.SandboxID,
		Status:          string(a.Status),
		Task:            a.Task,
		CreatedAt:       a.CreatedAt,
		StartedAt:       a.StartedAt,
		CompletedAt:     a.CompletedAt,
		Error:           a.Error,
		Output:          a.Output,
	}
}

// SpawnBackgroundAgent handles POST /background/spawn.
func (h *Handler) SpawnBackgroundAgent(c *gin.Context) {
	var req v1.SpawnBackgroundAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errors.ValidationError("request", err.Error()))
		return
	}

	agent, err := h.deps.Scheduler.Spawn(agentspawner.SpawnInput{
		ParentSessionID: req.ParentSessionID,
		Task:            req.Task,
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusAccepted, agentToV1(agent))
}

// GetBackgroundAgent handles GET /background/:id.
func (h *Handler) GetBackgroundAgent(c *gin.Context) {
	agent := h.agent(c.Param("id"))
	if agent == nil {
		respondErr(c, errors.NotFound("background agent", c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, agentToV1(agent))
}

// GetBackgroundAgentOutput handles GET /background/:id/output.
func (h *Handler) GetBackgroundAgentOutput(c *gin.Context) {
	agent := h.agent(c.Param("id"))
	if agent == nil {
		respondErr(c, errors.NotFound("background agent", c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"output": agent.Output,
		"error":  agent.Error,
		"status": string(agent.Status),
	})
}

// CancelBackgroundAgent handles POST /background/:id/cancel.
func (h *Handler) CancelBackgroundAgent(c *gin.Context) {
	if !h.deps.Scheduler.Cancel(c.Param("id")) {
		respondErr(c, errors.NotFound("background agent", c.Param("id")))
		return
	}
	c.Status(http.StatusNoContent)
}

// StreamBackgroundAgentEvents handles GET /background/:id/events as an SSE
// stream: an immediate "status" snapshot, then a "status" event on every
// poll tick until the agent reaches a terminal state, followed by
// "complete".
func (h *Handler) StreamBackgroundAgentEvents(c *gin.Context) {
	id := c.Param("id")
	agent := h.agent(id)
	if agent == nil {
		respondErr(c, errors.NotFound("background agent", id))
		return
	}

	w := newSSEWriter(c)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	writeStatus := func(event string) bool {
		a := h.agent(id)
		if a == nil {
			return false
		}
		data, err := json.Marshal(v1.BackgroundAgentEvent{Event: event, Agent: agentToV1(a)})
		if err != nil {
			return false
		}
		return w.writeEvent(event, data)
	}

	if !writeStatus("status") {
		return
	}
	for {
		select {
		case <-ticker.C:
			a := h.agent(id)
			if a == nil {
				return
			}
			if agentspawner.IsTerminal(a.Status) {
				writeStatus("complete")
				return
			}
			if !writeStatus("status") {
				return
			}
		case <-c.Request.Context().Done():
			return
		}
	}
}

// SchedulerStats handles GET /background/stats.
func (h *Handler) SchedulerStats(c *gin.Context) {
	stats := h.deps.Scheduler.GetStats()
	c.JSON(http.StatusOK, v1.SchedulerStatsResponse{
		Queued:         stats.Queued,
		Running:        stats.Running,
		MaxConcurrent:  stats.MaxConcurrent,
		MaxQueued:      stats.MaxQueued,
		TotalProcessed: stats.TotalProcessed,
		TotalFailed:    stats.TotalFailed,
	})
}
